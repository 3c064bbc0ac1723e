package udevbridge

import "testing"

func TestParseUEvent(t *testing.T) {
	raw := []byte("add@/devices/virtual/nvme-fabrics/ctl/nvme3\x00ACTION=add\x00DEVPATH=/devices/virtual/nvme-fabrics/ctl/nvme3\x00SUBSYSTEM=nvme\x00NVME_TRTYPE=tcp\x00")
	ev, err := parseUEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Action != "add" {
		t.Errorf("expected action add, got %q", ev.Action)
	}
	if ev.Subsystem != "nvme" {
		t.Errorf("expected subsystem nvme, got %q", ev.Subsystem)
	}
	if ev.Properties["NVME_TRTYPE"] != "tcp" {
		t.Errorf("expected NVME_TRTYPE=tcp, got %q", ev.Properties["NVME_TRTYPE"])
	}
}

func TestParseUEventMalformed(t *testing.T) {
	if _, err := parseUEvent([]byte("garbage-no-null-or-at")); err == nil {
		t.Error("expected error for malformed datagram")
	}
}
