package trid

import "testing"

func TestEqualIgnoresHostIfaceWhenOneSideEmpty(t *testing.T) {
	a := New(TransportTCP, "10.0.0.1", "4420", "nqn.test", "", "", false)
	b := New(TransportTCP, "10.0.0.1", "4420", "nqn.test", "", "eth0", false)
	if !a.Equal(b) {
		t.Fatal("expected TIDs to be equal when only one side sets HostIface")
	}
}

func TestEqualHonorsHostIfaceWhenBothSet(t *testing.T) {
	a := New(TransportTCP, "10.0.0.1", "4420", "nqn.test", "", "eth0", false)
	b := New(TransportTCP, "10.0.0.1", "4420", "nqn.test", "", "eth1", false)
	if a.Equal(b) {
		t.Fatal("expected TIDs to differ when HostIface differs on both sides")
	}
}

func TestDefaultServiceID(t *testing.T) {
	if got := New(TransportRDMA, "10.0.0.1", "", "", "", "", false).Trsvcid; got != "4420" {
		t.Errorf("rdma default trsvcid = %q, want 4420", got)
	}
	if got := New(TransportTCP, "10.0.0.1", "", "", "", "", true).Trsvcid; got != "8009" {
		t.Errorf("tcp discovery default trsvcid = %q, want 8009", got)
	}
	if got := New(TransportTCP, "10.0.0.1", "", "", "", "", false).Trsvcid; got != "4420" {
		t.Errorf("tcp io default trsvcid = %q, want 4420", got)
	}
}

func TestHashStableAcrossEqualValues(t *testing.T) {
	a := New(TransportTCP, "10.0.0.1", "4420", "nqn.test", "", "eth0", false)
	b := New(TransportTCP, "10.0.0.1", "4420", "nqn.test", "", "eth0", false)
	if a.Hash() != b.Hash() {
		t.Fatal("equal TIDs must hash identically")
	}
}

func TestFromFieldsNQNAlias(t *testing.T) {
	id, err := FromFields(map[string]string{
		"transport": "tcp",
		"traddr":    "100.71.103.50",
		"trsvcid":   "8009",
		"nqn":       "nqn.2014-08.org.nvmexpress.discovery",
	}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.SubsysNQN != "nqn.2014-08.org.nvmexpress.discovery" {
		t.Errorf("subsysnqn = %q", id.SubsysNQN)
	}
	if !id.IsDiscovery() {
		t.Error("expected IsDiscovery to be true")
	}
}

func TestFromFieldsRejectsUnknownTransport(t *testing.T) {
	_, err := FromFields(map[string]string{"transport": "usb", "traddr": "1.2.3.4"}, false)
	if err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}

func TestFromFieldsRequiresTraddr(t *testing.T) {
	_, err := FromFields(map[string]string{"transport": "tcp"}, false)
	if err == nil {
		t.Fatal("expected error when traddr is missing")
	}
}
