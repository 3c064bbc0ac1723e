package nbft

import (
	"os"
	"path/filepath"
	"testing"
)

const fixtureJSON = `{
	"discovery": [{"hfi": 0, "nqn": "nqn.2014-08.org.nvmexpress.discovery", "uri": "nvme+tcp://100.71.103.50:8009/"}],
	"hfi": [{"index": 0, "mac_addr": "b0:26:28:e8:7c:0e", "trtype": "tcp"}],
	"host": {"host_nqn_configured": true, "nqn": "nqn.1988-11.com.dell:PowerEdge.R760.1234567"},
	"subsystem": [{
		"hfis": [0], "trtype": "tcp", "traddr": "100.71.103.48", "trsvcid": "4420",
		"subsys_nqn": "nqn.1988-11.com.dell:powerstore:00:2a64abf1c5b81F6C4549",
		"pdu_header_digest_required": 0, "data_digest_required": 0
	}]
}`

func TestReadTablesParsesFixture(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "NBFT0"), []byte(fixtureJSON), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	tables, err := ReadTables(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(tables))
	}
	if tables[0].Host.NQN != "nqn.1988-11.com.dell:PowerEdge.R760.1234567" {
		t.Errorf("unexpected host nqn: %+v", tables[0].Host)
	}
}

func TestDiscoveryControllerFields(t *testing.T) {
	tables := []Table{{
		HFIs:      []HFI{{Index: 0, MACAddr: "b0:26:28:e8:7c:0e"}},
		Discovery: []DiscoveryEntry{{HFIIndex: 0, NQN: "nqn.disc", URI: "nvme+tcp://100.71.103.50:8009/"}},
		Host:      Host{NQN: "nqn.host", HostNQNConfigured: true},
	}}

	fields := DiscoveryControllerFields(tables)
	if len(fields) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(fields))
	}
	if fields[0]["transport"] != "tcp" || fields[0]["traddr"] != "100.71.103.50" || fields[0]["trsvcid"] != "8009" {
		t.Errorf("unexpected uri-derived fields: %+v", fields[0])
	}
	if fields[0]["subsysnqn"] != "nqn.disc" {
		t.Errorf("expected subsysnqn nqn.disc, got %+v", fields[0])
	}
	if fields[0]["host-nqn"] != "nqn.host" {
		t.Errorf("expected host-nqn propagated, got %+v", fields[0])
	}
}

func TestIOControllerFieldsNotUsedForDesiredSetByDefault(t *testing.T) {
	// This test documents the intentional behavior: IOControllerFields
	// returns data, but nothing in the reconciler calls it by default.
	tables := []Table{{
		Subsystems: []SubsystemEntry{{Trtype: "tcp", Traddr: "100.71.103.48", Trsvcid: "4420", SubsysNQN: "nqn.sub"}},
	}}
	fields := IOControllerFields(tables)
	if len(fields) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(fields))
	}
}
