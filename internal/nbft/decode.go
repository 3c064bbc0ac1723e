package nbft

import "encoding/json"

// wireTable mirrors the dict shape libnvme's nbft_get() returns (see
// test-nbft.py's NBFT_DATA fixture): decoding the raw ACPI NBFT binary
// structure itself is a job for a dedicated firmware-table parser that
// isn't present anywhere in the corpus this module is grounded on, so
// this boundary accepts the already-decoded JSON representation of a
// table instead of parsing ACPI bytes directly (see DESIGN.md).
type wireTable struct {
	HFI []struct {
		Index   int    `json:"index"`
		MACAddr string `json:"mac_addr"`
		Trtype  string `json:"trtype"`
	} `json:"hfi"`
	Discovery []struct {
		HFIIndex int    `json:"hfi"`
		NQN      string `json:"nqn"`
		URI      string `json:"uri"`
	} `json:"discovery"`
	Subsystem []struct {
		HFIIndexes         []int  `json:"hfis"`
		Trtype             string `json:"trtype"`
		Traddr             string `json:"traddr"`
		Trsvcid            string `json:"trsvcid"`
		SubsysNQN          string `json:"subsys_nqn"`
		HdrDigestRequired  int    `json:"pdu_header_digest_required"`
		DataDigestRequired int    `json:"data_digest_required"`
	} `json:"subsystem"`
	Host struct {
		NQN               string `json:"nqn"`
		HostNQNConfigured bool   `json:"host_nqn_configured"`
	} `json:"host"`
}

func decode(raw []byte) (Table, error) {
	var w wireTable
	if err := json.Unmarshal(raw, &w); err != nil {
		return Table{}, err
	}

	var t Table
	for _, h := range w.HFI {
		t.HFIs = append(t.HFIs, HFI{Index: h.Index, MACAddr: h.MACAddr, Trtype: h.Trtype})
	}
	for _, d := range w.Discovery {
		t.Discovery = append(t.Discovery, DiscoveryEntry{HFIIndex: d.HFIIndex, NQN: d.NQN, URI: d.URI})
	}
	for _, s := range w.Subsystem {
		t.Subsystems = append(t.Subsystems, SubsystemEntry{
			HFIIndexes:         s.HFIIndexes,
			Trtype:             s.Trtype,
			Traddr:             s.Traddr,
			Trsvcid:            s.Trsvcid,
			SubsysNQN:          s.SubsysNQN,
			HdrDigestRequired:  s.HdrDigestRequired != 0,
			DataDigestRequired: s.DataDigestRequired != 0,
		})
	}
	t.Host = Host{NQN: w.Host.NQN, HostNQNConfigured: w.Host.HostNQNConfigured}
	return t, nil
}
