// Package nbft ingests NVMe Boot Firmware Table entries — discovery and
// I/O controllers a UEFI/BIOS boot loader already connected to — and
// maps them onto the same Transport ID fields the rest of the core
// uses, grounded on staslib/nbft.py and staslib/conf.py's NbftConf.
package nbft

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fenio/nvme-stasd/internal/ifaddr"
)

// DefaultSysfsPath is where Linux exposes raw NBFT ACPI tables.
const DefaultSysfsPath = "/sys/firmware/acpi/tables"

// HFI is one Host Fabric Interface entry of an NBFT table.
type HFI struct {
	Index   int
	MACAddr string
	Trtype  string
}

// DiscoveryEntry is one Discovery Controller entry of an NBFT table.
type DiscoveryEntry struct {
	HFIIndex int
	NQN      string
	URI      string
}

// SubsystemEntry is one I/O Controller (subsystem) entry of an NBFT table.
type SubsystemEntry struct {
	HFIIndexes            []int
	Trtype                string
	Traddr                string
	Trsvcid               string
	SubsysNQN             string
	HdrDigestRequired     bool
	DataDigestRequired    bool
}

// Host is the host-identity section of an NBFT table.
type Host struct {
	NQN              string
	HostNQNConfigured bool
}

// Table is one parsed NBFT binary file's content.
type Table struct {
	HFIs       []HFI
	Discovery  []DiscoveryEntry
	Subsystems []SubsystemEntry
	Host       Host
}

// CtrlFields is a set of controller identity fields in the same
// string-keyed shape internal/config uses, ready to feed into
// trid.FromFields.
type CtrlFields map[string]string

// DiscoveryControllerFields converts every Discovery Controller entry
// of every table in tables into controller field maps.
func DiscoveryControllerFields(tables []Table) []CtrlFields {
	var out []CtrlFields
	for _, t := range tables {
		hostnqn := ""
		if t.Host.HostNQNConfigured {
			hostnqn = t.Host.NQN
		}
		for _, d := range t.Discovery {
			cid, err := uriToFields(d.URI)
			if err != nil {
				continue
			}
			cid["subsysnqn"] = d.NQN
			if hostnqn != "" {
				cid["host-nqn"] = hostnqn
			}
			if iface := hostIfaceForIndex(d.HFIIndex, t.HFIs); iface != "" {
				cid["host-iface"] = iface
			}
			out = append(out, cid)
		}
	}
	return out
}

// IOControllerFields converts every subsystem (I/O Controller) entry of
// every table in tables into controller field maps. Per an open design
// question (spec.md §9), the Connector does NOT fold these into its
// desired set yet — multipath semantics for NBFT-booted I/O controllers
// are still undecided, so this is exposed for callers that explicitly
// want it (diagnostics, a future multipath-aware Connector) rather than
// wired into the default reconciliation desired-set.
func IOControllerFields(tables []Table) []CtrlFields {
	var out []CtrlFields
	for _, t := range tables {
		hostnqn := ""
		if t.Host.HostNQNConfigured {
			hostnqn = t.Host.NQN
		}
		for _, s := range t.Subsystems {
			cid := CtrlFields{
				"transport":   s.Trtype,
				"traddr":      s.Traddr,
				"trsvcid":     s.Trsvcid,
				"subsysnqn":   s.SubsysNQN,
				"hdr-digest":  boolStr(s.HdrDigestRequired),
				"data-digest": boolStr(s.DataDigestRequired),
			}
			if hostnqn != "" {
				cid["host-nqn"] = hostnqn
			}
			if len(s.HFIIndexes) > 0 {
				if iface := hostIfaceForIndex(s.HFIIndexes[0], t.HFIs); iface != "" {
					cid["host-iface"] = iface
				}
			}
			out = append(out, cid)
		}
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func hostIfaceForIndex(index int, hfis []HFI) string {
	for _, h := range hfis {
		if h.Index != index {
			continue
		}
		if h.MACAddr == "" {
			return ""
		}
		return ifaddr.InterfaceWithMAC(h.MACAddr)
	}
	return ""
}

// uriToFields converts a URI of the form "nvme+tcp://100.71.103.50:8009/"
// into transport/traddr/trsvcid fields.
func uriToFields(uri string) (CtrlFields, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("nbft: parsing discovery uri %q: %w", uri, err)
	}
	scheme := strings.SplitN(u.Scheme, "+", 2)
	if len(scheme) != 2 {
		return nil, fmt.Errorf("nbft: unexpected discovery uri scheme %q", u.Scheme)
	}
	return CtrlFields{
		"transport": scheme[1],
		"traddr":    u.Hostname(),
		"trsvcid":   u.Port(),
	}, nil
}

// ReadTables scans rootDir for NBFT* files and parses each into a Table.
// rootDir defaults to DefaultSysfsPath in normal operation; tests point
// it at a scratch directory of pre-decoded JSON fixtures (the real
// binary ACPI decode is out of scope for this package — see DESIGN.md).
func ReadTables(rootDir string) ([]Table, error) {
	matches, err := filepath.Glob(filepath.Join(rootDir, "NBFT*"))
	if err != nil {
		return nil, fmt.Errorf("nbft: globbing %s: %w", rootDir, err)
	}

	var tables []Table
	for _, path := range matches {
		data, err := os.ReadFile(path) //nolint:gosec // fixed glob under a controlled sysfs path
		if err != nil {
			continue
		}
		t, err := decode(data)
		if err != nil {
			continue
		}
		tables = append(tables, t)
	}
	return tables, nil
}
