package fabric

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fenio/nvme-stasd/internal/dlpe"
)

// discoverLogJSON mirrors the subset of `nvme discover -o json` this
// binding consumes; unrecognized fields are ignored by encoding/json.
type discoverLogJSON struct {
	Records []struct {
		Trtype    string `json:"trtype"`
		Traddr    string `json:"traddr"`
		Trsvcid   string `json:"trsvcid"`
		Subnqn    string `json:"subnqn"`
		Subtype   string `json:"subtype"`
		EFlags    int    `json:"eflags"`
		HostIface string `json:"host_iface"`
	} `json:"records"`
}

func parseDiscoveryLog(raw []byte) ([]dlpe.Entry, error) {
	var doc discoverLogJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	entries := make([]dlpe.Entry, 0, len(doc.Records))
	for _, r := range doc.Records {
		entries = append(entries, dlpe.Entry{
			Trtype:    r.Trtype,
			Traddr:    r.Traddr,
			Trsvcid:   r.Trsvcid,
			Subnqn:    r.Subnqn,
			Subtype:   subtypeFromString(r.Subtype),
			Eflags:    uint16(r.EFlags), //nolint:gosec // eflags is a 16-bit field in the NVMe spec
			HostIface: r.HostIface,
		})
	}
	return entries, nil
}

func subtypeFromString(s string) dlpe.Subtype {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "referral":
		return dlpe.SubtypeReferral
	case "current discovery subsystem", "current":
		return dlpe.SubtypeCurrent
	default:
		return dlpe.SubtypeNVM
	}
}

// listSubsysJSON mirrors the subset of `nvme list-subsys -o json` this
// binding consumes to resolve an NQN to its bound /dev/nvmeN controller.
type listSubsysJSON []struct {
	Subsystems []struct {
		NQN          string `json:"NQN"`
		Controllers []struct {
			Controller string `json:"Controller"`
		} `json:"Controllers"`
	} `json:"Subsystems"`
}

func findSubsysDeviceName(raw []byte, nqn string) string {
	var doc listSubsysJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	for _, host := range doc {
		for _, sub := range host.Subsystems {
			if sub.NQN != nqn {
				continue
			}
			if len(sub.Controllers) > 0 {
				return sub.Controllers[0].Controller
			}
		}
	}
	return ""
}

// parseHexDumpUint32 reads the little-endian leading 4 bytes of an
// `nvme get-log` binary dump as rendered on stdout, falling back to 0
// when the output isn't in the expected form.
func parseHexDumpUint32(out []byte) uint32 {
	fields := strings.Fields(string(out))
	var result uint32
	shift := uint(0)
	count := 0
	for _, f := range fields {
		f = strings.TrimPrefix(f, "0x")
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil || len(f) != 2 {
			continue
		}
		result |= uint32(b) << shift
		shift += 8
		count++
		if count == 4 {
			break
		}
	}
	return result
}
