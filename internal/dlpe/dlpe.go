// Package dlpe models Discovery Log Page Entries and the normalization
// rules applied to them before caching.
package dlpe

import "strings"

// Subtype enumerates the DLPE subtype field.
type Subtype string

const (
	SubtypeNVM      Subtype = "nvm"
	SubtypeReferral Subtype = "referral"
	SubtypeCurrent  Subtype = "current"
)

// NCC is the "Not Connected to CDC" bit within Eflags.
const NCC uint16 = 1 << 0

// Entry is one record in a Discovery Controller's discovery log.
//
//nolint:govet // fieldalignment: field order favors readability of the wire record.
type Entry struct {
	Trtype    string
	Traddr    string
	Trsvcid   string
	Subnqn    string
	Subtype   Subtype
	Eflags    uint16
	HostIface string // tagged on by the Reconciler when propagating referrals
}

// HasNCC reports whether the Not-Connected-to-CDC bit is set.
func (e Entry) HasNCC() bool { return e.Eflags&NCC != 0 }

// invalidAddrs is the set of traddr values dropped from incoming DLPEs
// per the data-model invariant.
var invalidAddrs = map[string]bool{
	"":        true,
	"0.0.0.0": true,
	"::":      true,
}

// normalizeKV strips whitespace from a key or value, matching the
// FetchingDLPEs normalization rule.
func normalizeKV(s string) string { return strings.TrimSpace(s) }

// Normalize trims whitespace from every string field of e.
func Normalize(e Entry) Entry {
	e.Trtype = normalizeKV(e.Trtype)
	e.Traddr = normalizeKV(e.Traddr)
	e.Trsvcid = normalizeKV(e.Trsvcid)
	e.Subnqn = normalizeKV(e.Subnqn)
	e.Subtype = Subtype(normalizeKV(string(e.Subtype)))
	return e
}

// FilterAndNormalize drops entries with an invalid traddr and normalizes
// the remainder, as done on every successful discovery-log-page fetch.
func FilterAndNormalize(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		n := Normalize(e)
		if invalidAddrs[n.Traddr] {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Referrals returns the subset of entries whose Subtype is "referral".
func Referrals(entries []Entry) []Entry {
	out := make([]Entry, 0)
	for _, e := range entries {
		if e.Subtype == SubtypeReferral {
			out = append(out, e)
		}
	}
	return out
}

// key identifies an entry for the purpose of referral-set comparison,
// independent of slice order.
func key(e Entry) string {
	return strings.Join([]string{e.Trtype, e.Traddr, e.Trsvcid, e.Subnqn, string(e.Subtype)}, "\x1f")
}

// SameSet reports whether a and b contain the same entries irrespective
// of order, used to decide whether the referral subset changed.
func SameSet(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, e := range a {
		counts[key(e)]++
	}
	for _, e := range b {
		k := key(e)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}
