// Package trid implements the Transport ID, the stable identity of an
// NVMe-oF controller, as described for the "configured controller" and
// discovery-log-page entry forms.
package trid

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Transport enumerates the NVMe-oF transport types.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportRDMA Transport = "rdma"
	TransportFC   Transport = "fc"
	TransportLoop Transport = "loop"
)

// defaultServiceID returns the default trsvcid for a transport when the
// caller did not supply one; discoveryOnly controls the well-known
// discovery port picked for tcp.
func defaultServiceID(transport Transport, discoveryOnly bool) string {
	switch transport {
	case TransportRDMA:
		return "4420"
	case TransportTCP:
		if discoveryOnly {
			return "8009"
		}
		return "4420"
	default:
		return ""
	}
}

// ID is the canonical, immutable identity of a controller.
//
//nolint:govet // fieldalignment: field order favors readability of the wire tuple.
type ID struct {
	Transport  Transport
	Traddr     string
	Trsvcid    string
	SubsysNQN  string
	HostTraddr string
	HostIface  string
}

// New constructs an ID, defaulting Trsvcid per transport/discovery rules.
func New(transport Transport, traddr, trsvcid, subsysNQN, hostTraddr, hostIface string, discoveryOnly bool) ID {
	if trsvcid == "" {
		trsvcid = defaultServiceID(transport, discoveryOnly)
	}
	return ID{
		Transport:  transport,
		Traddr:     strings.ToLower(strings.TrimSpace(traddr)),
		Trsvcid:    strings.TrimSpace(trsvcid),
		SubsysNQN:  strings.TrimSpace(subsysNQN),
		HostTraddr: strings.TrimSpace(hostTraddr),
		HostIface:  strings.TrimSpace(hostIface),
	}
}

// Equal implements the TID equality rule of the data model: when both
// sides carry a HostIface it participates in equality; otherwise it is
// ignored.
func (a ID) Equal(b ID) bool {
	if a.Transport != b.Transport || a.Traddr != b.Traddr || a.Trsvcid != b.Trsvcid ||
		a.SubsysNQN != b.SubsysNQN || a.HostTraddr != b.HostTraddr {
		return false
	}
	if a.HostIface != "" && b.HostIface != "" {
		return a.HostIface == b.HostIface
	}
	return true
}

// canonicalTuple renders the tuple that participates in the identity,
// including HostIface only when withIface is true.
func (a ID) canonicalTuple(withIface bool) string {
	iface := ""
	if withIface {
		iface = a.HostIface
	}
	fields := []string{string(a.Transport), a.Traddr, a.Trsvcid, a.SubsysNQN, a.HostTraddr, iface}
	return strings.Join(fields, "\x1f")
}

// Key returns a stable, comparable map key for this TID. HostIface is
// part of the key only when set, so a TID with HostIface set has a
// different Key from an otherwise identical one without it, even though
// Equal treats the two as equal. The registry looks controllers up by
// Key alone.
func (a ID) Key() string {
	if a.HostIface != "" {
		return a.canonicalTuple(true)
	}
	return a.canonicalTuple(false)
}

// Hash returns a deterministic, process-restart-stable hash of the TID.
func (a ID) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.canonicalTuple(true)))
	return h.Sum64()
}

// String renders a human-readable TID, in the conventional
// "transport=tcp,traddr=...,trsvcid=...,subsysnqn=..." form.
func (a ID) String() string {
	parts := []string{
		"transport=" + string(a.Transport),
		"traddr=" + a.Traddr,
	}
	if a.Trsvcid != "" {
		parts = append(parts, "trsvcid="+a.Trsvcid)
	}
	if a.SubsysNQN != "" {
		parts = append(parts, "subsysnqn="+a.SubsysNQN)
	}
	if a.HostTraddr != "" {
		parts = append(parts, "host-traddr="+a.HostTraddr)
	}
	if a.HostIface != "" {
		parts = append(parts, "host-iface="+a.HostIface)
	}
	return strings.Join(parts, ",")
}

// WellKnownDiscoveryNQN is the reserved subsystem NQN used by Discovery
// Controllers.
const WellKnownDiscoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

// IsDiscovery reports whether this TID names a Discovery Controller by
// subsystem NQN convention.
func (a ID) IsDiscovery() bool {
	return a.SubsysNQN == WellKnownDiscoveryNQN
}

// FromFields builds an ID from a generic string-keyed field map, as
// produced by the configuration parser and discovery log page entries.
// "nqn" is accepted as an alias for "subsysnqn".
func FromFields(fields map[string]string, discoveryOnly bool) (ID, error) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := fields[k]; ok {
				return v
			}
		}
		return ""
	}

	transport := Transport(strings.ToLower(get("transport", "trtype")))
	switch transport {
	case TransportTCP, TransportRDMA, TransportFC, TransportLoop:
	default:
		return ID{}, fmt.Errorf("trid: unsupported transport %q", transport)
	}

	traddr := get("traddr")
	if traddr == "" {
		return ID{}, fmt.Errorf("trid: traddr is required")
	}

	return New(
		transport,
		traddr,
		get("trsvcid"),
		get("subsysnqn", "nqn"),
		get("host-traddr", "host_traddr"),
		get("host-iface", "host_iface"),
		discoveryOnly,
	), nil
}

// SortByKey sorts a slice of IDs by their canonical Key(), useful for
// deterministic test assertions and log output.
func SortByKey(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
}
