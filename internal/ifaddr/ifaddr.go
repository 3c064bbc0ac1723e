// Package ifaddr implements the "which local interface owns this address"
// lookup used by the Udev Bridge to derive host_iface from a kernel
// source-address attribute when no explicit interface property is present
// (staslib/iputil.py).
package ifaddr

import (
	"net"
	"strings"
)

// InterfaceOwning returns the name of the local network interface that
// has addr assigned, or "" if none does.
func InterfaceOwning(addr string) string {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return ""
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(ip) {
				return iface.Name
			}
		}
	}
	return ""
}

// MACOf returns the hardware address of the named interface, or "" if the
// interface does not exist or has none — used by the NBFT ingest path to
// match an HFI's MAC to a local interface.
func MACOf(name string) string {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	return iface.HardwareAddr.String()
}

// InterfaceWithMAC returns the name of the local interface whose hardware
// address matches mac (case-insensitive), or "" if none does.
func InterfaceWithMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if mac == "" {
		return ""
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if strings.ToLower(iface.HardwareAddr.String()) == mac {
			return iface.Name
		}
	}
	return ""
}
