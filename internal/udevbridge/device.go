package udevbridge

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fenio/nvme-stasd/internal/ifaddr"
	"github.com/fenio/nvme-stasd/internal/trid"
)

// sysNVMeClass is a var (not a const) so tests can point it at a
// scratch directory laid out like /sys/class/nvme.
var sysNVMeClass = "/sys/class/nvme"

// readUEventProperties reads the KEY=VALUE lines of a sysfs "uevent"
// file, the same property set a kernel uevent datagram carries for the
// device (NVME_TRTYPE, NVME_TRADDR, NVME_TRSVCID, NVME_HOST_TRADDR,
// NVME_HOST_IFACE).
func readUEventProperties(sysName string) map[string]string {
	props := map[string]string{}
	f, err := os.Open(filepath.Join(sysNVMeClass, sysName, "uevent")) //nolint:gosec // fixed sysfs path under a controlled class dir
	if err != nil {
		return props
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if eq := strings.IndexByte(line, '='); eq > 0 {
			props[line[:eq]] = line[eq+1:]
		}
	}
	return props
}

// readAttr reads a single sysfs attribute file for a device, applying
// the "(efault)" sentinel-to-empty quirk some kernels expose when an
// attribute genuinely has no value yet (e.g. a DC's subsysnqn before
// the connect completes).
func readAttr(sysName, attr string) string {
	data, err := os.ReadFile(filepath.Join(sysNVMeClass, sysName, attr)) //nolint:gosec // fixed sysfs path under a controlled class dir
	if err != nil {
		return ""
	}
	val := strings.TrimSpace(string(data))
	if val == "(efault)" || strings.EqualFold(val, "none") {
		return ""
	}
	return val
}

// GetAttributes reads a set of sysfs attributes for sysName, returning
// "" for any attribute that is absent, faulted, or the literal string
// "(efault)" — the quirk some kernels exhibit for a not-yet-populated
// attribute.
func GetAttributes(sysName string, attrIDs []string) map[string]string {
	out := make(map[string]string, len(attrIDs))
	if sysName == "" || sysName == "nvme?" {
		for _, id := range attrIDs {
			out[id] = ""
		}
		return out
	}
	for _, id := range attrIDs {
		out[id] = readAttr(sysName, id)
	}
	return out
}

func property(props map[string]string, key string) string {
	v := props[key]
	if strings.EqualFold(v, "none") {
		return ""
	}
	return v
}

func hostIface(sysName string, props map[string]string) string {
	if v := property(props, "NVME_HOST_IFACE"); v != "" {
		return v
	}
	addr := readAttr(sysName, "address")
	srcAddr := keyFromAttr(addr, "src_addr=", ",")
	if srcAddr == "" {
		return ""
	}
	return ifaddr.InterfaceOwning(srcAddr)
}

// keyFromAttr extracts the value of key from a comma-delimited
// key=value attribute string, e.g. the "address" attribute:
// "trtype=tcp,traddr=10.10.1.100,trsvcid=4420,src_addr=10.10.1.50".
func keyFromAttr(attr, key, delim string) string {
	if attr == "" {
		return ""
	}
	start := strings.Index(attr, key)
	if start < 0 {
		return ""
	}
	start += len(key)
	rest := attr[start:]
	if end := strings.Index(rest, delim); end >= 0 {
		return rest[:end]
	}
	return rest
}

// GetTID derives the Transport ID for the nvme sysfs device sysName.
func GetTID(sysName string) trid.ID {
	props := readUEventProperties(sysName)
	fields := map[string]string{
		"transport":   property(props, "NVME_TRTYPE"),
		"traddr":      property(props, "NVME_TRADDR"),
		"trsvcid":     property(props, "NVME_TRSVCID"),
		"host-traddr": property(props, "NVME_HOST_TRADDR"),
		"host-iface":  hostIface(sysName, props),
		"subsysnqn":   readAttr(sysName, "subsysnqn"),
	}
	id, _ := trid.FromFields(fields, false)
	return id
}

// numChildren counts the namespace block devices (e.g. "nvme0n1") that
// the kernel nests under a controller's sysfs directory — a Discovery
// Controller never has any, an I/O Controller always has at least one
// once namespaces are identified.
func numChildren(sysName string) int {
	entries, err := os.ReadDir(filepath.Join(sysNVMeClass, sysName))
	if err != nil {
		return 0
	}
	prefix := sysName + "n"
	count := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil {
			count++
		}
	}
	return count
}

// IsDCDevice reports whether sysName refers to a Discovery Controller.
// Prior to Linux 5.18 the kernel didn't expose cntrltype via sysfs, so
// this falls back to "no namespace children" as the determining signal
// — Discovery Controllers never have namespace block devices.
func IsDCDevice(sysName string) bool {
	if readAttr(sysName, "subsysnqn") == trid.WellKnownDiscoveryNQN {
		return true
	}
	if ct := readAttr(sysName, "cntrltype"); ct != "" {
		return ct == "discovery"
	}
	return numChildren(sysName) == 0
}

// IsIOCDevice reports whether sysName refers to an I/O Controller.
func IsIOCDevice(sysName string) bool {
	if ct := readAttr(sysName, "cntrltype"); ct != "" {
		return ct == "io"
	}
	return numChildren(sysName) != 0
}

// listNVMeDevices returns the sysfs names of all nvme class devices
// currently present (e.g. "nvme0", "nvme1").
func listNVMeDevices() []string {
	entries, err := os.ReadDir(sysNVMeClass)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "nvme") {
			if _, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "nvme")); err == nil {
				names = append(names, e.Name())
			}
		}
	}
	return names
}

// FindDCDevice returns the sysfs device name bound to the Discovery
// Controller identified by tid, or "" if none is currently connected.
func FindDCDevice(tid trid.ID) string {
	for _, name := range listNVMeDevices() {
		if !IsDCDevice(name) {
			continue
		}
		if GetTID(name).Equal(tid) {
			return name
		}
	}
	return ""
}

// FindIOCDevice returns the sysfs device name bound to the I/O
// Controller identified by tid, or "" if none is currently connected.
func FindIOCDevice(tid trid.ID) string {
	for _, name := range listNVMeDevices() {
		if !IsIOCDevice(name) {
			continue
		}
		if GetTID(name).Equal(tid) {
			return name
		}
	}
	return ""
}

// IOCTids returns the Transport IDs of every currently-connected I/O
// Controller whose transport is in transports.
func IOCTids(transports []string) []trid.ID {
	allowed := make(map[string]bool, len(transports))
	for _, t := range transports {
		allowed[t] = true
	}

	var ids []trid.ID
	for _, name := range listNVMeDevices() {
		props := readUEventProperties(name)
		if !allowed[property(props, "NVME_TRTYPE")] {
			continue
		}
		if !IsIOCDevice(name) {
			continue
		}
		ids = append(ids, GetTID(name))
	}
	return ids
}
