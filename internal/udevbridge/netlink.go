// Package udevbridge bridges kernel NVMe uevents into the core via a raw
// NETLINK_KOBJECT_UEVENT socket — no libudev/cgo dependency, matching
// the "depend only on golang.org/x/sys/unix" choice recorded in
// DESIGN.md (staslib/udev.py wraps pyudev/libudev; this package
// reimplements the kernel-event half directly).
package udevbridge

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const kobjectUEventGroup = 1 // kernel-originated events, not udevd's own multicast group

// rawEvent is a single parsed kernel uevent.
type rawEvent struct {
	Action     string
	DevPath    string
	Subsystem  string
	Properties map[string]string
}

// netlinkSocket wraps the raw AF_NETLINK/NETLINK_KOBJECT_UEVENT socket.
type netlinkSocket struct {
	fd int
}

func newNetlinkSocket() (*netlinkSocket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("udevbridge: opening netlink socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kobjectUEventGroup}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("udevbridge: binding netlink socket: %w", err)
	}
	return &netlinkSocket{fd: fd}, nil
}

func (s *netlinkSocket) close() error {
	return unix.Close(s.fd)
}

// receive blocks for the next kernel uevent datagram.
func (s *netlinkSocket) receive() (rawEvent, error) {
	buf := make([]byte, 8192)
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return rawEvent{}, fmt.Errorf("udevbridge: reading netlink datagram: %w", err)
	}
	return parseUEvent(buf[:n])
}

var errMalformedUEvent = errors.New("udevbridge: malformed uevent datagram")

// parseUEvent decodes a raw kernel uevent datagram of the form
// "ACTION@DEVPATH\x00ACTION=add\x00DEVPATH=/devices/...\x00SUBSYSTEM=nvme\x00...".
func parseUEvent(raw []byte) (rawEvent, error) {
	parts := bytes.Split(raw, []byte{0})
	if len(parts) < 2 {
		return rawEvent{}, errMalformedUEvent
	}

	header := string(parts[0])
	at := bytes.IndexByte(parts[0], '@')
	if at < 0 {
		return rawEvent{}, errMalformedUEvent
	}

	ev := rawEvent{
		Action:     header[:at],
		Properties: make(map[string]string),
	}

	for _, kv := range parts[1:] {
		if len(kv) == 0 {
			continue
		}
		eq := bytes.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := string(kv[:eq]), string(kv[eq+1:])
		ev.Properties[key] = val
		switch key {
		case "DEVPATH":
			ev.DevPath = val
		case "SUBSYSTEM":
			ev.Subsystem = val
		}
	}
	return ev, nil
}
