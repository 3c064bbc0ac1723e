// Package fabric defines the abstracted "fabric binding" boundary of
// spec.md §6: the core depends only on this interface, never on kernel
// ioctls or nvme-cli directly. DIM register payload/response
// interpretation is intentionally opaque to the core (spec.md §9 Open
// Question (a)) and lives entirely inside implementations of this
// interface.
package fabric

import (
	"context"
	"time"

	"github.com/fenio/nvme-stasd/internal/dlpe"
)

// ConnectParams is the settings struct built once per connect attempt
// from the Controller's Config (global settings over built-in defaults;
// per-controller overlay options are not applied).
//
//nolint:govet // fieldalignment: field order favors readability.
type ConnectParams struct {
	Transport      string
	Traddr         string
	Trsvcid        string
	SubsysNQN      string
	HostNQN        string
	HostID         string
	HostTraddr     string
	HostIface      string // omitted entirely unless the kernel supports it
	Kato           time.Duration
	QueueSize      int
	HdrDigest      bool
	DataDigest     bool
	NrIOQueues     int
	NrPollQueues   int
	NrWriteQueues  int
	ReconnectDelay time.Duration
	CtrlLossTmo    time.Duration
	DisableSQFlow  bool
	DhchapHostKey  string
	DhchapCtrlKey  string
	Discovery      bool // true for Discovery Controllers
}

// RegistrationAction selects the DIM register verb.
type RegistrationAction string

const (
	RegisterAdd    RegistrationAction = "register"
	RegisterUpdate RegistrationAction = "register-update"
	RegisterRemove RegistrationAction = "deregister"
)

// SupportedLogPages is the bitmap returned by a get-supported-log-pages
// request; only the bit this core cares about (PLEO-capable discovery log)
// is exposed as a named accessor.
type SupportedLogPages struct {
	Raw         uint32
	LIDSupport  bool // discovery log page is listed as supported
	ExtendedLSP bool // log page supports the extended log-specific-field (PLEO)
}

// Device identifies a bound kernel NVMe device.
type Device struct {
	Name    string // e.g. "nvme3"
	DCType  string // kernel-reported dctype, when present
	Connected bool
}

// Binding is the abstracted fabric boundary. Every method that performs
// I/O is async in spirit (may block on a worker goroutine) and returns
// ordinary (result, error); callers serialize calls per spec.md §5 —
// Binding implementations need not be safe for concurrent use by a single
// controller, but must be safe across different controllers.
type Binding interface {
	// Connect creates a brand new kernel connection.
	Connect(ctx context.Context, p ConnectParams) (Device, error)
	// InitFromExisting adopts a pre-existing kernel device discovered by
	// the Udev Bridge, without issuing a new connect.
	InitFromExisting(ctx context.Context, deviceName string) (Device, error)
	// Disconnect tears down the kernel connection for device.
	Disconnect(ctx context.Context, device Device) error
	// Discover issues a discovery-log-page request; lsp carries the
	// log-specific-parameter (PLEO bit) derived from SupportedLogPages.
	Discover(ctx context.Context, device Device, lsp uint8) ([]dlpe.Entry, error)
	// SupportedLogPages queries the supported-log-pages bitmap.
	SupportedLogPages(ctx context.Context, device Device) (SupportedLogPages, error)
	// RegistrationCtlr issues a DIM register command; a nil response with
	// a nil error means "unsupported, proceed without registering".
	RegistrationCtlr(ctx context.Context, device Device, action RegistrationAction) ([]byte, error)
	// Connected reports the live kernel connection state for device.
	Connected(ctx context.Context, device Device) bool
}

// CapabilitySet describes kernel fabric capabilities as advertised by the
// fabrics control file (spec.md §6).
type CapabilitySet struct {
	Discovery        bool
	HostIface        bool
	DHChapSecret     bool
	DHChapCtrlSecret bool
}
