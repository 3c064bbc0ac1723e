// Package controller implements the per-Transport-ID Controller state
// machine: connect/retry lifecycle, device adoption, and (for Discovery
// Controllers) discovery log page refresh, grounded on
// staslib/stas.py's ControllerABC and staslib/ctrl.py's Controller/Dc/Ioc.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/fabric"
	"github.com/fenio/nvme-stasd/internal/gtimer"
	"github.com/fenio/nvme-stasd/internal/metrics"
	"github.com/fenio/nvme-stasd/internal/trid"
	"k8s.io/klog/v2"
)

// State is a Controller's position in its connect/retry lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering      // DC only: DIM registration in flight
	StateQueryingSupported // DC only: supported-log-pages query in flight
	StateFetchingDLPEs     // DC only: discovery log page fetch in flight
	StateSteady            // connected and, for DCs, caches are current
	StateDisconnecting
)

// String renders a State for logs and the IPC/metrics surfaces.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateQueryingSupported:
		return "querying-supported"
	case StateFetchingDLPEs:
		return "fetching-dlpes"
	case StateSteady:
		return "steady"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Subtype distinguishes the two Controller roles; each has a distinct
// retry/reconnect policy.
type Subtype int

const (
	SubtypeDC Subtype = iota
	SubtypeIOC
)

// String renders a Subtype for logs and the IPC/metrics surfaces.
func (s Subtype) String() string {
	if s == SubtypeDC {
		return "dc"
	}
	return "ioc"
}

// Origin records how a Controller came to exist, used by the DC
// unresponsive-reaper: only "discovered" controllers are eligible for
// soak-timeout removal.
type Origin string

const (
	OriginConfigured Origin = "configured"
	OriginDiscovered Origin = "discovered"
	OriginReferral   Origin = "referral"
)

// ParseOrigin maps a desired-set entry's "origin" field (tagged by the
// DesiredSource that produced it) onto an Origin, defaulting to
// "configured" for sources that don't tag one (e.g. the [Controllers]
// section of the configuration file).
func ParseOrigin(s string) Origin {
	switch Origin(s) {
	case OriginDiscovered:
		return OriginDiscovered
	case OriginReferral:
		return OriginReferral
	default:
		return OriginConfigured
	}
}

const (
	fastConnectRetryPeriod = 3 * time.Second
	slowConnectRetryPeriod = 60 * time.Second
	registrationRetryPeriod = 5 * time.Second
	getSupportedRetryPeriod = 5 * time.Second
	getLogPageRetryPeriod   = 20 * time.Second
)

// Event is published on the events channel passed to New as the
// Controller's state changes; internal/daemon drains that channel
// (consumeEvents/handleEvent).
type Event struct {
	TID   trid.ID
	Kind  EventKind
	DLPEs []dlpe.Entry // populated for EventDLPEsUpdated
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDLPEsUpdated
	EventFinalDisconnect // emitted by the unresponsive-DC reaper when its timeout expires
)

// Config bundles the per-connect settings a Controller needs, built by
// each daemon's newCtrlConfig callback from the global configuration
// and host identity; the per-controller overlay options of a
// [Controllers] entry (internal/config.Overlay) are not applied to it.
// It is kept separate from Controller so the same struct can be rebuilt
// cheaply on a config reload.
//
//nolint:govet // fieldalignment: field order favors readability.
type Config struct {
	HostNQN              string
	HostID               string
	HostIface            string // "" disables setting --host-iface
	Kato                 time.Duration
	QueueSize            int
	HdrDigest            bool
	DataDigest            bool
	NrIOQueues           int
	NrPollQueues         int
	NrWriteQueues        int
	ReconnectDelay       time.Duration
	CtrlLossTmo          time.Duration
	DisableSQFlow        bool
	DhchapHostKey        string
	DhchapCtrlKey        string
	ConnectAttemptsOnNCC int
	UnresponsiveTimeout  *time.Duration // nil = never reap; DC + origin=discovered only
}

// Controller drives the connect/retry/refresh lifecycle for one
// Transport ID, serializing its own operations — callers (the
// Reconciler) never issue two concurrent operations against the same
// Controller.
//
//nolint:govet // fieldalignment: field order favors readability.
type Controller struct {
	mu sync.Mutex

	tid     trid.ID
	subtype Subtype
	origin  Origin
	binding fabric.Binding
	cfg     Config
	events  chan<- Event

	ctx    context.Context
	cancel context.CancelFunc

	state           State
	device          fabric.Device
	connectAttempts int
	retryTimer      *gtimer.Timer

	dlpeCache          []dlpe.Entry
	lastDLPE           dlpe.Entry // IOC only: the discovery log page entry last passed to UpdateDLPE
	unresponsiveSince  time.Time
	unresponsiveTimer  *gtimer.Timer
}

// New constructs a Controller in StateDisconnected and immediately
// schedules the first connect attempt, matching ControllerABC's
// constructor deferring _try_to_connect to the next idle slot.
func New(tid trid.ID, subtype Subtype, origin Origin, binding fabric.Binding, cfg Config, events chan<- Event) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		tid:     tid,
		subtype: subtype,
		origin:  origin,
		binding: binding,
		cfg:     cfg,
		events:  events,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
	}
	c.retryTimer = gtimer.New(fastConnectRetryPeriod, c.onRetryTimerFired)
	if cfg.UnresponsiveTimeout != nil && subtype == SubtypeDC && origin == OriginDiscovered {
		c.unresponsiveTimer = gtimer.New(*cfg.UnresponsiveTimeout, c.onUnresponsiveTimeout)
	}
	go c.tryConnect()
	return c
}

// TID implements registry.Controller.
func (c *Controller) TID() trid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tid
}

// Subtype returns whether this is a Discovery or I/O Controller.
func (c *Controller) Subtype() Subtype {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subtype
}

// Origin returns how this controller came into existence.
func (c *Controller) Origin() Origin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

// SetOrigin updates the origin, e.g. when a discovered DC is later also
// named explicitly in the configuration file. Changing to/from
// "discovered" starts or stops reaper eligibility.
func (c *Controller) SetOrigin(o Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.origin = o
	if o == OriginDiscovered && c.unresponsiveTimer == nil && c.cfg.UnresponsiveTimeout != nil && c.subtype == SubtypeDC {
		c.unresponsiveTimer = gtimer.New(*c.cfg.UnresponsiveTimeout, c.onUnresponsiveTimeout)
	}
	if o != OriginDiscovered && c.unresponsiveTimer != nil {
		c.unresponsiveTimer.Stop()
	}
}

// State returns the Controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the kernel connection is currently live.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	device := c.device
	bound := c.state != StateDisconnected
	c.mu.Unlock()
	return bound && c.binding.Connected(c.ctx, device)
}

// Device returns the bound kernel device name, or "" if none.
func (c *Controller) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device.Name
}

func (c *Controller) connectParams() fabric.ConnectParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fabric.ConnectParams{
		Transport:      string(c.tid.Transport),
		Traddr:         c.tid.Traddr,
		Trsvcid:        c.tid.Trsvcid,
		SubsysNQN:      c.tid.SubsysNQN,
		HostNQN:        c.cfg.HostNQN,
		HostID:         c.cfg.HostID,
		HostTraddr:     c.tid.HostTraddr,
		HostIface:      effectiveHostIface(c.tid.HostIface, c.cfg.HostIface),
		Kato:           c.cfg.Kato,
		QueueSize:      c.cfg.QueueSize,
		HdrDigest:      c.cfg.HdrDigest,
		DataDigest:     c.cfg.DataDigest,
		NrIOQueues:     c.cfg.NrIOQueues,
		NrPollQueues:   c.cfg.NrPollQueues,
		NrWriteQueues:  c.cfg.NrWriteQueues,
		ReconnectDelay: c.cfg.ReconnectDelay,
		CtrlLossTmo:    c.cfg.CtrlLossTmo,
		DisableSQFlow:  c.cfg.DisableSQFlow,
		DhchapHostKey:  c.cfg.DhchapHostKey,
		DhchapCtrlKey:  c.cfg.DhchapCtrlKey,
		Discovery:      c.subtype == SubtypeDC,
	}
}

// effectiveHostIface applies the tid-level host_iface unless the
// per-connect Config carries none ("" disables it: ignore-iface is set,
// or the kernel predates host-iface support).
func effectiveHostIface(tidIface, cfgIface string) string {
	if cfgIface == "" {
		return ""
	}
	return tidIface
}

func (c *Controller) tryConnect() {
	c.mu.Lock()
	if c.state == StateDisconnecting {
		c.mu.Unlock()
		return
	}
	c.connectAttempts++
	attempt := c.connectAttempts
	c.state = StateConnecting
	c.mu.Unlock()

	device, err := c.binding.Connect(c.ctx, c.connectParams())
	if err != nil {
		c.onConnectFail(attempt, err)
		return
	}
	c.onConnectSuccess(device)
}

func (c *Controller) onConnectSuccess(device fabric.Device) {
	c.mu.Lock()
	c.device = device
	c.connectAttempts = 0
	if c.unresponsiveTimer != nil {
		c.unresponsiveTimer.Stop()
	}
	c.mu.Unlock()

	klog.Infof("controller: %s connected on %s", c.tid, device.Name)
	c.publish(Event{TID: c.tid, Kind: EventConnected})

	if c.subtype == SubtypeDC {
		go c.refreshDiscoveryLog()
	} else {
		c.mu.Lock()
		c.state = StateSteady
		c.mu.Unlock()
	}
}

func (c *Controller) onConnectFail(attempt int, err error) {
	klog.V(2).Infof("controller: %s connect attempt %d failed: %v", c.tid, attempt, err)
	metrics.IncConnectRetry(c.subtype.String())

	c.mu.Lock()
	c.state = StateDisconnected
	shouldRetry := c.shouldTryToReconnectLocked()
	if shouldRetry {
		switch attempt {
		case 1:
			c.retryTimer.KickWith(fastConnectRetryPeriod)
		default:
			if attempt == 2 {
				klog.Errorf("controller: %s failed to connect: %v", c.tid, err)
			}
			c.retryTimer.KickWith(slowConnectRetryPeriod)
		}
	} else {
		c.retryTimer.Stop()
		klog.Infof("controller: %s giving up reconnect attempts per NCC policy", c.tid)
	}
	if c.unresponsiveTimer != nil && c.origin == OriginDiscovered && c.unresponsiveSince.IsZero() {
		c.unresponsiveSince = time.Now()
		c.unresponsiveTimer.Kick()
	}
	c.mu.Unlock()
}

func (c *Controller) onRetryTimerFired() {
	go c.tryConnect()
}

// shouldTryToReconnectLocked implements the NCC-gated reconnect policy
// for I/O Controllers (staslib/ctrl.py's Ioc._should_try_to_reconnect):
// once an IOC's governing DLPE carries NCC, only
// ConnectAttemptsOnNCC attempts are made before giving up (0 means
// unbounded). DCs always retry.
func (c *Controller) shouldTryToReconnectLocked() bool {
	if c.subtype != SubtypeIOC || !c.lastDLPE.HasNCC() {
		return true
	}
	max := c.cfg.ConnectAttemptsOnNCC
	return max == 0 || c.connectAttempts < max
}

// UpdateDLPE records a fresh discovery log page entry governing this
// I/O Controller. An NCC-clear transition while disconnected triggers
// an immediate reconnect attempt, bypassing the current retry timer,
// matching staslib/ctrl.py's Ioc.update_dlpe. The Reconciler does not
// call it, so the controllers it creates keep an empty entry and the
// NCC reconnect limit does not apply to them.
func (c *Controller) UpdateDLPE(d dlpe.Entry) {
	c.mu.Lock()
	wasNCC := c.lastDLPE.HasNCC()
	c.lastDLPE = d
	nowClear := wasNCC && !d.HasNCC()
	disconnected := c.state == StateDisconnected
	if nowClear {
		c.connectAttempts = 0
	}
	c.mu.Unlock()

	if nowClear && disconnected {
		go c.tryConnect()
	}
}

func (c *Controller) onUnresponsiveTimeout() {
	c.mu.Lock()
	origin := c.origin
	c.mu.Unlock()
	if origin != OriginDiscovered {
		return
	}
	klog.Infof("controller: %s unresponsive for longer than configured persistence, removing", c.tid)
	c.publish(Event{TID: c.tid, Kind: EventFinalDisconnect})
}

func (c *Controller) publish(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		go func() { c.events <- ev }()
	}
}

// Disconnect tears down the kernel connection. disconnected is invoked
// once teardown completes; per the deferred-final-callback discipline
// of staslib/ctrl.py's Controller.disconnect, disconnected is ALWAYS
// invoked asynchronously (never inline from this call), even when the
// Controller was already disconnected, so the caller never reenters its
// own teardown path synchronously.
func (c *Controller) Disconnect(keepConnection bool, disconnected func(success bool)) {
	c.mu.Lock()
	device := c.device
	wasConnected := c.state != StateDisconnected && c.state != StateDisconnecting
	c.state = StateDisconnecting
	c.retryTimer.Stop()
	if c.unresponsiveTimer != nil {
		c.unresponsiveTimer.Stop()
	}
	c.mu.Unlock()

	if !wasConnected || keepConnection {
		go disconnected(true)
		return
	}

	go func() {
		err := c.binding.Disconnect(c.ctx, device)
		c.mu.Lock()
		c.state = StateDisconnected
		c.device = fabric.Device{}
		c.mu.Unlock()
		disconnected(err == nil)
	}()
}

// Close cancels all pending operations and releases timers — the
// registry calls this exactly once per Controller via Remove.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryTimer.Stop()
	if c.unresponsiveTimer != nil {
		c.unresponsiveTimer.Stop()
	}
}
