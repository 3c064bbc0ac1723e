package udevbridge

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// ActionCallback is invoked for every uevent matching a registered
// action, regardless of which device it concerns.
type ActionCallback func(sysName string)

// DeviceCallback is invoked for every uevent concerning one specific
// device, regardless of its action.
type DeviceCallback func(sysName, action string)

// Bridge owns the netlink uevent subscription and the callback
// registries (one set keyed by action, one keyed by device), mirroring
// staslib/udev.py's Udev class.
type Bridge struct {
	mu              sync.Mutex
	actionCallbacks map[string][]ActionCallback
	deviceCallbacks map[string]DeviceCallback

	sock *netlinkSocket

	logSoakUntil time.Time
	logSuppress  int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Bridge with no active subscription; call Start to begin
// receiving events.
func New() *Bridge {
	return &Bridge{
		actionCallbacks: make(map[string][]ActionCallback),
		deviceCallbacks: make(map[string]DeviceCallback),
	}
}

// Start opens the netlink socket and begins dispatching events on a
// background goroutine until ctx is canceled or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	sock, err := newNetlinkSocket()
	if err != nil {
		return err
	}
	b.sock = sock

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(runCtx)
	return nil
}

// Stop releases the netlink socket and all callback registries.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.sock != nil {
		_ = b.sock.close()
	}
	if b.done != nil {
		<-b.done
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.actionCallbacks = make(map[string][]ActionCallback)
	b.deviceCallbacks = make(map[string]DeviceCallback)
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, err := b.sock.receive()
		if err != nil {
			b.logSuppressed(err.Error())
			continue
		}
		if ev.Subsystem != "nvme" {
			continue
		}
		sysName := filepath.Base(ev.DevPath)
		b.dispatch(sysName, ev.Action)
	}
}

// logSuppressed logs at most once every two seconds, folding in the
// count of suppressed occurrences — netlink read errors during a udev
// storm otherwise flood the log (staslib/udev.py's soak-time behavior).
func (b *Bridge) logSuppressed(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.logSuppress++
	if now.Before(b.logSoakUntil) {
		return
	}
	klog.V(4).Infof("udevbridge: %s [%d]", msg, b.logSuppress)
	b.logSoakUntil = now.Add(2 * time.Second)
	b.logSuppress = 0
}

func (b *Bridge) dispatch(sysName, action string) {
	b.mu.Lock()
	actionCbs := append([]ActionCallback(nil), b.actionCallbacks[action]...)
	deviceCb := b.deviceCallbacks[sysName]
	b.mu.Unlock()

	for _, cb := range actionCbs {
		go cb(sysName)
	}
	if deviceCb != nil {
		go deviceCb(sysName, action)
	}
}

// RegisterForActionEvents registers cback to be called whenever a
// uevent with the given action ("add", "change", "remove") arrives for
// any nvme device.
func (b *Bridge) RegisterForActionEvents(action string, cback ActionCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actionCallbacks[action] = append(b.actionCallbacks[action], cback)
}

// UnregisterForActionEvents removes every action callback for action —
// individual closures aren't independently comparable, so callers that
// need finer-grained removal should use RegisterForDeviceEvents instead.
func (b *Bridge) UnregisterForActionEvents(action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.actionCallbacks, action)
}

// RegisterForDeviceEvents registers cback to be called for every uevent
// concerning sysName, regardless of action.
func (b *Bridge) RegisterForDeviceEvents(sysName string, cback DeviceCallback) {
	if sysName == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deviceCallbacks[sysName] = cback
}

// UnregisterForDeviceEvents removes the device callback for sysName.
func (b *Bridge) UnregisterForDeviceEvents(sysName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.deviceCallbacks, sysName)
}
