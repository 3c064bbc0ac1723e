package controller

import (
	"time"

	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/fabric"
	"k8s.io/klog/v2"
)

// refreshDiscoveryLog runs the DC-only post-connect sequence: optional
// DIM registration, supported-log-pages query (to learn whether PLEO
// is available), then the discovery log page fetch itself. Each step
// retries on its own schedule and failure of one step does not prevent
// the others — registration support varies by target and is treated as
// best-effort (staslib/ctrl.py's Dc class).
func (c *Controller) refreshDiscoveryLog() {
	c.mu.Lock()
	device := c.device
	c.state = StateRegistering
	c.mu.Unlock()

	c.register(device, fabric.RegisterAdd)

	c.mu.Lock()
	c.state = StateQueryingSupported
	c.mu.Unlock()

	lsp := c.querySupportedLSP(device)

	c.mu.Lock()
	c.state = StateFetchingDLPEs
	c.mu.Unlock()

	c.fetchDLPEs(device, lsp)
}

// RefreshDLPEs re-fetches the discovery log page for an already-steady
// Discovery Controller, without repeating DIM registration — the
// reaction to an AEN (Asynchronous Event Notification), surfaced to the
// host as a "change" uevent on the DC's nvme device. A no-op for
// I/O Controllers or a DC that isn't currently steady.
func (c *Controller) RefreshDLPEs() {
	c.mu.Lock()
	if c.subtype != SubtypeDC || c.state != StateSteady {
		c.mu.Unlock()
		return
	}
	device := c.device
	c.state = StateFetchingDLPEs
	c.mu.Unlock()

	lsp := c.querySupportedLSP(device)
	c.fetchDLPEs(device, lsp)
}

func (c *Controller) register(device fabric.Device, action fabric.RegistrationAction) {
	for attempt := 1; ; attempt++ {
		if c.ctx.Err() != nil {
			return
		}
		_, err := c.binding.RegistrationCtlr(c.ctx, device, action)
		if err == nil {
			return
		}
		klog.V(4).Infof("controller: %s DIM register attempt %d failed: %v", c.tid, attempt, err)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(registrationRetryPeriod):
		}
		if attempt >= 3 {
			klog.V(2).Infof("controller: %s giving up on DIM registration after %d attempts", c.tid, attempt)
			return
		}
	}
}

func (c *Controller) querySupportedLSP(device fabric.Device) uint8 {
	for attempt := 1; attempt <= 3; attempt++ {
		if c.ctx.Err() != nil {
			return 0
		}
		supported, err := c.binding.SupportedLogPages(c.ctx, device)
		if err == nil {
			if supported.ExtendedLSP {
				return 1
			}
			return 0
		}
		klog.V(4).Infof("controller: %s get-supported-log-pages attempt %d failed: %v", c.tid, attempt, err)
		select {
		case <-c.ctx.Done():
			return 0
		case <-time.After(getSupportedRetryPeriod):
		}
	}
	return 0
}

func (c *Controller) fetchDLPEs(device fabric.Device, lsp uint8) {
	for attempt := 1; ; attempt++ {
		if c.ctx.Err() != nil {
			return
		}
		entries, err := c.binding.Discover(c.ctx, device, lsp)
		if err != nil {
			klog.V(2).Infof("controller: %s discover attempt %d failed: %v", c.tid, attempt, err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(getLogPageRetryPeriod):
			}
			continue
		}

		normalized := dlpe.FilterAndNormalize(entries)
		c.mu.Lock()
		changed := !dlpe.SameSet(c.dlpeCache, normalized)
		c.dlpeCache = normalized
		c.state = StateSteady
		c.mu.Unlock()

		if changed {
			c.publish(Event{TID: c.tid, Kind: EventDLPEsUpdated, DLPEs: normalized})
		}
		return
	}
}

// DLPEs returns the most recently fetched discovery log page entries
// for this (Discovery) Controller.
func (c *Controller) DLPEs() []dlpe.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dlpe.Entry(nil), c.dlpeCache...)
}
