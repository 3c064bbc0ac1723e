package main

import (
	"github.com/fenio/nvme-stasd/internal/controller"
	"github.com/fenio/nvme-stasd/internal/daemon"
	"github.com/fenio/nvme-stasd/internal/ipc"
	"github.com/fenio/nvme-stasd/internal/trid"
)

// connectorBackend adapts a *daemon.Daemon's registry of I/O Controllers
// onto the plain ipc.Backend the Connector's D-Bus surface needs — it
// has no discovery log pages of its own, so unlike the Finder it does
// not implement ipc.LogPageBackend.
type connectorBackend struct {
	d *daemon.Daemon
}

func (b *connectorBackend) find(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) *controller.Controller {
	id, err := trid.FromFields(map[string]string{
		"transport":   transport,
		"traddr":      traddr,
		"trsvcid":     trsvcid,
		"host-traddr": hostTraddr,
		"host-iface":  hostIface,
		"subsysnqn":   subsysNQN,
	}, false)
	if err != nil {
		return nil
	}
	c, ok := b.d.Registry.Get(id)
	if !ok {
		return nil
	}
	ctrl, ok := c.(*controller.Controller)
	if !ok {
		return nil
	}
	return ctrl
}

func (b *connectorBackend) ProcessInfo() map[string]any {
	return map[string]any{
		"tron":              b.d.Tron(),
		"controller-count":  b.d.Registry.Len(),
		"last-known-config": len(b.d.LKC.Load()),
	}
}

func (b *connectorBackend) ControllerInfo(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) *ipc.ControllerSummary {
	c := b.find(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN)
	if c == nil {
		return nil
	}
	tid := c.TID()
	return &ipc.ControllerSummary{
		Transport:  string(tid.Transport),
		Traddr:     tid.Traddr,
		Trsvcid:    tid.Trsvcid,
		HostTraddr: tid.HostTraddr,
		HostIface:  tid.HostIface,
		SubsysNQN:  tid.SubsysNQN,
		State:      c.State().String(),
		Device:     c.Device(),
	}
}

func (b *connectorBackend) ListControllers(_ bool) []ipc.ControllerSummary {
	ctrls := b.d.Registry.All()
	out := make([]ipc.ControllerSummary, 0, len(ctrls))
	for _, c := range ctrls {
		ioc, ok := c.(*controller.Controller)
		if !ok {
			continue
		}
		tid := ioc.TID()
		out = append(out, ipc.ControllerSummary{
			Transport:  string(tid.Transport),
			Traddr:     tid.Traddr,
			Trsvcid:    tid.Trsvcid,
			HostTraddr: tid.HostTraddr,
			HostIface:  tid.HostIface,
			SubsysNQN:  tid.SubsysNQN,
			State:      ioc.State().String(),
			Device:     ioc.Device(),
		})
	}
	return out
}
