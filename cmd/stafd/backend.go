package main

import (
	"github.com/fenio/nvme-stasd/internal/controller"
	"github.com/fenio/nvme-stasd/internal/daemon"
	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/ipc"
	"github.com/fenio/nvme-stasd/internal/trid"
)

// finderBackend adapts a *daemon.Daemon's registry of Discovery
// Controllers onto the ipc.LogPageBackend the D-Bus surface needs,
// grounded on original_source/stafd.py's Dbus class methods.
type finderBackend struct {
	d *daemon.Daemon
}

func (b *finderBackend) find(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) *controller.Controller {
	id, err := trid.FromFields(map[string]string{
		"transport":   transport,
		"traddr":      traddr,
		"trsvcid":     trsvcid,
		"host-traddr": hostTraddr,
		"host-iface":  hostIface,
		"subsysnqn":   subsysNQN,
	}, true)
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

func summarize(c *controller.Controller) ipc.ControllerSummary {
	tid := c.TID()
	return ipc.ControllerSummary{
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

func (b *finderBackend) ProcessInfo() map[string]any {
	return map[string]any{
		"tron":              b.d.Tron(),
		"controller-count":  b.d.Registry.Len(),
		"last-known-config": len(b.d.LKC.Load()),
	}
}

func (b *finderBackend) ControllerInfo(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) *ipc.ControllerSummary {
	c := b.find(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN)
	if c == nil {
		return nil
	}
	s := summarize(c)
	return &s
}

func (b *finderBackend) ListControllers(_ bool) []ipc.ControllerSummary {
	ctrls := b.d.Registry.All()
	out := make([]ipc.ControllerSummary, 0, len(ctrls))
	for _, c := range ctrls {
		if dc, ok := c.(*controller.Controller); ok {
			out = append(out, summarize(dc))
		}
	}
	return out
}

func (b *finderBackend) GetLogPages(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN string) []ipc.LogPage {
	c := b.find(transport, traddr, trsvcid, hostTraddr, hostIface, subsysNQN)
	if c == nil {
		return nil
	}
	return toLogPages(c.DLPEs())
}

func (b *finderBackend) GetAllLogPages(detailed bool) []map[string]any {
	ctrls := b.d.Registry.All()
	out := make([]map[string]any, 0, len(ctrls))
	for _, c := range ctrls {
		dc, ok := c.(*controller.Controller)
		if !ok {
			continue
		}
		var id any = summarize(dc)
		if !detailed {
			tid := dc.TID()
			id = map[string]string{"transport": string(tid.Transport), "traddr": tid.Traddr, "subsysnqn": tid.SubsysNQN}
		}
		out = append(out, map[string]any{
			"discovery-controller": id,
			"log-pages":            toLogPages(dc.DLPEs()),
		})
	}
	return out
}

func toLogPages(entries []dlpe.Entry) []ipc.LogPage {
	out := make([]ipc.LogPage, 0, len(entries))
	for _, e := range entries {
		out = append(out, ipc.LogPage{
			Trtype:  e.Trtype,
			Traddr:  e.Traddr,
			Trsvcid: e.Trsvcid,
			Subnqn:  e.Subnqn,
			Subtype: string(e.Subtype),
			Eflags:  int(e.Eflags),
		})
	}
	return out
}
