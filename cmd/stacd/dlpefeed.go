package main

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/fenio/nvme-stasd/internal/daemon"
	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/ipc"
	"github.com/fenio/nvme-stasd/internal/reconciler"
	"github.com/fenio/nvme-stasd/internal/trid"
)

// dlpeFeed pulls discovery log pages from stafd over D-Bus and turns
// the NVM-subsystem entries (the non-referral ones — referrals only
// chain to more Discovery Controllers, a Finder concern) into an I/O
// controller desired-set source for the Connector's reconciler. This is
// the Go shape of the cross-daemon hand-off original_source performs by
// having stacd read stafd's published log-page cache rather than
// re-walking fabrics itself.
type dlpeFeed struct {
	mu     sync.Mutex
	fields []map[string]string
}

// newDLPEFeed dials stafd's IPC surface and starts refreshing in the
// background. A dial failure (stafd not running, no system bus) is
// logged and tolerated: the Connector still works from its own
// [Controllers] section, just without the automatic hand-off.
func newDLPEFeed(ctx context.Context, d *daemon.Daemon) *dlpeFeed {
	f := &dlpeFeed{}

	client, err := ipc.NewClient("stafd")
	if err != nil {
		klog.Warningf("stacd: stafd IPC unavailable, I/O controllers will come from [Controllers] only: %v", err)
		return f
	}

	refresh := func() {
		entries, err := client.GetAllLogPages(ctx)
		if err != nil {
			klog.Warningf("stacd: fetching discovery log pages from stafd: %v", err)
			return
		}
		f.update(entries)
		d.Kick()
	}

	refresh()
	if err := client.Subscribe(ctx, refresh); err != nil {
		klog.Warningf("stacd: subscribing to stafd's log_pages_changed signal: %v", err)
	}

	return f
}

func (f *dlpeFeed) update(entries []ipc.AllLogPagesEntry) {
	fields := make([]map[string]string, 0)
	for _, e := range entries {
		dc := e.DiscoveryController
		dcTID, err := trid.FromFields(map[string]string{
			"transport":   dc.Transport,
			"traddr":      dc.Traddr,
			"trsvcid":     dc.Trsvcid,
			"host-traddr": dc.HostTraddr,
			"host-iface":  dc.HostIface,
			"subsysnqn":   dc.SubsysNQN,
		}, true)
		if err != nil {
			continue
		}
		fields = append(fields, reconciler.ReferralDesiredSet(dcTID, nonReferralEntries(e.LogPages))...)
	}

	f.mu.Lock()
	f.fields = fields
	f.mu.Unlock()
}

func nonReferralEntries(pages []ipc.LogPage) []dlpe.Entry {
	out := make([]dlpe.Entry, 0, len(pages))
	for _, p := range pages {
		if dlpe.Subtype(p.Subtype) == dlpe.SubtypeReferral {
			continue
		}
		out = append(out, dlpe.Entry{
			Trtype:  p.Trtype,
			Traddr:  p.Traddr,
			Trsvcid: p.Trsvcid,
			Subnqn:  p.Subnqn,
			Subtype: dlpe.Subtype(p.Subtype),
			Eflags:  uint16(p.Eflags),
		})
	}
	return out
}

// Source implements reconciler.DesiredSource.
func (f *dlpeFeed) Source() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]string, len(f.fields))
	copy(out, f.fields)
	return out
}
