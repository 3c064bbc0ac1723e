// Package daemon implements the process lifecycle shared by stafd and
// stacd: configuration/identity loading, registry and binding
// construction, the reconciler's soak-timer wiring, last-known-config
// persistence, and the signal-driven shutdown sequence. Grounded on
// original_source/staslib/service.py's Service/ServiceABC base class,
// of which stafd.py's Staf and stacd.py's Stac are thin subclasses —
// this package plays that same role for both cmd/stafd and cmd/stacd.
package daemon

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/fenio/nvme-stasd/internal/config"
	"github.com/fenio/nvme-stasd/internal/controller"
	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/fabric"
	"github.com/fenio/nvme-stasd/internal/ipc"
	"github.com/fenio/nvme-stasd/internal/kernelver"
	"github.com/fenio/nvme-stasd/internal/lkc"
	"github.com/fenio/nvme-stasd/internal/metrics"
	"github.com/fenio/nvme-stasd/internal/nbft"
	"github.com/fenio/nvme-stasd/internal/reconciler"
	"github.com/fenio/nvme-stasd/internal/registry"
	"github.com/fenio/nvme-stasd/internal/trid"
	"github.com/fenio/nvme-stasd/internal/udevbridge"
)

// EtcNVMeDir is the conventional directory holding hostnqn/hostid/
// hostkey/symname, overridable by tests.
var EtcNVMeDir = "/etc/nvme"

// Options configures a Daemon at construction time.
//
//nolint:govet // fieldalignment: field order favors readability.
type Options struct {
	Program     string // "stafd" or "stacd", used for the bus name and runtime dir
	ConfFile    string
	Subtype     controller.Subtype
	MetricsAddr string // "" disables the metrics HTTP server
	Tron        bool   // CLI --tron overrides config-file tron
}

// Daemon owns the shared pieces of a discovery/connector process: the
// merged configuration, the fabric binding, the controller registry,
// the reconciler driving it, and the LKC store used to survive
// restarts.
//
//nolint:govet // fieldalignment: field order favors readability.
type Daemon struct {
	opts     Options
	cfg      config.Config
	identity config.Identity

	Binding     fabric.Binding
	Registry    *registry.Registry
	Reconciler  *reconciler.Reconciler
	LKC         *lkc.Store
	udev        *udevbridge.Bridge
	events      chan controller.Event
	metricsSrv  *http.Server
	ipcSrv      *ipc.Server

	tron   bool
	tronMu sync.Mutex
}

// New loads configuration and host identity, then constructs the
// registry/binding/reconciler triple. It starts no network I/O:
// StartMetrics and StartIPC start the metrics and IPC servers, and Run
// starts the udev bridge and the event loop.
func New(opts Options, newCtrlConfig func(cfg config.Config, identity config.Identity, fields map[string]string) controller.Config) (*Daemon, error) {
	cfg, err := config.Load(opts.ConfFile)
	if err != nil {
		return nil, fmt.Errorf("daemon: loading config: %w", err)
	}
	identity, err := config.LoadIdentity(EtcNVMeDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: loading host identity: %w", err)
	}

	d := &Daemon{
		opts:     opts,
		cfg:      cfg,
		identity: identity,
		tron:     opts.Tron || cfg.Tron,
	}

	d.Binding = fabric.NewNVMeCLI()
	d.Registry = registry.New()
	d.LKC = lkc.New(lkc.RuntimeDir(opts.Program))
	d.udev = udevbridge.New()
	for _, action := range []string{"add", "remove"} {
		action := action
		d.udev.RegisterForActionEvents(action, func(sysName string) {
			metrics.IncUdevEvent(action)
			klog.V(4).Infof("daemon: uevent %s for %s, re-kicking reconciler", action, sysName)
			d.Kick()
		})
	}
	if opts.Subtype == controller.SubtypeDC {
		d.udev.RegisterForActionEvents("change", func(sysName string) {
			metrics.IncUdevEvent("change")
			d.onDCChangeEvent(sysName)
		})
	}

	hostIfaceSupported := true
	if release, err := kernelver.HostRelease(); err != nil {
		klog.V(2).Infof("daemon: could not determine kernel release, assuming host-iface is supported: %v", err)
	} else if kernelver.Less(release, kernelver.MinHostIfaceKernel) {
		klog.Warningf("daemon: kernel %s predates %s, ignoring host-iface on every controller entry", release, kernelver.MinHostIfaceKernel)
		hostIfaceSupported = false
	}

	d.events = make(chan controller.Event, 64)

	ctx := context.Background()
	d.Reconciler = reconciler.New(ctx, d.Registry, d.Binding, opts.Subtype, func(fields map[string]string) controller.Config {
		if !hostIfaceSupported {
			fields = stripHostIface(fields)
		}
		return newCtrlConfig(cfg, identity, fields)
	})
	d.Reconciler.SetEvents(d.events)
	d.Reconciler.SetExcludes(cfg.Excludes)
	d.Reconciler.AddSource(func() []map[string]string {
		out := make([]map[string]string, 0, len(cfg.Controllers))
		for _, c := range cfg.Controllers {
			out = append(out, c.Fields)
		}
		return out
	})

	if opts.Subtype == controller.SubtypeDC {
		d.Reconciler.AddSource(func() []map[string]string {
			tables, err := nbft.ReadTables(nbft.DefaultSysfsPath)
			if err != nil {
				return nil
			}
			fields := nbft.DiscoveryControllerFields(tables)
			out := make([]map[string]string, 0, len(fields))
			for _, f := range fields {
				entry := map[string]string(f)
				entry["origin"] = string(controller.OriginDiscovered)
				out = append(out, entry)
			}
			return out
		})
		d.Reconciler.AddSource(d.referralDesiredSet)
	}

	if seeded := d.LKC.Load(); len(seeded) > 0 {
		klog.Infof("daemon: seeding %d controller(s) from last-known-config", len(seeded))
		d.Reconciler.AddSource(func() []map[string]string {
			fields := make([]map[string]string, 0, len(seeded))
			for _, e := range seeded {
				fields = append(fields, e.ToFields())
			}
			return fields
		})
	}

	return d, nil
}

// stripHostIface returns a copy of fields with "host-iface" removed,
// used when the running kernel predates host-iface support.
func stripHostIface(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == "host-iface" {
			continue
		}
		out[k] = v
	}
	return out
}

// Tron reports the current trace-on flag, readable/writable over IPC.
func (d *Daemon) Tron() bool {
	d.tronMu.Lock()
	defer d.tronMu.Unlock()
	return d.tron
}

// SetTron updates the trace-on flag and klog's verbosity accordingly.
func (d *Daemon) SetTron(v bool) {
	d.tronMu.Lock()
	d.tron = v
	d.tronMu.Unlock()
	if v {
		_ = flag.Set("v", "4")
	} else {
		_ = flag.Set("v", "0")
	}
	if d.ipcSrv != nil {
		d.ipcSrv.SetTron(v)
	}
}

// logLevel renders the current tron state as the debug-property
// string an IPC client would see (original_source's log.level()).
func (d *Daemon) logLevel() string {
	if d.Tron() {
		return "debug"
	}
	return "info"
}

// StartMetrics starts the Prometheus HTTP handler, if configured.
func (d *Daemon) StartMetrics() {
	if d.opts.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	d.metricsSrv = &http.Server{Addr: d.opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		klog.Infof("daemon: metrics listening on %s", d.opts.MetricsAddr)
		if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("daemon: metrics server error: %v", err)
		}
	}()
}

// StartIPC connects to the system bus and exports the debug/main D-Bus
// interfaces. A failure (e.g. no system bus available, as in most test
// and container environments) is logged and treated as non-fatal — the
// daemon runs fine without a D-Bus control surface per
// original_source/staslib/service.py's own tolerance of headless runs.
func (d *Daemon) StartIPC(backend ipc.Backend) {
	srv, err := ipc.New(d.opts.Program, backend, d.Tron, d.SetTron, d.logLevel)
	if err != nil {
		klog.Warningf("daemon: IPC surface unavailable: %v", err)
		return
	}
	d.ipcSrv = srv
}

// IPC returns the exported D-Bus server, or nil if StartIPC failed or
// was never called.
func (d *Daemon) IPC() *ipc.Server { return d.ipcSrv }

// Config returns the merged configuration this daemon loaded.
func (d *Daemon) Config() config.Config { return d.cfg }

// Identity returns the loaded host identity.
func (d *Daemon) Identity() config.Identity { return d.identity }

// onDCChangeEvent reacts to a "change" uevent (an AEN) on an nvme
// device by refreshing that Discovery Controller's cached log page, if
// the device belongs to one we're already tracking.
func (d *Daemon) onDCChangeEvent(sysName string) {
	if !udevbridge.IsDCDevice(sysName) {
		return
	}
	id := udevbridge.GetTID(sysName)
	c, ok := d.Registry.Get(id)
	if !ok {
		return
	}
	if dc, ok := c.(*controller.Controller); ok {
		klog.V(4).Infof("daemon: AEN on %s, refreshing discovery log", id)
		go dc.RefreshDLPEs()
	}
}

// referralDesiredSet is the Finder-only DesiredSource implementing
// spec.md §4.6: every referral-subtype DLPE cached by a tracked
// Discovery Controller becomes an additional desired DC entry, tagged
// origin=referral — original_source/staslib/ctrl.py:753's
// referrals_changed() callback, received only by the Finder's service
// since only the Finder owns DC controllers.
func (d *Daemon) referralDesiredSet() []map[string]string {
	var out []map[string]string
	for _, c := range d.Registry.All() {
		dc, ok := c.(*controller.Controller)
		if !ok {
			continue
		}
		referrals := dlpe.Referrals(dc.DLPEs())
		if len(referrals) == 0 {
			continue
		}
		for _, fields := range reconciler.ReferralDesiredSet(dc.TID(), referrals) {
			fields["origin"] = string(controller.OriginReferral)
			out = append(out, fields)
		}
	}
	return out
}

// Kick triggers an immediate reconciliation pass (coalesced by the
// soak timer), used after a config reload or a fresh discovery log.
func (d *Daemon) Kick() { d.Reconciler.Kick() }

// CorrelationID returns a fresh random UUID string for log correlation.
// Nothing in the daemon or the reconciler calls it; reconciliation runs
// are not tagged with one.
func CorrelationID() string { return uuid.NewString() }

// Run blocks until ctx is canceled or SIGINT/SIGTERM is received, then
// performs the shutdown sequence: persist the last-known-config,
// disconnect every registered controller (honoring keepConnections),
// wait for the registry to drain, and return.
//
// reload, if non-nil, is invoked on SIGHUP (the "systemctl reload"
// path); it should reload configuration and call Kick.
func (d *Daemon) Run(ctx context.Context, keepConnections bool, reload func()) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.udev.Start(sigCtx); err != nil {
		klog.Warningf("daemon: udev bridge unavailable: %v", err)
	}

	go d.consumeEvents(sigCtx)

	if reload != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-sigCtx.Done():
					return
				case <-hup:
					reload()
				}
			}
		}()
	}

	<-sigCtx.Done()
	klog.Info("daemon: stopping")
	d.shutdown(keepConnections)
	return nil
}

// consumeEvents drains Controller lifecycle events published through
// d.events until ctx is canceled, the Reconciler->Controller->Reconciler
// message-passing loop original_source runs synchronously on its main
// context but here crosses goroutines instead.
func (d *Daemon) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.handleEvent(ev)
		}
	}
}

func (d *Daemon) handleEvent(ev controller.Event) {
	switch ev.Kind {
	case controller.EventFinalDisconnect:
		klog.Infof("daemon: %s unresponsive past persistence, removing", ev.TID)
		d.Registry.Remove(ev.TID)
		d.Kick()
	case controller.EventDLPEsUpdated:
		if d.opts.Subtype != controller.SubtypeDC {
			return
		}
		device := ""
		if c, ok := d.Registry.Get(ev.TID); ok {
			if dc, ok := c.(*controller.Controller); ok {
				device = dc.Device()
			}
		}
		if d.ipcSrv != nil {
			d.ipcSrv.LogPagesChanged(string(ev.TID.Transport), ev.TID.Traddr, ev.TID.Trsvcid, ev.TID.HostTraddr, ev.TID.HostIface, ev.TID.SubsysNQN, device)
		}
		// The referral subset of this DC's DLPEs may have changed;
		// re-kick so referralDesiredSet picks up any difference.
		d.Kick()
	}
}

func (d *Daemon) shutdown(keepConnections bool) {
	origins := make([]string, 0, d.Registry.Len())
	tids := make([]trid.ID, 0, d.Registry.Len())
	for _, c := range d.Registry.All() {
		tids = append(tids, c.TID())
		origin := controller.OriginConfigured
		if ctrl, ok := c.(*controller.Controller); ok {
			origin = ctrl.Origin()
		}
		origins = append(origins, string(origin))
	}
	d.LKC.Dump(lkc.FromTIDs(tids, origins))

	if d.Registry.Len() == 0 {
		d.release()
		return
	}

	var wg sync.WaitGroup
	for _, c := range d.Registry.All() {
		if dc, ok := c.(interface {
			Disconnect(bool, func(bool))
		}); ok {
			wg.Add(1)
			tid := c.TID()
			dc.Disconnect(keepConnections, func(bool) {
				d.Registry.Remove(tid)
				wg.Done()
			})
		}
	}
	wg.Wait()
	d.release()
}

func (d *Daemon) release() {
	d.udev.Stop()
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.metricsSrv.Shutdown(ctx)
	}
	if d.ipcSrv != nil {
		_ = d.ipcSrv.Close()
	}
}
