// Package reconciler implements the soak-timer-driven desired-vs-actual
// controller set reconciliation shared by both daemons, grounded on
// staslib/stas.py's ServiceABC (config soak timer, name resolution,
// exclusion filtering, add/remove diffing).
package reconciler

import (
	"context"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/fenio/nvme-stasd/internal/config"
	"github.com/fenio/nvme-stasd/internal/controller"
	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/fabric"
	"github.com/fenio/nvme-stasd/internal/gtimer"
	"github.com/fenio/nvme-stasd/internal/metrics"
	"github.com/fenio/nvme-stasd/internal/registry"
	"github.com/fenio/nvme-stasd/internal/trid"
)

func soakMillis() time.Duration { return 1500 * time.Millisecond }

// Resolver resolves a possibly-hostname traddr to the dotted-decimal or
// hex-colon address form a Transport ID needs. Production code backs
// this with net.DefaultResolver; tests supply a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// DesiredSource produces the raw, not-yet-resolved controller field
// maps a Reconciler should converge the registry towards: configured
// entries plus, for the Finder, NBFT entries and DLPE-referral-derived
// DCs, and for the Connector, the non-referral DLPEs cached by the
// Finder (wired in by the caller, not by this package: the two daemons
// run as separate processes, and the Connector pulls the Finder's log
// pages over D-Bus, see cmd/stacd/dlpefeed.go).
//
// A source tags a field map with "origin" (one of "discovered" or
// "referral") to mark it as anything other than operator-configured;
// an untagged entry defaults to controller.OriginConfigured.
type DesiredSource func() []map[string]string

// Reconciler owns the soak timer and drives Registry convergence.
type Reconciler struct {
	reg       *registry.Registry
	binding   fabric.Binding
	resolver  Resolver
	excludes  []config.ControllerEntry
	sources   []DesiredSource
	subtype   controller.Subtype
	newConfig func(fields map[string]string) controller.Config

	events chan<- controller.Event

	soak *gtimer.Timer
	ctx  context.Context
}

// New constructs a Reconciler. Call Kick whenever a desired-set input
// changes (a udev add/remove event, a new DLPE set); the
// soak timer coalesces bursts of Kick calls into a single reconcile
// pass ~1.5s after the last one.
func New(
	ctx context.Context,
	reg *registry.Registry,
	binding fabric.Binding,
	subtype controller.Subtype,
	newConfig func(fields map[string]string) controller.Config,
) *Reconciler {
	r := &Reconciler{
		reg:       reg,
		binding:   binding,
		resolver:  netResolver{},
		subtype:   subtype,
		newConfig: newConfig,
		ctx:       ctx,
	}
	r.soak = gtimer.New(soakMillis(), r.reconcileAsync)
	return r
}

// SetResolver overrides the hostname resolver, used by tests.
func (r *Reconciler) SetResolver(res Resolver) { r.resolver = res }

// SetExcludes updates the exclusion filter applied after resolution.
func (r *Reconciler) SetExcludes(excludes []config.ControllerEntry) { r.excludes = excludes }

// SetEvents wires the channel every Controller this Reconciler creates
// publishes its lifecycle events to. Left nil (the zero value), as in
// tests that don't care about events, Controller.publish is a no-op.
func (r *Reconciler) SetEvents(events chan<- controller.Event) { r.events = events }

// AddSource registers a DesiredSource contributing to the desired set.
func (r *Reconciler) AddSource(src DesiredSource) { r.sources = append(r.sources, src) }

// Kick (re)starts the soak timer, coalescing bursts of desired-set
// changes into one reconcile pass.
func (r *Reconciler) Kick() { r.soak.Kick() }

func (r *Reconciler) reconcileAsync() {
	go r.Reconcile(r.ctx)
}

// Reconcile resolves every desired-set entry's hostname (in parallel),
// applies the exclusion filter, diffs the result against the registry,
// and inserts/removes controllers to converge.
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewReconcileTimer()
	defer timer.ObserveDone()
	defer r.recordControllerCounts()

	var all []map[string]string
	for _, src := range r.sources {
		all = append(all, src()...)
	}

	resolved := r.resolveAll(ctx, all)

	desired := make(map[string]trid.ID, len(resolved))
	for _, fields := range resolved {
		if config.Excluded(fields, r.excludes) {
			continue
		}
		id, err := trid.FromFields(fields, r.subtype == controller.SubtypeDC)
		if err != nil {
			klog.V(2).Infof("reconciler: skipping invalid controller entry %v: %v", fields, err)
			continue
		}
		desired[id.Key()] = id
	}

	toAdd, toRemove := diff(desired, r.reg.TIDs())

	for _, id := range toRemove {
		klog.Infof("reconciler: removing %s", id)
		r.reg.Remove(id)
	}
	for _, id := range toAdd {
		fields := fieldsFor(resolved, id, r.subtype == controller.SubtypeDC)
		origin := controller.ParseOrigin(fields["origin"])
		klog.Infof("reconciler: adding %s (origin=%s)", id, origin)
		cfg := r.newConfig(fields)
		r.reg.Insert(id, func() registry.Controller {
			return controller.New(id, r.subtype, origin, r.binding, cfg, r.events)
		})
	}
}

// knownStates lists every controller.State so recordControllerCounts
// can zero out states nothing currently occupies, rather than leaving
// a stale non-zero gauge behind from a prior pass.
var knownStates = []controller.State{
	controller.StateDisconnected,
	controller.StateConnecting,
	controller.StateRegistering,
	controller.StateQueryingSupported,
	controller.StateFetchingDLPEs,
	controller.StateSteady,
	controller.StateDisconnecting,
}

// recordControllerCounts publishes the registry's per-state controller
// count for this Reconciler's subtype.
func (r *Reconciler) recordControllerCounts() {
	counts := make(map[controller.State]int, len(knownStates))
	for _, c := range r.reg.All() {
		ctrl, ok := c.(*controller.Controller)
		if !ok {
			continue
		}
		counts[ctrl.State()]++
	}
	for _, s := range knownStates {
		metrics.SetControllerCount(r.subtype.String(), s.String(), counts[s])
	}

	if r.subtype == controller.SubtypeDC {
		for _, c := range r.reg.All() {
			ctrl, ok := c.(*controller.Controller)
			if !ok {
				continue
			}
			metrics.SetDLPECacheSize(ctrl.TID().Traddr, len(ctrl.DLPEs()))
		}
	}
}

// resolveAll resolves every entry's traddr concurrently via
// golang.org/x/sync/errgroup, matching gutil.NameResolver's parallel
// resolution without blocking the whole pass on the slowest lookup.
func (r *Reconciler) resolveAll(ctx context.Context, entries []map[string]string) []map[string]string {
	out := make([]map[string]string, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			out[i] = r.resolveOne(gctx, e)
			return nil
		})
	}
	_ = g.Wait() // resolveOne never returns an error; failures degrade to the original traddr
	return out
}

func (r *Reconciler) resolveOne(ctx context.Context, fields map[string]string) map[string]string {
	traddr, ok := fields["traddr"]
	if !ok || net.ParseIP(traddr) != nil {
		return fields
	}
	addrs, err := r.resolver.LookupHost(ctx, traddr)
	if err != nil || len(addrs) == 0 {
		klog.Warningf("reconciler: could not resolve hostname %q: %v", traddr, err)
		return fields
	}
	resolved := make(map[string]string, len(fields))
	for k, v := range fields {
		resolved[k] = v
	}
	resolved["traddr"] = addrs[0]
	return resolved
}

func fieldsFor(all []map[string]string, id trid.ID, discoveryOnly bool) map[string]string {
	for _, f := range all {
		candidate, err := trid.FromFields(f, discoveryOnly)
		if err == nil && candidate.Equal(id) {
			return f
		}
	}
	return nil
}

// diff computes the sets to add and remove to converge current onto desired.
func diff(desired map[string]trid.ID, current []trid.ID) (toAdd, toRemove []trid.ID) {
	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[id.Key()] = true
		if _, ok := desired[id.Key()]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	for key, id := range desired {
		if !currentSet[key] {
			toAdd = append(toAdd, id)
		}
	}
	trid.SortByKey(toAdd)
	trid.SortByKey(toRemove)
	return toAdd, toRemove
}

// ReferralDesiredSet converts a Discovery Controller's cached discovery
// log page entries into desired-set field maps: the Connector uses it
// for its I/O-controller desired set (cmd/stacd/dlpefeed.go) and the
// Finder for referral-derived DCs (internal/daemon). host-traddr is
// carried from the originating DC's TID, and host-iface too unless the
// entry carries its own, since a DLPE entry only names the target, not
// the host side of the connection.
func ReferralDesiredSet(dcTID trid.ID, entries []dlpe.Entry) []map[string]string {
	out := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]string{
			"transport":   e.Trtype,
			"traddr":      e.Traddr,
			"trsvcid":     e.Trsvcid,
			"subsysnqn":   e.Subnqn,
			"host-traddr": dcTID.HostTraddr,
			"host-iface":  firstNonEmpty(e.HostIface, dcTID.HostIface),
		})
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// sortedKeys returns m's keys in ascending order.
func sortedKeys(m map[string]trid.ID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
