package reconciler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fenio/nvme-stasd/internal/config"
	"github.com/fenio/nvme-stasd/internal/controller"
	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/fabric"
	"github.com/fenio/nvme-stasd/internal/registry"
	"github.com/fenio/nvme-stasd/internal/trid"
)

type noopBinding struct{}

func (noopBinding) Connect(context.Context, fabric.ConnectParams) (fabric.Device, error) {
	return fabric.Device{Name: "nvme0"}, nil
}
func (noopBinding) InitFromExisting(context.Context, string) (fabric.Device, error) {
	return fabric.Device{}, nil
}
func (noopBinding) Disconnect(context.Context, fabric.Device) error { return nil }
func (noopBinding) Discover(context.Context, fabric.Device, uint8) ([]dlpe.Entry, error) {
	return nil, nil
}
func (noopBinding) SupportedLogPages(context.Context, fabric.Device) (fabric.SupportedLogPages, error) {
	return fabric.SupportedLogPages{}, nil
}
func (noopBinding) RegistrationCtlr(context.Context, fabric.Device, fabric.RegistrationAction) ([]byte, error) {
	return nil, nil
}
func (noopBinding) Connected(context.Context, fabric.Device) bool { return true }

type fakeResolver struct{ addr string }

func (f fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	return []string{f.addr}, nil
}

func TestReconcileAddsDesiredController(t *testing.T) {
	reg := registry.New()
	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeDC, func(map[string]string) controller.Config {
		return controller.Config{}
	})
	r.AddSource(func() []map[string]string {
		return []map[string]string{
			{"transport": "tcp", "traddr": "10.0.0.1", "trsvcid": "8009", "subsysnqn": "nqn.2014-08.org.nvmexpress.discovery"},
		}
	})

	r.Reconcile(context.Background())

	if reg.Len() != 1 {
		t.Fatalf("expected 1 controller after reconcile, got %d", reg.Len())
	}
}

func TestReconcileRemovesUndesiredController(t *testing.T) {
	reg := registry.New()
	tid := trid.New(trid.TransportTCP, "10.0.0.9", "8009", "nqn.stale", "", "", false)
	closed := false
	reg.Insert(tid, func() registry.Controller {
		return &closableFake{tid: tid, onClose: func() { closed = true }}
	})

	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeDC, func(map[string]string) controller.Config {
		return controller.Config{}
	})
	r.Reconcile(context.Background())

	if reg.Len() != 0 {
		t.Fatalf("expected controller removed, got %d remaining", reg.Len())
	}
	if !closed {
		t.Error("expected removed controller to be closed")
	}
}

func TestReconcileHonorsExcludes(t *testing.T) {
	reg := registry.New()
	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeDC, func(map[string]string) controller.Config {
		return controller.Config{}
	})
	r.SetExcludes([]config.ControllerEntry{{Fields: map[string]string{"traddr": "10.0.0.5"}}})
	r.AddSource(func() []map[string]string {
		return []map[string]string{
			{"transport": "tcp", "traddr": "10.0.0.5", "trsvcid": "8009", "subsysnqn": "nqn.excluded"},
		}
	})

	r.Reconcile(context.Background())

	if reg.Len() != 0 {
		t.Fatalf("expected excluded controller not added, got %d", reg.Len())
	}
}

func TestResolveAllResolvesHostnames(t *testing.T) {
	reg := registry.New()
	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeDC, func(map[string]string) controller.Config {
		return controller.Config{}
	})
	r.SetResolver(fakeResolver{addr: "10.0.0.42"})

	resolved := r.resolveAll(context.Background(), []map[string]string{{"traddr": "storage.example.com"}})
	if resolved[0]["traddr"] != "10.0.0.42" {
		t.Errorf("expected resolved address, got %+v", resolved[0])
	}
}

func TestKickCoalescesIntoOneReconcile(t *testing.T) {
	reg := registry.New()
	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeDC, func(map[string]string) controller.Config {
		return controller.Config{}
	})
	var passes int32
	r.AddSource(func() []map[string]string {
		atomic.AddInt32(&passes, 1)
		return []map[string]string{{"transport": "tcp", "traddr": "10.0.0.1", "trsvcid": "8009", "subsysnqn": "nqn.a"}}
	})

	r.Kick()
	r.Kick()
	r.Kick()

	deadline := time.Now().Add(3 * time.Second)
	for reg.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected exactly 1 controller after soak, got %d", reg.Len())
	}
	if n := atomic.LoadInt32(&passes); n != 1 {
		t.Errorf("expected the three kicks to coalesce into 1 reconcile pass, got %d", n)
	}
}

func TestRecordControllerCountsSkipsNonControllerEntries(t *testing.T) {
	reg := registry.New()
	tid := trid.New(trid.TransportTCP, "10.0.0.9", "8009", "nqn.fake", "", "", false)
	reg.Insert(tid, func() registry.Controller {
		return &closableFake{tid: tid}
	})

	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeIOC, func(map[string]string) controller.Config {
		return controller.Config{}
	})

	// Must not panic on a registry.Controller that isn't a *controller.Controller.
	r.recordControllerCounts()
}

func TestRecordControllerCountsRealController(t *testing.T) {
	reg := registry.New()
	tid := trid.New(trid.TransportTCP, "10.0.0.8", "4420", "nqn.real", "", "", false)
	reg.Insert(tid, func() registry.Controller {
		return controller.New(tid, controller.SubtypeIOC, controller.OriginConfigured, noopBinding{}, controller.Config{}, nil)
	})
	defer func() {
		for _, c := range reg.All() {
			c.Close()
		}
	}()

	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeIOC, func(map[string]string) controller.Config {
		return controller.Config{}
	})

	// Exercises the *controller.Controller type-assertion branch; must not panic.
	r.recordControllerCounts()
}

func TestReconcileAppliesTaggedOrigin(t *testing.T) {
	reg := registry.New()
	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeDC, func(map[string]string) controller.Config {
		return controller.Config{}
	})
	r.AddSource(func() []map[string]string {
		return []map[string]string{
			{"transport": "tcp", "traddr": "10.0.0.1", "trsvcid": "8009", "subsysnqn": "nqn.discovered", "origin": "discovered"},
			{"transport": "tcp", "traddr": "10.0.0.2", "trsvcid": "8009", "subsysnqn": "nqn.configured"},
		}
	})

	r.Reconcile(context.Background())

	var sawDiscovered, sawConfigured bool
	for _, c := range reg.All() {
		ctrl, ok := c.(*controller.Controller)
		if !ok {
			continue
		}
		switch ctrl.TID().Traddr {
		case "10.0.0.1":
			sawDiscovered = ctrl.Origin() == controller.OriginDiscovered
		case "10.0.0.2":
			sawConfigured = ctrl.Origin() == controller.OriginConfigured
		}
	}
	if !sawDiscovered {
		t.Error("expected the origin=discovered entry to produce a Controller with OriginDiscovered")
	}
	if !sawConfigured {
		t.Error("expected the untagged entry to default to OriginConfigured")
	}
}

func TestSetEventsThreadsChannelIntoNewControllers(t *testing.T) {
	reg := registry.New()
	r := New(context.Background(), reg, noopBinding{}, controller.SubtypeIOC, func(map[string]string) controller.Config {
		return controller.Config{}
	})
	events := make(chan controller.Event, 8)
	r.SetEvents(events)
	r.AddSource(func() []map[string]string {
		return []map[string]string{{"transport": "tcp", "traddr": "10.0.0.3", "trsvcid": "8009", "subsysnqn": "nqn.ioc"}}
	})

	r.Reconcile(context.Background())

	if reg.Len() != 1 {
		t.Fatalf("expected 1 controller, got %d", reg.Len())
	}
	defer func() {
		for _, c := range reg.All() {
			c.Close()
		}
	}()

	select {
	case ev := <-events:
		if ev.Kind != controller.EventConnected {
			t.Errorf("expected EventConnected once the new Controller connects, got %v", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Error("expected an event on the channel wired via SetEvents")
	}
}

type closableFake struct {
	tid     trid.ID
	onClose func()
}

func (c *closableFake) TID() trid.ID { return c.tid }
func (c *closableFake) Close() {
	if c.onClose != nil {
		c.onClose()
	}
}
