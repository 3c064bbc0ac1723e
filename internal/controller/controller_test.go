package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/fabric"
	"github.com/fenio/nvme-stasd/internal/trid"
)

type fakeBinding struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	discovered []dlpe.Entry
}

func (f *fakeBinding) Connect(_ context.Context, _ fabric.ConnectParams) (fabric.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return fabric.Device{}, f.connectErr
	}
	f.connected = true
	return fabric.Device{Name: "nvme0", Connected: true}, nil
}

func (f *fakeBinding) InitFromExisting(_ context.Context, name string) (fabric.Device, error) {
	return fabric.Device{Name: name, Connected: true}, nil
}

func (f *fakeBinding) Disconnect(_ context.Context, _ fabric.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeBinding) Discover(_ context.Context, _ fabric.Device, _ uint8) ([]dlpe.Entry, error) {
	return f.discovered, nil
}

func (f *fakeBinding) SupportedLogPages(_ context.Context, _ fabric.Device) (fabric.SupportedLogPages, error) {
	return fabric.SupportedLogPages{}, nil
}

func (f *fakeBinding) RegistrationCtlr(_ context.Context, _ fabric.Device, _ fabric.RegistrationAction) ([]byte, error) {
	return nil, nil
}

func (f *fakeBinding) Connected(_ context.Context, _ fabric.Device) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func testTID() trid.ID {
	return trid.New(trid.TransportTCP, "10.0.0.1", "8009", "nqn.test", "", "", true)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestIOCConnectsAndPublishesEvent(t *testing.T) {
	binding := &fakeBinding{}
	events := make(chan Event, 8)
	c := New(testTID(), SubtypeIOC, OriginConfigured, binding, Config{}, events)
	defer c.Close()

	waitFor(t, c.Connected)

	select {
	case ev := <-events:
		if ev.Kind != EventConnected {
			t.Errorf("expected EventConnected, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a connected event")
	}
}

func TestDCFetchesDLPEsAfterConnect(t *testing.T) {
	binding := &fakeBinding{discovered: []dlpe.Entry{
		{Trtype: "tcp", Traddr: "10.0.0.2", Trsvcid: "4420", Subnqn: "nqn.sub"},
	}}
	events := make(chan Event, 8)
	c := New(testTID(), SubtypeDC, OriginConfigured, binding, Config{}, events)
	defer c.Close()

	waitFor(t, func() bool { return len(c.DLPEs()) > 0 })

	if c.DLPEs()[0].Subnqn != "nqn.sub" {
		t.Errorf("unexpected dlpe: %+v", c.DLPEs()[0])
	}
}

func TestIOCShouldTryToReconnectNCCPolicy(t *testing.T) {
	binding := &fakeBinding{connectErr: errors.New("connection refused")}
	events := make(chan Event, 8)
	c := New(testTID(), SubtypeIOC, OriginConfigured, binding, Config{ConnectAttemptsOnNCC: 2}, events)
	defer c.Close()

	c.UpdateDLPE(dlpe.Entry{Eflags: dlpe.NCC})

	c.mu.Lock()
	c.connectAttempts = 2
	shouldRetry := c.shouldTryToReconnectLocked()
	c.mu.Unlock()

	if shouldRetry {
		t.Error("expected no further retries once connect-attempts-on-ncc is exhausted")
	}
}

func TestIOCShouldAlwaysRetryWithoutNCC(t *testing.T) {
	binding := &fakeBinding{connectErr: errors.New("connection refused")}
	events := make(chan Event, 8)
	c := New(testTID(), SubtypeIOC, OriginConfigured, binding, Config{ConnectAttemptsOnNCC: 2}, events)
	defer c.Close()

	c.mu.Lock()
	c.connectAttempts = 100
	shouldRetry := c.shouldTryToReconnectLocked()
	c.mu.Unlock()

	if !shouldRetry {
		t.Error("expected unbounded retries when the governing DLPE has no NCC bit")
	}
}

func TestRefreshDLPEsPicksUpNewEntries(t *testing.T) {
	binding := &fakeBinding{discovered: []dlpe.Entry{
		{Trtype: "tcp", Traddr: "10.0.0.2", Trsvcid: "4420", Subnqn: "nqn.sub"},
	}}
	events := make(chan Event, 8)
	c := New(testTID(), SubtypeDC, OriginConfigured, binding, Config{}, events)
	defer c.Close()

	waitFor(t, func() bool { return len(c.DLPEs()) > 0 })
	waitFor(t, func() bool { return c.State() == StateSteady })

	binding.mu.Lock()
	binding.discovered = []dlpe.Entry{
		{Trtype: "tcp", Traddr: "10.0.0.3", Trsvcid: "4420", Subnqn: "nqn.sub2"},
	}
	binding.mu.Unlock()

	c.RefreshDLPEs()

	waitFor(t, func() bool {
		entries := c.DLPEs()
		return len(entries) == 1 && entries[0].Subnqn == "nqn.sub2"
	})
}

func TestRefreshDLPEsNoopForIOC(t *testing.T) {
	binding := &fakeBinding{}
	events := make(chan Event, 8)
	c := New(testTID(), SubtypeIOC, OriginConfigured, binding, Config{}, events)
	defer c.Close()
	waitFor(t, c.Connected)

	c.RefreshDLPEs()

	if len(c.DLPEs()) != 0 {
		t.Errorf("expected no DLPEs recorded for an I/O controller, got %v", c.DLPEs())
	}
}

func TestDisconnectInvokesCallbackAsync(t *testing.T) {
	binding := &fakeBinding{}
	events := make(chan Event, 8)
	c := New(testTID(), SubtypeIOC, OriginConfigured, binding, Config{}, events)
	defer c.Close()
	waitFor(t, c.Connected)

	done := make(chan bool, 1)
	returned := make(chan struct{})
	calledSynchronously := false
	c.Disconnect(false, func(success bool) {
		// The callback must not run synchronously within Disconnect's call
		// frame: if it did, Disconnect could not return while it waits here.
		select {
		case <-returned:
		case <-time.After(time.Second):
			calledSynchronously = true
		}
		done <- success
	})
	close(returned)

	select {
	case ok := <-done:
		if !ok {
			t.Error("expected successful disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect callback")
	}
	if calledSynchronously {
		t.Error("expected the disconnect callback to run after Disconnect returned")
	}
}
