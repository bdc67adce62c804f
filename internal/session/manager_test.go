package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/agenttest/internal/agent"
	"github.com/ent0n29/agenttest/internal/agentsession"
)

func idleController() *agentsession.Controller {
	return agentsession.New(agentsession.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestManagerCreateGetRemove(t *testing.T) {
	m := NewManager(time.Minute, idleController)
	info := m.Create()
	if info.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if info.IdleTTLMS != time.Minute.Milliseconds() {
		t.Fatalf("IdleTTLMS = %d", info.IdleTTLMS)
	}

	ctrl, err := m.Get(info.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ctrl.Status() != agentsession.StatusDisconnected {
		t.Fatalf("Status() = %s, want disconnected", ctrl.Status())
	}

	if err := m.Remove(info.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := m.Get(info.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Remove error = %v, want ErrNotFound", err)
	}
	if err := ctrl.Connect(context.Background(), agent.TestConfig{Name: "a"}); !errors.Is(err, agentsession.ErrClosed) {
		t.Fatalf("Connect() on removed controller error = %v, want ErrClosed", err)
	}
	if err := m.Remove(info.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestManagerListIsOrderedByCreation(t *testing.T) {
	m := NewManager(time.Minute, idleController)
	first := m.Create()
	time.Sleep(2 * time.Millisecond)
	second := m.Create()

	got := m.List()
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("List() = %+v", got)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30*time.Millisecond, idleController)
	var expired atomic.Int32
	m.SetExpireHook(func(Info) { expired.Add(1) })
	info := m.Create()
	ctrl, _ := m.Get(info.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if _, err := m.Info(info.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Info() error = %v, want ErrNotFound", err)
	}
	if expired.Load() != 1 {
		t.Fatalf("expire hook ran %d times, want 1", expired.Load())
	}
	if err := ctrl.Connect(context.Background(), agent.TestConfig{Name: "a"}); !errors.Is(err, agentsession.ErrClosed) {
		t.Fatalf("Connect() on expired controller error = %v, want ErrClosed", err)
	}
}

func TestManagerTouchKeepsEntryAlive(t *testing.T) {
	m := NewManager(time.Hour, idleController)
	info := m.Create()
	before, _ := m.Info(info.ID)
	time.Sleep(2 * time.Millisecond)
	if err := m.Touch(info.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	after, _ := m.Info(info.ID)
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Fatalf("LastActivityAt not advanced: %v -> %v", before.LastActivityAt, after.LastActivityAt)
	}
	if err := m.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch(missing) error = %v", err)
	}

	m.CloseAll()
	if len(m.List()) != 0 {
		t.Fatalf("List() after CloseAll not empty")
	}
}
