package fleet

import (
	"testing"
	"time"

	"github.com/procrelay/procrelay/internal/event"
)

func snap(procs ...event.Process) event.ProcessListSnapshot {
	return event.NewProcessListSnapshot(procs, time.Unix(0, 0))
}

func TestStoreEmpty(t *testing.T) {
	s := NewStore()
	if _, ok := s.Latest(); ok {
		t.Fatal("expected no snapshot")
	}
	if _, ok := s.Get(1); ok {
		t.Fatal("expected Get to miss")
	}
	if n := s.OnlineCount(); n != 0 {
		t.Errorf("OnlineCount = %d, want 0", n)
	}
}

func TestStoreRejectsOlderGeneration(t *testing.T) {
	s := NewStore()
	if !s.Set(2, snap(event.Process{ID: 1, Status: event.StatusOnline})) {
		t.Fatal("first Set rejected")
	}
	if s.Set(1, snap(event.Process{ID: 1, Status: event.StatusStopped})) {
		t.Fatal("older generation accepted")
	}
	p, ok := s.Get(1)
	if !ok || p.Status != event.StatusOnline {
		t.Errorf("Get(1) = %+v, %v; want online", p, ok)
	}
	if !s.Set(2, snap()) {
		t.Error("same generation should replace")
	}
	if !s.Set(3, snap(event.Process{ID: 2, Status: event.StatusOnline}, event.Process{ID: 3})) {
		t.Error("newer generation rejected")
	}
	if n := s.OnlineCount(); n != 1 {
		t.Errorf("OnlineCount = %d, want 1", n)
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Set(1, snap(event.Process{ID: 4, Name: "api"}))
	p, _ := s.Get(4)
	p.Name = "changed"
	again, _ := s.Get(4)
	if again.Name != "api" {
		t.Errorf("store mutated through returned copy: %q", again.Name)
	}
}
