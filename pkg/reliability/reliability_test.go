package reliability

import (
	"sync"
	"testing"
	"time"
)

func TestSchedule_Delay(t *testing.T) {
	want := []time.Duration{
		5 * time.Minute,
		15 * time.Minute,
		40 * time.Minute,
		time.Hour,
		2 * time.Hour,
		4 * time.Hour,
		8 * time.Hour,
		8 * time.Hour,
	}
	for attempts, d := range want {
		if got := DefaultSchedule.Delay(attempts); got != d {
			t.Errorf("Delay(%d) = %v, want %v", attempts, got, d)
		}
	}
	if got := DefaultSchedule.Delay(-1); got != 8*time.Hour {
		t.Errorf("Delay(-1) = %v, want default", got)
	}
}

func TestEntry_Fail(t *testing.T) {
	now := time.Date(2018, 7, 31, 10, 0, 0, 0, time.UTC)
	e := &Entry{Key: "k", Action: ActionSendOutbound, NextAttempt: now}

	e.Fail(now, DefaultSchedule)
	if !e.NextAttempt.Equal(now.Add(300 * time.Second)) {
		t.Errorf("expected first retry after 300s, got %v", e.NextAttempt.Sub(now))
	}
	if e.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", e.Attempts)
	}
	if e.Action != ActionSendOutbound {
		t.Errorf("expected action unchanged, got %s", e.Action)
	}
}

func TestEntry_DisabledAfterMaxAttempts(t *testing.T) {
	now := time.Now()
	e := &Entry{Key: "k", Action: ActionSendInbound}

	for i := 0; i < MaxAttempts-1; i++ {
		e.Fail(now, DefaultSchedule)
		if e.Action.Disabled() {
			t.Fatalf("disabled after %d attempts", e.Attempts)
		}
	}
	e.Fail(now, DefaultSchedule)
	if e.Attempts != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, e.Attempts)
	}
	if e.Action != ActionDisabledInbound {
		t.Errorf("expected %s, got %s", ActionDisabledInbound, e.Action)
	}
	if e.Due(now.Add(24 * time.Hour)) {
		t.Error("disabled entry must not be due")
	}
}

func TestEntry_Due(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"due now", Entry{Action: ActionSendOutbound, NextAttempt: now}, true},
		{"in the future", Entry{Action: ActionSendOutbound, NextAttempt: now.Add(time.Second)}, false},
		{"disabled", Entry{Action: ActionDisabledOutbound, NextAttempt: now}, false},
		{"exhausted", Entry{Action: ActionSendOutbound, NextAttempt: now, Attempts: MaxAttempts}, false},
	}
	for _, tt := range tests {
		if got := tt.entry.Due(now); got != tt.want {
			t.Errorf("%s: Due = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEntry_Reset(t *testing.T) {
	now := time.Now()
	e := &Entry{Attempts: 4, NextAttempt: now.Add(time.Hour), Response: "timeout"}
	e.Reset(now)
	if e.Attempts != 0 || !e.NextAttempt.Equal(now) || e.Response != "" {
		t.Errorf("unexpected entry after reset: %+v", e)
	}
}

func TestAction(t *testing.T) {
	a, err := ActionFor(Outbound)
	if err != nil || a != ActionSendOutbound {
		t.Errorf("ActionFor(Outbound) = %v, %v", a, err)
	}
	a, err = ActionFor(Inbound)
	if err != nil || a != ActionSendInbound {
		t.Errorf("ActionFor(Inbound) = %v, %v", a, err)
	}
	if _, err := ActionFor(StatusQuery); err == nil {
		t.Error("expected error for status query documents")
	}

	if ActionSendOutbound.Disable() != ActionDisabledOutbound {
		t.Error("expected outbound action to disable to 3")
	}
	if ActionDisabledInbound.Disable() != ActionDisabledInbound {
		t.Error("disabling twice must not move the action further")
	}
	if ActionDisabledInbound.Direction() != Inbound {
		t.Error("expected inbound direction")
	}
}

func TestState(t *testing.T) {
	tests := []struct {
		state    State
		status   string
		terminal bool
	}{
		{StateUnsaved, "pendiente", false},
		{StateQueued, "pendiente", false},
		{StateSent, "enviado", false},
		{StateAccepted, "aceptado", true},
		{StateRejected, "rechazado", true},
		{StateQueuedWithSendError, "pendiente", false},
	}
	for _, tt := range tests {
		if got := tt.state.StatusName(); got != tt.status {
			t.Errorf("%s: StatusName = %s, want %s", tt.state, got, tt.status)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s: Terminal = %v, want %v", tt.state, got, tt.terminal)
		}
	}
	if State(9).Valid() {
		t.Error("State(9) must not be valid")
	}
}

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"E", "R", "C"} {
		d, err := ParseDirection(s)
		if err != nil {
			t.Fatalf("ParseDirection(%q): %v", s, err)
		}
		if d.String() != s {
			t.Errorf("round trip of %q gave %q", s, d.String())
		}
	}
	if _, err := ParseDirection("X"); err == nil {
		t.Error("expected error for unknown direction")
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	if !tr.TryAcquire("a") {
		t.Fatal("expected first acquire to succeed")
	}
	if tr.TryAcquire("a") {
		t.Error("expected second acquire to fail")
	}
	if _, ok := tr.Since("a"); !ok {
		t.Error("expected key to be tracked")
	}
	tr.Release("a")
	if tr.InFlight() != 0 {
		t.Errorf("expected no keys in flight, got %d", tr.InFlight())
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.TryAcquire("b") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("expected exactly one winner, got %d", won)
	}
}
