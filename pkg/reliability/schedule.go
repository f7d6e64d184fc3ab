package reliability

import (
	"fmt"
	"time"
)

// MaxAttempts is the number of failed attempts after which an entry is
// disabled.
const MaxAttempts = 12

// Action is the pending work of a queue entry.
type Action int

const (
	ActionSendOutbound     Action = 1
	ActionSendInbound      Action = 2
	ActionDisabledOutbound Action = 3
	ActionDisabledInbound  Action = 4

	disabledOffset = 2
)

// ActionFor returns the send action of a direction.
func ActionFor(d Direction) (Action, error) {
	switch d {
	case Outbound:
		return ActionSendOutbound, nil
	case Inbound:
		return ActionSendInbound, nil
	}
	return 0, fmt.Errorf("no queue action for direction %s", d)
}

// Disabled reports whether the action no longer runs automatically.
func (a Action) Disabled() bool {
	return a > ActionSendInbound
}

// Disable returns the terminated variant of a.
func (a Action) Disable() Action {
	if a.Disabled() {
		return a
	}
	return a + disabledOffset
}

// Direction returns the direction the action sends.
func (a Action) Direction() Direction {
	if a == ActionSendInbound || a == ActionDisabledInbound {
		return Inbound
	}
	return Outbound
}

func (a Action) String() string {
	switch a {
	case ActionSendOutbound:
		return "send-outbound"
	case ActionSendInbound:
		return "send-inbound"
	case ActionDisabledOutbound:
		return "disabled-outbound"
	case ActionDisabledInbound:
		return "disabled-inbound"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Schedule is a backoff schedule indexed by the number of attempts already
// made.
type Schedule struct {
	Delays  []time.Duration
	Default time.Duration
}

// DefaultSchedule is the retry schedule of the queue.
var DefaultSchedule = Schedule{
	Delays: []time.Duration{
		300 * time.Second,
		900 * time.Second,
		2400 * time.Second,
		3600 * time.Second,
		7200 * time.Second,
		14400 * time.Second,
	},
	Default: 28800 * time.Second,
}

// Delay returns the wait after the given number of previous attempts.
func (s Schedule) Delay(attempts int) time.Duration {
	if attempts >= 0 && attempts < len(s.Delays) {
		return s.Delays[attempts]
	}
	return s.Default
}

// Next returns the time of the next attempt.
func (s Schedule) Next(attempts int, now time.Time) time.Time {
	return now.Add(s.Delay(attempts))
}

// Entry is a retry queue row.
type Entry struct {
	TaxpayerID  int64
	Key         string
	Action      Action
	CreatedAt   time.Time
	NextAttempt time.Time
	Attempts    int
	Response    string
}

// Due reports whether the entry should run at now.
func (e *Entry) Due(now time.Time) bool {
	return !e.Action.Disabled() && e.Attempts < MaxAttempts && !e.NextAttempt.After(now)
}

// Fail records a failed attempt: the next attempt is scheduled from the
// current attempt count, the count is incremented and the entry is
// disabled once it reaches MaxAttempts.
func (e *Entry) Fail(now time.Time, s Schedule) {
	e.NextAttempt = s.Next(e.Attempts, now)
	e.Attempts++
	if e.Attempts >= MaxAttempts {
		e.Action = e.Action.Disable()
	}
}

// Reset puts the entry back at the front of the queue.
func (e *Entry) Reset(now time.Time) {
	e.NextAttempt = now
	e.Attempts = 0
	e.Response = ""
}
