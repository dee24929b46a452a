package domain

import "time"

const (
	DefaultJoinBefore = 10 * time.Minute
	DefaultJoinAfter  = 2 * time.Hour
)

type JoinReason string

const (
	JoinAllowed         JoinReason = "allowed"
	JoinTooEarly        JoinReason = "too_early"
	JoinExpired         JoinReason = "expired"
	JoinAlreadyFinished JoinReason = "already_finished"
)

// JoinWindow bounds when a scheduled module may be joined, relative to its start.
type JoinWindow struct {
	Before time.Duration `mapstructure:"before" json:"before"`
	After  time.Duration `mapstructure:"after" json:"after"`
}

func DefaultJoinWindow() JoinWindow {
	return JoinWindow{Before: DefaultJoinBefore, After: DefaultJoinAfter}
}

type Eligibility struct {
	CanJoin bool       `json:"can_join"`
	Reason  JoinReason `json:"reason"`
}

// Check evaluates m against the window at now. Both bounds are inclusive.
func (w JoinWindow) Check(m *Module, now time.Time) Eligibility {
	if m.Finished() {
		return Eligibility{Reason: JoinAlreadyFinished}
	}
	diff := m.ScheduledAt.Sub(now)
	if diff > w.Before {
		return Eligibility{Reason: JoinTooEarly}
	}
	if diff < -w.After {
		return Eligibility{Reason: JoinExpired}
	}
	return Eligibility{CanJoin: true, Reason: JoinAllowed}
}
