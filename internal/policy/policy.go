// Package policy maps accumulated proctoring signals to outcomes.
// Every function here is pure: the same inputs always yield the same Decision.
package policy

import (
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// Termination reasons.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonExcessiveSwitch  = "excessive_switch"
)

// Outcome is what the caller should do with a session.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeWarn
	OutcomeTerminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWarn:
		return "warn"
	case OutcomeTerminate:
		return "terminate"
	default:
		return "none"
	}
}

// Thresholds are the tunable limits of the policy.
type Thresholds struct {
	HeartbeatTimeout    time.Duration
	MaxMissedHeartbeats int
	SwitchCeiling       int
}

// FromConfig converts loaded configuration into Thresholds.
func FromConfig(c config.ProctorConfig) Thresholds {
	return Thresholds{
		HeartbeatTimeout:    time.Duration(c.HeartbeatTimeoutSeconds) * time.Second,
		MaxMissedHeartbeats: c.MaxMissedHeartbeats,
		SwitchCeiling:       c.SwitchCeiling,
	}
}

// Signals are the counters and timestamps accumulated for one session.
type Signals struct {
	StartedAt       time.Time
	LastHeartbeatAt *time.Time
	SwitchCount     int
}

// Decision is the result of evaluating Signals.
type Decision struct {
	Outcome Outcome
	// Reason is set when Outcome is OutcomeTerminate.
	Reason string
	// Message is the human-readable text broadcast to the subject.
	Message string
	// Missed is the number of whole heartbeat intervals elapsed without a heartbeat.
	Missed int
}

// MissedHeartbeats returns how many whole timeout intervals passed since the
// last heartbeat, or since the session started when none was received.
func (t Thresholds) MissedHeartbeats(s Signals, now time.Time) int {
	if t.HeartbeatTimeout <= 0 {
		return 0
	}
	last := s.StartedAt
	if s.LastHeartbeatAt != nil && s.LastHeartbeatAt.After(last) {
		last = *s.LastHeartbeatAt
	}
	silence := now.Sub(last)
	if silence <= 0 {
		return 0
	}
	return int(silence / t.HeartbeatTimeout)
}

// EvaluateHeartbeat decides what missed heartbeats at now amount to.
func (t Thresholds) EvaluateHeartbeat(s Signals, now time.Time) Decision {
	missed := t.MissedHeartbeats(s, now)
	switch {
	case missed >= t.MaxMissedHeartbeats:
		return Decision{
			Outcome: OutcomeTerminate,
			Reason:  ReasonHeartbeatTimeout,
			Message: "Koneksi ujian terputus terlalu lama. Sesi ujian dihentikan.",
			Missed:  missed,
		}
	case missed >= 1:
		return Decision{
			Outcome: OutcomeWarn,
			Message: fmt.Sprintf("Koneksi ujian tidak terdeteksi (%d/%d). Pastikan halaman ujian tetap terbuka.", missed, t.MaxMissedHeartbeats),
			Missed:  missed,
		}
	}
	return Decision{Outcome: OutcomeNone}
}

// EvaluateSwitch decides what the current switch count amounts to. Every
// switch warns; reaching the ceiling terminates.
func (t Thresholds) EvaluateSwitch(s Signals) Decision {
	if s.SwitchCount <= 0 {
		return Decision{Outcome: OutcomeNone}
	}
	if s.SwitchCount >= t.SwitchCeiling {
		return Decision{
			Outcome: OutcomeTerminate,
			Reason:  ReasonExcessiveSwitch,
			Message: "Anda terlalu sering meninggalkan halaman ujian. Sesi ujian dihentikan.",
		}
	}
	return Decision{
		Outcome: OutcomeWarn,
		Message: fmt.Sprintf("Peringatan: Anda meninggalkan halaman ujian (%d/%d).", s.SwitchCount, t.SwitchCeiling),
	}
}
