// Package metrics is the backend-neutral metrics surface of the healing
// service. Code records through the package-level helpers; the process
// installs a concrete backend (datadog, or none) at startup.
package metrics

import (
	"sync/atomic"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names. Each carries one label: requests and durations are labeled
// by status, candidates by source, strategy metrics by strategy, auto-apply
// and confirmations by outcome.
const (
	RequestsTotal           = "heal_requests_total"
	CandidatesTotal         = "heal_candidates_total"
	StrategyTimeoutsTotal   = "heal_strategy_timeouts_total"
	AutoApplyTotal          = "heal_auto_apply_total"
	DurationSeconds         = "heal_duration_seconds"
	StrategyDurationSeconds = "heal_strategy_duration_seconds"
	ConfirmationsTotal      = "heal_confirmations_total"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

// Nop discards everything.
var Nop Backend = nop{}

type holder struct{ b Backend }

var current atomic.Pointer[holder]

// SetBackend installs b process-wide. nil restores the no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = Nop
	}
	current.Store(&holder{b: b})
}

// Get returns the installed backend.
func Get() Backend {
	if h := current.Load(); h != nil {
		return h.b
	}
	return Nop
}

// Flush flushes the installed backend.
func Flush() error { return Get().Flush() }

// ObserveRequest counts a finished heal request and its latency.
// status is ok, parse_error, invalid or error.
func ObserveRequest(status string, d time.Duration) {
	b := Get()
	b.IncCounter(RequestsTotal, 1, Labels{"status": status})
	b.ObserveHistogram(DurationSeconds, d.Seconds(), Labels{"status": status})
}

// ObserveStrategy records one producer run; timedOut also counts a timeout.
func ObserveStrategy(strategy string, d time.Duration, timedOut bool) {
	b := Get()
	b.ObserveHistogram(StrategyDurationSeconds, d.Seconds(), Labels{"strategy": strategy})
	if timedOut {
		b.IncCounter(StrategyTimeoutsTotal, 1, Labels{"strategy": strategy})
	}
}

// AddCandidates counts raw candidates contributed by source.
func AddCandidates(source string, n int) {
	if n > 0 {
		Get().IncCounter(CandidatesTotal, float64(n), Labels{"source": source})
	}
}

// ObserveDecision counts auto-apply outcomes: applied, manual or empty.
func ObserveDecision(outcome string) {
	Get().IncCounter(AutoApplyTotal, 1, Labels{"outcome": outcome})
}

// ObserveConfirm counts /confirm outcomes: accepted, rejected (no candidate
// was right) or duplicate.
func ObserveConfirm(outcome string) {
	Get().IncCounter(ConfirmationsTotal, 1, Labels{"outcome": outcome})
}
