// Package recovery implements the tiered error-recovery engine (§4.6):
// a fixed-depth error log, a sliding-window error rate over all kinds, and
// threshold-driven escalation from Soft through Disable. Grounded on the
// teacher's pattern of surfacing hardware faults as typed errors
// (snf/common.go retErr) generalized from "report once" to "track history
// and escalate".
package recovery

import (
	"sync"
	"time"

	"github.com/threecom/pktdrv/dverr"
)

// Tier is an escalation level the engine may decide to act at (§4.6).
type Tier int

const (
	TierNone Tier = iota
	TierSoft
	TierHard
	TierReinitialize
	TierDisable
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "None"
	case TierSoft:
		return "Soft"
	case TierHard:
		return "Hard"
	case TierReinitialize:
		return "Reinitialize"
	case TierDisable:
		return "Disable"
	default:
		return "Unknown"
	}
}

// Recoverable is the interface the NIC layer implements so the recovery
// engine never needs to know about PioDriver/DmaDriver directly, avoiding
// an import cycle between nic and recovery.
type Recoverable interface {
	Name() string
	MarkDegraded()
	MarkDisabled()
	Reinitialize() error
}

// ErrorRecord is one entry of the fixed-depth ring log (§4.6).
type ErrorRecord struct {
	At   time.Time
	Kind dverr.Kind
}

const logDepth = 128

// Thresholds configures the escalation points (§4.6 defaults).
type Thresholds struct {
	SoftConsecutive int           // consecutive same-kind errors -> Soft
	HardErrorRate   float64       // errors within Window / logDepth -> Hard
	Window          time.Duration // sliding window for the rate
	MaxAttempts     int           // Reinitialize attempts before Disable
}

// DefaultThresholds mirrors §4.6's stated defaults.
var DefaultThresholds = Thresholds{
	SoftConsecutive: 8,
	HardErrorRate:   0.10,
	Window:          10 * time.Second,
	MaxAttempts:     3,
}

// Engine is the per-NIC recovery state machine.
type Engine struct {
	mu         sync.Mutex
	target     Recoverable
	thresholds Thresholds

	log        [logDepth]ErrorRecord
	logHead    int
	logCount   int

	consecutive  int
	lastKind     dverr.Kind
	totalEvents  int
	totalErrors  int
	attempts     int
	currentTier  Tier
}

// New constructs an Engine for target using cfg thresholds.
func New(target Recoverable, cfg Thresholds) *Engine {
	return &Engine{target: target, thresholds: cfg}
}

// Record appends a fault observation and returns the tier the engine
// decided to act at, if any (TierNone otherwise). The caller (dispatch's
// idle drain, never the ISR) is responsible for actually invoking the
// corresponding action.
func (e *Engine) Record(k dverr.Kind) Tier {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log[e.logHead] = ErrorRecord{At: time.Now(), Kind: k}
	e.logHead = (e.logHead + 1) % logDepth
	if e.logCount < logDepth {
		e.logCount++
	}

	e.totalEvents++
	e.totalErrors++
	if k == e.lastKind {
		e.consecutive++
	} else {
		e.consecutive = 1
		e.lastKind = k
	}

	tier := TierNone
	switch {
	case e.currentTier == TierDisable:
		// Terminal: a disabled NIC never re-escalates (§4.6).
	case e.currentTier >= TierHard && e.errorRateLocked() >= e.thresholds.HardErrorRate:
		// Already degraded and still faulting: the "repeat after recovery"
		// rule promotes straight to Reinitialize rather than re-declaring
		// Hard (§4.6).
		tier = TierReinitialize
	case e.consecutive >= e.thresholds.SoftConsecutive && e.currentTier < TierSoft:
		tier = TierSoft
	case e.errorRateLocked() >= e.thresholds.HardErrorRate && e.currentTier < TierHard:
		tier = TierHard
	}

	if tier != TierNone {
		e.currentTier = tier
	}
	return tier
}

// errorRateLocked approximates §4.6's "errors per 1000 frames" as recent
// errors over the fixed log capacity (logDepth) rather than over frames
// actually processed: the engine only ever observes faults, not successful
// receives/sends, so there is no frame-count denominator to divide into.
// Dividing by logDepth instead of 1000 keeps the ratio in [0,1] and
// comparable across NICs regardless of traffic volume; Thresholds.HardErrorRate
// is tuned against this same scale. A frame-counted denominator would need
// the idle drain to feed successful Send/Recv completions into the engine,
// which nothing currently does.
func (e *Engine) errorRateLocked() float64 {
	if e.logCount == 0 {
		return 0
	}
	cutoff := time.Now().Add(-e.thresholds.Window)
	recent := 0
	for i := 0; i < e.logCount; i++ {
		idx := (e.logHead - 1 - i + logDepth) % logDepth
		if e.log[idx].At.Before(cutoff) {
			break
		}
		recent++
	}
	if recent == 0 {
		return 0
	}
	return float64(recent) / float64(logDepth)
}

// Act executes the escalation action for tier against the bound target,
// advancing to Reinitialize/Disable as attempts are exhausted (§4.6).
func (e *Engine) Act(tier Tier) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch tier {
	case TierSoft:
		e.consecutive = 0
		return nil
	case TierHard:
		e.target.MarkDegraded()
		return nil
	case TierReinitialize:
		e.attempts++
		if e.attempts > e.thresholds.MaxAttempts {
			e.currentTier = TierDisable
			e.target.MarkDisabled()
			return dverr.New(0, dverr.AdapterHang)
		}
		if err := e.target.Reinitialize(); err != nil {
			return err
		}
		e.consecutive = 0
		e.currentTier = TierNone
		return nil
	case TierDisable:
		e.target.MarkDisabled()
		return nil
	default:
		return nil
	}
}

// Escalate is the convenience entry point the idle drain calls per
// recorded fault: Record decides the tier (including the Hard-repeats-to-
// Reinitialize promotion), Escalate just acts on it.
func (e *Engine) Escalate(k dverr.Kind) error {
	tier := e.Record(k)
	if tier == TierNone {
		return nil
	}
	return e.Act(tier)
}

// CurrentTier reports the last tier reached, for diagnostics/telemetry.
func (e *Engine) CurrentTier() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTier
}

// RecentErrors returns up to n most recent log entries, newest first.
func (e *Engine) RecentErrors(n int) []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > e.logCount {
		n = e.logCount
	}
	out := make([]ErrorRecord, n)
	for i := 0; i < n; i++ {
		idx := (e.logHead - 1 - i + logDepth) % logDepth
		out[i] = e.log[idx]
	}
	return out
}
