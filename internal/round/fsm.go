// Package round tracks the game's round protocol on top of the confirmed
// event stream: reveal, wait-for-input, rearm, repeat.
//
// The FSM is single-threaded by construction. Deadlines (rearm delay,
// input timeout, reveal hard timeout) are stored on the FSM and evaluated
// by Tick, which the engine calls once per frame; a deadline can therefore
// never fire into a phase other than the one that scheduled it, because
// every phase change clears the stored deadlines.
package round

import (
	"time"

	"github.com/gridsight/gridsight/internal/detect"
	"github.com/gridsight/gridsight/internal/monitoring"
)

// Phase is the round-protocol phase.
type Phase int

const (
	// PhaseIdle is the pre-start state; events are ignored unless
	// auto-round detection is enabled.
	PhaseIdle Phase = iota
	// PhaseArmed waits for the first reveal of a round.
	PhaseArmed
	// PhaseReveal accumulates the game's pattern.
	PhaseReveal
	// PhaseWaitingInput counts the player's repetition.
	PhaseWaitingInput
	// PhaseRearming pauses between rounds.
	PhaseRearming
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmed:
		return "armed"
	case PhaseReveal:
		return "reveal"
	case PhaseWaitingInput:
		return "waiting-input"
	case PhaseRearming:
		return "rearming"
	default:
		return "unknown"
	}
}

// Config holds the FSM timing and policy parameters.
type Config struct {
	// RevealMaxISI ends the reveal when the gap since the last reveal
	// event exceeds it. ClusterGap, when non-zero, takes precedence as the
	// gap threshold.
	RevealMaxISI time.Duration
	ClusterGap   time.Duration

	// InputTimeout is the waiting-input failsafe. Values below two seconds
	// are raised to two seconds.
	InputTimeout time.Duration

	// RearmDelay is the pause between input completion and the next round.
	RearmDelay time.Duration

	// UseExpectedRevealLen ends the reveal once it reaches
	// InitialRevealLen + roundIndex entries.
	UseExpectedRevealLen bool
	InitialRevealLen     int

	// RevealHardTimeout unconditionally ends the reveal after that much
	// silence. Zero disables it.
	RevealHardTimeout time.Duration

	// AutoRoundDetect arms the FSM on the first event seen while idle.
	AutoRoundDetect bool

	// AppendAcrossRounds keeps the step history across round boundaries.
	// When false, rearming clears it.
	AppendAcrossRounds bool
}

// State is a snapshot of the round trackers, safe to hand to presentation.
type State struct {
	Phase         Phase     `json:"phase"`
	PhaseName     string    `json:"phase_name"`
	RoundIndex    int       `json:"round_index"`
	RevealLen     int       `json:"reveal_len"`
	InputProgress int       `json:"input_progress"`
	LastEventAt   time.Time `json:"last_event_at"`
	LastRevealAt  time.Time `json:"last_reveal_at"`
	RevealIndices []int     `json:"reveal_indices"`
}

// Listener observes phase transitions. It receives the state as of the
// transition, so consumers capturing round summaries see the trackers
// before the next phase clears them. Listeners run on the caller's
// goroutine and must not call back into the FSM's owner.
type Listener func(prev, next Phase, st State)

// FSM is the round-phase state machine. Not safe for concurrent use; the
// engine owns it and drives it from the tick goroutine.
type FSM struct {
	cfg Config

	phase         Phase
	roundIndex    int
	revealIndices []int
	inputCount    int
	lastEventAt   time.Time
	lastRevealAt  time.Time

	// deadlines evaluated by Tick; zero means unscheduled. Cleared on
	// every phase change so a stale deadline cannot act on a later phase.
	rearmAt       time.Time
	inputDeadline time.Time

	steps     []detect.Event
	listeners []Listener
}

// New creates an FSM in the idle phase.
func New(cfg Config) *FSM {
	if cfg.InputTimeout < 2*time.Second {
		cfg.InputTimeout = 2 * time.Second
	}
	return &FSM{cfg: cfg, phase: PhaseIdle}
}

// Config returns the active configuration.
func (f *FSM) Config() Config { return f.cfg }

// SetConfig replaces the timing/policy parameters without touching round
// state. Takes effect from the next event or tick.
func (f *FSM) SetConfig(cfg Config) {
	if cfg.InputTimeout < 2*time.Second {
		cfg.InputTimeout = 2 * time.Second
	}
	f.cfg = cfg
}

// AddListener registers a phase transition observer.
func (f *FSM) AddListener(l Listener) {
	f.listeners = append(f.listeners, l)
}

// Phase returns the current phase.
func (f *FSM) Phase() Phase { return f.phase }

// State returns a snapshot of the round trackers.
func (f *FSM) State() State {
	indices := make([]int, len(f.revealIndices))
	copy(indices, f.revealIndices)
	return State{
		Phase:         f.phase,
		PhaseName:     f.phase.String(),
		RoundIndex:    f.roundIndex,
		RevealLen:     len(f.revealIndices),
		InputProgress: f.inputCount,
		LastEventAt:   f.lastEventAt,
		LastRevealAt:  f.lastRevealAt,
		RevealIndices: indices,
	}
}

// Steps returns a copy of the visible step history. The history is a
// superset log: every confirmed event lands here regardless of phase.
func (f *FSM) Steps() []detect.Event {
	out := make([]detect.Event, len(f.steps))
	copy(out, f.steps)
	return out
}

// PhaseBias returns the event kind the detector should assign to events
// its color gate cannot classify: input while waiting for the player,
// reveal in every other phase.
func (f *FSM) PhaseBias() detect.EventKind {
	if f.phase == PhaseWaitingInput {
		return detect.KindInput
	}
	return detect.KindReveal
}

// HandleEvent consumes one confirmed event. A single event may cause two
// logical transitions (idle's arming, then the reveal start); these are
// applied sequentially in this one call.
func (f *FSM) HandleEvent(ev detect.Event) {
	f.steps = append(f.steps, ev)
	f.lastEventAt = ev.Time

	if f.phase == PhaseIdle {
		if !f.cfg.AutoRoundDetect {
			return
		}
		f.transition(PhaseArmed)
	}

	switch f.phase {
	case PhaseArmed:
		f.revealIndices = append(f.revealIndices[:0], ev.Cell)
		f.lastRevealAt = ev.Time
		f.transition(PhaseReveal)
		// a length-one expected pattern is complete after this very event
		f.capRevealIfExpected(ev.Time)

	case PhaseReveal:
		f.handleRevealEvent(ev)

	case PhaseWaitingInput:
		f.inputCount++
		if f.inputCount >= len(f.revealIndices) {
			f.transition(PhaseRearming)
			f.rearmAt = ev.Time.Add(f.cfg.RearmDelay)
		}

	case PhaseRearming:
		// between rounds; flashes here are logged but carry no round
		// semantics
	}
}

// handleRevealEvent applies the reveal-termination policies in their
// documented priority order: expected-length cap, then (via Tick) the hard
// timeout, then the per-kind / inter-event-gap heuristic.
func (f *FSM) handleRevealEvent(ev detect.Event) {
	gap := f.cfg.ClusterGap
	if gap <= 0 {
		gap = f.cfg.RevealMaxISI
	}

	endsReveal := ev.Kind == detect.KindInput ||
		(gap > 0 && !f.lastRevealAt.IsZero() && ev.Time.Sub(f.lastRevealAt) > gap)

	if endsReveal {
		f.enterWaitingInput(ev.Time)
		// the terminating event is the player's first input
		f.inputCount = 1
		if f.inputCount >= len(f.revealIndices) {
			f.transition(PhaseRearming)
			f.rearmAt = ev.Time.Add(f.cfg.RearmDelay)
		}
		return
	}

	f.revealIndices = append(f.revealIndices, ev.Cell)
	f.lastRevealAt = ev.Time
	f.capRevealIfExpected(ev.Time)
}

// capRevealIfExpected ends the reveal once the pattern has reached the
// expected length for this round. Runs on every reveal entry, including
// the one that started the reveal.
func (f *FSM) capRevealIfExpected(now time.Time) {
	if f.cfg.UseExpectedRevealLen && len(f.revealIndices) >= f.expectedRevealLen() {
		f.enterWaitingInput(now)
	}
}

func (f *FSM) expectedRevealLen() int {
	n := f.cfg.InitialRevealLen + f.roundIndex
	if n < 1 {
		n = 1
	}
	return n
}

func (f *FSM) enterWaitingInput(now time.Time) {
	f.inputCount = 0
	f.transition(PhaseWaitingInput)
	f.inputDeadline = now.Add(f.cfg.InputTimeout)
}

// Tick applies the elapsed-time failsafes. The engine calls it once per
// frame with the frame timestamp.
func (f *FSM) Tick(now time.Time) {
	switch f.phase {
	case PhaseReveal:
		if f.cfg.RevealHardTimeout > 0 && !f.lastRevealAt.IsZero() &&
			now.Sub(f.lastRevealAt) > f.cfg.RevealHardTimeout {
			monitoring.Debugf("[round] reveal hard timeout after %s", f.cfg.RevealHardTimeout)
			f.enterWaitingInput(now)
		}

	case PhaseWaitingInput:
		if !f.inputDeadline.IsZero() && now.After(f.inputDeadline) {
			// player never finished (or we missed a flash); recover rather
			// than wait forever — there is no ground truth to consult
			monitoring.Logf("[round] input timeout; rearming round trackers")
			f.transition(PhaseArmed)
			f.clearRound()
		}

	case PhaseRearming:
		if !f.rearmAt.IsZero() && !now.Before(f.rearmAt) {
			f.roundIndex++
			f.clearRound()
			if !f.cfg.AppendAcrossRounds {
				f.steps = f.steps[:0]
			}
			f.transition(PhaseArmed)
		}
	}
}

// Arm starts a round manually: clears round trackers, keeps the history.
func (f *FSM) Arm() {
	f.clearRound()
	f.transition(PhaseArmed)
}

// Reset returns to idle, clearing round trackers, the round counter, and
// the step history. Idempotent.
func (f *FSM) Reset() {
	f.clearRound()
	f.roundIndex = 0
	f.steps = f.steps[:0]
	f.lastEventAt = time.Time{}
	f.transition(PhaseIdle)
}

// Undo drops the most recently recorded step from the history. Round
// trackers are not rewound; the history is the user-visible log.
func (f *FSM) Undo() {
	if len(f.steps) > 0 {
		f.steps = f.steps[:len(f.steps)-1]
	}
}

func (f *FSM) clearRound() {
	f.revealIndices = f.revealIndices[:0]
	f.inputCount = 0
	f.lastRevealAt = time.Time{}
}

func (f *FSM) transition(next Phase) {
	prev := f.phase
	if prev == next {
		return
	}
	// phase changes invalidate any deadline scheduled by the previous
	// phase
	f.rearmAt = time.Time{}
	f.inputDeadline = time.Time{}
	f.phase = next
	monitoring.Debugf("[round] %s -> %s (round=%d)", prev, next, f.roundIndex)
	if len(f.listeners) > 0 {
		st := f.State()
		for _, l := range f.listeners {
			l(prev, next, st)
		}
	}
}
