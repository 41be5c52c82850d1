package detect

import "time"

// EventKind is the semantic class of a confirmed flash.
type EventKind int

const (
	// KindReveal is a flash emitted by the game while showing a pattern.
	KindReveal EventKind = iota
	// KindInput is a flash caused by the player repeating the pattern.
	KindInput
)

func (k EventKind) String() string {
	switch k {
	case KindReveal:
		return "reveal"
	case KindInput:
		return "input"
	default:
		return "unknown"
	}
}

// Event is one confirmed flash on one cell. At most one Event per cell per
// tick; events within a tick are emitted in increasing cell-index order.
type Event struct {
	Cell  int       `json:"cell"`
	Row   int       `json:"row"`
	Col   int       `json:"col"`
	Frame uint64    `json:"frame"`
	Time  time.Time `json:"time"`
	// Confidence is informational: signal margin above the trigger
	// threshold, clamped to [0,1].
	Confidence float64   `json:"confidence"`
	Kind       EventKind `json:"kind"`
}
