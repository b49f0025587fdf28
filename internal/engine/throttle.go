package engine

import "time"

// DefaultSyncWindow is the minimum spacing between ledger upserts.
const DefaultSyncWindow = 60 * time.Second

// ThrottleState is the outbound sync state.
type ThrottleState int

const (
	// Idle: nothing sent this session.
	Idle ThrottleState = iota
	// PendingSend: an upsert is in flight. It goes stale once the window
	// passes without a completion.
	PendingSend
	// Sent: the last upsert finished, successfully or not.
	Sent
)

func (s ThrottleState) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingSend:
		return "pending_send"
	case Sent:
		return "sent"
	default:
		return "unknown"
	}
}

// Throttle coalesces local updates into at most one upsert per window.
// Updates that do not qualify are dropped; the next qualifying update
// carries the latest value. It is owned by the engine loop and not safe for
// concurrent use.
type Throttle struct {
	window     time.Duration
	state      ThrottleState
	lastSyncAt time.Time
	seq        uint64
}

// NewThrottle returns an Idle throttle.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultSyncWindow
	}
	return &Throttle{window: window}
}

// Trigger reports whether a local update at now should issue an upsert. On
// true the throttle moves to PendingSend, stamps lastSyncAt and starts a new
// send sequence. An upsert still pending after a full window is abandoned so
// a stalled write cannot block later ones.
func (t *Throttle) Trigger(now time.Time) bool {
	if t.state != Idle && now.Sub(t.lastSyncAt) < t.window {
		return false
	}
	t.state = PendingSend
	t.lastSyncAt = now
	t.seq++
	return true
}

// Seq identifies the most recently issued send.
func (t *Throttle) Seq() uint64 { return t.seq }

// Complete records the end of send seq. Completions of abandoned sends are
// ignored. A failed upsert is retried by the next qualifying Trigger.
func (t *Throttle) Complete(seq uint64) {
	if t.state == PendingSend && seq == t.seq {
		t.state = Sent
	}
}

// Window returns the minimum spacing between upserts.
func (t *Throttle) Window() time.Duration { return t.window }

// Reset returns to Idle for a new session. Sends already in flight are
// abandoned.
func (t *Throttle) Reset() {
	t.state = Idle
	t.lastSyncAt = time.Time{}
}

// State returns the current state.
func (t *Throttle) State() ThrottleState { return t.state }

// LastSyncAt returns when the most recent upsert was issued.
func (t *Throttle) LastSyncAt() time.Time { return t.lastSyncAt }
