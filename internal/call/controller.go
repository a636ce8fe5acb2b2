// Package call runs the single-call state machine the operator drives:
// incoming, accept, reject and hang-up, with remote terminations folded
// into the same teardown path.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
)

// State of the controller.
type State string

const (
	StateIdle     State = "idle"
	StateIncoming State = "incoming"
	StateActive   State = "active"
)

var (
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoActiveCall   = errors.New("no active call")
)

// CallStateError is an operation invoked in a state that does not allow it.
type CallStateError struct {
	Op    string
	State State
	Err   error
}

func (e *CallStateError) Error() string {
	return fmt.Sprintf("%s while %s: %v", e.Op, e.State, e.Err)
}

func (e *CallStateError) Unwrap() error { return e.Err }

// Accepted is published once the call is active and its audio has had
// time to settle.
type Accepted struct {
	Call       telephony.Call
	CallID     string
	Caller     string
	AcceptedAt time.Time
}

// Disconnected is published exactly once per accepted call.
type Disconnected struct {
	CallID     string
	Caller     string
	Reason     string
	AcceptedAt time.Time
	EndedAt    time.Time
}

// Snapshot is the controller state shown to the operator.
type Snapshot struct {
	State                State
	CallID               string
	IncomingFrom         string
	OriginalCallerNumber string
	AcceptedAt           time.Time
}

type Config struct {
	// AcceptDelay lets both audio legs stabilise before accepted hooks run.
	AcceptDelay time.Duration
	// OriginalCallerKey is the custom parameter carrying the real caller.
	OriginalCallerKey string
}

type Controller struct {
	cfg Config
	now func() time.Time

	mu             sync.Mutex
	state          State
	current        telephony.Call
	seq            uint64
	endedSeq       uint64
	endedActive    bool
	incomingFrom   string
	originalCaller string
	acceptedAt     time.Time
	settle         context.CancelFunc

	accepted     hooks.Registry[Accepted]
	disconnected hooks.Registry[Disconnected]
	changes      hooks.Registry[Snapshot]
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(cfg Config, opts ...Option) *Controller {
	if cfg.OriginalCallerKey == "" {
		cfg.OriginalCallerKey = "originalCaller"
	}
	c := &Controller{cfg: cfg, now: time.Now, state: StateIdle}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) OnCallAccepted(fn func(Accepted)) func() { return c.accepted.Subscribe(fn) }

func (c *Controller) OnCallDisconnected(fn func(Disconnected)) func() {
	return c.disconnected.Subscribe(fn)
}

func (c *Controller) OnChange(fn func(Snapshot)) func() { return c.changes.Subscribe(fn) }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:                c.state,
		IncomingFrom:         c.incomingFrom,
		OriginalCallerNumber: c.originalCaller,
		AcceptedAt:           c.acceptedAt,
	}
	if c.current != nil {
		s.CallID = c.current.SID()
	}
	return s
}

// ResolveCaller prefers the bridged original caller over the transport
// sender, which may be an internal leg.
func ResolveCaller(call telephony.Call, key string) string {
	if v := strings.TrimSpace(call.CustomParameters()[key]); v != "" {
		return v
	}
	return call.From()
}

// HandleIncoming takes a call delivered by the endpoint. While another call
// is ringing or active the newcomer is rejected.
func (c *Controller) HandleIncoming(call telephony.Call) {
	caller := ResolveCaller(call, c.cfg.OriginalCallerKey)

	c.mu.Lock()
	if c.state != StateIdle {
		busy := c.state
		c.mu.Unlock()
		logging.Warnw("rejecting call while busy", "call.id", call.SID(), "state", string(busy))
		if err := call.Reject(); err != nil {
			logging.Warnw("reject busy call failed", "call.id", call.SID(), "err", err)
		}
		return
	}
	c.seq++
	seq := c.seq
	c.current = call
	c.state = StateIncoming
	c.incomingFrom = caller
	c.originalCaller = caller
	c.acceptedAt = time.Time{}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	call.Handle(telephony.CallHandlers{
		OnAccept:     func() { c.confirmAccepted(seq) },
		OnDisconnect: func() { c.finish(seq, "disconnect") },
		OnCancel:     func() { c.finish(seq, "cancel") },
		OnError: func(err error) {
			logging.Warnw("call error", "call.id", call.SID(), "err", err)
			c.finish(seq, "error")
		},
	})

	logging.Infow("incoming call", logging.CallFields(call.SID(), caller)...)
	c.changes.Emit(snap)
}

// AcceptCall answers the ringing call. The call becomes active when the
// provider confirms.
func (c *Controller) AcceptCall() error {
	c.mu.Lock()
	if c.state != StateIncoming {
		st := c.state
		c.mu.Unlock()
		return &CallStateError{Op: "accept", State: st, Err: ErrNoIncomingCall}
	}
	call := c.current
	c.mu.Unlock()

	if err := call.Accept(); err != nil {
		return fmt.Errorf("accept call %s: %w", call.SID(), err)
	}
	return nil
}

// RejectCall declines the ringing call and forgets its caller.
func (c *Controller) RejectCall() error {
	c.mu.Lock()
	if c.state != StateIncoming {
		st := c.state
		c.mu.Unlock()
		return &CallStateError{Op: "reject", State: st, Err: ErrNoIncomingCall}
	}
	call := c.current
	seq := c.seq
	c.mu.Unlock()

	if err := call.Reject(); err != nil {
		logging.Warnw("provider reject failed", "call.id", call.SID(), "err", err)
	}
	c.finish(seq, "reject")
	return nil
}

// HangupCall ends the active call. Hanging up an active call that already
// ended is a no-op.
func (c *Controller) HangupCall() error {
	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		ended := c.seq > 0 && c.endedSeq == c.seq && c.endedActive
		c.mu.Unlock()
		if ended {
			return nil
		}
		return &CallStateError{Op: "hangup", State: st, Err: ErrNoActiveCall}
	}
	call := c.current
	seq := c.seq
	c.mu.Unlock()

	if err := call.Disconnect(); err != nil {
		logging.Warnw("provider disconnect failed", "call.id", call.SID(), "err", err)
	}
	c.finish(seq, "hangup")
	return nil
}

// ResetCaller clears the retained caller number.
func (c *Controller) ResetCaller() {
	c.mu.Lock()
	c.originalCaller = ""
	if c.state == StateIdle {
		c.incomingFrom = ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.changes.Emit(snap)
}

func (c *Controller) confirmAccepted(seq uint64) {
	c.mu.Lock()
	if seq != c.seq || c.state != StateIncoming {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.acceptedAt = c.now()
	ctx, cancel := context.WithCancel(context.Background())
	c.settle = cancel
	ev := Accepted{
		Call:       c.current,
		CallID:     c.current.SID(),
		Caller:     c.originalCaller,
		AcceptedAt: c.acceptedAt,
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	logging.Infow("call accepted", logging.CallFields(ev.CallID, ev.Caller)...)
	c.changes.Emit(snap)

	go c.announceAccepted(ctx, seq, ev)
}

func (c *Controller) announceAccepted(ctx context.Context, seq uint64, ev Accepted) {
	if c.cfg.AcceptDelay > 0 {
		timer := time.NewTimer(c.cfg.AcceptDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	c.mu.Lock()
	live := seq == c.seq && c.state == StateActive && ctx.Err() == nil
	c.settle = nil
	c.mu.Unlock()
	if !live {
		return
	}
	c.accepted.Emit(ev)
}

// finish is the single teardown path. Only the first termination of a call
// has any effect.
func (c *Controller) finish(seq uint64, reason string) {
	c.mu.Lock()
	if seq != c.seq || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == StateActive
	call := c.current
	if c.settle != nil {
		c.settle()
		c.settle = nil
	}
	c.state = StateIdle
	c.current = nil
	c.endedSeq = seq
	c.endedActive = wasActive
	if !wasActive {
		c.incomingFrom = ""
		c.originalCaller = ""
	}
	ev := Disconnected{
		CallID:     call.SID(),
		Caller:     c.originalCaller,
		Reason:     reason,
		AcceptedAt: c.acceptedAt,
		EndedAt:    c.now(),
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	logging.Infow("call ended", "call.id", ev.CallID, "reason", reason, "was_active", wasActive)
	c.changes.Emit(snap)
	if wasActive {
		c.disconnected.Emit(ev)
	}
}
