// Package assist composes the endpoint, call controller and transcription
// manager into the operator's call-assist session.
package assist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/call"
	"github.com/amanullahtanweer/billboard-callassist/internal/endpoint"
	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/journal"
	"github.com/amanullahtanweer/billboard-callassist/internal/lead"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/store"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
	"github.com/amanullahtanweer/billboard-callassist/internal/usage"
)

// ErrNotRegistered is returned when a call action needs a registered device.
var ErrNotRegistered = errors.New("telephony device is not registered")

// ErrUploadUnavailable is returned when no one-shot transcriber is wired.
var ErrUploadUnavailable = errors.New("file transcription is not configured")

// Endpoint is the registration surface the service drives.
type Endpoint interface {
	Initialize(ctx context.Context) (endpoint.InitOutcome, error)
	Reinitialize(ctx context.Context) (endpoint.InitOutcome, error)
	Destroy()
	ClearDeviceError()
	Ready() bool
	State() endpoint.State
	OnIncoming(fn func(telephony.Call)) func()
	OnStateChange(fn func(endpoint.State)) func()
}

// Transcriber is the live transcription surface.
type Transcriber interface {
	Start(ctx context.Context, call telephony.Call) transcription.Status
	Stop(ctx context.Context) usage.Record
	Status() transcription.Status
	Interim() transcription.Interim
	Log() *transcription.Log
	AddTranscript(item transcription.Item) transcription.Item
	ClearTranscripts()
	OnStatus(fn func(transcription.Status)) func()
	OnInterim(fn func(transcription.Interim)) func()
}

// Archiver stores a finished call.
type Archiver interface {
	Archive(ctx context.Context, rec store.CallRecord) error
}

// FileTranscriber turns an uploaded recording into text.
type FileTranscriber interface {
	Transcribe(ctx context.Context, name string, r io.Reader) (string, error)
}

// Deps are the collaborators of a Service. Leads, Archive, Upload and
// JournalDir are optional.
type Deps struct {
	Endpoint    Endpoint
	Calls       *call.Controller
	Transcriber Transcriber
	Leads       *lead.Notifier
	Archive     Archiver
	Upload      FileTranscriber
	JournalDir  string
	// TeardownTimeout bounds the stop, billing and archive work after a call.
	TeardownTimeout time.Duration
}

// InterimView is the live, not yet final, text of one speaker.
type InterimView struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// State is the snapshot the operator UI renders.
type State struct {
	Status               string       `json:"status"`
	RegistrationReady    bool         `json:"registrationReady"`
	IncomingCall         bool         `json:"incomingCall"`
	IncomingFrom         string       `json:"incomingFrom,omitempty"`
	CallActive           bool         `json:"callActive"`
	CallID               string       `json:"callId,omitempty"`
	OriginalCallerNumber string       `json:"originalCallerNumber"`
	DeviceError          string       `json:"deviceError,omitempty"`
	IsDestroyed          bool         `json:"isDestroyed"`
	Transcription        string       `json:"transcription,omitempty"`
	Interim              *InterimView `json:"interim,omitempty"`
	TranscriptLength     int          `json:"transcriptLength"`
	Lead                 *lead.Result `json:"lead,omitempty"`
}

// Service runs one operator's call-assist session.
type Service struct {
	deps Deps

	mu         sync.Mutex
	callCancel context.CancelFunc
	journal    *journal.Writer
	journalFor string

	changed chan struct{}
	states  hooks.Registry[State]
	unsubs  []func()
}

// New wires the collaborators together. Call Run to publish state changes.
func New(deps Deps) *Service {
	if deps.TeardownTimeout <= 0 {
		deps.TeardownTimeout = 15 * time.Second
	}
	s := &Service{deps: deps, changed: make(chan struct{}, 1)}

	s.unsubs = append(s.unsubs,
		deps.Endpoint.OnIncoming(s.onIncoming),
		deps.Endpoint.OnStateChange(func(endpoint.State) { s.notify() }),
		deps.Calls.OnChange(func(call.Snapshot) { s.notify() }),
		deps.Calls.OnCallAccepted(s.onAccepted),
		deps.Calls.OnCallDisconnected(s.onDisconnected),
		deps.Transcriber.OnStatus(s.onTranscriptionStatus),
		deps.Transcriber.OnInterim(func(transcription.Interim) { s.notify() }),
		// log subscribers run under the transcriber's lock
		deps.Transcriber.Log().Subscribe(s.onLogEvent),
	)
	if deps.Leads != nil {
		s.unsubs = append(s.unsubs,
			deps.Leads.Attach(deps.Transcriber.Log()),
			deps.Leads.OnResult(func(lead.Result) { s.notify() }),
		)
	}
	return s
}

// OnState subscribes to UI state snapshots.
func (s *Service) OnState(fn func(State)) func() { return s.states.Subscribe(fn) }

// Run publishes coalesced state snapshots until ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changed:
			s.states.Emit(s.State())
		}
	}
}

func (s *Service) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Start registers the operator's device.
func (s *Service) Start(ctx context.Context) error {
	outcome, err := s.deps.Endpoint.Initialize(ctx)
	if err != nil {
		return err
	}
	logging.Infow("endpoint initialize", "outcome", string(outcome))
	return nil
}

// State assembles the UI snapshot.
func (s *Service) State() State {
	ep := s.deps.Endpoint.State()
	snap := s.deps.Calls.Snapshot()
	ts := s.deps.Transcriber.Status()

	st := State{
		RegistrationReady:    ep.Ready,
		IncomingCall:         snap.State == call.StateIncoming,
		CallActive:           snap.State == call.StateActive,
		CallID:               snap.CallID,
		OriginalCallerNumber: snap.OriginalCallerNumber,
		DeviceError:          ep.DeviceError,
		IsDestroyed:          ep.IsDestroyed,
		Transcription:        string(ts),
		TranscriptLength:     s.deps.Transcriber.Log().Len(),
	}
	if st.IncomingCall {
		st.IncomingFrom = snap.IncomingFrom
	}

	switch {
	case st.IncomingCall:
		st.Status = "Incoming call from " + displayCaller(snap.IncomingFrom)
	case st.CallActive && ts != transcription.StatusIdle:
		st.Status = string(ts)
	case st.CallActive:
		st.Status = "Call in progress"
	default:
		st.Status = ep.Status
	}

	if in := s.deps.Transcriber.Interim(); in.Text != "" {
		st.Interim = &InterimView{Speaker: transcription.Item{Role: in.Role}.Speaker(), Text: in.Text}
	}
	if s.deps.Leads != nil {
		if res, ok := s.deps.Leads.Latest(); ok {
			st.Lead = &res
		}
	}
	return st
}

func displayCaller(from string) string {
	if strings.TrimSpace(from) == "" {
		return "unknown caller"
	}
	return from
}

// AcceptCall answers the incoming call. Accepting is refused while the
// device is not registered.
func (s *Service) AcceptCall() error {
	if !s.deps.Endpoint.Ready() {
		return ErrNotRegistered
	}
	return s.deps.Calls.AcceptCall()
}

func (s *Service) RejectCall() error { return s.deps.Calls.RejectCall() }

func (s *Service) HangupCall() error { return s.deps.Calls.HangupCall() }

func (s *Service) Reinitialize(ctx context.Context) (endpoint.InitOutcome, error) {
	return s.deps.Endpoint.Reinitialize(ctx)
}

func (s *Service) ClearDeviceError() { s.deps.Endpoint.ClearDeviceError() }

// Transcript returns a copy of the transcript log.
func (s *Service) Transcript() []transcription.Item { return s.deps.Transcriber.Log().Items() }

func (s *Service) ClearTranscript() { s.deps.Transcriber.ClearTranscripts() }

// ResetForm starts a fresh lead form: the retained caller number, the
// transcript and the extracted lead are cleared.
func (s *Service) ResetForm() {
	s.deps.Calls.ResetCaller()
	s.deps.Transcriber.ClearTranscripts()
	if s.deps.Leads != nil {
		s.deps.Leads.Reset()
	}
	s.notify()
}

// UploadTranscript transcribes a recording and appends it to the log.
func (s *Service) UploadTranscript(ctx context.Context, name string, r io.Reader) (transcription.Item, error) {
	if s.deps.Upload == nil {
		return transcription.Item{}, ErrUploadUnavailable
	}
	text, err := s.deps.Upload.Transcribe(ctx, name, r)
	if err != nil {
		return transcription.Item{}, fmt.Errorf("transcribe upload: %w", err)
	}
	return s.deps.Transcriber.AddTranscript(transcription.Item{Role: transcription.RoleUpload, Text: text}), nil
}

// Logout ends any call, stops transcription and destroys the device.
func (s *Service) Logout(ctx context.Context) {
	switch snap := s.deps.Calls.Snapshot(); snap.State {
	case call.StateActive:
		if err := s.deps.Calls.HangupCall(); err != nil {
			logging.Warnw("hangup on logout failed", "call.id", snap.CallID, "err", err)
		}
	case call.StateIncoming:
		if err := s.deps.Calls.RejectCall(); err != nil {
			logging.Warnw("reject on logout failed", "call.id", snap.CallID, "err", err)
		}
	}
	s.cancelCall()
	s.deps.Transcriber.Stop(ctx)
	s.deps.Endpoint.Destroy()
	logging.Infow("operator logged out")
	s.notify()
}

// Close detaches every subscription and closes the open journal.
func (s *Service) Close() {
	for _, un := range s.unsubs {
		un()
	}
	s.unsubs = nil
	s.cancelCall()
	s.mu.Lock()
	s.closeJournalLocked()
	s.mu.Unlock()
}

func (s *Service) onIncoming(c telephony.Call) {
	s.deps.Calls.HandleIncoming(c)
	snap := s.deps.Calls.Snapshot()
	if snap.State != call.StateIncoming || snap.CallID != c.SID() {
		return
	}
	if s.deps.JournalDir == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeJournalLocked()
	w, err := journal.Open(s.deps.JournalDir, c.SID(), time.Now())
	if err != nil {
		logging.Warnw("failed to open call journal", "call.id", c.SID(), "err", err)
		return
	}
	s.journal = w
	s.journalFor = c.SID()
	w.LogIncoming(c.SID(), snap.IncomingFrom, time.Now())
}

func (s *Service) onAccepted(ev call.Accepted) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.callCancel != nil {
		s.callCancel()
	}
	s.callCancel = cancel
	if w := s.journalLocked(ev.CallID); w != nil {
		w.LogAccepted(ev.CallID, ev.AcceptedAt)
	}
	s.mu.Unlock()

	// a disconnect after this check cancels ctx
	if snap := s.deps.Calls.Snapshot(); snap.State != call.StateActive || snap.CallID != ev.CallID {
		logging.Infow("call ended before transcription started", "call.id", ev.CallID)
		s.cancelCall()
		return
	}

	if s.deps.Leads != nil {
		s.deps.Leads.BeginCall(ev.CallID, ev.Caller)
	}
	status := s.deps.Transcriber.Start(ctx, ev.Call)
	logging.Infow("call handed to transcription", append(logging.CallFields(ev.CallID, ev.Caller), "status", string(status))...)
}

func (s *Service) onDisconnected(ev call.Disconnected) {
	s.cancelCall()

	ctx, cancel := context.WithTimeout(context.Background(), s.deps.TeardownTimeout)
	defer cancel()

	rec := s.deps.Transcriber.Stop(ctx)

	s.mu.Lock()
	if w := s.journalLocked(ev.CallID); w != nil {
		w.LogDisconnected(ev.CallID, ev.Reason, ev.EndedAt)
		if rec.SessionID != "" {
			w.LogUsage(ev.CallID, rec.LogID, rec.DurationSeconds, rec.Cost)
		}
		s.closeJournalLocked()
	}
	s.mu.Unlock()

	var latest map[string]string
	if s.deps.Leads != nil {
		s.deps.Leads.Final(ev.CallID)
		if res, ok := s.deps.Leads.Latest(); ok && res.CallID == ev.CallID {
			latest = res.Lead.Fields()
		}
	}

	if s.deps.Archive != nil {
		callRec := store.NewCallRecord(ev.CallID, ev.Caller, ev.Reason, ev.AcceptedAt, ev.EndedAt, s.deps.Transcriber.Log().Items(), rec)
		callRec.Lead = latest
		if err := s.deps.Archive.Archive(ctx, callRec); err != nil {
			logging.Warnw("failed to archive call", "call.id", ev.CallID, "err", err)
		}
	}
	logging.Infow("call torn down", "call.id", ev.CallID, "reason", ev.Reason, "duration_seconds", rec.DurationSeconds)
	s.notify()
}

func (s *Service) onTranscriptionStatus(st transcription.Status) {
	s.mu.Lock()
	if s.journal != nil && st != transcription.StatusIdle {
		s.journal.LogTranscriptionStatus(s.journalFor, string(st))
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Service) onLogEvent(ev transcription.Event) {
	if ev.Kind == transcription.EventAppended {
		s.mu.Lock()
		if s.journal != nil {
			s.journal.LogFinal(s.journalFor, string(ev.Item.Role), ev.Item.ID, ev.Item.Text, ev.Item.Timestamp)
		}
		s.mu.Unlock()
	}
	s.notify()
}

func (s *Service) cancelCall() {
	s.mu.Lock()
	if s.callCancel != nil {
		s.callCancel()
		s.callCancel = nil
	}
	s.mu.Unlock()
}

func (s *Service) journalLocked(callID string) *journal.Writer {
	if s.journal == nil || s.journalFor != callID {
		return nil
	}
	return s.journal
}

func (s *Service) closeJournalLocked() {
	if s.journal == nil {
		return
	}
	if err := s.journal.Close(); err != nil {
		logging.Warnw("failed to close call journal", "call.id", s.journalFor, "err", err)
	}
	s.journal = nil
	s.journalFor = ""
}
