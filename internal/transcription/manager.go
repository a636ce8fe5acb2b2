// Package transcription runs one realtime transcription session per call
// channel and merges their results into a single ordered transcript.
package transcription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/billboard-callassist/internal/credential"
	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
	"github.com/amanullahtanweer/billboard-callassist/internal/usage"
)

// Status is the operator-facing transcription status.
type Status string

const (
	StatusIdle         Status = ""
	StatusStarting     Status = "Starting transcription…"
	StatusTranscribing Status = "Transcribing call…"
	StatusAgentOnly    Status = "Transcribing call… (agent only)"
	StatusCallerOnly   Status = "Transcribing call… (caller only)"
	StatusFailed       Status = "Could not start transcription"
	StatusLost         Status = "Transcription connection lost"
	StatusStopped      Status = "Transcription stopped"
)

// Transcribing reports whether at least one channel is being transcribed.
func (s Status) Transcribing() bool {
	return strings.HasPrefix(string(s), string(StatusTranscribing))
}

// TokenSource issues one ephemeral key per channel session.
type TokenSource interface {
	TranscriptionToken(ctx context.Context) (credential.TranscriptionCredential, error)
}

// Meter is the usage meter driven by session lifetime. Start and SetLogID
// run under the manager's lock and must not call back into it.
type Meter interface {
	Start()
	SetLogID(id string)
	Finalize(ctx context.Context) usage.Record
}

// TranscriptStore persists the transcript of a finished call.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, callID string, items []Item) error
}

// Interim is the live, unfinalized text of the most recently active channel.
type Interim struct {
	Role telephony.ChannelRole `json:"role,omitempty"`
	Text string                `json:"text"`
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithTranscriptStore(s TranscriptStore) Option {
	return func(m *Manager) { m.store = s }
}

// Manager owns the channel sessions of the current call.
type Manager struct {
	cfg    SessionConfig
	tokens TokenSource
	meter  Meter
	log    *Log
	store  TranscriptStore
	dialer *websocket.Dialer
	now    func() time.Time

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	callID     string
	sessions   map[telephony.ChannelRole]*ChannelSession
	metrics    []*ChannelMetrics
	interim    map[telephony.ChannelRole]string
	lastActive telephony.ChannelRole
	status     Status
	logIDSet   bool

	interimHooks hooks.Registry[Interim]
	statusHooks  hooks.Registry[Status]
}

func NewManager(cfg SessionConfig, tokens TokenSource, meter Meter, log *Log, opts ...Option) *Manager {
	if log == nil {
		log = NewLog()
	}
	m := &Manager{
		cfg:      cfg,
		tokens:   tokens,
		meter:    meter,
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		now:      time.Now,
		sessions: make(map[telephony.ChannelRole]*ChannelSession),
		interim:  make(map[telephony.ChannelRole]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Log() *Log { return m.log }

func (m *Manager) OnInterim(fn func(Interim)) func() { return m.interimHooks.Subscribe(fn) }

func (m *Manager) OnStatus(fn func(Status)) func() { return m.statusHooks.Subscribe(fn) }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Interim returns the live text of the most recently active channel.
func (m *Manager) Interim() Interim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interimLocked()
}

func (m *Manager) interimLocked() Interim {
	if m.lastActive == "" {
		return Interim{}
	}
	return Interim{Role: m.lastActive, Text: m.interim[m.lastActive]}
}

// Sessions returns the roles with a live session.
func (m *Manager) Sessions() []telephony.ChannelRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telephony.ChannelRole
	for _, role := range telephony.Roles {
		if _, ok := m.sessions[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

// Start opens one session per channel with audio and returns the resulting
// status. It never fails outright: channels that cannot be negotiated are
// logged and skipped.
func (m *Manager) Start(ctx context.Context, call telephony.Call) Status {
	m.Stop(ctx)
	// the previous call's transcript was persisted by Stop
	m.ClearTranscripts()

	tracks := make(map[telephony.ChannelRole]telephony.AudioTrack)
	for _, role := range telephony.Roles {
		if tr, ok := call.Track(role); ok {
			tracks[role] = tr
		}
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.callID = call.SID()
	m.logIDSet = false
	if len(tracks) == 0 {
		m.status = StatusFailed
	} else {
		m.status = StatusStarting
	}
	status := m.status
	m.mu.Unlock()
	m.statusHooks.Emit(status)

	if len(tracks) == 0 {
		logging.Warnw("no channel audio available", "call.id", call.SID())
		return StatusFailed
	}

	// the caller's ctx bounds negotiation; Stop cancels it as well
	stopWatch := context.AfterFunc(ctx, cancel)
	defer stopWatch()

	var wg sync.WaitGroup
	for role, track := range tracks {
		wg.Add(1)
		go func(role telephony.ChannelRole, track telephony.AudioTrack) {
			defer wg.Done()
			if err := m.startChannel(runCtx, gen, call.SID(), role, track); err != nil {
				logging.Warnw("channel not transcribed", append(logging.ChannelFields(call.SID(), string(role)), "err", err)...)
			}
		}(role, track)
	}
	wg.Wait()

	m.mu.Lock()
	if gen != m.generation {
		st := m.status
		m.mu.Unlock()
		return st
	}
	m.status = statusFor(m.sessions)
	status = m.status
	m.mu.Unlock()

	logging.Infow("transcription started", "call.id", call.SID(), "status", string(status))
	m.statusHooks.Emit(status)
	return status
}

func statusFor(sessions map[telephony.ChannelRole]*ChannelSession) Status {
	_, agent := sessions[telephony.RoleAgent]
	_, caller := sessions[telephony.RoleCaller]
	switch {
	case agent && caller:
		return StatusTranscribing
	case agent:
		return StatusAgentOnly
	case caller:
		return StatusCallerOnly
	}
	return StatusFailed
}

func (m *Manager) startChannel(ctx context.Context, gen uint64, callID string, role telephony.ChannelRole, track telephony.AudioTrack) error {
	cred, err := m.tokens.TranscriptionToken(ctx)
	if err != nil {
		return &SessionNegotiationError{Role: role, Err: err}
	}

	metrics := newChannelMetrics(role, callID, track.SampleRate(), m.now)
	s := newChannelSession(role, m.cfg, m.dialer, sessionHandlers{
		delta:     m.onDelta,
		completed: m.onCompleted,
		failed:    m.onFailed,
		closed:    m.onClosed,
	}, metrics)

	if err := s.Open(ctx, cred.Value, track); err != nil {
		s.Close()
		return &SessionNegotiationError{Role: role, Err: err}
	}

	m.mu.Lock()
	if gen != m.generation {
		// the call ended while this channel was negotiating
		m.mu.Unlock()
		s.Close()
		return &SessionNegotiationError{Role: role, Err: ErrSessionClosed}
	}
	m.sessions[role] = s
	m.metrics = append(m.metrics, metrics)
	// the meter starts inside the generation check so a concurrent Stop
	// always finds it started
	if m.meter != nil {
		if !m.logIDSet && cred.LogID != "" {
			m.logIDSet = true
			m.meter.SetLogID(cred.LogID)
		}
		m.meter.Start()
	}
	m.mu.Unlock()

	logging.Infow("channel session open", logging.ChannelFields(callID, string(role))...)
	return nil
}

// Stop closes every session, clears interim text and finalizes usage.
// Calling it again, or before anything opened, is harmless.
func (m *Manager) Stop(ctx context.Context) usage.Record {
	m.mu.Lock()
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	sessions := m.sessions
	m.sessions = make(map[telephony.ChannelRole]*ChannelSession)
	metrics := m.metrics
	m.metrics = nil
	callID := m.callID
	m.callID = ""
	m.interim = make(map[telephony.ChannelRole]string)
	m.lastActive = ""
	wasRunning := m.status != StatusIdle && m.status != StatusStopped
	if wasRunning {
		m.status = StatusStopped
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, mt := range metrics {
		mt.Finalize()
		logging.Infow("channel session metrics", mt.Fields()...)
	}

	if wasRunning {
		m.statusHooks.Emit(StatusStopped)
		m.interimHooks.Emit(Interim{})
	}
	if callID != "" && m.store != nil {
		if err := m.store.SaveTranscript(ctx, callID, m.log.Items()); err != nil {
			logging.Warnw("failed to persist transcript", "call.id", callID, "err", err)
		}
	}

	var rec usage.Record
	if m.meter != nil {
		rec = m.meter.Finalize(ctx)
	}
	return rec
}

// AddTranscript appends an item from a non-live source. Missing fields are
// filled in; the stored item is returned.
func (m *Manager) AddTranscript(item Item) Item {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = m.now()
	}
	item.IsFinal = true

	m.mu.Lock()
	m.log.Append(item)
	m.mu.Unlock()
	return item
}

// ClearTranscripts resets the log and any interim text.
func (m *Manager) ClearTranscripts() {
	m.mu.Lock()
	m.log.Clear()
	m.interim = make(map[telephony.ChannelRole]string)
	m.lastActive = ""
	m.mu.Unlock()
	m.interimHooks.Emit(Interim{})
}

func (m *Manager) live(s *ChannelSession) bool {
	return m.sessions[s.role] == s
}

func (m *Manager) onDelta(s *ChannelSession, itemID, text string) {
	m.mu.Lock()
	if !m.live(s) {
		m.mu.Unlock()
		return
	}
	m.interim[s.role] += text
	m.lastActive = s.role
	in := m.interimLocked()
	m.mu.Unlock()
	m.interimHooks.Emit(in)
}

func (m *Manager) onCompleted(s *ChannelSession, itemID, text string) {
	if itemID == "" {
		itemID = uuid.NewString()
	}

	m.mu.Lock()
	if !m.live(s) {
		m.mu.Unlock()
		return
	}
	m.interim[s.role] = ""
	if strings.TrimSpace(text) != "" {
		m.log.Append(Item{
			ID:        itemID,
			Role:      s.role,
			Text:      text,
			Timestamp: m.now(),
			IsFinal:   true,
		})
	}
	in := m.interimLocked()
	m.mu.Unlock()
	m.interimHooks.Emit(in)
}

// onFailed drops the current utterance of that channel only.
func (m *Manager) onFailed(s *ChannelSession, err error) {
	logging.Warnw("transcription error", "channel", string(s.role), "err", err)
	m.mu.Lock()
	if !m.live(s) {
		m.mu.Unlock()
		return
	}
	m.interim[s.role] = ""
	in := m.interimLocked()
	m.mu.Unlock()
	m.interimHooks.Emit(in)
}

func (m *Manager) onClosed(s *ChannelSession, err error) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		logging.Warnw("transcription session ended by provider", "channel", string(s.role), "err", err)
	}

	m.mu.Lock()
	if !m.live(s) {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.role)
	m.interim[s.role] = ""
	if len(m.sessions) == 0 {
		m.status = StatusLost
	} else {
		m.status = statusFor(m.sessions)
	}
	status := m.status
	in := m.interimLocked()
	m.mu.Unlock()

	// Close waits for the read loop we are running on
	go s.Close()
	m.statusHooks.Emit(status)
	m.interimHooks.Emit(in)
}
