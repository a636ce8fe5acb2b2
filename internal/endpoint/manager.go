// Package endpoint keeps the operator's telephony device registered for the
// lifetime of the operator session.
package endpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/credential"
	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
)

// Operator-facing status strings.
const (
	StatusNotConnected = "Not connected"
	StatusConnecting   = "Connecting to telephony service…"
	StatusReady        = "Ready to receive calls"
	StatusNoCredential = "Could not obtain calling credentials"
	StatusRegFailed    = "Could not register for calls"
	StatusConflict     = "Registration conflict"
	StatusDisconnected = "Disconnected from telephony service"
	StatusDestroyed    = "Device destroyed"
	StatusSignedOut    = "Signed out"
)

// Operator-facing device errors. Raw provider errors never reach the UI.
const (
	deviceErrCredential   = "Could not obtain calling credentials. Retry to reconnect."
	deviceErrRegistration = "Could not register for incoming calls. Retry to reconnect."
	deviceErrConflict     = "This identity was registered from another session. Reinitialize to take over."
	deviceErrDisconnected = "Disconnected from telephony service. Retry to reconnect."
	deviceErrDestroyed    = "Device destroyed"
)

// InitOutcome tells the caller what Initialize actually did.
type InitOutcome string

const (
	InitRegistered        InitOutcome = "registered"
	InitAlreadyRegistered InitOutcome = "already registered"
	InitInFlight          InitOutcome = "already initializing"
)

// TokenSource issues telephony access credentials.
type TokenSource interface {
	VoiceToken(ctx context.Context) (credential.VoiceCredential, error)
}

type Config struct {
	HealthInterval time.Duration
	ConflictGrace  time.Duration
}

// State is a snapshot of the endpoint for the UI.
type State struct {
	Registration     telephony.RegistrationState
	Identity         string
	Ready            bool
	Status           string
	DeviceError      string
	IsDestroyed      bool
	LastRegisteredAt time.Time
}

// Manager owns the single device of an operator session.
type Manager struct {
	cfg     Config
	tokens  TokenSource
	factory telephony.DeviceFactory
	now     func() time.Time

	mu           sync.Mutex
	initializing bool
	device       telephony.Device
	generation   uint64
	state        State
	lastErr      error

	incoming hooks.Registry[telephony.Call]
	changes  hooks.Registry[State]
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(cfg Config, tokens TokenSource, factory telephony.DeviceFactory, opts ...Option) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.ConflictGrace <= 0 {
		cfg.ConflictGrace = 2 * time.Second
	}
	m := &Manager{
		cfg:     cfg,
		tokens:  tokens,
		factory: factory,
		now:     time.Now,
		state: State{
			Registration: telephony.StateUnregistered,
			Status:       StatusNotConnected,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnIncoming subscribes to incoming calls from the current device.
func (m *Manager) OnIncoming(fn func(telephony.Call)) func() { return m.incoming.Subscribe(fn) }

// OnStateChange subscribes to state snapshots.
func (m *Manager) OnStateChange(fn func(State)) func() { return m.changes.Subscribe(fn) }

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether calls can be received.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Ready
}

// LastError returns the typed error behind the current DeviceError.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Initialize fetches a credential, builds the device and registers it. A
// call made while another is in flight returns InitInFlight at once; a call
// made while registered returns InitAlreadyRegistered.
func (m *Manager) Initialize(ctx context.Context) (InitOutcome, error) {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		return InitInFlight, nil
	}
	if m.device != nil && m.state.Registration == telephony.StateRegistered {
		m.mu.Unlock()
		return InitAlreadyRegistered, nil
	}
	m.initializing = true
	m.state.Registration = telephony.StateRegistering
	m.state.Status = StatusConnecting
	m.state.Ready = false
	snap := m.state
	m.mu.Unlock()
	m.changes.Emit(snap)

	defer func() {
		m.mu.Lock()
		m.initializing = false
		m.mu.Unlock()
	}()

	cred, err := m.tokens.VoiceToken(ctx)
	if err != nil {
		cerr := &CredentialError{Err: err}
		logging.Warnw("failed to obtain voice credential", "err", err)
		m.fail(cerr, StatusNoCredential, deviceErrCredential)
		return "", cerr
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	old := m.device
	m.device = nil
	m.state.Identity = cred.Identity
	m.mu.Unlock()
	if old != nil {
		old.Destroy()
	}

	dev, err := m.factory(cred.Token, cred.Identity, m.handlers(gen))
	if err != nil {
		rerr := &RegistrationError{Err: err}
		logging.Errorw("failed to construct device", "identity", cred.Identity, "err", err)
		m.fail(rerr, StatusRegFailed, deviceErrRegistration)
		return "", rerr
	}

	m.mu.Lock()
	if gen != m.generation {
		// destroyed or reinitialized while we were constructing
		m.mu.Unlock()
		dev.Destroy()
		return "", &RegistrationError{Err: errors.New("superseded during initialize")}
	}
	m.device = dev
	m.mu.Unlock()

	if err := dev.Register(ctx); err != nil {
		rerr := &RegistrationError{Err: err}
		logging.Errorw("device registration failed", "identity", cred.Identity, "err", err)
		m.mu.Lock()
		if m.device == dev {
			m.device = nil
		}
		m.mu.Unlock()
		dev.Destroy()
		m.fail(rerr, StatusRegFailed, deviceErrRegistration)
		return "", rerr
	}

	if err := m.finishRegister(gen); err != nil {
		logging.Warnw("device lost registration during initialize", "identity", cred.Identity, "err", err)
		return "", err
	}
	logging.Infow("device registered", "identity", cred.Identity)
	return InitRegistered, nil
}

// finishRegister settles the state once Register has returned. Events the
// device delivered meanwhile win: a registered event leaves nothing to do and
// an unregistered one keeps its error.
func (m *Manager) finishRegister(gen uint64) error {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return &RegistrationError{Err: errors.New("superseded during initialize")}
	}
	switch m.state.Registration {
	case telephony.StateRegistered:
		m.mu.Unlock()
		return nil
	case telephony.StateRegistering:
		m.mu.Unlock()
		m.markRegistered(gen)
		return nil
	}
	err := m.lastErr
	m.mu.Unlock()
	if err == nil {
		err = &RegistrationError{Err: errors.New("unregistered during initialize")}
	}
	return err
}

// Reinitialize destroys the current device, clears the guard and any error,
// and initializes again.
func (m *Manager) Reinitialize(ctx context.Context) (InitOutcome, error) {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		return InitInFlight, nil
	}
	old := m.device
	m.device = nil
	m.generation++
	m.lastErr = nil
	m.state = State{
		Registration: telephony.StateUnregistered,
		Identity:     m.state.Identity,
		Status:       StatusNotConnected,
	}
	m.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	logging.Infow("reinitializing device")
	return m.Initialize(ctx)
}

// Destroy tears the device down for an explicit logout.
func (m *Manager) Destroy() {
	m.mu.Lock()
	old := m.device
	m.device = nil
	m.generation++
	m.lastErr = nil
	m.state.Registration = telephony.StateDestroyed
	m.state.Ready = false
	m.state.IsDestroyed = false
	m.state.DeviceError = ""
	m.state.Status = StatusSignedOut
	snap := m.state
	m.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	m.changes.Emit(snap)
}

// ClearDeviceError dismisses the operator-facing error.
func (m *Manager) ClearDeviceError() {
	m.mu.Lock()
	m.state.DeviceError = ""
	m.lastErr = nil
	if !m.state.Ready && !m.state.IsDestroyed {
		m.state.Status = StatusNotConnected
	}
	snap := m.state
	m.mu.Unlock()
	m.changes.Emit(snap)
}

// Run polls device health until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// CheckHealth flags a device that was destroyed behind the manager's back.
func (m *Manager) CheckHealth() {
	m.mu.Lock()
	dev := m.device
	gen := m.generation
	already := m.state.IsDestroyed
	m.mu.Unlock()
	if dev == nil || already {
		return
	}
	if dev.State() != telephony.StateDestroyed {
		return
	}

	m.mu.Lock()
	if gen != m.generation || m.device != dev {
		m.mu.Unlock()
		return
	}
	m.state.IsDestroyed = true
	m.state.Ready = false
	m.state.Registration = telephony.StateDestroyed
	m.state.DeviceError = deviceErrDestroyed
	m.state.Status = StatusDestroyed
	m.lastErr = &DestroyedError{}
	snap := m.state
	m.mu.Unlock()

	logging.Warnw("device destroyed outside the endpoint manager", "identity", snap.Identity)
	m.changes.Emit(snap)
}

func (m *Manager) handlers(gen uint64) telephony.DeviceHandlers {
	return telephony.DeviceHandlers{
		OnRegistered:      func() { m.markRegistered(gen) },
		OnUnregistered:    func() { m.handleUnregistered(gen) },
		OnTokenWillExpire: func() { go m.refreshToken(gen) },
		OnError:           func(err error) { m.handleDeviceError(gen, err) },
		OnIncoming: func(call telephony.Call) {
			if !m.current(gen) {
				logging.Warnw("incoming call on a stale device ignored", "call.id", call.SID())
				_ = call.Reject()
				return
			}
			m.incoming.Emit(call)
		},
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Manager) markRegistered(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.state.Registration = telephony.StateRegistered
	m.state.Ready = true
	m.state.IsDestroyed = false
	m.state.DeviceError = ""
	m.state.Status = StatusReady
	m.state.LastRegisteredAt = m.now()
	m.lastErr = nil
	snap := m.state
	m.mu.Unlock()
	m.changes.Emit(snap)
}

func (m *Manager) handleUnregistered(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state.Registration == telephony.StateDestroyed {
		m.mu.Unlock()
		return
	}
	m.state.Registration = telephony.StateUnregistered
	m.state.Ready = false

	last := m.state.LastRegisteredAt
	elapsed := m.now().Sub(last)
	if !last.IsZero() && elapsed < m.cfg.ConflictGrace {
		m.lastErr = &RegistrationConflictError{Identity: m.state.Identity, Elapsed: elapsed}
		m.state.DeviceError = deviceErrConflict
		m.state.Status = StatusConflict
	} else {
		m.lastErr = &DisconnectError{Elapsed: elapsed}
		m.state.DeviceError = deviceErrDisconnected
		m.state.Status = StatusDisconnected
	}
	err := m.lastErr
	snap := m.state
	m.mu.Unlock()

	logging.Warnw("device unregistered", "identity", snap.Identity, "err", err)
	m.changes.Emit(snap)
}

func (m *Manager) handleDeviceError(gen uint64, err error) {
	if !m.current(gen) {
		return
	}
	logging.Warnw("device error", "err", err)

	m.mu.Lock()
	if m.state.Ready {
		// registered devices recover on their own; keep the UI quiet
		m.mu.Unlock()
		return
	}
	m.lastErr = &RegistrationError{Err: err}
	m.state.DeviceError = deviceErrRegistration
	snap := m.state
	m.mu.Unlock()
	m.changes.Emit(snap)
}

// refreshToken swaps in a fresh credential before the current one lapses so
// a call in progress is not dropped. Without a live device, or if the swap
// fails, it falls back to a full reinitialize.
func (m *Manager) refreshToken(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.Lock()
	if gen != m.generation || m.initializing {
		m.mu.Unlock()
		return
	}
	dev := m.device
	m.mu.Unlock()

	cred, err := m.tokens.VoiceToken(ctx)
	if err != nil {
		cerr := &CredentialError{Err: err}
		logging.Warnw("token refresh failed", "err", err)
		m.mu.Lock()
		if gen == m.generation {
			m.lastErr = cerr
			m.state.DeviceError = deviceErrCredential
		}
		snap := m.state
		m.mu.Unlock()
		m.changes.Emit(snap)
		return
	}

	if dev != nil && dev.State() != telephony.StateDestroyed {
		err := dev.UpdateToken(cred.Token)
		if err == nil {
			logging.Infow("access token refreshed", "identity", cred.Identity)
			return
		}
		logging.Warnw("token update rejected, reinitializing", "err", err)
	}
	if _, err := m.Reinitialize(ctx); err != nil {
		logging.Errorw("reinitialize after token expiry failed", "err", err)
	}
}

// fail records an initialize failure.
func (m *Manager) fail(err error, status, deviceErr string) {
	m.mu.Lock()
	m.lastErr = err
	m.state.Ready = false
	m.state.Registration = telephony.StateUnregistered
	m.state.Status = status
	m.state.DeviceError = deviceErr
	snap := m.state
	m.mu.Unlock()
	m.changes.Emit(snap)
}
