package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/gorilla/websocket"
)

// signalMessage is the JSON envelope exchanged with the signaling gateway.
type signalMessage struct {
	Type     string            `json:"type"`
	Token    string            `json:"token,omitempty"`
	Identity string            `json:"identity,omitempty"`
	CallSID  string            `json:"callSid,omitempty"`
	From     string            `json:"from,omitempty"`
	To       string            `json:"to,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Legs     map[string]string `json:"legs,omitempty"`
	Message  string            `json:"message,omitempty"`
	Code     int               `json:"code,omitempty"`
}

// SignalingDevice is a Device speaking a small JSON protocol over a
// websocket to the telephony gateway. Audio legs are resolved through a
// TrackSource keyed by the leg ids carried in the incoming message.
type SignalingDevice struct {
	url      string
	identity string
	handlers DeviceHandlers
	tracks   TrackSource

	mu       sync.Mutex
	token    string
	state    RegistrationState
	conn     *websocket.Conn
	calls    map[string]*signalingCall
	waiter   chan error
	writeMu  sync.Mutex
	closed   atomic.Bool
	readDone chan struct{}
}

// NewSignalingFactory returns a DeviceFactory producing SignalingDevices
// for url, resolving call audio from tracks.
func NewSignalingFactory(url string, tracks TrackSource) DeviceFactory {
	return func(token, identity string, h DeviceHandlers) (Device, error) {
		return NewSignalingDevice(url, token, identity, h, tracks)
	}
}

// NewSignalingDevice constructs an unregistered device.
func NewSignalingDevice(url, token, identity string, h DeviceHandlers, tracks TrackSource) (*SignalingDevice, error) {
	if url == "" {
		return nil, fmt.Errorf("signaling url is required")
	}
	if token == "" || identity == "" {
		return nil, fmt.Errorf("token and identity are required")
	}
	return &SignalingDevice{
		url:      url,
		identity: identity,
		token:    token,
		handlers: h,
		tracks:   tracks,
		state:    StateUnregistered,
		calls:    make(map[string]*signalingCall),
	}, nil
}

// State returns the current registration state.
func (d *SignalingDevice) State() RegistrationState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Register connects if needed and waits for the gateway's acknowledgement.
func (d *SignalingDevice) Register(ctx context.Context) error {
	if d.closed.Load() {
		return ErrDeviceDestroyed
	}
	if err := d.connect(ctx); err != nil {
		return err
	}

	waiter := make(chan error, 1)
	d.mu.Lock()
	d.state = StateRegistering
	d.waiter = waiter
	token := d.token
	d.mu.Unlock()

	if err := d.send(signalMessage{Type: "register", Token: token, Identity: d.identity}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		d.mu.Lock()
		if d.waiter == waiter {
			d.waiter = nil
		}
		d.mu.Unlock()
		return ctx.Err()
	}
}

// Unregister asks the gateway to stop delivering calls.
func (d *SignalingDevice) Unregister(ctx context.Context) error {
	if d.closed.Load() {
		return ErrDeviceDestroyed
	}
	return d.send(signalMessage{Type: "unregister"})
}

// UpdateToken swaps the credential on the live connection.
func (d *SignalingDevice) UpdateToken(token string) error {
	if d.closed.Load() {
		return ErrDeviceDestroyed
	}
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
	return d.send(signalMessage{Type: "updateToken", Token: token})
}

// Destroy closes the connection; the device cannot be reused.
func (d *SignalingDevice) Destroy() {
	if d.closed.Swap(true) {
		return
	}
	d.mu.Lock()
	d.state = StateDestroyed
	conn := d.conn
	d.conn = nil
	waiter := d.waiter
	d.waiter = nil
	d.mu.Unlock()

	if waiter != nil {
		waiter <- ErrDeviceDestroyed
	}
	if conn != nil {
		d.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		d.writeMu.Unlock()
		_ = conn.Close()
	}
}

func (d *SignalingDevice) connect(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.currentToken())
	conn, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("signaling connect: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("signaling connect: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.readDone = make(chan struct{})
	done := d.readDone
	d.mu.Unlock()

	go d.readLoop(conn, done)
	return nil
}

func (d *SignalingDevice) currentToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *SignalingDevice) send(msg signalMessage) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling not connected")
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (d *SignalingDevice) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if d.closed.Load() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warnw("signaling read failed", "err", err)
			}
			d.connectionLost(conn)
			return
		}

		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warnw("failed to parse signaling message", "err", err)
			continue
		}
		d.dispatch(msg)
	}
}

// connectionLost treats a dropped socket like an unregistration so the
// endpoint manager can classify it.
func (d *SignalingDevice) connectionLost(conn *websocket.Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	wasRegistered := d.state == StateRegistered
	if d.state != StateDestroyed {
		d.state = StateUnregistered
	}
	waiter := d.waiter
	d.waiter = nil
	calls := d.calls
	d.calls = make(map[string]*signalingCall)
	d.mu.Unlock()

	if waiter != nil {
		waiter <- fmt.Errorf("signaling connection lost")
	}
	for _, c := range calls {
		c.fireDisconnect()
	}
	if wasRegistered && d.handlers.OnUnregistered != nil {
		d.handlers.OnUnregistered()
	}
}

func (d *SignalingDevice) dispatch(msg signalMessage) {
	switch msg.Type {
	case "registered":
		d.mu.Lock()
		d.state = StateRegistered
		waiter := d.waiter
		d.waiter = nil
		d.mu.Unlock()
		if waiter != nil {
			waiter <- nil
		}
		if d.handlers.OnRegistered != nil {
			d.handlers.OnRegistered()
		}

	case "unregistered":
		d.mu.Lock()
		if d.state != StateDestroyed {
			d.state = StateUnregistered
		}
		d.mu.Unlock()
		if d.handlers.OnUnregistered != nil {
			d.handlers.OnUnregistered()
		}

	case "tokenWillExpire":
		if d.handlers.OnTokenWillExpire != nil {
			d.handlers.OnTokenWillExpire()
		}

	case "destroyed":
		// no handler: the provider does not reliably push this, the
		// endpoint manager's health check picks it up from State()
		d.mu.Lock()
		d.state = StateDestroyed
		d.mu.Unlock()

	case "incoming":
		call := &signalingCall{
			device: d,
			sid:    msg.CallSID,
			from:   msg.From,
			params: msg.Params,
			legs:   msg.Legs,
		}
		d.mu.Lock()
		d.calls[msg.CallSID] = call
		d.mu.Unlock()
		if d.handlers.OnIncoming != nil {
			d.handlers.OnIncoming(call)
		}

	case "accepted", "disconnect", "cancel":
		call := d.lookup(msg.CallSID, msg.Type != "accepted")
		if call == nil {
			logging.Debugw("signaling event for unknown call", "type", msg.Type, "call.id", msg.CallSID)
			return
		}
		switch msg.Type {
		case "accepted":
			call.fireAccept()
		case "disconnect":
			call.fireDisconnect()
		case "cancel":
			call.fireCancel()
		}

	case "error":
		err := fmt.Errorf("signaling error %d: %s", msg.Code, msg.Message)
		if msg.CallSID != "" {
			if call := d.lookup(msg.CallSID, true); call != nil {
				call.fireError(err)
				return
			}
		}
		d.mu.Lock()
		waiter := d.waiter
		d.waiter = nil
		d.mu.Unlock()
		if waiter != nil {
			waiter <- err
		}
		if d.handlers.OnError != nil {
			d.handlers.OnError(err)
		}

	default:
		logging.Debugw("ignoring signaling message", "type", msg.Type)
	}
}

func (d *SignalingDevice) lookup(sid string, remove bool) *signalingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := d.calls[sid]
	if remove {
		delete(d.calls, sid)
	}
	return call
}

// signalingCall is a Call delivered by a SignalingDevice.
type signalingCall struct {
	device *SignalingDevice
	sid    string
	from   string
	params map[string]string
	legs   map[string]string

	mu       sync.Mutex
	handlers CallHandlers
}

func (c *signalingCall) SID() string  { return c.sid }
func (c *signalingCall) From() string { return c.from }

func (c *signalingCall) CustomParameters() map[string]string {
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

func (c *signalingCall) Accept() error {
	return c.device.send(signalMessage{Type: "accept", CallSID: c.sid})
}

func (c *signalingCall) Reject() error {
	c.device.lookup(c.sid, true)
	return c.device.send(signalMessage{Type: "reject", CallSID: c.sid})
}

func (c *signalingCall) Disconnect() error {
	c.device.lookup(c.sid, true)
	return c.device.send(signalMessage{Type: "hangup", CallSID: c.sid})
}

func (c *signalingCall) Track(role ChannelRole) (AudioTrack, bool) {
	if c.device.tracks == nil {
		return nil, false
	}
	id, ok := c.legs[string(role)]
	if !ok || id == "" {
		return nil, false
	}
	return c.device.tracks.Track(id)
}

func (c *signalingCall) Handle(h CallHandlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *signalingCall) current() CallHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *signalingCall) fireAccept() {
	if h := c.current(); h.OnAccept != nil {
		h.OnAccept()
	}
}

func (c *signalingCall) fireDisconnect() {
	if h := c.current(); h.OnDisconnect != nil {
		h.OnDisconnect()
	}
}

func (c *signalingCall) fireCancel() {
	if h := c.current(); h.OnCancel != nil {
		h.OnCancel()
	}
}

func (c *signalingCall) fireError(err error) {
	if h := c.current(); h.OnError != nil {
		h.OnError(err)
	}
}

var _ Device = (*SignalingDevice)(nil)
var _ Call = (*signalingCall)(nil)

// IsDestroyed reports whether err came from a destroyed device.
func IsDestroyed(err error) bool { return errors.Is(err, ErrDeviceDestroyed) }
