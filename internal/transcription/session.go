package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/billboard-callassist/internal/audio"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
)

// InputSampleRate is the PCM rate the realtime service expects.
const InputSampleRate = 24000

// ErrSessionClosed is returned by Open when the session was closed while it
// was still negotiating.
var ErrSessionClosed = errors.New("session closed")

// ConnState of a channel session.
type ConnState string

const (
	ConnNegotiating ConnState = "negotiating"
	ConnOpen        ConnState = "open"
	ConnClosed      ConnState = "closed"
)

// VAD tunes server-side voice activity detection.
type VAD struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// SessionConfig is shared by every channel session.
type SessionConfig struct {
	URL          string
	Model        string
	Language     string
	VAD          VAD
	SendInterval time.Duration
	DialTimeout  time.Duration
}

// SessionNegotiationError means one channel's session did not open. The
// call continues on the remaining channels.
type SessionNegotiationError struct {
	Role telephony.ChannelRole
	Err  error
}

func (e *SessionNegotiationError) Error() string {
	return fmt.Sprintf("%s channel negotiation: %v", e.Role, e.Err)
}

func (e *SessionNegotiationError) Unwrap() error { return e.Err }

// ProviderError is an error event sent by the transcription service.
type ProviderError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Fatal reports whether the provider ends the session with this error.
func (e *ProviderError) Fatal() bool {
	return e.Code == "session_expired" || e.Type == "server_error"
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat         string             `json:"input_audio_format"`
	InputAudioTranscription  transcriptionModel `json:"input_audio_transcription"`
	TurnDetection            turnDetection      `json:"turn_detection"`
	InputAudioNoiseReduction *noiseReduction    `json:"input_audio_noise_reduction,omitempty"`
}

type transcriptionModel struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type serverEvent struct {
	Type       string         `json:"type"`
	ItemID     string         `json:"item_id"`
	Delta      string         `json:"delta"`
	Transcript string         `json:"transcript"`
	Error      *ProviderError `json:"error"`
}

// sessionHandlers receive one session's normalized events.
type sessionHandlers struct {
	delta     func(s *ChannelSession, itemID, text string)
	completed func(s *ChannelSession, itemID, text string)
	failed    func(s *ChannelSession, err error)
	closed    func(s *ChannelSession, err error)
}

// ChannelSession transcribes one party's audio over its own realtime
// connection. The same type serves the agent and the caller.
type ChannelSession struct {
	role     telephony.ChannelRole
	cfg      SessionConfig
	dialer   *websocket.Dialer
	handlers sessionHandlers
	metrics  *ChannelMetrics

	mu     sync.Mutex
	state  ConnState
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex

	bufferMu sync.Mutex
	buffer   []byte

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newChannelSession(role telephony.ChannelRole, cfg SessionConfig, dialer *websocket.Dialer, h sessionHandlers, m *ChannelMetrics) *ChannelSession {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 50 * time.Millisecond
	}
	return &ChannelSession{
		role:     role,
		cfg:      cfg,
		dialer:   dialer,
		handlers: h,
		metrics:  m,
		state:    ConnNegotiating,
		buffer:   make([]byte, 0, audio.BytesFor(100*time.Millisecond, InputSampleRate)),
		stop:     make(chan struct{}),
	}
}

func (s *ChannelSession) Role() telephony.ChannelRole { return s.role }

func (s *ChannelSession) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open dials the service with key, configures the session and starts
// streaming track. A session closed before Open finishes is torn down and
// ErrSessionClosed is returned.
func (s *ChannelSession) Open(ctx context.Context, key string, track telephony.AudioTrack) error {
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+key)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial realtime service: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial realtime service: %w", err)
	}

	update := sessionUpdate{
		Type: "transcription_session.update",
		Session: sessionParams{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionModel{
				Model:    s.cfg.Model,
				Language: s.cfg.Language,
			},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         s.cfg.VAD.Threshold,
				PrefixPaddingMs:   s.cfg.VAD.PrefixPaddingMs,
				SilenceDurationMs: s.cfg.VAD.SilenceDurationMs,
			},
			InputAudioNoiseReduction: &noiseReduction{Type: "near_field"},
		},
	}
	if err := conn.WriteJSON(update); err != nil {
		conn.Close()
		return fmt.Errorf("configure session: %w", err)
	}

	s.mu.Lock()
	if s.closed || ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.state = ConnOpen
	s.mu.Unlock()

	s.wg.Add(3)
	go s.readLoop(conn)
	go s.pump(track)
	go s.audioSender(conn)
	return nil
}

// Close tears the session down. Safe at any point and more than once.
func (s *ChannelSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state = ConnClosed
		conn := s.conn
		s.mu.Unlock()

		close(s.stop)
		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
		}
		s.wg.Wait()
		s.metrics.Finalize()
	})
}

func (s *ChannelSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// pump feeds track frames into the send buffer at the service's rate.
func (s *ChannelSession) pump(track telephony.AudioTrack) {
	defer s.wg.Done()
	rate := track.SampleRate()
	for {
		select {
		case <-s.stop:
			return
		case frame, ok := <-track.Frames():
			if !ok {
				return
			}
			s.metrics.AddAudioBytes(len(frame))
			pcm, err := audio.Upsample(frame, rate, InputSampleRate)
			if err != nil {
				logging.Warnw("dropping frame", "channel", string(s.role), "err", err)
				continue
			}
			s.bufferMu.Lock()
			s.buffer = append(s.buffer, pcm...)
			s.bufferMu.Unlock()
		}
	}
}

func (s *ChannelSession) audioSender(conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sendBufferedAudio(conn)
		case <-s.stop:
			return
		}
	}
}

func (s *ChannelSession) sendBufferedAudio(conn *websocket.Conn) {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return
	}
	chunk := base64.StdEncoding.EncodeToString(s.buffer)
	s.buffer = s.buffer[:0]
	s.bufferMu.Unlock()

	s.writeMu.Lock()
	err := conn.WriteJSON(audioAppend{Type: "input_audio_buffer.append", Audio: chunk})
	s.writeMu.Unlock()
	if err != nil && !s.isClosed() {
		logging.Warnw("failed to send audio", "channel", string(s.role), "err", err)
	}
}

func (s *ChannelSession) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warnw("realtime connection lost", "channel", string(s.role), "err", err)
			}
			s.markClosed()
			s.handlers.closed(s, err)
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logging.Warnw("unparseable realtime event", "channel", string(s.role), "err", err)
			continue
		}

		switch ev.Type {
		case "conversation.item.input_audio_transcription.delta":
			s.metrics.AddResult(ev.Delta, false)
			s.handlers.delta(s, ev.ItemID, ev.Delta)
		case "conversation.item.input_audio_transcription.completed":
			s.metrics.AddResult(ev.Transcript, true)
			s.handlers.completed(s, ev.ItemID, ev.Transcript)
		case "error":
			perr := ev.Error
			if perr == nil {
				perr = &ProviderError{Type: "unknown", Message: string(data)}
			}
			s.metrics.AddError()
			if perr.Fatal() {
				s.markClosed()
				s.handlers.closed(s, perr)
				conn.Close()
				return
			}
			s.handlers.failed(s, perr)
		default:
			logging.Debugw("realtime event ignored", "channel", string(s.role), "type", ev.Type)
		}
	}
}

// markClosed records that the provider ended the session; Close still has
// to run to stop the pump and sender.
func (s *ChannelSession) markClosed() {
	s.mu.Lock()
	s.state = ConnClosed
	s.mu.Unlock()
}
