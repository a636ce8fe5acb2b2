// Package audiobridge receives per-leg call audio from Asterisk over
// AudioSocket and exposes every live leg as a telephony.AudioTrack.
package audiobridge

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
	"github.com/google/uuid"
)

// frameBuffer holds ~2s of 20ms slin frames per leg.
const frameBuffer = 100

type Config struct {
	Host       string
	Port       int
	SampleRate int
}

// Server accepts AudioSocket connections; one connection is one call leg.
type Server struct {
	config   Config
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	tracks map[string]*Track
}

func New(config Config) *Server {
	if config.SampleRate == 0 {
		config.SampleRate = 8000
	}
	return &Server{
		config:   config,
		shutdown: make(chan struct{}),
		tracks:   make(map[string]*Track),
	}
}

// Start listens and serves until Stop. It returns nil after Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts legs on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	logging.Infow("audiosocket bridge listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				logging.Warnw("audiosocket accept error", "err", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and waits for all legs to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.mu.RLock()
		l := s.listener
		s.mu.RUnlock()
		if l != nil {
			l.Close()
		}
	})
	s.wg.Wait()
}

// Track implements telephony.TrackSource.
func (s *Server) Track(id string) (telephony.AudioTrack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[id]
	if !ok {
		return nil, false
	}
	return t, true
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		logging.Warnw("failed to read audiosocket id", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}

	track := newTrack(id, s.config.SampleRate)
	s.register(track)
	defer s.unregister(track)

	logging.Infow("audio leg connected", "leg", id.String(), "remote", conn.RemoteAddr().String())

	// unblock NextMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			conn.Close()
		case <-done:
		}
	}()

	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if err != io.EOF {
				logging.Debugw("audio leg read ended", "leg", id.String(), "err", err)
			}
			break
		}
		if !s.handleMessage(track, msg) {
			break
		}
	}

	logging.Infow("audio leg closed", "leg", id.String(), "bytes", track.Bytes(), "dropped_frames", track.Dropped())
}

// handleMessage returns false when the leg should end.
func (s *Server) handleMessage(track *Track, msg audiosocket.Message) bool {
	switch msg.Kind() {
	case audiosocket.KindSlin:
		if payload := msg.Payload(); len(payload) > 0 {
			track.push(payload)
		}
	case audiosocket.KindDTMF:
		if p := msg.Payload(); len(p) > 0 {
			logging.Debugw("dtmf on leg", "leg", track.ID(), "digit", string(p[0]))
		}
	case audiosocket.KindHangup:
		logging.Infow("hangup on leg", "leg", track.ID())
		return false
	case audiosocket.KindError:
		logging.Warnw("audiosocket error on leg", "leg", track.ID(), "code", msg.ErrorCode())
		return false
	}
	return true
}

func (s *Server) register(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tracks[t.ID()]; ok {
		old.close()
	}
	s.tracks[t.ID()] = t
}

func (s *Server) unregister(t *Track) {
	s.mu.Lock()
	if cur, ok := s.tracks[t.ID()]; ok && cur == t {
		delete(s.tracks, t.ID())
	}
	s.mu.Unlock()
	t.close()
}

var _ telephony.TrackSource = (*Server)(nil)

// Track is one live AudioSocket leg.
type Track struct {
	id         uuid.UUID
	sampleRate int
	frames     chan []byte

	mu      sync.Mutex
	closed  bool
	bytes   int
	dropped int
}

func newTrack(id uuid.UUID, sampleRate int) *Track {
	return &Track{id: id, sampleRate: sampleRate, frames: make(chan []byte, frameBuffer)}
}

func (t *Track) ID() string            { return t.id.String() }
func (t *Track) SampleRate() int       { return t.sampleRate }
func (t *Track) Frames() <-chan []byte { return t.frames }

// push never blocks the socket reader; a slow consumer loses frames.
func (t *Track) push(p []byte) {
	frame := make([]byte, len(p))
	copy(frame, p)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.frames <- frame:
		t.bytes += len(frame)
	default:
		t.dropped++
	}
}

func (t *Track) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.frames)
}

func (t *Track) Bytes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *Track) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
