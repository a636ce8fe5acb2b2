package transcription

import (
	"sync"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/audio"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
)

// ChannelMetrics counts what one channel session did.
type ChannelMetrics struct {
	Role           telephony.ChannelRole
	CallID         string
	SampleRate     int
	StartTime      time.Time
	EndTime        time.Time
	AudioBytes     int
	TextLength     int
	DeltaCount     int
	CompletedCount int
	ErrorCount     int
	FirstResult    *time.Time

	mu  sync.Mutex
	now func() time.Time
}

func newChannelMetrics(role telephony.ChannelRole, callID string, sampleRate int, now func() time.Time) *ChannelMetrics {
	return &ChannelMetrics{
		Role:       role,
		CallID:     callID,
		SampleRate: sampleRate,
		StartTime:  now(),
		now:        now,
	}
}

func (m *ChannelMetrics) AddAudioBytes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += n
}

func (m *ChannelMetrics) AddResult(text string, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResult == nil {
		t := m.now()
		m.FirstResult = &t
	}
	m.TextLength += len(text)
	if final {
		m.CompletedCount++
	} else {
		m.DeltaCount++
	}
}

func (m *ChannelMetrics) AddError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCount++
}

func (m *ChannelMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EndTime.IsZero() {
		m.EndTime = m.now()
	}
}

// Fields returns the metrics as structured log fields.
func (m *ChannelMetrics) Fields() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latency time.Duration
	if m.FirstResult != nil {
		latency = m.FirstResult.Sub(m.StartTime)
	}
	return []interface{}{
		"call.id", m.CallID,
		"channel", string(m.Role),
		"duration", m.EndTime.Sub(m.StartTime),
		"audio_duration", audio.Duration(m.AudioBytes, m.SampleRate),
		"audio_bytes", m.AudioBytes,
		"text_length", m.TextLength,
		"first_result_latency", latency,
		"deltas", m.DeltaCount,
		"completed", m.CompletedCount,
		"errors", m.ErrorCount,
	}
}
