// Package journal writes a JSONL event journal per call.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Writer appends one JSON line per event to a per-call file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
	now  func() time.Time
}

type record struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	CallID    string            `json:"call_id"`
	Channel   string            `json:"channel,omitempty"`
	ItemID    string            `json:"item_id,omitempty"`
	Text      string            `json:"text,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Open creates the journal under dir. The filename is the start time plus
// a short call id.
func Open(dir, callID string, started time.Time) (*Writer, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	shortID := callID
	if len(shortID) > 12 {
		shortID = shortID[:12]
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_call_%s.jsonl", started.Format("20060102_150405"), shortID))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{file: f, path: name, now: time.Now}, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

func (w *Writer) write(rec record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = w.now().Format(time.RFC3339Nano)
	}
	rec.Text = strings.TrimSpace(rec.Text)
	_ = json.NewEncoder(w.file).Encode(rec)
}

func (w *Writer) LogIncoming(callID, caller string, at time.Time) {
	w.write(record{Timestamp: at.Format(time.RFC3339Nano), Event: "incoming", CallID: callID, Details: map[string]string{"caller": caller}})
}

func (w *Writer) LogAccepted(callID string, at time.Time) {
	w.write(record{Timestamp: at.Format(time.RFC3339Nano), Event: "accepted", CallID: callID})
}

func (w *Writer) LogTranscriptionStatus(callID, status string) {
	w.write(record{Event: "transcription_status", CallID: callID, Details: map[string]string{"status": status}})
}

func (w *Writer) LogFinal(callID, channel, itemID, text string, at time.Time) {
	w.write(record{Timestamp: at.Format(time.RFC3339Nano), Event: "transcript_final", CallID: callID, Channel: channel, ItemID: itemID, Text: text})
}

func (w *Writer) LogDisconnected(callID, reason string, at time.Time) {
	w.write(record{Timestamp: at.Format(time.RFC3339Nano), Event: "disconnected", CallID: callID, Details: map[string]string{"reason": reason}})
}

func (w *Writer) LogUsage(callID, logID string, seconds, cost float64) {
	w.write(record{Event: "usage", CallID: callID, Details: map[string]string{
		"log_id":           logID,
		"duration_seconds": strconv.FormatFloat(seconds, 'f', 3, 64),
		"cost":             strconv.FormatFloat(cost, 'f', 6, 64),
	}})
}
