package transcription

import (
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
)

// RoleUpload labels items injected from a one-shot file transcription.
const RoleUpload telephony.ChannelRole = "upload"

// Item is one finalized, speaker-labeled transcript entry. Items are values;
// the log never hands out references into its own storage.
type Item struct {
	ID        string                `json:"id"`
	Role      telephony.ChannelRole `json:"role"`
	Text      string                `json:"text"`
	Timestamp time.Time             `json:"timestamp"`
	IsFinal   bool                  `json:"isFinal"`
}

// Speaker is the display label of the item's channel.
func (i Item) Speaker() string {
	switch i.Role {
	case telephony.RoleAgent:
		return "Agent"
	case telephony.RoleCaller:
		return "Caller"
	case RoleUpload:
		return "Recording"
	}
	return string(i.Role)
}

type EventKind string

const (
	EventAppended EventKind = "appended"
	EventCleared  EventKind = "cleared"
)

// Event is published for every change of the log.
type Event struct {
	Kind EventKind
	Item Item
	Len  int
}

// Log is the append-only transcript of record. Appends keep call order.
type Log struct {
	mu    sync.RWMutex
	items []Item
	subs  hooks.Registry[Event]
}

func NewLog() *Log {
	return &Log{}
}

// Append adds item at the end and notifies subscribers.
func (l *Log) Append(item Item) {
	l.mu.Lock()
	l.items = append(l.items, item)
	n := len(l.items)
	l.mu.Unlock()
	l.subs.Emit(Event{Kind: EventAppended, Item: item, Len: n})
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
	l.subs.Emit(Event{Kind: EventCleared})
}

// Items returns a copy of the log.
func (l *Log) Items() []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Text renders the log as "Speaker: text" lines.
func (l *Log) Text() string {
	return FormatItems(l.Items())
}

// Subscribe registers fn for log events. Subscribers run on the appending
// goroutine and must not call back into the transcription manager.
func (l *Log) Subscribe(fn func(Event)) func() {
	return l.subs.Subscribe(fn)
}

// FormatItems renders items as "Speaker: text" lines.
func FormatItems(items []Item) string {
	var b strings.Builder
	for _, it := range items {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(it.Speaker())
		b.WriteString(": ")
		b.WriteString(it.Text)
	}
	return b.String()
}
