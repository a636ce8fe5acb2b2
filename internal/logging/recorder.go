package logging

import "sync"

// Entry is one captured log call.
type Entry struct {
	Level  string
	Msg    string
	Fields []interface{}
}

// Recorder is an in-memory Logger for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, Fields: kv})
}

func (r *Recorder) Infow(msg string, kv ...interface{})  { r.add("info", msg, kv) }
func (r *Recorder) Debugw(msg string, kv ...interface{}) { r.add("debug", msg, kv) }
func (r *Recorder) Warnw(msg string, kv ...interface{})  { r.add("warn", msg, kv) }
func (r *Recorder) Errorw(msg string, kv ...interface{}) { r.add("error", msg, kv) }
func (r *Recorder) Sync() error                          { return nil }

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Has reports whether a message was logged at the given level.
func (r *Recorder) Has(level, msg string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}
