// Package lead feeds the call transcript to the lead-extraction
// collaborator and keeps the latest extracted lead for the operator form.
package lead

import (
	"context"
	"sync"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
)

// Lead is the structured data pulled from a sales call.
type Lead struct {
	Name      string `json:"name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Location  string `json:"location"`
	BoardType string `json:"boardType"`
	Budget    string `json:"budget"`
	Duration  string `json:"duration"`
	Notes     string `json:"notes"`
}

// Fields returns the non-empty fields keyed by their JSON names.
func (l Lead) Fields() map[string]string {
	all := map[string]string{
		"name":      l.Name,
		"company":   l.Company,
		"phone":     l.Phone,
		"email":     l.Email,
		"location":  l.Location,
		"boardType": l.BoardType,
		"budget":    l.Budget,
		"duration":  l.Duration,
		"notes":     l.Notes,
	}
	for k, v := range all {
		if v == "" {
			delete(all, k)
		}
	}
	return all
}

// Request is one extraction request.
type Request struct {
	CallID     string
	Caller     string
	Transcript string
	Final      bool
	Cues       []string
}

// Result is an extraction outcome for a call.
type Result struct {
	CallID string    `json:"callId"`
	Final  bool      `json:"final"`
	Lead   Lead      `json:"lead"`
	At     time.Time `json:"at"`
}

// Extractor is the lead-extraction collaborator.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Lead, error)
}

// Notifier decides when the transcript changed enough to re-extract, and
// sends exactly one final request per call.
type Notifier struct {
	extractor Extractor
	cues      *CueMatcher
	everyN    int
	timeout   time.Duration

	mu        sync.Mutex
	log       *transcription.Log
	callID    string
	caller    string
	sinceLast int
	finalized map[string]bool
	queue     []Request
	latest    Result
	hasLatest bool
	wake      chan struct{}
	results   hooks.Registry[Result]
}

// NewNotifier builds a notifier. cues may be nil; everyN <= 0 disables the
// periodic trigger.
func NewNotifier(extractor Extractor, cues *CueMatcher, everyN int) *Notifier {
	return &Notifier{
		extractor: extractor,
		cues:      cues,
		everyN:    everyN,
		timeout:   30 * time.Second,
		finalized: make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

func (n *Notifier) OnResult(fn func(Result)) func() { return n.results.Subscribe(fn) }

// Latest returns the most recent extraction.
func (n *Notifier) Latest() (Result, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest, n.hasLatest
}

// Attach follows log until the returned func is called.
func (n *Notifier) Attach(log *transcription.Log) func() {
	n.mu.Lock()
	n.log = log
	n.mu.Unlock()
	return log.Subscribe(n.handle)
}

// BeginCall scopes subsequent requests to callID.
func (n *Notifier) BeginCall(callID, caller string) {
	n.mu.Lock()
	n.callID = callID
	n.caller = caller
	n.sinceLast = 0
	n.mu.Unlock()
}

func (n *Notifier) handle(ev transcription.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ev.Kind == transcription.EventCleared {
		n.sinceLast = 0
		return
	}
	if n.log == nil {
		return
	}

	n.sinceLast++
	var cues []string
	if n.cues != nil {
		cues = n.cues.Match(ev.Item.Text)
	}
	periodic := n.everyN > 0 && n.sinceLast >= n.everyN
	if len(cues) == 0 && !periodic {
		return
	}
	n.sinceLast = 0
	n.enqueueLocked(Request{
		CallID:     n.callID,
		Caller:     n.caller,
		Transcript: n.log.Text(),
		Cues:       cues,
	})
}

// Final queues the single final request of callID. Later calls for the
// same call are ignored.
func (n *Notifier) Final(callID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if callID == "" || n.finalized[callID] || n.log == nil {
		return false
	}
	n.finalized[callID] = true
	caller := n.caller
	if callID != n.callID {
		caller = ""
	}
	n.enqueueLocked(Request{
		CallID:     callID,
		Caller:     caller,
		Transcript: n.log.Text(),
		Final:      true,
	})
	return true
}

// Reset forgets the latest lead for a new form.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.latest = Result{}
	n.hasLatest = false
	n.mu.Unlock()
}

// enqueueLocked coalesces pending interim requests of the same call; final
// requests are never dropped.
func (n *Notifier) enqueueLocked(req Request) {
	if !req.Final {
		for i := len(n.queue) - 1; i >= 0; i-- {
			q := n.queue[i]
			if !q.Final && q.CallID == req.CallID {
				n.queue[i] = req
				n.signal()
				return
			}
		}
	}
	n.queue = append(n.queue, req)
	n.signal()
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) next() (Request, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return Request{}, false
	}
	req := n.queue[0]
	n.queue = n.queue[1:]
	return req, true
}

// Run processes requests until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		for {
			req, ok := n.next()
			if !ok {
				break
			}
			n.process(ctx, req)
		}
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}
	}
}

func (n *Notifier) process(ctx context.Context, req Request) {
	if req.Transcript == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	lead, err := n.extractor.Extract(cctx, req)
	if err != nil {
		logging.Warnw("lead extraction failed", "call.id", req.CallID, "final", req.Final, "err", err)
		return
	}
	if lead.Phone == "" {
		lead.Phone = req.Caller
	}
	res := Result{CallID: req.CallID, Final: req.Final, Lead: lead, At: time.Now()}

	n.mu.Lock()
	n.latest = res
	n.hasLatest = true
	n.mu.Unlock()

	logging.Infow("lead extracted", "call.id", req.CallID, "final", req.Final, "cues", req.Cues)
	n.results.Emit(res)
}
