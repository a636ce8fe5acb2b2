package assist

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/call"
	"github.com/amanullahtanweer/billboard-callassist/internal/endpoint"
	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/lead"
	"github.com/amanullahtanweer/billboard-callassist/internal/store"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
	"github.com/amanullahtanweer/billboard-callassist/internal/usage"
)

type fakeEndpoint struct {
	mu        sync.Mutex
	ready     bool
	destroyed bool
	inits     int
	cleared   int

	incoming hooks.Registry[telephony.Call]
	changes  hooks.Registry[endpoint.State]
}

func (e *fakeEndpoint) Initialize(ctx context.Context) (endpoint.InitOutcome, error) {
	e.mu.Lock()
	e.inits++
	e.ready = true
	e.destroyed = false
	e.mu.Unlock()
	e.changes.Emit(e.State())
	return endpoint.InitRegistered, nil
}

func (e *fakeEndpoint) Reinitialize(ctx context.Context) (endpoint.InitOutcome, error) {
	return e.Initialize(ctx)
}

func (e *fakeEndpoint) Destroy() {
	e.mu.Lock()
	e.ready = false
	e.destroyed = true
	e.mu.Unlock()
}

func (e *fakeEndpoint) ClearDeviceError() {
	e.mu.Lock()
	e.cleared++
	e.mu.Unlock()
}

func (e *fakeEndpoint) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *fakeEndpoint) State() endpoint.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := endpoint.State{Ready: e.ready, Status: endpoint.StatusNotConnected}
	switch {
	case e.destroyed:
		st.Status = endpoint.StatusSignedOut
	case e.ready:
		st.Status = endpoint.StatusReady
	}
	return st
}

func (e *fakeEndpoint) OnIncoming(fn func(telephony.Call)) func() { return e.incoming.Subscribe(fn) }

func (e *fakeEndpoint) OnStateChange(fn func(endpoint.State)) func() { return e.changes.Subscribe(fn) }

type fakeCall struct {
	sid    string
	from   string
	params map[string]string

	mu          sync.Mutex
	h           telephony.CallHandlers
	accepts     int
	rejects     int
	disconnects int
}

func (c *fakeCall) SID() string                         { return c.sid }
func (c *fakeCall) From() string                        { return c.from }
func (c *fakeCall) CustomParameters() map[string]string { return c.params }

func (c *fakeCall) Track(role telephony.ChannelRole) (telephony.AudioTrack, bool) { return nil, false }

func (c *fakeCall) Accept() error {
	c.mu.Lock()
	c.accepts++
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Reject() error {
	c.mu.Lock()
	c.rejects++
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Handle(h telephony.CallHandlers) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

// confirm plays the provider's accept confirmation.
func (c *fakeCall) confirm() {
	c.mu.Lock()
	h := c.h
	c.mu.Unlock()
	h.OnAccept()
}

func (c *fakeCall) remoteHangup() {
	c.mu.Lock()
	h := c.h
	c.mu.Unlock()
	h.OnDisconnect()
}

type fakeTranscriber struct {
	mu      sync.Mutex
	log     *transcription.Log
	status  transcription.Status
	interim transcription.Interim
	starts  int
	stops   int
	rec     usage.Record
	started chan string

	statusHooks  hooks.Registry[transcription.Status]
	interimHooks hooks.Registry[transcription.Interim]
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{log: transcription.NewLog(), started: make(chan string, 4)}
}

func (f *fakeTranscriber) Start(ctx context.Context, c telephony.Call) transcription.Status {
	f.log.Clear()
	f.mu.Lock()
	f.starts++
	f.status = transcription.StatusTranscribing
	f.mu.Unlock()
	f.statusHooks.Emit(transcription.StatusTranscribing)
	f.started <- c.SID()
	return transcription.StatusTranscribing
}

func (f *fakeTranscriber) Stop(ctx context.Context) usage.Record {
	f.mu.Lock()
	f.stops++
	f.status = transcription.StatusStopped
	rec := f.rec
	f.rec = usage.Record{}
	f.mu.Unlock()
	return rec
}

func (f *fakeTranscriber) Status() transcription.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTranscriber) Interim() transcription.Interim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interim
}

func (f *fakeTranscriber) Log() *transcription.Log { return f.log }

func (f *fakeTranscriber) AddTranscript(item transcription.Item) transcription.Item {
	if item.ID == "" {
		item.ID = "manual"
	}
	item.IsFinal = true
	f.log.Append(item)
	return item
}

func (f *fakeTranscriber) ClearTranscripts() { f.log.Clear() }

func (f *fakeTranscriber) OnStatus(fn func(transcription.Status)) func() {
	return f.statusHooks.Subscribe(fn)
}

func (f *fakeTranscriber) OnInterim(fn func(transcription.Interim)) func() {
	return f.interimHooks.Subscribe(fn)
}

func (f *fakeTranscriber) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeArchive struct {
	mu   sync.Mutex
	recs []store.CallRecord
	err  error
}

func (a *fakeArchive) Archive(ctx context.Context, rec store.CallRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return a.err
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, req lead.Request) (lead.Lead, error) {
	return lead.Lead{Name: "Dana", Location: "Route 9"}, nil
}

type fakeUpload struct {
	text string
	err  error
}

func (u fakeUpload) Transcribe(ctx context.Context, name string, r io.Reader) (string, error) {
	return u.text, u.err
}

type harness struct {
	ep      *fakeEndpoint
	calls   *call.Controller
	tr      *fakeTranscriber
	archive *fakeArchive
	leads   *lead.Notifier
	svc     *Service
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ep:      &fakeEndpoint{},
		calls:   call.NewController(call.Config{}),
		tr:      newFakeTranscriber(),
		archive: &fakeArchive{},
		leads:   lead.NewNotifier(fakeExtractor{}, nil, 0),
		dir:     t.TempDir(),
	}
	h.svc = New(Deps{
		Endpoint:    h.ep,
		Calls:       h.calls,
		Transcriber: h.tr,
		Leads:       h.leads,
		Archive:     h.archive,
		Upload:      fakeUpload{text: "We want a digital board."},
		JournalDir:  h.dir,
	})
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) ring(t *testing.T) *fakeCall {
	t.Helper()
	c := &fakeCall{
		sid:    "CA100",
		from:   "client:bridge",
		params: map[string]string{"originalCaller": "+15551234567"},
	}
	h.ep.incoming.Emit(c)
	return c
}

func waitStarted(t *testing.T, tr *fakeTranscriber) string {
	t.Helper()
	select {
	case sid := <-tr.started:
		return sid
	case <-time.After(2 * time.Second):
		t.Fatal("transcription never started")
	}
	return ""
}

func TestAcceptRequiresRegistration(t *testing.T) {
	h := newHarness(t)
	c := h.ring(t)

	if err := h.svc.AcceptCall(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("AcceptCall before registration = %v", err)
	}
	if c.accepts != 0 {
		t.Fatal("provider accept invoked without registration")
	}

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.svc.AcceptCall(); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if c.accepts != 1 {
		t.Errorf("accepts = %d", c.accepts)
	}
}

func TestCallFlowEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.leads.Run(ctx)

	finals := make(chan lead.Result, 4)
	h.leads.OnResult(func(r lead.Result) {
		if r.Final {
			finals <- r
		}
	})

	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := h.ring(t)

	st := h.svc.State()
	if !st.IncomingCall || st.Status != "Incoming call from +15551234567" {
		t.Fatalf("state = %+v", st)
	}
	if st.OriginalCallerNumber != "+15551234567" {
		t.Errorf("original caller = %q", st.OriginalCallerNumber)
	}

	if err := h.svc.AcceptCall(); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	c.confirm()
	if sid := waitStarted(t, h.tr); sid != "CA100" {
		t.Errorf("started for %s", sid)
	}

	st = h.svc.State()
	if !st.CallActive || st.Status != string(transcription.StatusTranscribing) {
		t.Errorf("active state = %+v", st)
	}

	h.tr.log.Append(transcription.Item{ID: "i1", Role: telephony.RoleCaller, Text: "This is Dana on Route 9", IsFinal: true})
	h.tr.mu.Lock()
	h.tr.rec = usage.Record{SessionID: "u1", LogID: "sess_1", DurationSeconds: 42.3}
	h.tr.mu.Unlock()

	c.remoteHangup()

	st = h.svc.State()
	if st.CallActive || st.IncomingCall {
		t.Errorf("call still shown after hangup: %+v", st)
	}
	if st.OriginalCallerNumber != "+15551234567" {
		t.Errorf("caller number not retained after hangup: %q", st.OriginalCallerNumber)
	}
	if st.Status != endpoint.StatusReady {
		t.Errorf("status = %q", st.Status)
	}
	if _, stops := h.tr.counts(); stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}

	h.archive.mu.Lock()
	recs := h.archive.recs
	h.archive.mu.Unlock()
	if len(recs) != 1 {
		t.Fatalf("archived %d records", len(recs))
	}
	rec := recs[0]
	if rec.CallID != "CA100" || rec.Caller != "+15551234567" || rec.Reason != "disconnect" {
		t.Errorf("record = %+v", rec)
	}
	if rec.DurationSeconds != 42.3 || len(rec.Transcript) != 1 || rec.Transcript[0].Speaker != "Caller" {
		t.Errorf("record body = %+v", rec)
	}

	select {
	case r := <-finals:
		if r.CallID != "CA100" || r.Lead.Phone != "+15551234567" {
			t.Errorf("final lead = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final lead request")
	}

	files, _ := filepath.Glob(filepath.Join(h.dir, "*.jsonl"))
	if len(files) != 1 {
		t.Fatalf("journals = %v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range []string{`"incoming"`, `"accepted"`, `"transcript_final"`, `"disconnected"`, `"usage"`} {
		if !strings.Contains(string(data), ev) {
			t.Errorf("journal missing %s:\n%s", ev, data)
		}
	}

	// a second hangup has no effect
	if err := h.svc.HangupCall(); err != nil {
		t.Errorf("second hangup: %v", err)
	}
	if _, stops := h.tr.counts(); stops != 1 {
		t.Errorf("stops after second hangup = %d", stops)
	}
}

func TestArchiveFailureDoesNotBlockTeardown(t *testing.T) {
	h := newHarness(t)
	h.archive.err = errors.New("firestore unavailable")
	h.svc.Start(context.Background())
	c := h.ring(t)
	h.svc.AcceptCall()
	c.confirm()
	waitStarted(t, h.tr)

	if err := h.svc.HangupCall(); err != nil {
		t.Fatalf("HangupCall: %v", err)
	}
	if st := h.svc.State(); st.CallActive {
		t.Fatal("call still active")
	}
	if c.disconnects != 1 {
		t.Errorf("disconnects = %d", c.disconnects)
	}
}

func TestRejectDoesNotStartTranscription(t *testing.T) {
	h := newHarness(t)
	h.svc.Start(context.Background())
	c := h.ring(t)

	if err := h.svc.RejectCall(); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	if c.rejects != 1 {
		t.Errorf("rejects = %d", c.rejects)
	}
	st := h.svc.State()
	if st.IncomingCall || st.OriginalCallerNumber != "" {
		t.Errorf("state after reject = %+v", st)
	}
	if starts, stops := h.tr.counts(); starts != 0 || stops != 0 {
		t.Errorf("starts=%d stops=%d", starts, stops)
	}
	if len(h.archive.recs) != 0 {
		t.Error("rejected call archived")
	}
}

func TestLogoutDestroysEndpoint(t *testing.T) {
	h := newHarness(t)
	h.svc.Start(context.Background())
	c := h.ring(t)
	h.svc.AcceptCall()
	c.confirm()
	waitStarted(t, h.tr)

	h.svc.Logout(context.Background())

	if c.disconnects != 1 {
		t.Errorf("disconnects = %d", c.disconnects)
	}
	st := h.svc.State()
	if st.RegistrationReady || st.CallActive || st.Status != endpoint.StatusSignedOut {
		t.Errorf("state after logout = %+v", st)
	}
	if err := h.svc.AcceptCall(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("accept after logout = %v", err)
	}
}

func TestResetFormClearsCallerAndTranscript(t *testing.T) {
	h := newHarness(t)
	h.svc.Start(context.Background())
	c := h.ring(t)
	h.svc.AcceptCall()
	c.confirm()
	waitStarted(t, h.tr)
	h.svc.HangupCall()
	h.tr.AddTranscript(transcription.Item{Role: telephony.RoleAgent, Text: "thanks"})

	h.svc.ResetForm()

	st := h.svc.State()
	if st.OriginalCallerNumber != "" || st.TranscriptLength != 0 || st.Lead != nil {
		t.Errorf("state after reset = %+v", st)
	}
}

func TestUploadTranscript(t *testing.T) {
	h := newHarness(t)

	item, err := h.svc.UploadTranscript(context.Background(), "call.wav", strings.NewReader("RIFF"))
	if err != nil {
		t.Fatalf("UploadTranscript: %v", err)
	}
	if item.Role != transcription.RoleUpload || item.Text != "We want a digital board." {
		t.Errorf("item = %+v", item)
	}
	if got := h.svc.Transcript(); len(got) != 1 || got[0].Speaker() != "Recording" {
		t.Errorf("transcript = %+v", got)
	}

	h.svc.deps.Upload = fakeUpload{err: errors.New("bad audio")}
	if _, err := h.svc.UploadTranscript(context.Background(), "x.wav", strings.NewReader("")); err == nil {
		t.Error("expected upload error")
	}

	h.svc.deps.Upload = nil
	if _, err := h.svc.UploadTranscript(context.Background(), "x.wav", strings.NewReader("")); !errors.Is(err, ErrUploadUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestRunPublishesState(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan State, 8)
	h.svc.OnState(func(s State) {
		select {
		case got <- s:
		default:
		}
	})
	go h.svc.Run(ctx)

	h.svc.Start(ctx)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-got:
			if s.RegistrationReady {
				return
			}
		case <-deadline:
			t.Fatal("no ready state published")
		}
	}
}
