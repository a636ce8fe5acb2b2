package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/billboard-callassist/internal/assist"
	"github.com/amanullahtanweer/billboard-callassist/internal/call"
	"github.com/amanullahtanweer/billboard-callassist/internal/endpoint"
	"github.com/amanullahtanweer/billboard-callassist/internal/hooks"
	"github.com/amanullahtanweer/billboard-callassist/internal/oneshot"
	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeOperator struct {
	mu        sync.Mutex
	st        assist.State
	acceptErr error
	reinitErr error
	uploadErr error
	items     []transcription.Item
	actions   []string
	states    hooks.Registry[assist.State]
}

func (f *fakeOperator) record(a string) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
}

func (f *fakeOperator) State() assist.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeOperator) OnState(fn func(assist.State)) func() { return f.states.Subscribe(fn) }

func (f *fakeOperator) AcceptCall() error {
	f.record("accept")
	return f.acceptErr
}

func (f *fakeOperator) RejectCall() error {
	f.record("reject")
	return &call.CallStateError{Op: "reject", State: call.StateIdle, Err: call.ErrNoIncomingCall}
}

func (f *fakeOperator) HangupCall() error {
	f.record("hangup")
	return nil
}

func (f *fakeOperator) Reinitialize(ctx context.Context) (endpoint.InitOutcome, error) {
	f.record("reinitialize")
	if f.reinitErr != nil {
		f.mu.Lock()
		f.st.DeviceError = "Could not register for incoming calls. Retry to reconnect."
		f.mu.Unlock()
		return "", f.reinitErr
	}
	return endpoint.InitRegistered, nil
}

func (f *fakeOperator) ClearDeviceError()          { f.record("clear-error") }
func (f *fakeOperator) Logout(ctx context.Context) { f.record("logout") }
func (f *fakeOperator) ClearTranscript()           { f.record("clear-transcript") }
func (f *fakeOperator) ResetForm()                 { f.record("reset-form") }

func (f *fakeOperator) Transcript() []transcription.Item { return f.items }

func (f *fakeOperator) UploadTranscript(ctx context.Context, name string, r io.Reader) (transcription.Item, error) {
	if f.uploadErr != nil {
		return transcription.Item{}, f.uploadErr
	}
	data, _ := io.ReadAll(r)
	return transcription.Item{ID: name, Role: transcription.RoleUpload, Text: string(data)}, nil
}

func do(r http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestStateRoute(t *testing.T) {
	op := &fakeOperator{st: assist.State{Status: endpoint.StatusReady, RegistrationReady: true}}
	r := NewRouter(op, nil, Config{Identity: "operator"})

	w := do(r, http.MethodGet, "/api/state", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st assist.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != endpoint.StatusReady || !st.RegistrationReady {
		t.Errorf("state = %+v", st)
	}
}

func TestCallActions(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		acceptErr error
		want      int
		wantMsg   string
	}{
		{"accept ok", "/api/call/accept", nil, http.StatusOK, ""},
		{"accept unregistered", "/api/call/accept", assist.ErrNotRegistered, http.StatusConflict, "Not registered to receive calls"},
		{"accept provider failure", "/api/call/accept", errors.New("socket closed"), http.StatusInternalServerError, "Could not accept the call"},
		{"reject without incoming", "/api/call/reject", nil, http.StatusConflict, "There is no incoming call"},
		{"hangup", "/api/call/hangup", nil, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &fakeOperator{acceptErr: tt.acceptErr}
			w := do(NewRouter(op, nil, Config{}), http.MethodPost, tt.path, nil, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.wantMsg != "" {
				var body struct {
					Error string `json:"error"`
				}
				_ = json.Unmarshal(w.Body.Bytes(), &body)
				if body.Error != tt.wantMsg {
					t.Errorf("error = %q, want %q", body.Error, tt.wantMsg)
				}
			}
		})
	}
}

func TestDeviceRoutes(t *testing.T) {
	op := &fakeOperator{}
	r := NewRouter(op, nil, Config{})

	if w := do(r, http.MethodPost, "/api/device/reinitialize", nil, ""); w.Code != http.StatusOK {
		t.Errorf("reinitialize status = %d", w.Code)
	}

	op.reinitErr = errors.New("dial tcp: connection refused")
	w := do(r, http.MethodPost, "/api/device/reinitialize", nil, "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("failed reinitialize status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("raw error leaked: %s", w.Body.String())
	}

	for _, path := range []string{"/api/device/clear-error", "/api/logout", "/api/form/reset"} {
		if w := do(r, http.MethodPost, path, nil, ""); w.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}
	if w := do(r, http.MethodDelete, "/api/transcript", nil, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete transcript status = %d", w.Code)
	}

	want := []string{"reinitialize", "reinitialize", "clear-error", "logout", "reset-form", "clear-transcript"}
	if strings.Join(op.actions, ",") != strings.Join(want, ",") {
		t.Errorf("actions = %v", op.actions)
	}
}

func TestTranscriptRoute(t *testing.T) {
	op := &fakeOperator{items: []transcription.Item{
		{ID: "1", Role: "agent", Text: "Thanks for calling"},
		{ID: "2", Role: "caller", Text: "Hi, I need a billboard"},
	}}
	w := do(NewRouter(op, nil, Config{}), http.MethodGet, "/api/transcript", nil, "")
	var body struct {
		Items []transcription.Item `json:"items"`
		Text  string               `json:"text"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Items) != 2 || body.Text != "Agent: Thanks for calling\nCaller: Hi, I need a billboard" {
		t.Errorf("body = %+v", body)
	}
}

func uploadBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadRoute(t *testing.T) {
	tests := []struct {
		name  string
		field string
		err   error
		want  int
	}{
		{"ok", "file", nil, http.StatusOK},
		{"missing file", "audio", nil, http.StatusBadRequest},
		{"not configured", "file", assist.ErrUploadUnavailable, http.StatusServiceUnavailable},
		{"silent recording", "file", oneshot.ErrEmptyResult, http.StatusUnprocessableEntity},
		{"upstream failure", "file", errors.New("503"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &fakeOperator{uploadErr: tt.err}
			body, ct := uploadBody(t, tt.field, "call.wav", "board on Route 9")
			w := do(NewRouter(op, nil, Config{}), http.MethodPost, "/api/transcript/upload", body, ct)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK && !strings.Contains(w.Body.String(), "board on Route 9") {
				t.Errorf("body = %s", w.Body.String())
			}
		})
	}
}

func TestVoiceWebhook(t *testing.T) {
	form := url.Values{"From": {"+15551234567"}, "CallSid": {"CA1"}}

	op := &fakeOperator{st: assist.State{RegistrationReady: true}}
	r := NewRouter(op, nil, Config{Identity: "operator-1"})
	w := do(r, http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"<Dial", "<Client", "operator-1", `name="originalCaller"`, `value="+15551234567"`} {
		if !strings.Contains(body, want) {
			t.Errorf("TwiML missing %s: %s", want, body)
		}
	}

	op.st.RegistrationReady = false
	w = do(r, http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if !strings.Contains(w.Body.String(), "<Hangup") || strings.Contains(w.Body.String(), "<Dial") {
		t.Errorf("unregistered TwiML = %s", w.Body.String())
	}
}

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceWebhookSignature(t *testing.T) {
	const hook = "https://assist.example.com/twilio/voice"
	form := url.Values{"From": {"+15551234567"}, "CallSid": {"CA1"}}
	op := &fakeOperator{st: assist.State{RegistrationReady: true}}
	r := NewRouter(op, nil, Config{Identity: "operator-1", TwilioAuthToken: "authtoken", WebhookURL: hook})

	tests := []struct {
		name string
		sig  string
		want int
	}{
		{"valid", twilioSignature("authtoken", hook, form), http.StatusOK},
		{"forged", twilioSignature("other", hook, form), http.StatusForbidden},
		{"missing", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.sig != "" {
				req.Header.Set("X-Twilio-Signature", tt.sig)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

type fakeIssuer struct{}

func (fakeIssuer) Register(r gin.IRoutes) {
	r.GET("/token", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"token": "t", "identity": "i"}) })
}

func TestIssuerRoutesMounted(t *testing.T) {
	w := do(NewRouter(&fakeOperator{}, fakeIssuer{}, Config{}), http.MethodGet, "/token", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"identity":"i"`) {
		t.Errorf("token route = %d %s", w.Code, w.Body.String())
	}
}

func TestStateFeed(t *testing.T) {
	op := &fakeOperator{st: assist.State{Status: endpoint.StatusConnecting}}
	srv := httptest.NewServer(NewRouter(op, nil, Config{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var st assist.State
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if st.Status != endpoint.StatusConnecting {
		t.Errorf("initial status = %q", st.Status)
	}

	// wait for the handler to subscribe
	deadline := time.Now().Add(2 * time.Second)
	for op.states.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	op.states.Emit(assist.State{Status: "Incoming call from +15551234567", IncomingCall: true})

	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !st.IncomingCall || st.Status != "Incoming call from +15551234567" {
		t.Errorf("pushed state = %+v", st)
	}
}
