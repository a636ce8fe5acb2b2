// Package api exposes the operator actions, the UI state feed, the
// credential issuance endpoints and the Twilio voice webhook over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"

	"github.com/amanullahtanweer/billboard-callassist/internal/assist"
	"github.com/amanullahtanweer/billboard-callassist/internal/call"
	"github.com/amanullahtanweer/billboard-callassist/internal/endpoint"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/oneshot"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
)

const maxUploadBytes = 25 << 20

// Operator is the call-assist session the routes drive.
type Operator interface {
	State() assist.State
	OnState(fn func(assist.State)) func()
	AcceptCall() error
	RejectCall() error
	HangupCall() error
	Reinitialize(ctx context.Context) (endpoint.InitOutcome, error)
	ClearDeviceError()
	Logout(ctx context.Context)
	Transcript() []transcription.Item
	ClearTranscript()
	UploadTranscript(ctx context.Context, name string, r io.Reader) (transcription.Item, error)
	ResetForm()
}

// Issuer mounts the credential issuance routes.
type Issuer interface {
	Register(r gin.IRoutes)
}

type Config struct {
	// Identity is the operator client the voice webhook dials.
	Identity          string
	OriginalCallerKey string
	// TwilioAuthToken enables webhook signature checks when set.
	TwilioAuthToken string
	// WebhookURL is the public URL Twilio signs. Derived from the request
	// when empty.
	WebhookURL string
}

type handler struct {
	op  Operator
	cfg Config
}

// NewRouter builds the gin engine. iss may be nil.
func NewRouter(op Operator, iss Issuer, cfg Config) *gin.Engine {
	if cfg.OriginalCallerKey == "" {
		cfg.OriginalCallerKey = "originalCaller"
	}
	h := &handler{op: op, cfg: cfg}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	g := r.Group("/api")
	g.GET("/state", h.state)
	g.GET("/ws", h.stateFeed)
	g.POST("/call/accept", h.accept)
	g.POST("/call/reject", h.reject)
	g.POST("/call/hangup", h.hangup)
	g.POST("/device/reinitialize", h.reinitialize)
	g.POST("/device/clear-error", h.clearError)
	g.POST("/logout", h.logout)
	g.GET("/transcript", h.transcript)
	g.DELETE("/transcript", h.clearTranscript)
	g.POST("/transcript/upload", h.upload)
	g.POST("/form/reset", h.resetForm)

	r.POST("/twilio/voice", h.voiceWebhook)

	if iss != nil {
		iss.Register(r)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.FullPath() == "/healthz" {
			return
		}
		logging.Debugw("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}

func (h *handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.op.State())
}

// respond maps an action result to a status code and returns the new state.
func (h *handler) respond(c *gin.Context, action string, err error) {
	if err == nil {
		c.JSON(http.StatusOK, h.op.State())
		return
	}
	status := http.StatusInternalServerError
	msg := "Could not " + action + " the call"
	switch {
	case errors.Is(err, assist.ErrNotRegistered):
		status = http.StatusConflict
		msg = "Not registered to receive calls"
	case errors.Is(err, call.ErrNoIncomingCall):
		status = http.StatusConflict
		msg = "There is no incoming call"
	case errors.Is(err, call.ErrNoActiveCall):
		status = http.StatusConflict
		msg = "There is no active call"
	default:
		logging.Warnw("call action failed", "action", action, "err", err)
	}
	c.JSON(status, gin.H{"error": msg, "state": h.op.State()})
}

func (h *handler) accept(c *gin.Context) { h.respond(c, "accept", h.op.AcceptCall()) }

func (h *handler) reject(c *gin.Context) { h.respond(c, "reject", h.op.RejectCall()) }

func (h *handler) hangup(c *gin.Context) { h.respond(c, "hang up", h.op.HangupCall()) }

func (h *handler) reinitialize(c *gin.Context) {
	outcome, err := h.op.Reinitialize(c.Request.Context())
	st := h.op.State()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": st.DeviceError, "state": st})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "state": st})
}

func (h *handler) clearError(c *gin.Context) {
	h.op.ClearDeviceError()
	c.JSON(http.StatusOK, h.op.State())
}

func (h *handler) logout(c *gin.Context) {
	h.op.Logout(c.Request.Context())
	c.JSON(http.StatusOK, h.op.State())
}

func (h *handler) transcript(c *gin.Context) {
	items := h.op.Transcript()
	c.JSON(http.StatusOK, gin.H{"items": items, "text": transcription.FormatItems(items)})
}

func (h *handler) clearTranscript(c *gin.Context) {
	h.op.ClearTranscript()
	c.Status(http.StatusNoContent)
}

func (h *handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a recording is required in the file field"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read the recording"})
		return
	}
	defer f.Close()

	item, err := h.op.UploadTranscript(c.Request.Context(), fh.Filename, f)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"text": item.Text, "item": item})
	case errors.Is(err, assist.ErrUploadUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "File transcription is not available"})
	case errors.Is(err, oneshot.ErrEmptyResult):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "No speech found in the recording"})
	default:
		logging.Warnw("upload transcription failed", "file", fh.Filename, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not transcribe the recording"})
	}
}

func (h *handler) resetForm(c *gin.Context) {
	h.op.ResetForm()
	c.JSON(http.StatusOK, h.op.State())
}

// voiceWebhook bridges an inbound PSTN call to the operator client, or
// turns it away when no operator is registered.
func (h *handler) voiceWebhook(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "bad form")
		return
	}
	if h.cfg.TwilioAuthToken != "" && !h.validSignature(c) {
		logging.Warnw("voice webhook signature rejected", "remote", c.ClientIP())
		c.String(http.StatusForbidden, "invalid signature")
		return
	}

	from := c.Request.PostForm.Get("From")
	var (
		body string
		err  error
	)
	if h.op.State().RegistrationReady {
		body, err = telephony.BridgeTwiML(h.cfg.Identity, h.cfg.OriginalCallerKey, from)
	} else {
		logging.Warnw("inbound call while no operator is registered", "call.remote", from)
		body, err = telephony.RejectTwiML()
	}
	if err != nil {
		logging.Errorw("failed to build TwiML", "err", err)
		c.String(http.StatusInternalServerError, "cannot handle call")
		return
	}

	logging.Infow("inbound call bridged", "call.id", c.Request.PostForm.Get("CallSid"), "call.remote", from)
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, body)
}

func (h *handler) validSignature(c *gin.Context) bool {
	url := h.cfg.WebhookURL
	if url == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		if p := c.GetHeader("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		url = scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
	}
	params := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := client.NewRequestValidator(h.cfg.TwilioAuthToken)
	return validator.Validate(url, params, c.GetHeader("X-Twilio-Signature"))
}
