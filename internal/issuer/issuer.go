// Package issuer serves the credential, transcription-key and billing
// endpoints the call-assist client consumes.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client/jwt"

	"github.com/amanullahtanweer/billboard-callassist/internal/credential"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
)

// Config holds the issuing identities and pricing.
type Config struct {
	AccountSID    string
	APIKeySID     string
	APISecret     string
	TwiMLAppSID   string
	Identity      string
	TokenTTL      time.Duration
	RatePerMinute float64
}

// SessionCreator creates ephemeral transcription sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context) (RealtimeSession, error)
}

// Service issues credentials and prices transcription usage.
type Service struct {
	cfg      Config
	sessions SessionCreator
}

func New(cfg Config, sessions SessionCreator) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Service{cfg: cfg, sessions: sessions}
}

// VoiceToken signs an access token with a Voice grant that allows incoming
// calls for the operator identity.
func (s *Service) VoiceToken() (credential.VoiceCredential, error) {
	if s.cfg.Identity == "" {
		return credential.VoiceCredential{}, credential.ErrNoIdentity
	}
	if s.cfg.AccountSID == "" || s.cfg.APIKeySID == "" || s.cfg.APISecret == "" {
		return credential.VoiceCredential{}, errors.New("twilio signing key is not configured")
	}

	token := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    s.cfg.AccountSID,
		SigningKeySid: s.cfg.APIKeySID,
		Secret:        s.cfg.APISecret,
		Identity:      s.cfg.Identity,
		Ttl:           s.cfg.TokenTTL.Seconds(),
	})
	grant := &jwt.VoiceGrant{Incoming: jwt.Incoming{Allow: true}}
	if s.cfg.TwiMLAppSID != "" {
		grant.Outgoing = jwt.Outgoing{ApplicationSid: s.cfg.TwiMLAppSID}
	}
	token.AddGrant(grant)

	signed, err := token.ToJwt()
	if err != nil {
		return credential.VoiceCredential{}, fmt.Errorf("sign access token: %w", err)
	}
	return credential.VoiceCredential{Token: signed, Identity: s.cfg.Identity}, nil
}

// TranscriptionToken creates one upstream session; its id doubles as the
// usage log id.
func (s *Service) TranscriptionToken(ctx context.Context) (credential.TranscriptionCredential, error) {
	if s.sessions == nil {
		return credential.TranscriptionCredential{}, errors.New("transcription sessions are not configured")
	}
	sess, err := s.sessions.CreateSession(ctx)
	if err != nil {
		return credential.TranscriptionCredential{}, fmt.Errorf("create transcription session: %w", err)
	}
	return credential.TranscriptionCredential{Value: sess.ClientSecret.Value, LogID: sess.ID}, nil
}

// Cost prices a session at the per-minute rate, rounded to micro-units.
func (s *Service) Cost(durationSeconds float64) float64 {
	cost := durationSeconds / 60 * s.cfg.RatePerMinute
	return math.Round(cost*1e6) / 1e6
}

type finalizeRequest struct {
	LogID           string   `json:"logId"`
	DurationSeconds *float64 `json:"durationSeconds"`
}

// Register mounts the issuance routes on r.
func (s *Service) Register(r gin.IRoutes) {
	r.GET("/token", s.handleVoiceToken)
	r.POST("/transcription/token", s.handleTranscriptionToken)
	r.POST("/usage/finalize", s.handleFinalize)
}

func (s *Service) handleVoiceToken(c *gin.Context) {
	cred, err := s.VoiceToken()
	if err != nil {
		logging.Errorw("voice token issuance failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (s *Service) handleTranscriptionToken(c *gin.Context) {
	cred, err := s.TranscriptionToken(c.Request.Context())
	if err != nil {
		logging.Errorw("transcription token issuance failed", "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not create transcription session"})
		return
	}
	logging.Infow("transcription session issued", "log_id", cred.LogID)
	c.JSON(http.StatusOK, cred)
}

func (s *Service) handleFinalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.DurationSeconds == nil || *req.DurationSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "durationSeconds must be a non-negative number"})
		return
	}
	cost := s.Cost(*req.DurationSeconds)
	logging.Infow("usage finalized", "log_id", req.LogID, "duration_seconds", *req.DurationSeconds, "cost", cost)
	c.JSON(http.StatusOK, gin.H{"cost": cost})
}
