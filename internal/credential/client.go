package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoIdentity is returned when the issuance endpoint answers without an
// identity; the token alone cannot register a device.
var ErrNoIdentity = errors.New("credential response carries no identity")

// VoiceCredential is a short-lived telephony access token bound to the
// operator identity.
type VoiceCredential struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Error    string `json:"error,omitempty"`
}

// TranscriptionCredential is an ephemeral key for one realtime
// transcription session. LogID is threaded through to cost finalization.
type TranscriptionCredential struct {
	Value string `json:"value"`
	LogID string `json:"logId"`
	Error string `json:"error,omitempty"`
}

type costRequest struct {
	LogID           string  `json:"logId"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type costResponse struct {
	Cost  float64 `json:"cost"`
	Error string  `json:"error,omitempty"`
}

// Client talks to the internal issuance endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a client for the issuance service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP lets tests and callers supply their own http.Client.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

// VoiceToken fetches a telephony access credential. An error body or an
// empty identity is a failure.
func (c *Client) VoiceToken(ctx context.Context) (VoiceCredential, error) {
	var out VoiceCredential
	if err := c.do(ctx, http.MethodGet, "/token", nil, &out); err != nil {
		return VoiceCredential{}, err
	}
	if out.Error != "" {
		return VoiceCredential{}, fmt.Errorf("issuer: %s", out.Error)
	}
	if out.Identity == "" {
		return VoiceCredential{}, ErrNoIdentity
	}
	if out.Token == "" {
		return VoiceCredential{}, fmt.Errorf("issuer returned an empty token")
	}
	return out, nil
}

// TranscriptionToken fetches a fresh ephemeral transcription key. Each
// channel session must call this itself.
func (c *Client) TranscriptionToken(ctx context.Context) (TranscriptionCredential, error) {
	var out TranscriptionCredential
	if err := c.do(ctx, http.MethodPost, "/transcription/token", struct{}{}, &out); err != nil {
		return TranscriptionCredential{}, err
	}
	if out.Error != "" {
		return TranscriptionCredential{}, fmt.Errorf("issuer: %s", out.Error)
	}
	if out.Value == "" {
		return TranscriptionCredential{}, fmt.Errorf("issuer returned an empty transcription key")
	}
	return out, nil
}

// FinalizeCost asks the billing endpoint to price a finished session.
func (c *Client) FinalizeCost(ctx context.Context, logID string, durationSeconds float64) (float64, error) {
	var out costResponse
	req := costRequest{LogID: logID, DurationSeconds: durationSeconds}
	if err := c.do(ctx, http.MethodPost, "/usage/finalize", req, &out); err != nil {
		return 0, err
	}
	if out.Error != "" {
		return 0, fmt.Errorf("billing: %s", out.Error)
	}
	return out.Cost, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	// error payloads are JSON too; decode them before judging the status
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode == http.StatusOK {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
