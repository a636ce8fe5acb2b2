package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RealtimeSession is an ephemeral transcription session created upstream.
type RealtimeSession struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type sessionRequest struct {
	InputAudioFormat        string             `json:"input_audio_format"`
	InputAudioTranscription transcriptionModel `json:"input_audio_transcription"`
}

type transcriptionModel struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// RealtimeClient creates ephemeral transcription sessions with the
// long-lived API key, which never leaves this process.
type RealtimeClient struct {
	sessionURL string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// NewRealtimeClient builds a client for the session endpoint at sessionURL.
func NewRealtimeClient(sessionURL, apiKey, model, language string) *RealtimeClient {
	return &RealtimeClient{
		sessionURL: strings.TrimRight(sessionURL, "/"),
		apiKey:     apiKey,
		model:      model,
		language:   language,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateSession requests a new ephemeral key.
func (c *RealtimeClient) CreateSession(ctx context.Context) (RealtimeSession, error) {
	body, err := json.Marshal(sessionRequest{
		InputAudioFormat:        "pcm16",
		InputAudioTranscription: transcriptionModel{Model: c.model, Language: c.language},
	})
	if err != nil {
		return RealtimeSession{}, fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL, bytes.NewReader(body))
	if err != nil {
		return RealtimeSession{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RealtimeSession{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return RealtimeSession{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return RealtimeSession{}, fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out RealtimeSession
	if err := json.Unmarshal(data, &out); err != nil {
		return RealtimeSession{}, fmt.Errorf("decode session: %w", err)
	}
	if out.ClientSecret.Value == "" {
		return RealtimeSession{}, fmt.Errorf("session %q carries no client secret", out.ID)
	}
	return out, nil
}
