// Package oneshot transcribes an uploaded recording in a single request.
package oneshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
)

// ErrEmptyResult is returned when the recording produced no text.
var ErrEmptyResult = errors.New("transcription returned no text")

// Transcriber sends recordings to the Whisper transcription endpoint.
type Transcriber struct {
	client   *openai.Client
	model    string
	language string
}

// New builds a transcriber. baseURL may be empty.
func New(apiKey, baseURL, model, language string) *Transcriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &Transcriber{client: openai.NewClientWithConfig(cfg), model: model, language: language}
}

// Transcribe reads the whole recording from r. name only supplies the file
// extension the endpoint uses to detect the format.
func (t *Transcriber) Transcribe(ctx context.Context, name string, r io.Reader) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == "/" {
		name = "recording.wav"
	}

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: name,
		Reader:   r,
		Language: t.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", name, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyResult
	}
	logging.Infow("recording transcribed", "file", name, "text_length", len(text))
	return text, nil
}
