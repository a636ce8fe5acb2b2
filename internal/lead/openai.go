package lead

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const extractPrompt = `You extract sales leads for a billboard advertising company from phone call transcripts.
Reply with a single JSON object with the string fields name, company, phone, email, location, boardType, budget, duration and notes.
Use an empty string for anything the caller has not said. Do not guess.`

// OpenAIExtractor extracts leads with a chat completion in JSON mode.
type OpenAIExtractor struct {
	client *openai.Client
	model  string
}

// NewOpenAIExtractor builds an extractor. baseURL may be empty.
func NewOpenAIExtractor(apiKey, baseURL, model string) *OpenAIExtractor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIExtractor{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *OpenAIExtractor) Extract(ctx context.Context, req Request) (Lead, error) {
	var user strings.Builder
	if req.Caller != "" {
		fmt.Fprintf(&user, "Caller number: %s\n", req.Caller)
	}
	if len(req.Cues) > 0 {
		fmt.Fprintf(&user, "Recently mentioned: %s\n", strings.Join(req.Cues, ", "))
	}
	user.WriteString("Transcript:\n")
	user.WriteString(req.Transcript)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return Lead{}, fmt.Errorf("lead completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Lead{}, errors.New("lead completion: no choices")
	}

	var lead Lead
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &lead); err != nil {
		return Lead{}, fmt.Errorf("decode lead: %w", err)
	}
	return lead, nil
}
