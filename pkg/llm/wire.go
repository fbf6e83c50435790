package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/echomind-ai/echomind/pkg/models"
)

// Request and response bodies of the two provider APIs. Only the fields
// the client reads are declared.

type openAIRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message models.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage *models.Usage `json:"usage,omitempty"`
}

type anthropicRequest struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// toAnthropic moves system messages into the top-level system field.
func toAnthropic(model string, maxTokens int, messages []models.ChatMessage) anthropicRequest {
	req := anthropicRequest{Model: model, MaxTokens: maxTokens}
	var system []string
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		req.Messages = append(req.Messages, m)
	}
	req.System = strings.Join(system, "\n\n")
	return req
}

func decodeCompletion(providerType string, body []byte) (*models.Completion, error) {
	if providerType == ProviderAnthropic {
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		comp := &models.Completion{Content: text.String(), Model: resp.Model}
		if u := resp.Usage; u != nil {
			comp.Usage = &models.Usage{
				PromptTokens:     u.InputTokens,
				CompletionTokens: u.OutputTokens,
				TotalTokens:      u.InputTokens + u.OutputTokens,
			}
		}
		return comp, nil
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}
	return &models.Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}, nil
}
