// Package review is a stateless proxy that sends a code buffer to an
// OpenAI-compatible chat endpoint and relays the critique back. It keeps
// no history; every request stands alone.
package review

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"codebridge/internal/config"
)

const systemPrompt = "You are a senior code reviewer. Review the submitted program for correctness, " +
	"clarity and common pitfalls. Be concise: a short list of concrete findings, most important first. " +
	"If the code looks fine, say so in one sentence."

// Reviewer wraps the chat-completion client. A nil *Reviewer is a valid
// "disabled" reviewer.
type Reviewer struct {
	client *openai.Client
	model  string
}

// New builds a Reviewer from config, or nil when the feature is off or
// no API key is present in the configured environment variable.
func New(cfg config.ReviewConfig) *Reviewer {
	if !cfg.Enabled {
		return nil
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		log.Warn().Str("env", cfg.APIKeyEnv).Msg("review enabled but no API key set, reviews disabled")
		return nil
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Reviewer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// Review asks the model for a critique of code. language is a hint for
// the prompt, not a gate; any text can be reviewed.
func (r *Reviewer) Review(ctx context.Context, code, language string) (string, error) {
	user := code
	if language != "" {
		user = fmt.Sprintf("Language: %s\n\n%s", language, code)
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
