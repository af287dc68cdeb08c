package titlegen

import (
	"context"
	"strings"
	"time"

	"github.com/quillchat/backend/internal/config"
	"github.com/quillchat/backend/internal/logger"
	"github.com/quillchat/backend/internal/openrouter"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond
	maxTitleLength = 80
	fallbackTitle  = "New Chat"
)

// CompletionClient is the non-streaming upstream surface the generator needs.
type CompletionClient interface {
	Completion(ctx context.Context, apiKey string, req openrouter.Request) (string, error)
}

// Generator produces short chat titles from the first exchange of a
// conversation.
type Generator struct {
	client CompletionClient
	config *config.TitleGenerationConfig
	logger *logger.Logger
}

func New(client CompletionClient, cfg *config.TitleGenerationConfig, log *logger.Logger) *Generator {
	return &Generator{
		client: client,
		config: cfg,
		logger: log.WithComponent("titlegen"),
	}
}

// Generate returns a title for a conversation that opens with firstMessage.
// chatModel is used when no dedicated title model is configured. It never
// fails: on repeated upstream errors it falls back to a truncation of the
// message itself.
func (g *Generator) Generate(ctx context.Context, apiKey, chatModel, firstMessage string) string {
	model := g.config.Model
	if model == "" {
		model = chatModel
	}
	req := openrouter.Request{
		Model: model,
		Messages: []openrouter.Message{
			{Role: openrouter.RoleSystem, Content: g.config.Prompt},
			{Role: openrouter.RoleUser, Content: firstMessage},
		},
		MaxTokens: g.config.MaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, err := g.client.Completion(ctx, apiKey, req)
		if err == nil {
			if title := sanitize(raw); title != "" {
				return title
			}
			lastErr = nil
		} else {
			lastErr = err
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return Fallback(firstMessage)
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}
	}

	g.logger.WarnContext(ctx, "Title generation failed, using fallback", "error", lastErr)
	return Fallback(firstMessage)
}

// sanitize strips the decoration models like to add around short answers.
func sanitize(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLength {
		title = strings.TrimSpace(title[:maxTitleLength])
	}
	return title
}

// Fallback derives a title from the message itself, used when the upstream
// is unavailable or no API key is configured.
func Fallback(firstMessage string) string {
	msg := strings.TrimSpace(firstMessage)
	if msg == "" {
		return fallbackTitle
	}
	if len(msg) > maxTitleLength {
		msg = strings.TrimSpace(msg[:maxTitleLength])
	}
	return msg
}
