package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillchat/backend/internal/logger"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// scanner line buffer cap; upstream chunks can carry large annotation payloads
const maxLineSize = 1024 * 1024

// ProviderError is an error object the provider returned in place of
// content, inside an otherwise successful response.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// APIStatusError is a non-2xx response from the upstream provider.
type APIStatusError struct {
	StatusCode int
	Body       string
}

func (e *APIStatusError) Error() string {
	return fmt.Sprintf("openrouter returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the OpenRouter chat completions API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(baseURL string, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// no overall timeout: streamed responses stay open for the full
		// generation, cancellation comes from the request context
		httpClient: &http.Client{},
		logger:     log.WithComponent("openrouter"),
	}
}

// StreamCompletion opens a streaming completion and invokes onDelta for each
// content fragment as it arrives. It returns when the upstream signals
// completion, the stream ends, or ctx is cancelled.
func (c *Client) StreamCompletion(ctx context.Context, apiKey string, req Request, onDelta func(text string)) (*StreamResult, error) {
	req.Stream = true
	resp, err := c.post(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &StreamResult{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			// comments, blank keep-alives and event fields are ignored
			continue
		}
		if data == "[DONE]" {
			return result, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.DebugContext(ctx, "Skipping malformed stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			onDelta(delta.Content)
		}
		if len(delta.Annotations) > 0 {
			result.Annotations = append(result.Annotations, delta.Annotations...)
		}
	}

	if err := scanner.Err(); err != nil {
		// the transport surfaces cancellation here; callers inspect ctx.Err
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("reading stream: %w", err)
	}

	// stream ended without [DONE]; treat the accumulated text as complete
	return result, nil
}

// Completion performs a non-streaming completion and returns the full
// assistant message content.
func (c *Client) Completion(ctx context.Context, apiKey string, req Request) (string, error) {
	req.Stream = false
	resp, err := c.post(ctx, apiKey, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", providerError(parsed.Error)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}
	choice := parsed.Choices[0]
	if choice.Error != nil {
		return "", providerError(choice.Error)
	}
	return choice.Message.Content, nil
}

func providerError(body *providerErrorBody) error {
	code := strings.Trim(string(body.Code), `"`)
	return &ProviderError{Code: code, Message: body.Message}
}

func (c *Client) post(ctx context.Context, apiKey string, req Request) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		resp.Body.Close()
		c.logger.WarnContext(ctx, "Upstream request failed",
			"status", resp.StatusCode,
			"model", req.Model,
			"duration", time.Since(start))
		return nil, &APIStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}
