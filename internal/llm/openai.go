package llm

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultModel          = "gpt-4o-mini"
	defaultSendRetries    = 5
	defaultRetryBackoff   = 2 * time.Second
	defaultRequestTimeout = 5 * time.Minute
)

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	usage      Usage
	logger     *zap.Logger
}

// NewOpenAIClient creates a client. A zero RequestsPerSecond disables rate
// limiting.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		retries:    cfg.MaxSendRetries,
		backoff:    defaultRetryBackoff,
		logger:     zap.NewNop(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.retries <= 0 {
		c.retries = defaultSendRetries
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// SetLogger sets the client's logger.
func (c *OpenAIClient) SetLogger(l *zap.Logger) {
	if l != nil {
		c.logger = l
	}
}

// SetRetryBackoff sets the base delay between send retries.
func (c *OpenAIClient) SetRetryBackoff(d time.Duration) { c.backoff = d }

// Usage returns the accumulated token usage and cost.
func (c *OpenAIClient) Usage() UsageSnapshot { return c.usage.Snapshot() }

// Generate sends the conversation and returns the first choice. Transport
// errors, 429 and 5xx responses are retried with exponential backoff.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, errors.New("openai: API key not configured")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: req.Messages, Temperature: req.Temperature})
	if err != nil {
		return Response{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("openai: rate limit wait: %w", err)
		}

		resp, retry, err := c.send(ctx, model, body)
		if err == nil {
			c.usage.Add(resp)
			c.logger.Debug("completion",
				zap.String("model", model),
				zap.Int("input_tokens", resp.InputTokens),
				zap.Int("output_tokens", resp.OutputTokens),
				zap.Duration("elapsed", time.Since(start)))
			return resp, nil
		}
		if !retry || ctx.Err() != nil {
			return Response{}, err
		}
		lastErr = err
		c.logger.Warn("completion request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return Response{}, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
}

// send performs one HTTP round trip and reports whether a failure is
// worth retrying.
func (c *OpenAIClient) send(ctx context.Context, model string, body []byte) (Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, false, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, true, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, true, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Response{}, true, fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, false, fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, false, fmt.Errorf("openai: parse response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, false, fmt.Errorf("openai: API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, true, errors.New("openai: no completion returned")
	}

	in, out := parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens
	return Response{
		Text:         parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         Cost(model, in, out),
	}, false, nil
}
