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

	"github.com/brandvoice/contentops/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrUpstream marks failures returned by the model provider.
var ErrUpstream = errors.New("llm: upstream error")

// StatusError is a non-2xx upstream answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: upstream returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUpstream
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Request is one chat completion call.
type Request struct {
	Model       string
	Messages    []models.ChatCompletionMessage
	Temperature float64
	MaxTokens   int
	User        string
}

// Completion is the generated text plus token usage.
type Completion struct {
	Content   string
	Model     string
	Usage     models.Usage
	Estimated bool
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a client. The API key is sent as a bearer token.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	var httpClient *http.Client
	if cfg.APIKey != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.Background(), src)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Complete sends req and returns the first choice. Transport failures, 429
// and 5xx answers are retried up to MaxRetries attempts.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body, err := json.Marshal(models.ChatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.User,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			}
		}

		completion, retry, err := c.do(ctx, model, body, req.Messages)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !retry {
			break
		}

		c.logger.Warn("LLM request failed, retrying",
			zap.String("model", model),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Error(err))
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, model string, body []byte, messages []models.ChatCompletionMessage) (*Completion, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("llm: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: reading body: %v", ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var out models.ChatCompletionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("%w: invalid response: %v", ErrUpstream, err)
	}
	if len(out.Choices) == 0 {
		return nil, false, fmt.Errorf("%w: response has no choices", ErrUpstream)
	}

	completion := &Completion{
		Content: out.Choices[0].Message.Content,
		Model:   out.Model,
	}
	if completion.Model == "" {
		completion.Model = model
	}

	if out.Usage != nil && (out.Usage.PromptTokens > 0 || out.Usage.CompletionTokens > 0) {
		completion.Usage = *out.Usage
	} else {
		completion.Usage = EstimateUsage(messages, completion.Content)
		completion.Estimated = true
	}
	completion.Usage.TotalTokens = completion.Usage.PromptTokens + completion.Usage.CompletionTokens

	return completion, false, nil
}

// EstimateUsage approximates token counts at ~4 characters per token.
func EstimateUsage(messages []models.ChatCompletionMessage, completion string) models.Usage {
	promptChars := 0
	for _, m := range messages {
		promptChars += len(m.Content)
	}
	u := models.Usage{
		PromptTokens:     estimateTokens(promptChars),
		CompletionTokens: estimateTokens(len(completion)),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
