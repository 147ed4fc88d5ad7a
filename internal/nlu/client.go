package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"shopbot/internal/metrics"
	"shopbot/internal/repo"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// ErrNoUsableKey indicates every key in the pool is cooling down.
var ErrNoUsableKey = errors.New("nlu: no usable api key")

// KeyStore is the slice of the persistence layer the client needs for API
// key rotation.
type KeyStore interface {
	ListActiveGeminiKeys(ctx context.Context) ([]repo.APIKey, error)
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
}

// Message is one turn of model context.
type Message struct {
	Role    string // "system", "user" or "model"
	Content string
}

// Client calls the Gemini generateContent API with DB-backed key rotation:
// a key that hits the rate limit is put on cooldown and the next key in the
// pool is tried.
type Client struct {
	store    KeyStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
	model    string
	baseURL  string
	timeout  time.Duration
	cooldown time.Duration
	retry    RetryPolicy
	http     *http.Client
}

// Config holds generative backend configuration.
type Config struct {
	Model    string
	Timeout  time.Duration
	Cooldown time.Duration
	Retry    RetryPolicy
}

// New creates a Gemini client backed by the key pool in store.
func New(store KeyStore, logger *slog.Logger, metrics *metrics.Metrics, cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Client{
		store:    store,
		logger:   logger.With("component", "nlu"),
		metrics:  metrics,
		model:    model,
		baseURL:  defaultBaseURL,
		timeout:  timeout,
		cooldown: cooldown,
		retry:    retry,
		http:     &http.Client{Timeout: timeout},
	}
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the context to the model and returns its text output. The
// per-call timeout and the bounded retry policy cap worst-case latency.
func (c *Client) Complete(ctx context.Context, messages []Message, maxTokens int, temperature float64) (string, error) {
	payload, err := json.Marshal(buildRequest(messages, maxTokens, temperature))
	if err != nil {
		return "", fmt.Errorf("nlu: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.Attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retry.Backoff(attempt - 1)):
			}
		}

		key, err := c.pickKey(ctx)
		if err != nil {
			return "", err
		}

		text, err := c.generate(ctx, key, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var rateErr *rateLimitedError
		if errors.As(err, &rateErr) {
			until := time.Now().Add(c.cooldown)
			if cdErr := c.store.SetCooldownUntil(ctx, key.ID, until); cdErr != nil {
				c.logger.Warn("failed setting key cooldown", "error", cdErr)
			}
			c.logger.Warn("api key rate limited, rotating", "key_id", key.ID, "until", until)
		}
	}
	return "", fmt.Errorf("nlu: attempts exhausted: %w", lastErr)
}

func (c *Client) pickKey(ctx context.Context) (*repo.APIKey, error) {
	keys, err := c.store.ListActiveGeminiKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("nlu: list keys: %w", err)
	}
	now := time.Now()
	for i := range keys {
		if keys[i].CooldownUntil == nil || now.After(*keys[i].CooldownUntil) {
			return &keys[i], nil
		}
	}
	return nil, ErrNoUsableKey
}

type rateLimitedError struct{ body string }

func (e *rateLimitedError) Error() string { return "nlu: rate limited: " + e.body }

func (c *Client) generate(ctx context.Context, key *repo.APIKey, payload []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, key.Value)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("nlu: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("error", started)
		return "", fmt.Errorf("nlu: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.observe("error", started)
		return "", fmt.Errorf("nlu: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.observe("rate_limited", started)
		return "", &rateLimitedError{body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode/100 != 2 {
		c.observe("error", started)
		return "", fmt.Errorf("nlu: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out geminiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		c.observe("error", started)
		return "", fmt.Errorf("nlu: decode response: %w", err)
	}
	if out.Error != nil {
		c.observe("error", started)
		return "", fmt.Errorf("nlu: api error %d: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		c.observe("empty", started)
		return "", nil
	}

	c.observe("ok", started)
	return strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text), nil
}

func (c *Client) observe(status string, started time.Time) {
	c.metrics.GeminiRequests.WithLabelValues(status).Inc()
	c.metrics.GeminiLatency.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// buildRequest folds system messages into the first user turn, since the
// generateContent API only accepts user/model roles.
func buildRequest(messages []Message, maxTokens int, temperature float64) geminiRequest {
	var system []string
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "model", "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}
	if len(system) > 0 {
		prefix := "System Instructions: " + strings.Join(system, "\n")
		if len(contents) > 0 && contents[0].Role == "user" {
			contents[0].Parts[0].Text = prefix + "\n\n" + contents[0].Parts[0].Text
		} else {
			contents = append([]geminiContent{{Role: "user", Parts: []geminiPart{{Text: prefix}}}}, contents...)
		}
	}
	return geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	}
}
