// Package llm provides the HTTP client for the local inference server.
// The server is expected to expose an OpenAI-compatible chat API.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

// Client is the LLM operations contract used by the compactor and the
// entity extractor. Unavailable is a signal to degrade, not to retry.
type Client interface {
	// Available reports whether the inference server answers its health
	// probe. The result is cached briefly to keep the probe lightweight.
	Available(ctx context.Context) bool

	// Summarize produces a short summary of content
	Summarize(ctx context.Context, content string, maxTokens int, system string) (string, error)

	// Generate completes an arbitrary prompt
	Generate(ctx context.Context, prompt string, system string, maxTokens int) (string, error)

	// ExtractEntities returns the model's raw JSON text; the caller parses
	ExtractEntities(ctx context.Context, content string, system string) (string, error)

	// StreamSummary emits incremental summary tokens. The channel closes
	// when the stream ends; it is finite and not restartable.
	StreamSummary(ctx context.Context, content string) (<-chan string, error)
}

const (
	healthCacheTTL    = 5 * time.Second
	defaultSummaryMax = 240
	defaultGenerate   = 500
)

// Config carries the HTTP client settings
type Config struct {
	Host           string
	Model          string
	Timeout        time.Duration
	MaxConnections int
}

// HTTPClient implements Client against an OpenAI-compatible endpoint
type HTTPClient struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

// NewHTTPClient creates a client with a pooled, bounded transport
func NewHTTPClient(cfg Config, logger logging.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 8
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxConnections,
		MaxConnsPerHost:     cfg.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		logger: logger.WithComponent("llm"),
	}
}

// Available probes GET /v1/models with a short timeout, caching the
// result for a few seconds.
func (c *HTTPClient) Available(ctx context.Context) bool {
	c.mu.Lock()
	if time.Since(c.lastProbe) < healthCacheTTL {
		healthy := c.lastHealthy
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.Host+"/v1/models", http.NoBody)
	if err != nil {
		return c.recordHealth(false)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.recordHealth(false)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return c.recordHealth(resp.StatusCode == http.StatusOK)
}

func (c *HTTPClient) recordHealth(healthy bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastProbe = time.Now()
	c.lastHealthy = healthy
	return healthy
}

// chat API request/response shapes

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
		Delta   chatMessage `json:"delta"`
	} `json:"choices"`
}

// Summarize produces a short summary of content
func (c *HTTPClient) Summarize(ctx context.Context, content string, maxTokens int, system string) (string, error) {
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMax
	}
	prompt := "Summarise the following text in one or two sentences. Reply with the summary only.\n\n" + content
	return c.complete(ctx, prompt, system, maxTokens, nil)
}

// Generate completes an arbitrary prompt
func (c *HTTPClient) Generate(ctx context.Context, prompt string, system string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = defaultGenerate
	}
	return c.complete(ctx, prompt, system, maxTokens, nil)
}

// ExtractEntities asks for strict JSON output and returns the raw text
func (c *HTTPClient) ExtractEntities(ctx context.Context, content string, system string) (string, error) {
	prompt := `Extract structured entities from the text below. Respond with strict JSON only, using this schema:
{"errors": [{"value": "...", "confidence": 0.0}], "urls": [{"value": "...", "confidence": 0.0}], "tool_ids": [{"value": "...", "confidence": 0.0}], "semantic_tags": [{"value": "...", "confidence": 0.0}]}

Text:
` + content
	return c.complete(ctx, prompt, system, defaultGenerate, map[string]any{"type": "json_object"})
}

func (c *HTTPClient) complete(ctx context.Context, prompt, system string, maxTokens int, responseFormat map[string]any) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		MaxTokens:      maxTokens,
		ResponseFormat: responseFormat,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", types.ErrInvalidResponse, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", types.ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.mapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("%w: inference server returned %d: %s", types.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode completion: %v", types.ErrInvalidResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: completion had no choices", types.ErrInvalidResponse)
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// StreamSummary issues a streaming completion and forwards delta tokens
func (c *HTTPClient) StreamSummary(ctx context.Context, content string) (<-chan string, error) {
	prompt := "Summarise the following text in one or two sentences. Reply with the summary only.\n\n" + content
	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: defaultSummaryMax,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", types.ErrInvalidResponse, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: build request: %v", types.ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, c.mapTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: inference server returned %d", types.ErrUnavailable, resp.StatusCode)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				c.logger.Warn("skipping malformed stream frame", "error", err.Error())
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			token := chunk.Choices[0].Delta.Content
			if token == "" {
				continue
			}
			select {
			case out <- token:
			case <-reqCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *HTTPClient) mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: inference request exceeded %s", types.ErrTimeout, c.cfg.Timeout)
	}
	var urlErr interface{ Timeout() bool }
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: inference request timed out", types.ErrTimeout)
	}
	return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
}

// EstimateTokens approximates token count from byte length. Local
// models average roughly four bytes per token on English text.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}
