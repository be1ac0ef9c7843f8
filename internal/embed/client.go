// Package embed talks to an OpenAI-compatible embeddings endpoint and turns
// record text into vectors. Transient gateway failures are retried with
// backoff, permanent ones surface immediately so callers can record them.
package embed

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

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/recall/internal/retry"
)

const (
	// minTextLen is the shortest prepared text worth embedding. Anything
	// below it fails permanently rather than wasting a gateway call.
	minTextLen = 10
	// maxTextLen is where prepared text gets truncated before the call.
	maxTextLen = 8000

	embedConcurrency = 4
)

// Error describes an embedding gateway failure. Transient errors are worth
// retrying, permanent ones will fail the same way again.
type Error struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embed: gateway returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether the error is a retryable gateway failure.
func IsTransient(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return false
}

// Config holds the gateway connection settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Retry      retry.Policy
}

// Client is an embeddings gateway client. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the given gateway.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.2}
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Dimensions returns the vector size this client expects from the gateway.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// prepareText normalizes whitespace and enforces the length bounds. Too
// short is a permanent error, too long is truncated with a marker.
func prepareText(text string) (string, error) {
	prepared := strings.Join(strings.Fields(text), " ")
	if len(prepared) < minTextLen {
		return "", &Error{Err: fmt.Errorf("text too short to embed (%d chars, need %d)", len(prepared), minTextLen)}
	}
	if len(prepared) > maxTextLen {
		prepared = prepared[:maxTextLen] + "..."
	}
	return prepared, nil
}

// Embed returns the embedding vector for a single text. Transient gateway
// failures are retried per the configured policy; a vector of the wrong
// dimension is rejected so it can never reach storage.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	prepared, err := prepareText(text)
	if err != nil {
		return nil, err
	}

	var vec []float32
	err = c.cfg.Retry.Do(ctx, func() error {
		v, err := c.request(ctx, prepared)
		if err != nil {
			if !IsTransient(err) {
				return retry.Permanent(err)
			}
			c.logger.Warn("embedding request failed, will retry", "error", err)
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.cfg.Dimensions > 0 && len(vec) != c.cfg.Dimensions {
		return nil, &Error{Err: fmt.Errorf("dimension mismatch: gateway returned %d, expected %d", len(vec), c.cfg.Dimensions)}
	}
	return vec, nil
}

// BatchResult is the outcome of embedding one text of a batch.
type BatchResult struct {
	Index  int
	Vector []float32
	Err    error
}

// EmbedBatch embeds texts with bounded concurrency and returns one result
// per input. Item failures land in their result instead of aborting the
// batch; only context cancellation stops early.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) []BatchResult {
	results := make([]BatchResult, len(texts))
	if len(texts) == 0 {
		return results
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		results[i].Index = i
		g.Go(func() error {
			vec, err := c.Embed(gCtx, text)
			results[i].Vector = vec
			results[i].Err = err
			return nil
		})
	}
	g.Wait()
	return results
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingsResponse mirrors the JSON returned by POST /v1/embeddings.
type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) request(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: c.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("encoding request: %w", err)}
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Transient: true, Err: fmt.Errorf("embeddings request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}

	var result embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Transient: true, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, &Error{Err: errors.New("empty embedding in response")}
	}
	return result.Data[0].Embedding, nil
}

// transientStatus classifies gateway statuses: rate limiting and server
// errors are retryable, every other non-200 is a request problem.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
