package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/recall/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestClient(t *testing.T, srv *httptest.Server, dims int) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "nomic-embed-text",
		Dimensions: dims,
		Timeout:    time.Second,
		Retry:      testPolicy(),
	}, testLogger())
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func embeddingsHandler(t *testing.T, dim int, calls *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q, want /v1/embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Input) != 1 {
			t.Errorf("input length = %d, want 1", len(req.Input))
		}
		writeEmbedding(w, makeVector(dim))
	}
}

func writeEmbedding(w http.ResponseWriter, vec []float32) {
	resp := map[string]any{
		"data": []map[string]any{{"index": 0, "embedding": vec}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestEmbed_Success(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(embeddingsHandler(t, 4, &calls))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	vec, err := c.Embed(context.Background(), "a perfectly reasonable text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("got %d dimensions, want 4", len(vec))
	}
	if calls.Load() != 1 {
		t.Errorf("gateway called %d times, want 1", calls.Load())
	}
}

// TestEmbed_RetriesRateLimit verifies 429 responses are retried and the call
// succeeds once the gateway recovers.
func TestEmbed_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		writeEmbedding(w, makeVector(4))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	vec, err := c.Embed(context.Background(), "a perfectly reasonable text")
	if err != nil {
		t.Fatalf("Embed after rate limiting: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("got %d dimensions, want 4", len(vec))
	}
	if calls.Load() != 3 {
		t.Errorf("gateway called %d times, want 3", calls.Load())
	}
}

// TestEmbed_PermanentClientError verifies a 400 fails immediately with no
// retries.
func TestEmbed_PermanentClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	_, err := c.Embed(context.Background(), "a perfectly reasonable text")
	if err == nil {
		t.Fatal("expected error for a 400 response")
	}
	if IsTransient(err) {
		t.Errorf("400 classified as transient: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("gateway called %d times, want 1 (no retries)", calls.Load())
	}
}

// TestEmbed_ServerErrorExhaustsRetries verifies 5xx responses retry up to
// the attempt budget and then fail as transient.
func TestEmbed_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	_, err := c.Embed(context.Background(), "a perfectly reasonable text")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !IsTransient(err) {
		t.Errorf("5xx not classified as transient: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("gateway called %d times, want 3", calls.Load())
	}
}

// TestEmbed_DimensionMismatch verifies a vector of the wrong size is
// rejected before it can reach storage.
func TestEmbed_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, 3, nil))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	_, err := c.Embed(context.Background(), "a perfectly reasonable text")
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if IsTransient(err) {
		t.Errorf("dimension mismatch classified as transient: %v", err)
	}
	if !strings.Contains(err.Error(), "dimension mismatch") {
		t.Errorf("error = %v, want dimension mismatch", err)
	}
}

// TestEmbed_ShortTextFailsWithoutCall verifies too-short text never reaches
// the gateway.
func TestEmbed_ShortTextFailsWithoutCall(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(embeddingsHandler(t, 4, &calls))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	_, err := c.Embed(context.Background(), "  hi  ")
	if err == nil {
		t.Fatal("expected error for too-short text")
	}
	if IsTransient(err) {
		t.Errorf("short text classified as transient: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("gateway called %d times for unembeddable text, want 0", calls.Load())
	}
}

// TestEmbed_PreparesText verifies whitespace collapsing and truncation of
// oversized input.
func TestEmbed_PreparesText(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingsRequest
		json.NewDecoder(r.Body).Decode(&req)
		received = req.Input[0]
		writeEmbedding(w, makeVector(4))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	if _, err := c.Embed(context.Background(), "several\n\twords   spread\n out"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if received != "several words spread out" {
		t.Errorf("prepared text = %q, want collapsed whitespace", received)
	}

	long := strings.Repeat("word ", 3000)
	if _, err := c.Embed(context.Background(), long); err != nil {
		t.Fatalf("Embed long text: %v", err)
	}
	if len(received) != maxTextLen+3 {
		t.Errorf("truncated length = %d, want %d", len(received), maxTextLen+3)
	}
	if !strings.HasSuffix(received, "...") {
		t.Error("truncated text missing ellipsis marker")
	}
}

// TestEmbedBatch_PartialFailures verifies item errors land in their slot
// without aborting the rest of the batch.
func TestEmbedBatch_PartialFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Input[0], "poison") {
			http.Error(w, "cannot embed", http.StatusBadRequest)
			return
		}
		writeEmbedding(w, makeVector(4))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 4)
	texts := []string{
		"first document, fine",
		"the poison document",
		"third document, fine",
	}
	results := c.EmbedBatch(context.Background(), texts)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("healthy items failed: %v, %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil {
		t.Error("poisoned item succeeded, want error")
	}
	if len(results[0].Vector) != 4 {
		t.Errorf("healthy item vector length = %d, want 4", len(results[0].Vector))
	}
}

// TestEmbed_NetworkErrorIsTransient verifies connection failures classify
// as transient after retries are exhausted.
func TestEmbed_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(Config{
		BaseURL:    srv.URL,
		Model:      "nomic-embed-text",
		Dimensions: 4,
		Timeout:    time.Second,
		Retry:      retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, testLogger())

	_, err := c.Embed(context.Background(), "a perfectly reasonable text")
	if err == nil {
		t.Fatal("expected error against a closed server")
	}
	if !IsTransient(err) {
		t.Errorf("network error not classified as transient: %v", err)
	}
}

func TestPrepareTextBounds(t *testing.T) {
	if _, err := prepareText("short"); err == nil {
		t.Error("expected error for text below the minimum length")
	}
	got, err := prepareText(fmt.Sprintf("%s and more", strings.Repeat("x", 20)))
	if err != nil {
		t.Fatalf("prepareText: %v", err)
	}
	if strings.Contains(got, "  ") {
		t.Errorf("prepared text contains doubled spaces: %q", got)
	}
}
