// Package memoryclient talks to the external semantic-memory service
// that stores and recalls longer-horizon context than the conversation
// window holds. It never blocks extraction on the memory service being
// slow or unavailable: memorize is fire-and-forget, recall degrades to
// an empty result on any error or timeout.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/termingeist/internal/httpkit"
)

// MemoryContext is the recall result injected into ContextAssembler's
// prompt rendering. Empty is the explicit zero value returned on any
// failure path (spec.md §4.6): callers never need to distinguish "no
// memory" from "memory error".
type MemoryContext struct {
	Excerpts []string
	Empty    bool
}

// Health reports the reachability of the memory service for the
// status endpoint. Must be cheap: spec.md §4.6 caps it at 1s.
type Health struct {
	Connected bool
	LatencyMS int64
}

// Client is the MemoryClient contract of spec.md §4.6.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	recallTimeout time.Duration
	pool          *workerPool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRecallTimeout overrides the default 3s recall timeout.
func WithRecallTimeout(d time.Duration) Option {
	return func(c *Client) { c.recallTimeout = d }
}

// New creates a memory client against baseURL. poolSize bounds the
// number of concurrent in-flight memorize calls (spec.md §4.6, default
// 16); memorize calls beyond capacity are dropped and counted rather
// than queued without bound, since the upstream message store — not
// memory — is the durable record.
func New(baseURL string, poolSize int, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		http:          httpkit.NewClient(httpkit.WithTimeout(5 * time.Second)),
		logger:        slog.Default(),
		recallTimeout: 3 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "memory_client")
	c.pool = newWorkerPool(poolSize, c.logger)
	return c
}

type memorizePayload struct {
	ChatID    string `json:"chat_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Memorize is fire-and-forget: the caller must not await its success.
// It is dispatched onto a bounded worker pool; if the pool is
// saturated the call is dropped and counted (Stats().Dropped), never
// buffered unbounded. One retry with a 250ms delay is attempted on
// connection-level errors; all other errors are logged and swallowed.
func (c *Client) Memorize(chatID, sender, text string, timestamp time.Time) {
	payload := memorizePayload{
		ChatID:    chatID,
		Sender:    sender,
		Text:      text,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
	}

	submitted := c.pool.submit(func() {
		c.doMemorize(payload)
	})
	if !submitted {
		c.logger.Warn("memorize dropped: worker pool saturated",
			"chat_id", chatID)
	}
}

func (c *Client) doMemorize(payload memorizePayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("memorize: marshal payload failed", "error", err)
		return
	}

	const maxAttempts = 2
	const retryDelay = 250 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.postMemorize(ctx, body)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if !isConnectionError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(retryDelay)
	}

	c.logger.Warn("memorize failed, swallowing", "error", lastErr, "chat_id", payload.ChatID)
}

func (c *Client) postMemorize(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/memorize", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("memorize: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type recallRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chat_id"`
	TopK   int    `json:"top_k"`
}

type recallResponse struct {
	Excerpts []string `json:"excerpts"`
}

// Recall is a synchronous round trip with a bounded timeout (default
// 3s). On any error — including timeout — it returns an explicit
// empty MemoryContext rather than propagating the error, matching
// ArchiveContextProvider.GetContext's swallow-and-log shape.
func (c *Client) Recall(ctx context.Context, query, chatID string, topK int) MemoryContext {
	if topK <= 0 {
		topK = 10
	}

	ctx, cancel := context.WithTimeout(ctx, c.recallTimeout)
	defer cancel()

	reqBody, err := json.Marshal(recallRequest{Query: query, ChatID: chatID, TopK: topK})
	if err != nil {
		c.logger.Warn("recall: marshal request failed", "error", err)
		return MemoryContext{Empty: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recall", bytes.NewReader(reqBody))
	if err != nil {
		c.logger.Warn("recall: build request failed", "error", err)
		return MemoryContext{Empty: true}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("recall failed", "error", err, "chat_id", chatID)
		return MemoryContext{Empty: true}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode >= 300 {
		c.logger.Warn("recall: unexpected status", "status", resp.StatusCode, "chat_id", chatID)
		return MemoryContext{Empty: true}
	}

	var out recallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Warn("recall: decode response failed", "error", err)
		return MemoryContext{Empty: true}
	}
	if len(out.Excerpts) == 0 {
		return MemoryContext{Empty: true}
	}

	return MemoryContext{Excerpts: out.Excerpts}
}

// HealthCheck reports reachability for the status endpoint. Must not
// block more than 1s per spec.md §4.6.
func (c *Client) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{Connected: false}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Health{Connected: false}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	return Health{
		Connected: resp.StatusCode < 300,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

// Stats exposes worker pool saturation counters for the status endpoint.
func (c *Client) Stats() PoolStats {
	return c.pool.stats()
}

// isConnectionError reports whether err originated below the HTTP
// layer (dial failure, connection reset, timeout) rather than from a
// non-2xx response, which postMemorize signals as a plain
// fmt.Errorf and is therefore never retried.
func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
