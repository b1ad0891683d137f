// Package notify delivers fired alerts to an outbound chat webhook.
package notify

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
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/buildboard/internal/domain"
)

// ErrQueueFull is returned by Notify when the outbox has no room.
var ErrQueueFull = errors.New("notification queue full")

const (
	defaultQueueSize = 64
	defaultAttempts  = 3
	defaultBackoff   = 500 * time.Millisecond
	sendTimeout      = 10 * time.Second
)

// Option configures a Webhook.
type Option func(*Webhook)

// WithHTTPClient replaces the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithRetry sets how many times a delivery is attempted and the first backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(w *Webhook) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if backoff > 0 {
			w.backoff = backoff
		}
	}
}

// WithDashboardURL links every message to the dashboard at url.
func WithDashboardURL(url string) Option {
	return func(w *Webhook) {
		w.dashboard = strings.TrimRight(url, "/")
	}
}

// WithLogger sets the notifier logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Webhook) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Webhook posts alerts in the Slack incoming-webhook format. Notify queues;
// Run drains the queue so a slow endpoint never holds up the caller.
type Webhook struct {
	url       string
	client    *http.Client
	attempts  int
	backoff   time.Duration
	dashboard string
	logger    *slog.Logger

	queue  chan domain.Alert
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWebhook returns a notifier posting to url.
func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:      url,
		client:   &http.Client{Timeout: sendTimeout},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   slog.Default(),
		queue:    make(chan domain.Alert, defaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "notify")
	return w
}

// Notify queues a for delivery without blocking.
func (w *Webhook) Notify(_ context.Context, a domain.Alert) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errors.New("notifier closed")
	}
	select {
	case w.queue <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued alerts until Close is called and the queue is drained.
func (w *Webhook) Run(ctx context.Context) {
	defer close(w.done)
	for a := range w.queue {
		if err := w.Send(ctx, a); err != nil {
			w.logger.Error("alert notification failed", "id", a.ID, "type", a.Type, "repository", a.Repository, "error", err)
		}
	}
}

// Close stops accepting alerts and waits for Run to drain or ctx to expire.
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts a, retrying network failures and 5xx or 429 answers with exponential backoff.
func (w *Webhook) Send(ctx context.Context, a domain.Alert) error {
	body, err := json.Marshal(w.message(a))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	backoff := retry.WithMaxRetries(uint64(w.attempts-1), retry.NewExponential(w.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		return w.post(ctx, body)
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("webhook answered %s", resp.Status))
	default:
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type attachment struct {
	Color     string  `json:"color"`
	Title     string  `json:"title"`
	TitleLink string  `json:"title_link,omitempty"`
	Text      string  `json:"text"`
	Fields    []field `json:"fields"`
	Timestamp int64   `json:"ts"`
}

type message struct {
	Username    string       `json:"username"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments"`
}

var colors = map[domain.AlertType]string{
	domain.AlertConsecutiveFailures: "danger",
	domain.AlertFailureRate:         "danger",
	domain.AlertBuildDuration:       "warning",
}

func (w *Webhook) message(a domain.Alert) message {
	color := colors[a.Type]
	if color == "" {
		color = "#439FE0"
	}
	branch := a.Branch
	if branch == "" {
		branch = "-"
	}
	att := attachment{
		Color: color,
		Title: "Build alert: " + strings.ReplaceAll(string(a.Type), "_", " "),
		Text:  a.Message,
		Fields: []field{
			{Title: "Repository", Value: a.Repository, Short: true},
			{Title: "Branch", Value: branch, Short: true},
			{Title: "Value", Value: fmt.Sprintf("%.1f", a.Value), Short: true},
			{Title: "Threshold", Value: fmt.Sprintf("%.1f", a.Threshold), Short: true},
		},
		Timestamp: a.TriggeredAt.Unix(),
	}
	if w.dashboard != "" && a.Run.ProviderRunID != "" {
		att.TitleLink = fmt.Sprintf("%s/builds/%s?attempt=%d", w.dashboard, a.Run.ProviderRunID, a.Run.Attempt)
	}
	return message{Username: "buildboard", Text: a.Message, Attachments: []attachment{att}}
}
