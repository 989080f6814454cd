package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	HeaderEventType = "x-reliability-event-type"
	HeaderSignature = "x-reliability-signature"

	defaultTimeout   = 5 * time.Second
	defaultQueueSize = 256
)

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
}

// Config controls delivery.
type Config struct {
	Enabled       bool
	ConsoleEcho   bool
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
	QueueSize     int
}

// Emitter echoes events to the log and posts them to a webhook from a single
// sender goroutine fed by a bounded queue. A full queue drops the event.
type Emitter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithHTTPClient overrides the client used for webhook delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Emitter) { e.client = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) { e.logger = logger }
}

// NewEmitter starts the sender goroutine. Call Close to stop it.
func NewEmitter(cfg Config, opts ...Option) *Emitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	e := &Emitter{
		cfg:    cfg,
		client: http.DefaultClient,
		logger: slog.Default(),
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	go e.run()
	return e
}

// Publish is Emit without the result.
func (e *Emitter) Publish(ev Event) {
	e.Emit(ev)
}

// Emit echoes ev to the log and queues it for webhook delivery. It never
// blocks. It reports whether the event was queued.
func (e *Emitter) Emit(ev Event) bool {
	if !e.cfg.Enabled {
		return false
	}

	if e.cfg.ConsoleEcho {
		e.logger.Warn("reliability alert",
			slog.String("type", string(ev.Type)),
			slog.String("severity", string(ev.Severity)),
			slog.String("summary", ev.Summary))
	}

	if e.cfg.WebhookURL == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("alert emitter closed, dropping event", slog.String("type", string(ev.Type)))
		return false
	}

	select {
	case e.queue <- ev:
		return true
	default:
		e.logger.Warn("alert queue full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.Int("queue_size", cap(e.queue)))
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.deliverSafely(ev)
	}
}

func (e *Emitter) deliverSafely(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert delivery panicked",
				slog.String("type", string(ev.Type)),
				slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	if err := e.Deliver(ctx, ev); err != nil {
		e.logger.Error("alert webhook delivery failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

// Deliver posts ev to the webhook synchronously.
func (e *Emitter) Deliver(ctx context.Context, ev Event) error {
	if e.cfg.WebhookURL == "" {
		return errors.New("no webhook configured")
	}

	body, err := ev.Canonical()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, string(ev.Type))
	if e.cfg.WebhookSecret != "" {
		req.Header.Set(HeaderSignature, Sign(e.cfg.WebhookSecret, body))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns hex(sha256(secret + "." + body)).
func Sign(secret string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Recorder is a Publisher that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of what has been published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
