// Package callback delivers invoice updates to merchant-supplied HTTP
// endpoints with bounded retries and exponential backoff.
//
// The queue is volatile: its contents are lost on shutdown by design.
// Callback payloads are idempotent state snapshots, and ordering across
// concurrent retries is not guaranteed, so consumers must treat each delivery
// as "latest known state", not as an event.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

const (
	// DefaultQueueSize bounds the number of undelivered callbacks.
	DefaultQueueSize = 1000
	// DefaultMaxRetries is the number of delivery attempts before a callback
	// is dropped.
	DefaultMaxRetries = 50
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = time.Second
	// DefaultBackoffFactor multiplies the delay after each failed attempt.
	DefaultBackoffFactor = 1.5
	// DefaultMaxDelay caps the delay between retries.
	DefaultMaxDelay = time.Hour
)

// ErrQueueFull is returned when the queue cannot accept more work. The
// gateway surfaces this from invoice creation as backpressure: new callback
// invoices fail rather than callbacks being silently lost.
var ErrQueueFull = errors.New("callback queue is full")

// Config tunes the queue.
type Config struct {
	QueueSize     int
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     DefaultQueueSize,
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		BackoffFactor: DefaultBackoffFactor,
		MaxDelay:      DefaultMaxDelay,
		Timeout:       10 * time.Second,
	}
}

type delivery struct {
	url     string
	invoice models.Invoice
	attempt int
	delay   time.Duration
	backoff backoff.BackOff
}

// Queue accepts invoice updates tagged with a callback URL and posts them as
// JSON, retrying failures with exponential backoff.
type Queue struct {
	logger *logger.Logger
	config Config
	client *http.Client

	items    chan delivery
	inFlight atomic.Int64
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewQueue creates and starts a callback queue.
func NewQueue(config Config, log *logger.Logger) *Queue {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.BackoffFactor <= 1 {
		config.BackoffFactor = DefaultBackoffFactor
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger: log,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		items:  make(chan delivery, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.dispatch()
	log.Info("Callback queue initialized")
	return q
}

// Enqueue queues an invoice update for delivery, blocking while the queue is
// full.
func (q *Queue) Enqueue(ctx context.Context, url string, invoice models.Invoice) error {
	item := q.newDelivery(url, invoice)
	select {
	case q.items <- item:
		return nil
	case <-q.ctx.Done():
		return fmt.Errorf("callback queue is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue queues an invoice update without blocking, returning
// ErrQueueFull when no space is available.
func (q *Queue) TryEnqueue(url string, invoice models.Invoice) error {
	if q.Full() {
		return ErrQueueFull
	}
	select {
	case q.items <- q.newDelivery(url, invoice):
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) newDelivery(url string, invoice models.Invoice) delivery {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     q.config.BaseDelay,
		Multiplier:          q.config.BackoffFactor,
		MaxInterval:         q.config.MaxDelay,
		RandomizationFactor: 0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	policy.Reset()
	return delivery{url: url, invoice: invoice.Clone(), backoff: policy}
}

// Full reports whether the queue has no room for another callback. Both
// queued and in-flight (sleeping or posting) deliveries count against the
// capacity.
func (q *Queue) Full() bool {
	return len(q.items)+int(q.inFlight.Load()) >= cap(q.items)
}

// Stop shuts the queue down, abandoning pending deliveries.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.logger.Info("Callback queue received shutdown signal")
			return
		case item := <-q.items:
			q.inFlight.Add(1)
			q.wg.Add(1)
			go q.deliver(item)
		}
	}
}

func (q *Queue) deliver(item delivery) {
	defer q.wg.Done()
	defer q.inFlight.Add(-1)

	if item.delay > 0 {
		timer := time.NewTimer(item.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			return
		}
	}

	err := q.post(item.url, &item.invoice)
	if err == nil {
		q.logger.Debug("Callback delivered ", "invoice ", item.invoice.ID(), " url ", item.url)
		return
	}

	item.attempt++
	if item.attempt >= q.config.MaxRetries {
		q.logger.Errorf("Callback for invoice %s dropped after %d attempts: %v", item.invoice.ID(), item.attempt, err)
		return
	}
	item.delay = item.backoff.NextBackOff()
	q.logger.Errorf("Failed to deliver callback for invoice %s: %v. Retrying in %s.", item.invoice.ID(), err, item.delay)
	select {
	case q.items <- item:
	case <-q.ctx.Done():
	}
}

func (q *Queue) post(url string, invoice *models.Invoice) error {
	payload, err := json.Marshal(invoice)
	if err != nil {
		return fmt.Errorf("failed to encode invoice: %w", err)
	}
	ctx, cancel := context.WithTimeout(q.ctx, q.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	res, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("callback recipient returned status %d", res.StatusCode)
	}
	return nil
}
