// Package pubsub delivers invoice updates to subscribers. Each subscriber
// owns an independent bounded buffer; a slow subscriber loses its oldest
// updates rather than blocking the scanner.
package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

// subscriptionBufferLen is the per-subscriber backlog.
const subscriptionBufferLen = 2048

var (
	// ErrClosed is returned by receive operations after the subscription's
	// invoice was removed.
	ErrClosed = errors.New("subscription closed")
	// ErrNoUpdate is returned by TryRecv when no update is buffered.
	ErrNoUpdate = errors.New("no update available")
	// ErrRecvTimeout is returned by RecvTimeout when no update arrived in
	// time.
	ErrRecvTimeout = errors.New("timed out waiting for update")
)

// Subscriber receives updates for one invoice (or for all invoices, see
// Publisher.SubscribeAll).
type Subscriber struct {
	id      uuid.UUID
	updates chan models.Invoice
}

// Recv waits for the next update. It returns ErrClosed once the subscription
// ends because the invoice was removed, or the context's error on
// cancellation.
func (s *Subscriber) Recv(ctx context.Context) (*models.Invoice, error) {
	select {
	case invoice, ok := <-s.updates:
		if !ok {
			return nil, ErrClosed
		}
		return &invoice, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BlockingRecv waits for the next update with no way to cancel. Returns nil
// once the subscription is closed.
func (s *Subscriber) BlockingRecv() *models.Invoice {
	invoice, ok := <-s.updates
	if !ok {
		return nil
	}
	return &invoice
}

// RecvTimeout waits up to timeout for an update.
func (s *Subscriber) RecvTimeout(timeout time.Duration) (*models.Invoice, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case invoice, ok := <-s.updates:
		if !ok {
			return nil, ErrClosed
		}
		return &invoice, nil
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

// TryRecv returns a buffered update without waiting.
func (s *Subscriber) TryRecv() (*models.Invoice, error) {
	select {
	case invoice, ok := <-s.updates:
		if !ok {
			return nil, ErrClosed
		}
		return &invoice, nil
	default:
		return nil, ErrNoUpdate
	}
}

// Publisher fans invoice updates out to subscribers. It holds no invoice
// state of its own; subscribers identify invoices by ID and query state on
// demand.
type Publisher struct {
	logger *logger.Logger

	mu          sync.Mutex
	invoiceSubs map[models.InvoiceID]map[uuid.UUID]chan models.Invoice
	globalSubs  map[uuid.UUID]chan models.Invoice
}

// NewPublisher creates an empty publisher.
func NewPublisher(log *logger.Logger) *Publisher {
	p := &Publisher{
		logger:      log,
		invoiceSubs: make(map[models.InvoiceID]map[uuid.UUID]chan models.Invoice),
		globalSubs:  make(map[uuid.UUID]chan models.Invoice),
	}
	return p
}

// InsertInvoice starts tracking subscriptions for an invoice.
func (p *Publisher) InsertInvoice(id models.InvoiceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.invoiceSubs[id]; exists {
		p.logger.Warn("Inserted an invoice that is already being tracked; subscribers kept ", "invoice ", id)
		return
	}
	p.invoiceSubs[id] = make(map[uuid.UUID]chan models.Invoice)
}

// RemoveInvoice ends all subscriptions for an invoice, closing their
// channels.
func (p *Publisher) RemoveInvoice(id models.InvoiceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs, exists := p.invoiceSubs[id]
	if !exists {
		return
	}
	for _, ch := range subs {
		close(ch)
	}
	delete(p.invoiceSubs, id)
}

// Subscribe returns a subscriber for the given invoice, or nil if the
// invoice is not tracked.
func (p *Publisher) Subscribe(id models.InvoiceID) *Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs, exists := p.invoiceSubs[id]
	if !exists {
		return nil
	}
	sub := &Subscriber{id: uuid.New(), updates: make(chan models.Invoice, subscriptionBufferLen)}
	subs[sub.id] = sub.updates
	return sub
}

// SubscribeAll returns a subscriber that receives every invoice update.
func (p *Publisher) SubscribeAll() *Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &Subscriber{id: uuid.New(), updates: make(chan models.Invoice, subscriptionBufferLen)}
	p.globalSubs[sub.id] = sub.updates
	return sub
}

// Unsubscribe drops a subscriber without closing other subscriptions.
func (p *Publisher) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, subs := range p.invoiceSubs {
		if _, exists := subs[sub.id]; exists {
			close(subs[sub.id])
			delete(subs, sub.id)
			return
		}
	}
	if _, exists := p.globalSubs[sub.id]; exists {
		close(p.globalSubs[sub.id])
		delete(p.globalSubs, sub.id)
	}
}

// Publish delivers an invoice update to the invoice's subscribers and to all
// global subscribers. It never blocks: a full buffer drops its oldest update
// to make room.
func (p *Publisher) Publish(invoice *models.Invoice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, exists := p.invoiceSubs[invoice.ID()]; exists {
		for _, ch := range subs {
			send(ch, invoice.Clone())
		}
	}
	for _, ch := range p.globalSubs {
		send(ch, invoice.Clone())
	}
}

func send(ch chan models.Invoice, invoice models.Invoice) {
	for {
		select {
		case ch <- invoice:
			return
		default:
		}
		// Buffer full: drop the oldest update. The latest state is always
		// available by direct query, so this only costs a lagging
		// subscriber some history.
		select {
		case <-ch:
		default:
		}
	}
}
