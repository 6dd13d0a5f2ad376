// Package gateway is the public face of the payment engine. A Gateway tracks
// invoices against a view-only Monero wallet: it allocates a subaddress per
// invoice, runs the scanner loop, and exposes queries and subscriptions over
// the resulting state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/busyboredom/acceptxmr/internal/callback"
	"github.com/busyboredom/acceptxmr/internal/crypto"
	"github.com/busyboredom/acceptxmr/internal/daemon"
	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/internal/pubsub"
	"github.com/busyboredom/acceptxmr/internal/scanner"
	"github.com/busyboredom/acceptxmr/internal/subaddress"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

const (
	// DefaultDaemonURL is used when no daemon is configured.
	DefaultDaemonURL = "http://node.moneroworld.com:18089"
	// DefaultScanInterval is the pause between ticks once the scanner has
	// caught up with the chain.
	DefaultScanInterval = time.Second

	// maxConsecutiveFailures is the number of back-to-back failed ticks
	// tolerated before the scanner gives up and the gateway reports Failed.
	// Transient RPC or storage hiccups recover well below this; only a
	// persistently broken daemon or database reaches it.
	maxConsecutiveFailures = 120
)

var (
	// ErrAlreadyRunning is returned by Run when the scanner is active.
	ErrAlreadyRunning = errors.New("payment gateway is already running")
	// ErrCallbackQueueFull rejects new callback invoices while the callback
	// queue has no room; accepting them would eventually lose callbacks.
	ErrCallbackQueueFull = errors.New("callback queue is full; retry invoice creation later")
)

// Status describes the state of the gateway's scanner.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Gateway owns all engine state: the storage handle, the scanner task, the
// pub-sub bus, the subaddress pool, and the callback queue.
type Gateway struct {
	logger *logger.Logger

	store        models.Storage
	client       models.DaemonClient
	viewPair     *crypto.ViewPair
	subaddresses *subaddress.Cache
	publisher    *pubsub.Publisher
	callbacks    *callback.Queue

	scanInterval  time.Duration
	deleteExpired bool
	initialHeight *uint64

	mu      sync.Mutex
	status  Status
	lastErr error
	scanner *scanner.Scanner
	cancel  context.CancelFunc
	done    chan struct{}
}

// Builder configures and constructs a Gateway.
type Builder struct {
	privateViewKey string
	primaryAddress string
	store          models.Storage

	daemonURL            string
	daemonLogin          *daemon.Login
	rpcTimeout           time.Duration
	rpcConnectionTimeout time.Duration
	scanInterval         time.Duration
	accountIndex         uint32
	initialHeight        *uint64
	seed                 *int64
	deleteExpired        bool
	callbackConfig       callback.Config
	client               models.DaemonClient
	logger               *logger.Logger
}

// NewBuilder returns a builder with the documented defaults.
func NewBuilder(privateViewKey, primaryAddress string, store models.Storage, log *logger.Logger) *Builder {
	return &Builder{
		privateViewKey:       privateViewKey,
		primaryAddress:       primaryAddress,
		store:                store,
		daemonURL:            DefaultDaemonURL,
		rpcTimeout:           daemon.DefaultRPCTimeout,
		rpcConnectionTimeout: daemon.DefaultConnectionTimeout,
		scanInterval:         DefaultScanInterval,
		deleteExpired:        true,
		callbackConfig:       callback.DefaultConfig(),
		logger:               log,
	}
}

// DaemonURL sets the monerod URL.
func (b *Builder) DaemonURL(url string) *Builder {
	b.daemonURL = url
	return b
}

// DaemonLogin sets credentials for daemons requiring digest authentication.
func (b *Builder) DaemonLogin(username, password string) *Builder {
	b.daemonLogin = &daemon.Login{Username: username, Password: password}
	return b
}

// RPCTimeout bounds a whole daemon RPC call.
func (b *Builder) RPCTimeout(timeout time.Duration) *Builder {
	b.rpcTimeout = timeout
	return b
}

// RPCConnectionTimeout bounds daemon connection establishment.
func (b *Builder) RPCConnectionTimeout(timeout time.Duration) *Builder {
	b.rpcConnectionTimeout = timeout
	return b
}

// ScanInterval sets the pause between scanner ticks.
func (b *Builder) ScanInterval(interval time.Duration) *Builder {
	b.scanInterval = interval
	return b
}

// AccountIndex sets the subaddress major index the gateway allocates from.
func (b *Builder) AccountIndex(index uint32) *Builder {
	b.accountIndex = index
	return b
}

// InitialHeight sets the wallet restore height. For best burning-bug
// protection this should be the height the wallet was created at.
func (b *Builder) InitialHeight(height uint64) *Builder {
	b.initialHeight = &height
	return b
}

// Seed makes subaddress allocation deterministic. Use only in tests.
func (b *Builder) Seed(seed int64) *Builder {
	b.seed = &seed
	return b
}

// DeleteExpired controls whether expired invoices are removed automatically.
func (b *Builder) DeleteExpired(enabled bool) *Builder {
	b.deleteExpired = enabled
	return b
}

// CallbackConfig tunes the callback queue.
func (b *Builder) CallbackConfig(config callback.Config) *Builder {
	b.callbackConfig = config
	return b
}

// DaemonClient injects a daemon client, overriding DaemonURL. Used by tests.
func (b *Builder) DaemonClient(client models.DaemonClient) *Builder {
	b.client = client
	return b
}

// Build validates the wallet configuration and assembles the gateway.
func (b *Builder) Build() (*Gateway, error) {
	viewPair, err := crypto.NewViewPair(b.privateViewKey, b.primaryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build view pair: %w", err)
	}

	subaddresses, err := subaddress.Init(b.store, viewPair, b.accountIndex, b.seed, b.logger.Named("subaddress"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize subaddress pool: %w", err)
	}
	b.logger.Debugf("Generated %d initial subaddresses", subaddresses.Len())

	client := b.client
	if client == nil {
		client = daemon.NewClient(b.daemonURL, b.daemonLogin, b.rpcTimeout, b.rpcConnectionTimeout, b.logger.Named("daemon"))
	}

	return &Gateway{
		logger:        b.logger,
		store:         b.store,
		client:        client,
		viewPair:      viewPair,
		subaddresses:  subaddresses,
		publisher:     pubsub.NewPublisher(b.logger.Named("pubsub")),
		callbacks:     callback.NewQueue(b.callbackConfig, b.logger.Named("callback")),
		scanInterval:  b.scanInterval,
		deleteExpired: b.deleteExpired,
		initialHeight: b.initialHeight,
	}, nil
}

// Run starts the scanner task. It returns ErrAlreadyRunning if the scanner
// is active.
func (g *Gateway) Run() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == StatusRunning {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.logger.Debug("Creating blockchain scanner")
	sc, err := scanner.New(ctx, scanner.Config{
		Store:         g.store,
		Client:        g.client,
		ViewPair:      g.viewPair,
		Subaddresses:  g.subaddresses,
		Publisher:     g.publisher,
		Callbacks:     g.callbacks,
		DeleteExpired: g.deleteExpired,
		InitialHeight: g.initialHeight,
	}, g.logger.Named("scanner"))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	g.logger.Info("Starting blockchain scanner")
	g.scanner = sc
	g.cancel = cancel
	g.done = make(chan struct{})
	g.status = StatusRunning
	g.lastErr = nil
	go g.scanLoop(ctx, sc, g.done)
	return nil
}

func (g *Gateway) scanLoop(ctx context.Context, sc *scanner.Scanner, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.scanInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		if sc.IsSynchronized() {
			select {
			case <-ctx.Done():
				g.finish(StatusStopped, nil)
				return
			case <-ticker.C:
			}
		} else {
			// Behind the chain tip: scan back-to-back to catch up.
			select {
			case <-ctx.Done():
				g.finish(StatusStopped, nil)
				return
			default:
			}
		}

		if err := sc.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				g.finish(StatusStopped, nil)
				return
			}
			consecutiveFailures++
			g.logger.Error("Payment gateway encountered an error while scanning for payments: ", err)
			if consecutiveFailures >= maxConsecutiveFailures {
				g.logger.Error("Scanner giving up after repeated failures")
				g.finish(StatusFailed, err)
				return
			}
			// Pace retries even while catching up; hammering a failing
			// daemon helps nobody.
			select {
			case <-ctx.Done():
				g.finish(StatusStopped, nil)
				return
			case <-ticker.C:
			}
			continue
		}
		consecutiveFailures = 0
	}
}

func (g *Gateway) finish(status Status, err error) {
	if flushErr := g.store.Flush(); flushErr != nil {
		g.logger.Error("Failed to flush storage on scanner exit: ", flushErr)
	}
	g.mu.Lock()
	g.status = status
	g.lastErr = err
	g.mu.Unlock()
}

// Status reports whether the gateway is stopped, running, or failed, along
// with the scanner's terminal error when failed.
func (g *Gateway) Status() (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.lastErr
}

// Stop signals the scanner to exit at the next tick boundary and waits for
// it to finish. Pending callback deliveries are abandoned.
func (g *Gateway) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.cancel = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	g.callbacks.Stop()
}

// NewInvoice starts tracking a payment request and returns its ID. When
// callbackURL is non-empty the invoice's updates are delivered there, and
// creation fails with ErrCallbackQueueFull while the callback queue has no
// room.
func (g *Gateway) NewInvoice(piconeros, confirmationsRequired, expirationIn uint64, description, callbackURL string) (models.InvoiceID, error) {
	if callbackURL != "" && g.callbacks.Full() {
		return models.InvoiceID{}, ErrCallbackQueueFull
	}

	creationHeight, err := g.creationHeight()
	if err != nil {
		return models.InvoiceID{}, err
	}

	subIndex, address, err := g.subaddresses.Allocate()
	if err != nil {
		return models.InvoiceID{}, fmt.Errorf("failed to allocate subaddress: %w", err)
	}

	invoice := models.NewInvoice(address, subIndex, creationHeight, piconeros, confirmationsRequired, expirationIn, description, callbackURL)
	if err := g.store.InsertInvoice(invoice); err != nil {
		g.subaddresses.Release(subIndex, address)
		return models.InvoiceID{}, fmt.Errorf("failed to insert invoice: %w", err)
	}
	if err := g.store.Flush(); err != nil {
		return models.InvoiceID{}, fmt.Errorf("failed to flush new invoice: %w", err)
	}
	g.publisher.InsertInvoice(invoice.ID())
	g.logger.Debug("Now tracking invoice to subaddress index ", invoice.Index)
	return invoice.ID(), nil
}

func (g *Gateway) creationHeight() (uint64, error) {
	g.mu.Lock()
	sc := g.scanner
	g.mu.Unlock()
	if sc != nil {
		if height := sc.DaemonHeight(); height != 0 {
			return height, nil
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), daemon.DefaultRPCTimeout)
	defer cancel()
	height, err := g.client.DaemonHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch daemon height: %w", err)
	}
	return height, nil
}

// RemoveInvoice stops tracking an invoice, returning the final state if it
// existed. Subscribers' channels are closed and the subaddress is freed.
func (g *Gateway) RemoveInvoice(id models.InvoiceID) (*models.Invoice, error) {
	old, err := g.store.RemoveInvoice(id)
	if err != nil {
		return nil, fmt.Errorf("failed to remove invoice: %w", err)
	}
	if old == nil {
		return nil, nil
	}
	if err := g.store.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush invoice removal: %w", err)
	}
	if !(old.IsExpired() || (old.IsConfirmed() && old.CreationHeight < old.CurrentHeight)) {
		g.logger.Warn("Removed an invoice which was neither expired nor fully confirmed. Was this intentional? ", "invoice ", id)
	}
	g.publisher.RemoveInvoice(id)
	g.subaddresses.Release(old.Index, old.Address)
	return old, nil
}

// GetInvoice returns the current state of an invoice, or nil if it is not
// tracked.
func (g *Gateway) GetInvoice(id models.InvoiceID) (*models.Invoice, error) {
	return g.store.GetInvoice(id)
}

// InvoiceIDs lists all tracked invoices.
func (g *Gateway) InvoiceIDs() ([]models.InvoiceID, error) {
	return g.store.InvoiceIDs()
}

// IsPaid reports whether the invoice has been paid in full. Transfers still
// in the txpool count toward the paid amount.
func (g *Gateway) IsPaid(id models.InvoiceID) (bool, error) {
	invoice, err := g.store.GetInvoice(id)
	if err != nil {
		return false, err
	}
	if invoice == nil {
		return false, models.ErrInvoiceNotFound
	}
	return invoice.AmountPaid >= invoice.AmountRequested, nil
}

// Subscribe returns a subscriber for the given invoice, or nil if the
// invoice is not tracked.
func (g *Gateway) Subscribe(id models.InvoiceID) *pubsub.Subscriber {
	return g.publisher.Subscribe(id)
}

// SubscribeAll returns a subscriber receiving updates for every invoice.
func (g *Gateway) SubscribeAll() *pubsub.Subscriber {
	return g.publisher.SubscribeAll()
}

// DaemonHeight queries the configured daemon for the current blockchain
// height.
func (g *Gateway) DaemonHeight(ctx context.Context) (uint64, error) {
	return g.client.DaemonHeight(ctx)
}

// DaemonURL returns the configured daemon URL.
func (g *Gateway) DaemonURL() string {
	return g.client.URL()
}

// Close stops the gateway and releases storage resources.
func (g *Gateway) Close() error {
	g.Stop()
	return g.store.Close()
}
