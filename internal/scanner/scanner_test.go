package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyboredom/acceptxmr/internal/crypto"
	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/internal/pubsub"
	"github.com/busyboredom/acceptxmr/internal/scanner"
	"github.com/busyboredom/acceptxmr/internal/storage"
	"github.com/busyboredom/acceptxmr/internal/subaddress"
	"github.com/busyboredom/acceptxmr/internal/testutil"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

const startingTop = 120

type env struct {
	store     *storage.InMemory
	daemon    *testutil.MockDaemon
	viewPair  *crypto.ViewPair
	publisher *pubsub.Publisher
	subs      *subaddress.Cache
	scanner   *scanner.Scanner
}

func newEnv(t *testing.T, deleteExpired bool) *env {
	t.Helper()
	viewPair, err := testutil.NewViewPair()
	require.NoError(t, err)

	store := storage.NewInMemory()
	daemon := testutil.NewMockDaemon(startingTop)
	publisher := pubsub.NewPublisher(logger.NewNop())
	seed := int64(1)
	subs, err := subaddress.Init(store, viewPair, 0, &seed, logger.NewNop())
	require.NoError(t, err)

	e := &env{
		store:     store,
		daemon:    daemon,
		viewPair:  viewPair,
		publisher: publisher,
		subs:      subs,
	}
	e.scanner = e.newScanner(t, deleteExpired)
	return e
}

func (e *env) newScanner(t *testing.T, deleteExpired bool) *scanner.Scanner {
	t.Helper()
	sc, err := scanner.New(context.Background(), scanner.Config{
		Store:         e.store,
		Client:        e.daemon,
		ViewPair:      e.viewPair,
		Subaddresses:  e.subs,
		Publisher:     e.publisher,
		DeleteExpired: deleteExpired,
	}, logger.NewNop())
	require.NoError(t, err)
	return sc
}

func (e *env) scan(t *testing.T) {
	t.Helper()
	require.NoError(t, e.scanner.Scan(context.Background()))
}

// createInvoice tracks a new invoice the way the gateway facade would.
func (e *env) createInvoice(t *testing.T, amount, confirmationsRequired, expirationIn uint64) (models.Invoice, *pubsub.Subscriber) {
	t.Helper()
	index, address, err := e.subs.Allocate()
	require.NoError(t, err)

	creationHeight, err := e.daemon.DaemonHeight(context.Background())
	require.NoError(t, err)

	invoice := models.NewInvoice(address, index, creationHeight, amount, confirmationsRequired, expirationIn, "test", "")
	require.NoError(t, e.store.InsertInvoice(invoice))
	e.publisher.InsertInvoice(invoice.ID())
	sub := e.publisher.Subscribe(invoice.ID())
	require.NotNil(t, sub)
	return invoice, sub
}

func (e *env) pay(t *testing.T, invoice models.Invoice, amount uint64, seed string) models.Transaction {
	t.Helper()
	tx, err := testutil.PayToSubaddress(e.viewPair, invoice.Index, amount, seed)
	require.NoError(t, err)
	return tx
}

func recv(t *testing.T, sub *pubsub.Subscriber) *models.Invoice {
	t.Helper()
	update, err := sub.RecvTimeout(time.Second)
	require.NoError(t, err)
	return update
}

func assertNoUpdate(t *testing.T, sub *pubsub.Subscriber) {
	t.Helper()
	_, err := sub.TryRecv()
	assert.ErrorIs(t, err, pubsub.ErrNoUpdate)
}

// Exact payment with zero confirmations required confirms in the block that
// pays it.
func TestExactPaymentZeroConfirmations(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 1000, 0, 10)

	// No payment yet: nothing observable changes.
	e.scan(t)
	assertNoUpdate(t, sub)

	e.daemon.AddBlock(e.pay(t, invoice, 1000, "s1-tx"))
	e.scan(t)

	update := recv(t, sub)
	assert.Equal(t, uint64(1000), update.AmountPaid)
	require.NotNil(t, update.Confirmations())
	assert.Equal(t, uint64(1), *update.Confirmations())
	assert.True(t, update.IsConfirmed())

	// Persisted state matches the published update.
	stored, err := e.store.GetInvoice(invoice.ID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Equal(update))
}

// A payment split across two blocks accumulates, then confirms.
func TestMultiTransactionPayment(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 1000, 2, 20)

	e.daemon.AddBlock(e.pay(t, invoice, 250, "s2-tx1"))
	e.scan(t)
	update := recv(t, sub)
	assert.Equal(t, uint64(250), update.AmountPaid)
	assert.Nil(t, update.Confirmations())

	e.daemon.AddBlock(e.pay(t, invoice, 750, "s2-tx2"))
	e.scan(t)
	update = recv(t, sub)
	assert.Equal(t, uint64(1000), update.AmountPaid)
	require.NotNil(t, update.Confirmations())
	assert.Equal(t, uint64(1), *update.Confirmations())
	assert.False(t, update.IsConfirmed())
	assert.True(t, update.AwaitingConfirmation())

	e.daemon.AddBlock()
	e.scan(t)
	update = recv(t, sub)
	require.NotNil(t, update.Confirmations())
	assert.Equal(t, uint64(2), *update.Confirmations())
	assert.True(t, update.IsConfirmed())
}

// A one-time output key reused in a second transaction credits nothing the
// second time.
func TestBurningBugRejected(t *testing.T) {
	e := newEnv(t, false)
	invoiceA, subA := e.createInvoice(t, 1000, 0, 20)
	invoiceB, subB := e.createInvoice(t, 1000, 0, 20)

	txA := e.pay(t, invoiceA, 600, "s3-tx")
	// A second transaction carrying the exact same output, as a malicious
	// payer would construct it.
	txB := txA
	txB.Hash = testutil.HashOf("s3-tx-duplicate")

	e.daemon.AddBlock(txA, txB)
	e.scan(t)

	update := recv(t, subA)
	assert.Equal(t, uint64(600), update.AmountPaid)
	assert.Len(t, update.Transfers, 1)

	// B saw nothing; its only update is the height advancing.
	updateB := recv(t, subB)
	assert.Equal(t, uint64(0), updateB.AmountPaid)
	assert.Equal(t, invoiceB.ID(), updateB.ID())
}

// A transaction seen in the txpool and then mined contributes its amount
// exactly once, with the txpool transfer replaced by the mined one.
func TestTxpoolThenBlock(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 500, 1, 20)

	tx := e.pay(t, invoice, 500, "s4-tx")
	e.daemon.AddToTxpool(tx)
	e.scan(t)

	update := recv(t, sub)
	assert.Equal(t, uint64(500), update.AmountPaid)
	require.Len(t, update.Transfers, 1)
	assert.Nil(t, update.Transfers[0].Height)
	assert.Nil(t, update.Confirmations())
	assert.False(t, update.IsConfirmed())

	paidHeight := e.daemon.AddBlock(tx)
	e.scan(t)

	update = recv(t, sub)
	assert.Equal(t, uint64(500), update.AmountPaid)
	require.Len(t, update.Transfers, 1)
	require.NotNil(t, update.Transfers[0].Height)
	assert.Equal(t, paidHeight, *update.Transfers[0].Height)
	require.NotNil(t, update.Confirmations())
	assert.Equal(t, uint64(1), *update.Confirmations())
	assert.True(t, update.IsConfirmed())
}

// A txpool transfer is withdrawn when its transaction vanishes without being
// mined.
func TestTxpoolTransferWithdrawn(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 500, 1, 20)

	tx := e.pay(t, invoice, 500, "withdraw-tx")
	e.daemon.AddToTxpool(tx)
	e.scan(t)
	update := recv(t, sub)
	assert.Equal(t, uint64(500), update.AmountPaid)

	e.daemon.RemoveFromTxpool(tx.Hash)
	e.scan(t)
	update = recv(t, sub)
	assert.Equal(t, uint64(0), update.AmountPaid)
	assert.Empty(t, update.Transfers)
}

// Txpool churn alone must not publish anything.
func TestTxpoolChurnPublishesNothing(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 500, 1, 20)

	tx := e.pay(t, invoice, 500, "churn-tx")
	e.daemon.AddToTxpool(tx)
	e.scan(t)
	recv(t, sub)

	// Unrelated txpool traffic comes and goes.
	foreign, err := testutil.PayToSubaddress(e.viewPair, models.NewSubIndex(5, 5), 100, "churn-foreign")
	require.NoError(t, err)
	e.daemon.AddToTxpool(foreign)
	e.scan(t)
	assertNoUpdate(t, sub)

	e.daemon.RemoveFromTxpool(foreign.Hash)
	e.scan(t)
	assertNoUpdate(t, sub)
}

// An unpaid invoice expires and, with delete-expired enabled, is removed and
// its subscription closed.
func TestExpiration(t *testing.T) {
	e := newEnv(t, true)
	invoice, sub := e.createInvoice(t, 1000, 0, 2)

	e.daemon.AddBlock()
	e.scan(t)
	update := recv(t, sub)
	assert.False(t, update.IsExpired())
	assert.Equal(t, uint64(1), update.ExpirationIn())

	e.daemon.AddBlock()
	e.scan(t)
	update = recv(t, sub)
	assert.True(t, update.IsExpired())

	// The invoice is gone and the channel closes.
	_, err := sub.RecvTimeout(time.Second)
	assert.ErrorIs(t, err, pubsub.ErrClosed)
	stored, err := e.store.GetInvoice(invoice.ID())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

// expiration_in of zero expires the invoice on the very next tick.
func TestImmediateExpiration(t *testing.T) {
	e := newEnv(t, true)
	invoice, sub := e.createInvoice(t, 1000, 0, 0)

	e.scan(t)
	_, err := sub.RecvTimeout(time.Second)
	assert.ErrorIs(t, err, pubsub.ErrClosed)

	stored, err := e.store.GetInvoice(invoice.ID())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

// An invoice awaiting confirmation is not expired and survives the
// delete-expired pass.
func TestAwaitingConfirmationSuspendsExpiry(t *testing.T) {
	e := newEnv(t, true)
	invoice, sub := e.createInvoice(t, 1000, 5, 1)

	e.daemon.AddBlock(e.pay(t, invoice, 1000, "awaiting-tx"))
	e.scan(t)
	update := recv(t, sub)
	assert.True(t, update.AwaitingConfirmation())
	assert.GreaterOrEqual(t, update.CurrentHeight, update.ExpirationHeight)
	assert.False(t, update.IsExpired())

	stored, err := e.store.GetInvoice(invoice.ID())
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

// Transactions with a non-zero unlock time credit nothing.
func TestTimelockedTransactionIgnored(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 1000, 0, 10)

	tx, err := testutil.PayToSubaddress(e.viewPair, invoice.Index, 1000, "timelock-tx", testutil.PaymentOptions{UnlockTime: 3000000})
	require.NoError(t, err)
	e.daemon.AddBlock(tx)
	e.scan(t)

	update := recv(t, sub)
	assert.Equal(t, uint64(0), update.AmountPaid)
	assert.Empty(t, update.Transfers)
}

// A reorg drops transfers above the fork point; re-mining the transaction
// restores them.
func TestReorgDropsAndRestoresTransfers(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 1000, 3, 30)

	tx := e.pay(t, invoice, 1000, "reorg-tx")
	paidHeight := e.daemon.AddBlock(tx)
	e.scan(t)
	update := recv(t, sub)
	assert.Equal(t, uint64(1000), update.AmountPaid)

	// The chain reorganizes past the paying block; the transaction is not
	// in the replacement blocks.
	e.daemon.Reorg(paidHeight, paidHeight+1, nil)
	e.scan(t)
	update = recv(t, sub)
	assert.Equal(t, uint64(0), update.AmountPaid)
	assert.Empty(t, update.Transfers)

	// The transaction is mined again on the new chain and credits again.
	e.daemon.AddBlock(tx)
	e.scan(t)
	update = recv(t, sub)
	assert.Equal(t, uint64(1000), update.AmountPaid)
	require.Len(t, update.Transfers, 1)
}

// Per-invoice updates are monotone in height.
func TestUpdatesMonotoneInHeight(t *testing.T) {
	e := newEnv(t, false)
	invoice, sub := e.createInvoice(t, 10000, 1, 30)

	for i := 0; i < 5; i++ {
		e.daemon.AddBlock(e.pay(t, invoice, 100, "monotone-"+string(rune('a'+i))))
		e.scan(t)
	}

	last := uint64(0)
	for i := 0; i < 5; i++ {
		update := recv(t, sub)
		assert.GreaterOrEqual(t, update.CurrentHeight, last)
		last = update.CurrentHeight
	}
}

// A scanner restarted over the same storage reaches the same state without
// double-crediting.
func TestRestartIsIdempotent(t *testing.T) {
	e := newEnv(t, false)
	invoice, _ := e.createInvoice(t, 1000, 2, 30)

	e.daemon.AddBlock(e.pay(t, invoice, 1000, "restart-tx"))
	e.scan(t)

	before, err := e.store.GetInvoice(invoice.ID())
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, uint64(1000), before.AmountPaid)

	// Stop-then-restart: a fresh scanner over the same store and daemon.
	restarted := e.newScanner(t, false)
	require.NoError(t, restarted.Scan(context.Background()))

	after, err := e.store.GetInvoice(invoice.ID())
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, before.Equal(after))
	assert.Equal(t, uint64(1000), after.AmountPaid)
	assert.Len(t, after.Transfers, 1)
}

// Payments mined before the invoice was created do not credit it.
func TestPaymentBeforeCreationIgnored(t *testing.T) {
	e := newEnv(t, false)

	// The payment lands first.
	index := models.NewSubIndex(0, 60)
	tx, err := testutil.PayToSubaddress(e.viewPair, index, 1000, "early-tx")
	require.NoError(t, err)
	e.daemon.AddBlock(tx)
	e.scan(t)

	// Then an invoice appears on the same subaddress.
	creationHeight, err := e.daemon.DaemonHeight(context.Background())
	require.NoError(t, err)
	invoice := models.NewInvoice(e.viewPair.Subaddress(index), index, creationHeight, 1000, 0, 20, "late", "")
	require.NoError(t, e.store.InsertInvoice(invoice))
	e.publisher.InsertInvoice(invoice.ID())

	e.daemon.AddBlock()
	e.scan(t)

	stored, err := e.store.GetInvoice(invoice.ID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(0), stored.AmountPaid)
}
