package gateway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyboredom/acceptxmr/internal/callback"
	"github.com/busyboredom/acceptxmr/internal/crypto"
	"github.com/busyboredom/acceptxmr/internal/gateway"
	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/internal/storage"
	"github.com/busyboredom/acceptxmr/internal/testutil"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

func newTestGateway(t *testing.T, daemon *testutil.MockDaemon) *gateway.Gateway {
	t.Helper()
	gw, err := gateway.NewBuilder(testutil.PrivateViewKey, testutil.PrimaryAddress, storage.NewInMemory(), logger.NewNop()).
		DaemonClient(daemon).
		ScanInterval(10 * time.Millisecond).
		Seed(1).
		DeleteExpired(true).
		Build()
	require.NoError(t, err)
	return gw
}

func TestBuildRejectsBadWallet(t *testing.T) {
	_, err := gateway.NewBuilder("not hex", testutil.PrimaryAddress, storage.NewInMemory(), logger.NewNop()).Build()
	assert.Error(t, err)

	_, err = gateway.NewBuilder(testutil.PrivateViewKey, "not an address", storage.NewInMemory(), logger.NewNop()).Build()
	assert.Error(t, err)
}

func TestRunStopStatus(t *testing.T) {
	daemon := testutil.NewMockDaemon(120)
	gw := newTestGateway(t, daemon)

	status, _ := gw.Status()
	assert.Equal(t, gateway.StatusStopped, status)

	require.NoError(t, gw.Run())
	status, _ = gw.Status()
	assert.Equal(t, gateway.StatusRunning, status)

	// A second Run fails while the scanner is active.
	assert.ErrorIs(t, gw.Run(), gateway.ErrAlreadyRunning)

	gw.Stop()
	status, _ = gw.Status()
	assert.Equal(t, gateway.StatusStopped, status)
}

func TestEndToEndPayment(t *testing.T) {
	daemon := testutil.NewMockDaemon(120)
	gw := newTestGateway(t, daemon)
	require.NoError(t, gw.Run())
	defer gw.Stop()

	id, err := gw.NewInvoice(1000, 0, 20, "for pizza", "")
	require.NoError(t, err)

	invoice, err := gw.GetInvoice(id)
	require.NoError(t, err)
	require.NotNil(t, invoice)

	sub := gw.Subscribe(id)
	require.NotNil(t, sub)

	paid, err := gw.IsPaid(id)
	require.NoError(t, err)
	assert.False(t, paid)

	tx, err := testutil.PayToSubaddress(mustViewPair(t), invoice.Index, 1000, "gateway-tx")
	require.NoError(t, err)
	daemon.AddBlock(tx)

	deadline := time.After(5 * time.Second)
	for {
		var update *models.Invoice
		select {
		case <-deadline:
			t.Fatal("never saw the payment confirm")
		default:
		}
		update, err = sub.RecvTimeout(5 * time.Second)
		require.NoError(t, err)
		if update.IsConfirmed() {
			assert.Equal(t, uint64(1000), update.AmountPaid)
			break
		}
	}

	paid, err = gw.IsPaid(id)
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestInvoiceIDsAndRemove(t *testing.T) {
	daemon := testutil.NewMockDaemon(120)
	gw := newTestGateway(t, daemon)

	id, err := gw.NewInvoice(1000, 0, 20, "one", "")
	require.NoError(t, err)

	ids, err := gw.InvoiceIDs()
	require.NoError(t, err)
	assert.Equal(t, []models.InvoiceID{id}, ids)

	sub := gw.Subscribe(id)
	require.NotNil(t, sub)

	old, err := gw.RemoveInvoice(id)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, id, old.ID())

	// The subscription closes and the invoice is gone.
	_, err = sub.RecvTimeout(time.Second)
	assert.Error(t, err)
	gone, err := gw.GetInvoice(id)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Removing an unknown invoice is a nil no-op.
	old, err = gw.RemoveInvoice(id)
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestIsPaidUnknownInvoice(t *testing.T) {
	daemon := testutil.NewMockDaemon(120)
	gw := newTestGateway(t, daemon)

	_, err := gw.IsPaid(models.NewInvoiceID(models.NewSubIndex(0, 1), 100))
	assert.ErrorIs(t, err, models.ErrInvoiceNotFound)
}

func TestNewInvoiceWithoutCallbackIgnoresQueuePressure(t *testing.T) {
	daemon := testutil.NewMockDaemon(120)
	config := callback.DefaultConfig()
	config.QueueSize = 1
	gw, err := gateway.NewBuilder(testutil.PrivateViewKey, testutil.PrimaryAddress, storage.NewInMemory(), logger.NewNop()).
		DaemonClient(daemon).
		Seed(1).
		CallbackConfig(config).
		Build()
	require.NoError(t, err)

	// Invoices without callbacks are unaffected by queue pressure.
	_, err = gw.NewInvoice(1000, 0, 20, "no callback", "")
	require.NoError(t, err)
}

func mustViewPair(t *testing.T) *crypto.ViewPair {
	t.Helper()
	vp, err := testutil.NewViewPair()
	require.NoError(t, err)
	return vp
}
