package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

func testInvoice(minor uint32, currentHeight uint64) models.Invoice {
	invoice := models.NewInvoice("addr", models.NewSubIndex(0, minor), 100, 1000, 0, 10, "", "")
	invoice.CurrentHeight = currentHeight
	return invoice
}

func TestSubscribeAndPublish(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	invoice := testInvoice(1, 101)
	publisher.InsertInvoice(invoice.ID())

	sub := publisher.Subscribe(invoice.ID())
	require.NotNil(t, sub)

	publisher.Publish(&invoice)

	received, err := sub.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, invoice, *received)
}

func TestSubscribeUnknownInvoice(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	assert.Nil(t, publisher.Subscribe(models.NewInvoiceID(models.NewSubIndex(0, 1), 100)))
}

func TestMultipleSubscribersReceiveIndependently(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	invoice := testInvoice(1, 101)
	publisher.InsertInvoice(invoice.ID())

	first := publisher.Subscribe(invoice.ID())
	second := publisher.Subscribe(invoice.ID())
	require.NotNil(t, first)
	require.NotNil(t, second)

	publisher.Publish(&invoice)

	for _, sub := range []*Subscriber{first, second} {
		received, err := sub.RecvTimeout(time.Second)
		require.NoError(t, err)
		assert.Equal(t, invoice.ID(), received.ID())
	}
}

func TestGlobalSubscriberSeesAllInvoices(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	first := testInvoice(1, 101)
	second := testInvoice(2, 101)
	publisher.InsertInvoice(first.ID())
	publisher.InsertInvoice(second.ID())

	sub := publisher.SubscribeAll()
	publisher.Publish(&first)
	publisher.Publish(&second)

	a, err := sub.RecvTimeout(time.Second)
	require.NoError(t, err)
	b, err := sub.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]models.InvoiceID{first.ID(), second.ID()},
		[]models.InvoiceID{a.ID(), b.ID()},
	)
}

func TestRemoveInvoiceClosesSubscribers(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	invoice := testInvoice(1, 101)
	publisher.InsertInvoice(invoice.ID())

	sub := publisher.Subscribe(invoice.ID())
	require.NotNil(t, sub)

	publisher.RemoveInvoice(invoice.ID())

	_, err := sub.RecvTimeout(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, sub.BlockingRecv())
}

func TestTryRecv(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	invoice := testInvoice(1, 101)
	publisher.InsertInvoice(invoice.ID())
	sub := publisher.Subscribe(invoice.ID())

	_, err := sub.TryRecv()
	assert.ErrorIs(t, err, ErrNoUpdate)

	publisher.Publish(&invoice)
	received, err := sub.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, invoice.ID(), received.ID())
}

func TestRecvRespectsContext(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	invoice := testInvoice(1, 101)
	publisher.InsertInvoice(invoice.ID())
	sub := publisher.Subscribe(invoice.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLaggingSubscriberDropsOldest(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	invoice := testInvoice(1, 0)
	publisher.InsertInvoice(invoice.ID())
	sub := publisher.Subscribe(invoice.ID())

	// Overflow the buffer; the publisher must never block.
	for height := uint64(1); height <= subscriptionBufferLen+10; height++ {
		update := testInvoice(1, height)
		publisher.Publish(&update)
	}

	// The oldest updates are gone, and what remains is in order.
	received, err := sub.TryRecv()
	require.NoError(t, err)
	assert.Greater(t, received.CurrentHeight, uint64(1))

	last := received.CurrentHeight
	for {
		next, err := sub.TryRecv()
		if err != nil {
			break
		}
		assert.Greater(t, next.CurrentHeight, last)
		last = next.CurrentHeight
	}
	assert.Equal(t, uint64(subscriptionBufferLen+10), last)
}

func TestUnsubscribeClosesOnlyThatSubscriber(t *testing.T) {
	publisher := NewPublisher(logger.NewNop())
	invoice := testInvoice(1, 101)
	publisher.InsertInvoice(invoice.ID())

	kept := publisher.Subscribe(invoice.ID())
	dropped := publisher.Subscribe(invoice.ID())

	publisher.Unsubscribe(dropped)
	_, err := dropped.TryRecv()
	assert.ErrorIs(t, err, ErrClosed)

	publisher.Publish(&invoice)
	received, err := kept.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, invoice.ID(), received.ID())
}
