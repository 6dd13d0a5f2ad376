// Package notifier pushes human-readable invoice notifications to the
// merchant. It consumes the same update stream as any other subscriber; the
// engine does not know it exists.
package notifier

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/internal/pubsub"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

// TelegramNotifier messages a fixed chat when an invoice is confirmed, or
// when it expires with less than the requested amount paid.
type TelegramNotifier struct {
	logger *logger.Logger
	bot    *bot.Bot
	chatID string

	// notified remembers which invoices were already announced so repeated
	// updates do not repeat messages.
	notified map[models.InvoiceID]bool
}

// NewTelegramNotifier connects to the Telegram bot API.
func NewTelegramNotifier(token, chatID string, log *logger.Logger) (*TelegramNotifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{
		logger:   log,
		bot:      b,
		chatID:   chatID,
		notified: make(map[models.InvoiceID]bool),
	}, nil
}

// Run consumes invoice updates until the subscription closes or the context
// is cancelled.
func (t *TelegramNotifier) Run(ctx context.Context, subscriber *pubsub.Subscriber) {
	for {
		invoice, err := subscriber.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Info("Invoice update stream closed; stopping telegram notifier")
			}
			return
		}
		t.handleUpdate(ctx, invoice)
	}
}

func (t *TelegramNotifier) handleUpdate(ctx context.Context, invoice *models.Invoice) {
	id := invoice.ID()
	switch {
	case invoice.IsConfirmed() && !t.notified[id]:
		t.notified[id] = true
		t.send(ctx, fmt.Sprintf(
			"Invoice %s confirmed: %s XMR received for %q.",
			id, models.FormatXMR(invoice.AmountPaid), invoice.Description,
		))
	case invoice.IsExpired() && invoice.AmountPaid < invoice.AmountRequested && !t.notified[id]:
		t.notified[id] = true
		t.send(ctx, fmt.Sprintf(
			"Invoice %s expired with %s/%s XMR paid.",
			id, models.FormatXMR(invoice.AmountPaid), models.FormatXMR(invoice.AmountRequested),
		))
	}
}

func (t *TelegramNotifier) send(ctx context.Context, message string) {
	params := &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   message,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		t.logger.Error("Failed to send notification: ", err)
	}
}
