package scanner

import (
	"context"
	"fmt"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

// indexedTransfer pairs a transfer with the subaddress index it credits.
type indexedTransfer struct {
	index    models.SubIndex
	transfer models.Transfer
}

// txpoolCache remembers the transactions currently in the node's txpool and
// the transfers already discovered in them, so the same transaction is never
// scanned twice and txpool credits are withdrawn once their transaction
// leaves the pool.
type txpoolCache struct {
	logger       *logger.Logger
	client       models.DaemonClient
	transactions map[models.Hash]struct{}
	discovered   map[models.Hash][]indexedTransfer
}

func initTxpoolCache(ctx context.Context, client models.DaemonClient, log *logger.Logger) (*txpoolCache, error) {
	cache := &txpoolCache{
		logger:       log,
		client:       client,
		transactions: make(map[models.Hash]struct{}),
		discovered:   make(map[models.Hash][]indexedTransfer),
	}
	hashes, err := client.TxpoolHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch txpool hashes: %w", err)
	}
	for _, hash := range hashes {
		cache.transactions[hash] = struct{}{}
	}
	return cache, nil
}

// update refreshes the cache against the node's txpool and returns the
// transactions that have not been seen before. Entries whose transaction has
// left the pool are dropped, withdrawing their discovered transfers.
func (c *txpoolCache) update(ctx context.Context) ([]models.Transaction, error) {
	hashes, err := c.client.TxpoolHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch txpool hashes: %w", err)
	}
	c.logger.Debugf("Transactions in txpool: %d", len(hashes))

	present := make(map[models.Hash]struct{}, len(hashes))
	var newHashes []models.Hash
	for _, hash := range hashes {
		present[hash] = struct{}{}
		if _, seen := c.transactions[hash]; !seen {
			newHashes = append(newHashes, hash)
		}
	}

	for hash := range c.transactions {
		if _, stillPresent := present[hash]; !stillPresent {
			delete(c.transactions, hash)
		}
	}
	for hash := range c.discovered {
		if _, stillPresent := present[hash]; !stillPresent {
			delete(c.discovered, hash)
		}
	}

	newTransactions, err := c.client.TransactionsByHashes(ctx, newHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch new txpool transactions: %w", err)
	}
	for _, tx := range newTransactions {
		c.transactions[tx.Hash] = struct{}{}
	}
	return newTransactions, nil
}

// discoveredTransfers returns the transfers found in the current txpool.
func (c *txpoolCache) discoveredTransfers() []indexedTransfer {
	var transfers []indexedTransfer
	for _, found := range c.discovered {
		transfers = append(transfers, found...)
	}
	return transfers
}

// insertTransfers remembers transfers found in newly scanned txpool
// transactions for re-emission on later ticks.
func (c *txpoolCache) insertTransfers(transfers map[models.Hash][]indexedTransfer) {
	for hash, found := range transfers {
		c.discovered[hash] = found
	}
	c.logger.Debugf("Txpool contains transfers for %d tracked transactions", len(c.discovered))
}
