// Package scanner drives payment detection: it follows the blockchain and
// the txpool through a daemon client, recognizes outputs owned by tracked
// invoices, applies burning-bug protection, and persists and publishes the
// resulting invoice updates.
package scanner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/busyboredom/acceptxmr/internal/callback"
	"github.com/busyboredom/acceptxmr/internal/crypto"
	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/internal/pubsub"
	"github.com/busyboredom/acceptxmr/internal/subaddress"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

// blockCacheSize is the depth of the reorg-detection window.
const blockCacheSize = 10

// Config wires a scanner to its collaborators.
type Config struct {
	Store         models.Storage
	Client        models.DaemonClient
	ViewPair      *crypto.ViewPair
	Subaddresses  *subaddress.Cache
	Publisher     *pubsub.Publisher
	Callbacks     *callback.Queue
	DeleteExpired bool
	// InitialHeight is the height to start scanning from when storage holds
	// no checkpoint (the wallet restore height). Nil falls back to the
	// daemon tip, which degrades burning-bug protection.
	InitialHeight *uint64
}

// Scanner is the engine's only writer of invoice state. One Scan call is one
// tick; the gateway runs ticks on a single goroutine.
type Scanner struct {
	logger *logger.Logger
	config Config

	blockCache  *blockCache
	txpoolCache *txpoolCache
	firstScan   bool

	table      map[models.Key]models.SubIndex
	tableMinor uint32
}

// New prepares a scanner: it determines the starting height, fills the block
// and txpool caches, and registers all persisted invoices with the
// publisher.
func New(ctx context.Context, config Config, log *logger.Logger) (*Scanner, error) {
	daemonHeight, err := config.Client.DaemonHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch daemon height: %w", err)
	}

	startHeight, err := startingHeight(config, daemonHeight, log)
	if err != nil {
		return nil, err
	}
	// The cache stores whole blocks, so its top must leave room for the
	// window below it.
	cacheHeight := startHeight
	if cacheHeight > daemonHeight {
		cacheHeight = daemonHeight
	}
	if cacheHeight < blockCacheSize {
		cacheHeight = blockCacheSize
	}
	cacheHeight--

	blockCache, err := initBlockCache(ctx, config.Client, blockCacheSize, cacheHeight, daemonHeight, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize block cache: %w", err)
	}
	txpoolCache, err := initTxpoolCache(ctx, config.Client, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize txpool cache: %w", err)
	}

	ids, err := config.Store.InvoiceIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked invoices: %w", err)
	}
	for _, id := range ids {
		config.Publisher.InsertInvoice(id)
	}

	return &Scanner{
		logger:      log,
		config:      config,
		blockCache:  blockCache,
		txpoolCache: txpoolCache,
		firstScan:   true,
	}, nil
}

// startingHeight picks the height scanning resumes from: the persisted
// checkpoint, else the lowest tracked invoice height, else the configured
// restore height, else the daemon tip.
func startingHeight(config Config, daemonHeight uint64, log *logger.Logger) (uint64, error) {
	height, err := config.Store.GetHeight()
	if err != nil {
		return 0, fmt.Errorf("failed to read last scanned height: %w", err)
	}
	if height != nil {
		log.Infof("Last block scanned: %d", *height)
		return *height, nil
	}

	height, err = config.Store.LowestInvoiceHeight()
	if err != nil {
		return 0, fmt.Errorf("failed to read lowest invoice height: %w", err)
	}
	if height != nil {
		log.Infof("Pending invoices found in database. Height of lowest invoice: %d", *height)
		return *height, nil
	}

	if config.InitialHeight != nil {
		return *config.InitialHeight, nil
	}
	log.Warn("No last scanned height or restore height available; starting from the daemon tip. Burning bug protection is degraded for previously-used subaddresses.")
	return daemonHeight, nil
}

// CacheHeight returns the top block height of the scan window.
func (s *Scanner) CacheHeight() uint64 {
	return s.blockCache.topHeight()
}

// DaemonHeight returns the most recently observed blockchain height.
func (s *Scanner) DaemonHeight() uint64 {
	return s.blockCache.latestDaemonHeight()
}

// IsSynchronized reports whether the scan window has caught up with the
// daemon tip.
func (s *Scanner) IsSynchronized() bool {
	return s.blockCache.isSynchronized()
}

// Scan performs one tick: advance the caches, find owned outputs, rebuild
// invoice state, persist, publish, enqueue callbacks, and expire.
func (s *Scanner) Scan(ctx context.Context) error {
	blocksUpdated, newTransactions, err := s.updateCaches(ctx)
	if err != nil {
		return err
	}
	if s.firstScan {
		// Rescan the whole window once on startup so output keys seen
		// before the last shutdown are re-registered.
		blocksUpdated = len(s.blockCache.blocks)
	}
	s.refreshTable()

	blockTransfers, err := s.scanBlocks(ctx, blocksUpdated)
	if err != nil {
		return fmt.Errorf("failed to scan block cache: %w", err)
	}
	txpoolTransfers, err := s.scanTxpool(ctx, newTransactions)
	if err != nil {
		return fmt.Errorf("failed to scan txpool: %w", err)
	}
	s.firstScan = false

	transfers := append(blockTransfers, txpoolTransfers...)
	updated, err := s.updateInvoices(transfers, blocksUpdated)
	if err != nil {
		return err
	}

	// Persist before publishing: a published update must already be
	// observable on disk.
	published := make([]models.Invoice, 0, len(updated))
	for _, invoice := range updated {
		if _, err := s.config.Store.UpdateInvoice(invoice); err != nil {
			s.logger.Error("Failed to save updated invoice ", invoice.ID(), ": ", err)
			continue
		}
		published = append(published, invoice)
	}
	if err := s.config.Store.SetHeight(s.blockCache.topHeight()); err != nil {
		return fmt.Errorf("failed to record scanned height: %w", err)
	}
	if err := s.config.Store.Flush(); err != nil {
		return fmt.Errorf("failed to flush storage: %w", err)
	}

	for i := range published {
		invoice := &published[i]
		s.logger.Debugf("Invoice update for subaddress index %s:\n%s", invoice.Index, invoice)
		s.config.Publisher.Publish(invoice)
		if invoice.Callback != "" && s.config.Callbacks != nil {
			if err := s.config.Callbacks.Enqueue(ctx, invoice.Callback, *invoice); err != nil {
				s.logger.Error("Failed to enqueue callback for invoice ", invoice.ID(), ": ", err)
			}
		}
	}

	if s.config.DeleteExpired {
		if err := s.removeExpired(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) updateCaches(ctx context.Context) (int, []models.Transaction, error) {
	blocksUpdated, err := s.blockCache.update(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to update block cache: %w", err)
	}
	newTransactions, err := s.txpoolCache.update(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to update txpool cache: %w", err)
	}
	return blocksUpdated, newTransactions, nil
}

// refreshTable rebuilds the subaddress lookup table when new minor indices
// have been generated since the last tick.
func (s *Scanner) refreshTable() {
	highest := s.config.Subaddresses.HighestMinor()
	if s.table != nil && highest <= s.tableMinor {
		return
	}
	major := s.config.Subaddresses.Major()
	table := make(map[models.Key]models.SubIndex, highest+1)
	for minor := uint32(0); minor <= highest; minor++ {
		index := models.NewSubIndex(major, minor)
		table[s.config.ViewPair.SubaddressSpendKey(index)] = index
	}
	s.table = table
	s.tableMinor = highest
}

// scanBlocks scans the updated depth of the block cache in ascending height
// order.
func (s *Scanner) scanBlocks(ctx context.Context, blocksUpdated int) ([]indexedTransfer, error) {
	if blocksUpdated > len(s.blockCache.blocks) {
		blocksUpdated = len(s.blockCache.blocks)
	}
	var transfers []indexedTransfer
	for i := blocksUpdated - 1; i >= 0; i-- {
		block := &s.blockCache.blocks[i]
		owned, err := s.scanTransactions(ctx, block.transactions)
		if err != nil {
			return nil, err
		}
		s.logger.Debugf("Scanned %d transactions from block %d and found %d with owned outputs",
			len(block.transactions), block.height, len(owned))
		height := block.height
		for _, outputs := range owned {
			for _, output := range outputs {
				blockHeight := height
				transfers = append(transfers, indexedTransfer{
					index:    output.index,
					transfer: models.NewTransfer(output.amount, &blockHeight),
				})
			}
		}
	}
	return transfers, nil
}

// scanTxpool scans transactions new to the txpool and re-emits transfers
// discovered on earlier ticks for transactions still in the pool.
func (s *Scanner) scanTxpool(ctx context.Context, newTransactions []models.Transaction) ([]indexedTransfer, error) {
	owned, err := s.scanTransactions(ctx, newTransactions)
	if err != nil {
		return nil, err
	}
	s.logger.Debugf("Scanned %d new transactions from txpool and found %d with owned outputs",
		len(newTransactions), len(owned))

	discovered := make(map[models.Hash][]indexedTransfer, len(owned))
	for hash, outputs := range owned {
		for _, output := range outputs {
			discovered[hash] = append(discovered[hash], indexedTransfer{
				index:    output.index,
				transfer: models.NewTransfer(output.amount, nil),
			})
		}
	}
	s.txpoolCache.insertTransfers(discovered)

	return s.txpoolCache.discoveredTransfers(), nil
}

type ownedAmount struct {
	index  models.SubIndex
	amount uint64
}

// scanTransactions runs the output scanner over the given transactions in
// parallel, then sequentially applies the burning-bug rule and filters for
// subaddresses actually held by tracked invoices.
func (s *Scanner) scanTransactions(ctx context.Context, transactions []models.Transaction) (map[models.Hash][]ownedAmount, error) {
	results := make([][]crypto.OwnedOutput, len(transactions))
	group, _ := errgroup.WithContext(ctx)
	for i := range transactions {
		i := i
		tx := &transactions[i]
		if tx.UnlockTime != 0 {
			s.logger.Debugf("Saw time locked transaction with hash %s", tx.Hash)
			continue
		}
		group.Go(func() error {
			owned, err := s.config.ViewPair.ScanTransaction(tx, s.table)
			if err != nil {
				s.logger.Warnf("Failed to scan transaction %s; crediting nothing from it: %v", tx.Hash, err)
				return nil
			}
			results[i] = owned
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	amounts := make(map[models.Hash][]ownedAmount)
	for i, owned := range results {
		txHash := transactions[i].Hash
		for _, output := range owned {
			unique, err := s.outputKeyIsUnique(output, txHash)
			if err != nil {
				return nil, err
			}
			if !unique {
				s.logger.Warnf("Owned output #%d in transaction %s reuses a known one-time output key; refusing to credit it (burning bug)",
					output.Index, txHash)
				continue
			}
			tracked, err := s.config.Store.ContainsSubIndex(output.SubIndex)
			if err != nil {
				return nil, fmt.Errorf("failed to check tracked subaddresses: %w", err)
			}
			if tracked {
				amounts[txHash] = append(amounts[txHash], ownedAmount{index: output.SubIndex, amount: output.Amount})
			}
		}
	}
	return amounts, nil
}

// outputKeyIsUnique applies the burning-bug rule: a one-time output key may
// only ever be credited for the output that first used it. A sighting of the
// same key in the same transaction at the same output index is benign
// (txpool then block); anything else is refused.
func (s *Scanner) outputKeyIsUnique(output crypto.OwnedOutput, txHash models.Hash) (bool, error) {
	outputID := models.OutputID{TxHash: txHash, Index: output.Index}
	stored, err := s.config.Store.LookupOutputKey(output.Key)
	if err != nil {
		return false, fmt.Errorf("failed to look up output key: %w", err)
	}
	if stored != nil {
		return *stored == outputID, nil
	}
	if err := s.config.Store.RecordOutputKey(output.Key, outputID); err != nil {
		if errors.Is(err, models.ErrDuplicateOutputKey) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record output key: %w", err)
	}
	return true, nil
}

// updateInvoices rebuilds each tracked invoice from the tick's findings and
// returns those whose observable state changed.
func (s *Scanner) updateInvoices(transfers []indexedTransfer, blocksUpdated int) ([]models.Invoice, error) {
	cacheHeight := s.blockCache.topHeight()
	deepestUpdate := cacheHeight - uint64(blocksUpdated) + 1

	var updated []models.Invoice
	err := s.config.Store.ForEachInvoice(func(old models.Invoice) error {
		invoice := old.Clone()

		// Drop transfers at or above the deepest updated block. Mined
		// transfers below it are untouched; txpool transfers are always
		// dropped and re-added from the txpool cache, which withdraws them
		// once their transaction disappears.
		cutoff := models.NewTransfer(0, &deepestUpdate)
		retained := invoice.Transfers[:0]
		for _, transfer := range invoice.Transfers {
			if transfer.CmpByHeight(cutoff) < 0 {
				retained = append(retained, transfer)
			}
		}
		invoice.Transfers = retained

		// Add this tick's transfers that are newer than the invoice.
		// Creation height is one greater than the top block at creation
		// time, so a transfer in the very next block qualifies.
		for _, found := range transfers {
			if found.index != invoice.Index {
				continue
			}
			if invoice.CreationHeight > 0 {
				threshold := invoice.CreationHeight - 1
				if found.transfer.CmpByHeight(models.NewTransfer(0, &threshold)) <= 0 {
					continue
				}
			}
			invoice.Transfers = append(invoice.Transfers, found.transfer)
		}

		invoice.CurrentHeight = cacheHeight + 1

		if !invoice.Equal(&old) {
			invoice.AmountPaid = 0
			invoice.PaidHeight = nil
			// The paid height is the height at which mined transfers alone
			// covered the requested amount; txpool transfers raise the paid
			// amount but never set it.
			var minedPaid uint64
			for _, transfer := range invoice.Transfers {
				invoice.AmountPaid += transfer.Amount
				if transfer.Height != nil {
					minedPaid += transfer.Amount
					if minedPaid >= invoice.AmountRequested && invoice.PaidHeight == nil {
						invoice.PaidHeight = transfer.Height
					}
				}
			}
			updated = append(updated, invoice)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate invoices: %w", err)
	}
	return updated, nil
}

// removeExpired deletes invoices that are expired and not awaiting
// confirmation, closing their subscriptions and freeing their subaddresses.
func (s *Scanner) removeExpired() error {
	var expired []models.Invoice
	err := s.config.Store.ForEachInvoice(func(invoice models.Invoice) error {
		if invoice.IsExpired() {
			expired = append(expired, invoice)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to iterate invoices for expiry: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	for i := range expired {
		invoice := &expired[i]
		s.logger.Info("Removing expired invoice ", invoice.ID())
		if _, err := s.config.Store.RemoveInvoice(invoice.ID()); err != nil {
			s.logger.Error("Failed to remove expired invoice ", invoice.ID(), ": ", err)
			continue
		}
		s.config.Publisher.RemoveInvoice(invoice.ID())
		s.config.Subaddresses.Release(invoice.Index, invoice.Address)
	}
	if err := s.config.Store.Flush(); err != nil {
		return fmt.Errorf("failed to flush storage after expiry: %w", err)
	}
	return nil
}
