package scanner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

// cachedBlock is a block held in the sliding window, with its transactions
// already fetched and parsed.
type cachedBlock struct {
	hash         models.Hash
	prevHash     models.Hash
	height       uint64
	transactions []models.Transaction
}

// blockCache is a sliding window over the most recent scanned blocks,
// ordered newest first. Keeping a window lets the scanner detect reorgs by
// checking prev-hash linkage and rescan the affected depth.
type blockCache struct {
	logger *logger.Logger
	client models.DaemonClient
	blocks []cachedBlock
	// height and daemonHeight are read by the gateway facade while the
	// scanner goroutine advances them.
	height       atomic.Uint64
	daemonHeight atomic.Uint64
}

func initBlockCache(ctx context.Context, client models.DaemonClient, size int, initialHeight, daemonHeight uint64, log *logger.Logger) (*blockCache, error) {
	cache := &blockCache{
		logger: log,
		client: client,
	}
	cache.height.Store(initialHeight)
	cache.daemonHeight.Store(daemonHeight)
	for i := 0; i < size; i++ {
		block, err := cache.fetchBlock(ctx, initialHeight-uint64(i))
		if err != nil {
			return nil, err
		}
		cache.blocks = append(cache.blocks, block)
	}
	log.Debugf("Block cache initialized at height %d with %d blocks", initialHeight, size)
	return cache, nil
}

func (c *blockCache) fetchBlock(ctx context.Context, height uint64) (cachedBlock, error) {
	block, err := c.client.Block(ctx, height)
	if err != nil {
		return cachedBlock{}, fmt.Errorf("failed to fetch block %d: %w", height, err)
	}
	transactions, err := c.client.BlockTransactions(ctx, block)
	if err != nil {
		return cachedBlock{}, fmt.Errorf("failed to fetch transactions of block %d: %w", height, err)
	}
	return cachedBlock{
		hash:         block.Hash,
		prevHash:     block.PrevHash,
		height:       height,
		transactions: transactions,
	}, nil
}

// update advances the cache by at most one block and repairs any reorg it
// finds. Returns the number of cached blocks whose contents changed, counted
// from the top of the window; the scanner must rescan that many.
func (c *blockCache) update(ctx context.Context) (int, error) {
	daemonHeight, err := c.client.DaemonHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch daemon height: %w", err)
	}
	c.daemonHeight.Store(daemonHeight)

	updated := 0
	if height := c.height.Load(); height < daemonHeight-1 {
		block, err := c.fetchBlock(ctx, height+1)
		if err != nil {
			return 0, err
		}
		c.blocks = append([]cachedBlock{block}, c.blocks[:len(c.blocks)-1]...)
		c.height.Store(height + 1)
		c.logger.Debugf("Cache top block height updated to %d, blockchain height is %d", height+1, daemonHeight)
		updated = 1
	}

	reorged, err := c.repairReorg(ctx)
	if err != nil {
		return 0, err
	}
	if reorged > updated {
		updated = reorged
	}
	return updated, nil
}

// repairReorg walks the window checking that each block links to its parent,
// refetching any block that no longer matches the chain. Returns the depth
// (from the top of the window) that must be rescanned.
func (c *blockCache) repairReorg(ctx context.Context) (int, error) {
	depth := 0
	for i := 0; i < len(c.blocks)-1; i++ {
		if c.blocks[i].prevHash == c.blocks[i+1].hash {
			continue
		}
		c.logger.Warn("Blocks in cache not consecutive! A reorg may have occurred; repairing now")
		height := c.height.Load() - uint64(i) - 1
		block, err := c.fetchBlock(ctx, height)
		if err != nil {
			return 0, err
		}
		c.blocks[i+1] = block
		depth = i + 2
	}
	return depth, nil
}

func (c *blockCache) topHeight() uint64 {
	return c.height.Load()
}

func (c *blockCache) latestDaemonHeight() uint64 {
	return c.daemonHeight.Load()
}

func (c *blockCache) isSynchronized() bool {
	return c.topHeight() >= c.latestDaemonHeight()-1
}
