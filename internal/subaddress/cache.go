// Package subaddress assigns subaddress indices to new invoices and recycles
// the indices of removed ones.
package subaddress

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/busyboredom/acceptxmr/internal/crypto"
	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

// minAvailableSubaddresses is the minimum size of the fresh pool; it is
// extended whenever it runs low.
const minAvailableSubaddresses = 100

type entry struct {
	index   models.SubIndex
	address string
}

// Cache hands out unused subaddress indices for a single major account
// index. Fresh indices are drawn randomly from a pregenerated pool so that
// allocation order does not leak invoice count; released indices are reused
// only once the minor index space is exhausted. Minor index 0 belongs to the
// account's base address and is never handed out.
type Cache struct {
	logger *logger.Logger

	mu           sync.Mutex
	viewPair     *crypto.ViewPair
	major        uint32
	available    []entry
	released     []entry
	highestMinor uint32
	rng          *rand.Rand
}

// Init builds the cache, excluding the indices of invoices already persisted
// in store and restoring the high-water mark from them. A non-nil seed makes
// the allocation order deterministic; use only in tests.
func Init(store models.Storage, viewPair *crypto.ViewPair, major uint32, seed *int64, log *logger.Logger) (*Cache, error) {
	used := make(map[models.SubIndex]bool)
	var maxUsed uint32
	err := store.ForEachInvoice(func(invoice models.Invoice) error {
		used[invoice.Index] = true
		if invoice.Index.Major == major && invoice.Index.Minor > maxUsed {
			maxUsed = invoice.Index.Minor
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read used subaddress indices: %w", err)
	}
	if len(used) > 0 {
		log.Debug("Highest subaddress index in the database: ", models.NewSubIndex(major, maxUsed))
	} else {
		log.Debug("Highest subaddress index in the database: N/A")
	}

	source := rand.NewSource(time.Now().UnixNano())
	if seed != nil {
		log.Warnf("Subaddress allocation seed set to %d. The order in which subaddresses are used will be predictable.", *seed)
		source = rand.NewSource(*seed)
	}

	cache := &Cache{
		logger:   log,
		viewPair: viewPair,
		major:    major,
		rng:      rand.New(source),
	}

	// Generate enough subaddresses to cover all pending invoices, plus
	// headroom for new ones.
	limit := maxUsed + 1
	if limit < minAvailableSubaddresses {
		limit = minAvailableSubaddresses
	}
	for minor := uint32(1); minor <= limit; minor++ {
		index := models.NewSubIndex(major, minor)
		if !used[index] {
			cache.available = append(cache.available, entry{
				index:   index,
				address: viewPair.Subaddress(index),
			})
		}
	}
	cache.highestMinor = limit
	return cache, nil
}

// Allocate removes and returns an unused subaddress index and its address.
func (c *Cache) Allocate() (models.SubIndex, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.available) == 0 {
		c.extend(minAvailableSubaddresses)
	}
	if len(c.available) == 0 {
		// The whole minor index space is in use; fall back on released
		// indices.
		if len(c.released) == 0 {
			return models.SubIndex{}, "", fmt.Errorf("no subaddress indices available in account %d", c.major)
		}
		i := c.rng.Intn(len(c.released))
		picked := c.released[i]
		c.released[i] = c.released[len(c.released)-1]
		c.released = c.released[:len(c.released)-1]
		return picked.index, picked.address, nil
	}

	i := c.rng.Intn(len(c.available))
	picked := c.available[i]
	c.available[i] = c.available[len(c.available)-1]
	c.available = c.available[:len(c.available)-1]

	if len(c.available) < minAvailableSubaddresses {
		c.extend(minAvailableSubaddresses)
	}
	return picked.index, picked.address, nil
}

// Release returns the index of a removed invoice for eventual reuse.
func (c *Cache) Release(index models.SubIndex, address string) {
	if index.Minor == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, entry{index: index, address: address})
}

// HighestMinor returns the highest minor index generated so far. The scanner
// sizes its subaddress lookup table from this.
func (c *Cache) HighestMinor() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestMinor
}

// Major returns the account index this cache allocates from.
func (c *Cache) Major() uint32 {
	return c.major
}

// Len returns the number of fresh subaddresses currently pooled.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.available)
}

// extend appends up to n fresh subaddresses past the current high-water
// mark, stopping early at the top of the minor index space.
func (c *Cache) extend(n uint32) uint32 {
	var count uint32
	for ; count < n; count++ {
		if c.highestMinor == math.MaxUint32 {
			break
		}
		minor := c.highestMinor + 1
		index := models.NewSubIndex(c.major, minor)
		c.available = append(c.available, entry{
			index:   index,
			address: c.viewPair.Subaddress(index),
		})
		c.highestMinor = minor
	}
	return count
}
