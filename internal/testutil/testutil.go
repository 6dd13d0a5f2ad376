// Package testutil provides the pieces tests share: a wallet with a known
// view key, a deterministic in-memory daemon, and helpers for constructing
// transactions addressed to the wallet's subaddresses.
package testutil

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"filippo.io/edwards25519"

	"github.com/busyboredom/acceptxmr/internal/crypto"
	"github.com/busyboredom/acceptxmr/internal/models"
)

// A real (throwaway) mainnet wallet used across the test suite.
const (
	PrimaryAddress = "4613YiHLM6JMH4zejMB2zJY5TwQCxL8p65ufw8kBP5yxX9itmuGLqp1dS4tkVoTxjyH3aYhYNrtGHbQzJQP5bFus3KHVdmf"
	PrivateViewKey = "ad2093a5705b9f33e6f0f0c1bc1f5f639c756cdfc168c8f2ac6127ccbdab3a03"
)

// NewViewPair returns the test wallet's view pair.
func NewViewPair() (*crypto.ViewPair, error) {
	return crypto.NewViewPair(PrivateViewKey, PrimaryAddress)
}

// HashOf derives a deterministic hash from a seed string.
func HashOf(seed string) models.Hash {
	return models.Hash(crypto.Keccak256([]byte("hash"), []byte(seed)))
}

// TxPubKeyFor derives a deterministic transaction public key r·D for the
// subaddress with public spend key spendKey, where r is derived from seed.
func TxPubKeyFor(spendKey models.Key, seed string) (models.Key, error) {
	var result models.Key
	digest := crypto.Keccak256([]byte("tx_secret"), []byte(seed))
	var wide [64]byte
	copy(wide[:32], digest[:])
	r, err := new(edwards25519.Scalar).SetUniformBytes(wide[:])
	if err != nil {
		return result, err
	}
	spendPoint, err := new(edwards25519.Point).SetBytes(spendKey[:])
	if err != nil {
		return result, fmt.Errorf("spend key is not a valid point: %w", err)
	}
	copy(result[:], new(edwards25519.Point).ScalarMult(r, spendPoint).Bytes())
	return result, nil
}

// PaymentOptions tweak PayToSubaddress.
type PaymentOptions struct {
	// UnlockTime sets a timelock on the transaction.
	UnlockTime uint64
	// OmitViewTag drops the view tag from the output.
	OmitViewTag bool
	// ExplicitAmount uses a cleartext amount instead of a RingCT encrypted
	// one.
	ExplicitAmount bool
	// ExtraForeignOutputs appends this many outputs belonging to nobody we
	// track.
	ExtraForeignOutputs int
}

// PayToSubaddress builds a transaction with one output paying amount to the
// wallet's subaddress at index. The seed determines the transaction hash and
// keys, so tests are reproducible.
func PayToSubaddress(vp *crypto.ViewPair, index models.SubIndex, amount uint64, seed string, opts ...PaymentOptions) (models.Transaction, error) {
	var options PaymentOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	spendKey := vp.SubaddressSpendKey(index)
	txPubKey, err := TxPubKeyFor(spendKey, seed)
	if err != nil {
		return models.Transaction{}, err
	}

	oneTimeKey, err := vp.OneTimeKey(txPubKey, 0, spendKey)
	if err != nil {
		return models.Transaction{}, err
	}

	output := models.Output{Key: oneTimeKey}
	if options.ExplicitAmount {
		output.Amount = amount
	} else {
		scalar, err := vp.OutputScalar(txPubKey, 0)
		if err != nil {
			return models.Transaction{}, err
		}
		output.EncryptedAmount = crypto.EncryptAmount(amount, scalar)
	}
	if !options.OmitViewTag {
		tag, err := vp.ViewTagFor(txPubKey, 0)
		if err != nil {
			return models.Transaction{}, err
		}
		output.ViewTag = &tag
	}

	tx := models.Transaction{
		Hash:       HashOf(seed),
		PubKey:     txPubKey,
		UnlockTime: options.UnlockTime,
		RctType:    6,
		Outputs:    []models.Output{output},
	}
	if options.ExplicitAmount {
		tx.RctType = 0
	}

	for i := 0; i < options.ExtraForeignOutputs; i++ {
		foreign := crypto.Keccak256([]byte("foreign"), []byte(seed), []byte{byte(i)})
		foreignScalar, err := new(edwards25519.Scalar).SetUniformBytes(append(foreign[:], make([]byte, 32)...))
		if err != nil {
			return models.Transaction{}, err
		}
		var key models.Key
		copy(key[:], new(edwards25519.Point).ScalarBaseMult(foreignScalar).Bytes())
		tx.Outputs = append(tx.Outputs, models.Output{Key: key, EncryptedAmount: make([]byte, 8)})
	}
	return tx, nil
}

// MockDaemon is an in-memory models.DaemonClient with a controllable chain
// and txpool.
type MockDaemon struct {
	mu         sync.Mutex
	generation uint64
	blocks     []models.Block
	blockTxs   map[models.Hash][]models.Transaction
	txpool     map[models.Hash]models.Transaction
	allTxs     map[models.Hash]models.Transaction
}

// NewMockDaemon creates a chain of empty blocks from height 0 through
// topHeight.
func NewMockDaemon(topHeight uint64) *MockDaemon {
	d := &MockDaemon{
		blockTxs: make(map[models.Hash][]models.Transaction),
		txpool:   make(map[models.Hash]models.Transaction),
		allTxs:   make(map[models.Hash]models.Transaction),
	}
	for height := uint64(0); height <= topHeight; height++ {
		d.appendBlock(nil)
	}
	return d
}

func (d *MockDaemon) blockHash(height uint64) models.Hash {
	var heightRaw, genRaw [8]byte
	binary.LittleEndian.PutUint64(heightRaw[:], height)
	binary.LittleEndian.PutUint64(genRaw[:], d.generation)
	return models.Hash(crypto.Keccak256([]byte("block"), heightRaw[:], genRaw[:]))
}

func (d *MockDaemon) appendBlock(txs []models.Transaction) uint64 {
	height := uint64(len(d.blocks))
	block := models.Block{
		Hash:   d.blockHash(height),
		Height: height,
	}
	if height > 0 {
		block.PrevHash = d.blocks[height-1].Hash
	}
	for _, tx := range txs {
		block.TxHashes = append(block.TxHashes, tx.Hash)
		d.allTxs[tx.Hash] = tx
		delete(d.txpool, tx.Hash)
	}
	d.blocks = append(d.blocks, block)
	d.blockTxs[block.Hash] = txs
	return height
}

// TopHeight returns the height of the newest block.
func (d *MockDaemon) TopHeight() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.blocks)) - 1
}

// AddBlock mines a block containing the given transactions, removing them
// from the txpool, and returns its height.
func (d *MockDaemon) AddBlock(txs ...models.Transaction) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appendBlock(txs)
}

// AddToTxpool makes transactions visible in the txpool.
func (d *MockDaemon) AddToTxpool(txs ...models.Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tx := range txs {
		d.txpool[tx.Hash] = tx
		d.allTxs[tx.Hash] = tx
	}
}

// RemoveFromTxpool drops a transaction from the txpool without mining it.
func (d *MockDaemon) RemoveFromTxpool(hash models.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.txpool, hash)
}

// Reorg rewrites the chain from fromHeight upward with new block hashes,
// placing the given transactions at their assigned heights and extending the
// chain through newTop.
func (d *MockDaemon) Reorg(fromHeight, newTop uint64, txsByHeight map[uint64][]models.Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	d.blocks = d.blocks[:fromHeight]
	for height := fromHeight; height <= newTop; height++ {
		d.appendBlock(txsByHeight[height])
	}
}

func (d *MockDaemon) DaemonHeight(_ context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.blocks)), nil
}

func (d *MockDaemon) Block(_ context.Context, height uint64) (models.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if height >= uint64(len(d.blocks)) {
		return models.Block{}, fmt.Errorf("no block at height %d", height)
	}
	return d.blocks[height], nil
}

func (d *MockDaemon) BlockTransactions(_ context.Context, block models.Block) ([]models.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blockTxs[block.Hash], nil
}

func (d *MockDaemon) TxpoolHashes(_ context.Context) ([]models.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hashes := make([]models.Hash, 0, len(d.txpool))
	for hash := range d.txpool {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (d *MockDaemon) TransactionsByHashes(_ context.Context, hashes []models.Hash) ([]models.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	transactions := make([]models.Transaction, 0, len(hashes))
	for _, hash := range hashes {
		tx, exists := d.allTxs[hash]
		if !exists {
			return nil, fmt.Errorf("unknown transaction %s", hash)
		}
		transactions = append(transactions, tx)
	}
	return transactions, nil
}

func (d *MockDaemon) URL() string {
	return "http://mock-daemon.example.com:18081"
}
