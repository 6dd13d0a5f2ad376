package models

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Hash is a Monero transaction or block hash.
type Hash [32]byte

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("failed to decode hash hex: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Key is a compressed ed25519 point: a public key on the wire.
type Key [32]byte

func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// ParseKey decodes a 64-character hex string into a Key.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("failed to decode key hex: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("key must be %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Output is a single parsed transaction output.
type Output struct {
	// Key is the one-time output public key committed on-chain.
	Key Key
	// ViewTag is the single-byte fast-rejection tag, if the output carries
	// one.
	ViewTag *byte
	// Amount is the explicit amount in piconeros for pre-RingCT and coinbase
	// outputs. Zero for RingCT outputs.
	Amount uint64
	// EncryptedAmount is the RingCT encrypted amount: 8 bytes for compact
	// (Bulletproof2 and later) encodings, 32 bytes for the legacy scalar
	// encoding. Empty for explicit-amount outputs.
	EncryptedAmount []byte
}

// Transaction is a parsed Monero transaction, reduced to the fields the
// output scanner needs.
type Transaction struct {
	Hash Hash
	// PubKey is the transaction public key R from the tx extra.
	PubKey Key
	// AdditionalPubKeys are the per-output additional tx public keys, if the
	// extra carries them.
	AdditionalPubKeys []Key
	// UnlockTime is the transaction's timelock. Non-zero means no output in
	// the transaction may be credited.
	UnlockTime uint64
	// RctType is the RingCT signature type (0 for pre-RingCT transactions).
	RctType int
	Outputs []Output
}

// Block is a parsed block: its header identity and the hashes of the
// transactions it contains.
type Block struct {
	Hash     Hash
	PrevHash Hash
	Height   uint64
	TxHashes []Hash
	// MinerTx is the coinbase transaction, which is carried in the block
	// itself rather than fetched by hash.
	MinerTx *Transaction
}

// DaemonClient is the narrow view of a Monero node the engine consumes. The
// node is trusted for block contents; no SPV verification is performed.
type DaemonClient interface {
	// DaemonHeight returns the current blockchain height (block count, i.e.
	// top block height + 1).
	DaemonHeight(ctx context.Context) (uint64, error)
	// Block fetches the block at the given height.
	Block(ctx context.Context, height uint64) (Block, error)
	// BlockTransactions fetches the parsed transactions of a block,
	// including its coinbase.
	BlockTransactions(ctx context.Context, block Block) ([]Transaction, error)
	// TxpoolHashes returns the hashes of all transactions currently in the
	// node's txpool.
	TxpoolHashes(ctx context.Context) ([]Hash, error)
	// TransactionsByHashes fetches parsed transactions by hash.
	TransactionsByHashes(ctx context.Context, hashes []Hash) ([]Transaction, error)
	// URL returns the configured daemon URL.
	URL() string
}
