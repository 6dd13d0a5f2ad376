package validation

import (
	"encoding/hex"
	"fmt"

	"github.com/busyboredom/acceptxmr/internal/crypto"
)

// ValidateViewKey checks that a private view key is 32 bytes of hex.
func ValidateViewKey(key string) error {
	if key == "" {
		return fmt.Errorf("view key cannot be empty")
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("invalid hex view key: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("invalid view key length: expected 32 bytes, got %d", len(raw))
	}
	return nil
}

// ValidateAddress checks that a string is a well-formed Monero primary
// address: valid base58, intact checksum, and a primary (not subaddress)
// network prefix.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	prefix, _, _, err := crypto.DecodeAddress(address)
	if err != nil {
		return err
	}
	switch prefix {
	case crypto.MainnetPrimaryPrefix, crypto.TestnetPrimaryPrefix, crypto.StagenetPrimaryPrefix:
		return nil
	case crypto.MainnetSubaddressPrefix, crypto.TestnetSubaddressPrefix, crypto.StagenetSubaddressPrefix:
		return fmt.Errorf("address is a subaddress; the wallet's primary address is required")
	default:
		return fmt.Errorf("unrecognized address network prefix %d", prefix)
	}
}
