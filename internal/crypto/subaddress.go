package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/busyboredom/acceptxmr/internal/models"
)

// Address network prefixes (varint-encoded in the address blob).
const (
	MainnetPrimaryPrefix     = 18
	MainnetSubaddressPrefix  = 42
	TestnetPrimaryPrefix     = 53
	TestnetSubaddressPrefix  = 63
	StagenetPrimaryPrefix    = 24
	StagenetSubaddressPrefix = 36
)

const addressChecksumLen = 4

// subaddressSecretPrefix is the domain separator for subaddress secret keys.
var subaddressSecretPrefix = []byte("SubAddr\x00")

// ViewPair holds the private view key and the primary public spend key: the
// two pieces needed to derive subaddresses and recognize owned outputs
// without any ability to spend.
type ViewPair struct {
	view             *edwards25519.Scalar
	spendPub         *edwards25519.Point
	primaryAddress   string
	subaddressPrefix uint64
}

// NewViewPair parses a hex private view key and a primary address, verifying
// the address checksum and that the view key matches the address.
func NewViewPair(privateViewKeyHex, primaryAddress string) (*ViewPair, error) {
	viewKeyRaw, err := hex.DecodeString(privateViewKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private view key hex: %w", err)
	}
	if len(viewKeyRaw) != 32 {
		return nil, fmt.Errorf("private view key must be 32 bytes, got %d", len(viewKeyRaw))
	}
	view, err := new(edwards25519.Scalar).SetCanonicalBytes(viewKeyRaw)
	if err != nil {
		return nil, fmt.Errorf("private view key is not a canonical scalar: %w", err)
	}

	prefix, spendPubRaw, viewPubRaw, err := DecodeAddress(primaryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to decode primary address: %w", err)
	}
	subPrefix, err := subaddressPrefixFor(prefix)
	if err != nil {
		return nil, err
	}

	spendPub, err := new(edwards25519.Point).SetBytes(spendPubRaw[:])
	if err != nil {
		return nil, fmt.Errorf("primary address spend key is not a valid point: %w", err)
	}

	// The address's public view key must be view·G, or the configured view
	// key does not belong to this address.
	expectedViewPub := new(edwards25519.Point).ScalarBaseMult(view)
	if !bytes.Equal(expectedViewPub.Bytes(), viewPubRaw[:]) {
		return nil, fmt.Errorf("private view key does not match primary address")
	}

	return &ViewPair{
		view:             view,
		spendPub:         spendPub,
		primaryAddress:   primaryAddress,
		subaddressPrefix: subPrefix,
	}, nil
}

// PrimaryAddress returns the configured primary address.
func (vp *ViewPair) PrimaryAddress() string {
	return vp.primaryAddress
}

// SubaddressSpendKey returns the public spend key D of the subaddress at the
// given index. For index (0,0) this is the primary spend key itself.
func (vp *ViewPair) SubaddressSpendKey(index models.SubIndex) models.Key {
	point := vp.subaddressSpendPoint(index)
	var key models.Key
	copy(key[:], point.Bytes())
	return key
}

// Subaddress returns the textual subaddress for the given index. Index (0,0)
// yields the primary address.
func (vp *ViewPair) Subaddress(index models.SubIndex) string {
	if index.Major == 0 && index.Minor == 0 {
		return vp.primaryAddress
	}
	spend := vp.subaddressSpendPoint(index)
	view := new(edwards25519.Point).ScalarMult(vp.view, spend)
	return encodeAddress(vp.subaddressPrefix, spend.Bytes(), view.Bytes())
}

func (vp *ViewPair) subaddressSpendPoint(index models.SubIndex) *edwards25519.Point {
	if index.Major == 0 && index.Minor == 0 {
		return vp.spendPub
	}
	// D = B + H_s("SubAddr\0" || a || major || minor)·G
	m := hashToScalar(subaddressSecretPrefix, vp.view.Bytes(), le32(index.Major), le32(index.Minor))
	mG := new(edwards25519.Point).ScalarBaseMult(m)
	return new(edwards25519.Point).Add(vp.spendPub, mG)
}

// DecodeAddress decodes a Monero address into its network prefix, public
// spend key and public view key, verifying the checksum.
func DecodeAddress(address string) (uint64, models.Key, models.Key, error) {
	var spend, view models.Key
	raw, err := DecodeBase58(address)
	if err != nil {
		return 0, spend, view, fmt.Errorf("failed to decode address base58: %w", err)
	}
	if len(raw) < addressChecksumLen {
		return 0, spend, view, fmt.Errorf("address too short")
	}

	body := raw[:len(raw)-addressChecksumLen]
	checksum := raw[len(raw)-addressChecksumLen:]
	digest := Keccak256(body)
	if !bytes.Equal(digest[:addressChecksumLen], checksum) {
		return 0, spend, view, fmt.Errorf("address checksum mismatch")
	}

	prefix, consumed, err := readVarint(body)
	if err != nil {
		return 0, spend, view, fmt.Errorf("failed to read address prefix: %w", err)
	}
	body = body[consumed:]
	if len(body) != 64 {
		return 0, spend, view, fmt.Errorf("address body must hold two keys, got %d bytes", len(body))
	}
	copy(spend[:], body[:32])
	copy(view[:], body[32:])
	return prefix, spend, view, nil
}

func encodeAddress(prefix uint64, spend, view []byte) string {
	body := appendVarint(nil, prefix)
	body = append(body, spend...)
	body = append(body, view...)
	digest := Keccak256(body)
	body = append(body, digest[:addressChecksumLen]...)
	return EncodeBase58(body)
}

func subaddressPrefixFor(primaryPrefix uint64) (uint64, error) {
	switch primaryPrefix {
	case MainnetPrimaryPrefix:
		return MainnetSubaddressPrefix, nil
	case TestnetPrimaryPrefix:
		return TestnetSubaddressPrefix, nil
	case StagenetPrimaryPrefix:
		return StagenetSubaddressPrefix, nil
	default:
		return 0, fmt.Errorf("unrecognized address network prefix %d", primaryPrefix)
	}
}

func readVarint(data []byte) (uint64, int, error) {
	var value uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		value |= uint64(data[i]&0x7F) << shift
		if data[i]&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
		if shift > 63 {
			break
		}
	}
	return 0, 0, fmt.Errorf("malformed varint")
}
