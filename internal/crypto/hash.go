// Package crypto implements the view-key side of Monero's wallet
// cryptography: subaddress derivation, address encoding, and recognition and
// unblinding of owned transaction outputs. Everything here is pure; no
// secrets leave the process.
package crypto

import (
	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the legacy (pre-NIST) Keccak-256 digest of the
// concatenated inputs. Monero uses this everywhere a hash is needed.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var digest [32]byte
	h.Sum(digest[:0])
	return digest
}

// hashToScalar is Monero's H_s: Keccak-256 reduced into the ed25519 scalar
// field.
func hashToScalar(data ...[]byte) *edwards25519.Scalar {
	digest := Keccak256(data...)
	var wide [64]byte
	copy(wide[:32], digest[:])
	scalar, err := new(edwards25519.Scalar).SetUniformBytes(wide[:])
	if err != nil {
		// SetUniformBytes only fails on inputs that are not 64 bytes long.
		panic(err)
	}
	return scalar
}

// appendVarint appends n in the unsigned LEB128 encoding Monero uses for
// output indices and address prefixes.
func appendVarint(buf []byte, n uint64) []byte {
	for n >= 0x80 {
		buf = append(buf, byte(n)|0x80)
		n >>= 7
	}
	return append(buf, byte(n))
}

func le32(n uint32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}
