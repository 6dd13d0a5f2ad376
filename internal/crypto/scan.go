package crypto

import (
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/busyboredom/acceptxmr/internal/models"
)

var (
	amountDomain  = []byte("amount")
	viewTagDomain = []byte("view_tag")
)

// OwnedOutput is a transaction output recognized as belonging to one of the
// tracked subaddresses.
type OwnedOutput struct {
	// SubIndex of the subaddress the output pays.
	SubIndex models.SubIndex
	// Key is the one-time output public key, used for burning-bug detection.
	Key models.Key
	// Index of the output within its transaction.
	Index uint8
	// Amount in piconeros.
	Amount uint64
}

// ScanTransaction returns the outputs of tx owned by any subaddress in table,
// which maps public spend keys to their subaddress indices. Transactions with
// a non-zero unlock time credit nothing. Outputs that cannot be interpreted
// are treated as not owned; failure to unblind the amount of an owned output
// is an error.
//
// ScanTransaction is pure and safe to call concurrently.
func (vp *ViewPair) ScanTransaction(tx *models.Transaction, table map[models.Key]models.SubIndex) ([]OwnedOutput, error) {
	if tx.UnlockTime != 0 {
		// Refuse to credit timelocked funds; the sender could make them
		// unspendable for an arbitrary duration.
		return nil, nil
	}
	if len(tx.Outputs) > 255 {
		return nil, fmt.Errorf("transaction %s has %d outputs, more than the protocol allows", tx.Hash, len(tx.Outputs))
	}

	mainDerivation, err := vp.keyDerivation(tx.PubKey)
	if err != nil {
		// A malformed tx pubkey means nothing in this transaction can be
		// ours.
		return nil, nil
	}

	var owned []OwnedOutput
	for n := range tx.Outputs {
		output := &tx.Outputs[n]

		derivations := [][]byte{mainDerivation}
		if n < len(tx.AdditionalPubKeys) {
			if additional, err := vp.keyDerivation(tx.AdditionalPubKeys[n]); err == nil {
				derivations = append(derivations, additional)
			}
		}

		for _, derivation := range derivations {
			if output.ViewTag != nil && viewTag(derivation, uint64(n)) != *output.ViewTag {
				continue
			}

			// P' = O - H_s(derivation || n)·G; the output is ours if P'
			// matches a tracked subaddress spend key.
			scalar := derivationToScalar(derivation, uint64(n))
			outputKey, err := new(edwards25519.Point).SetBytes(output.Key[:])
			if err != nil {
				break
			}
			candidate := new(edwards25519.Point).Subtract(outputKey, new(edwards25519.Point).ScalarBaseMult(scalar))
			var candidateKey models.Key
			copy(candidateKey[:], candidate.Bytes())

			subIndex, ok := table[candidateKey]
			if !ok {
				continue
			}

			amount, err := decodeAmount(output, scalar)
			if err != nil {
				return nil, fmt.Errorf("failed to unblind amount of output %d in transaction %s owned by subaddress %s: %w", n, tx.Hash, subIndex, err)
			}
			owned = append(owned, OwnedOutput{
				SubIndex: subIndex,
				Key:      output.Key,
				Index:    uint8(n),
				Amount:   amount,
			})
			break
		}
	}
	return owned, nil
}

// keyDerivation computes 8·a·R, the shared secret between the view key and a
// transaction public key.
func (vp *ViewPair) keyDerivation(txPubKey models.Key) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(txPubKey[:])
	if err != nil {
		return nil, fmt.Errorf("transaction public key is not a valid point: %w", err)
	}
	shared := new(edwards25519.Point).ScalarMult(vp.view, point)
	shared.MultByCofactor(shared)
	return shared.Bytes(), nil
}

// derivationToScalar is H_s(derivation || varint(outputIndex)).
func derivationToScalar(derivation []byte, outputIndex uint64) *edwards25519.Scalar {
	return hashToScalar(derivation, appendVarint(nil, outputIndex))
}

// viewTag is the first byte of keccak("view_tag" || derivation || varint(n)),
// used to cheaply reject outputs that are not ours.
func viewTag(derivation []byte, outputIndex uint64) byte {
	digest := Keccak256(viewTagDomain, derivation, appendVarint(nil, outputIndex))
	return digest[0]
}

// EncryptAmount produces the compact 8-byte encrypted amount for a given
// shared output scalar. It is the inverse of the compact decoding and exists
// so tests can construct valid transactions.
func EncryptAmount(amount uint64, scalar *edwards25519.Scalar) []byte {
	digest := Keccak256(amountDomain, scalar.Bytes())
	var enc [8]byte
	binary.LittleEndian.PutUint64(enc[:], amount)
	for i := range enc {
		enc[i] ^= digest[i]
	}
	return enc[:]
}

// OutputScalar exposes the per-output shared scalar H_s(8aR || n) so tests
// can build transactions addressed to a subaddress.
func (vp *ViewPair) OutputScalar(txPubKey models.Key, outputIndex uint64) (*edwards25519.Scalar, error) {
	derivation, err := vp.keyDerivation(txPubKey)
	if err != nil {
		return nil, err
	}
	return derivationToScalar(derivation, outputIndex), nil
}

// OneTimeKey computes the one-time output key H_s(8aR || n)·G + D paying the
// subaddress with public spend key spendKey at output index n.
func (vp *ViewPair) OneTimeKey(txPubKey models.Key, outputIndex uint64, spendKey models.Key) (models.Key, error) {
	var result models.Key
	scalar, err := vp.OutputScalar(txPubKey, outputIndex)
	if err != nil {
		return result, err
	}
	spendPoint, err := new(edwards25519.Point).SetBytes(spendKey[:])
	if err != nil {
		return result, fmt.Errorf("spend key is not a valid point: %w", err)
	}
	oneTime := new(edwards25519.Point).Add(new(edwards25519.Point).ScalarBaseMult(scalar), spendPoint)
	copy(result[:], oneTime.Bytes())
	return result, nil
}

// ViewTagFor computes the view tag an output at the given index would carry.
func (vp *ViewPair) ViewTagFor(txPubKey models.Key, outputIndex uint64) (byte, error) {
	derivation, err := vp.keyDerivation(txPubKey)
	if err != nil {
		return 0, err
	}
	return viewTag(derivation, outputIndex), nil
}

func decodeAmount(output *models.Output, scalar *edwards25519.Scalar) (uint64, error) {
	switch len(output.EncryptedAmount) {
	case 0:
		// Pre-RingCT or coinbase output with an explicit amount.
		return output.Amount, nil
	case 8:
		// Compact encoding: amount XOR keccak("amount" || H_s(8aR || n)).
		digest := Keccak256(amountDomain, scalar.Bytes())
		var raw [8]byte
		copy(raw[:], output.EncryptedAmount)
		for i := range raw {
			raw[i] ^= digest[i]
		}
		return binary.LittleEndian.Uint64(raw[:]), nil
	case 32:
		// Legacy encoding: amount blinded by scalar addition of
		// H_s(H_s(shared)).
		encrypted, err := new(edwards25519.Scalar).SetCanonicalBytes(output.EncryptedAmount)
		if err != nil {
			return 0, fmt.Errorf("legacy encrypted amount is not a canonical scalar: %w", err)
		}
		mask := hashToScalar(hashToScalar(scalar.Bytes()).Bytes())
		amountScalar := new(edwards25519.Scalar).Subtract(encrypted, mask)
		return binary.LittleEndian.Uint64(amountScalar.Bytes()[:8]), nil
	default:
		return 0, fmt.Errorf("encrypted amount has unsupported length %d", len(output.EncryptedAmount))
	}
}
