package daemon

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/busyboredom/acceptxmr/internal/models"
)

// Tags recognized inside a transaction's extra field.
const (
	extraTagPadding           = 0x00
	extraTagPubKey            = 0x01
	extraTagNonce             = 0x02
	extraTagMergeMining       = 0x03
	extraTagAdditionalPubKeys = 0x04
)

// txJSON is monerod's decode_as_json form of a transaction, reduced to the
// fields the scanner consumes.
type txJSON struct {
	Version    int     `json:"version"`
	UnlockTime uint64  `json:"unlock_time"`
	Vout       []vout  `json:"vout"`
	Extra      []int   `json:"extra"`
	RctSigs    rctSigs `json:"rct_signatures"`
}

type vout struct {
	Amount uint64     `json:"amount"`
	Target voutTarget `json:"target"`
}

type voutTarget struct {
	Key       string     `json:"key"`
	TaggedKey *taggedKey `json:"tagged_key"`
}

type taggedKey struct {
	Key     string `json:"key"`
	ViewTag string `json:"view_tag"`
}

type rctSigs struct {
	Type     int        `json:"type"`
	EcdhInfo []ecdhInfo `json:"ecdhInfo"`
}

type ecdhInfo struct {
	Amount string `json:"amount"`
}

// parseTransaction converts monerod's JSON form into the engine's parsed
// transaction model.
func parseTransaction(hash models.Hash, raw []byte) (models.Transaction, error) {
	var decoded txJSON
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return models.Transaction{}, fmt.Errorf("failed to decode transaction json: %w", err)
	}

	tx := models.Transaction{
		Hash:       hash,
		UnlockTime: decoded.UnlockTime,
		RctType:    decoded.RctSigs.Type,
	}
	// monerod serializes extra as an array of byte values.
	extra := make([]byte, len(decoded.Extra))
	for i, b := range decoded.Extra {
		extra[i] = byte(b)
	}
	if err := parseExtra(extra, &tx); err != nil {
		return models.Transaction{}, fmt.Errorf("failed to parse tx extra: %w", err)
	}

	for i, out := range decoded.Vout {
		output := models.Output{Amount: out.Amount}

		switch {
		case out.Target.TaggedKey != nil:
			key, err := models.ParseKey(out.Target.TaggedKey.Key)
			if err != nil {
				return models.Transaction{}, fmt.Errorf("output %d tagged key: %w", i, err)
			}
			output.Key = key
			tagRaw, err := hex.DecodeString(out.Target.TaggedKey.ViewTag)
			if err != nil || len(tagRaw) != 1 {
				return models.Transaction{}, fmt.Errorf("output %d has malformed view tag %q", i, out.Target.TaggedKey.ViewTag)
			}
			tag := tagRaw[0]
			output.ViewTag = &tag
		case out.Target.Key != "":
			key, err := models.ParseKey(out.Target.Key)
			if err != nil {
				return models.Transaction{}, fmt.Errorf("output %d key: %w", i, err)
			}
			output.Key = key
		default:
			return models.Transaction{}, fmt.Errorf("output %d has no key target", i)
		}

		// RingCT outputs carry their amount in ecdhInfo rather than in the
		// clear.
		if decoded.RctSigs.Type > 0 && i < len(decoded.RctSigs.EcdhInfo) {
			encrypted, err := hex.DecodeString(decoded.RctSigs.EcdhInfo[i].Amount)
			if err != nil {
				return models.Transaction{}, fmt.Errorf("output %d encrypted amount: %w", i, err)
			}
			output.Amount = 0
			output.EncryptedAmount = encrypted
		}

		tx.Outputs = append(tx.Outputs, output)
	}
	return tx, nil
}

// parseExtra walks the tx extra field for the transaction public key and any
// additional per-output public keys. Unknown tags end parsing; a truncated or
// malformed field is returned as an error.
func parseExtra(extra []byte, tx *models.Transaction) error {
	for i := 0; i < len(extra); {
		switch extra[i] {
		case extraTagPadding:
			// Padding runs to the end of the extra field.
			return nil
		case extraTagPubKey:
			if i+33 > len(extra) {
				return fmt.Errorf("truncated tx pubkey in extra")
			}
			copy(tx.PubKey[:], extra[i+1:i+33])
			i += 33
		case extraTagNonce, extraTagMergeMining:
			tag := extra[i]
			length, consumed, err := readVarint(extra[i+1:])
			if err != nil {
				return fmt.Errorf("malformed length in extra tag %#x: %w", tag, err)
			}
			i += 1 + consumed + int(length)
			if i > len(extra) {
				return fmt.Errorf("truncated field in extra tag %#x", tag)
			}
		case extraTagAdditionalPubKeys:
			count, consumed, err := readVarint(extra[i+1:])
			if err != nil {
				return fmt.Errorf("malformed additional pubkey count: %w", err)
			}
			i += 1 + consumed
			for k := uint64(0); k < count; k++ {
				if i+32 > len(extra) {
					return fmt.Errorf("truncated additional pubkey in extra")
				}
				var key models.Key
				copy(key[:], extra[i:i+32])
				tx.AdditionalPubKeys = append(tx.AdditionalPubKeys, key)
				i += 32
			}
		default:
			// Unrecognized tag; nothing after it can be trusted.
			return nil
		}
	}
	return nil
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

// blockJSON is the "json" field of monerod's get_block response.
type blockJSON struct {
	MinerTx  json.RawMessage `json:"miner_tx"`
	TxHashes []string        `json:"tx_hashes"`
}
