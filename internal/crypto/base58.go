package crypto

import (
	"fmt"
	"math/big"
)

// Monero's base58 variant encodes data in 8-byte blocks of 11 characters
// each, so that addresses have a fixed length. This is not interchangeable
// with the Bitcoin-style base58 used elsewhere.

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	fullBlockSize        = 8
	fullEncodedBlockSize = 11
)

// encodedBlockSizes[n] is the number of characters a partial block of n bytes
// encodes to.
var encodedBlockSizes = [fullBlockSize + 1]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

var base58Digits = func() map[byte]int64 {
	digits := make(map[byte]int64, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		digits[base58Alphabet[i]] = int64(i)
	}
	return digits
}()

// EncodeBase58 encodes data with Monero's block-wise base58.
func EncodeBase58(data []byte) string {
	var encoded []byte
	for start := 0; start < len(data); start += fullBlockSize {
		end := start + fullBlockSize
		if end > len(data) {
			end = len(data)
		}
		encoded = append(encoded, encodeBase58Block(data[start:end])...)
	}
	return string(encoded)
}

func encodeBase58Block(block []byte) []byte {
	num := new(big.Int).SetBytes(block)
	radix := big.NewInt(58)
	remainder := new(big.Int)

	size := encodedBlockSizes[len(block)]
	encoded := make([]byte, size)
	for i := range encoded {
		encoded[i] = base58Alphabet[0]
	}
	for i := size - 1; num.Sign() > 0; i-- {
		num.DivMod(num, radix, remainder)
		encoded[i] = base58Alphabet[remainder.Int64()]
	}
	return encoded
}

// DecodeBase58 decodes a Monero block-wise base58 string.
func DecodeBase58(encoded string) ([]byte, error) {
	var decoded []byte
	for start := 0; start < len(encoded); start += fullEncodedBlockSize {
		end := start + fullEncodedBlockSize
		if end > len(encoded) {
			end = len(encoded)
		}
		block, err := decodeBase58Block(encoded[start:end])
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, block...)
	}
	return decoded, nil
}

func decodeBase58Block(block string) ([]byte, error) {
	size := -1
	for n, encodedSize := range encodedBlockSizes {
		if encodedSize == len(block) && n != 0 {
			size = n
			break
		}
	}
	if size == -1 {
		return nil, fmt.Errorf("invalid base58 block length %d", len(block))
	}

	num := new(big.Int)
	radix := big.NewInt(58)
	for i := 0; i < len(block); i++ {
		digit, ok := base58Digits[block[i]]
		if !ok {
			return nil, fmt.Errorf("invalid base58 character %q", block[i])
		}
		num.Mul(num, radix)
		num.Add(num, big.NewInt(digit))
	}

	raw := num.Bytes()
	if len(raw) > size {
		return nil, fmt.Errorf("base58 block overflows %d bytes", size)
	}
	decoded := make([]byte, size)
	copy(decoded[size-len(raw):], raw)
	return decoded, nil
}
