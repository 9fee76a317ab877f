// Package signalcrypto holds the symmetric primitives used around message
// delivery: attachment encryption and unidentified access keys.
package signalcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AccessKeySize is the length of an unidentified access key.
const AccessKeySize = 16

// DeriveAccessKey derives a recipient's unidentified access key from their
// 32-byte profile key: the first 16 bytes of AES-256-GCM over 16 zero bytes
// with an all-zero nonce.
func DeriveAccessKey(profileKey []byte) ([]byte, error) {
	if len(profileKey) != 32 {
		return nil, fmt.Errorf("access key: profile key must be 32 bytes, got %d", len(profileKey))
	}
	block, err := aes.NewCipher(profileKey)
	if err != nil {
		return nil, fmt.Errorf("access key: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("access key: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	out := gcm.Seal(nil, nonce, make([]byte, AccessKeySize), nil)
	return out[:AccessKeySize], nil
}

// CombineAccessKeys XORs the access keys of several recipients into the
// single key a multi-recipient request is authorized with.
func CombineAccessKeys(keys ...[]byte) ([]byte, error) {
	out := make([]byte, AccessKeySize)
	for i, k := range keys {
		if len(k) != AccessKeySize {
			return nil, fmt.Errorf("access key %d: must be %d bytes, got %d", i, AccessKeySize, len(k))
		}
		for j := range out {
			out[j] ^= k[j]
		}
	}
	return out, nil
}
