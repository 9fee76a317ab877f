package signalcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// AttachmentKeySize is the length of an attachment key: a 32-byte AES key
// followed by a 32-byte HMAC key.
const AttachmentKeySize = 64

// ErrDigestMismatch is returned when downloaded ciphertext does not match
// the digest recorded in its pointer.
var ErrDigestMismatch = errors.New("attachment: digest mismatch")

// EncryptAttachment encrypts plaintext under a fresh random key. It returns
// the ciphertext, the key and the SHA-256 digest of the ciphertext.
func EncryptAttachment(plaintext []byte) (ciphertext, key, digest []byte, err error) {
	key = make([]byte, AttachmentKeySize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, nil, fmt.Errorf("attachment: generate key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("attachment: generate iv: %w", err)
	}
	ciphertext, err = EncryptAttachmentWithIV(plaintext, key, iv)
	if err != nil {
		return nil, nil, nil, err
	}
	sum := sha256.Sum256(ciphertext)
	return ciphertext, key, sum[:], nil
}

// EncryptAttachmentWithIV encrypts plaintext with the given key and IV.
// The output format is: IV (16 bytes) || AES-CBC ciphertext || HMAC-SHA256 (32 bytes).
func EncryptAttachmentWithIV(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != AttachmentKeySize {
		return nil, fmt.Errorf("attachment: key must be %d bytes, got %d", AttachmentKeySize, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("attachment: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("attachment: create cipher: %w", err)
	}

	// PKCS7
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+sha256.Size)
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	mac := hmac.New(sha256.New, key[32:])
	mac.Write(out)
	return mac.Sum(out), nil
}

// DecryptAttachment checks the ciphertext against digest and decrypts it.
// The data format is: IV (16 bytes) || AES-CBC ciphertext || HMAC-SHA256 (32 bytes).
// The key is 64 bytes: 32 bytes AES key + 32 bytes HMAC key.
func DecryptAttachment(data, key, digest []byte) ([]byte, error) {
	if len(key) != AttachmentKeySize {
		return nil, fmt.Errorf("attachment: key must be %d bytes, got %d", AttachmentKeySize, len(key))
	}

	ivLen := aes.BlockSize // 16
	macLen := sha256.Size

	if len(data) < ivLen+macLen+aes.BlockSize {
		return nil, fmt.Errorf("attachment: data too short (%d bytes)", len(data))
	}

	sum := sha256.Sum256(data)
	if !hmac.Equal(sum[:], digest) {
		return nil, ErrDigestMismatch
	}

	aesKey := key[:32]
	hmacKey := key[32:]

	iv := data[:ivLen]
	ct := data[ivLen : len(data)-macLen]
	expectedMAC := data[len(data)-macLen:]

	// Verify HMAC over IV + ciphertext.
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(data[:len(data)-macLen])
	if !hmac.Equal(mac.Sum(nil), expectedMAC) {
		return nil, fmt.Errorf("attachment: HMAC verification failed")
	}

	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("attachment: ciphertext not block-aligned")
	}

	// Decrypt AES-CBC.
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("attachment: create cipher: %w", err)
	}
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)

	// Strip PKCS7 padding.
	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return nil, fmt.Errorf("attachment: invalid PKCS7 padding")
	}
	for _, b := range plaintext[len(plaintext)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("attachment: invalid PKCS7 padding bytes")
		}
	}
	return plaintext[:len(plaintext)-padLen], nil
}
