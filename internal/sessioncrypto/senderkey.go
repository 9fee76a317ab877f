package sessioncrypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"google.golang.org/protobuf/encoding/protowire"
)

// SenderKey is one sender's group chain for a distribution ID. The owner
// holds the signing key; receivers only hold the verification key.
type SenderKey struct {
	DistributionID uuid.UUID          `json:"distribution_id"`
	ChainID        uint32             `json:"chain_id"`
	Iteration      uint32             `json:"iteration"`
	ChainKey       []byte             `json:"chain_key"`
	SigningKey     ed25519.PrivateKey `json:"signing_key,omitempty"`
	VerifyKey      ed25519.PublicKey  `json:"verify_key"`
	Skipped        map[uint32][]byte  `json:"skipped,omitempty"`
}

// NewSenderKey creates a fresh owner chain for distributionID.
func NewSenderKey(distributionID uuid.UUID, r io.Reader) (*SenderKey, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: signing key: %w", err)
	}
	var seed [4 + KeySize]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, fmt.Errorf("sessioncrypto: chain seed: %w", err)
	}
	return &SenderKey{
		DistributionID: distributionID,
		ChainID:        binary.BigEndian.Uint32(seed[:4]) >> 1,
		ChainKey:       bytes.Clone(seed[4:]),
		SigningKey:     priv,
		VerifyKey:      pub,
	}, nil
}

// DistributionMessage returns the key material receivers need to decrypt
// messages from the chain's current iteration onward.
func (k *SenderKey) DistributionMessage() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, k.DistributionID[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.ChainID))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Iteration))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, k.ChainKey)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, k.VerifyKey)
	return b
}

// ProcessDistribution builds receiver state from a distribution message.
func ProcessDistribution(b []byte) (*SenderKey, error) {
	var (
		k               SenderKey
		dist, chain, vk []byte
	)
	err := fields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			dist = raw
		case 2:
			k.ChainID = uint32(v)
		case 3:
			k.Iteration = uint32(v)
		case 4:
			chain = raw
		case 5:
			vk = raw
		}
	})
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(dist)
	if err != nil || len(chain) != KeySize || len(vk) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("sessioncrypto: distribution message: %w", ErrInvalidMessage)
	}
	k.DistributionID = id
	k.ChainKey = bytes.Clone(chain)
	k.VerifyKey = ed25519.PublicKey(bytes.Clone(vk))
	return &k, nil
}

// Encrypt seals plaintext on the owner chain and signs the result.
func (k *SenderKey) Encrypt(plaintext []byte) ([]byte, error) {
	if len(k.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sessioncrypto: sender key for %s is receive-only", k.DistributionID)
	}
	msgKey, next := chainStep(k.ChainKey)
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ad := k.associatedData(k.Iteration)
	ct := aead.Seal(nil, nonce, plaintext, ad)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, k.DistributionID[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.ChainID))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Iteration))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, nonce)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, ct)
	sig := ed25519.Sign(k.SigningKey, b)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)

	k.ChainKey = next
	k.Iteration++
	return b, nil
}

// Decrypt verifies and opens a message produced by the owner's Encrypt.
func (k *SenderKey) Decrypt(b []byte) ([]byte, error) {
	var (
		dist, nonce, ct, sig []byte
		chainID, iteration   uint32
		signedLen            int
	)
	rest := b
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, ErrInvalidMessage
		}
		// The signature is the last field and covers everything before it.
		if num == 6 {
			signedLen = len(b) - len(rest)
			break
		}
		m := protowire.ConsumeFieldValue(num, typ, rest[n:])
		if m < 0 {
			return nil, ErrInvalidMessage
		}
		rest = rest[n+m:]
	}
	err := fields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			dist = raw
		case 2:
			chainID = uint32(v)
		case 3:
			iteration = uint32(v)
		case 4:
			nonce = raw
		case 5:
			ct = raw
		case 6:
			sig = raw
		}
	})
	if err != nil {
		return nil, err
	}
	if signedLen == 0 || len(sig) != ed25519.SignatureSize || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidMessage
	}
	if !bytes.Equal(dist, k.DistributionID[:]) || chainID != k.ChainID {
		return nil, fmt.Errorf("%w: unknown sender chain", ErrInvalidMessage)
	}
	if !ed25519.Verify(k.VerifyKey, b[:signedLen], sig) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidMessage)
	}

	ad := k.associatedData(iteration)
	if iteration < k.Iteration {
		key, ok := k.Skipped[iteration]
		if !ok {
			return nil, ErrDuplicateMessage
		}
		pt, err := open(key, nonce, ct, ad)
		if err != nil {
			return nil, err
		}
		delete(k.Skipped, iteration)
		return pt, nil
	}
	if iteration-k.Iteration > maxSkippedKeys {
		return nil, fmt.Errorf("%w: iteration %d too far ahead of %d", ErrInvalidMessage, iteration, k.Iteration)
	}
	skipped := maps.Clone(k.Skipped)
	if skipped == nil {
		skipped = make(map[uint32][]byte)
	}
	chain := k.ChainKey
	for i := k.Iteration; i < iteration; i++ {
		var mk []byte
		mk, chain = chainStep(chain)
		skipped[i] = mk
	}
	mk, next := chainStep(chain)
	pt, err := open(mk, nonce, ct, ad)
	if err != nil {
		return nil, err
	}
	for i := range skipped {
		if i+maxSkippedKeys < iteration {
			delete(skipped, i)
		}
	}
	if len(skipped) == 0 {
		skipped = nil
	}
	k.Skipped = skipped
	k.ChainKey = next
	k.Iteration = iteration + 1
	return pt, nil
}

func (k *SenderKey) associatedData(iteration uint32) []byte {
	ad := make([]byte, 0, 16+8)
	ad = append(ad, k.DistributionID[:]...)
	ad = binary.BigEndian.AppendUint32(ad, k.ChainID)
	return binary.BigEndian.AppendUint32(ad, iteration)
}

// Marshal serializes the sender key for storage.
func (k *SenderKey) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalSenderKey restores a sender key serialized with Marshal.
func UnmarshalSenderKey(b []byte) (*SenderKey, error) {
	var k SenderKey
	if err := json.Unmarshal(b, &k); err != nil {
		return nil, fmt.Errorf("sessioncrypto: unmarshal sender key: %w", err)
	}
	if len(k.ChainKey) != KeySize || len(k.VerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("sessioncrypto: unmarshal sender key: %w", ErrInvalidKey)
	}
	return &k, nil
}
