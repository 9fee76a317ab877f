// Package sessioncrypto implements pairwise device sessions and group
// sender keys on X25519, HKDF-SHA256 and XChaCha20-Poly1305.
//
// A pairwise session is established with an X3DH handshake against a
// recipient's published pre-key bundle. Until the recipient answers, every
// message carries the handshake parameters so that it can build the session
// from any of them. Message keys come from a symmetric hash chain per
// direction; out-of-order delivery is handled with a bounded window of
// skipped keys.
package sessioncrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of X25519 keys and of all derived symmetric keys.
const KeySize = 32

var (
	ErrInvalidKey       = errors.New("sessioncrypto: invalid key")
	ErrInvalidMessage   = errors.New("sessioncrypto: invalid message")
	ErrDuplicateMessage = errors.New("sessioncrypto: duplicate or expired message")
	ErrIdentityMismatch = errors.New("sessioncrypto: message from a different identity")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// GenerateKeyPair returns a fresh key pair read from r, or from crypto/rand
// when r is nil.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

func initiatorSecret(ik, ek KeyPair, peerIdentity, peerSigned, peerOneTime []byte) ([]byte, error) {
	material, err := dhConcat(
		dh{ik.Private, peerSigned},
		dh{ek.Private, peerIdentity},
		dh{ek.Private, peerSigned},
	)
	if err != nil {
		return nil, err
	}
	if len(peerOneTime) > 0 {
		d, err := x25519(ek.Private, peerOneTime)
		if err != nil {
			return nil, err
		}
		material = append(material, d...)
	}
	return kdf(material, "ufsrv/x3dh"), nil
}

func responderSecret(ik, spk KeyPair, opk *KeyPair, peerIdentity, peerBase []byte) ([]byte, error) {
	material, err := dhConcat(
		dh{spk.Private, peerIdentity},
		dh{ik.Private, peerBase},
		dh{spk.Private, peerBase},
	)
	if err != nil {
		return nil, err
	}
	if opk != nil {
		d, err := x25519(opk.Private, peerBase)
		if err != nil {
			return nil, err
		}
		material = append(material, d...)
	}
	return kdf(material, "ufsrv/x3dh"), nil
}

type dh struct {
	priv, pub []byte
}

func dhConcat(pairs ...dh) ([]byte, error) {
	out := make([]byte, 0, len(pairs)*KeySize)
	for _, p := range pairs {
		d, err := x25519(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		out = append(out, d...)
	}
	return out, nil
}

func x25519(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, ErrInvalidKey
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return out, nil
}

func kdf(input []byte, info string) []byte {
	r := hkdf.New(sha256.New, input, nil, []byte(info))
	out := make([]byte, KeySize)
	_, _ = io.ReadFull(r, out)
	return out
}

// chainStep returns the message key at the current position and the next
// chain key.
func chainStep(chainKey []byte) (msgKey, next []byte) {
	return kdf(chainKey, "ufsrv/chain/message"), kdf(chainKey, "ufsrv/chain/next")
}
