package sessioncrypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"

	"golang.org/x/crypto/chacha20poly1305"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType distinguishes handshake-carrying messages from plain session
// messages.
type MessageType int

const (
	TypeWhisper MessageType = 2
	TypePreKey  MessageType = 3
)

const maxSkippedKeys = 512

// Identity is the local device's long-term identity.
type Identity struct {
	KeyPair        KeyPair
	RegistrationID uint32
}

// PreKeyBundle is a recipient device's published handshake material.
// PreKeyID 0 means no one-time pre-key was available.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       int
	IdentityKey    []byte
	SignedPreKeyID uint32
	SignedPreKey   []byte
	PreKeyID       uint32
	PreKey         []byte
}

// PendingPreKey holds the handshake parameters an initiator repeats until
// the responder's first reply arrives.
type PendingPreKey struct {
	BaseKey        []byte `json:"base_key"`
	PreKeyID       uint32 `json:"pre_key_id,omitempty"`
	SignedPreKeyID uint32 `json:"signed_pre_key_id"`
	RegistrationID uint32 `json:"registration_id"`
}

// Session is the state shared with one remote device. It is bound to the
// remote identity key it was established with.
type Session struct {
	LocalIdentity        []byte            `json:"local_identity"`
	RemoteIdentity       []byte            `json:"remote_identity"`
	RemoteRegistrationID uint32            `json:"remote_registration_id"`
	SendChainKey         []byte            `json:"send_chain_key"`
	RecvChainKey         []byte            `json:"recv_chain_key"`
	SendIndex            uint32            `json:"send_index"`
	RecvIndex            uint32            `json:"recv_index"`
	Skipped              map[uint32][]byte `json:"skipped,omitempty"`
	Pending              *PendingPreKey    `json:"pending,omitempty"`
}

// Initiate establishes a session with the device described by b.
func Initiate(local Identity, b PreKeyBundle, r io.Reader) (*Session, error) {
	if r == nil {
		r = rand.Reader
	}
	if len(b.IdentityKey) != KeySize || len(b.SignedPreKey) != KeySize {
		return nil, ErrInvalidKey
	}
	var oneTime []byte
	if b.PreKeyID != 0 {
		oneTime = b.PreKey
	}
	ek, err := GenerateKeyPair(r)
	if err != nil {
		return nil, fmt.Errorf("sessioncrypto: ephemeral key: %w", err)
	}
	secret, err := initiatorSecret(local.KeyPair, ek, b.IdentityKey, b.SignedPreKey, oneTime)
	if err != nil {
		return nil, err
	}
	pending := &PendingPreKey{
		BaseKey:        ek.Public,
		SignedPreKeyID: b.SignedPreKeyID,
		RegistrationID: local.RegistrationID,
	}
	if oneTime != nil {
		pending.PreKeyID = b.PreKeyID
	}
	return &Session{
		LocalIdentity:        bytes.Clone(local.KeyPair.Public),
		RemoteIdentity:       bytes.Clone(b.IdentityKey),
		RemoteRegistrationID: b.RegistrationID,
		SendChainKey:         kdf(secret, "ufsrv/session/initiator"),
		RecvChainKey:         kdf(secret, "ufsrv/session/responder"),
		Pending:              pending,
	}, nil
}

// Encrypt seals plaintext for the remote device and advances the sending
// chain.
func (s *Session) Encrypt(plaintext []byte) (MessageType, []byte, error) {
	msgKey, next := chainStep(s.SendChainKey)
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return 0, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return 0, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, associatedData(s.LocalIdentity, s.RemoteIdentity, s.SendIndex))

	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(s.SendIndex))
	inner = protowire.AppendTag(inner, 2, protowire.BytesType)
	inner = protowire.AppendBytes(inner, nonce)
	inner = protowire.AppendTag(inner, 3, protowire.BytesType)
	inner = protowire.AppendBytes(inner, ct)

	s.SendChainKey = next
	s.SendIndex++

	if s.Pending == nil {
		return TypeWhisper, inner, nil
	}
	p := s.Pending
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.RegistrationID))
	if p.PreKeyID != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.PreKeyID))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.SignedPreKeyID))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, p.BaseKey)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, s.LocalIdentity)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return TypePreKey, b, nil
}

// PreKeyMessage is a parsed handshake-carrying message.
type PreKeyMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	SignedPreKeyID uint32
	BaseKey        []byte
	IdentityKey    []byte
	inner          []byte
}

// ParsePreKeyMessage parses a TypePreKey body so the responder can look up
// the pre-keys it names.
func ParsePreKeyMessage(b []byte) (*PreKeyMessage, error) {
	var m PreKeyMessage
	err := fields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			m.RegistrationID = uint32(v)
		case 2:
			m.PreKeyID = uint32(v)
		case 3:
			m.SignedPreKeyID = uint32(v)
		case 4:
			m.BaseKey = raw
		case 5:
			m.IdentityKey = raw
		case 6:
			m.inner = raw
		}
	})
	if err != nil {
		return nil, err
	}
	if len(m.BaseKey) != KeySize || len(m.IdentityKey) != KeySize || m.inner == nil {
		return nil, ErrInvalidMessage
	}
	return &m, nil
}

// Accept builds the responder side of a session from a handshake message
// and decrypts it. oneTime must be the pre-key named by m.PreKeyID, or nil
// when m names none.
func Accept(local Identity, signed KeyPair, oneTime *KeyPair, m *PreKeyMessage) (*Session, []byte, error) {
	if m.PreKeyID != 0 && oneTime == nil {
		return nil, nil, fmt.Errorf("sessioncrypto: one-time pre-key %d required: %w", m.PreKeyID, ErrInvalidKey)
	}
	secret, err := responderSecret(local.KeyPair, signed, oneTime, m.IdentityKey, m.BaseKey)
	if err != nil {
		return nil, nil, err
	}
	s := &Session{
		LocalIdentity:        bytes.Clone(local.KeyPair.Public),
		RemoteIdentity:       bytes.Clone(m.IdentityKey),
		RemoteRegistrationID: m.RegistrationID,
		SendChainKey:         kdf(secret, "ufsrv/session/responder"),
		RecvChainKey:         kdf(secret, "ufsrv/session/initiator"),
	}
	pt, err := s.decryptInner(m.inner)
	if err != nil {
		return nil, nil, err
	}
	return s, pt, nil
}

// Decrypt opens a message on an established session. State is only
// advanced when the message authenticates.
func (s *Session) Decrypt(t MessageType, body []byte) ([]byte, error) {
	switch t {
	case TypePreKey:
		m, err := ParsePreKeyMessage(body)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(m.IdentityKey, s.RemoteIdentity) {
			return nil, ErrIdentityMismatch
		}
		return s.decryptInner(m.inner)
	case TypeWhisper:
		pt, err := s.decryptInner(body)
		if err != nil {
			return nil, err
		}
		// The responder has the session; stop repeating the handshake.
		s.Pending = nil
		return pt, nil
	}
	return nil, fmt.Errorf("%w: type %d", ErrInvalidMessage, t)
}

func (s *Session) decryptInner(b []byte) ([]byte, error) {
	var (
		index     uint32
		nonce, ct []byte
		haveIndex bool
	)
	err := fields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			index, haveIndex = uint32(v), true
		case 2:
			nonce = raw
		case 3:
			ct = raw
		}
	})
	if err != nil {
		return nil, err
	}
	if !haveIndex || len(nonce) != chacha20poly1305.NonceSizeX || len(ct) == 0 {
		return nil, ErrInvalidMessage
	}

	ad := associatedData(s.RemoteIdentity, s.LocalIdentity, index)
	if index < s.RecvIndex {
		key, ok := s.Skipped[index]
		if !ok {
			return nil, ErrDuplicateMessage
		}
		pt, err := open(key, nonce, ct, ad)
		if err != nil {
			return nil, err
		}
		delete(s.Skipped, index)
		return pt, nil
	}
	if index-s.RecvIndex > maxSkippedKeys {
		return nil, fmt.Errorf("%w: index %d too far ahead of %d", ErrInvalidMessage, index, s.RecvIndex)
	}

	skipped := maps.Clone(s.Skipped)
	if skipped == nil {
		skipped = make(map[uint32][]byte)
	}
	chain := s.RecvChainKey
	for i := s.RecvIndex; i < index; i++ {
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
		if i+maxSkippedKeys < index {
			delete(skipped, i)
		}
	}
	if len(skipped) == 0 {
		skipped = nil
	}
	s.Skipped = skipped
	s.RecvChainKey = next
	s.RecvIndex = index + 1
	return pt, nil
}

func open(key, nonce, ct, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return pt, nil
}

func associatedData(sender, receiver []byte, index uint32) []byte {
	ad := make([]byte, 0, len(sender)+len(receiver)+4)
	ad = append(ad, sender...)
	ad = append(ad, receiver...)
	return binary.BigEndian.AppendUint32(ad, index)
}

// fields walks a flat message of varint and bytes fields.
func fields(b []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(m))
			}
			fn(num, v, nil)
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(m))
			}
			fn(num, 0, v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// Marshal serializes the session for storage.
func (s *Session) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSession restores a session serialized with Marshal.
func UnmarshalSession(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("sessioncrypto: unmarshal session: %w", err)
	}
	if len(s.RemoteIdentity) != KeySize || len(s.SendChainKey) != KeySize || len(s.RecvChainKey) != KeySize {
		return nil, fmt.Errorf("sessioncrypto: unmarshal session: %w", ErrInvalidKey)
	}
	return &s, nil
}
