package signalservice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/unfacd/unfacd-android-sub003/internal/metrics"
	"github.com/unfacd/unfacd-android-sub003/internal/sessioncrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/signalcrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// DefaultMaxEnvelopeSize is the largest payload accepted for delivery.
const DefaultMaxEnvelopeSize = 256 * 1024

// SendOptions tune one delivery.
type SendOptions struct {
	// Unidentified authorizes the request with the recipient's access key
	// when we know their profile key. It is dropped automatically when the
	// server refuses it.
	Unidentified bool
	Online       bool
	Urgent       bool
}

// Sender encrypts payloads for every device of a recipient and delivers
// them with bounded retry. It only reads group and contact metadata.
type Sender struct {
	store         senderDataStore
	net           messageTransport
	dist          *DistributionState
	identity      sessioncrypto.Identity
	localACI      string
	localDeviceID int
	maxEnvelope   int
	pace          *recipientLimiter
	metrics       *metrics.Metrics
	log           slog.Logger
	locks         *xsync.MapOf[string, *sync.Mutex]
	now           func() time.Time
}

// Send delivers payload to every device of recipient. The returned result
// is filled in on failure too; err is its Err.
func (snd *Sender) Send(ctx context.Context, recipient string, payload []byte, timestamp uint64, opts SendOptions) (SendResult, error) {
	if err := snd.checkSize(payload); err != nil {
		return snd.finish(recipient, SendResult{}, err, time.Time{})
	}
	return snd.deliver(ctx, recipient, &Content{Data: payload}, timestamp, opts)
}

// deliver encrypts and sends one content message.
func (snd *Sender) deliver(ctx context.Context, recipient string, content *Content, timestamp uint64, opts SendOptions) (SendResult, error) {
	start := snd.now()
	res, err := snd.send(ctx, recipient, pad(content.Marshal()), timestamp, opts)
	return snd.finish(recipient, res, err, start)
}

func (snd *Sender) finish(recipient string, res SendResult, err error, start time.Time) (SendResult, error) {
	if err != nil {
		res = failedResult(recipient, err)
		snd.metrics.SendResult(res.Failure.String(), 0)
		snd.log.Debugf("Send to %s failed (%s): %v", recipient, res.Failure, err)
		return res, err
	}
	res.Success.Duration = snd.now().Sub(start)
	snd.metrics.SendResult(FailureNone.String(), res.Success.Duration)
	if snd.log.Level() <= slog.LevelDebug {
		snd.log.Debugf("Sent to %s devices %v in %s (unidentified=%v)",
			recipient, res.Success.Devices, res.Success.Duration, res.Success.Unidentified)
	}
	return res, nil
}

func (snd *Sender) send(ctx context.Context, recipient string, padded []byte, timestamp uint64, opts SendOptions) (SendResult, error) {
	toSelf := recipient == snd.localACI
	devices, skip := snd.initialDevices(recipient, toSelf)
	if len(devices) == 0 {
		// Sending to our own account with no other devices.
		return SendResult{Recipient: recipient, Success: &SendSuccess{}}, nil
	}

	st := &attempt{devices: devices}
	if opts.Unidentified && !toSelf {
		st.accessKey = snd.accessKey(recipient)
	}

	var resp *sendMessageResponse
	err := snd.withDeviceRetry(ctx, recipient, st, skip, func() error {
		r, err := snd.trySend(ctx, recipient, padded, timestamp, st, opts)
		resp = r
		return err
	})
	if err != nil {
		var changed *identityChangedError
		if errors.As(err, &changed) {
			err = &UntrustedIdentityError{Recipient: recipient, IdentityKey: changed.key}
		}
		return SendResult{}, err
	}
	if err := snd.store.SetDevices(recipient, st.devices); err != nil {
		snd.log.Warnf("Saving devices of %s: %v", recipient, err)
	}
	return SendResult{
		Recipient: recipient,
		Success: &SendSuccess{
			Devices:      slices.Clone(st.devices),
			Unidentified: st.accessKey != nil,
			NeedsSync:    resp.NeedsSync && !toSelf,
		},
	}, nil
}

func (snd *Sender) checkSize(payload []byte) error {
	if snd.maxEnvelope > 0 && len(payload) > snd.maxEnvelope {
		return &ContentTooLargeError{Size: len(payload), Limit: snd.maxEnvelope}
	}
	return nil
}

// trySend encrypts for the current device list and transmits one bundle.
func (snd *Sender) trySend(ctx context.Context, recipient string, padded []byte, timestamp uint64,
	st *attempt, opts SendOptions,
) (*sendMessageResponse, error) {
	messages := make([]outgoingMessage, 0, len(st.devices))
	for _, deviceID := range st.devices {
		m, err := snd.encryptFor(ctx, recipient, deviceID, padded, st.accessKey)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if err := snd.pace.Wait(ctx, recipient); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	snd.metrics.SendAttempt()
	return snd.net.sendMessage(ctx, recipient, &outgoingMessageList{
		Destination: recipient,
		Timestamp:   timestamp,
		Messages:    messages,
		Online:      opts.Online,
		Urgent:      opts.Urgent,
	}, st.accessKey)
}

// encryptFor encrypts padded for one device, establishing a session first
// when none is usable.
func (snd *Sender) encryptFor(ctx context.Context, recipient string, deviceID int, padded, accessKey []byte) (outgoingMessage, error) {
	unlock := snd.lock(store.DeviceAddress(recipient, deviceID))
	defer unlock()

	sess, err := snd.loadSession(recipient, deviceID)
	if err != nil {
		return outgoingMessage{}, err
	}
	if sess == nil {
		if sess, err = snd.establish(ctx, recipient, deviceID, accessKey); err != nil {
			return outgoingMessage{}, err
		}
	}

	typ, ct, err := sess.Encrypt(padded)
	if err != nil {
		return outgoingMessage{}, fmt.Errorf("sender: encrypt for %s: %w", store.DeviceAddress(recipient, deviceID), err)
	}
	if err := snd.saveSession(recipient, deviceID, sess); err != nil {
		return outgoingMessage{}, err
	}
	return outgoingMessage{
		Type:                      envelopeType(typ),
		DestinationDeviceID:       deviceID,
		DestinationRegistrationID: int(sess.RemoteRegistrationID),
		Content:                   base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// loadSession returns the device's session, or nil when there is none or
// it was established with an identity that is no longer trusted.
func (snd *Sender) loadSession(recipient string, deviceID int) (*sessioncrypto.Session, error) {
	raw, err := snd.store.LoadSession(recipient, deviceID)
	if err != nil {
		return nil, fmt.Errorf("sender: load session: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	sess, err := sessioncrypto.UnmarshalSession(raw)
	if err != nil {
		snd.log.Warnf("Discarding unreadable session for %s: %v", store.DeviceAddress(recipient, deviceID), err)
		return nil, snd.archive(recipient, deviceID)
	}
	trusted, err := snd.store.IsTrustedIdentity(recipient, sess.RemoteIdentity)
	if err != nil {
		return nil, fmt.Errorf("sender: check identity: %w", err)
	}
	if !trusted {
		snd.log.Infof("Session for %s predates an identity change, archiving",
			store.DeviceAddress(recipient, deviceID))
		return nil, snd.archive(recipient, deviceID)
	}
	return sess, nil
}

func (snd *Sender) saveSession(recipient string, deviceID int, sess *sessioncrypto.Session) error {
	raw, err := sess.Marshal()
	if err != nil {
		return fmt.Errorf("sender: marshal session: %w", err)
	}
	if err := snd.store.StoreSession(recipient, deviceID, raw); err != nil {
		return fmt.Errorf("sender: store session: %w", err)
	}
	return nil
}

// establish fetches the device's pre-key bundle and starts a session.
func (snd *Sender) establish(ctx context.Context, recipient string, deviceID int, accessKey []byte) (*sessioncrypto.Session, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	resp, err := snd.net.getPreKeys(ctx, recipient, deviceID, accessKey)
	if err != nil {
		return nil, err
	}
	bundle, err := bundleFor(resp, deviceID)
	if err != nil {
		return nil, fmt.Errorf("sender: pre-keys for %s: %w", store.DeviceAddress(recipient, deviceID), err)
	}

	trusted, err := snd.store.IsTrustedIdentity(recipient, bundle.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("sender: check identity: %w", err)
	}
	if !trusted {
		return nil, &identityChangedError{recipient: recipient, key: bundle.IdentityKey}
	}
	if err := snd.store.SaveIdentityKey(recipient, bundle.IdentityKey); err != nil {
		return nil, fmt.Errorf("sender: save identity: %w", err)
	}

	sess, err := sessioncrypto.Initiate(snd.identity, bundle, nil)
	if err != nil {
		return nil, fmt.Errorf("sender: start session with %s: %w", store.DeviceAddress(recipient, deviceID), err)
	}
	snd.log.Debugf("Started session with %s", store.DeviceAddress(recipient, deviceID))
	return sess, nil
}

// archive archives a device session and forgets that the device holds our
// sender keys.
func (snd *Sender) archive(recipient string, deviceID int) error {
	if err := snd.store.ArchiveSession(recipient, deviceID); err != nil {
		return fmt.Errorf("sender: archive session: %w", err)
	}
	snd.metrics.SessionArchived()
	if snd.dist != nil {
		if err := snd.dist.Forget(store.DeviceAddress(recipient, deviceID)); err != nil {
			return err
		}
	}
	return nil
}

func (snd *Sender) lock(addr string) func() {
	mu, _ := snd.locks.LoadOrCompute(addr, func() *sync.Mutex { return new(sync.Mutex) })
	mu.Lock()
	return mu.Unlock
}

// accessKey returns the recipient's unidentified access key, or nil when
// we have no profile key for them.
func (snd *Sender) accessKey(recipient string) []byte {
	c, err := snd.store.GetContactByACI(recipient)
	if err != nil || c == nil || len(c.ProfileKey) == 0 {
		return nil
	}
	k, err := signalcrypto.DeriveAccessKey(c.ProfileKey)
	if err != nil {
		snd.log.Warnf("Access key for %s: %v", recipient, err)
		return nil
	}
	return k
}

// bundleFor extracts deviceID's bundle from a pre-key response.
func bundleFor(resp *PreKeyResponse, deviceID int) (sessioncrypto.PreKeyBundle, error) {
	identity, err := decodeKey(resp.IdentityKey)
	if err != nil {
		return sessioncrypto.PreKeyBundle{}, fmt.Errorf("identity key: %w", err)
	}
	idx := slices.IndexFunc(resp.Devices, func(d PreKeyDeviceInfo) bool { return d.DeviceID == deviceID })
	if idx < 0 {
		return sessioncrypto.PreKeyBundle{}, fmt.Errorf("no keys for device %d", deviceID)
	}
	dev := resp.Devices[idx]
	if dev.SignedPreKey == nil {
		return sessioncrypto.PreKeyBundle{}, fmt.Errorf("missing signed pre-key")
	}
	spk, err := decodeKey(dev.SignedPreKey.PublicKey)
	if err != nil {
		return sessioncrypto.PreKeyBundle{}, fmt.Errorf("signed pre-key: %w", err)
	}
	b := sessioncrypto.PreKeyBundle{
		RegistrationID: uint32(dev.RegistrationID),
		DeviceID:       dev.DeviceID,
		IdentityKey:    identity,
		SignedPreKeyID: uint32(dev.SignedPreKey.KeyID),
		SignedPreKey:   spk,
	}
	if dev.PreKey != nil && dev.PreKey.KeyID != 0 {
		pk, err := decodeKey(dev.PreKey.PublicKey)
		if err != nil {
			return sessioncrypto.PreKeyBundle{}, fmt.Errorf("pre-key: %w", err)
		}
		b.PreKeyID = uint32(dev.PreKey.KeyID)
		b.PreKey = pk
	}
	return b, nil
}

// decodeKey accepts padded and unpadded standard base64.
func decodeKey(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func envelopeType(t sessioncrypto.MessageType) int {
	if t == sessioncrypto.TypePreKey {
		return envelopePreKeyBundle
	}
	return envelopeCiphertext
}
