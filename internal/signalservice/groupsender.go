package signalservice

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/unfacd/unfacd-android-sub003/internal/sessioncrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/signalcrypto"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// SendToGroup delivers payload to recipients with one encryption under our
// sender key for distributionID. Devices that do not hold the key yet get it
// first through ordinary sessions; recipients whose distribution fails are
// reported as network failures and left out of the batch. The batch itself
// is one multi-recipient request.
//
// The local account is never a recipient. The error is only set when
// nothing could be attempted.
func (s *Service) SendToGroup(ctx context.Context, distributionID uuid.UUID, recipients []string,
	payload []byte, timestamp uint64,
) ([]SendResult, error) {
	if err := s.sender.checkSize(payload); err != nil {
		return nil, err
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	recipients = s.groupRecipients(recipients)
	if len(recipients) == 0 {
		return nil, nil
	}

	sk, err := s.ownSenderKey(distributionID)
	if err != nil {
		return nil, err
	}
	s.fanLog.Debugf("Group send to %d recipients (distribution %s)", len(recipients), distributionID)

	start := s.sender.now()
	failed := make(map[string]SendResult)
	active := recipients
	st := &attempt{accessKey: s.combinedAccessKey(recipients)}
	padded := pad((&Content{Data: payload}).Marshal())

	var resp *multiRecipientResponse
	err = s.sender.withGroupDeviceRetry(ctx, st, func() error {
		active = s.distribute(ctx, sk, active, timestamp, failed)
		if len(active) == 0 {
			return nil
		}
		msg, err := s.groupMessage(distributionID, active, padded, timestamp)
		if err != nil {
			return err
		}
		if err := s.sender.pace.Wait(ctx, distributionID.String()); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if err := cancelled(ctx); err != nil {
			return err
		}
		s.metrics.SendAttempt()
		resp, err = s.sender.net.sendMultiRecipient(ctx, msg, st.accessKey)
		return err
	})

	results := make([]SendResult, 0, len(recipients))
	for _, r := range recipients {
		if res, ok := failed[r]; ok {
			results = append(results, res)
			continue
		}
		switch {
		case err != nil:
			res, _ := s.sender.finish(r, SendResult{}, err, start)
			results = append(results, res)
		case slices.Contains(resp.UUIDs404, r):
			res, _ := s.sender.finish(r, SendResult{}, ErrUnregistered, start)
			results = append(results, res)
		default:
			devices, _ := s.sender.initialDevices(r, false)
			res, _ := s.sender.finish(r, SendResult{Recipient: r, Success: &SendSuccess{
				Devices:      devices,
				Unidentified: st.accessKey != nil,
			}}, nil, start)
			results = append(results, res)
		}
	}
	return results, nil
}

// groupRecipients removes duplicates and the local account.
func (s *Service) groupRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != s.sender.localACI && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// ownSenderKey loads our sender key for distributionID, creating it on
// first use.
func (s *Service) ownSenderKey(distributionID uuid.UUID) (*sessioncrypto.SenderKey, error) {
	unlock := s.sender.lock("sk:" + distributionID.String())
	defer unlock()

	raw, err := s.sender.store.LoadSenderKey(distributionID)
	if err != nil {
		return nil, fmt.Errorf("group: load sender key: %w", err)
	}
	if raw != nil {
		sk, err := sessioncrypto.UnmarshalSenderKey(raw)
		if err != nil {
			return nil, fmt.Errorf("group: sender key: %w", err)
		}
		return sk, nil
	}
	sk, err := sessioncrypto.NewSenderKey(distributionID, nil)
	if err != nil {
		return nil, fmt.Errorf("group: new sender key: %w", err)
	}
	if err := s.saveSenderKey(sk); err != nil {
		return nil, err
	}
	s.fanLog.Infof("Created sender key for distribution %s", distributionID)
	return sk, nil
}

func (s *Service) saveSenderKey(sk *sessioncrypto.SenderKey) error {
	raw, err := sk.Marshal()
	if err != nil {
		return fmt.Errorf("group: marshal sender key: %w", err)
	}
	if err := s.sender.store.StoreSenderKey(sk.DistributionID, raw); err != nil {
		return fmt.Errorf("group: store sender key: %w", err)
	}
	return nil
}

// distribute sends the distribution message to every recipient with a
// device that lacks the key or a session. It returns the recipients that
// may take part in the batch; the others are recorded in failed.
func (s *Service) distribute(ctx context.Context, sk *sessioncrypto.SenderKey, recipients []string,
	timestamp uint64, failed map[string]SendResult,
) []string {
	var pending []string
	for _, r := range recipients {
		need, err := s.needsDistribution(sk.DistributionID, r)
		if err != nil {
			failed[r] = failedResult(r, err)
			continue
		}
		if need {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return without(recipients, failed)
	}

	s.fanLog.Debugf("Distributing sender key to %d recipients", len(pending))
	content := &Content{SenderKeyDistribution: sk.DistributionMessage()}
	var delivered int
	for _, res := range s.fanOut(ctx, pending, content, timestamp, SendOptions{Unidentified: true}) {
		if !res.OK() {
			failed[res.Recipient] = SendResult{
				Recipient: res.Recipient,
				Failure:   FailureNetwork,
				Err:       fmt.Errorf("sender key distribution: %w", res.Err),
			}
			continue
		}
		addrs := make([]string, len(res.Success.Devices))
		for i, d := range res.Success.Devices {
			addrs[i] = store.DeviceAddress(res.Recipient, d)
		}
		if err := s.sender.dist.Mark(sk.DistributionID, addrs); err != nil {
			failed[res.Recipient] = failedResult(res.Recipient, err)
			continue
		}
		delivered++
	}
	s.metrics.DistributionSent(delivered)

	return without(recipients, failed)
}

func without(recipients []string, failed map[string]SendResult) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := failed[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) needsDistribution(id uuid.UUID, recipient string) (bool, error) {
	devices, _ := s.sender.initialDevices(recipient, false)
	for _, d := range devices {
		has, err := s.sender.dist.Has(id, store.DeviceAddress(recipient, d))
		if err != nil {
			return false, err
		}
		if !has {
			return true, nil
		}
		raw, err := s.sender.store.LoadSession(recipient, d)
		if err != nil {
			return false, fmt.Errorf("group: load session: %w", err)
		}
		if raw == nil {
			return true, nil
		}
	}
	return false, nil
}

// groupMessage encrypts padded once and addresses it to every device of
// recipients.
func (s *Service) groupMessage(id uuid.UUID, recipients []string, padded []byte, timestamp uint64) (*multiRecipientMessage, error) {
	unlock := s.sender.lock("sk:" + id.String())
	raw, err := s.sender.store.LoadSenderKey(id)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("group: load sender key: %w", err)
	}
	sk, err := sessioncrypto.UnmarshalSenderKey(raw)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("group: sender key: %w", err)
	}
	ct, err := sk.Encrypt(padded)
	if err == nil {
		err = s.saveSenderKey(sk)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	msg := &multiRecipientMessage{
		Timestamp: timestamp,
		Content:   base64.StdEncoding.EncodeToString(ct),
		Urgent:    true,
	}
	for _, r := range recipients {
		entry := multiRecipientEntry{Destination: r}
		devices, _ := s.sender.initialDevices(r, false)
		for _, d := range devices {
			sess, err := s.sender.loadSession(r, d)
			if err != nil {
				return nil, err
			}
			var regID int
			if sess != nil {
				regID = int(sess.RemoteRegistrationID)
			}
			entry.Devices = append(entry.Devices, multiRecipientDevice{DeviceID: d, RegistrationID: regID})
		}
		msg.Recipients = append(msg.Recipients, entry)
	}
	return msg, nil
}

// combinedAccessKey returns the XOR of every recipient's access key, or nil
// when any recipient's profile key is unknown.
func (s *Service) combinedAccessKey(recipients []string) []byte {
	keys := make([][]byte, 0, len(recipients))
	for _, r := range recipients {
		k := s.sender.accessKey(r)
		if k == nil {
			return nil
		}
		keys = append(keys, k)
	}
	combined, err := signalcrypto.CombineAccessKeys(keys...)
	if err != nil {
		s.fanLog.Warnf("Combining access keys: %v", err)
		return nil
	}
	return combined
}
