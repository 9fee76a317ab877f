package signalservice

import (
	"context"
	"errors"
	"slices"
)

// initialDevices returns the starting device list for a recipient and the
// device ID to skip during 409 retry (0 for none). When sendingToSelf is
// true, the local device is filtered out and returned as skipDevice.
func (snd *Sender) initialDevices(recipient string, sendingToSelf bool) (deviceIDs []int, skipDevice int) {
	deviceIDs, _ = snd.store.GetDevices(recipient)
	if len(deviceIDs) == 0 {
		deviceIDs = []int{1}
	}
	if sendingToSelf {
		deviceIDs = slices.DeleteFunc(deviceIDs, func(id int) bool { return id == snd.localDeviceID })
		skipDevice = snd.localDeviceID
	}
	return deviceIDs, skipDevice
}

const maxSendAttempts = 4

// attempt is the state carried between tries of one delivery.
type attempt struct {
	devices   []int
	accessKey []byte
	// identityRetried is set once an identity change has been retried.
	identityRetried bool
}

// retryOnDeviceError runs tryFn up to maxSendAttempts times, polling ctx
// before each try. On each failure, handleErr is called to adjust state. If
// handleErr returns a non-nil error, the retry loop stops and returns it.
func retryOnDeviceError(ctx context.Context, tryFn func() error, handleErr func(error) error) error {
	var err error
	for n := range maxSendAttempts {
		if cerr := cancelled(ctx); cerr != nil {
			return cerr
		}
		if err = tryFn(); err == nil {
			return nil
		}
		if n == maxSendAttempts-1 {
			break
		}
		if herr := handleErr(err); herr != nil {
			return herr
		}
	}
	return err
}

// withDeviceRetry runs tryFn, repairing local state between tries. On 409
// extra device sessions are archived and the device list is corrected; on
// 410 stale sessions are archived. A refused access key or a first identity
// change drops to authenticated sending. Network failures retry unchanged.
// skipDevice is never added to the list (0 for none).
func (snd *Sender) withDeviceRetry(ctx context.Context, recipient string, st *attempt, skipDevice int, tryFn func() error) error {
	return retryOnDeviceError(ctx, tryFn, func(err error) error {
		var (
			staleErr    *staleDevicesError
			mismatchErr *mismatchedDevicesError
			changedErr  *identityChangedError
			netErr      *NetworkError
		)
		switch {
		case errors.As(err, &staleErr):
			snd.log.Debugf("Retry %s: 410 stale=%v", recipient, staleErr.StaleDevices)
			for _, deviceID := range staleErr.StaleDevices {
				if aerr := snd.archive(recipient, deviceID); aerr != nil {
					return aerr
				}
			}
		case errors.As(err, &mismatchErr):
			snd.log.Debugf("Retry %s: 409 missing=%v extra=%v devices=%v",
				recipient, mismatchErr.MissingDevices, mismatchErr.ExtraDevices, st.devices)
			st.devices = snd.repairDevices(recipient, st.devices, mismatchErr, skipDevice)
			if aerr := snd.archiveAll(recipient, mismatchErr.ExtraDevices); aerr != nil {
				return aerr
			}
		case errors.As(err, &changedErr):
			if st.identityRetried {
				return &UntrustedIdentityError{Recipient: recipient, IdentityKey: changedErr.key}
			}
			snd.log.Infof("Identity of %s changed, retrying authenticated", recipient)
			st.identityRetried = true
			st.accessKey = nil
		case errors.Is(err, ErrAuthorization):
			if st.accessKey == nil {
				return err
			}
			snd.log.Debugf("Access key for %s refused, retrying authenticated", recipient)
			st.accessKey = nil
		case errors.As(err, &netErr):
			snd.log.Debugf("Retry %s: %v", recipient, err)
		default:
			return err
		}
		return nil
	})
}

// repairDevices applies a 409 body to a device list and saves the result.
func (snd *Sender) repairDevices(recipient string, devices []int, m *mismatchedDevicesError, skipDevice int) []int {
	for _, deviceID := range m.ExtraDevices {
		devices = slices.DeleteFunc(devices, func(id int) bool { return id == deviceID })
	}
	for _, deviceID := range m.MissingDevices {
		if deviceID != skipDevice && !slices.Contains(devices, deviceID) {
			devices = append(devices, deviceID)
		}
	}
	slices.Sort(devices)
	if err := snd.store.SetDevices(recipient, devices); err != nil {
		snd.log.Warnf("Saving devices of %s: %v", recipient, err)
	}
	return devices
}

func (snd *Sender) archiveAll(recipient string, deviceIDs []int) error {
	for _, deviceID := range deviceIDs {
		if err := snd.archive(recipient, deviceID); err != nil {
			return err
		}
	}
	return nil
}

// withGroupDeviceRetry runs tryFn, retrying on multi-recipient 409/410
// errors. These carry device drift for several recipients at once; sessions
// are archived and device lists corrected for each, and the archived
// devices lose their sender key so the next try redistributes it. A refused
// combined access key drops to authenticated sending.
func (snd *Sender) withGroupDeviceRetry(ctx context.Context, st *attempt, tryFn func() error) error {
	return retryOnDeviceError(ctx, tryFn, func(err error) error {
		var (
			groupStaleErr    *groupStaleDevicesError
			groupMismatchErr *groupMismatchedDevicesError
			netErr           *NetworkError
		)
		switch {
		case errors.As(err, &groupStaleErr):
			snd.log.Debugf("Group retry: 410 stale for %d recipients", len(groupStaleErr.Entries))
			for _, entry := range groupStaleErr.Entries {
				if aerr := snd.archiveAll(entry.UUID, entry.Devices.StaleDevices); aerr != nil {
					return aerr
				}
			}
		case errors.As(err, &groupMismatchErr):
			snd.log.Debugf("Group retry: 409 mismatch for %d recipients", len(groupMismatchErr.Entries))
			for _, entry := range groupMismatchErr.Entries {
				devices, skip := snd.initialDevices(entry.UUID, entry.UUID == snd.localACI)
				snd.repairDevices(entry.UUID, devices, &entry.Devices, skip)
				if aerr := snd.archiveAll(entry.UUID, entry.Devices.ExtraDevices); aerr != nil {
					return aerr
				}
			}
		case errors.Is(err, ErrAuthorization):
			if st.accessKey == nil {
				return err
			}
			snd.log.Debugf("Group access key refused, retrying authenticated")
			st.accessKey = nil
		case errors.As(err, &netErr):
			snd.log.Debugf("Group retry: %v", err)
		default:
			return err
		}
		return nil
	})
}
