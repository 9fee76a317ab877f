package signalservice

import (
	"context"

	"github.com/google/uuid"

	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// senderDataStore is the data store interface needed by the delivery
// pipeline: devices, sessions, identities and distribution state.
type senderDataStore interface {
	GetDevices(aci string) ([]int, error)
	SetDevices(aci string, deviceIDs []int) error

	LoadSession(address string, deviceID int) ([]byte, error)
	StoreSession(address string, deviceID int, record []byte) error
	ArchiveSession(address string, deviceID int) error

	GetIdentityKey(address string) ([]byte, error)
	SaveIdentityKey(address string, key []byte) error
	IsTrustedIdentity(address string, key []byte) (bool, error)

	GetContactByACI(aci string) (*store.Contact, error)

	LoadSenderKey(distributionID uuid.UUID) ([]byte, error)
	StoreSenderKey(distributionID uuid.UUID, record []byte) error
	GetSenderKeySharedWith(distributionID uuid.UUID) ([]string, error)
	MarkSenderKeySharedWith(distributionID uuid.UUID, addresses []string) error
	ClearSenderKeySharedWith(address string) error
}

// messageTransport carries the delivery requests. *channel implements it
// over the pipe and REST.
type messageTransport interface {
	sendMessage(ctx context.Context, destination string, list *outgoingMessageList, accessKey []byte) (*sendMessageResponse, error)
	sendMultiRecipient(ctx context.Context, msg *multiRecipientMessage, accessKey []byte) (*multiRecipientResponse, error)
	getPreKeys(ctx context.Context, recipient string, deviceID int, accessKey []byte) (*PreKeyResponse, error)
}
