package signalservice

// BasicAuth holds the credentials for authenticated requests.
type BasicAuth struct {
	Username string
	Password string
}

// PreKeyResponse is the JSON response from GET /v2/keys/{recipient}/{device}.
type PreKeyResponse struct {
	IdentityKey string             `json:"identityKey"`
	Devices     []PreKeyDeviceInfo `json:"devices"`
}

// PreKeyDeviceInfo holds one device's published keys.
type PreKeyDeviceInfo struct {
	DeviceID       int                 `json:"deviceId"`
	RegistrationID int                 `json:"registrationId"`
	SignedPreKey   *SignedPreKeyEntity `json:"signedPreKey"`
	PreKey         *PreKeyEntity       `json:"preKey,omitempty"`
}

// SignedPreKeyEntity is a medium-term pre-key.
type SignedPreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature,omitempty"`
}

// PreKeyEntity is a one-time pre-key.
type PreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// Envelope types of outgoing messages.
const (
	envelopeCiphertext   = 1
	envelopePreKeyBundle = 3
	envelopeSenderKey    = 7
)

// outgoingMessageList is the JSON body for PUT /v1/messages/{destination}.
type outgoingMessageList struct {
	Destination string            `json:"destination"`
	Timestamp   uint64            `json:"timestamp"`
	Messages    []outgoingMessage `json:"messages"`
	Online      bool              `json:"online"`
	Urgent      bool              `json:"urgent"`
}

// outgoingMessage is one device's ciphertext.
type outgoingMessage struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       int    `json:"destinationDeviceId"`
	DestinationRegistrationID int    `json:"destinationRegistrationId"`
	Content                   string `json:"content"`
}

type sendMessageResponse struct {
	NeedsSync bool `json:"needsSync"`
}

// multiRecipientMessage is the JSON body for PUT /v1/messages/multi_recipient.
// Content is encrypted once with the shared sender key.
type multiRecipientMessage struct {
	Timestamp  uint64                `json:"timestamp"`
	Content    string                `json:"content"`
	Recipients []multiRecipientEntry `json:"recipients"`
	Online     bool                  `json:"online"`
	Urgent     bool                  `json:"urgent"`
}

type multiRecipientEntry struct {
	Destination string                 `json:"destination"`
	Devices     []multiRecipientDevice `json:"devices"`
}

type multiRecipientDevice struct {
	DeviceID       int `json:"deviceId"`
	RegistrationID int `json:"registrationId"`
}

type multiRecipientResponse struct {
	UUIDs404 []string `json:"uuids404"`
}

type proofRequiredBody struct {
	Token   string   `json:"token"`
	Options []string `json:"options"`
}

// attachmentUploadForm is the response from GET /v2/attachments/form/upload.
type attachmentUploadForm struct {
	CDN                  int               `json:"cdn"`
	Key                  string            `json:"key"`
	Headers              map[string]string `json:"headers"`
	SignedUploadLocation string            `json:"signedUploadLocation"`
}
