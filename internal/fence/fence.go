// Package fence defines the group command vocabulary shared with the ufsrv
// backend and decodes inbound envelopes into immutable command values.
//
// A "fence" is the backend's term for a group.
package fence

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// CommandType names the group operation a command carries.
type CommandType uint32

const (
	CommandUnknown        CommandType = 0
	CommandJoin           CommandType = 1
	CommandLeave          CommandType = 2
	CommandState          CommandType = 3
	CommandRename         CommandType = 4
	CommandDescription    CommandType = 5
	CommandAvatar         CommandType = 6
	CommandInvite         CommandType = 7
	CommandInviteRejected CommandType = 8
	CommandInviteDeleted  CommandType = 9
	CommandExpiryTimer    CommandType = 10
	CommandPermission     CommandType = 11
	CommandMaxMembers     CommandType = 12
	CommandDeliveryMode   CommandType = 13
	CommandLinkJoin       CommandType = 14
)

var commandNames = map[CommandType]string{
	CommandJoin:           "JOIN",
	CommandLeave:          "LEAVE",
	CommandState:          "STATE",
	CommandRename:         "RENAME",
	CommandDescription:    "DESCRIPTION",
	CommandAvatar:         "AVATAR",
	CommandInvite:         "INVITE",
	CommandInviteRejected: "INVITE_REJECTED",
	CommandInviteDeleted:  "INVITE_DELETED",
	CommandExpiryTimer:    "EXPIRY_TIMER",
	CommandPermission:     "PERMISSION",
	CommandMaxMembers:     "MAX_MEMBERS",
	CommandDeliveryMode:   "DELIVERY_MODE",
	CommandLinkJoin:       "LINK_JOIN",
}

func (c CommandType) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "COMMAND(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// Arg is the argument code qualifying a command: what happened, or what is
// being asked for.
type Arg uint32

const (
	ArgUnknown         Arg = 0
	ArgAdded           Arg = 1
	ArgDeleted         Arg = 2
	ArgUpdated         Arg = 3
	ArgAccepted        Arg = 4
	ArgAcceptedPartial Arg = 5
	ArgRejected        Arg = 6
	ArgSynced          Arg = 7
	ArgResync          Arg = 8
	ArgGeoBased        Arg = 9
	ArgInvited         Arg = 10
	ArgInvitedGeo      Arg = 11
	ArgUnchanged       Arg = 12
	ArgCreated         Arg = 13
	ArgAcceptedInvite  Arg = 14
	ArgUninvited       Arg = 15
)

var argNames = map[Arg]string{
	ArgAdded:           "ADDED",
	ArgDeleted:         "DELETED",
	ArgUpdated:         "UPDATED",
	ArgAccepted:        "ACCEPTED",
	ArgAcceptedPartial: "ACCEPTED_PARTIAL",
	ArgRejected:        "REJECTED",
	ArgSynced:          "SYNCED",
	ArgResync:          "RESYNC",
	ArgGeoBased:        "GEO_BASED",
	ArgInvited:         "INVITED",
	ArgInvitedGeo:      "INVITED_GEO",
	ArgUnchanged:       "UNCHANGED",
	ArgCreated:         "CREATED",
	ArgAcceptedInvite:  "ACCEPTED_INVITE",
	ArgUninvited:       "UNINVITED",
}

func (a Arg) String() string {
	if s, ok := argNames[a]; ok {
		return s
	}
	return "ARG(" + strconv.FormatUint(uint64(a), 10) + ")"
}

// ErrorCode is the server-supplied reason attached to a REJECTED argument.
type ErrorCode uint32

const (
	ErrorNone              ErrorCode = 0
	ErrorGroupDoesNotExist ErrorCode = 1
	ErrorInviteOnly        ErrorCode = 2
	ErrorWrongKey          ErrorCode = 3
	ErrorPermissions       ErrorCode = 4
	ErrorNotMember         ErrorCode = 5
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "NONE"
	case ErrorGroupDoesNotExist:
		return "GROUP_DOES_NOT_EXIST"
	case ErrorInviteOnly:
		return "INVITE_ONLY"
	case ErrorWrongKey:
		return "WRONG_KEY"
	case ErrorPermissions:
		return "PERMISSIONS"
	case ErrorNotMember:
		return "NOT_MEMBER"
	}
	return "ERROR(" + strconv.FormatUint(uint64(e), 10) + ")"
}

// DeliveryMode controls who may post into a group.
type DeliveryMode uint32

const (
	DeliveryMany      DeliveryMode = 0
	DeliveryBroadcast DeliveryMode = 1
	DeliveryOneWay    DeliveryMode = 2
)

// PrivacyMode controls group visibility.
type PrivacyMode uint32

const (
	PrivacyPublic  PrivacyMode = 0
	PrivacyPrivate PrivacyMode = 1
)

// JoinMode controls how users may enter a group.
type JoinMode uint32

const (
	JoinOpen    JoinMode = 0
	JoinInvite  JoinMode = 1
	JoinKey     JoinMode = 2
	JoinOpenKey JoinMode = 3
)

// PermissionType names a group capability that can be granted to users.
type PermissionType uint32

const (
	PermissionNone         PermissionType = 0
	PermissionPresentation PermissionType = 1
	PermissionMembership   PermissionType = 2
	PermissionMessaging    PermissionType = 3
	PermissionAttaching    PermissionType = 4
	PermissionCalling      PermissionType = 5
)

// FID is a server-assigned group id. The zero value means the server has not
// assigned one yet; there is no sentinel numeric value.
type FID struct {
	value uint64
	valid bool
}

// SomeFID returns a bound FID.
func SomeFID(v uint64) FID { return FID{value: v, valid: true} }

// Get returns the id and whether it is bound.
func (f FID) Get() (uint64, bool) { return f.value, f.valid }

// Valid reports whether the server has assigned an id.
func (f FID) Valid() bool { return f.valid }

func (f FID) String() string {
	if !f.valid {
		return "<unassigned>"
	}
	return strconv.FormatUint(f.value, 10)
}

// Scan implements sql.Scanner. NULL scans as an unassigned FID.
func (f *FID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = FID{}
	case int64:
		if v < 0 {
			return fmt.Errorf("fence: negative fid %d", v)
		}
		*f = SomeFID(uint64(v))
	default:
		return fmt.Errorf("fence: cannot scan %T into FID", src)
	}
	return nil
}

// Value implements driver.Valuer. An unassigned FID is stored as NULL.
func (f FID) Value() (driver.Value, error) {
	if !f.valid {
		return nil, nil
	}
	return int64(f.value), nil
}

// User identifies an account, optionally qualified by one of its devices.
type User struct {
	UID    string
	Device uint32
}

// Permission lists the users holding one permission type.
type Permission struct {
	Type  PermissionType
	Users []string
}

// AttachmentPointer references an encrypted blob held by the attachment store.
type AttachmentPointer struct {
	ID          string
	Key         []byte
	Digest      []byte
	ContentType string
	Size        uint64
}

// GroupPayload is the server's view of one group as carried by a command.
// Optional scalars are pointers; nil means the server did not send the field.
type GroupPayload struct {
	FID          FID
	CName        string
	Title        string
	Description  *string
	Avatar       *AttachmentPointer
	MaxMembers   *uint32
	DeliveryMode *DeliveryMode
	PrivacyMode  *PrivacyMode
	JoinMode     *JoinMode
	ExpiryTimer  *uint64
	Owner        *User
	FenceType    uint32
	EID          uint64

	Members  []string
	Invited  []string
	LinkJoin []string
	Banned   []string

	Permissions []Permission
}

// PermissionUsers returns the users holding permission t, or nil.
func (p *GroupPayload) PermissionUsers(t PermissionType) []string {
	for _, perm := range p.Permissions {
		if perm.Type == t {
			return perm.Users
		}
	}
	return nil
}

// Command is one decoded group command header plus its actors.
type Command struct {
	Type           CommandType
	Arg            Arg
	ArgError       ErrorCode
	ArgErrorClient Arg
	When           uint64
	WhenClient     uint64
	EID            uint64
	Originator     *User
	Authoriser     *User
}

// Envelope is one decoded inbound unit.
type Envelope struct {
	Source          string
	SourceDevice    uint32
	Timestamp       uint64
	ServerTimestamp uint64
	Command         Command
	// Group is nil only for commands that are not group scoped.
	Group *GroupPayload
}

// Key returns the dispatch key for the envelope's command.
func (e *Envelope) Key() (CommandType, Arg) {
	return e.Command.Type, e.Command.Arg
}
