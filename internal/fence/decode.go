package fence

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrRejected is matched by every *RejectError.
var ErrRejected = errors.New("fence: envelope rejected")

// RejectError reports an envelope that is structurally unusable. Callers log
// it and move on to the next envelope.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fence: reject: %s: %v", e.Reason, e.Err)
	}
	return "fence: reject: " + e.Reason
}

func (e *RejectError) Unwrap() error { return e.Err }

func (e *RejectError) Is(target error) bool { return target == ErrRejected }

func reject(reason string, err error) error {
	return &RejectError{Reason: reason, Err: err}
}

// Field numbers, see Encode for the inverse mapping.
const (
	envSource          = 1
	envSourceDevice    = 2
	envTimestamp       = 3
	envServerTimestamp = 4
	envCommand         = 5

	cmdHeader     = 1
	cmdFences     = 2
	cmdOriginator = 3
	cmdAuthoriser = 4

	hdrCommand         = 1
	hdrArgs            = 2
	hdrArgsError       = 3
	hdrArgsErrorClient = 4
	hdrWhen            = 5
	hdrWhenClient      = 6
	hdrEID             = 7

	userUID    = 1
	userDevice = 2

	fenceFID          = 1
	fenceCName        = 2
	fenceFName        = 3
	fenceDescription  = 4
	fenceAvatar       = 5
	fenceMaxMembers   = 6
	fenceDeliveryMode = 7
	fencePrivacyMode  = 8
	fenceJoinMode     = 9
	fenceExpireTimer  = 10
	fenceOwner        = 11
	fenceMembers      = 12
	fenceInvited      = 13
	fenceLinkJoin     = 14
	fenceBlocked      = 15
	fencePermissions  = 16
	fenceType         = 17
	fenceEID          = 18

	permType  = 1
	permUsers = 2

	attID          = 1
	attKey         = 2
	attDigest      = 3
	attContentType = 4
	attSize        = 5
)

// IsGroupScoped reports whether commands of type t must carry a group payload.
func IsGroupScoped(t CommandType) bool {
	_, ok := commandNames[t]
	return ok
}

// Decode unpacks one serialized envelope. Structural failures are returned as
// *RejectError; Decode never panics on malformed input.
func Decode(raw []byte) (Envelope, error) {
	var (
		env       Envelope
		cmdRaw    []byte
		hasCmdRaw bool
	)
	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == envSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			env.Source = string(v)
			return n, nil
		case num == envSourceDevice && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.SourceDevice = uint32(v)
			return n, nil
		case num == envTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Timestamp = v
			return n, nil
		case num == envServerTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.ServerTimestamp = v
			return n, nil
		case num == envCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			cmdRaw, hasCmdRaw = v, true
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return Envelope{}, reject("malformed envelope", err)
	}
	if !hasCmdRaw {
		return Envelope{}, reject("envelope has no command", nil)
	}

	var (
		hdrRaw    []byte
		hasHeader bool
		fences    [][]byte
	)
	err = walk(cmdRaw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case cmdHeader:
			hdrRaw, hasHeader = v, true
		case cmdFences:
			fences = append(fences, v)
		case cmdOriginator:
			u, err := decodeUser(v)
			if err != nil {
				return 0, err
			}
			env.Command.Originator = &u
		case cmdAuthoriser:
			u, err := decodeUser(v)
			if err != nil {
				return 0, err
			}
			env.Command.Authoriser = &u
		}
		return n, nil
	})
	if err != nil {
		return Envelope{}, reject("malformed command", err)
	}
	if !hasHeader {
		return Envelope{}, reject("command has no header", nil)
	}
	if err := decodeHeader(hdrRaw, &env.Command); err != nil {
		return Envelope{}, reject("malformed command header", err)
	}
	if env.Command.Type == CommandUnknown {
		return Envelope{}, reject("command type missing", nil)
	}

	if len(fences) > 0 {
		g, err := decodeFence(fences[0])
		if err != nil {
			return Envelope{}, reject("malformed fence record", err)
		}
		env.Group = &g
	} else if IsGroupScoped(env.Command.Type) {
		return Envelope{}, reject(fmt.Sprintf("%s command carries no fence record", env.Command.Type), nil)
	}
	return env, nil
}

// skipField asks walk to skip the current value. It is outside the range of
// protowire's negative error codes.
const skipField = -1 << 20

// walk iterates the fields of one message. fn returns the number of value
// bytes it consumed, or skipField.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func decodeHeader(b []byte, c *Command) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return skipField, nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case hdrCommand:
			c.Type = CommandType(v)
		case hdrArgs:
			c.Arg = Arg(v)
		case hdrArgsError:
			c.ArgError = ErrorCode(v)
		case hdrArgsErrorClient:
			c.ArgErrorClient = Arg(v)
		case hdrWhen:
			c.When = v
		case hdrWhenClient:
			c.WhenClient = v
		case hdrEID:
			c.EID = v
		}
		return n, nil
	})
}

func decodeUser(b []byte) (User, error) {
	var u User
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == userUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			u.UID = string(v)
			return n, nil
		case num == userDevice && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Device = uint32(v)
			return n, nil
		}
		return skipField, nil
	})
	return u, err
}

func decodeFence(b []byte) (GroupPayload, error) {
	var g GroupPayload
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case fenceFID:
				g.FID = SomeFID(v)
			case fenceMaxMembers:
				m := uint32(v)
				g.MaxMembers = &m
			case fenceDeliveryMode:
				m := DeliveryMode(v)
				g.DeliveryMode = &m
			case fencePrivacyMode:
				m := PrivacyMode(v)
				g.PrivacyMode = &m
			case fenceJoinMode:
				m := JoinMode(v)
				g.JoinMode = &m
			case fenceExpireTimer:
				g.ExpiryTimer = &v
			case fenceType:
				g.FenceType = uint32(v)
			case fenceEID:
				g.EID = v
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case fenceCName:
			g.CName = string(v)
		case fenceFName:
			g.Title = string(v)
		case fenceDescription:
			s := string(v)
			g.Description = &s
		case fenceAvatar:
			a, err := decodeAttachment(v)
			if err != nil {
				return 0, err
			}
			g.Avatar = &a
		case fenceOwner:
			u, err := decodeUser(v)
			if err != nil {
				return 0, err
			}
			g.Owner = &u
		case fenceMembers, fenceInvited, fenceLinkJoin, fenceBlocked:
			u, err := decodeUser(v)
			if err != nil {
				return 0, err
			}
			switch num {
			case fenceMembers:
				g.Members = append(g.Members, u.UID)
			case fenceInvited:
				g.Invited = append(g.Invited, u.UID)
			case fenceLinkJoin:
				g.LinkJoin = append(g.LinkJoin, u.UID)
			default:
				g.Banned = append(g.Banned, u.UID)
			}
		case fencePermissions:
			p, err := decodePermission(v)
			if err != nil {
				return 0, err
			}
			g.Permissions = append(g.Permissions, p)
		}
		return n, nil
	})
	return g, err
}

func decodePermission(b []byte) (Permission, error) {
	var p Permission
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == permType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Type = PermissionType(v)
			return n, nil
		case num == permUsers && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			u, err := decodeUser(v)
			if err != nil {
				return 0, err
			}
			p.Users = append(p.Users, u.UID)
			return n, nil
		}
		return skipField, nil
	})
	return p, err
}

func decodeAttachment(b []byte) (AttachmentPointer, error) {
	var a AttachmentPointer
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == attSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			a.Size = v
			return n, nil
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			switch num {
			case attID:
				a.ID = string(v)
			case attKey:
				a.Key = append([]byte(nil), v...)
			case attDigest:
				a.Digest = append([]byte(nil), v...)
			case attContentType:
				a.ContentType = string(v)
			}
			return n, nil
		}
		return skipField, nil
	})
	return a, err
}
