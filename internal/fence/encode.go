package fence

import "google.golang.org/protobuf/encoding/protowire"

// Encode serializes an envelope in the wire format Decode reads. It is used
// to build outbound fence commands.
func Encode(env Envelope) []byte {
	var b []byte
	if env.Source != "" {
		b = appendString(b, envSource, env.Source)
	}
	b = appendVarint(b, envSourceDevice, uint64(env.SourceDevice))
	b = appendVarint(b, envTimestamp, env.Timestamp)
	b = appendVarint(b, envServerTimestamp, env.ServerTimestamp)
	b = appendMessage(b, envCommand, EncodeCommand(env.Command, env.Group))
	return b
}

// EncodeCommand serializes a fence command with an optional group payload.
func EncodeCommand(c Command, g *GroupPayload) []byte {
	var hdr []byte
	hdr = appendVarint(hdr, hdrCommand, uint64(c.Type))
	hdr = appendVarint(hdr, hdrArgs, uint64(c.Arg))
	hdr = appendVarint(hdr, hdrArgsError, uint64(c.ArgError))
	hdr = appendVarint(hdr, hdrArgsErrorClient, uint64(c.ArgErrorClient))
	hdr = appendVarint(hdr, hdrWhen, c.When)
	hdr = appendVarint(hdr, hdrWhenClient, c.WhenClient)
	hdr = appendVarint(hdr, hdrEID, c.EID)

	var b []byte
	b = appendMessage(b, cmdHeader, hdr)
	if g != nil {
		b = appendMessage(b, cmdFences, encodeFence(g))
	}
	if c.Originator != nil {
		b = appendMessage(b, cmdOriginator, encodeUser(*c.Originator))
	}
	if c.Authoriser != nil {
		b = appendMessage(b, cmdAuthoriser, encodeUser(*c.Authoriser))
	}
	return b
}

func encodeFence(g *GroupPayload) []byte {
	var b []byte
	if fid, ok := g.FID.Get(); ok {
		b = protowire.AppendTag(b, fenceFID, protowire.VarintType)
		b = protowire.AppendVarint(b, fid)
	}
	b = appendString(b, fenceCName, g.CName)
	b = appendString(b, fenceFName, g.Title)
	if g.Description != nil {
		b = protowire.AppendTag(b, fenceDescription, protowire.BytesType)
		b = protowire.AppendString(b, *g.Description)
	}
	if g.Avatar != nil {
		b = appendMessage(b, fenceAvatar, encodeAttachment(g.Avatar))
	}
	if g.MaxMembers != nil {
		b = appendOptional(b, fenceMaxMembers, uint64(*g.MaxMembers))
	}
	if g.DeliveryMode != nil {
		b = appendOptional(b, fenceDeliveryMode, uint64(*g.DeliveryMode))
	}
	if g.PrivacyMode != nil {
		b = appendOptional(b, fencePrivacyMode, uint64(*g.PrivacyMode))
	}
	if g.JoinMode != nil {
		b = appendOptional(b, fenceJoinMode, uint64(*g.JoinMode))
	}
	if g.ExpiryTimer != nil {
		b = appendOptional(b, fenceExpireTimer, *g.ExpiryTimer)
	}
	if g.Owner != nil {
		b = appendMessage(b, fenceOwner, encodeUser(*g.Owner))
	}
	for _, uid := range g.Members {
		b = appendMessage(b, fenceMembers, encodeUser(User{UID: uid}))
	}
	for _, uid := range g.Invited {
		b = appendMessage(b, fenceInvited, encodeUser(User{UID: uid}))
	}
	for _, uid := range g.LinkJoin {
		b = appendMessage(b, fenceLinkJoin, encodeUser(User{UID: uid}))
	}
	for _, uid := range g.Banned {
		b = appendMessage(b, fenceBlocked, encodeUser(User{UID: uid}))
	}
	for _, p := range g.Permissions {
		var pb []byte
		pb = appendOptional(pb, permType, uint64(p.Type))
		for _, uid := range p.Users {
			pb = appendMessage(pb, permUsers, encodeUser(User{UID: uid}))
		}
		b = appendMessage(b, fencePermissions, pb)
	}
	b = appendVarint(b, fenceType, uint64(g.FenceType))
	b = appendVarint(b, fenceEID, g.EID)
	return b
}

func encodeUser(u User) []byte {
	var b []byte
	b = appendString(b, userUID, u.UID)
	b = appendVarint(b, userDevice, uint64(u.Device))
	return b
}

func encodeAttachment(a *AttachmentPointer) []byte {
	var b []byte
	b = appendString(b, attID, a.ID)
	if len(a.Key) > 0 {
		b = appendMessage(b, attKey, a.Key)
	}
	if len(a.Digest) > 0 {
		b = appendMessage(b, attDigest, a.Digest)
	}
	b = appendString(b, attContentType, a.ContentType)
	b = appendVarint(b, attSize, a.Size)
	return b
}

// appendVarint omits zero values, matching proto3 scalar encoding.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	return appendOptional(b, num, v)
}

// appendOptional always emits the field so presence survives a round trip.
func appendOptional(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}
