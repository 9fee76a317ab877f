package signalservice

import (
	"bytes"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Content is the plaintext inside every encrypted message: either an
// application payload or a sender key distribution message.
//
//	Content{1 data bytes, 2 sender_key_distribution bytes}
type Content struct {
	Data                  []byte
	SenderKeyDistribution []byte
}

// ErrInvalidContent is returned for content that does not parse.
var ErrInvalidContent = errors.New("signalservice: invalid content")

// Marshal encodes c.
func (c *Content) Marshal() []byte {
	var b []byte
	if c.Data != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Data)
	}
	if c.SenderKeyDistribution != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, c.SenderKeyDistribution)
	}
	return b
}

// ParseContent decodes decrypted, transport-padded content. Unknown fields
// are skipped.
func ParseContent(b []byte) (*Content, error) {
	b = unpad(b)
	c := &Content{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrInvalidContent
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrInvalidContent
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrInvalidContent
		}
		b = b[n:]
		switch num {
		case 1:
			c.Data = append([]byte{}, v...)
		case 2:
			c.SenderKeyDistribution = append([]byte{}, v...)
		}
	}
	return c, nil
}

// Encoded content is padded with a 0x80 terminator and zeros to one byte
// short of a multiple of paddingBlock.
const paddingBlock = 80

func pad(b []byte) []byte {
	out := make([]byte, (len(b)+1+paddingBlock)/paddingBlock*paddingBlock-1)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}

// unpad strips the terminator and trailing zeros. Input without a
// terminator is returned unchanged.
func unpad(b []byte) []byte {
	trimmed := bytes.TrimRight(b, "\x00")
	if n := len(trimmed); n > 0 && trimmed[n-1] == 0x80 {
		return trimmed[:n-1]
	}
	return b
}
