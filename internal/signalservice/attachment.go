package signalservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/signalcrypto"
)

// UploadAttachment encrypts plaintext, uploads the ciphertext to the
// location the server hands out and returns a pointer to it.
func (s *Service) UploadAttachment(ctx context.Context, plaintext []byte, contentType string) (*fence.AttachmentPointer, error) {
	ct, key, digest, err := signalcrypto.EncryptAttachment(plaintext)
	if err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}

	resp, err := s.channel.do(ctx, http.MethodGet, "/v2/attachments/form/upload", nil, "", nil)
	if err != nil {
		return nil, fmt.Errorf("attachment: upload form: %w", err)
	}
	if err := statusError(resp, nil, nil); err != nil {
		return nil, fmt.Errorf("attachment: upload form: %w", err)
	}
	var form attachmentUploadForm
	if err := json.Unmarshal(resp.body, &form); err != nil {
		return nil, fmt.Errorf("attachment: decode upload form: %w", err)
	}
	if form.SignedUploadLocation == "" || form.Key == "" {
		return nil, fmt.Errorf("attachment: incomplete upload form")
	}

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	for k, v := range form.Headers {
		header.Set(k, v)
	}
	put, err := s.channel.rest.Request(ctx, http.MethodPut, form.SignedUploadLocation, header, ct)
	if err != nil {
		return nil, fmt.Errorf("attachment: upload: %w", err)
	}
	if err := statusError(put, nil, nil); err != nil {
		return nil, fmt.Errorf("attachment: upload: %w", err)
	}

	s.log.Debugf("Uploaded attachment %s (%d bytes, cdn %d)", form.Key, len(plaintext), form.CDN)
	return &fence.AttachmentPointer{
		ID:          form.Key,
		Key:         key,
		Digest:      digest,
		ContentType: contentType,
		Size:        uint64(len(plaintext)),
	}, nil
}

// DownloadAttachment fetches and decrypts the blob ptr refers to. The
// ciphertext digest is checked before decryption.
func (s *Service) DownloadAttachment(ctx context.Context, ptr *fence.AttachmentPointer) ([]byte, error) {
	if ptr == nil || ptr.ID == "" {
		return nil, fmt.Errorf("attachment: missing pointer")
	}
	if len(ptr.Key) != signalcrypto.AttachmentKeySize {
		return nil, fmt.Errorf("attachment: invalid key length %d", len(ptr.Key))
	}

	resp, err := s.cdn.Request(ctx, http.MethodGet, "/attachments/"+url.PathEscape(ptr.ID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("attachment: download: %w", err)
	}
	if err := statusError(resp, nil, nil); err != nil {
		return nil, fmt.Errorf("attachment: download: %w", err)
	}

	pt, err := signalcrypto.DecryptAttachment(resp.body, ptr.Key, ptr.Digest)
	if err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}
	if ptr.Size > 0 && uint64(len(pt)) != ptr.Size {
		return nil, fmt.Errorf("attachment: size %d, pointer says %d", len(pt), ptr.Size)
	}
	return pt, nil
}
