package signalservice

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"net/http"

	"github.com/decred/slog"

	"github.com/unfacd/unfacd-android-sub003/internal/signalws"
)

// PathFence is where the server pushes fence envelopes on the pipe.
const PathFence = "/api/v1/fence"

// requestSource is the server-initiated side of the pipe.
// *signalws.PersistentConn satisfies it.
type requestSource interface {
	ReadMessage(ctx context.Context) (*signalws.Request, error)
	SendResponse(ctx context.Context, id uint64, status int, message string) error
}

// ReceiveEnvelopes returns an iterator over encoded fence envelopes pushed
// on conn. Requests that are not envelopes are acknowledged on arrival. An
// envelope is acknowledged once the loop body handling it returns; breaking
// out of the loop leaves it unacknowledged so the server redelivers it. The
// iterator stops when ctx ends or the caller breaks out of the range loop.
func ReceiveEnvelopes(ctx context.Context, conn requestSource, log slog.Logger) iter.Seq2[[]byte, error] {
	if log == nil {
		log = slog.Disabled
	}
	ack := func(id uint64) {
		if id == 0 {
			return
		}
		if err := conn.SendResponse(ctx, id, http.StatusOK, "OK"); err != nil {
			log.Warnf("ACK of request %d failed: %v", id, err)
		}
	}
	return func(yield func([]byte, error) bool) {
		for {
			req, err := conn.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					log.Debugf("Receive loop stopped: %v", ctx.Err())
					return
				}
				if !yield(nil, fmt.Errorf("receiver: read: %w", err)) {
					return
				}
				continue
			}
			log.Tracef("Pipe request verb=%s path=%s id=%d bodyLen=%d", req.Verb, req.Path, req.ID, len(req.Body))

			if req.Verb != http.MethodPut || req.Path != PathFence || len(req.Body) == 0 {
				ack(req.ID)
				continue
			}
			if !yield(req.Body, nil) {
				log.Debugf("Request %d left unacknowledged", req.ID)
				return
			}
			ack(req.ID)
		}
	}
}

// PipeHeaders returns the headers for the authenticated pipe.
func PipeHeaders(auth BasicAuth) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(auth.Username+":"+auth.Password)))
	h.Set("X-Ufsrv-Agent", "ufsrv-go")
	return h
}
