// Package history records group system messages and removes locally
// generated request placeholders once the server echoes them back.
package history

import (
	"fmt"

	"github.com/decred/slog"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
	"github.com/unfacd/unfacd-android-sub003/internal/store"
)

// MessageStore is the subset of the store used for history.
type MessageStore interface {
	InsertMessage(m *store.Message) (int64, error)
	DeleteMessage(id int64) error
	RequestBySentAt(groupID string, ts uint64) (*store.Message, error)
	DeleteGroupMessages(groupID string) error
}

// Correlation carries the timestamps linking a history entry to the
// envelope that produced it.
type Correlation struct {
	SentAt     uint64
	ServerAt   uint64
	WhenClient uint64
}

// Entry is the content of one system message.
type Entry struct {
	GroupID string
	Command fence.CommandType
	Arg     fence.Arg
	Body    string
}

// Adapter persists system messages.
type Adapter struct {
	st  MessageStore
	log slog.Logger
}

// New returns an Adapter over st. A nil logger disables logging.
func New(st MessageStore, log slog.Logger) *Adapter {
	if log == nil {
		log = slog.Disabled
	}
	return &Adapter{st: st, log: log}
}

// Store persists one system message and returns its id, which is always
// greater than zero.
func (a *Adapter) Store(corr Correlation, e Entry, dir store.Direction) (int64, error) {
	id, err := a.st.InsertMessage(&store.Message{
		GroupID:    e.GroupID,
		Direction:  dir,
		Command:    e.Command,
		Arg:        e.Arg,
		Body:       e.Body,
		SentAt:     corr.SentAt,
		ServerAt:   corr.ServerAt,
		WhenClient: corr.WhenClient,
	})
	if err != nil {
		return 0, fmt.Errorf("history: store: %w", err)
	}
	a.log.Debugf("stored %s/%s for group %s as message %d", e.Command, e.Arg, e.GroupID, id)
	return id, nil
}

// StoreRequest persists a placeholder for an outbound request sent at
// sentAt. PurgeEcho removes it when the server confirms the request.
func (a *Adapter) StoreRequest(sentAt uint64, e Entry) (int64, error) {
	id, err := a.st.InsertMessage(&store.Message{
		GroupID:   e.GroupID,
		Direction: store.Outbound,
		Command:   e.Command,
		Arg:       e.Arg,
		Body:      e.Body,
		SentAt:    sentAt,
		Request:   true,
	})
	if err != nil {
		return 0, fmt.Errorf("history: store request: %w", err)
	}
	return id, nil
}

// PurgeEcho removes the group's pending request whose send timestamp equals
// the echoed client timestamp. It reports whether a request was removed; a
// missing request is not an error.
func (a *Adapter) PurgeEcho(groupID string, clientTS uint64) (bool, error) {
	if clientTS == 0 {
		return false, nil
	}
	m, err := a.st.RequestBySentAt(groupID, clientTS)
	if err != nil {
		return false, fmt.Errorf("history: find echo: %w", err)
	}
	if m == nil {
		a.log.Tracef("no pending request for %s sent at %d", groupID, clientTS)
		return false, nil
	}
	if err := a.st.DeleteMessage(m.ID); err != nil {
		return false, fmt.Errorf("history: purge echo: %w", err)
	}
	a.log.Debugf("purged request %d (%s) echoed at %d", m.ID, m.Command, clientTS)
	return true, nil
}

// PurgeGroup deletes all history of a group.
func (a *Adapter) PurgeGroup(groupID string) error {
	if err := a.st.DeleteGroupMessages(groupID); err != nil {
		return fmt.Errorf("history: purge group: %w", err)
	}
	return nil
}
