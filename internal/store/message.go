package store

import (
	"fmt"

	"github.com/unfacd/unfacd-android-sub003/internal/fence"
)

// Direction tells whether a history entry was received or sent.
type Direction int

const (
	Inbound  Direction = 0
	Outbound Direction = 1
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// Message is one conversation history entry for a group.
type Message struct {
	ID         int64
	GroupID    string
	Direction  Direction
	Command    fence.CommandType
	Arg        fence.Arg
	Body       string
	SentAt     uint64 // client send timestamp, ms
	ServerAt   uint64 // server receive timestamp, ms
	WhenClient uint64 // echoed client timestamp of the request this answers
	// Request marks a locally generated outbound request still waiting for
	// the server's confirmation.
	Request bool
}

const messageColumns = "id, group_id, direction, command, arg, body, sent_at, server_at, when_client, request"

// InsertMessage appends m to history and returns its id.
func (s *Store) InsertMessage(m *Message) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO message (group_id, direction, command, arg, body, sent_at, server_at, when_client, request)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.GroupID, m.Direction, m.Command, m.Arg, m.Body, m.SentAt, m.ServerAt, m.WhenClient, m.Request,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: message id: %w", err)
	}
	m.ID = id
	return id, nil
}

// DeleteMessage removes one history entry. Deleting a missing id is not an error.
func (s *Store) DeleteMessage(id int64) error {
	if _, err := s.db.Exec("DELETE FROM message WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return nil
}

// RequestBySentAt returns the pending outbound request for a group sent at
// ts, or nil.
func (s *Store) RequestBySentAt(groupID string, ts uint64) (*Message, error) {
	var m Message
	err := s.db.QueryRow(
		"SELECT "+messageColumns+" FROM message WHERE request = 1 AND group_id = ? AND sent_at = ? ORDER BY id LIMIT 1",
		groupID, ts,
	).Scan(&m.ID, &m.GroupID, &m.Direction, &m.Command, &m.Arg, &m.Body, &m.SentAt, &m.ServerAt, &m.WhenClient, &m.Request)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find request: %w", err)
	}
	return &m, nil
}

// Messages returns up to limit history entries for a group, oldest first.
// A limit of zero or less returns everything.
func (s *Store) Messages(groupID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM (
			SELECT * FROM message WHERE group_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Direction, &m.Command, &m.Arg, &m.Body,
			&m.SentAt, &m.ServerAt, &m.WhenClient, &m.Request); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// DeleteGroupMessages removes all history for a group.
func (s *Store) DeleteGroupMessages(groupID string) error {
	if _, err := s.db.Exec("DELETE FROM message WHERE group_id = ?", groupID); err != nil {
		return fmt.Errorf("store: delete group messages: %w", err)
	}
	return nil
}
