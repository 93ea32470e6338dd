package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MessageFile describes attached media for non-text messages.
type MessageFile struct {
	URL       string  `json:"url"`
	Type      string  `json:"type,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// Message is one persisted direct message. Status only ever moves forward
// (sent → delivered → seen) and each status timestamp is written exactly
// once; the store's UPDATE guards enforce both.
type Message struct {
	ID          int64        `json:"id"`
	Sender      string       `json:"sender"`
	Receiver    string       `json:"receiver"`
	Content     string       `json:"content,omitempty"`
	MessageType string       `json:"messageType"`
	File        *MessageFile `json:"file,omitempty"`
	Status      string       `json:"status"`
	SentAt      time.Time    `json:"sentAt"`
	DeliveredAt *time.Time   `json:"deliveredAt,omitempty"`
	SeenAt      *time.Time   `json:"seenAt,omitempty"`
	IsRecalled  bool         `json:"isRecalled"`
	IsEdited    bool         `json:"isEdited"`
}

const messageColumns = "id, sender, receiver, content, message_type, file_url, file_type, file_duration, file_thumbnail, status, sent_at, delivered_at, seen_at, is_recalled, is_edited"

// MessageStore runs the delivery state machine against PostgreSQL.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var fileURL, fileType, fileThumb sql.NullString
	var fileDuration sql.NullFloat64
	var deliveredAt, seenAt sql.NullTime

	err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.MessageType,
		&fileURL, &fileType, &fileDuration, &fileThumb,
		&m.Status, &m.SentAt, &deliveredAt, &seenAt, &m.IsRecalled, &m.IsEdited)
	if err != nil {
		return Message{}, err
	}

	if fileURL.Valid {
		m.File = &MessageFile{
			URL:       fileURL.String,
			Type:      fileType.String,
			Duration:  fileDuration.Float64,
			Thumbnail: fileThumb.String,
		}
	}
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.Time
	}
	if seenAt.Valid {
		m.SeenAt = &seenAt.Time
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Save persists a new message. Status and the sent timestamp are set
// server-side regardless of what the client supplied.
func (s *MessageStore) Save(ctx context.Context, m *Message) error {
	var fileURL, fileType, fileThumb interface{}
	var fileDuration interface{}
	if m.File != nil {
		fileURL = m.File.URL
		if m.File.Type != "" {
			fileType = m.File.Type
		}
		if m.File.Duration > 0 {
			fileDuration = m.File.Duration
		}
		if m.File.Thumbnail != "" {
			fileThumb = m.File.Thumbnail
		}
	}

	row := s.db.QueryRowContext(ctx,
		"INSERT INTO messages (sender, receiver, content, message_type, file_url, file_type, file_duration, file_thumbnail, status, sent_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'sent', NOW()) RETURNING id, sent_at",
		m.Sender, m.Receiver, m.Content, m.MessageType, fileURL, fileType, fileDuration, fileThumb)
	if err := row.Scan(&m.ID, &m.SentAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.Status = "sent"
	return nil
}

// MarkDelivered bulk-advances every 'sent' message from sender to receiver.
// The WHERE clause is the invariant: only 'sent' rows with an unset delivered
// timestamp move, so a repeat call matches nothing and timestamps are never
// overwritten. Returns the affected messages; empty means silent no-op.
func (s *MessageStore) MarkDelivered(ctx context.Context, sender, receiver string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"UPDATE messages SET status = 'delivered', delivered_at = NOW() "+
			"WHERE sender = $1 AND receiver = $2 AND status = 'sent' AND delivered_at IS NULL "+
			"RETURNING "+messageColumns,
		sender, receiver)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return collectMessages(rows)
}

// MarkSeen bulk-advances every not-yet-seen message from sender to receiver,
// collapsing sent directly to seen when the delivered step was skipped (the
// delivered timestamp stays unset in that case). Already-seen rows are
// untouched.
func (s *MessageStore) MarkSeen(ctx context.Context, sender, receiver string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"UPDATE messages SET status = 'seen', seen_at = NOW() "+
			"WHERE sender = $1 AND receiver = $2 AND status <> 'seen' AND seen_at IS NULL "+
			"RETURNING "+messageColumns,
		sender, receiver)
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}
	return collectMessages(rows)
}

// Recall flags a message recalled. Only the owning sender matches; returns
// nil when nothing matched.
func (s *MessageStore) Recall(ctx context.Context, id int64, sender string) (*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"UPDATE messages SET is_recalled = TRUE WHERE id = $1 AND sender = $2 RETURNING "+messageColumns,
		id, sender)
	if err != nil {
		return nil, fmt.Errorf("recall message: %w", err)
	}
	messages, err := collectMessages(rows)
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return &messages[0], nil
}

// Edit replaces the content of a sender-owned, non-recalled message.
func (s *MessageStore) Edit(ctx context.Context, id int64, sender, content string) (*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"UPDATE messages SET content = $3, is_edited = TRUE "+
			"WHERE id = $1 AND sender = $2 AND is_recalled = FALSE RETURNING "+messageColumns,
		id, sender, content)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	messages, err := collectMessages(rows)
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return &messages[0], nil
}

// History pages a conversation backwards from before (unix millis, 0 = now).
// Returns up to limit messages plus whether older ones remain.
func (s *MessageStore) History(ctx context.Context, userID, partnerID string, before int64, limit int) ([]Message, bool, error) {
	if before <= 0 {
		before = time.Now().UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE ((sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)) "+
			"AND sent_at < to_timestamp($3 / 1000.0) ORDER BY sent_at DESC LIMIT $4",
		userID, partnerID, before, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query history: %w", err)
	}
	messages, err := collectMessages(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	return messages, hasMore, nil
}
