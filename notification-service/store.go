package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SenderProfile is the display subset of a user joined onto outgoing
// notification payloads.
type SenderProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// Notification is one persisted notification record. Deactivation flips
// IsActive instead of deleting so a client holding the id never sees it
// disappear from under it.
type Notification struct {
	ID            int64          `json:"id"`
	Recipient     string         `json:"recipient"`
	Sender        string         `json:"sender"`
	Type          string         `json:"type"`
	ReferenceKind string         `json:"referenceKind"`
	ReferenceID   string         `json:"referenceId"`
	Content       string         `json:"content,omitempty"`
	IsRead        bool           `json:"isRead"`
	IsActive      bool           `json:"isActive"`
	CreatedAt     time.Time      `json:"createdAt"`
	SenderProfile *SenderProfile `json:"senderProfile,omitempty"`
}

const notificationColumns = "id, recipient, sender, type, reference_kind, reference_id, content, is_read, is_active, created_at"

// NotificationStore persists notifications in PostgreSQL.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func scanNotification(scanner interface{ Scan(...interface{}) error }) (Notification, error) {
	var n Notification
	err := scanner.Scan(&n.ID, &n.Recipient, &n.Sender, &n.Type,
		&n.ReferenceKind, &n.ReferenceID, &n.Content,
		&n.IsRead, &n.IsActive, &n.CreatedAt)
	return n, err
}

// FindActiveUnread looks up an unread, active notification for the dedup
// check. Returns nil when no matching record exists.
func (s *NotificationStore) FindActiveUnread(ctx context.Context, recipient, sender, referenceKind string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications "+
			"WHERE recipient = $1 AND sender = $2 AND reference_kind = $3 "+
			"AND is_read = FALSE AND is_active = TRUE LIMIT 1",
		recipient, sender, referenceKind)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active unread: %w", err)
	}
	return &n, nil
}

// Insert persists a new notification as unread and active, filling in the
// generated id and timestamp.
func (s *NotificationStore) Insert(ctx context.Context, n *Notification) error {
	row := s.db.QueryRowContext(ctx,
		"INSERT INTO notifications (recipient, sender, type, reference_kind, reference_id, content, is_read, is_active, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, FALSE, TRUE, NOW()) RETURNING id, created_at",
		n.Recipient, n.Sender, n.Type, n.ReferenceKind, n.ReferenceID, n.Content)
	if err := row.Scan(&n.ID, &n.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	n.IsRead = false
	n.IsActive = true
	return nil
}

// SenderProfile fetches the sender's display fields for the full push
// payload. Returns nil for an unknown user.
func (s *NotificationStore) SenderProfile(ctx context.Context, userID string) (*SenderProfile, error) {
	var p SenderProfile
	err := s.db.QueryRowContext(ctx,
		"SELECT id, first_name, last_name, avatar FROM users WHERE id = $1",
		userID).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Avatar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sender profile: %w", err)
	}
	return &p, nil
}

// DeactivateByReference flips is_active off on every unread notification
// pointing at the given reference and returns the affected records so their
// recipients can be told. An empty result means nothing matched.
func (s *NotificationStore) DeactivateByReference(ctx context.Context, referenceKind, referenceID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		"UPDATE notifications SET is_active = FALSE "+
			"WHERE reference_kind = $1 AND reference_id = $2 AND is_read = FALSE AND is_active = TRUE "+
			"RETURNING "+notificationColumns,
		referenceKind, referenceID)
	if err != nil {
		return nil, fmt.Errorf("deactivate notifications: %w", err)
	}
	defer rows.Close()

	var affected []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		affected = append(affected, n)
	}
	return affected, rows.Err()
}

// MarkRead marks one notification read for its recipient. Reports whether a
// row actually changed.
func (s *NotificationStore) MarkRead(ctx context.Context, id int64, recipient string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient = $2 AND is_read = FALSE",
		id, recipient)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
