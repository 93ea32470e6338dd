package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Notification types mirrored from the client contract.
var validTypes = map[string]bool{
	"FRIEND_REQUEST":  true,
	"FRIEND_ACCEPTED": true,
	"POST":            true,
	"COMMENT":         true,
	"COMMENT_MENTION": true,
	"POST_MENTION":    true,
	"LIKE":            true,
	"NEW_FOLLOWER":    true,
}

// Relationship references represent a pending social-graph action. At most
// one unread, active notification may exist per (recipient, sender, kind)
// for these, so retries and double-fires collapse into the existing record.
var relationshipKinds = map[string]bool{
	"friendship": true,
	"follow":     true,
}

var errInvalidRequest = errors.New("recipient and type are required")

// CreateRequest is the inbound payload on notification.create.
type CreateRequest struct {
	Recipient     string `json:"recipient"`
	Sender        string `json:"sender"`
	Type          string `json:"type"`
	ReferenceKind string `json:"referenceKind"`
	ReferenceID   string `json:"referenceId"`
	Content       string `json:"content,omitempty"`
}

// DeactivateRequest addresses every unread notification tied to a reference.
type DeactivateRequest struct {
	ReferenceKind string `json:"referenceKind"`
	ReferenceID   string `json:"referenceId"`
}

// ReadRequest marks one notification read.
type ReadRequest struct {
	NotificationID int64  `json:"notificationId"`
	Recipient      string `json:"recipient"`
}

type notificationStore interface {
	FindActiveUnread(ctx context.Context, recipient, sender, referenceKind string) (*Notification, error)
	Insert(ctx context.Context, n *Notification) error
	SenderProfile(ctx context.Context, userID string) (*SenderProfile, error)
	DeactivateByReference(ctx context.Context, referenceKind, referenceID string) ([]Notification, error)
	MarkRead(ctx context.Context, id int64, recipient string) (bool, error)
}

// publishFunc pushes an event towards one user's live sessions.
type publishFunc func(ctx context.Context, subject string, data []byte) error

// Service implements notification creation with dedup, bulk deactivation and
// read tracking. Every database write completes before the matching event is
// published.
type Service struct {
	store   notificationStore
	publish publishFunc
}

func NewService(store notificationStore, publish publishFunc) *Service {
	return &Service{store: store, publish: publish}
}

// Create persists a notification unless the dedup rule suppresses it.
// Returns (nil, nil) for a suppressed duplicate. The recipient always gets
// the cheap refresh hint once the request validates; the full payload only
// follows an actual insert.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Notification, error) {
	if req.Recipient == "" || req.Type == "" {
		return nil, errInvalidRequest
	}
	if !validTypes[req.Type] {
		return nil, fmt.Errorf("unknown notification type %q", req.Type)
	}

	defer s.pushHint(ctx, req.Recipient, req.Sender)

	if relationshipKinds[req.ReferenceKind] {
		existing, err := s.store.FindActiveUnread(ctx, req.Recipient, req.Sender, req.ReferenceKind)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			slog.DebugContext(ctx, "Duplicate notification suppressed",
				"recipient", req.Recipient, "sender", req.Sender, "reference_kind", req.ReferenceKind)
			return nil, nil
		}
	}

	n := &Notification{
		Recipient:     req.Recipient,
		Sender:        req.Sender,
		Type:          req.Type,
		ReferenceKind: req.ReferenceKind,
		ReferenceID:   req.ReferenceID,
		Content:       req.Content,
	}
	if err := s.store.Insert(ctx, n); err != nil {
		return nil, err
	}

	if n.Sender != "" {
		profile, err := s.store.SenderProfile(ctx, n.Sender)
		if err != nil {
			slog.WarnContext(ctx, "Failed to load sender profile", "sender", n.Sender, "error", err)
		} else {
			n.SenderProfile = profile
		}
	}

	data, err := json.Marshal(n)
	if err != nil {
		return n, nil
	}
	if err := s.publish(ctx, "deliver."+n.Recipient+".notification", data); err != nil {
		slog.WarnContext(ctx, "Failed to push notification", "recipient", n.Recipient, "error", err)
	}
	return n, nil
}

// pushHint tells the recipient someone interacted with them, carrying the
// sender id so the client can refresh that profile incrementally.
func (s *Service) pushHint(ctx context.Context, recipient, sender string) {
	data, _ := json.Marshal(map[string]string{"senderId": sender})
	if err := s.publish(ctx, "deliver."+recipient+".interaction-hint", data); err != nil {
		slog.DebugContext(ctx, "Failed to push interaction hint", "recipient", recipient, "error", err)
	}
}

// Deactivate withdraws every unread notification pointing at the reference
// and tells each affected recipient. Nothing matching is a successful no-op.
func (s *Service) Deactivate(ctx context.Context, req DeactivateRequest) (int, error) {
	if req.ReferenceKind == "" || req.ReferenceID == "" {
		return 0, errors.New("reference kind and id are required")
	}

	affected, err := s.store.DeactivateByReference(ctx, req.ReferenceKind, req.ReferenceID)
	if err != nil {
		return 0, err
	}

	for _, n := range affected {
		data, _ := json.Marshal(map[string]int64{"notificationId": n.ID})
		if err := s.publish(ctx, "deliver."+n.Recipient+".notification-withdrawn", data); err != nil {
			slog.WarnContext(ctx, "Failed to push withdrawal", "recipient", n.Recipient, "error", err)
		}
	}
	return len(affected), nil
}

// MarkRead flips one notification to read. An already-read or unknown
// notification is a no-op.
func (s *Service) MarkRead(ctx context.Context, req ReadRequest) (bool, error) {
	if req.NotificationID == 0 || req.Recipient == "" {
		return false, errors.New("notification id and recipient are required")
	}
	return s.store.MarkRead(ctx, req.NotificationID, req.Recipient)
}
