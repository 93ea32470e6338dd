package main

import "encoding/json"

// StringList decodes from either a single JSON string or an array of strings,
// so clients can send watch-status with one id or a list transparently.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = []string{one}
	return nil
}

// IdentityAnnounce binds a verified user identity to the session.
type IdentityAnnounce struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// PresenceUpdate is pushed on watch snapshots and presence changes.
type PresenceUpdate struct {
	Users []PresenceEntry `json:"users"`
}

// SessionEvict is broadcast on session.evict so every gateway instance closes
// stale sessions for the newly bound user.
type SessionEvict struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// ConversationEvent drives the delivered/seen bulk transitions. UserID is the
// receiver acting on the thread, PartnerID the original sender.
type ConversationEvent struct {
	UserID    string `json:"userId"`
	PartnerID string `json:"partnerId"`
}

// TypingEvent is relayed to the receiver without persistence.
type TypingEvent struct {
	UserID     string `json:"userId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

// SendMessage is the client payload for a new direct message. Sender is
// filled in from the bound session identity, never trusted from the client.
type SendMessage struct {
	Sender      string       `json:"sender,omitempty"`
	ReceiverID  string       `json:"receiverId"`
	Content     string       `json:"content,omitempty"`
	MessageType string       `json:"messageType,omitempty"`
	File        *MessageFile `json:"file,omitempty"`
}

// MessageFile describes attached media for non-text messages.
type MessageFile struct {
	URL       string  `json:"url"`
	Type      string  `json:"type,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// MessageRef addresses an existing message owned by the sender.
type MessageRef struct {
	MessageID int64  `json:"messageId"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"` // edit-message only
}

// HistoryRequest pages a conversation backwards from Before (unix millis).
type HistoryRequest struct {
	UserID    string `json:"userId,omitempty"`
	PartnerID string `json:"partnerId"`
	Before    int64  `json:"before,omitempty"`
}

// NotificationRead marks one notification read by its recipient.
type NotificationRead struct {
	NotificationID int64  `json:"notificationId"`
	Recipient      string `json:"recipient,omitempty"`
}
