package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelhelper "github.com/VyVictory/onobackend/pkg/otelhelper"
)

// Server ties the registry, watch table and dispatcher to the NATS backbone.
type Server struct {
	nc       *nats.Conn
	registry *Registry
	watch    *WatchTable
	dispatch *Dispatcher
	verifier *TokenVerifier // nil disables token checks (dev mode)

	presenceKV nats.KeyValue

	connectCounter metric.Int64Counter
	bindCounter    metric.Int64Counter
	evictCounter   metric.Int64Counter
	eventCounter   metric.Int64Counter
	deliverCounter metric.Int64Counter
}

// kvPresenceStatus is the PRESENCE KV value per user.
type kvPresenceStatus struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// presenceChanged runs on every registry transition: mirrors the state into
// the PRESENCE KV bucket and fans the change out to that user's watchers
// only, never to all sessions.
func (srv *Server) presenceChanged(userID string, online bool) {
	if srv.presenceKV != nil {
		status := "offline"
		if online {
			status = "online"
		}
		data, _ := json.Marshal(kvPresenceStatus{Status: status, LastSeen: time.Now().UnixMilli()})
		if _, err := srv.presenceKV.Put(userID, data); err != nil {
			slog.Warn("Failed to mirror presence to KV", "user", userID, "error", err)
		}
	}

	observers := srv.watch.Watchers(userID)
	if len(observers) == 0 {
		return
	}
	payload, err := json.Marshal(PresenceUpdate{Users: []PresenceEntry{{ID: userID, Status: online}}})
	if err != nil {
		return
	}
	for _, sid := range observers {
		srv.dispatch.SendToSession(sid, "presence-update", payload)
	}
	slog.Debug("Fanned out presence change", "user", userID, "online", online, "watchers", len(observers))
}

func (srv *Server) handleFrame(s *Session, frame Frame) {
	srv.eventCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", frame.Event),
	))

	switch frame.Event {
	case "identity-announce":
		srv.handleIdentityAnnounce(s, frame.Data)
	case "watch-status":
		srv.handleWatchStatus(s, frame.Data)
	case "unwatch-status":
		srv.handleUnwatchStatus(s, frame.Data)
	case "open-conversation":
		srv.forwardConversation(s, frame.Data, "conversation.open")
	case "mark-read":
		srv.forwardConversation(s, frame.Data, "conversation.read")
	case "typing":
		srv.handleTyping(s, frame.Data)
	case "send-message":
		srv.handleSendMessage(s, frame.Data)
	case "recall-message":
		srv.forwardMessageRef(s, frame.Data, "dm.recall")
	case "edit-message":
		srv.forwardMessageRef(s, frame.Data, "dm.edit")
	case "fetch-history":
		srv.handleFetchHistory(s, frame.Data)
	case "mark-notification-read":
		srv.handleNotificationRead(s, frame.Data)
	default:
		slog.Warn("Unknown event dropped", "session", s.id, "event", frame.Event)
	}
}

func (srv *Server) handleIdentityAnnounce(s *Session, data json.RawMessage) {
	var announce IdentityAnnounce
	if err := json.Unmarshal(data, &announce); err != nil {
		slog.Warn("Invalid identity-announce", "session", s.id, "error", err)
		return
	}

	userID := announce.UserID
	if srv.verifier != nil {
		verified, err := srv.verifier.Verify(announce.Token)
		if err != nil {
			slog.Warn("Identity token rejected", "session", s.id, "error", err)
			return
		}
		userID = verified
	}
	if userID == "" {
		slog.Warn("Identity-announce without user id", "session", s.id)
		return
	}

	s.setUserID(userID)
	evicted, released := srv.registry.Bind(s, userID)
	if evicted != "" {
		srv.evictCounter.Add(context.Background(), 1)
	}
	if released != "" {
		// Re-announce under a new identity: stop routing the old user's
		// events to this session.
		srv.dispatch.UnbindUser(s.id, released)
	}
	srv.dispatch.BindUser(userID, s)
	srv.bindCounter.Add(context.Background(), 1)

	// Tell other gateway instances so their stale sessions get closed too.
	evict, _ := json.Marshal(SessionEvict{UserID: userID, SessionID: s.id})
	if err := otelhelper.TracedPublish(context.Background(), srv.nc, "session.evict", evict); err != nil {
		slog.Warn("Failed to broadcast session.evict", "user", userID, "error", err)
	}

	slog.Info("Identity bound", "session", s.id, "user", userID)
}

func (srv *Server) handleWatchStatus(s *Session, data json.RawMessage) {
	var ids StringList
	if err := json.Unmarshal(data, &ids); err != nil || len(ids) == 0 {
		slog.Warn("Invalid watch-status", "session", s.id, "error", err)
		return
	}

	srv.watch.Watch(s.id, ids)

	// Immediate snapshot reply for every requested id. Users not bound here
	// may still be online on another gateway instance; the shared bucket has
	// the authoritative answer for those.
	entries := srv.registry.Snapshot(ids)
	for i := range entries {
		if !entries[i].Status {
			entries[i].Status = srv.kvOnline(entries[i].ID)
		}
	}
	payload, err := json.Marshal(PresenceUpdate{Users: entries})
	if err != nil {
		return
	}
	s.Enqueue("presence-update", payload)
	slog.Debug("Watch registered", "session", s.id, "users", len(ids))
}

func (srv *Server) kvOnline(userID string) bool {
	if srv.presenceKV == nil {
		return false
	}
	entry, err := srv.presenceKV.Get(userID)
	if err != nil {
		return false
	}
	var status kvPresenceStatus
	if json.Unmarshal(entry.Value(), &status) != nil {
		return false
	}
	return status.Status == "online"
}

func (srv *Server) handleUnwatchStatus(s *Session, data json.RawMessage) {
	var ids StringList
	if err := json.Unmarshal(data, &ids); err != nil || len(ids) == 0 {
		slog.Warn("Invalid unwatch-status", "session", s.id, "error", err)
		return
	}
	srv.watch.Unwatch(s.id, ids)
}

// forwardConversation relays open-conversation / mark-read to the delivery
// service. The acting user is always the bound session identity.
func (srv *Server) forwardConversation(s *Session, data json.RawMessage, subject string) {
	userID := s.UserID()
	if userID == "" {
		slog.Warn("Conversation event from unbound session dropped", "session", s.id)
		return
	}

	var evt ConversationEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.PartnerID == "" {
		slog.Warn("Invalid conversation event", "session", s.id, "subject", subject, "error", err)
		return
	}
	evt.UserID = userID

	out, _ := json.Marshal(evt)
	if err := otelhelper.TracedPublish(context.Background(), srv.nc, subject, out); err != nil {
		slog.Warn("Failed to publish conversation event", "subject", subject, "error", err)
	}
}

// handleTyping relays the ephemeral indicator straight to the receiver. No
// state machine, no persistence: an offline receiver simply misses it.
func (srv *Server) handleTyping(s *Session, data json.RawMessage) {
	userID := s.UserID()
	if userID == "" {
		return
	}

	var evt TypingEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.ReceiverID == "" {
		slog.Warn("Invalid typing event", "session", s.id, "error", err)
		return
	}

	out, _ := json.Marshal(TypingEvent{UserID: userID, IsTyping: evt.IsTyping})
	subject := "deliver." + evt.ReceiverID + ".user-typing"
	if err := otelhelper.TracedPublish(context.Background(), srv.nc, subject, out); err != nil {
		slog.Warn("Failed to relay typing event", "error", err)
	}
}

func (srv *Server) handleSendMessage(s *Session, data json.RawMessage) {
	userID := s.UserID()
	if userID == "" {
		slog.Warn("send-message from unbound session dropped", "session", s.id)
		return
	}

	var msg SendMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ReceiverID == "" {
		slog.Warn("Invalid send-message", "session", s.id, "error", err)
		return
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.MessageType == "text" && msg.Content == "" {
		slog.Warn("Text message without content dropped", "session", s.id)
		return
	}
	msg.Sender = userID

	out, _ := json.Marshal(msg)
	if err := otelhelper.TracedPublish(context.Background(), srv.nc, "dm.send", out); err != nil {
		slog.Warn("Failed to publish dm.send", "error", err)
	}
}

func (srv *Server) forwardMessageRef(s *Session, data json.RawMessage, subject string) {
	userID := s.UserID()
	if userID == "" {
		return
	}

	var ref MessageRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.MessageID == 0 {
		slog.Warn("Invalid message reference", "session", s.id, "subject", subject, "error", err)
		return
	}
	ref.Sender = userID

	out, _ := json.Marshal(ref)
	if err := otelhelper.TracedPublish(context.Background(), srv.nc, subject, out); err != nil {
		slog.Warn("Failed to publish message reference", "subject", subject, "error", err)
	}
}

func (srv *Server) handleFetchHistory(s *Session, data json.RawMessage) {
	userID := s.UserID()
	if userID == "" {
		return
	}

	var req HistoryRequest
	if err := json.Unmarshal(data, &req); err != nil || req.PartnerID == "" {
		slog.Warn("Invalid fetch-history", "session", s.id, "error", err)
		return
	}
	req.UserID = userID

	// The request blocks until the delivery service replies; keep it off the
	// session's read loop so typing and receipts keep flowing meanwhile.
	out, _ := json.Marshal(req)
	go func() {
		reply, err := otelhelper.TracedRequest(context.Background(), srv.nc, "conversation.history."+userID, out)
		if err != nil {
			slog.Warn("History request failed", "user", userID, "error", err)
			return
		}
		s.Enqueue("history", reply.Data)
	}()
}

func (srv *Server) handleNotificationRead(s *Session, data json.RawMessage) {
	userID := s.UserID()
	if userID == "" {
		return
	}

	var read NotificationRead
	if err := json.Unmarshal(data, &read); err != nil || read.NotificationID == 0 {
		slog.Warn("Invalid mark-notification-read", "session", s.id, "error", err)
		return
	}
	read.Recipient = userID

	out, _ := json.Marshal(read)
	if err := otelhelper.TracedPublish(context.Background(), srv.nc, "notification.read", out); err != nil {
		slog.Warn("Failed to publish notification.read", "error", err)
	}
}

// dropSession runs when a transport disconnects: watch cleanup is immediate,
// the presence offline transition goes through the registry's grace delay.
func (srv *Server) dropSession(s *Session) {
	srv.watch.UnwatchAll(s.id)
	srv.dispatch.Drop(s.id)
	srv.registry.Unbind(s.id)
	slog.Debug("Session dropped", "session", s.id, "user", s.UserID())
}

// handleDeliver routes a deliver.{userId}.{event} NATS message to local
// sessions of that user. Absent users are a silent no-op; another gateway
// may hold them, or nobody does.
func (srv *Server) handleDeliver(msg *nats.Msg) {
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "deliver to sessions")
	defer span.End()

	userID, event, ok := splitDeliverSubject(msg.Subject)
	if !ok {
		slog.Warn("Malformed deliver subject", "subject", msg.Subject)
		return
	}

	sent := srv.dispatch.SendToUser(userID, event, msg.Data)
	if sent > 0 {
		srv.deliverCounter.Add(ctx, int64(sent), metric.WithAttributes(
			attribute.String("event", event),
		))
		slog.DebugContext(ctx, "Delivered event", "user", userID, "event", event, "sessions", sent)
	}
}

// handleSessionEvict closes local sessions superseded by a bind on another
// gateway instance.
func (srv *Server) handleSessionEvict(msg *nats.Msg) {
	var evt SessionEvict
	if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.UserID == "" {
		slog.Warn("Invalid session.evict event", "error", err)
		return
	}
	srv.registry.EvictStale(evt.UserID, evt.SessionID)
}
