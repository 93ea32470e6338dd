package main

import (
	"encoding/json"
	"sync"
)

// Frame is the wire format for events in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// eventSink receives outbound event frames. Enqueue reports false when the
// frame was dropped (slow or closing client).
type eventSink interface {
	SessionID() string
	Enqueue(event string, data json.RawMessage) bool
}

// Dispatcher is the local fan-out layer: it addresses connected sessions
// either by session id (pre-identity, e.g. watch snapshots) or by user id
// (post-bind, e.g. delivery receipts). Delivery is fire-and-forget: events
// for absent users are dropped, never queued.
type Dispatcher struct {
	mu       sync.RWMutex
	sessions map[string]eventSink
	users    map[string]map[string]eventSink
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		sessions: make(map[string]eventSink),
		users:    make(map[string]map[string]eventSink),
	}
}

// Register adds a freshly connected session, before any identity is known.
func (d *Dispatcher) Register(s eventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.SessionID()] = s
}

// BindUser indexes s under userID once the identity is announced.
func (d *Dispatcher) BindUser(userID string, s eventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users[userID] == nil {
		d.users[userID] = make(map[string]eventSink)
	}
	d.users[userID][s.SessionID()] = s
}

// UnbindUser removes sessionID from userID's index only, keeping the session
// registered for direct addressing. Called when a session re-announces under
// a different identity so the old user's events stop reaching it.
func (d *Dispatcher) UnbindUser(sessionID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.users[userID]
	if set == nil {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(d.users, userID)
	}
}

// Drop removes the session from both indexes.
func (d *Dispatcher) Drop(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
	for uid, set := range d.users {
		if _, ok := set[sessionID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(d.users, uid)
			}
		}
	}
}

// SendToUser pushes an event to every session bound to userID and returns the
// number of sessions it was enqueued for.
func (d *Dispatcher) SendToUser(userID, event string, data json.RawMessage) int {
	d.mu.RLock()
	set := d.users[userID]
	sinks := make([]eventSink, 0, len(set))
	for _, s := range set {
		sinks = append(sinks, s)
	}
	d.mu.RUnlock()

	sent := 0
	for _, s := range sinks {
		if s.Enqueue(event, data) {
			sent++
		}
	}
	return sent
}

// SendToSession pushes an event to one session by id.
func (d *Dispatcher) SendToSession(sessionID, event string, data json.RawMessage) bool {
	d.mu.RLock()
	s, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Enqueue(event, data)
}

// ConnectionCount returns the number of connected sessions.
func (d *Dispatcher) ConnectionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}
