package main

import (
	"log/slog"
	"sync"
	"time"
)

// liveSession is the part of a session the registry needs: a stable id and a
// way to force-close the transport when the session is superseded.
type liveSession interface {
	SessionID() string
	Evict(reason string)
}

// PresenceEntry is one user's status in a presence-update payload.
type PresenceEntry struct {
	ID     string `json:"id"`
	Status bool   `json:"status"`
}

// Registry maintains the one-live-session-per-user invariant and the presence
// state derived from it. A disconnect does not flip a user offline
// immediately: the offline transition is re-checked after a grace delay so a
// page refresh (disconnect + reconnect within milliseconds) never flickers.
type Registry struct {
	mu        sync.Mutex
	byUser    map[string]liveSession
	bySession map[string]string // session id -> bound user id
	online    map[string]bool
	grace     time.Duration
	onChange  func(userID string, online bool)
}

func NewRegistry(grace time.Duration, onChange func(userID string, online bool)) *Registry {
	return &Registry{
		byUser:    make(map[string]liveSession),
		bySession: make(map[string]string),
		online:    make(map[string]bool),
		grace:     grace,
		onChange:  onChange,
	}
}

// Bind associates s with userID, forcibly closing any older session bound to
// the same user. Returns the id of the evicted session, if any, and the
// previous user id released when s re-announces under a different identity.
// The released user goes through the same grace-delayed offline path as a
// disconnect.
func (r *Registry) Bind(s liveSession, userID string) (evicted, released string) {
	sid := s.SessionID()

	r.mu.Lock()
	// A re-announce under a different identity releases the previous binding.
	if prev, ok := r.bySession[sid]; ok && prev != userID {
		if cur := r.byUser[prev]; cur != nil && cur.SessionID() == sid {
			delete(r.byUser, prev)
			released = prev
		}
	}

	old := r.byUser[userID]
	if old != nil && old.SessionID() == sid {
		old = nil // same session announcing again
	}
	if old != nil {
		delete(r.bySession, old.SessionID())
	}
	r.byUser[userID] = s
	r.bySession[sid] = userID
	r.online[userID] = true
	r.mu.Unlock()

	if released != "" {
		r.scheduleOffline(released)
	}
	if old != nil {
		evicted = old.SessionID()
		old.Evict("superseded by a newer session")
		slog.Debug("Evicted superseded session", "user", userID, "session", evicted)
	}
	if r.onChange != nil {
		r.onChange(userID, true)
	}
	return evicted, released
}

// Unbind handles a transport disconnect. Unauthenticated or already
// superseded sessions are no-ops for presence. Otherwise the offline
// transition is scheduled after the grace delay and re-checked at expiry: a
// reconnect inside the window leaves the user online throughout.
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	userID, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, sessionID)
	if cur := r.byUser[userID]; cur == nil || cur.SessionID() != sessionID {
		// A newer session owns the presence now.
		r.mu.Unlock()
		return
	}
	delete(r.byUser, userID)
	r.mu.Unlock()

	r.scheduleOffline(userID)
}

// scheduleOffline flips userID offline after the grace delay unless a session
// rebinds it first. The timer never needs cancelling: its own re-check sees
// the rebind and gives up.
func (r *Registry) scheduleOffline(userID string) {
	time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		if _, live := r.byUser[userID]; live {
			// Rebound within the window.
			r.mu.Unlock()
			return
		}
		if !r.online[userID] {
			r.mu.Unlock()
			return
		}
		delete(r.online, userID)
		r.mu.Unlock()

		slog.Debug("User went offline", "user", userID)
		if r.onChange != nil {
			r.onChange(userID, false)
		}
	})
}

// EvictStale closes a locally held session for userID whose id differs from
// keepSessionID. Used when another gateway instance reports a newer binding.
func (r *Registry) EvictStale(userID, keepSessionID string) {
	r.mu.Lock()
	cur := r.byUser[userID]
	if cur == nil || cur.SessionID() == keepSessionID {
		r.mu.Unlock()
		return
	}
	delete(r.byUser, userID)
	delete(r.bySession, cur.SessionID())
	// The user is still online, just on another instance; that instance owns
	// the presence state now.
	delete(r.online, userID)
	r.mu.Unlock()

	cur.Evict("session opened elsewhere")
	slog.Debug("Evicted stale session after remote bind", "user", userID, "session", cur.SessionID())
}

// IsOnline reports whether userID currently counts as online, including the
// grace window after a disconnect.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

// Snapshot returns the current status for each requested user.
func (r *Registry) Snapshot(userIDs []string) []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]PresenceEntry, 0, len(userIDs))
	for _, id := range userIDs {
		entries = append(entries, PresenceEntry{ID: id, Status: r.online[id]})
	}
	return entries
}

// SessionCount returns the number of identity-bound sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
