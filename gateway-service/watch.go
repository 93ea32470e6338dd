package main

import "sync"

// WatchTable maps watched users to the observer sessions interested in their
// presence, with both forward and reverse indexes so disconnect cleanup is
// O(sessions own watches) rather than a scan over every watched user.
// Forward: watched userId → set of observer session ids.
// Reverse: observer session id → set of watched userIds.
type WatchTable struct {
	mu       sync.RWMutex
	watchers map[string]map[string]bool
	observed map[string]map[string]bool
}

func NewWatchTable() *WatchTable {
	return &WatchTable{
		watchers: make(map[string]map[string]bool),
		observed: make(map[string]map[string]bool),
	}
}

// Watch registers observerID for presence changes of every id in userIDs.
func (w *WatchTable) Watch(observerID string, userIDs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, uid := range userIDs {
		if uid == "" {
			continue
		}
		if w.watchers[uid] == nil {
			w.watchers[uid] = make(map[string]bool)
		}
		w.watchers[uid][observerID] = true
		if w.observed[observerID] == nil {
			w.observed[observerID] = make(map[string]bool)
		}
		w.observed[observerID][uid] = true
	}
}

// Unwatch removes observerID's interest in the given users, deleting entries
// that become empty.
func (w *WatchTable) Unwatch(observerID string, userIDs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, uid := range userIDs {
		w.dropLocked(observerID, uid)
	}
}

// UnwatchAll removes observerID from every observer set it belongs to.
// Called on disconnect.
func (w *WatchTable) UnwatchAll(observerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for uid := range w.observed[observerID] {
		w.dropLocked(observerID, uid)
	}
}

func (w *WatchTable) dropLocked(observerID, userID string) {
	if set, ok := w.watchers[userID]; ok {
		delete(set, observerID)
		if len(set) == 0 {
			delete(w.watchers, userID)
		}
	}
	if set, ok := w.observed[observerID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(w.observed, observerID)
		}
	}
}

// Watchers returns the observer session ids for userID, nil when nobody is
// watching.
func (w *WatchTable) Watchers(userID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	set := w.watchers[userID]
	if len(set) == 0 {
		return nil
	}
	result := make([]string, 0, len(set))
	for sid := range set {
		result = append(result, sid)
	}
	return result
}

// WatchedCount returns the number of users with at least one observer.
func (w *WatchTable) WatchedCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.watchers)
}
