package main

import (
	"encoding/json"
	"testing"
)

func TestDispatcher_SendToUser(t *testing.T) {
	d := NewDispatcher()
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	d.Register(s1)
	d.Register(s2)
	d.BindUser("alice", s1)
	d.BindUser("alice", s2)

	sent := d.SendToUser("alice", "presence-update", json.RawMessage(`{}`))
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if got := s1.eventNames(); len(got) != 1 || got[0] != "presence-update" {
		t.Errorf("s1 events = %v", got)
	}
}

func TestDispatcher_SendToAbsentUserIsDropped(t *testing.T) {
	d := NewDispatcher()
	if sent := d.SendToUser("ghost", "user-typing", nil); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}

func TestDispatcher_SendToSession(t *testing.T) {
	d := NewDispatcher()
	s1 := &fakeSession{id: "s1"}
	d.Register(s1)

	if !d.SendToSession("s1", "presence-update", nil) {
		t.Error("send to registered session failed")
	}
	if d.SendToSession("missing", "presence-update", nil) {
		t.Error("send to unknown session should report false")
	}
}

func TestDispatcher_SlowSessionReportsDrop(t *testing.T) {
	d := NewDispatcher()
	s1 := &fakeSession{id: "s1", full: true}
	d.Register(s1)
	d.BindUser("alice", s1)

	if sent := d.SendToUser("alice", "notification", nil); sent != 0 {
		t.Errorf("sent = %d, want 0 for a full queue", sent)
	}
}

func TestDispatcher_UnbindUserStopsOldIdentityRouting(t *testing.T) {
	d := NewDispatcher()
	s := &fakeSession{id: "s1"}

	d.Register(s)
	d.BindUser("alice", s)

	// The session re-identifies as bob; alice's events must no longer reach it.
	d.UnbindUser("s1", "alice")
	d.BindUser("bob", s)

	if sent := d.SendToUser("alice", "message-new", nil); sent != 0 {
		t.Errorf("alice delivery reached %d sessions, want 0", sent)
	}
	if sent := d.SendToUser("bob", "message-new", nil); sent != 1 {
		t.Errorf("bob delivery reached %d sessions, want 1", sent)
	}
	if !d.SendToSession("s1", "presence-update", nil) {
		t.Error("session should still be directly addressable")
	}
}

func TestDispatcher_UnbindUserUnknownIsNoop(t *testing.T) {
	d := NewDispatcher()
	d.UnbindUser("s1", "nobody")
}

func TestDispatcher_Drop(t *testing.T) {
	d := NewDispatcher()
	s1 := &fakeSession{id: "s1"}
	d.Register(s1)
	d.BindUser("alice", s1)

	d.Drop("s1")

	if d.SendToSession("s1", "x", nil) {
		t.Error("dropped session still addressable by id")
	}
	if sent := d.SendToUser("alice", "x", nil); sent != 0 {
		t.Errorf("sent = %d, want 0 after drop", sent)
	}
	if d.ConnectionCount() != 0 {
		t.Errorf("connection count = %d, want 0", d.ConnectionCount())
	}
}
