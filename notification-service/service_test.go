package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	notifications []Notification
	nextID        int64
	profiles      map[string]*SenderProfile
	insertErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, profiles: map[string]*SenderProfile{}}
}

func (f *fakeStore) FindActiveUnread(_ context.Context, recipient, sender, referenceKind string) (*Notification, error) {
	for i := range f.notifications {
		n := &f.notifications[i]
		if n.Recipient == recipient && n.Sender == sender && n.ReferenceKind == referenceKind &&
			!n.IsRead && n.IsActive {
			return n, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Insert(_ context.Context, n *Notification) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	n.ID = f.nextID
	f.nextID++
	n.IsRead = false
	n.IsActive = true
	n.CreatedAt = time.Now()
	f.notifications = append(f.notifications, *n)
	return nil
}

func (f *fakeStore) SenderProfile(_ context.Context, userID string) (*SenderProfile, error) {
	return f.profiles[userID], nil
}

func (f *fakeStore) DeactivateByReference(_ context.Context, referenceKind, referenceID string) ([]Notification, error) {
	var affected []Notification
	for i := range f.notifications {
		n := &f.notifications[i]
		if n.ReferenceKind == referenceKind && n.ReferenceID == referenceID && !n.IsRead && n.IsActive {
			n.IsActive = false
			affected = append(affected, *n)
		}
	}
	return affected, nil
}

func (f *fakeStore) MarkRead(_ context.Context, id int64, recipient string) (bool, error) {
	for i := range f.notifications {
		n := &f.notifications[i]
		if n.ID == id && n.Recipient == recipient && !n.IsRead {
			n.IsRead = true
			return true, nil
		}
	}
	return false, nil
}

type published struct {
	subject string
	data    []byte
}

func captureService(store notificationStore) (*Service, *[]published) {
	var events []published
	svc := NewService(store, func(_ context.Context, subject string, data []byte) error {
		events = append(events, published{subject, data})
		return nil
	})
	return svc, &events
}

func subjects(events []published) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.subject
	}
	return out
}

func countSubject(events []published, subject string) int {
	c := 0
	for _, e := range events {
		if e.subject == subject {
			c++
		}
	}
	return c
}

func TestCreateDeduplicatesUnreadRelationshipNotification(t *testing.T) {
	store := newFakeStore()
	svc, events := captureService(store)

	req := CreateRequest{
		Recipient: "alice", Sender: "bob", Type: "FRIEND_REQUEST",
		ReferenceKind: "friendship", ReferenceID: "fr-1",
	}

	first, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first == nil {
		t.Fatal("first create should persist")
	}

	second, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second != nil {
		t.Errorf("second create should be suppressed, got %+v", second)
	}
	if len(store.notifications) != 1 {
		t.Errorf("expected exactly one stored notification, got %d", len(store.notifications))
	}
	// Full payload only once, hint on both calls.
	if got := countSubject(*events, "deliver.alice.notification"); got != 1 {
		t.Errorf("expected 1 full push, got %d (%v)", got, subjects(*events))
	}
	if got := countSubject(*events, "deliver.alice.interaction-hint"); got != 2 {
		t.Errorf("expected 2 hints, got %d (%v)", got, subjects(*events))
	}
}

func TestCreateHintCarriesSenderID(t *testing.T) {
	store := newFakeStore()
	svc, events := captureService(store)

	_, err := svc.Create(context.Background(), CreateRequest{
		Recipient: "alice", Sender: "bob", Type: "LIKE",
		ReferenceKind: "post", ReferenceID: "p-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, e := range *events {
		if e.subject != "deliver.alice.interaction-hint" {
			continue
		}
		var hint map[string]string
		if err := json.Unmarshal(e.data, &hint); err != nil {
			t.Fatalf("hint payload: %v", err)
		}
		if hint["senderId"] != "bob" {
			t.Errorf("hint senderId = %q, want bob", hint["senderId"])
		}
		return
	}
	t.Errorf("no interaction-hint pushed, got %v", subjects(*events))
}

func TestCreateAfterReadIsNotDeduplicated(t *testing.T) {
	store := newFakeStore()
	svc, _ := captureService(store)

	req := CreateRequest{
		Recipient: "alice", Sender: "bob", Type: "FRIEND_REQUEST",
		ReferenceKind: "friendship", ReferenceID: "fr-1",
	}
	first, _ := svc.Create(context.Background(), req)
	if _, err := svc.MarkRead(context.Background(), ReadRequest{NotificationID: first.ID, Recipient: "alice"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	second, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create after read: %v", err)
	}
	if second == nil {
		t.Error("a read notification should not suppress a new one")
	}
}

func TestCreateRejectsMissingRecipientOrType(t *testing.T) {
	store := newFakeStore()
	svc, events := captureService(store)

	cases := []CreateRequest{
		{Sender: "bob", Type: "LIKE"},
		{Recipient: "alice", Sender: "bob"},
		{Recipient: "alice", Sender: "bob", Type: "SHRUG"},
	}
	for _, req := range cases {
		if _, err := svc.Create(context.Background(), req); err == nil {
			t.Errorf("expected rejection for %+v", req)
		}
	}
	if len(store.notifications) != 0 {
		t.Errorf("rejected requests must not persist, got %d", len(store.notifications))
	}
	if len(*events) != 0 {
		t.Errorf("rejected requests must not publish, got %v", subjects(*events))
	}
}

func TestCreatePersistsBeforePublishing(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("db down")
	svc, events := captureService(store)

	_, err := svc.Create(context.Background(), CreateRequest{
		Recipient: "alice", Sender: "bob", Type: "LIKE",
		ReferenceKind: "post", ReferenceID: "p-1",
	})
	if err == nil {
		t.Fatal("expected insert error to surface")
	}
	if got := countSubject(*events, "deliver.alice.notification"); got != 0 {
		t.Errorf("no full payload may be published when the write failed, got %d", got)
	}
}

func TestCreateAttachesSenderProfile(t *testing.T) {
	store := newFakeStore()
	store.profiles["bob"] = &SenderProfile{ID: "bob", FirstName: "Bob", Avatar: "https://cdn/bob.png"}
	svc, events := captureService(store)

	n, err := svc.Create(context.Background(), CreateRequest{
		Recipient: "alice", Sender: "bob", Type: "COMMENT",
		ReferenceKind: "comment", ReferenceID: "c-7",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.SenderProfile == nil || n.SenderProfile.FirstName != "Bob" {
		t.Errorf("expected sender profile attached, got %+v", n.SenderProfile)
	}

	for _, e := range *events {
		if e.subject != "deliver.alice.notification" {
			continue
		}
		var pushed Notification
		if err := json.Unmarshal(e.data, &pushed); err != nil {
			t.Fatalf("pushed payload: %v", err)
		}
		if pushed.SenderProfile == nil || pushed.SenderProfile.ID != "bob" {
			t.Errorf("pushed payload missing sender profile: %s", e.data)
		}
		return
	}
	t.Error("full notification payload was never pushed")
}

func TestDeactivateWithdrawsPerRecipient(t *testing.T) {
	store := newFakeStore()
	svc, events := captureService(store)

	svc.Create(context.Background(), CreateRequest{
		Recipient: "alice", Sender: "bob", Type: "FRIEND_REQUEST",
		ReferenceKind: "friendship", ReferenceID: "fr-1",
	})

	count, err := svc.Deactivate(context.Background(), DeactivateRequest{ReferenceKind: "friendship", ReferenceID: "fr-1"})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 withdrawn, got %d", count)
	}
	if store.notifications[0].IsActive {
		t.Error("notification should be inactive, not deleted")
	}

	var withdrawn []published
	for _, e := range *events {
		if strings.HasSuffix(e.subject, ".notification-withdrawn") {
			withdrawn = append(withdrawn, e)
		}
	}
	if len(withdrawn) != 1 || withdrawn[0].subject != "deliver.alice.notification-withdrawn" {
		t.Fatalf("expected one withdrawal to alice, got %v", subjects(*events))
	}
	var body map[string]int64
	if err := json.Unmarshal(withdrawn[0].data, &body); err != nil || body["notificationId"] == 0 {
		t.Errorf("withdrawal must carry the notification id: %s", withdrawn[0].data)
	}
}

func TestDeactivateNothingMatchingIsNoop(t *testing.T) {
	store := newFakeStore()
	svc, events := captureService(store)

	count, err := svc.Deactivate(context.Background(), DeactivateRequest{ReferenceKind: "friendship", ReferenceID: "missing"})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no withdrawals, got %d", count)
	}
	if len(*events) != 0 {
		t.Errorf("no events expected, got %v", subjects(*events))
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc, _ := captureService(store)

	n, _ := svc.Create(context.Background(), CreateRequest{
		Recipient: "alice", Sender: "bob", Type: "LIKE",
		ReferenceKind: "post", ReferenceID: "p-1",
	})

	changed, err := svc.MarkRead(context.Background(), ReadRequest{NotificationID: n.ID, Recipient: "alice"})
	if err != nil || !changed {
		t.Fatalf("first mark read: changed=%v err=%v", changed, err)
	}
	changed, err = svc.MarkRead(context.Background(), ReadRequest{NotificationID: n.ID, Recipient: "alice"})
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if changed {
		t.Error("second mark read should be a no-op")
	}
}
