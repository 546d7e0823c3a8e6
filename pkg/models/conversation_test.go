package models

import (
	"errors"
	"testing"
	"time"
)

func alice() Participant { return Participant{UserID: "alice", DisplayName: "Alice"} }
func bob() Participant   { return Participant{UserID: "bob", DisplayName: "Bob"} }
func carol() Participant { return Participant{UserID: "carol", DisplayName: "Carol"} }

func TestPairKeyOrderIndependent(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Fatal("pair key must be order independent")
	}
	if PairKey("alice", "bob") != "alice:bob" {
		t.Fatalf("pair key = %q, want alice:bob", PairKey("alice", "bob"))
	}
}

func TestNewOneToOne(t *testing.T) {
	c, err := NewOneToOne("c1", alice(), bob())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(c.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(c.Participants))
	}
	if c.UnreadFor("alice") != 0 || c.UnreadFor("bob") != 0 {
		t.Fatal("unread counters must start at zero")
	}
	if c.PairKey != "alice:bob" {
		t.Fatalf("pair key = %q", c.PairKey)
	}

	if _, err := NewOneToOne("c2", alice(), alice()); !errors.Is(err, ErrValidation) {
		t.Fatalf("self conversation should fail validation, got %v", err)
	}
}

func TestOneToOneParticipantManagementRejected(t *testing.T) {
	c, _ := NewOneToOne("c1", alice(), bob())
	if err := c.AddParticipant("alice", carol()); !errors.Is(err, ErrConflict) {
		t.Fatalf("add on one-to-one should conflict, got %v", err)
	}
	if err := c.RemoveParticipant("alice", "bob"); !errors.Is(err, ErrConflict) {
		t.Fatalf("remove on one-to-one should conflict, got %v", err)
	}
}

func TestGroupAdminRules(t *testing.T) {
	g, err := NewGroup("g1", "team", "", alice(), []Participant{bob()})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !g.IsAdmin("alice") {
		t.Fatal("creator must be admin")
	}
	if err := g.AddParticipant("bob", carol()); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-admin add should be a permission error, got %v", err)
	}
	if err := g.AddParticipant("alice", carol()); err != nil {
		t.Fatalf("admin add failed: %v", err)
	}
	if err := g.AddParticipant("alice", carol()); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate add should conflict, got %v", err)
	}
	if err := g.RemoveParticipant("bob", "carol"); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-admin removing another member should be a permission error, got %v", err)
	}
	if err := g.RemoveParticipant("bob", "bob"); err != nil {
		t.Fatalf("self-removal should be allowed: %v", err)
	}
	if g.IsParticipant("bob") {
		t.Fatal("bob should be removed")
	}
	if _, tracked := g.Unread["bob"]; tracked {
		t.Fatal("unread counter must be dropped with the participant")
	}
}

func TestUnreadCounters(t *testing.T) {
	c, _ := NewOneToOne("c1", alice(), bob())
	c.IncrementUnread("bob")
	c.IncrementUnread("bob")
	if c.UnreadFor("bob") != 2 {
		t.Fatalf("unread = %d, want 2", c.UnreadFor("bob"))
	}
	c.ResetUnread("bob")
	if c.UnreadFor("bob") != 0 {
		t.Fatalf("unread after reset = %d, want 0", c.UnreadFor("bob"))
	}
	// counters are keyed only by current participants
	c.IncrementUnread("mallory")
	if _, tracked := c.Unread["mallory"]; tracked {
		t.Fatal("non-participant must not gain an unread counter")
	}
}

func TestUpdateLastMessage(t *testing.T) {
	c, _ := NewOneToOne("c1", alice(), bob())
	before := c.UpdatedAt
	time.Sleep(2 * time.Millisecond)
	sent := time.Now().UTC()
	c.UpdateLastMessage("1001", sent)
	if c.LastMsgID != "1001" || c.LastMsgAt == nil || !c.LastMsgAt.Equal(sent) {
		t.Fatal("last message pointer not updated")
	}
	if !c.UpdatedAt.After(before) {
		t.Fatal("mutators must bump UpdatedAt")
	}
}

func TestOtherParticipant(t *testing.T) {
	c, _ := NewOneToOne("c1", alice(), bob())
	p, err := c.OtherParticipant("alice")
	if err != nil || p.UserID != "bob" {
		t.Fatalf("other participant = %v, %v", p, err)
	}
	g, _ := NewGroup("g1", "team", "", alice(), nil)
	if _, err := g.OtherParticipant("alice"); !errors.Is(err, ErrConflict) {
		t.Fatalf("OtherParticipant on group should conflict, got %v", err)
	}
}
