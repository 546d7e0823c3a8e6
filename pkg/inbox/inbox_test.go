package inbox

import (
	"context"
	"testing"
)

func TestMemoryQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := q.Push(ctx, "bob", id); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	if n, _ := q.Len(ctx, "bob"); n != 3 {
		t.Fatalf("len = %d, want 3", n)
	}

	ids, err := q.Drain(ctx, "bob")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	if len(ids) != len(want) {
		t.Fatalf("drained %d entries, want %d", len(ids), len(want))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("ids[%d] = %s, want %s", i, ids[i], id)
		}
	}

	// Second drain finds nothing; entries are consumed exactly once.
	ids, err = q.Drain(ctx, "bob")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("second drain returned %v, want empty", ids)
	}
}

func TestMemoryQueueRemove(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	for _, id := range []string{"m1", "m2", "m3"} {
		_ = q.Push(ctx, "bob", id)
	}
	if err := q.Remove(ctx, "bob", "m2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Removing an absent entry is a no-op.
	if err := q.Remove(ctx, "bob", "m9"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}

	ids, _ := q.Drain(ctx, "bob")
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m3" {
		t.Fatalf("remaining = %v, want [m1 m3]", ids)
	}
}

func TestMemoryQueueIsolatedPerUser(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	_ = q.Push(ctx, "bob", "m1")
	_ = q.Push(ctx, "carol", "m2")

	ids, _ := q.Drain(ctx, "bob")
	if len(ids) != 1 || ids[0] != "m1" {
		t.Fatalf("bob drain = %v, want [m1]", ids)
	}
	if n, _ := q.Len(ctx, "carol"); n != 1 {
		t.Fatalf("carol len = %d, want 1", n)
	}
}
