package snowflake

import (
	"testing"
	"time"
)

func TestNextMonotonic(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	prev := g.Next()
	for i := 0; i < 10000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d (iteration %d)", id, prev, i)
		}
		prev = id
	}
}

func TestNextUniqueConcurrent(t *testing.T) {
	g, err := New(2)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	const goroutines = 8
	const perG = 2000
	ch := make(chan int64, goroutines*perG)
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < perG; j++ {
				ch <- g.Next()
			}
		}()
	}
	seen := make(map[int64]struct{}, goroutines*perG)
	for i := 0; i < goroutines*perG; i++ {
		id := <-ch
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	g, _ := New(42)
	before := time.Now().Add(-time.Second)
	id := g.Next()
	after := time.Now().Add(time.Second)

	ts := Timestamp(id)
	if ts.Before(before) || ts.After(after) {
		t.Fatalf("extracted timestamp %v outside [%v, %v]", ts, before, after)
	}
	if Node(id) != 42 {
		t.Fatalf("extracted node %d, want 42", Node(id))
	}
}

func TestNodeRange(t *testing.T) {
	if _, err := New(-1); err == nil {
		t.Fatal("expected error for negative node")
	}
	if _, err := New(1024); err == nil {
		t.Fatal("expected error for node > 1023")
	}
	if _, err := New(1023); err != nil {
		t.Fatalf("node 1023 should be valid: %v", err)
	}
}
