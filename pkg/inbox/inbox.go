package inbox

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an untouched inbox survives before Redis
// reclaims it. Matches the retention window for offline users.
const DefaultTTL = 7 * 24 * time.Hour

// Queue holds message IDs awaiting delivery to offline users. Entries
// are appended in send order and drained FIFO when the user reconnects.
// The inbox stores IDs only; the message store remains the source of
// truth for content and status.
type Queue interface {
	// Push appends a message ID to the user's inbox.
	Push(ctx context.Context, userID, messageID string) error
	// Drain removes and returns all queued IDs for the user, oldest first.
	Drain(ctx context.Context, userID string) ([]string, error)
	// Remove drops a single queued ID, e.g. after the message was
	// delivered through another device.
	Remove(ctx context.Context, userID, messageID string) error
	// Len reports how many IDs are queued for the user.
	Len(ctx context.Context, userID string) (int, error)
}

// MemoryQueue is a process-local inbox for tests and single-node runs.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]string
}

// NewMemoryQueue builds an empty in-process inbox.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]string)}
}

func (q *MemoryQueue) Push(_ context.Context, userID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[userID] = append(q.queues[userID], messageID)
	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, userID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[userID]
	delete(q.queues, userID)
	return ids, nil
}

func (q *MemoryQueue) Remove(_ context.Context, userID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[userID]
	for i, id := range ids {
		if id == messageID {
			q.queues[userID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Len(_ context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[userID]), nil
}
