package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/pkg/logger"
	"courier/pkg/models"
)

// Handler consumes one event. Returning an error triggers redelivery.
type Handler func(ctx context.Context, ev models.Event) error

var (
	// ErrBusClosed is returned by Publish after shutdown has begun.
	ErrBusClosed = errors.New("event bus is closed")
)

const (
	defaultQueueCapacity = 4096
	defaultMaxAttempts   = 3
	retryBackoff         = 50 * time.Millisecond
	offsetFileName       = "COMMITTED"
)

type envelope struct {
	seq int64
	ev  models.Event
}

// Bus is a durable, in-process event bus. Publish journals the event to
// disk before it is visible to consumers, so an acknowledged publish
// survives a crash. A single dispatch goroutine delivers events to the
// handlers registered for their type, in publish order, and commits the
// consumed offset back to disk; on restart everything past the committed
// offset is replayed, giving consumers at-least-once delivery.
type Bus struct {
	journal *Journal
	dir     string

	mu        sync.Mutex
	handlers  map[models.EventType][]Handler
	started   bool
	closed    bool
	committed int64

	queue chan envelope
	stop  chan struct{}
	done  chan struct{}
}

// Options configure the bus.
type Options struct {
	// Dir holds the journal segments and the committed-offset file.
	Dir string
	// MaxSegmentSize bounds a single journal segment file.
	MaxSegmentSize int64
	// QueueCapacity bounds the in-memory dispatch queue.
	QueueCapacity int
}

// Open opens (or recovers) the bus at opts.Dir. Register handlers with
// Subscribe, then call Start.
func Open(opts Options) (*Bus, error) {
	if opts.Dir == "" {
		return nil, errors.New("bus options missing dir")
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}

	j, err := OpenJournal(filepath.Join(opts.Dir, "journal"), opts.MaxSegmentSize)
	if err != nil {
		return nil, err
	}
	committed, err := readOffset(filepath.Join(opts.Dir, offsetFileName))
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	return &Bus{
		journal:   j,
		dir:       opts.Dir,
		handlers:  make(map[models.EventType][]Handler),
		committed: committed,
		queue:     make(chan envelope, opts.QueueCapacity),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Subscribe registers a handler for an event type. Must be called before
// Start.
func (b *Bus) Subscribe(typ models.EventType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("subscribe after bus start")
	}
	b.handlers[typ] = append(b.handlers[typ], h)
	return nil
}

// Start replays journaled events past the committed offset, then begins
// dispatching live publishes.
func (b *Bus) Start() error {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return errors.New("bus already started or closed")
	}
	b.started = true
	committed := b.committed
	b.mu.Unlock()

	// Collect the backlog first; the journal lock is held for the whole
	// replay and the dispatcher needs it to truncate on commit.
	var backlog []envelope
	err := b.journal.Replay(func(r Record) error {
		if r.Seq < committed {
			return nil
		}
		ev, err := models.DecodeEvent(r.Data)
		if err != nil {
			// A journaled event that no longer decodes cannot be
			// delivered; skip it rather than wedge the bus.
			logger.Log.Error("bus_replay_decode_failed", zap.Int64("seq", r.Seq), zap.Error(err))
			return nil
		}
		backlog = append(backlog, envelope{seq: r.Seq, ev: ev})
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay event journal: %w", err)
	}

	go b.dispatchLoop()
	for _, env := range backlog {
		b.queue <- env
	}
	if len(backlog) > 0 {
		logger.Log.Info("bus_replayed_events", zap.Int("count", len(backlog)))
	}
	return nil
}

// Publish journals the event and queues it for dispatch. The event is
// durable once Publish returns nil.
func (b *Bus) Publish(ctx context.Context, ev models.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	seq, err := b.journal.Append(data)
	if err != nil {
		return fmt.Errorf("journal event: %w", err)
	}

	select {
	case b.queue <- envelope{seq: seq, ev: ev}:
		return nil
	case <-b.stop:
		// Journaled but not dispatched; replayed on next start.
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatch, persists the committed offset and closes the
// journal. Events journaled but not yet handled are redelivered on the
// next Start.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	close(b.stop)
	if started {
		<-b.done
	}
	if err := b.persistOffset(); err != nil {
		logger.Log.Error("bus_offset_persist_failed", zap.Error(err))
	}
	return b.journal.Close()
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	ctx := context.Background()

	for {
		select {
		case env := <-b.queue:
			b.deliver(ctx, env)
		case <-b.stop:
			// Drain what is already queued so a clean shutdown does not
			// force a replay.
			for {
				select {
				case env := <-b.queue:
					b.deliver(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, env envelope) {
	handlers := b.handlers[env.ev.EventType]
	for _, h := range handlers {
		if err := b.callWithRetry(ctx, h, env.ev); err != nil {
			logger.Log.Error("bus_event_abandoned",
				zap.Int64("seq", env.seq),
				zap.String("type", string(env.ev.EventType)),
				zap.String("message", env.ev.MessageID),
				zap.Error(err))
		}
	}
	b.commit(env.seq)
}

func (b *Bus) callWithRetry(ctx context.Context, h Handler, ev models.Event) error {
	var err error
	for attempt := 1; attempt <= defaultMaxAttempts; attempt++ {
		if err = h(ctx, ev); err == nil {
			return nil
		}
		if attempt < defaultMaxAttempts {
			time.Sleep(retryBackoff * time.Duration(attempt))
		}
	}
	return err
}

func (b *Bus) commit(seq int64) {
	b.mu.Lock()
	if seq+1 > b.committed {
		b.committed = seq + 1
	}
	committed := b.committed
	b.mu.Unlock()

	if err := b.persistOffset(); err != nil {
		logger.Log.Error("bus_offset_persist_failed", zap.Int64("seq", seq), zap.Error(err))
		return
	}
	if err := b.journal.TruncateBefore(committed); err != nil {
		logger.Log.Warn("bus_journal_truncate_failed", zap.Error(err))
	}
}

func (b *Bus) persistOffset() error {
	b.mu.Lock()
	committed := b.committed
	b.mu.Unlock()

	path := filepath.Join(b.dir, offsetFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(committed, 10)), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(b.dir)
}

func readOffset(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read committed offset: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse committed offset: %w", err)
	}
	return n, nil
}
