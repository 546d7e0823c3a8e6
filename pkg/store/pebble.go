package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"courier/pkg/logger"
	"courier/pkg/models"
)

// MessageStore is the durable per-message store on Pebble. The key layout
// favors high write volume and range scans per conversation:
//
//	msg:<id>                          canonical message record
//	conv:<convID>:msg:<id20>          conversation range index (zero-padded ID)
//	undelivered:<receiverID>:<id20>   receiver sweep index, kept only while SENT
//
// Snowflake IDs are time ordered, so iterating a conversation prefix yields
// messages in creation order without a secondary sort.
type MessageStore struct {
	db *pebble.DB

	// mu serializes mutations so status compare-and-set stays atomic on a
	// single node. Reads go straight to pebble.
	mu sync.Mutex
}

// Open opens (or creates) the message store at path.
func Open(path string) (*MessageStore, error) {
	logger.Log.Info("opening_message_store", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Log.Error("message_store_open_failed", zap.String("path", path), zap.Error(err))
		return nil, models.Transientf("open message store: %v", err)
	}
	return &MessageStore{db: db}, nil
}

// Close closes the underlying DB.
func (s *MessageStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Log.Info("message_store_closed")
	return err
}

func msgKey(id string) []byte {
	return []byte("msg:" + id)
}

func convKey(convID, id string) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020s", convID, id))
}

func undeliveredKey(receiverID, id string) []byte {
	return []byte(fmt.Sprintf("undelivered:%s:%020s", receiverID, id))
}

// Save persists a new message. The canonical record, the conversation
// range entry and (while SENT) the undelivered index are written in one
// batch so a crash never leaves a dangling index.
func (s *MessageStore) Save(m *models.Message) error {
	if s.db == nil {
		return models.Transientf("message store not open")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(msgKey(m.ID), data, nil)
	_ = b.Set(convKey(m.ConversationID, m.ID), data, nil)
	if m.Status == models.StatusSent {
		_ = b.Set(undeliveredKey(m.ReceiverID, m.ID), []byte(m.ConversationID), nil)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Log.Error("save_message_failed", zap.String("msg_id", m.ID), zap.Error(err))
		return models.Transientf("save message %s: %v", m.ID, err)
	}
	logger.Log.Debug("message_saved", zap.String("msg_id", m.ID), zap.String("conv", m.ConversationID))
	return nil
}

// Get returns the message with the given ID.
func (s *MessageStore) Get(id string) (*models.Message, error) {
	if s.db == nil {
		return nil, models.Transientf("message store not open")
	}
	v, closer, err := s.db.Get(msgKey(id))
	if err == pebble.ErrNotFound {
		return nil, models.NotFoundf("message %s", id)
	}
	if err != nil {
		return nil, models.Transientf("get message %s: %v", id, err)
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}

// Mutate loads a message, applies fn and, when fn reports a change,
// rewrites the record and reconciles the indexes in one batch. fn runs
// under the store mutation lock, which is what makes relay-side
// compare-and-set transitions safe under event redelivery.
func (s *MessageStore) Mutate(id string, fn func(*models.Message) (bool, error)) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.Get(id)
	if err != nil {
		return nil, false, err
	}
	changed, err := fn(m)
	if err != nil {
		return m, false, err
	}
	if !changed {
		return m, false, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, false, fmt.Errorf("marshal message %s: %w", id, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(msgKey(m.ID), data, nil)
	_ = b.Set(convKey(m.ConversationID, m.ID), data, nil)
	// A deleted message must never be flushed on reconnect, so deletion
	// drops the undelivered entry even while the status is still SENT.
	if m.Status != models.StatusSent || m.Deleted {
		_ = b.Delete(undeliveredKey(m.ReceiverID, m.ID), nil)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Log.Error("mutate_message_failed", zap.String("msg_id", id), zap.Error(err))
		return nil, false, models.Transientf("update message %s: %v", id, err)
	}
	return m, true, nil
}

// ListByConversation returns up to limit messages of a conversation,
// newest first. A non-empty before cursor (a message ID) restricts the
// scan to strictly older messages, which is the pagination contract.
func (s *MessageStore) ListByConversation(convID, before string, limit int) ([]*models.Message, error) {
	if s.db == nil {
		return nil, models.Transientf("message store not open")
	}
	if limit <= 0 {
		limit = 50
	}
	lower := []byte("conv:" + convID + ":msg:")
	upper := append(lower[:len(lower):len(lower)], 0xff)
	if before != "" {
		upper = convKey(convID, before)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, models.Transientf("scan conversation %s: %v", convID, err)
	}
	defer iter.Close()

	var out []*models.Message
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode message at %q: %w", iter.Key(), err)
		}
		out = append(out, &m)
	}
	return out, iter.Error()
}

// FindUndelivered returns every message addressed to receiverID that is
// still SENT, oldest first. Used by the reconnect sweep.
func (s *MessageStore) FindUndelivered(receiverID string) ([]*models.Message, error) {
	if s.db == nil {
		return nil, models.Transientf("message store not open")
	}
	lower := []byte("undelivered:" + receiverID + ":")
	upper := append(lower[:len(lower):len(lower)], 0xff)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, models.Transientf("scan undelivered for %s: %v", receiverID, err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		ids = append(ids, trimLeadingZeros(key[len(lower):]))
	}
	if err := iter.Error(); err != nil {
		return nil, models.Transientf("scan undelivered for %s: %v", receiverID, err)
	}

	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(id)
		if err != nil {
			logger.Log.Warn("undelivered_index_dangling", zap.String("msg_id", id), zap.Error(err))
			continue
		}
		// index can lag a transition; trust the record
		if m.Status == models.StatusSent && !m.Deleted {
			out = append(out, m)
		}
	}
	return out, nil
}

func trimLeadingZeros(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' {
			return s[i:]
		}
	}
	if s == "" {
		return s
	}
	return "0"
}
