package convstore

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"courier/pkg/logger"
	"courier/pkg/models"
)

// ConversationStore persists conversations in SQLite. Participants and
// their unread counters live in their own table so membership changes and
// counter updates are row operations, never whole-aggregate rewrites.
// Unread counters move only via atomic UPDATE increments, which closes the
// read-modify-write race on concurrent sends to one conversation.
type ConversationStore struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	avatar_url      TEXT NOT NULL DEFAULT '',
	pair_key        TEXT,
	last_msg_id     TEXT NOT NULL DEFAULT '',
	last_msg_at     TEXT NOT NULL DEFAULT '',
	active          INTEGER NOT NULL DEFAULT 1,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair_key
	ON conversations(pair_key) WHERE pair_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS participants (
	conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
	user_id         TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	admin           INTEGER NOT NULL DEFAULT 0,
	unread          INTEGER NOT NULL DEFAULT 0 CHECK (unread >= 0),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);
`

// Open opens (or creates) the conversation store at path.
func Open(path string) (*ConversationStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, models.Transientf("open conversation store: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, models.Transientf("apply conversation schema: %v", err)
	}
	logger.Log.Info("conversation_store_opened", zap.String("path", path))
	return &ConversationStore{db: db}, nil
}

// Close closes the store.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

type conversationRow struct {
	ConversationID string  `db:"conversation_id"`
	Type           string  `db:"type"`
	Name           string  `db:"name"`
	Description    string  `db:"description"`
	AvatarURL      string  `db:"avatar_url"`
	PairKey        *string `db:"pair_key"`
	LastMsgID      string  `db:"last_msg_id"`
	LastMsgAt      string  `db:"last_msg_at"`
	Active         bool    `db:"active"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
}

type participantRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	DisplayName    string `db:"display_name"`
	Admin          bool   `db:"admin"`
	Unread         int    `db:"unread"`
}

// Create inserts a new conversation with its participants. A second
// ONE_TO_ONE conversation for the same unordered pair fails with a
// conflict; callers re-query by pair key and use the winner.
func (s *ConversationStore) Create(c *models.Conversation) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return models.Transientf("begin create conversation: %v", err)
	}
	defer tx.Rollback()

	var pairKey any
	if c.PairKey != "" {
		pairKey = c.PairKey
	}
	_, err = tx.Exec(`INSERT INTO conversations
		(conversation_id, type, name, description, avatar_url, pair_key, last_msg_id, last_msg_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)`,
		c.ID, string(c.Type), c.Name, c.Description, c.AvatarURL, pairKey,
		c.Active, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Conflictf("conversation for pair %s already exists", c.PairKey)
		}
		return models.Transientf("insert conversation %s: %v", c.ID, err)
	}
	for _, p := range c.Participants {
		if _, err := tx.Exec(`INSERT INTO participants (conversation_id, user_id, display_name, admin, unread)
			VALUES (?, ?, ?, ?, 0)`, c.ID, p.UserID, p.DisplayName, p.Admin); err != nil {
			return models.Transientf("insert participant %s: %v", p.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Transientf("commit create conversation: %v", err)
	}
	logger.Log.Info("conversation_created", zap.String("conv", c.ID), zap.String("type", string(c.Type)))
	return nil
}

// Get loads a conversation with its participants and unread counters.
func (s *ConversationStore) Get(id string) (*models.Conversation, error) {
	var row conversationRow
	err := s.db.Get(&row, `SELECT * FROM conversations WHERE conversation_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("conversation %s", id)
	}
	if err != nil {
		return nil, models.Transientf("load conversation %s: %v", id, err)
	}
	return s.hydrate(row)
}

// FindOneToOneByPair resolves the direct conversation for an unordered
// user pair, if one exists.
func (s *ConversationStore) FindOneToOneByPair(user1, user2 string) (*models.Conversation, error) {
	key := models.PairKey(user1, user2)
	var row conversationRow
	err := s.db.Get(&row, `SELECT * FROM conversations WHERE pair_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("conversation for pair %s", key)
	}
	if err != nil {
		return nil, models.Transientf("load conversation by pair %s: %v", key, err)
	}
	return s.hydrate(row)
}

// FindByParticipant lists every conversation a user belongs to, most
// recently updated first.
func (s *ConversationStore) FindByParticipant(userID string) ([]*models.Conversation, error) {
	var rows []conversationRow
	err := s.db.Select(&rows, `SELECT c.* FROM conversations c
		JOIN participants p ON p.conversation_id = c.conversation_id
		WHERE p.user_id = ? ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, models.Transientf("list conversations for %s: %v", userID, err)
	}
	out := make([]*models.Conversation, 0, len(rows))
	for _, row := range rows {
		c, err := s.hydrate(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AddParticipant inserts a membership row with a zeroed unread counter.
// Aggregate-level rules (group-only, admin caller, no duplicates) are
// enforced by the coordinator before this runs.
func (s *ConversationStore) AddParticipant(convID string, p models.Participant) error {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO participants (conversation_id, user_id, display_name, admin, unread)
		VALUES (?, ?, ?, ?, 0)`, convID, p.UserID, p.DisplayName, p.Admin)
	if err != nil {
		return models.Transientf("add participant %s: %v", p.UserID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.Conflictf("user %s is already a participant", p.UserID)
	}
	return s.touch(convID)
}

// RemoveParticipant deletes a membership row (and with it the counter).
func (s *ConversationStore) RemoveParticipant(convID, userID string) error {
	res, err := s.db.Exec(`DELETE FROM participants WHERE conversation_id = ? AND user_id = ?`, convID, userID)
	if err != nil {
		return models.Transientf("remove participant %s: %v", userID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NotFoundf("user %s is not a participant of %s", userID, convID)
	}
	return s.touch(convID)
}

// RecordMessage advances the last-message pointer and atomically bumps
// the receiver's unread counter in one transaction. Runs once per
// successful send.
func (s *ConversationStore) RecordMessage(convID, messageID string, sentAt time.Time, receiverID string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return models.Transientf("begin record message: %v", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now().UTC())
	res, err := tx.Exec(`UPDATE conversations SET last_msg_id = ?, last_msg_at = ?, updated_at = ?
		WHERE conversation_id = ?`, messageID, fmtTime(sentAt), now, convID)
	if err != nil {
		return models.Transientf("update last message for %s: %v", convID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFoundf("conversation %s", convID)
	}
	if _, err := tx.Exec(`UPDATE participants SET unread = unread + 1
		WHERE conversation_id = ? AND user_id = ?`, convID, receiverID); err != nil {
		return models.Transientf("increment unread for %s: %v", receiverID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Transientf("commit record message: %v", err)
	}
	return nil
}

// ResetUnread zeroes a participant's unread counter after a
// read-acknowledgement.
func (s *ConversationStore) ResetUnread(convID, userID string) error {
	if _, err := s.db.Exec(`UPDATE participants SET unread = 0
		WHERE conversation_id = ? AND user_id = ?`, convID, userID); err != nil {
		return models.Transientf("reset unread for %s: %v", userID, err)
	}
	return s.touch(convID)
}

func (s *ConversationStore) touch(convID string) error {
	if _, err := s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE conversation_id = ?`,
		fmtTime(time.Now().UTC()), convID); err != nil {
		return models.Transientf("touch conversation %s: %v", convID, err)
	}
	return nil
}

func (s *ConversationStore) hydrate(row conversationRow) (*models.Conversation, error) {
	var parts []participantRow
	if err := s.db.Select(&parts, `SELECT * FROM participants WHERE conversation_id = ? ORDER BY rowid`,
		row.ConversationID); err != nil {
		return nil, models.Transientf("load participants for %s: %v", row.ConversationID, err)
	}

	c := &models.Conversation{
		ID:          row.ConversationID,
		Type:        models.ConversationType(row.Type),
		Name:        row.Name,
		Description: row.Description,
		AvatarURL:   row.AvatarURL,
		LastMsgID:   row.LastMsgID,
		Active:      row.Active,
		Unread:      make(map[string]int, len(parts)),
	}
	if row.PairKey != nil {
		c.PairKey = *row.PairKey
	}
	c.CreatedAt = parseTime(row.CreatedAt)
	c.UpdatedAt = parseTime(row.UpdatedAt)
	if row.LastMsgAt != "" {
		t := parseTime(row.LastMsgAt)
		c.LastMsgAt = &t
	}
	for _, p := range parts {
		c.Participants = append(c.Participants, models.Participant{
			UserID: p.UserID, DisplayName: p.DisplayName, Admin: p.Admin,
		})
		c.Unread[p.UserID] = p.Unread
	}
	return c, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}
