package models

import (
	"sort"
	"strings"
	"time"
)

// ConversationType distinguishes direct chats from groups and broadcasts.
type ConversationType string

const (
	ConversationOneToOne  ConversationType = "ONE_TO_ONE"
	ConversationGroup     ConversationType = "GROUP"
	ConversationBroadcast ConversationType = "BROADCAST"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"admin,omitempty"`
}

// Conversation is the per-conversation aggregate: participants, unread
// counters and the last-message pointer.
type Conversation struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	AvatarURL   string           `json:"avatar_url,omitempty"`
	// PairKey is the canonical sorted-pair key for ONE_TO_ONE uniqueness;
	// empty for other types.
	PairKey      string         `json:"pair_key,omitempty"`
	Participants []Participant  `json:"participants"`
	LastMsgID    string         `json:"last_msg_id,omitempty"`
	LastMsgAt    *time.Time     `json:"last_msg_at,omitempty"`
	Unread       map[string]int `json:"unread"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PairKey derives a deterministic, order-independent key for two user IDs.
// Both argument orders yield the same key, which backs the one
// conversation per unordered pair invariant.
func PairKey(user1, user2 string) string {
	ids := []string{user1, user2}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// NewOneToOne creates a direct conversation between two distinct users
// with both unread counters zeroed.
func NewOneToOne(id string, u1, u2 Participant) (*Conversation, error) {
	if err := validateParticipant(u1); err != nil {
		return nil, err
	}
	if err := validateParticipant(u2); err != nil {
		return nil, err
	}
	if u1.UserID == u2.UserID {
		return nil, Validationf("cannot create a conversation with yourself")
	}
	now := time.Now().UTC()
	name := u1.DisplayName + ":" + u2.DisplayName
	if u2.UserID < u1.UserID {
		name = u2.DisplayName + ":" + u1.DisplayName
	}
	return &Conversation{
		ID:           id,
		Type:         ConversationOneToOne,
		Name:         name,
		PairKey:      PairKey(u1.UserID, u2.UserID),
		Participants: []Participant{u1, u2},
		Unread:       map[string]int{u1.UserID: 0, u2.UserID: 0},
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NewGroup creates a group conversation. The creator becomes admin; the
// others join as regular members.
func NewGroup(id, name, description string, creator Participant, others []Participant) (*Conversation, error) {
	if strings.TrimSpace(name) == "" {
		return nil, Validationf("group name cannot be empty")
	}
	if err := validateParticipant(creator); err != nil {
		return nil, err
	}
	creator.Admin = true
	parts := []Participant{creator}
	unread := map[string]int{creator.UserID: 0}
	for _, p := range others {
		if err := validateParticipant(p); err != nil {
			return nil, err
		}
		if _, dup := unread[p.UserID]; dup {
			return nil, Validationf("duplicate participant %s", p.UserID)
		}
		parts = append(parts, p)
		unread[p.UserID] = 0
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:           id,
		Type:         ConversationGroup,
		Name:         name,
		Description:  description,
		Participants: parts,
		Unread:       unread,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsParticipant reports whether userID is a current member.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID is a current admin member.
func (c *Conversation) IsAdmin(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID && p.Admin {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer of userID in a ONE_TO_ONE conversation.
func (c *Conversation) OtherParticipant(userID string) (Participant, error) {
	if c.Type != ConversationOneToOne {
		return Participant{}, Conflictf("conversation %s is not one-to-one", c.ID)
	}
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p, nil
		}
	}
	return Participant{}, NotFoundf("user %s is not a participant of %s", userID, c.ID)
}

// AddParticipant adds a member to a group. The caller must be an admin.
func (c *Conversation) AddParticipant(callerID string, p Participant) error {
	if c.Type != ConversationGroup {
		return Conflictf("cannot add participants to a %s conversation", string(c.Type))
	}
	if err := validateParticipant(p); err != nil {
		return err
	}
	if !c.IsAdmin(callerID) {
		return Permissionf("only admins can add participants")
	}
	if c.IsParticipant(p.UserID) {
		return Conflictf("user %s is already a participant", p.UserID)
	}
	c.Participants = append(c.Participants, p)
	c.Unread[p.UserID] = 0
	c.touch()
	return nil
}

// RemoveParticipant removes a member from a group. Members may remove
// themselves; removing anyone else requires admin.
func (c *Conversation) RemoveParticipant(callerID, userID string) error {
	if c.Type != ConversationGroup {
		return Conflictf("cannot remove participants from a %s conversation", string(c.Type))
	}
	if callerID != userID && !c.IsAdmin(callerID) {
		return Permissionf("only admins can remove other participants")
	}
	if !c.IsParticipant(userID) {
		return NotFoundf("user %s is not a participant of %s", userID, c.ID)
	}
	kept := c.Participants[:0]
	for _, p := range c.Participants {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	c.Participants = kept
	delete(c.Unread, userID)
	c.touch()
	return nil
}

// UpdateLastMessage moves the last-message pointer after a successful send.
func (c *Conversation) UpdateLastMessage(messageID string, sentAt time.Time) {
	c.LastMsgID = messageID
	c.LastMsgAt = &sentAt
	c.touch()
}

// IncrementUnread bumps the unread counter for a participant.
func (c *Conversation) IncrementUnread(userID string) {
	if _, ok := c.Unread[userID]; !ok {
		if !c.IsParticipant(userID) {
			return
		}
	}
	c.Unread[userID]++
	c.touch()
}

// ResetUnread zeroes the unread counter for a participant after a
// read-acknowledgement.
func (c *Conversation) ResetUnread(userID string) {
	if _, ok := c.Unread[userID]; ok {
		c.Unread[userID] = 0
		c.touch()
	}
}

// UnreadFor returns the unread counter for userID (0 if untracked).
func (c *Conversation) UnreadFor(userID string) int {
	return c.Unread[userID]
}

func (c *Conversation) touch() {
	c.UpdatedAt = time.Now().UTC()
}

func validateParticipant(p Participant) error {
	if strings.TrimSpace(p.UserID) == "" {
		return Validationf("participant user id cannot be empty")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return Validationf("participant display name cannot be empty")
	}
	return nil
}
