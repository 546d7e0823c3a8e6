package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"courier/pkg/inbox"
	"courier/pkg/logger"
	"courier/pkg/models"
	"courier/pkg/presence"
	"courier/pkg/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// MessageStore is the durable message log the coordinator writes to.
type MessageStore interface {
	Save(m *models.Message) error
	Get(id string) (*models.Message, error)
	Mutate(id string, fn func(*models.Message) (bool, error)) (*models.Message, bool, error)
	ListByConversation(convID, before string, limit int) ([]*models.Message, error)
	FindUndelivered(receiverID string) ([]*models.Message, error)
}

// ConversationStore holds conversation aggregates and unread counters.
type ConversationStore interface {
	Create(c *models.Conversation) error
	Get(id string) (*models.Conversation, error)
	FindOneToOneByPair(user1, user2 string) (*models.Conversation, error)
	FindByParticipant(userID string) ([]*models.Conversation, error)
	AddParticipant(convID string, p models.Participant) error
	RemoveParticipant(convID, userID string) error
	RecordMessage(convID, messageID string, sentAt time.Time, receiverID string) error
	ResetUnread(convID, userID string) error
}

// Publisher journals lifecycle events for the relay consumers.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Sessions answers live reachability and pushes frames to devices.
type Sessions interface {
	Push(userID string, data []byte) error
	IsConnected(userID string) bool
}

// IDGenerator mints message and conversation IDs.
type IDGenerator interface {
	NextString() string
}

// Coordinator drives the send path and the message lifecycle. The send
// path ends at the event publish; actual fan-out to receivers happens in
// the relay consumers reading the same bus.
type Coordinator struct {
	store    MessageStore
	convs    ConversationStore
	bus      Publisher
	presence presence.Cache
	inbox    inbox.Queue
	sessions Sessions
	ids      IDGenerator

	historyLimit int
}

// New wires a coordinator. All collaborators are required.
func New(store MessageStore, convs ConversationStore, bus Publisher, pres presence.Cache,
	q inbox.Queue, sessions Sessions, ids IDGenerator) *Coordinator {
	return &Coordinator{
		store:        store,
		convs:        convs,
		bus:          bus,
		presence:     pres,
		inbox:        q,
		sessions:     sessions,
		ids:          ids,
		historyLimit: defaultHistoryLimit,
	}
}

// SetHistoryLimit overrides the default page size used when a history
// request carries no explicit limit. Values above the hard cap or below
// one are ignored.
func (c *Coordinator) SetHistoryLimit(n int) {
	if n > 0 && n <= maxHistoryLimit {
		c.historyLimit = n
	}
}

// SendRequest is the input to SendMessage. Either ConversationID or
// ReceiverID must be set; with only a receiver, the one-to-one
// conversation is resolved or created on the fly.
type SendRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	ReceiverID     string             `json:"receiver_id,omitempty"`
	Kind           models.ContentKind `json:"kind"`
	Data           string             `json:"data"`
	ReplyTo        string             `json:"reply_to,omitempty"`
}

// SendMessage validates, persists and publishes a new message. On return
// the message is durable in SENT and its MESSAGE_SENT event is journaled;
// delivery to the receiver proceeds asynchronously.
func (c *Coordinator) SendMessage(ctx context.Context, senderID string, req SendRequest) (*models.Message, error) {
	content, err := models.NewContent(req.Kind, req.Data)
	if err != nil {
		return nil, err
	}

	conv, receiverID, err := c.resolveTarget(ctx, senderID, req)
	if err != nil {
		return nil, err
	}

	msg, err := models.NewMessage(c.ids.NextString(), conv.ID, senderID, receiverID, content, req.ReplyTo)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(msg); err != nil {
		return nil, err
	}
	if err := c.convs.RecordMessage(conv.ID, msg.ID, msg.CreatedAt, receiverID); err != nil {
		// The message is durable; counters catch up from the store on
		// the next read.
		logger.Log.Warn("conversation_pointer_update_failed",
			zap.String("conv", conv.ID), zap.String("msg", msg.ID), zap.Error(err))
	}

	if err := c.publish(ctx, models.EventMessageSent, msg); err != nil {
		return nil, err
	}
	telemetry.MessagesSent.WithLabelValues(string(content.Kind)).Inc()
	logger.Log.Info("message_sent",
		zap.String("msg", msg.ID), zap.String("conv", conv.ID),
		zap.String("sender", senderID), zap.String("receiver", receiverID))
	return msg, nil
}

// resolveTarget finds the conversation and receiver for a send request.
func (c *Coordinator) resolveTarget(ctx context.Context, senderID string, req SendRequest) (*models.Conversation, string, error) {
	if req.ConversationID != "" {
		conv, err := c.convs.Get(req.ConversationID)
		if err != nil {
			return nil, "", err
		}
		if !conv.IsParticipant(senderID) {
			return nil, "", models.Permissionf("sender %s is not a participant of %s", senderID, conv.ID)
		}
		receiverID := req.ReceiverID
		if receiverID == "" {
			other, err := conv.OtherParticipant(senderID)
			if err != nil {
				return nil, "", models.Validationf("receiver required for %s conversations", string(conv.Type))
			}
			receiverID = other.UserID
		} else if !conv.IsParticipant(receiverID) {
			return nil, "", models.Validationf("receiver %s is not a participant of %s", receiverID, conv.ID)
		}
		return conv, receiverID, nil
	}

	if req.ReceiverID == "" {
		return nil, "", models.Validationf("conversation_id or receiver_id required")
	}
	conv, err := c.CreateOneToOne(ctx,
		models.Participant{UserID: senderID, DisplayName: senderID},
		models.Participant{UserID: req.ReceiverID, DisplayName: req.ReceiverID})
	if err != nil {
		return nil, "", err
	}
	return conv, req.ReceiverID, nil
}

// MarkDelivered acknowledges delivery of a message. Only the receiver
// may acknowledge; repeating the call is a no-op.
func (c *Coordinator) MarkDelivered(ctx context.Context, requesterID, messageID string) (*models.Message, error) {
	msg, changed, err := c.store.Mutate(messageID, func(m *models.Message) (bool, error) {
		if m.ReceiverID != requesterID {
			return false, models.Permissionf("only the receiver can acknowledge delivery")
		}
		return m.MarkDelivered(), nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return msg, nil
	}

	c.removeFromInbox(ctx, msg)
	if err := c.publish(ctx, models.EventMessageDelivered, msg); err != nil {
		return nil, err
	}
	telemetry.MessagesDelivered.WithLabelValues("ack").Inc()
	return msg, nil
}

// MarkRead acknowledges reading. Implies delivery when the DELIVERED ack
// was lost, resets the reader's unread counter and publishes the event.
func (c *Coordinator) MarkRead(ctx context.Context, requesterID, messageID string) (*models.Message, error) {
	msg, changed, err := c.store.Mutate(messageID, func(m *models.Message) (bool, error) {
		if m.ReceiverID != requesterID {
			return false, models.Permissionf("only the receiver can mark a message read")
		}
		return m.MarkRead(), nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return msg, nil
	}

	c.removeFromInbox(ctx, msg)
	if err := c.convs.ResetUnread(msg.ConversationID, requesterID); err != nil {
		logger.Log.Warn("unread_reset_failed",
			zap.String("conv", msg.ConversationID), zap.String("user", requesterID), zap.Error(err))
	}
	if err := c.publish(ctx, models.EventMessageRead, msg); err != nil {
		return nil, err
	}
	telemetry.MessagesRead.Inc()
	return msg, nil
}

// DeleteMessage soft-deletes a message. Sender-only, inside the delete
// window; the tombstone remains visible to both sides.
func (c *Coordinator) DeleteMessage(ctx context.Context, requesterID, messageID string) (*models.Message, error) {
	msg, changed, err := c.store.Mutate(messageID, func(m *models.Message) (bool, error) {
		if err := m.Delete(requesterID); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.removeFromInbox(ctx, msg)
		telemetry.MessagesDeleted.Inc()
		logger.Log.Info("message_deleted", zap.String("msg", messageID), zap.String("by", requesterID))
	}
	return msg, nil
}

// GetMessage loads one message, restricted to its two parties.
func (c *Coordinator) GetMessage(_ context.Context, requesterID, messageID string) (*models.Message, error) {
	msg, err := c.store.Get(messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requesterID && msg.ReceiverID != requesterID {
		return nil, models.Permissionf("user %s is not a party to message %s", requesterID, messageID)
	}
	return msg, nil
}

// History pages a conversation's messages newest-first. The before
// cursor is the ID of the oldest message from the previous page.
func (c *Coordinator) History(_ context.Context, requesterID, convID, before string, limit int) ([]*models.Message, error) {
	conv, err := c.convs.Get(convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(requesterID) {
		return nil, models.Permissionf("user %s is not a participant of %s", requesterID, convID)
	}
	if limit <= 0 {
		limit = c.historyLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return c.store.ListByConversation(convID, before, limit)
}

// CreateOneToOne resolves or creates the direct conversation for a pair.
// Safe to race: the loser of a concurrent create gets the winner.
func (c *Coordinator) CreateOneToOne(_ context.Context, a, b models.Participant) (*models.Conversation, error) {
	if conv, err := c.convs.FindOneToOneByPair(a.UserID, b.UserID); err == nil {
		return conv, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	conv, err := models.NewOneToOne(c.ids.NextString(), a, b)
	if err != nil {
		return nil, err
	}
	if err := c.convs.Create(conv); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return c.convs.FindOneToOneByPair(a.UserID, b.UserID)
		}
		return nil, err
	}
	return conv, nil
}

// CreateGroup creates a group conversation with the creator as admin.
func (c *Coordinator) CreateGroup(_ context.Context, creator models.Participant, name, description string, others []models.Participant) (*models.Conversation, error) {
	conv, err := models.NewGroup(c.ids.NextString(), name, description, creator, others)
	if err != nil {
		return nil, err
	}
	if err := c.convs.Create(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// AddParticipant adds a member to a group after aggregate-level checks.
func (c *Coordinator) AddParticipant(_ context.Context, callerID, convID string, p models.Participant) (*models.Conversation, error) {
	conv, err := c.convs.Get(convID)
	if err != nil {
		return nil, err
	}
	if err := conv.AddParticipant(callerID, p); err != nil {
		return nil, err
	}
	if err := c.convs.AddParticipant(convID, p); err != nil {
		return nil, err
	}
	return conv, nil
}

// RemoveParticipant removes a member from a group.
func (c *Coordinator) RemoveParticipant(_ context.Context, callerID, convID, userID string) (*models.Conversation, error) {
	conv, err := c.convs.Get(convID)
	if err != nil {
		return nil, err
	}
	if err := conv.RemoveParticipant(callerID, userID); err != nil {
		return nil, err
	}
	if err := c.convs.RemoveParticipant(convID, userID); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation loads one conversation for a participant.
func (c *Coordinator) GetConversation(_ context.Context, requesterID, convID string) (*models.Conversation, error) {
	conv, err := c.convs.Get(convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(requesterID) {
		return nil, models.Permissionf("user %s is not a participant of %s", requesterID, convID)
	}
	return conv, nil
}

// Conversations lists the requester's conversations, most recent first.
func (c *Coordinator) Conversations(_ context.Context, requesterID string) ([]*models.Conversation, error) {
	return c.convs.FindByParticipant(requesterID)
}

// HandleConnect runs when a user attaches a session: mark presence,
// drain the inbox, then sweep the store's undelivered index for
// anything the inbox missed (expired entries, say). Every message
// flushed transitions to DELIVERED and notifies the sender through the
// bus. Returns the number of messages flushed.
func (c *Coordinator) HandleConnect(ctx context.Context, userID string) (int, error) {
	if err := c.presence.SetOnline(ctx, userID); err != nil {
		logger.Log.Warn("presence_set_online_failed", zap.String("user", userID), zap.Error(err))
	}

	flushed := 0
	seen := make(map[string]struct{})

	ids, err := c.inbox.Drain(ctx, userID)
	if err != nil {
		logger.Log.Warn("inbox_drain_failed", zap.String("user", userID), zap.Error(err))
	}
	for _, id := range ids {
		if c.flushQueued(ctx, userID, id, seen) {
			flushed++
		}
	}

	// The durable index is authoritative; the inbox is only a hint.
	pending, err := c.store.FindUndelivered(userID)
	if err != nil {
		return flushed, err
	}
	for _, msg := range pending {
		if c.flushQueued(ctx, userID, msg.ID, seen) {
			flushed++
		}
	}

	if flushed > 0 {
		telemetry.InboxDrained.Add(float64(flushed))
		logger.Log.Info("inbox_flushed", zap.String("user", userID), zap.Int("count", flushed))
	}
	return flushed, nil
}

// flushQueued hands one queued message to a live session and advances it
// to DELIVERED only after the push is accepted. A failed push leaves the
// message SENT and re-queues the inbox entry so the next connect retries.
func (c *Coordinator) flushQueued(ctx context.Context, userID, messageID string, seen map[string]struct{}) bool {
	if _, dup := seen[messageID]; dup {
		return false
	}
	seen[messageID] = struct{}{}

	msg, err := c.store.Get(messageID)
	if err != nil {
		logger.Log.Warn("queued_flush_load_failed", zap.String("msg", messageID), zap.Error(err))
		return false
	}
	if msg.Deleted || msg.ReceiverID != userID || msg.Status != models.StatusSent {
		return false
	}

	frame, err := models.MessageFrame(msg).Encode()
	if err != nil {
		logger.Log.Error("queued_flush_encode_failed", zap.String("msg", messageID), zap.Error(err))
		return false
	}
	if pushErr := c.sessions.Push(userID, frame); pushErr != nil {
		logger.Log.Warn("queued_flush_push_failed", zap.String("msg", messageID), zap.Error(pushErr))
		if qerr := c.inbox.Push(ctx, userID, messageID); qerr != nil {
			logger.Log.Warn("inbox_requeue_failed", zap.String("msg", messageID), zap.Error(qerr))
		}
		return false
	}

	msg, changed, err := c.store.Mutate(messageID, func(m *models.Message) (bool, error) {
		if m.ReceiverID != userID {
			return false, nil
		}
		return m.MarkDelivered(), nil
	})
	if err != nil {
		logger.Log.Warn("queued_flush_update_failed", zap.String("msg", messageID), zap.Error(err))
		return false
	}
	if !changed {
		return false
	}
	if err := c.publish(ctx, models.EventMessageDelivered, msg); err != nil {
		logger.Log.Error("queued_flush_publish_failed", zap.String("msg", messageID), zap.Error(err))
	}
	telemetry.MessagesDelivered.WithLabelValues("reconnect").Inc()
	return true
}

// HandleDisconnect runs when a session detaches. Presence clears only
// when the last device is gone.
func (c *Coordinator) HandleDisconnect(ctx context.Context, userID string, lastDevice bool) {
	if !lastDevice {
		return
	}
	if err := c.presence.SetOffline(ctx, userID); err != nil {
		logger.Log.Warn("presence_set_offline_failed", zap.String("user", userID), zap.Error(err))
	}
}

// Heartbeat refreshes the presence mark on client activity.
func (c *Coordinator) Heartbeat(ctx context.Context, userID string) {
	if err := c.presence.Refresh(ctx, userID); err != nil {
		logger.Log.Warn("presence_refresh_failed", zap.String("user", userID), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, typ models.EventType, msg *models.Message) error {
	if err := c.bus.Publish(ctx, models.NewEvent(typ, msg)); err != nil {
		return models.Transientf("publish %s for %s: %v", string(typ), msg.ID, err)
	}
	telemetry.EventsPublished.WithLabelValues(string(typ)).Inc()
	return nil
}

func (c *Coordinator) removeFromInbox(ctx context.Context, msg *models.Message) {
	if err := c.inbox.Remove(ctx, msg.ReceiverID, msg.ID); err != nil {
		logger.Log.Warn("inbox_remove_failed",
			zap.String("user", msg.ReceiverID), zap.String("msg", msg.ID), zap.Error(err))
	}
}
