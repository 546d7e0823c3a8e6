package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"courier/pkg/bus"
	"courier/pkg/inbox"
	"courier/pkg/logger"
	"courier/pkg/models"
	"courier/pkg/notify"
	"courier/pkg/presence"
	"courier/pkg/telemetry"
)

// MessageStore is the slice of the store the relay needs: loads plus the
// compare-and-set mutation that makes redelivered events idempotent.
type MessageStore interface {
	Get(id string) (*models.Message, error)
	Mutate(id string, fn func(*models.Message) (bool, error)) (*models.Message, bool, error)
}

// Sessions pushes frames to live devices.
type Sessions interface {
	Push(userID string, data []byte) error
	IsConnected(userID string) bool
}

// Publisher re-enters the bus for follow-up events.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Relay consumes lifecycle events off the bus. MESSAGE_SENT events fork
// on receiver reachability: a live receiver gets an immediate push and
// the message advances to DELIVERED; an offline receiver gets an inbox
// entry and a notification preview. DELIVERED and READ events turn into
// receipts for the sender. Handlers tolerate redelivery: the store CAS
// makes each transition apply at most once.
type Relay struct {
	store    MessageStore
	presence presence.Cache
	inbox    inbox.Queue
	sessions Sessions
	notifier notify.Dispatcher
	bus      Publisher
}

// New wires a relay.
func New(store MessageStore, pres presence.Cache, q inbox.Queue, sessions Sessions,
	notifier notify.Dispatcher, publisher Publisher) *Relay {
	return &Relay{
		store:    store,
		presence: pres,
		inbox:    q,
		sessions: sessions,
		notifier: notifier,
		bus:      publisher,
	}
}

// Attach subscribes the relay's handlers. Call before the bus starts.
func (r *Relay) Attach(b *bus.Bus) error {
	if err := b.Subscribe(models.EventMessageSent, r.HandleMessageSent); err != nil {
		return err
	}
	if err := b.Subscribe(models.EventMessageDelivered, r.HandleReceipt); err != nil {
		return err
	}
	return b.Subscribe(models.EventMessageRead, r.HandleReceipt)
}

// HandleMessageSent delivers a freshly sent message to its receiver.
func (r *Relay) HandleMessageSent(ctx context.Context, ev models.Event) error {
	msg, err := r.store.Get(ev.MessageID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Journal outlived the message; nothing to deliver.
			return nil
		}
		return err
	}
	// Redelivered event for a message that already moved on.
	if msg.Status != models.StatusSent || msg.Deleted {
		return nil
	}

	if r.sessions.IsConnected(ev.ReceiverID) || r.presence.IsOnline(ctx, ev.ReceiverID) {
		if r.deliverLive(ctx, msg) {
			return nil
		}
		telemetry.PushFailures.Inc()
	}
	return r.queueOffline(ctx, msg)
}

// deliverLive pushes the message and advances it to DELIVERED. Returns
// false when the push failed and the offline path should take over.
func (r *Relay) deliverLive(ctx context.Context, msg *models.Message) bool {
	frame, err := models.MessageFrame(msg).Encode()
	if err != nil {
		logger.Log.Error("relay_frame_encode_failed", zap.String("msg", msg.ID), zap.Error(err))
		return false
	}
	if err := r.sessions.Push(msg.ReceiverID, frame); err != nil {
		logger.Log.Warn("relay_live_push_failed",
			zap.String("msg", msg.ID), zap.String("receiver", msg.ReceiverID), zap.Error(err))
		return false
	}

	updated, changed, err := r.store.Mutate(msg.ID, func(m *models.Message) (bool, error) {
		return m.MarkDelivered(), nil
	})
	if err != nil {
		logger.Log.Error("relay_deliver_transition_failed", zap.String("msg", msg.ID), zap.Error(err))
		return true
	}
	if !changed {
		// Someone else (an explicit ack, usually) already advanced it.
		return true
	}

	if err := r.bus.Publish(ctx, models.NewEvent(models.EventMessageDelivered, updated)); err != nil {
		logger.Log.Error("relay_delivered_publish_failed", zap.String("msg", msg.ID), zap.Error(err))
	} else {
		telemetry.EventsPublished.WithLabelValues(string(models.EventMessageDelivered)).Inc()
	}
	telemetry.MessagesDelivered.WithLabelValues("live").Inc()
	logger.Log.Info("message_delivered_live",
		zap.String("msg", msg.ID), zap.String("receiver", msg.ReceiverID))
	return true
}

// queueOffline parks the message in the receiver's inbox and fires a
// notification preview. The message stays SENT until the receiver
// reconnects or acknowledges.
func (r *Relay) queueOffline(ctx context.Context, msg *models.Message) error {
	if err := r.inbox.Push(ctx, msg.ReceiverID, msg.ID); err != nil {
		// Returning the error redelivers the event; the durable
		// undelivered index still covers us if retries run out.
		return err
	}
	if err := r.notifier.Dispatch(ctx, notify.PreviewFor(msg, msg.SenderID)); err != nil {
		logger.Log.Warn("relay_notify_failed", zap.String("msg", msg.ID), zap.Error(err))
	} else {
		telemetry.NotificationsSent.Inc()
	}
	logger.Log.Info("message_queued_offline",
		zap.String("msg", msg.ID), zap.String("receiver", msg.ReceiverID))
	return nil
}

// HandleReceipt tells the sender their message changed status. Best
// effort: an offline sender learns the status from their next fetch.
func (r *Relay) HandleReceipt(_ context.Context, ev models.Event) error {
	if !r.sessions.IsConnected(ev.SenderID) {
		return nil
	}
	frame, err := models.ReceiptFrame(ev.MessageID, ev.Status).Encode()
	if err != nil {
		return nil
	}
	if err := r.sessions.Push(ev.SenderID, frame); err != nil {
		logger.Log.Debug("relay_receipt_push_failed",
			zap.String("msg", ev.MessageID), zap.String("sender", ev.SenderID), zap.Error(err))
	}
	return nil
}
