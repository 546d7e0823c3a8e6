package notify

import (
	"context"

	"go.uber.org/zap"

	"courier/pkg/logger"
	"courier/pkg/models"
)

// Notification is the push payload for a user who could not be reached
// over a live session. Body carries the truncated preview, never the
// full content.
type Notification struct {
	UserID         string `json:"user_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Dispatcher hands notifications to an external push provider. Calls
// are fire-and-forget from the delivery path's point of view; a failed
// dispatch never fails the message.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// PreviewFor builds the notification for a queued message.
func PreviewFor(m *models.Message, senderName string) Notification {
	title := senderName
	if title == "" {
		title = m.SenderID
	}
	return Notification{
		UserID:         m.ReceiverID,
		Title:          title,
		Body:           m.Content.Preview(),
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
	}
}

// LogDispatcher writes notifications to the log instead of a push
// provider. The default until a real provider is wired in.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	logger.Log.Info("notification_dispatched",
		zap.String("user", n.UserID),
		zap.String("conversation", n.ConversationID),
		zap.String("message", n.MessageID),
		zap.String("preview", n.Body))
	return nil
}
