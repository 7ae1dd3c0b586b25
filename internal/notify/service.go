package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"

	"loom/api/internal/lifecycle"
	"loom/api/internal/store"
)

type notificationStore interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
}

type outcomeMailer interface {
	IsConfigured() bool
	SendJobOutcomeEmail(to, projectKey, taskKey, message string) error
}

// Service persists notifications for the workflow UI and mails the recipient
// when SMTP is configured. It implements the lifecycle's NotificationSink.
type Service struct {
	store  notificationStore
	mailer outcomeMailer
}

func NewService(store notificationStore, mailer outcomeMailer) *Service {
	return &Service{store: store, mailer: mailer}
}

// Publish stores the notification. Email delivery is best effort; a mail
// failure never fails the publish.
func (s *Service) Publish(ctx context.Context, recipient string, n lifecycle.Notification) error {
	row := store.Notification{
		ID:         newID("ntf"),
		Recipient:  recipient,
		EntityType: n.EntityType,
		ProjectKey: n.ProjectKey,
		TaskKey:    n.TaskKey,
		Message:    n.Message,
	}
	if _, err := s.store.InsertNotification(ctx, row); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	if s.mailer != nil && s.mailer.IsConfigured() && recipient != "" {
		if err := s.mailer.SendJobOutcomeEmail(recipient, n.ProjectKey, n.TaskKey, n.Message); err != nil {
			log.Printf("notify: send email to %s failed: %v", recipient, err)
		}
	}
	return nil
}

func newID(prefix string) string {
	raw := make([]byte, 8)
	_, _ = rand.Read(raw)
	return prefix + "-" + hex.EncodeToString(raw)
}
