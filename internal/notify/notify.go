// Package notify creates in-app notifications from stored templates.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Service renders notification templates and persists notifications.
// All sends are best-effort: a failure is logged, never propagated, so
// a template problem can't fail an otherwise completed analysis.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

func NewService(s store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Send creates a notification for userID from the template identified by
// key, substituting {name} placeholders from vars. If the template is
// missing or inactive a bare notification titled with the key is created
// instead, so the event is never silently lost.
func (s *Service) Send(ctx context.Context, userID uuid.UUID, key string, vars map[string]string) {
	title, message, typ := key, "", "SYSTEM"

	tpl, err := s.store.GetNotificationTemplate(ctx, key)
	switch {
	case err == nil:
		title = Render(tpl.TitleTemplate, vars)
		message = Render(tpl.MessageTemplate, vars)
		typ = tpl.Type
	case errors.Is(err, store.ErrNotFound):
		s.logger.Warn("notification template missing, sending bare notification", "template_key", key)
	default:
		s.logger.Error("failed to load notification template", "template_key", key, "error", err)
	}

	n := &models.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		s.logger.Error("failed to create notification", "template_key", key, "user_id", userID, "error", err)
	}
}

// Render replaces every {name} placeholder in tpl with vars[name].
// Placeholders with no matching entry are left verbatim.
func Render(tpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
