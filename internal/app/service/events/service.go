package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
)

// Service writes outbox events for external consumers (receipt mailers,
// webhooks, content delivery). The engine only enqueues; it never waits
// for delivery, and a failed write never fails the purchase that caused
// it.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// EmitTx writes an event inside the caller's transaction so the event
// commits together with the state change it announces.
func (s *Service) EmitTx(ctx context.Context, tx *gorm.DB, name, entityID string, payload map[string]any) error {
	ev := &models.OutboxEvent{
		ID:       tool.GenerateUUIDV7(),
		Name:     name,
		EntityID: entityID,
		Payload:  datatypes.JSONMap(payload),
	}
	if err := tx.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", name, err)
	}
	return nil
}

// Emit writes an event outside any transaction, fire and forget. Errors
// are logged, never returned.
func (s *Service) Emit(ctx context.Context, name, entityID string, payload map[string]any) {
	if err := s.EmitTx(ctx, s.db, name, entityID, payload); err != nil {
		s.log.Errorw("failed to emit event", "name", name, "entity_id", entityID, "err", err)
	}
}

// Pending returns undelivered events in enqueue order, for the relay.
func (s *Service) Pending(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	var evs []*models.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at asc").
		Limit(limit).
		Find(&evs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending events: %w", err)
	}
	return evs, nil
}

// MarkPublished stamps events as delivered.
func (s *Service) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		UpdateColumn("published_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	if err != nil {
		return fmt.Errorf("failed to mark events published: %w", err)
	}
	return nil
}
