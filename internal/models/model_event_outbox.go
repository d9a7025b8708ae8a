package models

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxEvent is a fire-and-forget event row for external consumers
// (mailers, webhooks, content delivery). The engine only writes them;
// delivery is the consumer side's problem.
type OutboxEvent struct {
	ID          string            `gorm:"column:id;type:uuid;primary_key"`
	Name        string            `gorm:"column:name;type:varchar(64);not null;index"`
	EntityID    string            `gorm:"column:entity_id;type:varchar(64);not null;index"`
	Payload     datatypes.JSONMap `gorm:"column:payload;type:jsonb;default:'{}'"`
	CreatedAt   time.Time         `json:"created_at"`
	PublishedAt *time.Time        `gorm:"column:published_at;default:null"`
}

func (OutboxEvent) TableName() string {
	return "event_outbox"
}
