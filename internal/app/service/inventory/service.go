package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

// ErrSoldOut is returned when a reservation asks for more units than the
// variant has left.
var ErrSoldOut = errors.New("inventory: sold out")

// Service guards per-variant unit counters. A reservation is one
// conditional decrement, so two concurrent checkouts cannot both take
// the last unit; one of them matches zero rows and loses.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Reserve takes quantity units for product/variant inside tx. Products
// with no inventory row, or a negative count, are unlimited.
func (s *Service) Reserve(ctx context.Context, tx *gorm.DB, productID, variantID string, quantity int64) error {
	if quantity <= 0 {
		return types.NewValidationError("reserve quantity must be positive, got %d", quantity)
	}

	res := tx.WithContext(ctx).Model(&models.InventoryLevel{}).
		Where("product_id = ? AND variant_id = ? AND available >= ?", productID, variantID, quantity).
		UpdateColumn("available", gorm.Expr("available - ?", quantity))
	if res.Error != nil {
		return fmt.Errorf("failed to decrement inventory for %s/%s: %w", productID, variantID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// nothing matched: either the variant is unlimited or it is sold out
	var level models.InventoryLevel
	err := tx.WithContext(ctx).
		Where("product_id = ? AND variant_id = ?", productID, variantID).
		First(&level).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load inventory for %s/%s: %w", productID, variantID, err)
	}
	if level.Unlimited() {
		return nil
	}
	return ErrSoldOut
}

// Release returns quantity units, compensating a reservation whose
// purchase failed after the reserving transaction committed.
func (s *Service) Release(ctx context.Context, tx *gorm.DB, productID, variantID string, quantity int64) error {
	if quantity <= 0 {
		return nil
	}
	res := tx.WithContext(ctx).Model(&models.InventoryLevel{}).
		Where("product_id = ? AND variant_id = ? AND available >= 0", productID, variantID).
		UpdateColumn("available", gorm.Expr("available + ?", quantity))
	if res.Error != nil {
		return fmt.Errorf("failed to release inventory for %s/%s: %w", productID, variantID, res.Error)
	}
	return nil
}

// Available reports the remaining units; (n, true) for finite stock,
// (_, false) for unlimited.
func (s *Service) Available(ctx context.Context, productID, variantID string) (int64, bool, error) {
	var level models.InventoryLevel
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND variant_id = ?", productID, variantID).
		First(&level).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load inventory for %s/%s: %w", productID, variantID, err)
	}
	if level.Unlimited() {
		return 0, false, nil
	}
	return level.Available, true, nil
}
