package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.InventoryLevel{}))
	return NewService(db, zap.NewNop().Sugar())
}

func seed(t *testing.T, s *Service, productID, variantID string, available int64) {
	t.Helper()
	require.NoError(t, s.db.Create(&models.InventoryLevel{
		ID:        tool.GenerateUUIDV7(),
		ProductID: productID,
		VariantID: variantID,
		Available: available,
	}).Error)
}

func TestReserveDecrements(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seed(t, s, "prod-1", "var-1", 3)

	require.NoError(t, s.Reserve(ctx, s.db, "prod-1", "var-1", 2))

	left, finite, err := s.Available(ctx, "prod-1", "var-1")
	require.NoError(t, err)
	assert.True(t, finite)
	assert.Equal(t, int64(1), left)
}

func TestReserveSoldOut(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seed(t, s, "prod-1", "var-1", 1)

	require.NoError(t, s.Reserve(ctx, s.db, "prod-1", "var-1", 1))
	assert.ErrorIs(t, s.Reserve(ctx, s.db, "prod-1", "var-1", 1), ErrSoldOut)
}

func TestReserveUnlimited(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	// no row at all
	require.NoError(t, s.Reserve(ctx, s.db, "prod-x", "var-x", 100))

	// explicit unlimited row
	seed(t, s, "prod-1", "var-1", -1)
	require.NoError(t, s.Reserve(ctx, s.db, "prod-1", "var-1", 100))

	_, finite, err := s.Available(ctx, "prod-1", "var-1")
	require.NoError(t, err)
	assert.False(t, finite)
}

func TestReleaseRestoresUnits(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seed(t, s, "prod-1", "var-1", 5)

	require.NoError(t, s.Reserve(ctx, s.db, "prod-1", "var-1", 3))
	require.NoError(t, s.Release(ctx, s.db, "prod-1", "var-1", 3))

	left, _, err := s.Available(ctx, "prod-1", "var-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), left)
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	s := testService(t)
	assert.Error(t, s.Reserve(context.Background(), s.db, "prod-1", "var-1", 0))
}
