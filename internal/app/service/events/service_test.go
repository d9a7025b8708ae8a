package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OutboxEvent{}))
	return NewService(db, zap.NewNop().Sugar())
}

func TestEmitAndDrain(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	s.Emit(ctx, types.EventPurchaseSucceeded, "p-1", map[string]any{"total_cents": int64(1500)})
	s.Emit(ctx, types.EventPurchaseFailed, "p-2", nil)

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.EventPurchaseSucceeded, pending[0].Name)
	assert.Equal(t, "p-1", pending[0].EntityID)

	require.NoError(t, s.MarkPublished(ctx, []string{pending[0].ID}))

	pending, err = s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-2", pending[0].EntityID)
}

func TestEmitTxRollsBackWithCaller(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	_ = s.db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, s.EmitTx(ctx, tx, types.EventSubscriptionDeactivated, "sub-1", nil))
		return assert.AnError
	})

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
