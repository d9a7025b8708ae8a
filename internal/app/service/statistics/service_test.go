package statistics

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billing/pkg/types"
)

func TestGetFiltersDropsInapplicable(t *testing.T) {
	req := &RevenueStatisticRequest{
		Filters: []*types.CommonFilter{
			{Field: "seller_id", Operator: types.CommonFilterOperatorEq, Values: []any{"seller-1"}},
			{Field: "created_at", Operator: types.CommonFilterOperatorGte, Values: []any{"2026-01-01"}},
		},
	}

	got := req.GetFilters(StatisticTypeDailyGmv)
	require.Len(t, got.Filters, 2)

	// seller_id has no meaning for the subscription base series.
	got = req.GetFilters(StatisticTypeActiveSubscriptionCount)
	require.Len(t, got.Filters, 1)
	require.Equal(t, "created_at", got.Filters[0].Field)
}

func TestBuildRendersIsRecurring(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	req := &RevenueStatisticRequest{
		Filters: []*types.CommonFilter{
			{Field: "is_recurring", Operator: types.CommonFilterOperatorEq, Values: []any{"true"}},
			{Field: "product_id", Operator: types.CommonFilterOperatorEq, Values: []any{"prod-1"}},
		},
	}

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var out []RevenueStatisticResponseDataItem
		return tx.Table("purchase").
			Where(clause.Where{Exprs: []clause.Expression{req}}).
			Find(&out)
	})
	require.Contains(t, sql, "is_recurring_charge = true")
	require.Contains(t, sql, "product_id")
}

func TestBuildEmptyFilterIsNoop(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	req := &RevenueStatisticRequest{}
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var out []RevenueStatisticResponseDataItem
		return tx.Table("purchase").
			Where(clause.Where{Exprs: []clause.Expression{req}}).
			Find(&out)
	})
	require.Contains(t, sql, "1=1")
}
