package statistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

type StatisticType string

const (
	// Daily counts and GMV over settled purchases.
	StatisticTypeDailyPurchaseCount StatisticType = "daily_purchase_count"
	StatisticTypeDailyGmv           StatisticType = "daily_gmv"
	StatisticTypeTotalGmv           StatisticType = "total_gmv"

	// Subscription base.
	StatisticTypeDailyNewSubscriptionCount         StatisticType = "daily_new_subscription_count"
	StatisticTypeActiveSubscriptionCount           StatisticType = "active_subscription_count"
	StatisticTypeDailyAccumulatedSubscriptionCount StatisticType = "daily_accumulated_subscription_count"

	// Renewal health.
	StatisticTypeRenewalSuccessRate StatisticType = "renewal_success_rate"
)

// Filter fields with custom SQL behind them.
type RevenueStatisticFilterType string

const (
	RevenueStatisticFilterTypeIsRecurring RevenueStatisticFilterType = "is_recurring"
	RevenueStatisticFilterTypeSellerID    RevenueStatisticFilterType = "seller_id"
	RevenueStatisticFilterTypeProductID   RevenueStatisticFilterType = "product_id"
)

var filterTypes = []RevenueStatisticFilterType{
	RevenueStatisticFilterTypeIsRecurring,
	RevenueStatisticFilterTypeSellerID,
	RevenueStatisticFilterTypeProductID,
}

var validFilters = map[RevenueStatisticFilterType][]StatisticType{
	RevenueStatisticFilterTypeIsRecurring: {StatisticTypeDailyPurchaseCount, StatisticTypeDailyGmv},
	RevenueStatisticFilterTypeSellerID:    {StatisticTypeDailyPurchaseCount, StatisticTypeDailyGmv},
	RevenueStatisticFilterTypeProductID:   {StatisticTypeDailyPurchaseCount, StatisticTypeDailyGmv},
}

type RevenueStatisticDataItem struct {
	ID StatisticType `json:"id"`
}

type RevenueStatisticRequest struct {
	Filters   []*types.CommonFilter       `json:"filters"`
	DataItems []*RevenueStatisticDataItem `json:"data_items"`
}

// GetFilters drops filters that do not apply to the given statistic type.
func (f *RevenueStatisticRequest) GetFilters(statisticType StatisticType) *RevenueStatisticRequest {
	if f == nil || len(f.Filters) == 0 {
		return f
	}
	var result RevenueStatisticRequest
	for _, filter := range f.Filters {
		if statisticTypes, ok := validFilters[RevenueStatisticFilterType(filter.Field)]; ok {
			if lo.Contains(statisticTypes, statisticType) {
				result.Filters = append(result.Filters, filter)
			}
		} else {
			result.Filters = append(result.Filters, filter)
		}
	}
	return &result
}

// Build composes a WHERE clause from the filters, with custom handling
// for is_recurring (the column is named is_recurring_charge).
func (f *RevenueStatisticRequest) Build(builder clause.Builder) {
	if len(f.Filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, filter := range f.Filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		switch filter.Field {
		case string(RevenueStatisticFilterTypeIsRecurring):
			if len(filter.Values) > 0 && fmt.Sprint(filter.Values[0]) == "true" {
				builder.WriteString("is_recurring_charge = true")
			} else {
				builder.WriteString("is_recurring_charge = false")
			}
		default:
			filter.Build(builder)
		}
	}
}

type RevenueStatisticResponseDataItem struct {
	Date   string `json:"date"`
	Label  string `json:"label,omitempty"`
	Value  int64  `json:"value"`
	Value2 int64  `json:"value2,omitempty"`
	Value3 int64  `json:"value3,omitempty"`
}

type RevenueStatisticResponse struct {
	DataItems map[StatisticType][]RevenueStatisticResponseDataItem `json:"data_items"`
}

// Service answers admin revenue/renewal statistics queries. Test
// purchases and archived plan-change originals never count; only
// money-moving rows do.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

// settled restricts purchase queries to rows that actually captured money.
func settled(q *gorm.DB) *gorm.DB {
	return q.
		Where("state = ?", types.PurchaseSuccessful).
		Where("is_test = ?", false).
		Where("archived_at IS NULL")
}

func (s *Service) getDailyPurchaseCount(ctx context.Context, request *RevenueStatisticRequest) ([]RevenueStatisticResponseDataItem, error) {
	var results []RevenueStatisticResponseDataItem
	q := settled(s.db.WithContext(ctx).Table((models.Purchase{}).TableName())).
		Select("TO_CHAR(succeeded_at, 'YYYY-MM-DD') as date, count(*) as value").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeDailyPurchaseCount)}}).
		Group("TO_CHAR(succeeded_at, 'YYYY-MM-DD')").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyGmv(ctx context.Context, request *RevenueStatisticRequest) ([]RevenueStatisticResponseDataItem, error) {
	var results []RevenueStatisticResponseDataItem
	q := settled(s.db.WithContext(ctx).Table((models.Purchase{}).TableName())).
		Select("TO_CHAR(succeeded_at, 'YYYY-MM-DD') as date, displayed_currency AS label, sum(total_transaction_cents) as value, sum(fee_cents) as value2, sum(tax_cents) as value3").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeDailyGmv)}}).
		Group("TO_CHAR(succeeded_at, 'YYYY-MM-DD')").
		Group("displayed_currency").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getTotalGmv(ctx context.Context, _ *RevenueStatisticRequest) ([]RevenueStatisticResponseDataItem, error) {
	var results []RevenueStatisticResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
WITH min_max_dates AS (
    SELECT MIN(DATE(succeeded_at)) as min_date, MAX(DATE(succeeded_at)) as max_date
    FROM purchase
    WHERE state = ? AND is_test = false
),
distinct_dates AS (
    SELECT generate_series(min_date, max_date, '1 day'::interval) as date FROM min_max_dates
),
dates AS (
    SELECT TO_CHAR(date, 'YYYY-MM-DD') as date FROM distinct_dates
),
currencies AS (
    SELECT DISTINCT displayed_currency as label FROM purchase WHERE state = ? AND is_test = false
),
date_currency_combinations AS (
    SELECT d.date, c.label FROM dates d CROSS JOIN currencies c
),
gmv_date AS (
    SELECT dc.date, dc.label, COALESCE(SUM(p.total_transaction_cents), 0) as value
    FROM date_currency_combinations dc
    LEFT JOIN purchase p
      ON TO_CHAR(p.succeeded_at, 'YYYY-MM-DD') = dc.date
     AND p.displayed_currency = dc.label
     AND p.state = ? AND p.is_test = false
    GROUP BY dc.date, dc.label
)
SELECT d.date as date, d.label as label, SUM(s.value) as value
FROM gmv_date d
LEFT JOIN gmv_date s ON s.date <= d.date AND s.label = d.label
GROUP BY d.date, d.label
ORDER BY d.date DESC, d.label ASC
`, types.PurchaseSuccessful, types.PurchaseSuccessful, types.PurchaseSuccessful).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptionCount(ctx context.Context, _ *RevenueStatisticRequest) ([]RevenueStatisticResponseDataItem, error) {
	var results []RevenueStatisticResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
SELECT TO_CHAR(DATE(created_at), 'YYYY-MM-DD') as date, COUNT(*) as value
FROM subscription
GROUP BY DATE(created_at)
ORDER BY date DESC
`).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptionCount(ctx context.Context, _ *RevenueStatisticRequest) ([]RevenueStatisticResponseDataItem, error) {
	var results []RevenueStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("count(*) as value").
		Where("deactivated_at IS NULL")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyAccumulatedSubscriptionCount(ctx context.Context, _ *RevenueStatisticRequest) ([]RevenueStatisticResponseDataItem, error) {
	var results []RevenueStatisticResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
WITH min_max_dates AS (
    SELECT MIN(DATE(created_at)) as min_date, MAX(DATE(created_at)) as max_date FROM subscription
),
distinct_dates AS (
    SELECT generate_series(min_date, max_date, '1 day'::interval) as date FROM min_max_dates
),
sub_date AS (
    SELECT id, DATE(created_at) as created_date, DATE(deactivated_at) as deactivated_date FROM subscription
)
SELECT TO_CHAR(d.date, 'YYYY-MM-DD') as date, COUNT(s.id) as value
FROM distinct_dates d
LEFT JOIN sub_date s
  ON s.created_date <= d.date
 AND (s.deactivated_date IS NULL OR s.deactivated_date > d.date)
GROUP BY d.date
ORDER BY d.date DESC
`).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Renewal success rate by day: of the recurring charges attempted on a
// date, how many settled. Value is the rate in hundredths of a percent,
// value2 the attempts, value3 the successes. Parked retryable attempts
// are neither success nor failure yet and stay out of both counts.
func (s *Service) getRenewalSuccessRate(ctx context.Context, _ *RevenueStatisticRequest) ([]RevenueStatisticResponseDataItem, error) {
	var results []RevenueStatisticResponseDataItem
	sql := `
WITH attempts AS (
  SELECT DATE(created_at) as attempt_date,
         COUNT(*) as total,
         COUNT(*) FILTER (WHERE state = ?) as succeeded
  FROM purchase
  WHERE is_recurring_charge = true
    AND is_test = false
    AND state IN (?, ?)
  GROUP BY DATE(created_at)
)
SELECT
  TO_CHAR(attempt_date, 'YYYY-MM-DD') as date,
  CASE WHEN total = 0 THEN 0
       ELSE CAST(ROUND(LEAST(succeeded * 100.0 / total, 100), 2) * 100 AS INTEGER)
  END as value,
  total as value2,
  succeeded as value3
FROM attempts
ORDER BY date DESC`
	err := s.db.WithContext(ctx).
		Raw(sql, types.PurchaseSuccessful, types.PurchaseSuccessful, types.PurchaseFailed).
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getRevenueStatistic(ctx context.Context, request *RevenueStatisticRequest, dataItem *RevenueStatisticDataItem) ([]RevenueStatisticResponseDataItem, error) {
	switch dataItem.ID {
	case StatisticTypeDailyPurchaseCount:
		return s.getDailyPurchaseCount(ctx, request)
	case StatisticTypeDailyGmv:
		return s.getDailyGmv(ctx, request)
	case StatisticTypeTotalGmv:
		return s.getTotalGmv(ctx, request)
	case StatisticTypeDailyNewSubscriptionCount:
		return s.getDailyNewSubscriptionCount(ctx, request)
	case StatisticTypeActiveSubscriptionCount:
		return s.getActiveSubscriptionCount(ctx, request)
	case StatisticTypeDailyAccumulatedSubscriptionCount:
		return s.getDailyAccumulatedSubscriptionCount(ctx, request)
	case StatisticTypeRenewalSuccessRate:
		return s.getRenewalSuccessRate(ctx, request)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", dataItem.ID)
	}
}

// GetRevenueStatistics runs the requested data items concurrently and
// assembles one response. A filter that does not apply to a data item
// yields a nil series for that item rather than an error.
func (s *Service) GetRevenueStatistics(ctx context.Context, request *RevenueStatisticRequest) (*RevenueStatisticResponse, error) {
	var wg sync.WaitGroup
	errChan := make(chan error, len(request.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []RevenueStatisticResponseDataItem], len(request.DataItems))

	for _, item := range request.DataItems {
		wg.Add(1)
		go func(di *RevenueStatisticDataItem) {
			defer wg.Done()
			for _, filter := range request.Filters {
				ft := RevenueStatisticFilterType(filter.Field)
				if lo.Contains(filterTypes, ft) && !lo.Contains(validFilters[ft], di.ID) {
					resChan <- &lo.Entry[StatisticType, []RevenueStatisticResponseDataItem]{Key: di.ID, Value: nil}
					return
				}
			}
			res, err := s.getRevenueStatistic(ctx, request, di)
			if err != nil {
				errChan <- err
				return
			}
			resChan <- &lo.Entry[StatisticType, []RevenueStatisticResponseDataItem]{Key: di.ID, Value: res}
		}(item)
	}

	go func() { wg.Wait(); close(errChan); close(resChan) }()

	results := make(map[StatisticType][]RevenueStatisticResponseDataItem)
	for i := 0; i < len(request.DataItems); i++ {
		select {
		case err := <-errChan:
			if err != nil {
				return nil, err
			}
		case entry := <-resChan:
			results[entry.Key] = entry.Value
		}
	}
	return &RevenueStatisticResponse{DataItems: results}, nil
}
