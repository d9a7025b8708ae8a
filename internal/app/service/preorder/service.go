package preorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/events"
	"github.com/fatflowers/billing/internal/app/service/purchase"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// Service runs the two-phase preorder flow: a hold purchase now, at most
// one real charge later. The hold never touches the ledger; only the
// eventual capture moves money.
type Service struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	purchases *purchase.Service
	events    *events.Service
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, purchases *purchase.Service, events *events.Service) *Service {
	return &Service{db: db, log: log, purchases: purchases, events: events}
}

// Authorize places the hold and records the preorder. The purchase run
// freezes price, discount, variant and quantity into its snapshots; the
// capture replays them verbatim against a fresh exchange rate.
func (s *Service) Authorize(ctx context.Context, req *purchase.Request) (*models.Preorder, *models.Purchase, error) {
	req.Intent = purchase.IntentAuthorize
	req.PreorderID = tool.GenerateUUIDV7()

	p, chargeErr := s.purchases.Execute(ctx, req)
	if p == nil {
		return nil, nil, chargeErr
	}

	pre := &models.Preorder{
		ID:                      req.PreorderID,
		ProductID:               p.ProductID,
		BuyerID:                 p.BuyerID,
		Email:                   p.Email,
		AuthorizationPurchaseID: p.ID,
	}
	switch p.State {
	case types.PurchasePreorderAuthSuccess:
		pre.State = models.PreorderAuthSuccessful
	case types.PurchasePreorderAuthFailed:
		pre.State = models.PreorderAuthFailed
	default:
		// parked hold attempt; a purchase retry settles it later
		pre.State = models.PreorderCreated
	}
	if err := s.db.WithContext(ctx).Create(pre).Error; err != nil {
		return nil, p, fmt.Errorf("failed to create preorder: %w", err)
	}

	logctx.FromCtx(ctx, s.log).Infow("preorder authorized",
		"preorder_id", pre.ID, "purchase_id", p.ID, "state", pre.State)
	return pre, p, chargeErr
}

// Release charges a capturable preorder. The capture is a full purchase
// run with the authorization's frozen terms, so it carries the same
// duplicate and idempotency guarantees as any checkout.
func (s *Service) Release(ctx context.Context, preorderID, operatorID string) (*models.Purchase, error) {
	pre, err := s.Get(ctx, preorderID)
	if err != nil {
		return nil, err
	}
	if !pre.Capturable() {
		return nil, types.NewValidationError("preorder %s is %s, not capturable", pre.ID, pre.State)
	}
	if err := s.claim(ctx, pre); err != nil {
		return nil, err
	}

	auth, err := s.purchases.Get(ctx, pre.AuthorizationPurchaseID)
	if err != nil {
		return nil, err
	}
	req, err := purchase.CaptureRequest(auth)
	if err != nil {
		return nil, types.NewInternalFault(err)
	}
	req.OperatorID = operatorID

	p, chargeErr := s.purchases.Execute(ctx, req)
	if chargeErr != nil || p == nil || !p.Succeeded() {
		if err := s.transition(ctx, pre.ID, models.PreorderChargeFailed, nil); err != nil {
			return p, err
		}
		if chargeErr == nil {
			chargeErr = types.NewInternalFault(errors.New("capture purchase did not succeed"))
		}
		return p, chargeErr
	}

	if err := s.transition(ctx, pre.ID, models.PreorderChargeSuccess, &p.ID); err != nil {
		return p, err
	}
	s.events.Emit(ctx, types.EventPreorderCaptured, pre.ID, map[string]any{
		"preorder_id": pre.ID,
		"purchase_id": p.ID,
	})
	logctx.FromCtx(ctx, s.log).Infow("preorder captured",
		"preorder_id", pre.ID, "purchase_id", p.ID, "total_cents", p.TotalTransactionCents)
	return p, nil
}

// ReleaseAll captures every capturable preorder of a product, typically
// when the product ships. Failures are logged and skipped so one bad
// card does not block the batch.
func (s *Service) ReleaseAll(ctx context.Context, productID, operatorID string) (released, failed int, err error) {
	var pending []*models.Preorder
	err = s.db.WithContext(ctx).
		Where("product_id = ? AND state IN ?", productID,
			[]models.PreorderState{models.PreorderAuthSuccessful, models.PreorderChargeFailed}).
		Order("created_at").
		Find(&pending).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list preorders for product %s: %w", productID, err)
	}

	log := logctx.FromCtx(ctx, s.log)
	for _, pre := range pending {
		if _, rerr := s.Release(ctx, pre.ID, operatorID); rerr != nil {
			log.Warnw("preorder release failed", "preorder_id", pre.ID, "err", rerr)
			failed++
			continue
		}
		released++
	}
	return released, failed, nil
}

// Cancel concludes a preorder without a capture, from a charge failure
// or by seller action. An open hold is voided processor-side.
func (s *Service) Cancel(ctx context.Context, preorderID, reason string) (*models.Preorder, error) {
	pre, err := s.Get(ctx, preorderID)
	if err != nil {
		return nil, err
	}
	switch pre.State {
	case models.PreorderCancelled:
		return nil, types.NewValidationError("preorder %s is already cancelled", pre.ID)
	case models.PreorderChargeSuccess:
		return nil, types.NewValidationError("preorder %s was captured; refund the purchase instead", pre.ID)
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Preorder{}).
		Where("id = ? AND state NOT IN ?", pre.ID,
			[]models.PreorderState{models.PreorderCancelled, models.PreorderChargeSuccess}).
		UpdateColumns(map[string]any{
			"state":        models.PreorderCancelled,
			"cancelled_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to cancel preorder %s: %w", pre.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, types.NewValidationError("preorder %s is no longer cancellable", pre.ID)
	}
	pre.State = models.PreorderCancelled
	pre.CancelledAt = &now

	if reason == "" {
		reason = "preorder cancelled"
	}
	if _, err := s.purchases.ConcludeAuthorization(ctx, pre.AuthorizationPurchaseID, reason); err != nil {
		var ce *types.ChargeError
		// holds that already failed have nothing to conclude
		if !(errors.As(err, &ce) && ce.Code == types.FailureValidation) {
			return pre, err
		}
	}

	logctx.FromCtx(ctx, s.log).Infow("preorder cancelled", "preorder_id", pre.ID, "reason", reason)
	return pre, nil
}

// Get loads one preorder by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Preorder, error) {
	var pre models.Preorder
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&pre).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewValidationError("preorder %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preorder %s: %w", id, err)
	}
	return &pre, nil
}

// claim stamps released_at under an optimistic check so two concurrent
// releases cannot both reach the processor.
func (s *Service) claim(ctx context.Context, pre *models.Preorder) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Preorder{}).
		Where("id = ? AND state = ? AND updated_at = ?", pre.ID, pre.State, pre.UpdatedAt).
		UpdateColumns(map[string]any{"released_at": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("failed to claim preorder %s: %w", pre.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewValidationError("preorder %s release is already in flight", pre.ID)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, id string, state models.PreorderState, capturePurchaseID *string) error {
	cols := map[string]any{"state": state, "updated_at": time.Now()}
	if capturePurchaseID != nil {
		cols["capture_purchase_id"] = *capturePurchaseID
	}
	err := s.db.WithContext(ctx).Model(&models.Preorder{}).
		Where("id = ?", id).UpdateColumns(cols).Error
	if err != nil {
		return fmt.Errorf("failed to move preorder %s to %s: %w", id, state, err)
	}
	return nil
}
