package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/currencies"
	"github.com/fatflowers/billing/internal/app/service/events"
	"github.com/fatflowers/billing/internal/app/service/fees"
	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/processor"
	"github.com/fatflowers/billing/internal/app/service/taxes"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/types"
)

// ChargeGateway is what the state machine needs from the processor layer.
type ChargeGateway interface {
	Charge(ctx context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error)
	Authorize(ctx context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error)
	Capture(ctx context.Context, transactionRef string, req processor.ChargeRequest) (*processor.ChargeResult, error)
	FindByKey(ctx context.Context, id types.ProcessorID, key string) (*processor.ChargeResult, error)
	Void(ctx context.Context, id types.ProcessorID, transactionRef string) error
	Refund(ctx context.Context, id types.ProcessorID, transactionRef string, key string) error
}

// Service is the purchase state machine. Execute runs one attempt through
// prepare, charge, and finalize; every failure path compensates whatever
// the attempt already took (inventory units, offer-code uses, ledger
// credits) and lands the purchase in a terminal state. A purchase is
// never left in_progress by a returning call.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger

	gateway    ChargeGateway
	fees       *fees.Calculator
	taxes      *taxes.Resolver
	currencies *currencies.Converter
	ledger     *ledger.Service
	inventory  *inventory.Service
	events     *events.Service
}

func NewService(
	cfg *config.Config,
	db *gorm.DB,
	log *zap.SugaredLogger,
	gateway ChargeGateway,
	feeCalc *fees.Calculator,
	taxResolver *taxes.Resolver,
	converter *currencies.Converter,
	ledgerSvc *ledger.Service,
	inventorySvc *inventory.Service,
	eventsSvc *events.Service,
) *Service {
	return &Service{
		cfg:        cfg,
		db:         db,
		log:        log,
		gateway:    gateway,
		fees:       feeCalc,
		taxes:      taxResolver,
		currencies: converter,
		ledger:     ledgerSvc,
		inventory:  inventorySvc,
		events:     eventsSvc,
	}
}

// Execute runs one purchase attempt end to end.
//
// Validation failures return before anything is written. Once the
// purchase row exists it always ends terminal (or parked back in
// not_charged for retryable processor outages, with its reservations
// returned).
func (s *Service) Execute(ctx context.Context, req *Request) (*models.Purchase, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	offer, err := s.loadOffer(ctx, req)
	if err != nil {
		return nil, err
	}

	p, err := s.price(ctx, req, offer)
	if err != nil {
		return nil, err
	}

	if err := s.begin(ctx, p, req, offer); err != nil {
		return nil, err
	}

	return s.run(ctx, p, req)
}

// run drives an in_progress purchase through charge and finalize.
func (s *Service) run(ctx context.Context, p *models.Purchase, req *Request) (*models.Purchase, error) {
	log := logctx.FromCtx(ctx, s.log)

	if p.ZeroTotal() {
		if err := s.finalize(ctx, p, req, nil); err != nil {
			return p, err
		}
		return p, nil
	}

	res, err := s.charge(ctx, p, req)
	if err != nil {
		chargeErr := types.AsChargeError(err)
		if chargeErr.Retryable() {
			log.Infow("charge attempt parked for retry",
				"purchase_id", p.ID, "code", chargeErr.Code)
			if perr := s.park(ctx, p, req, chargeErr); perr != nil {
				return p, perr
			}
			return p, chargeErr
		}
		log.Infow("charge attempt failed",
			"purchase_id", p.ID, "code", chargeErr.Code, "reason", chargeErr.Reason)
		if ferr := s.fail(ctx, p, req, chargeErr); ferr != nil {
			return p, ferr
		}
		return p, chargeErr
	}

	if err := s.finalize(ctx, p, req, res); err != nil {
		return p, err
	}
	return p, nil
}

// charge dispatches to the gateway under the purchase's idempotency key.
func (s *Service) charge(ctx context.Context, p *models.Purchase, req *Request) (*processor.ChargeResult, error) {
	creq := processor.ChargeRequest{
		AmountCents:         p.TotalTransactionCents,
		Currency:            currencies.SettlementCurrency,
		Instrument:          *req.Instrument,
		IdempotencyKey:      p.ID,
		MerchantAccount:     s.merchantAccount(req),
		StatementDescriptor: req.StatementDescriptor,
		Metadata:            map[string]string{"product_id": p.ProductID},
	}
	if req.intent() == IntentAuthorize {
		return s.gateway.Authorize(ctx, creq)
	}
	return s.gateway.Charge(ctx, creq)
}

// merchantAccount prefers the seller's own account when it can settle on
// the chosen instrument's processor, falling back to the platform's.
func (s *Service) merchantAccount(req *Request) types.MerchantAccount {
	if req.Instrument == nil {
		return types.MerchantAccount{}
	}
	if sa := req.Product.SellerMerchantAccount; sa != nil && sa.Processor == req.Instrument.Processor {
		return *sa
	}
	if pa := s.cfg.PlatformAccountFor(req.Instrument.Processor); pa != nil {
		return *pa
	}
	return types.MerchantAccount{Type: types.MerchantAccountPlatform, Processor: req.Instrument.Processor}
}

// begin creates the purchase in_progress. The double-charge guard, the
// offer-code redemption, and the inventory reservation all commit in this
// one transaction, so two concurrent requests for the last unit cannot
// both reach the processor.
func (s *Service) begin(ctx context.Context, p *models.Purchase, req *Request, offer *models.OfferCode) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.guard(ctx, tx, p, req); err != nil {
			return err
		}
		if err := s.redeemOffer(ctx, tx, offer); err != nil {
			return err
		}
		if err := s.inventory.Reserve(ctx, tx, p.ProductID, p.VariantID, int64(p.Quantity)); err != nil {
			if errors.Is(err, inventory.ErrSoldOut) {
				return types.NewValidationError("product %s is sold out", p.ProductID)
			}
			return err
		}
		p.State = types.PurchaseInProgress
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("failed to create purchase: %w", err)
		}
		return s.logChange(ctx, tx, nil, p, changeReason(req))
	})
}

// finalize records the charge outcome, computes fees, credits the ledger,
// and emits the success event, all in one transaction. Any error inside
// compensates and terminally fails the purchase instead of leaving it
// in_progress.
func (s *Service) finalize(ctx context.Context, p *models.Purchase, req *Request, res *processor.ChargeResult) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *p

		if res != nil {
			ref := res.TransactionRef
			p.ProcessorTransactionRef = &ref
			p.ProcessorFeeCents = res.FeeCents
			if res.Fingerprint != "" {
				p.ProcessorFingerprint = res.Fingerprint
			}
			if res.CardCountry != "" {
				p.CardCountry = res.CardCountry
			}
		}

		if req.intent() != IntentAuthorize {
			terms := req.feeTerms()
			// the fee base is the price; shipping passes through to the
			// seller untouched
			bd := s.fees.Calculate(fees.Input{
				PriceCents:              p.PriceCents,
				FlatFeeApplicable:       terms.FlatFeeApplicable,
				Recommended:             terms.Recommended,
				DiscoverFeeBPS:          terms.DiscoverFeeBPS,
				SellerWaiverBPS:         req.Product.SellerFeeWaiverBPS,
				MerchantAccountType:     p.MerchantAccountType,
				MerchantAccountCountry:  p.MerchantAccountCountry,
				AffiliateBPS:            p.AffiliateBPS,
				AffiliateAccountCountry: req.AffiliateCountry,
			})
			p.FeeCents = bd.TotalCents()
			p.AffiliateCreditCents = bd.AffiliateCents

			if !p.IsTest && p.TotalTransactionCents > 0 {
				net := p.TotalTransactionCents - p.FeeCents
				if err := s.ledger.Credit(ctx, tx, p.SellerID, net, p.ID, "sale"); err != nil {
					return err
				}
				if p.AffiliateID != nil && bd.AffiliateCents > 0 {
					if err := s.ledger.Credit(ctx, tx, *p.AffiliateID, bd.AffiliateCents, p.ID, "affiliate"); err != nil {
						return err
					}
				}
			}
		}

		now := time.Now()
		p.State = req.successState()
		p.SucceededAt = &now
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("failed to persist purchase %s: %w", p.ID, err)
		}
		if err := s.logChange(ctx, tx, &before, p, changeReason(req)); err != nil {
			return err
		}
		return s.events.EmitTx(ctx, tx, types.EventPurchaseSucceeded, p.ID, map[string]any{
			"product_id":  p.ProductID,
			"buyer":       p.BuyerIdentity(),
			"total_cents": p.TotalTransactionCents,
			"state":       string(p.State),
		})
	})
	if err == nil {
		s.observeTerminal(req, p)
		return nil
	}

	// the finalize transaction rolled back; the purchase must still end
	// terminal with its reservations returned
	logctx.FromCtx(ctx, s.log).Errorw("finalize failed, failing purchase",
		"purchase_id", p.ID, "err", err)
	fault := types.NewInternalFault(err)
	if ferr := s.fail(ctx, p, req, fault); ferr != nil {
		return ferr
	}
	return fault
}

// fail terminally fails the purchase and compensates: inventory back,
// offer-code use returned, any committed ledger entries reversed.
func (s *Service) fail(ctx context.Context, p *models.Purchase, req *Request, cause *types.ChargeError) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *p

		code := string(cause.Code)
		msg := cause.Message
		p.State = req.failureState()
		p.ErrorCode = &code
		p.ErrorMessage = &msg
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("failed to persist purchase %s: %w", p.ID, err)
		}
		if err := s.compensate(ctx, tx, p); err != nil {
			return err
		}
		if err := s.logChange(ctx, tx, &before, p, changeReason(req)); err != nil {
			return err
		}
		return s.events.EmitTx(ctx, tx, types.EventPurchaseFailed, p.ID, map[string]any{
			"product_id": p.ProductID,
			"buyer":      p.BuyerIdentity(),
			"code":       code,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to fail purchase %s: %w", p.ID, err)
	}
	s.observeTerminal(req, p)
	return nil
}

// park returns a retryable attempt to not_charged with its reservations
// released. Retry re-reserves and reuses the same purchase id, so the
// processor sees one idempotency key across all attempts.
func (s *Service) park(ctx context.Context, p *models.Purchase, req *Request, cause *types.ChargeError) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *p

		code := string(cause.Code)
		msg := cause.Message
		p.State = types.PurchaseNotCharged
		p.ErrorCode = &code
		p.ErrorMessage = &msg
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("failed to persist purchase %s: %w", p.ID, err)
		}
		if err := s.compensate(ctx, tx, p); err != nil {
			return err
		}
		return s.logChange(ctx, tx, &before, p, changeReason(req))
	})
	if err != nil {
		return fmt.Errorf("failed to park purchase %s: %w", p.ID, err)
	}
	return nil
}

// compensate undoes the begin-phase reservations and any ledger credits.
func (s *Service) compensate(ctx context.Context, tx *gorm.DB, p *models.Purchase) error {
	if err := s.inventory.Release(ctx, tx, p.ProductID, p.VariantID, int64(p.Quantity)); err != nil {
		return err
	}
	if err := s.unredeemOffer(ctx, tx, p.OfferCodeID); err != nil {
		return err
	}
	return s.ledger.Reverse(ctx, tx, p.ID, "rollback")
}

func (s *Service) observeTerminal(req *Request, p *models.Purchase) {
	metrics.PurchaseOutcome().
		WithLabelValues(string(req.Product.Type), string(p.State)).
		Inc()
}

func changeReason(req *Request) models.PurchaseChangeReason {
	switch {
	case req.IsRecurring:
		return models.PurchaseChangeRecurring
	case req.intent() == IntentAuthorize || req.PreorderID != "":
		return models.PurchaseChangePreorder
	default:
		return models.PurchaseChangeCheckout
	}
}

// logChange writes a before/after audit row.
func (s *Service) logChange(ctx context.Context, tx *gorm.DB, before, after *models.Purchase, reason models.PurchaseChangeReason) error {
	row := models.NewPurchaseLog(before, after, reason)
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to write purchase log: %w", err)
	}
	return nil
}
