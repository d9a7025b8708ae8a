package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/billing/internal/app/api/server"
	"github.com/fatflowers/billing/internal/app/service/currencies"
	"github.com/fatflowers/billing/internal/app/service/events"
	"github.com/fatflowers/billing/internal/app/service/fees"
	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/preorder"
	"github.com/fatflowers/billing/internal/app/service/processor"
	"github.com/fatflowers/billing/internal/app/service/purchase"
	"github.com/fatflowers/billing/internal/app/service/statistics"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/service/taxes"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/internal/platform/rates"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	rates.Module,
	server.Module,
	processor.Module,
	fees.Module,
	taxes.Module,
	currencies.Module,
	ledger.Module,
	inventory.Module,
	events.Module,
	purchase.Module,
	preorder.Module,
	subscription.Module,
	statistics.Module,
)
