package service

import (
	"context"
	"time"

	"custodex.com/internal/custody/config"
	"custodex.com/internal/custody/domain"
	"custodex.com/internal/custody/infra/pricing"
	"custodex.com/pkg/backoff"
	"custodex.com/pkg/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Confirmer 充值确认与定价
// 定价失败走指数退避重试；低于最小额直接打入终态，小额粉尘不值得归集
type Confirmer struct {
	depositRepo domain.DepositRepo
	price       pricing.PriceSource
	policy      backoff.Policy
	batchSize   int
}

func NewConfirmer(depositRepo domain.DepositRepo, price pricing.PriceSource, policy backoff.Policy, batchSize int) *Confirmer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Confirmer{
		depositRepo: depositRepo,
		price:       price,
		policy:      policy,
		batchSize:   batchSize,
	}
}

// ConfirmNetwork 处理一条链上到达重试时间的待确认记录
func (c *Confirmer) ConfirmNetwork(ctx context.Context, network string, nc *config.NetworkConfig, report *domain.CycleReport) {
	deposits, err := c.depositRepo.FindDetectedDue(ctx, network, time.Now(), c.policy.MaxAttempts, c.batchSize)
	if err != nil {
		report.AddError("find detected: %v", err)
		return
	}

	for i := range deposits {
		c.confirmOne(ctx, &deposits[i], nc, report)
	}
}

func (c *Confirmer) confirmOne(ctx context.Context, d *domain.Deposit, nc *config.NetworkConfig, report *domain.CycleReport) {
	price, err := c.resolvePrice(ctx, nc)
	if err != nil {
		// 定价失败: 错误计数+1，退避后再试；用尽次数后不再被捞起，留给人工
		attempt := d.ErrorCount + 1
		next := c.policy.NextRetryAt(time.Now(), attempt)
		if bumpErr := c.depositRepo.BumpRetry(ctx, d.ID, attempt, next); bumpErr != nil {
			report.AddError("bump retry %d: %v", d.ID, bumpErr)
			return
		}
		report.AddError("price %s: %v (attempt %d)", d.Network, err, attempt)

		if c.policy.Exhausted(attempt) {
			logger.Error(ctx, "❌ 定价重试次数用尽，需人工介入",
				zap.Int64("deposit", d.ID),
				zap.String("tx", d.TxHash))
		}
		return
	}

	amountUsd := d.RawAmount.Mul(price)
	minUsd := decimal.NewFromFloat(nc.MinDepositUsd)

	// 低于门槛: 终态 FAILED，不入账不归集 (归集成本高于币值)
	if amountUsd.LessThan(minUsd) {
		if err := c.depositRepo.MarkBelowMinimum(ctx, d.ID, amountUsd, price); err != nil {
			report.AddError("mark below minimum %d: %v", d.ID, err)
			return
		}
		report.BelowMinimum++
		logger.Warn(ctx, "🪙 低于最小充值额，放弃",
			zap.Int64("deposit", d.ID),
			zap.String("tx", d.TxHash),
			zap.String("usd", amountUsd.String()),
			zap.String("min", minUsd.String()))
		return
	}

	if err := c.depositRepo.MarkConfirmed(ctx, d.ID, amountUsd, price); err != nil {
		// 状态守卫没通过 = 已被并发的另一轮处理过，不算错误
		report.Skipped++
		return
	}

	report.Confirmed++
	logger.Info(ctx, "✅ 充值已确认",
		zap.Int64("deposit", d.ID),
		zap.String("tx", d.TxHash),
		zap.String("usd", amountUsd.String()),
		zap.String("price", price.String()))
}

// resolvePrice 锚定币按 1.0 计，否则查现价
func (c *Confirmer) resolvePrice(ctx context.Context, nc *config.NetworkConfig) (decimal.Decimal, error) {
	if nc.PricePegged {
		return decimal.NewFromInt(1), nil
	}
	return c.price.UsdPrice(ctx, nc.PriceId)
}
