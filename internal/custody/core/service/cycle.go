package service

import (
	"context"
	"fmt"
	"time"

	"custodex.com/internal/custody/config"
	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/logger"
	"go.uber.org/zap"
)

// Custody 托管主服务: 一轮批处理把四个阶段串起来
// 发现 → 确认 → 入账 → 归集 (归集后入账模式下入账排在归集后面)
type Custody struct {
	detector  *Detector
	confirmer *Confirmer
	crediter  *Crediter
	sweeper   *Sweeper
	cfg       *config.Config
}

func NewCustody(detector *Detector, confirmer *Confirmer, crediter *Crediter, sweeper *Sweeper, cfg *config.Config) *Custody {
	return &Custody{
		detector:  detector,
		confirmer: confirmer,
		crediter:  crediter,
		sweeper:   sweeper,
		cfg:       cfg,
	}
}

// RunCycle 跑一条链的完整批次
// 阶段之间不回滚: 每个阶段只消费上一阶段已落库的状态，天然可重入
func (c *Custody) RunCycle(ctx context.Context, network string) (*domain.CycleReport, error) {
	nc, ok := c.cfg.Networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %s", network)
	}
	if !nc.Enabled {
		return nil, fmt.Errorf("network %s disabled", network)
	}
	adapter, ok := c.sweeper.adapters[network]
	if !ok {
		return nil, fmt.Errorf("no adapter for %s", network)
	}

	report := domain.NewCycleReport(network)

	c.detector.DetectNetwork(ctx, adapter, report)
	c.confirmer.ConfirmNetwork(ctx, network, &nc, report)

	if nc.CreditAfterSweep {
		// 先归集，落地后的记录再入账
		c.sweeper.SweepNetwork(ctx, network, report)
		c.crediter.CreditNetwork(ctx, network, true, report)
	} else {
		c.crediter.CreditNetwork(ctx, network, false, report)
		c.sweeper.SweepNetwork(ctx, network, report)
	}

	report.FinishedAt = time.Now()
	logger.Info(ctx, "📊 批次完成",
		zap.String("network", network),
		zap.Int("detected", report.Detected),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("below_minimum", report.BelowMinimum),
		zap.Int("credited", report.Credited),
		zap.Int("swept", report.Swept),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// ReconcileTx 单笔对账: 重新解析一笔交易并把它的记录往前推
// 定价重试用尽卡在 DETECTED 的记录靠这个接口复活
func (c *Custody) ReconcileTx(ctx context.Context, network, txHash string) ([]domain.Deposit, *domain.CycleReport, error) {
	nc, ok := c.cfg.Networks[network]
	if !ok {
		return nil, nil, fmt.Errorf("unknown network: %s", network)
	}
	adapter, ok := c.sweeper.adapters[network]
	if !ok {
		return nil, nil, fmt.Errorf("no adapter for %s", network)
	}

	rows, err := c.sweeper.depositRepo.FindByTx(ctx, network, txHash)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("tx %s has no deposit record, use backfill", txHash)
	}

	report := domain.NewCycleReport(network)
	for i := range rows {
		d := &rows[i]
		if d.Status != domain.DepositStatusDetected {
			continue
		}
		// 链上复核一遍，还解析不出来就保持原样
		parsed, err := adapter.GetParsedTransfer(ctx, txHash, d.DepositAddress)
		if err != nil {
			report.AddError("parse %s: %v", txHash, err)
			continue
		}
		if parsed == nil {
			report.AddError("tx %s to %s not finalized or not a deposit", txHash, d.DepositAddress)
			continue
		}
		// 清空退避状态，让确认阶段重新捞起它
		if err := c.sweeper.depositRepo.ResetRetry(ctx, d.ID); err != nil {
			report.AddError("reset retry %d: %v", d.ID, err)
		}
	}

	c.confirmer.ConfirmNetwork(ctx, network, &nc, report)
	if !nc.CreditAfterSweep {
		c.crediter.CreditNetwork(ctx, network, false, report)
	}
	report.FinishedAt = time.Now()

	refreshed, err := c.sweeper.depositRepo.FindByTx(ctx, network, txHash)
	if err != nil {
		return nil, report, err
	}
	logger.Info(ctx, "🔎 单笔对账完成",
		zap.String("network", network),
		zap.String("tx", txHash),
		zap.Int("rows", len(refreshed)))
	return refreshed, report, nil
}

// ReconcileAll 全网补账: 所有启用的链各跑一轮，汇总成一份报告
func (c *Custody) ReconcileAll(ctx context.Context) *domain.CycleReport {
	merged := domain.NewCycleReport("ALL")

	for name, nc := range c.cfg.Networks {
		if !nc.Enabled {
			continue
		}
		report, err := c.RunCycle(ctx, name)
		if err != nil {
			merged.AddError("cycle %s: %v", name, err)
			continue
		}
		merged.Merge(report)
	}

	merged.FinishedAt = time.Now()
	return merged
}

// ForceSweep 人工触发归集 (运维接口用)
func (c *Custody) ForceSweep(ctx context.Context, network string) (*domain.CycleReport, error) {
	nc, ok := c.cfg.Networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %s", network)
	}
	if !nc.Enabled {
		return nil, fmt.Errorf("network %s disabled", network)
	}

	report := domain.NewCycleReport(network)
	c.sweeper.SweepNetwork(ctx, network, report)
	report.FinishedAt = time.Now()
	return report, nil
}

// Backfill 指定交易回填: 绕过扫描窗口，按 (交易哈希, 用户) 直接解析并落库
// 扫描窗口外的历史充值靠这个接口救回来
func (c *Custody) Backfill(ctx context.Context, network, txHash string, userID int64) (*domain.Deposit, error) {
	adapter, ok := c.sweeper.adapters[network]
	if !ok {
		return nil, fmt.Errorf("no adapter for %s", network)
	}

	wallet, err := c.sweeper.walletRepo.GetWallet(ctx, userID, network)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, fmt.Errorf("user %d has no %s deposit address", userID, network)
	}

	parsed, err := adapter.GetParsedTransfer(ctx, txHash, wallet.Address)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("tx %s is not a deposit to %s (or not finalized yet)", txHash, wallet.Address)
	}

	deposit := &domain.Deposit{
		UserID:         wallet.UserID,
		Network:        network,
		TxHash:         parsed.TxHash,
		DepositAddress: wallet.Address,
		TokenAccount:   parsed.TokenAccount,
		RawAmount:      parsed.Amount,
		Status:         domain.DepositStatusDetected,
		DetectedAt:     time.Now(),
	}
	inserted, err := c.sweeper.depositRepo.CreateIgnoreDuplicate(ctx, deposit)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// 已存在，返回库里的那条
		return c.sweeper.depositRepo.GetByUniqueKey(ctx, network, txHash, wallet.Address)
	}

	logger.Info(ctx, "🔁 人工回填充值",
		zap.String("network", network),
		zap.String("tx", txHash),
		zap.String("address", wallet.Address))
	return deposit, nil
}

// ForceCredit 人工强制入账
func (c *Custody) ForceCredit(ctx context.Context, depositID int64) error {
	return c.crediter.ForceCredit(ctx, depositID)
}

// Registry 地址发放入口 (HTTP 层用)
func (c *Custody) Registry() *AddressRegistry {
	return c.sweeper.registry
}
