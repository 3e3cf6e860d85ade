package service

import (
	"context"
	"time"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/logger"
	"go.uber.org/zap"
)

// Detector 链上充值发现
// 逐地址拉候选交易，解析后幂等落库；重复发现靠唯一索引吸收
type Detector struct {
	depositRepo domain.DepositRepo
	walletRepo  domain.WalletRepo
	batchSize   int
}

func NewDetector(depositRepo domain.DepositRepo, walletRepo domain.WalletRepo, batchSize int) *Detector {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Detector{
		depositRepo: depositRepo,
		walletRepo:  walletRepo,
		batchSize:   batchSize,
	}
}

// DetectNetwork 扫一条链的全部已发地址
// 单个地址/交易失败只计入 report.Errors，绝不中断整批
func (d *Detector) DetectNetwork(ctx context.Context, adapter domain.ChainAdapter, report *domain.CycleReport) {
	network := adapter.Network()

	wallets, err := d.walletRepo.ListWallets(ctx, network)
	if err != nil {
		report.AddError("list wallets: %v", err)
		return
	}

	for i := range wallets {
		d.detectAddress(ctx, adapter, &wallets[i], report)
	}

	logger.Info(ctx, "🔍 扫描完成",
		zap.String("network", network),
		zap.Int("addresses", len(wallets)),
		zap.Int("detected", report.Detected),
		zap.Int("skipped", report.Skipped))
}

func (d *Detector) detectAddress(ctx context.Context, adapter domain.ChainAdapter, w *domain.WalletAddress, report *domain.CycleReport) {
	network := adapter.Network()

	hashes, err := adapter.ListRecentTransfers(ctx, w.Address, d.batchSize)
	if err != nil {
		report.AddError("list transfers %s: %v", w.Address, err)
		return
	}

	for _, hash := range hashes {
		// 已落库的不再回源解析，省 RPC 配额
		existing, err := d.depositRepo.GetByUniqueKey(ctx, network, hash, w.Address)
		if err != nil {
			report.AddError("lookup %s: %v", hash, err)
			continue
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		parsed, err := adapter.GetParsedTransfer(ctx, hash, w.Address)
		if err != nil {
			report.AddError("parse %s: %v", hash, err)
			continue
		}
		if parsed == nil {
			// 不是打给我们的入账，或服务商还没同步出来
			report.Skipped++
			continue
		}

		inserted, err := d.depositRepo.CreateIgnoreDuplicate(ctx, &domain.Deposit{
			UserID:         w.UserID,
			Network:        network,
			TxHash:         parsed.TxHash,
			DepositAddress: w.Address,
			TokenAccount:   parsed.TokenAccount,
			RawAmount:      parsed.Amount,
			Status:         domain.DepositStatusDetected,
			DetectedAt:     time.Now(),
		})
		if err != nil {
			report.AddError("insert %s: %v", hash, err)
			continue
		}
		if !inserted {
			report.Skipped++
			continue
		}

		report.Detected++
		logger.Info(ctx, "💎 发现新充值",
			zap.String("network", network),
			zap.String("tx", parsed.TxHash),
			zap.String("address", w.Address),
			zap.String("amount", parsed.Amount.String()))
	}
}
