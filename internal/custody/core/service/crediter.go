package service

import (
	"context"
	"errors"
	"fmt"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Crediter 入账结算
// 幂等边界只有一个: 账本流水的 external_id 唯一约束。
// 任何路径重复走到这里 (重启重放、并发批次、人工 force) 都只会加一次钱
type Crediter struct {
	depositRepo domain.DepositRepo
	ledgerRepo  domain.LedgerRepo
	batchSize   int
}

func NewCrediter(depositRepo domain.DepositRepo, ledgerRepo domain.LedgerRepo, batchSize int) *Crediter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Crediter{
		depositRepo: depositRepo,
		ledgerRepo:  ledgerRepo,
		batchSize:   batchSize,
	}
}

// CreditNetwork 批量入账
// afterSweep=false: 确认后立即入账；true: 只处理已归集未入账的记录
func (c *Crediter) CreditNetwork(ctx context.Context, network string, afterSweep bool, report *domain.CycleReport) {
	var deposits []domain.Deposit
	var err error
	if afterSweep {
		deposits, err = c.depositRepo.FindSweptUncredited(ctx, network, c.batchSize)
	} else {
		deposits, err = c.depositRepo.FindByStatus(ctx, network, domain.DepositStatusConfirmed, c.batchSize)
	}
	if err != nil {
		report.AddError("find creditable: %v", err)
		return
	}

	for i := range deposits {
		if err := c.CreditOne(ctx, &deposits[i]); err != nil {
			report.AddError("credit %d: %v", deposits[i].ID, err)
			continue
		}
		report.Credited++
	}
}

// CreditOne 单笔入账 (事务原子性)
// 流水、加钱、状态推进三件事同生共死
func (c *Crediter) CreditOne(ctx context.Context, d *domain.Deposit) error {
	externalID := domain.CreditExternalID(d.Network, d.TxHash, d.DepositAddress)

	err := c.depositRepo.Transaction(ctx, func(txCtx context.Context) error {
		err := c.ledgerRepo.InsertEntry(txCtx, &domain.LedgerEntry{
			UserID:      d.UserID,
			Type:        domain.LedgerTypeDeposit,
			Amount:      d.AmountUsd,
			ExternalID:  externalID,
			Description: fmt.Sprintf("%s deposit %s", d.Network, d.TxHash),
		})
		if err != nil {
			// 流水已存在 = 这笔早就入过账了，只补状态不再加钱
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				logger.Warn(txCtx, "入账流水已存在，跳过加钱",
					zap.Int64("deposit", d.ID),
					zap.String("external_id", externalID))
				return c.depositRepo.MarkCredited(txCtx, d.ID)
			}
			return err
		}

		if err := c.ledgerRepo.AddBalance(txCtx, d.UserID, d.AmountUsd); err != nil {
			return err
		}
		return c.depositRepo.MarkCredited(txCtx, d.ID)
	})

	if err != nil {
		logger.Error(ctx, "❌ 入账事务失败",
			zap.Int64("deposit", d.ID),
			zap.Error(err))
		return err
	}

	logger.Info(ctx, "💰 入账成功",
		zap.Int64("deposit", d.ID),
		zap.Int64("uid", d.UserID),
		zap.String("usd", d.AmountUsd.String()))
	return nil
}

// ForceCredit 人工强制入账 (运维接口用)
// 只接受已确认或已归集的记录，幂等性同样由 external_id 保证
func (c *Crediter) ForceCredit(ctx context.Context, depositID int64) error {
	d, err := c.depositRepo.GetByID(ctx, depositID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("deposit %d not found", depositID)
	}
	if d.Status != domain.DepositStatusConfirmed && d.Status != domain.DepositStatusSwept {
		return fmt.Errorf("deposit %d in status %d cannot be credited", depositID, d.Status)
	}
	return c.CreditOne(ctx, d)
}
