package persistence

import (
	"context"
	"errors"
	"fmt"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/xerr"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertEntry 写账本流水
// external_id 唯一约束是入账幂等的唯一边界；冲突原样返回 gorm.ErrDuplicatedKey
func (r *Repo) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	err := r.conn(ctx).WithContext(ctx).Create(e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		return xerr.New(xerr.DbError, fmt.Sprintf("insert ledger entry failed: %v", err))
	}
	return nil
}

// AddBalance 原子加钱 (存在则累加，不存在则插入)
func (r *Repo) AddBalance(ctx context.Context, userID int64, amount decimal.Decimal) error {
	balance := domain.UserBalance{
		UserID:     userID,
		BalanceUsd: amount,
	}

	err := r.conn(ctx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance_usd": gorm.Expr("balance_usd + ?", amount), // 余额累加
			"version":     gorm.Expr("version + 1"),
		}),
	}).Create(&balance).Error

	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("add balance failed: %v", err))
	}
	return nil
}

func (r *Repo) GetBalance(ctx context.Context, userID int64) (*domain.UserBalance, error) {
	var balance domain.UserBalance
	err := r.conn(ctx).WithContext(ctx).
		Where("user_id = ?", userID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 不是错误，返回零值余额
			return &domain.UserBalance{
				UserID:     userID,
				BalanceUsd: decimal.Zero,
			}, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get balance failed: %v", err))
	}
	return &balance, nil
}
