package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) GetWallet(ctx context.Context, userID int64, network string) (*domain.WalletAddress, error) {
	var w domain.WalletAddress
	err := r.conn(ctx).WithContext(ctx).
		Where("user_id = ? AND network = ?", userID, network).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get wallet failed: %v", err))
	}
	return &w, nil
}

func (r *Repo) GetWalletByAddress(ctx context.Context, network, address string) (*domain.WalletAddress, error) {
	var w domain.WalletAddress
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ? AND address = ?", network, address).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get wallet by address failed: %v", err))
	}
	return &w, nil
}

func (r *Repo) ListWallets(ctx context.Context, network string) ([]domain.WalletAddress, error) {
	wallets := make([]domain.WalletAddress, 0)
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ?", network).
		Order("derivation_index ASC").
		Find(&wallets).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list wallets failed: %v", err))
	}
	return wallets, nil
}

// AllocateIndex 事务内领取下一个派生游标
// 游标行不存在则从 0 建；返回本次领到的 index 并推进游标
func (r *Repo) AllocateIndex(ctx context.Context, network string) (uint32, error) {
	db := r.conn(ctx).WithContext(ctx)

	var counter domain.DerivationCounter
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("network = ?", network).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = domain.DerivationCounter{Network: network, NextIndex: 0}
		if err := db.Create(&counter).Error; err != nil {
			return 0, xerr.New(xerr.DbError, fmt.Sprintf("init counter failed: %v", err))
		}
	} else if err != nil {
		return 0, xerr.New(xerr.DbError, fmt.Sprintf("load counter failed: %v", err))
	}

	allocated := counter.NextIndex
	if err := db.Model(&domain.DerivationCounter{}).
		Where("id = ?", counter.ID).
		Update("next_index", allocated+1).Error; err != nil {
		return 0, xerr.New(xerr.DbError, fmt.Sprintf("advance counter failed: %v", err))
	}
	return allocated, nil
}

// CreateWallet 插入地址；唯一键冲突原样返回 gorm.ErrDuplicatedKey，由注册服务兜底重读
func (r *Repo) CreateWallet(ctx context.Context, w *domain.WalletAddress) error {
	err := r.conn(ctx).WithContext(ctx).Create(w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		return xerr.New(xerr.DbError, fmt.Sprintf("create wallet failed: %v", err))
	}
	return nil
}

func (r *Repo) SetGasFunding(ctx context.Context, walletID int64, txID string, at time.Time) error {
	err := r.conn(ctx).WithContext(ctx).Model(&domain.WalletAddress{}).
		Where("id = ?", walletID).
		Updates(map[string]interface{}{
			"gas_funding_tx_id": txID,
			"gas_funded_at":     at,
		}).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("set gas funding failed: %v", err))
	}
	return nil
}
