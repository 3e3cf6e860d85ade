package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/xerr"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateIgnoreDuplicate 幂等插入充值记录
// 依赖 (network, tx_hash, deposit_address) 唯一索引，重复检测是 no-op
func (r *Repo) CreateIgnoreDuplicate(ctx context.Context, d *domain.Deposit) (bool, error) {
	res := r.conn(ctx).WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(d)

	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("insert deposit failed: %v", res.Error))
	}
	return res.RowsAffected > 0, nil
}

// FindDetectedDue 捞出待确认记录: next_retry_at 为空或已到期，且未超出重试上限
func (r *Repo) FindDetectedDue(ctx context.Context, network string, now time.Time, maxErrorCount int, limit int) ([]domain.Deposit, error) {
	deposits := make([]domain.Deposit, 0)
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ? AND status = ? AND error_count < ?", network, domain.DepositStatusDetected, maxErrorCount).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("id ASC").
		Limit(limit).
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("find detected failed: %v", err))
	}
	return deposits, nil
}

func (r *Repo) FindByStatus(ctx context.Context, network string, status domain.DepositStatus, limit int) ([]domain.Deposit, error) {
	deposits := make([]domain.Deposit, 0)
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ? AND status = ?", network, status).
		Order("id ASC").
		Limit(limit).
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("find by status failed: %v", err))
	}
	return deposits, nil
}

// FindSweptUncredited credit_after_sweep 模式: 归集完成但还没入账的记录
func (r *Repo) FindSweptUncredited(ctx context.Context, network string, limit int) ([]domain.Deposit, error) {
	deposits := make([]domain.Deposit, 0)
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ? AND status = ? AND credited_at IS NULL", network, domain.DepositStatusSwept).
		Order("id ASC").
		Limit(limit).
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("find swept uncredited failed: %v", err))
	}
	return deposits, nil
}

func (r *Repo) GetByID(ctx context.Context, id int64) (*domain.Deposit, error) {
	var d domain.Deposit
	err := r.conn(ctx).WithContext(ctx).First(&d, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get deposit failed: %v", err))
	}
	return &d, nil
}

func (r *Repo) GetByUniqueKey(ctx context.Context, network, txHash, depositAddress string) (*domain.Deposit, error) {
	var d domain.Deposit
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ? AND tx_hash = ? AND deposit_address = ?", network, txHash, depositAddress).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get deposit failed: %v", err))
	}
	return &d, nil
}

// MarkConfirmed 状态守卫: WHERE status = DETECTED，被并发处理过就报错回滚
func (r *Repo) MarkConfirmed(ctx context.Context, id int64, amountUsd, priceUsed decimal.Decimal) error {
	now := time.Now()
	res := r.conn(ctx).WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND status = ?", id, domain.DepositStatusDetected).
		Updates(map[string]interface{}{
			"status":       domain.DepositStatusConfirmed,
			"amount_usd":   amountUsd,
			"price_used":   priceUsed,
			"confirmed_at": now,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark confirmed failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("deposit %d is not in detected status", id)
	}
	return nil
}

// MarkBelowMinimum 终态 FAILED，灰尘充值就地放弃
func (r *Repo) MarkBelowMinimum(ctx context.Context, id int64, amountUsd, priceUsed decimal.Decimal) error {
	res := r.conn(ctx).WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND status = ?", id, domain.DepositStatusDetected).
		Updates(map[string]interface{}{
			"status":           domain.DepositStatusFailed,
			"amount_usd":       amountUsd,
			"price_used":       priceUsed,
			"is_below_minimum": true,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark below minimum failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("deposit %d is not in detected status", id)
	}
	return nil
}

func (r *Repo) BumpRetry(ctx context.Context, id int64, errorCount int, nextRetryAt time.Time) error {
	err := r.conn(ctx).WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_count":   errorCount,
			"next_retry_at": nextRetryAt,
		}).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("bump retry failed: %v", err))
	}
	return nil
}

func (r *Repo) FindByTx(ctx context.Context, network, txHash string) ([]domain.Deposit, error) {
	deposits := make([]domain.Deposit, 0)
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ? AND tx_hash = ?", network, txHash).
		Order("id ASC").
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("find by tx failed: %v", err))
	}
	return deposits, nil
}

func (r *Repo) ResetRetry(ctx context.Context, id int64) error {
	err := r.conn(ctx).WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_count":   0,
			"next_retry_at": nil,
		}).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("reset retry failed: %v", err))
	}
	return nil
}

// MarkCredited 入账标记 (必须在入账事务内)
// SWEPT 的行保持 SWEPT 只补 credited_at，其余推进到 CREDITED
func (r *Repo) MarkCredited(ctx context.Context, id int64) error {
	now := time.Now()
	db := r.conn(ctx).WithContext(ctx)

	res := db.Model(&domain.Deposit{}).
		Where("id = ? AND status = ?", id, domain.DepositStatusSwept).
		Update("credited_at", now)
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark credited failed: %v", res.Error))
	}
	if res.RowsAffected > 0 {
		return nil
	}

	res = db.Model(&domain.Deposit{}).
		Where("id = ? AND status IN ?", id, []domain.DepositStatus{domain.DepositStatusDetected, domain.DepositStatusConfirmed}).
		Updates(map[string]interface{}{
			"status":      domain.DepositStatusCredited,
			"credited_at": now,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark credited failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		// 已经是 CREDITED 的重复标记按幂等成功处理
		var d domain.Deposit
		if err := db.Select("status").First(&d, id).Error; err == nil && d.Status == domain.DepositStatusCredited {
			return nil
		}
		return fmt.Errorf("deposit %d is not creditable", id)
	}
	return nil
}

// SweepableAddresses 至少有一条指定状态充值的去重地址
func (r *Repo) SweepableAddresses(ctx context.Context, network string, status domain.DepositStatus) ([]string, error) {
	addrs := make([]string, 0)
	err := r.conn(ctx).WithContext(ctx).Model(&domain.Deposit{}).
		Distinct("deposit_address").
		Where("network = ? AND status = ?", network, status).
		Pluck("deposit_address", &addrs).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("sweepable addresses failed: %v", err))
	}
	return addrs, nil
}

func (r *Repo) FindForAddress(ctx context.Context, network, depositAddress string, status domain.DepositStatus) ([]domain.Deposit, error) {
	deposits := make([]domain.Deposit, 0)
	err := r.conn(ctx).WithContext(ctx).
		Where("network = ? AND deposit_address = ? AND status = ?", network, depositAddress, status).
		Order("id ASC").
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("find for address failed: %v", err))
	}
	return deposits, nil
}

func (r *Repo) MarkSwept(ctx context.Context, ids []int64, sweepTxID string, sweptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.conn(ctx).WithContext(ctx).Model(&domain.Deposit{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":      domain.DepositStatusSwept,
			"sweep_tx_id": sweepTxID,
			"swept_at":    sweptAt,
		}).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark swept failed: %v", err))
	}
	return nil
}

func (r *Repo) SetFunding(ctx context.Context, ids []int64, fundingTxID string, fundedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.conn(ctx).WithContext(ctx).Model(&domain.Deposit{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"funding_tx_id": fundingTxID,
			"funded_at":     fundedAt,
		}).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("set funding failed: %v", err))
	}
	return nil
}
