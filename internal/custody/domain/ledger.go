package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 账本流水类型
const (
	LedgerTypeDeposit = "DEPOSIT"
)

// LedgerEntry 账本流水
// external_id 唯一约束是入账幂等的唯一边界
type LedgerEntry struct {
	ID          int64
	UserID      int64           `gorm:"index"`
	Type        string          `gorm:"size:20"`
	Amount      decimal.Decimal `gorm:"type:decimal(36,18)"`
	ExternalID  string          `gorm:"uniqueIndex;size:64"`
	Description string          `gorm:"size:255"`
	CreatedAt   time.Time
}

// UserBalance 用户 USD 余额
type UserBalance struct {
	ID         int64
	UserID     int64           `gorm:"uniqueIndex"`
	BalanceUsd decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	Version    int64           `gorm:"default:0"`
	UpdatedAt  time.Time
}

// CreditExternalID 入账幂等 key: (network, txHash, depositAddress) 的确定性函数
func CreditExternalID(network, txHash, depositAddress string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", network, txHash, depositAddress)))
	return hex.EncodeToString(sum[:])
}

// LedgerRepo 账本仓储接口
type LedgerRepo interface {
	// InsertEntry 唯一约束冲突时返回 gorm.ErrDuplicatedKey (调用方视为已入账)
	InsertEntry(ctx context.Context, e *LedgerEntry) error

	// AddBalance 原子加钱 (不存在则创建)
	AddBalance(ctx context.Context, userID int64, amount decimal.Decimal) error

	GetBalance(ctx context.Context, userID int64) (*UserBalance, error)
}
