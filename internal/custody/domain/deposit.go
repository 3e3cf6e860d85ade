package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 网络标识
const (
	NetworkETH  = "ETH"
	NetworkTRON = "TRON"
	NetworkSOL  = "SOL"
)

type DepositStatus uint8

// 充值状态枚举 (只进不退: DETECTED→CONFIRMED→CREDITED→SWEPT，FAILED 终态)
const (
	DepositStatusDetected  DepositStatus = iota // 链上发现
	DepositStatusConfirmed                      // 已定价确认
	DepositStatusCredited                       // 已入账
	DepositStatusSwept                          // 已归集
	DepositStatusFailed                         // 终态失败 (低于最小额等)
)

type Deposit struct {
	ID     int64
	UserID int64
	// 核心唯一标识: Network + TxHash + DepositAddress
	Network        string          `gorm:"uniqueIndex:idx_net_tx_addr;size:10"`
	TxHash         string          `gorm:"uniqueIndex:idx_net_tx_addr;size:96"`
	DepositAddress string          `gorm:"uniqueIndex:idx_net_tx_addr;size:64"`
	TokenAccount   string          `gorm:"size:64"`             // SOL 的关联代币账户，其他链为空
	RawAmount      decimal.Decimal `gorm:"type:decimal(36,18)"` // 链上原始数量 (人类可读单位)
	AmountUsd      decimal.Decimal `gorm:"type:decimal(36,18)"`
	PriceUsed      decimal.Decimal `gorm:"type:decimal(36,18)"`
	Status         DepositStatus   `gorm:"index:idx_net_status"`
	IsBelowMinimum bool
	ErrorCount     int
	NextRetryAt    *time.Time
	FundingTxID    string `gorm:"size:96"`
	FundedAt       *time.Time
	SweepTxID      string `gorm:"size:96"`
	SweptAt        *time.Time
	DetectedAt     time.Time
	ConfirmedAt    *time.Time
	CreditedAt     *time.Time
}

// DepositRepo 充值记录仓储接口
type DepositRepo interface {
	// Transaction 事务传播 (tx 注入 ctx)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// CreateIgnoreDuplicate 幂等插入，依赖 (network, tx_hash, deposit_address) 唯一索引
	// 已存在时返回 false 不报错
	CreateIgnoreDuplicate(ctx context.Context, d *Deposit) (bool, error)

	// FindDetectedDue 捞出待确认且到达重试时间的记录
	FindDetectedDue(ctx context.Context, network string, now time.Time, maxErrorCount int, limit int) ([]Deposit, error)

	// FindByStatus 按状态捞一批
	FindByStatus(ctx context.Context, network string, status DepositStatus, limit int) ([]Deposit, error)

	// FindSweptUncredited 已归集未入账 (credit_after_sweep 模式用)
	FindSweptUncredited(ctx context.Context, network string, limit int) ([]Deposit, error)

	GetByID(ctx context.Context, id int64) (*Deposit, error)
	GetByUniqueKey(ctx context.Context, network, txHash, depositAddress string) (*Deposit, error)

	// FindByTx 按交易哈希找记录 (人工对账入口，不含地址维度)
	FindByTx(ctx context.Context, network, txHash string) ([]Deposit, error)

	// MarkConfirmed 状态守卫: 只允许 DETECTED -> CONFIRMED
	MarkConfirmed(ctx context.Context, id int64, amountUsd, priceUsed decimal.Decimal) error

	// MarkBelowMinimum 低于最小额，终态 FAILED
	MarkBelowMinimum(ctx context.Context, id int64, amountUsd, priceUsed decimal.Decimal) error

	// BumpRetry 确认失败，错误计数+1 并设置下次重试时间
	BumpRetry(ctx context.Context, id int64, errorCount int, nextRetryAt time.Time) error

	// ResetRetry 清空退避状态，用尽重试次数的记录重新进入确认队列
	ResetRetry(ctx context.Context, id int64) error

	// MarkCredited 入账 (在入账事务内调用)
	MarkCredited(ctx context.Context, id int64) error

	// SweepableAddresses 存在至少一条指定状态记录的去重充值地址
	SweepableAddresses(ctx context.Context, network string, status DepositStatus) ([]string, error)

	// FindForAddress 某地址下指定状态的全部记录
	FindForAddress(ctx context.Context, network, depositAddress string, status DepositStatus) ([]Deposit, error)

	// MarkSwept 批量落归集结果
	MarkSwept(ctx context.Context, ids []int64, sweepTxID string, sweptAt time.Time) error

	// SetFunding 记录 deposit 维度的垫资流水 (人工排查用)
	SetFunding(ctx context.Context, ids []int64, fundingTxID string, fundedAt time.Time) error
}
