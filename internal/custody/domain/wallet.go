package domain

import (
	"context"
	"time"
)

// WalletAddress 用户充值地址
// 每个 (user, network) 只发一个地址，发出后永不变更
type WalletAddress struct {
	ID              int64
	UserID          int64  `gorm:"uniqueIndex:idx_uid_network"`
	Network         string `gorm:"uniqueIndex:idx_uid_network;size:10"`
	Address         string `gorm:"uniqueIndex;size:64"`
	DerivationIndex uint32
	// 运维手工导入的私钥，优先于派生 (平时为空)
	PrivKeyOverride string `gorm:"size:160"`
	// 垫资簿记: 最近一笔给该地址充矿工费的交易
	GasFundingTxID string `gorm:"size:96"`
	GasFundedAt    *time.Time
	CreatedAt      time.Time
}

// DerivationCounter 每条链一个单调递增的派生游标
type DerivationCounter struct {
	ID        int64
	Network   string `gorm:"uniqueIndex;size:10"`
	NextIndex uint32
}

// WalletRepo 地址仓储接口
type WalletRepo interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	GetWallet(ctx context.Context, userID int64, network string) (*WalletAddress, error)
	GetWalletByAddress(ctx context.Context, network, address string) (*WalletAddress, error)
	ListWallets(ctx context.Context, network string) ([]WalletAddress, error)

	// AllocateIndex 事务内领取下一个派生 index (不存在则从 0 建游标)
	AllocateIndex(ctx context.Context, network string) (uint32, error)

	// CreateWallet 唯一约束兜底: 并发撞车时返回已存在的行
	CreateWallet(ctx context.Context, w *WalletAddress) error

	// SetGasFunding 落垫资流水
	SetGasFunding(ctx context.Context, walletID int64, txID string, at time.Time) error
}
