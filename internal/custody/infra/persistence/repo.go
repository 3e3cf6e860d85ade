package persistence

import (
	"context"

	"custodex.com/internal/custody/domain"
	"gorm.io/gorm"
)

type txKey struct{}

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// 确保 Repo 实现了所有接口
var (
	_ domain.DepositRepo = (*Repo)(nil)
	_ domain.WalletRepo  = (*Repo)(nil)
	_ domain.LedgerRepo  = (*Repo)(nil)
)

// Transaction 实现事务，把 tx 注入到 context 中向下传播
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

// conn 获取事务 DB (如果 ctx 里有事务，就用事务)
func (r *Repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db
}

// AutoMigrate 建表 (服务启动时调用)
func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(
		&domain.Deposit{},
		&domain.WalletAddress{},
		&domain.DerivationCounter{},
		&domain.LedgerEntry{},
		&domain.UserBalance{},
	)
}
