package service

import (
	"context"
	"errors"
	"fmt"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/hdwallet"
	"custodex.com/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddressRegistry 充值地址发放
// 每个 (user, network) 只发一个地址，发出后永不回收复用
type AddressRegistry struct {
	repo   domain.WalletRepo
	wallet *hdwallet.HDWallet
}

func NewAddressRegistry(repo domain.WalletRepo, wallet *hdwallet.HDWallet) *AddressRegistry {
	return &AddressRegistry{repo: repo, wallet: wallet}
}

// GetOrCreate 查到就返回已发地址，没有就在事务里领 index 派生一个
// 并发撞车 (两个请求同时给同一用户发地址) 靠唯一约束兜底，输的一方重读返回赢家的行
func (s *AddressRegistry) GetOrCreate(ctx context.Context, userID int64, network string) (*domain.WalletAddress, error) {
	existing, err := s.repo.GetWallet(ctx, userID, network)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	coinType, err := coinTypeFor(network)
	if err != nil {
		return nil, err
	}

	var created *domain.WalletAddress
	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		// 1. 领取派生游标 (行锁保证 index 不重复发放)
		index, err := s.repo.AllocateIndex(txCtx, network)
		if err != nil {
			return err
		}

		// 2. 派生地址 (纯计算，同 index 永远同地址)
		addr, _, err := s.wallet.DeriveAddress(coinType, index)
		if err != nil {
			return fmt.Errorf("derive %s failed: %w", network, err)
		}

		created = &domain.WalletAddress{
			UserID:          userID,
			Network:         network,
			Address:         addr,
			DerivationIndex: index,
		}
		return s.repo.CreateWallet(txCtx, created)
	})

	if err != nil {
		// 并发撞车: 另一个请求已经给这个用户发过地址了，重读即可
		// (游标回滚，这个 index 下次重新发)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			logger.Warn(ctx, "地址发放撞车，改用已存在的地址",
				zap.Int64("uid", userID),
				zap.String("network", network))
			return s.repo.GetWallet(ctx, userID, network)
		}
		logger.Error(ctx, "地址发放失败", zap.Error(err))
		return nil, err
	}

	logger.Info(ctx, "✅ 充值地址已发放",
		zap.Int64("uid", userID),
		zap.String("network", network),
		zap.String("address", created.Address),
		zap.Uint32("index", created.DerivationIndex))
	return created, nil
}

// WalletPrivKey 归集签名用私钥: override 优先，否则按 index 重新派生
func (s *AddressRegistry) WalletPrivKey(w *domain.WalletAddress) (string, error) {
	if w.PrivKeyOverride != "" {
		return w.PrivKeyOverride, nil
	}
	coinType, err := coinTypeFor(w.Network)
	if err != nil {
		return "", err
	}
	_, priv, err := s.wallet.DeriveAddress(coinType, w.DerivationIndex)
	if err != nil {
		return "", fmt.Errorf("re-derive %s/%d failed: %w", w.Network, w.DerivationIndex, err)
	}
	return priv, nil
}
