package service

import (
	"context"
	"testing"
	"time"

	"custodex.com/internal/custody/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditOne_Idempotent(t *testing.T) {
	// 核心不变量: 同一笔充值不管入账流程被触发多少次，只加一次钱
	db, repo := newTestRepo(t)
	crediter := NewCrediter(repo, repo, 0)
	ctx := context.Background()

	deposit := &domain.Deposit{
		UserID:         1001,
		Network:        domain.NetworkETH,
		TxHash:         "0xabc",
		DepositAddress: "0xdeposit1",
		RawAmount:      decimal.RequireFromString("100"),
		AmountUsd:      decimal.RequireFromString("100"),
		PriceUsed:      decimal.NewFromInt(1),
		Status:         domain.DepositStatusConfirmed,
		DetectedAt:     time.Now(),
	}
	require.NoError(t, db.Create(deposit).Error)

	// 重复入账 5 次 (模拟重启重放、并发批次、人工 force 混在一起)
	for i := 0; i < 5; i++ {
		d, err := repo.GetByID(ctx, deposit.ID)
		require.NoError(t, err)
		require.NoError(t, crediter.CreditOne(ctx, d))
	}

	balance, err := repo.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.True(t, balance.BalanceUsd.Equal(decimal.RequireFromString("100")),
		"余额应该是 100 (只加一次)，实际 %s", balance.BalanceUsd)

	// 状态推进到 CREDITED
	updated, err := repo.GetByID(ctx, deposit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusCredited, updated.Status)
	assert.NotNil(t, updated.CreditedAt)

	// 账本里只有一条流水
	var count int64
	require.NoError(t, db.Model(&domain.LedgerEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreditNetwork_MultipleDeposits(t *testing.T) {
	db, repo := newTestRepo(t)
	crediter := NewCrediter(repo, repo, 0)
	ctx := context.Background()

	// 同一个用户两笔不同充值，余额累加
	for i, tx := range []string{"0xaaa", "0xbbb"} {
		require.NoError(t, db.Create(&domain.Deposit{
			UserID:         2001,
			Network:        domain.NetworkTRON,
			TxHash:         tx,
			DepositAddress: "Tdeposit1",
			RawAmount:      decimal.NewFromInt(int64(50 * (i + 1))),
			AmountUsd:      decimal.NewFromInt(int64(50 * (i + 1))),
			PriceUsed:      decimal.NewFromInt(1),
			Status:         domain.DepositStatusConfirmed,
			DetectedAt:     time.Now(),
		}).Error)
	}

	report := domain.NewCycleReport(domain.NetworkTRON)
	crediter.CreditNetwork(ctx, domain.NetworkTRON, false, report)

	assert.Equal(t, 2, report.Credited)
	assert.Empty(t, report.Errors)

	balance, err := repo.GetBalance(ctx, 2001)
	require.NoError(t, err)
	assert.True(t, balance.BalanceUsd.Equal(decimal.NewFromInt(150)),
		"余额应该是 150，实际 %s", balance.BalanceUsd)
}

func TestCreditNetwork_AfterSweep(t *testing.T) {
	// credit_after_sweep 模式: 只捞已归集未入账的记录
	db, repo := newTestRepo(t)
	crediter := NewCrediter(repo, repo, 0)
	ctx := context.Background()

	swept := &domain.Deposit{
		UserID:         3001,
		Network:        domain.NetworkSOL,
		TxHash:         "sig_swept",
		DepositAddress: "Soldeposit1",
		RawAmount:      decimal.NewFromInt(30),
		AmountUsd:      decimal.NewFromInt(30),
		PriceUsed:      decimal.NewFromInt(1),
		Status:         domain.DepositStatusSwept,
		DetectedAt:     time.Now(),
	}
	confirmed := &domain.Deposit{
		UserID:         3001,
		Network:        domain.NetworkSOL,
		TxHash:         "sig_confirmed",
		DepositAddress: "Soldeposit1",
		RawAmount:      decimal.NewFromInt(70),
		AmountUsd:      decimal.NewFromInt(70),
		PriceUsed:      decimal.NewFromInt(1),
		Status:         domain.DepositStatusConfirmed,
		DetectedAt:     time.Now(),
	}
	require.NoError(t, db.Create(swept).Error)
	require.NoError(t, db.Create(confirmed).Error)

	report := domain.NewCycleReport(domain.NetworkSOL)
	crediter.CreditNetwork(ctx, domain.NetworkSOL, true, report)

	// 只有 SWEPT 的那笔入账；CONFIRMED 的要等归集
	assert.Equal(t, 1, report.Credited)

	balance, err := repo.GetBalance(ctx, 3001)
	require.NoError(t, err)
	assert.True(t, balance.BalanceUsd.Equal(decimal.NewFromInt(30)),
		"余额应该是 30，实际 %s", balance.BalanceUsd)

	// SWEPT 的行保持 SWEPT，只补 credited_at
	updated, err := repo.GetByID(ctx, swept.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusSwept, updated.Status)
	assert.NotNil(t, updated.CreditedAt)

	// 再跑一轮不会重复入账
	report2 := domain.NewCycleReport(domain.NetworkSOL)
	crediter.CreditNetwork(ctx, domain.NetworkSOL, true, report2)
	assert.Equal(t, 0, report2.Credited)
}

func TestForceCredit_StatusGuard(t *testing.T) {
	db, repo := newTestRepo(t)
	crediter := NewCrediter(repo, repo, 0)
	ctx := context.Background()

	detected := &domain.Deposit{
		UserID:         4001,
		Network:        domain.NetworkETH,
		TxHash:         "0xdetected",
		DepositAddress: "0xdeposit4",
		RawAmount:      decimal.NewFromInt(10),
		Status:         domain.DepositStatusDetected,
		DetectedAt:     time.Now(),
	}
	require.NoError(t, db.Create(detected).Error)

	// 还没定价确认的记录不允许强制入账
	err := crediter.ForceCredit(ctx, detected.ID)
	assert.Error(t, err)

	// 不存在的 ID
	err = crediter.ForceCredit(ctx, 99999)
	assert.Error(t, err)

	balance, err := repo.GetBalance(ctx, 4001)
	require.NoError(t, err)
	assert.True(t, balance.BalanceUsd.IsZero())
}
