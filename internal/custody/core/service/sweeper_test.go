package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"custodex.com/internal/custody/config"
	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/hdwallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sweepFixture struct {
	db       *gorm.DB
	repo     sweepRepo
	registry *AddressRegistry
	master   *MasterKeyProvider
	adapter  *fakeAdapter
	sweeper  *Sweeper
	cfg      *config.Config
	treasury string
}

type sweepRepo interface {
	domain.DepositRepo
	domain.WalletRepo
	domain.LedgerRepo
}

func newSweepFixture(t *testing.T, network string, nc config.NetworkConfig) *sweepFixture {
	t.Helper()

	db, repo := newTestRepo(t)
	wallet, err := hdwallet.New(testMnemonic)
	require.NoError(t, err)

	cfg := &config.Config{
		Networks:  map[string]config.NetworkConfig{network: nc},
		BatchSize: 50,
	}
	cfg.Sweep.FundingCooldownMin = 10
	cfg.Sweep.FundingConfirmTimeoutSec = 5

	registry := NewAddressRegistry(repo, wallet)
	master := NewMasterKeyProvider(wallet, cfg.Networks)
	adapter := newFakeAdapter(network)

	sweeper := NewSweeper(
		map[string]domain.ChainAdapter{network: adapter},
		repo, repo, registry, master, cfg, nil,
	)

	treasuryAddr, _, err := master.TreasuryKey(network)
	require.NoError(t, err)

	return &sweepFixture{
		db:       db,
		repo:     repo,
		registry: registry,
		master:   master,
		adapter:  adapter,
		sweeper:  sweeper,
		cfg:      cfg,
		treasury: treasuryAddr,
	}
}

func (f *sweepFixture) addDeposit(t *testing.T, address string, userID int64, usd string, status domain.DepositStatus, tx string) *domain.Deposit {
	t.Helper()
	d := &domain.Deposit{
		UserID:         userID,
		Network:        f.adapter.network,
		TxHash:         tx,
		DepositAddress: address,
		RawAmount:      decimal.RequireFromString(usd),
		AmountUsd:      decimal.RequireFromString(usd),
		PriceUsed:      decimal.NewFromInt(1),
		Status:         status,
		DetectedAt:     time.Now(),
	}
	require.NoError(t, f.db.Create(d).Error)
	return d
}

func TestSweepNetwork_NoFundingNeeded(t *testing.T) {
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: true,
		TreasuryMinReserve: 0.5, HourlyFundingCap: 1,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 1001, domain.NetworkETH)
	require.NoError(t, err)

	// 原生币足够付矿工费，不应该触发垫资
	// 链上余额 250 > 已入账之和 200: 多出来的 50 是在途/粉尘，留在原地
	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("250")
	f.adapter.nativeBalances[w.Address] = decimal.RequireFromString("0.05")
	f.adapter.fee = decimal.RequireFromString("0.03")

	d1 := f.addDeposit(t, w.Address, 1001, "120", domain.DepositStatusCredited, "0xd1")
	d2 := f.addDeposit(t, w.Address, 1001, "80", domain.DepositStatusCredited, "0xd2")

	report := domain.NewCycleReport(domain.NetworkETH)
	f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)

	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, report.Swept)
	assert.Empty(t, f.adapter.sentNative, "不应该垫资")
	require.Len(t, f.adapter.sentToken, 1, "同地址的两笔充值应该一笔归集")
	assert.Equal(t, f.treasury, f.adapter.sentToken[0].To)
	assert.True(t, f.adapter.sentToken[0].Amount.Equal(decimal.RequireFromString("200")),
		"归集的是已入账记录之和，不是链上余额")

	// 两条记录同一个归集 tx
	for _, id := range []int64{d1.ID, d2.ID} {
		updated, err := f.repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.DepositStatusSwept, updated.Status)
		assert.NotEmpty(t, updated.SweepTxID)
	}
}

func TestSweepNetwork_LeavesUncreditedFunds(t *testing.T) {
	// 同地址上已入账 100 + 还没入账的在途 50:
	// 只能动已入账的 100，用户没记上账的钱绝不离开充值地址
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: false,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 1501, domain.NetworkETH)
	require.NoError(t, err)

	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("150")

	credited := f.addDeposit(t, w.Address, 1501, "100", domain.DepositStatusCredited, "0xc1")
	pending := f.addDeposit(t, w.Address, 1501, "50", domain.DepositStatusDetected, "0xp1")

	report := domain.NewCycleReport(domain.NetworkETH)
	f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)

	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Swept)
	require.Len(t, f.adapter.sentToken, 1)
	assert.True(t, f.adapter.sentToken[0].Amount.Equal(decimal.RequireFromString("100")),
		"应该只归集已入账的 100，实际归集了 %s", f.adapter.sentToken[0].Amount)

	updatedCredited, err := f.repo.GetByID(ctx, credited.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusSwept, updatedCredited.Status)

	updatedPending, err := f.repo.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusDetected, updatedPending.Status, "在途记录不受影响")
	assert.Empty(t, updatedPending.SweepTxID)
}

func TestSweepNetwork_CapsAtOnchainBalance(t *testing.T) {
	// 链上余额低于记录之和 (比如上一轮归集了一部分): 封顶到实际余额
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: false,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 1601, domain.NetworkETH)
	require.NoError(t, err)

	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("180")
	f.addDeposit(t, w.Address, 1601, "200", domain.DepositStatusCredited, "0xc2")

	report := domain.NewCycleReport(domain.NetworkETH)
	f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)

	assert.Empty(t, report.Errors)
	require.Len(t, f.adapter.sentToken, 1)
	assert.True(t, f.adapter.sentToken[0].Amount.Equal(decimal.RequireFromString("180")))
}

func TestSweepNetwork_GasFundingExactShortfall(t *testing.T) {
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: true,
		TreasuryMinReserve: 0.5, HourlyFundingCap: 1,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 2001, domain.NetworkETH)
	require.NoError(t, err)

	// 缺 0.02: fee 0.03，手里只有 0.01
	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("500")
	f.adapter.nativeBalances[w.Address] = decimal.RequireFromString("0.01")
	f.adapter.nativeBalances[f.treasury] = decimal.RequireFromString("10")
	f.adapter.fee = decimal.RequireFromString("0.03")

	d := f.addDeposit(t, w.Address, 2001, "500", domain.DepositStatusCredited, "0xd3")

	report := domain.NewCycleReport(domain.NetworkETH)
	f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)

	assert.Empty(t, report.Errors)
	require.Len(t, f.adapter.sentNative, 1)
	assert.Equal(t, w.Address, f.adapter.sentNative[0].To)
	assert.True(t, f.adapter.sentNative[0].Amount.Equal(decimal.RequireFromString("0.02")),
		"只垫差额 0.02，实际垫了 %s", f.adapter.sentNative[0].Amount)
	require.Len(t, f.adapter.sentToken, 1)

	// 垫资簿记: 钱包和充值记录都要留痕
	updatedWallet, err := f.repo.GetWalletByAddress(ctx, domain.NetworkETH, w.Address)
	require.NoError(t, err)
	assert.NotEmpty(t, updatedWallet.GasFundingTxID)
	assert.NotNil(t, updatedWallet.GasFundedAt)

	updated, err := f.repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.FundingTxID)
	assert.Equal(t, domain.DepositStatusSwept, updated.Status)
}

func TestSweepNetwork_InsufficientReserve(t *testing.T) {
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: true,
		TreasuryMinReserve: 1.0, HourlyFundingCap: 1,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 3001, domain.NetworkETH)
	require.NoError(t, err)

	// 金库垫完就跌破储备线: 1.01 - 0.03 < 1.0
	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("500")
	f.adapter.nativeBalances[w.Address] = decimal.Zero
	f.adapter.nativeBalances[f.treasury] = decimal.RequireFromString("1.01")
	f.adapter.fee = decimal.RequireFromString("0.03")

	d := f.addDeposit(t, w.Address, 3001, "500", domain.DepositStatusCredited, "0xd4")

	report := domain.NewCycleReport(domain.NetworkETH)
	f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)

	require.NotEmpty(t, report.Errors)
	assert.Contains(t, strings.Join(report.Errors, ";"), "601", "应该是金库储备不足错误码")
	assert.Empty(t, f.adapter.sentNative, "储备不足不允许垫资")
	assert.Empty(t, f.adapter.sentToken, "没垫上资不可能归集成功")

	updated, err := f.repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusCredited, updated.Status, "下一轮还能重试")
}

func TestSweepNetwork_HourlyFundingCap(t *testing.T) {
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: true,
		TreasuryMinReserve: 0.1,
		HourlyFundingCap:   0.01, // 每小时最多垫 0.01，缺口 0.02 必然超额
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 4001, domain.NetworkETH)
	require.NoError(t, err)

	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("500")
	f.adapter.nativeBalances[w.Address] = decimal.RequireFromString("0.01")
	f.adapter.nativeBalances[f.treasury] = decimal.RequireFromString("10")
	f.adapter.fee = decimal.RequireFromString("0.03")

	f.addDeposit(t, w.Address, 4001, "500", domain.DepositStatusCredited, "0xd5")

	report := domain.NewCycleReport(domain.NetworkETH)
	f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)

	require.NotEmpty(t, report.Errors)
	assert.Contains(t, strings.Join(report.Errors, ";"), "602", "应该是垫资限额错误码")
	assert.Empty(t, f.adapter.sentNative)
	assert.Empty(t, f.adapter.sentToken)
}

func TestSweepNetwork_CreditAfterSweepEligibility(t *testing.T) {
	// 归集后入账模式: 捞 CONFIRMED 而不是 CREDITED
	f := newSweepFixture(t, domain.NetworkSOL, config.NetworkConfig{
		Enabled: true, CreditAfterSweep: true, RequiresGasFunding: false,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 5001, domain.NetworkSOL)
	require.NoError(t, err)

	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("42")

	confirmed := f.addDeposit(t, w.Address, 5001, "42", domain.DepositStatusConfirmed, "sig_c")

	report := domain.NewCycleReport(domain.NetworkSOL)
	f.sweeper.SweepNetwork(ctx, domain.NetworkSOL, report)

	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Swept)
	assert.Empty(t, f.adapter.sentNative, "SOL 金库代付，永不垫资")
	require.Len(t, f.adapter.sentToken, 1)

	updated, err := f.repo.GetByID(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusSwept, updated.Status)
	assert.Nil(t, updated.CreditedAt, "入账要等下一个入账批次")
}

func TestSweepNetwork_SkipZeroBalance(t *testing.T) {
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: true,
		TreasuryMinReserve: 0.5, HourlyFundingCap: 1,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 6001, domain.NetworkETH)
	require.NoError(t, err)

	// 有 CREDITED 记录但余额为零 (比如已被上一轮归集)
	f.addDeposit(t, w.Address, 6001, "100", domain.DepositStatusCredited, "0xd6")

	report := domain.NewCycleReport(domain.NetworkETH)
	f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)

	assert.Empty(t, report.Errors)
	assert.Equal(t, 0, report.Swept)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, f.adapter.sentToken)
}

func TestSweepNetwork_SingleFlight(t *testing.T) {
	// 同一条链的归集批次串行: 后来的批次等前一批跑完
	// (同一个签名账户并发发交易会撞 nonce)
	f := newSweepFixture(t, domain.NetworkETH, config.NetworkConfig{
		Enabled: true, RequiresGasFunding: false,
	})
	ctx := context.Background()

	w, err := f.registry.GetOrCreate(ctx, 7001, domain.NetworkETH)
	require.NoError(t, err)
	f.adapter.tokenBalances[w.Address] = decimal.RequireFromString("100")
	f.addDeposit(t, w.Address, 7001, "100", domain.DepositStatusCredited, "0xd7")

	// 前一个批次持锁中
	lock := f.sweeper.networkLock(domain.NetworkETH)
	lock.Lock()

	done := make(chan *domain.CycleReport, 1)
	go func() {
		report := domain.NewCycleReport(domain.NetworkETH)
		f.sweeper.SweepNetwork(ctx, domain.NetworkETH, report)
		done <- report
	}()

	select {
	case <-done:
		t.Fatal("持锁期间新批次不应该开始")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, f.adapter.sentToken)

	lock.Unlock()

	// 前一批结束后阻塞的批次继续执行
	select {
	case report := <-done:
		assert.Equal(t, 1, report.Swept)
	case <-time.After(2 * time.Second):
		t.Fatal("锁释放后批次应该继续执行")
	}
	require.Len(t, f.adapter.sentToken, 1)
}
