package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custodex.com/internal/custody/config"
	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/ratelimit"
	"custodex.com/pkg/xerr"
	"custodex.com/pkg/xredis"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sweeper 金库归集
// 每条链同一时刻只允许一个归集批次在跑: 同一个签名账户并发发交易会撞 nonce。
// 进程内后来者阻塞等前一批跑完，多实例部署再叠一层 redis 分布式锁
type Sweeper struct {
	adapters    map[string]domain.ChainAdapter
	depositRepo domain.DepositRepo
	walletRepo  domain.WalletRepo
	registry    *AddressRegistry
	master      *MasterKeyProvider
	cfg         *config.Config
	rdb         *redis.Client // 可以为 nil (单进程部署)

	// 垫资限流: 每条链每小时最多垫出去多少原生币 (按百万分之一币为单位记账)
	fundingLimits map[string]*ratelimit.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSweeper(
	adapters map[string]domain.ChainAdapter,
	depositRepo domain.DepositRepo,
	walletRepo domain.WalletRepo,
	registry *AddressRegistry,
	master *MasterKeyProvider,
	cfg *config.Config,
	rdb *redis.Client,
) *Sweeper {
	limits := make(map[string]*ratelimit.Store, len(cfg.Networks))
	for name, nc := range cfg.Networks {
		if nc.HourlyFundingCap <= 0 {
			continue
		}
		units := int(nc.HourlyFundingCap * 1e6)
		limits[name] = ratelimit.NewStore(rate.Limit(float64(units)/3600), units, time.Hour)
	}

	return &Sweeper{
		adapters:      adapters,
		depositRepo:   depositRepo,
		walletRepo:    walletRepo,
		registry:      registry,
		master:        master,
		cfg:           cfg,
		rdb:           rdb,
		fundingLimits: limits,
		locks:         make(map[string]*sync.Mutex, len(adapters)),
	}
}

// SweepNetwork 归集一条链上所有可归集地址
func (s *Sweeper) SweepNetwork(ctx context.Context, network string, report *domain.CycleReport) {
	adapter, ok := s.adapters[network]
	if !ok {
		report.AddError("no adapter for %s", network)
		return
	}
	nc, ok := s.cfg.Networks[network]
	if !ok {
		report.AddError("no config for %s", network)
		return
	}

	// 进程内串行: 等上一个批次跑完再开始
	lock := s.networkLock(network)
	lock.Lock()
	defer lock.Unlock()

	// 跨进程互斥 (配了 redis 才启用)
	if s.rdb != nil {
		dl := xredis.NewDistLock(s.rdb, "custody:sweep:"+network, 5*time.Minute)
		got, err := dl.TryLock(ctx)
		if err != nil {
			report.AddError("sweep lock %s: %v", network, err)
			return
		}
		if !got {
			logger.Warn(ctx, "归集锁被其他实例持有，跳过", zap.String("network", network))
			report.Skipped++
			return
		}
		defer dl.Unlock(ctx) //nolint:errcheck
	}

	treasuryAddr, treasuryPriv, err := s.master.TreasuryKey(network)
	if err != nil {
		report.AddError("treasury key %s: %v", network, err)
		return
	}

	addresses, err := s.depositRepo.SweepableAddresses(ctx, network, sweepEligibleStatus(&nc))
	if err != nil {
		report.AddError("sweepable addresses: %v", err)
		return
	}

	for _, addr := range addresses {
		s.sweepAddress(ctx, adapter, &nc, addr, treasuryAddr, treasuryPriv, report)
	}

	logger.Info(ctx, "🧹 归集批次完成",
		zap.String("network", network),
		zap.Int("addresses", len(addresses)),
		zap.Int("swept", report.Swept))
}

func (s *Sweeper) sweepAddress(ctx context.Context, adapter domain.ChainAdapter, nc *config.NetworkConfig, address, treasuryAddr, treasuryPriv string, report *domain.CycleReport) {
	network := adapter.Network()

	wallet, err := s.walletRepo.GetWalletByAddress(ctx, network, address)
	if err != nil {
		report.AddError("wallet %s: %v", address, err)
		return
	}
	if wallet == nil {
		report.AddError("wallet %s: not in registry", address)
		return
	}

	deposits, err := s.depositRepo.FindForAddress(ctx, network, address, sweepEligibleStatus(nc))
	if err != nil {
		report.AddError("deposits for %s: %v", address, err)
		return
	}
	if len(deposits) == 0 {
		report.Skipped++
		return
	}
	// 归集额 = 本批可归集记录之和，封顶到链上实际余额。
	// 地址上多出来的部分 (在途的未入账充值、历史粉尘) 留在原地:
	// 钱没给用户记账之前绝不挪走
	ids := make([]int64, 0, len(deposits))
	sweepAmount := decimal.Zero
	for _, d := range deposits {
		ids = append(ids, d.ID)
		sweepAmount = sweepAmount.Add(d.RawAmount)
	}

	balance, err := adapter.GetTokenBalance(ctx, address)
	if err != nil {
		report.AddError("token balance %s: %v", address, err)
		return
	}
	if balance.LessThan(sweepAmount) {
		sweepAmount = balance
	}
	if !sweepAmount.IsPositive() {
		report.Skipped++
		return
	}

	// 垫资子流程 (ETH/TRON: 用户地址自己付矿工费，不够金库先垫)
	if nc.RequiresGasFunding {
		if err := s.ensureGasFunded(ctx, adapter, nc, wallet, ids, treasuryAddr, treasuryPriv, sweepAmount); err != nil {
			report.AddError("gas funding %s: %v", address, err)
			return
		}
	}

	priv, err := s.registry.WalletPrivKey(wallet)
	if err != nil {
		report.AddError("priv key %s: %v", address, err)
		return
	}

	txid, err := adapter.SendToken(ctx, priv, treasuryAddr, sweepAmount)
	if err != nil {
		report.AddError("sweep %s: %v", address, err)
		return
	}

	if err := s.depositRepo.MarkSwept(ctx, ids, txid, time.Now()); err != nil {
		// 钱已经在路上了，落库失败必须喊出来
		logger.Error(ctx, "❌ 归集已广播但落库失败",
			zap.String("network", network),
			zap.String("address", address),
			zap.String("tx", txid),
			zap.Error(err))
		report.AddError("mark swept %s tx=%s: %v", address, txid, err)
		return
	}

	report.Swept += len(ids)
	logger.Info(ctx, "✅ 地址归集完成",
		zap.String("network", network),
		zap.String("address", address),
		zap.String("amount", sweepAmount.String()),
		zap.String("tx", txid))

	// 归集后入账模式: 等链上终态，下一轮入账批次才会捞到这批记录
	if nc.CreditAfterSweep {
		timeout := time.Duration(s.cfg.Sweep.FundingConfirmTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		if err := adapter.WaitForConfirmation(ctx, txid, timeout); err != nil {
			report.AddError("sweep confirm %s tx=%s: %v", address, txid, err)
		}
	}
}

// ensureGasFunded 垫资子流程
//  1. 重估矿工费 (费率市场波动，绝不用旧值)
//  2. 原生币余额够就直接归集
//  3. 冷却期内有在途垫资，等它落地后复查，不再发第二笔
//  4. 缺口按差额垫: 金库储备、小时限额两道风控都过了才放款
func (s *Sweeper) ensureGasFunded(ctx context.Context, adapter domain.ChainAdapter, nc *config.NetworkConfig, wallet *domain.WalletAddress, depositIDs []int64, treasuryAddr, treasuryPriv string, sweepAmount decimal.Decimal) error {
	network := adapter.Network()

	fee, err := adapter.EstimateTransferFee(ctx, wallet.Address, treasuryAddr, sweepAmount)
	if err != nil {
		return fmt.Errorf("estimate fee: %w", err)
	}
	native, err := adapter.GetNativeBalance(ctx, wallet.Address)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	if native.GreaterThanOrEqual(fee) {
		return nil
	}

	confirmTimeout := time.Duration(s.cfg.Sweep.FundingConfirmTimeoutSec) * time.Second
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}

	// 冷却期: 刚垫过的地址先等在途交易，防止重复放款
	cooldown := time.Duration(s.cfg.Sweep.FundingCooldownMin) * time.Minute
	if wallet.GasFundedAt != nil && time.Since(*wallet.GasFundedAt) < cooldown && wallet.GasFundingTxID != "" {
		logger.Info(ctx, "⏳ 垫资冷却期，等待在途交易",
			zap.String("address", wallet.Address),
			zap.String("funding_tx", wallet.GasFundingTxID))
		if err := adapter.WaitForConfirmation(ctx, wallet.GasFundingTxID, confirmTimeout); err != nil {
			return fmt.Errorf("pending funding %s: %w", wallet.GasFundingTxID, err)
		}
		native, err = adapter.GetNativeBalance(ctx, wallet.Address)
		if err != nil {
			return fmt.Errorf("native balance after funding: %w", err)
		}
		if native.GreaterThanOrEqual(fee) {
			return nil
		}
		return fmt.Errorf("still short after pending funding (have %s need %s)", native, fee)
	}

	// 只垫差额，不垫整额
	shortfall := fee.Sub(native)

	// 风控一: 垫完金库自己还得留够储备
	treasuryNative, err := adapter.GetNativeBalance(ctx, treasuryAddr)
	if err != nil {
		return fmt.Errorf("treasury balance: %w", err)
	}
	minReserve := decimal.NewFromFloat(nc.TreasuryMinReserve)
	if treasuryNative.Sub(shortfall).LessThan(minReserve) {
		logger.Error(ctx, "❌ 金库储备不足，拒绝垫资",
			zap.String("network", network),
			zap.String("treasury", treasuryNative.String()),
			zap.String("shortfall", shortfall.String()),
			zap.String("min_reserve", minReserve.String()))
		return xerr.NewErrCode(xerr.InsufficientReserve)
	}

	// 风控二: 小时垫资限额 (按百万分之一币为单位扣额度)
	if limiter, ok := s.fundingLimits[network]; ok {
		units := int(shortfall.Shift(6).IntPart())
		if units < 1 {
			units = 1
		}
		if !limiter.AllowN("funding:"+network, units) {
			logger.Warn(ctx, "⚠️ 小时垫资限额已用完",
				zap.String("network", network),
				zap.String("shortfall", shortfall.String()))
			return xerr.NewErrCode(xerr.FundingRateCapped)
		}
	}

	txid, err := adapter.SendNative(ctx, treasuryPriv, wallet.Address, shortfall)
	if err != nil {
		return fmt.Errorf("send funding: %w", err)
	}

	now := time.Now()
	if err := s.walletRepo.SetGasFunding(ctx, wallet.ID, txid, now); err != nil {
		logger.Error(ctx, "垫资已广播但落库失败",
			zap.String("address", wallet.Address),
			zap.String("tx", txid),
			zap.Error(err))
	}
	if err := s.depositRepo.SetFunding(ctx, depositIDs, txid, now); err != nil {
		logger.Error(ctx, "垫资流水落库失败", zap.String("tx", txid), zap.Error(err))
	}

	logger.Info(ctx, "⛽ 垫资已发出",
		zap.String("network", network),
		zap.String("address", wallet.Address),
		zap.String("amount", shortfall.String()),
		zap.String("tx", txid))

	if err := adapter.WaitForConfirmation(ctx, txid, confirmTimeout); err != nil {
		return fmt.Errorf("funding confirm %s: %w", txid, err)
	}
	return nil
}

func (s *Sweeper) networkLock(network string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[network]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[network] = l
	return l
}

// sweepEligibleStatus 归集捞哪个状态:
// 常规模式先入账再归集 (CREDITED)；归集后入账模式反过来 (CONFIRMED)
func sweepEligibleStatus(nc *config.NetworkConfig) domain.DepositStatus {
	if nc.CreditAfterSweep {
		return domain.DepositStatusConfirmed
	}
	return domain.DepositStatusCredited
}
