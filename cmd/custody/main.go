package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	custodyconf "custodex.com/internal/custody/config"
	"custodex.com/internal/custody/core/handler"
	"custodex.com/internal/custody/core/service"
	"custodex.com/internal/custody/domain"
	"custodex.com/internal/custody/infra/ethereum"
	"custodex.com/internal/custody/infra/persistence"
	"custodex.com/internal/custody/infra/pricing"
	"custodex.com/internal/custody/infra/solana"
	"custodex.com/internal/custody/infra/tron"
	"custodex.com/pkg/backoff"
	"custodex.com/pkg/config"
	"custodex.com/pkg/hdwallet"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/orm"
	"custodex.com/pkg/safe"
	"custodex.com/pkg/xredis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置 (etc/custody.yaml，支持热更新和环境变量覆盖)
	var c custodyconf.Config
	if _, err := config.LoadAndWatch("custody", &c); err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// 2. 初始化基础设施
	logger.Init(c.Name, c.LogLevel)
	defer logger.Sync()

	db := orm.NewMySQL(&orm.Config{
		DSN:         c.Mysql.DataSource,
		MaxIdle:     c.Mysql.MaxIdle,
		MaxOpen:     c.Mysql.MaxOpen,
		MaxLifetime: c.Mysql.MaxLifetime,
	})

	// redis 可选: 单进程部署时进程内锁已足够
	var rdb *redis.Client
	if c.Redis.Addr != "" {
		rdb = xredis.NewRedis(&xredis.Config{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Repo
	repo := persistence.New(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Fatal(ctx, "migrate failed", zap.Error(err))
	}

	// 4. 派生钱包与金库 key
	wallet, err := hdwallet.New(c.MasterMnemonic)
	if err != nil {
		logger.Fatal(ctx, "hd wallet init failed", zap.Error(err))
	}
	master := service.NewMasterKeyProvider(wallet, c.Networks)

	// 5. 链适配器 (只建启用的)
	adapters := buildAdapters(ctx, &c, master)
	if len(adapters) == 0 {
		logger.Fatal(ctx, "no network enabled")
	}

	// 6. 业务服务
	registry := service.NewAddressRegistry(repo, wallet)
	price := pricing.New(c.Pricing.ApiKey, time.Duration(c.Pricing.CacheTtlSec)*time.Second)

	policy := backoff.Default()
	if c.Confirm.MaxRetries > 0 {
		policy.MaxAttempts = c.Confirm.MaxRetries
	}
	if c.Confirm.BackoffCapMin > 0 {
		policy.Cap = time.Duration(c.Confirm.BackoffCapMin) * time.Minute
	}

	detector := service.NewDetector(repo, repo, c.BatchSize)
	confirmer := service.NewConfirmer(repo, price, policy, c.BatchSize)
	crediter := service.NewCrediter(repo, repo, c.BatchSize)
	sweeper := service.NewSweeper(adapters, repo, repo, registry, master, &c, rdb)
	custody := service.NewCustody(detector, confirmer, crediter, sweeper, &c)

	logger.Info(ctx, "✅ 托管服务初始化完成",
		zap.Int("networks", len(adapters)),
		zap.String("addr", c.Http.Addr))

	// 7. HTTP 触发面
	srv := handler.NewRouter(&c, handler.New(custody, registry, repo))
	safe.Go(func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http server failed", zap.Error(err))
		}
	})

	// 8. 优雅退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "Shutdown signal received...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown failed", zap.Error(err))
	}
	cancel()
}

func buildAdapters(ctx context.Context, c *custodyconf.Config, master *service.MasterKeyProvider) map[string]domain.ChainAdapter {
	adapters := make(map[string]domain.ChainAdapter, len(c.Networks))

	for name, nc := range c.Networks {
		if !nc.Enabled {
			continue
		}

		bump := backoff.DefaultFeeBump()
		if nc.FeeBumpPercent > 0 {
			bump.BumpPercent = nc.FeeBumpPercent
		}
		if nc.FeeBumpAttempts > 0 {
			bump.MaxAttempts = nc.FeeBumpAttempts
		}
		if nc.FeeBumpDelaySec > 0 {
			bump.Delay = time.Duration(nc.FeeBumpDelaySec) * time.Second
		}

		switch name {
		case domain.NetworkETH:
			a, err := ethereum.New(&ethereum.Config{
				NodeUrl:         nc.RpcUrl,
				TokenContract:   nc.TokenContract,
				TokenSymbol:     nc.TokenSymbol,
				TokenDecimals:   nc.TokenDecimals,
				Confirmations:   nc.Confirmations,
				SafetyBufferPct: nc.GasSafetyBufferPct,
				Bump:            bump,
			})
			if err != nil {
				logger.Fatal(ctx, "eth adapter init failed", zap.Error(err))
			}
			adapters[name] = a

		case domain.NetworkTRON:
			a, err := tron.New(&tron.Config{
				NodeUrl:         nc.RpcUrl,
				ApiKey:          nc.ApiKey,
				TokenContract:   nc.TokenContract,
				TokenDecimals:   nc.TokenDecimals,
				Confirmations:   nc.Confirmations,
				SafetyBufferPct: nc.GasSafetyBufferPct,
			})
			if err != nil {
				logger.Fatal(ctx, "tron adapter init failed", zap.Error(err))
			}
			adapters[name] = a

		case domain.NetworkSOL:
			// SOL 归集由金库代付手续费
			_, treasuryPriv, err := master.TreasuryKey(name)
			if err != nil {
				logger.Fatal(ctx, "sol treasury key failed", zap.Error(err))
			}
			a, err := solana.New(&solana.Config{
				NodeUrl:        nc.RpcUrl,
				TokenMint:      nc.TokenContract,
				TokenDecimals:  nc.TokenDecimals,
				Confirmations:  nc.Confirmations,
				FeePayerKeyHex: treasuryPriv,
			})
			if err != nil {
				logger.Fatal(ctx, "sol adapter init failed", zap.Error(err))
			}
			adapters[name] = a

		default:
			logger.Warn(ctx, "未知网络配置，忽略", zap.String("network", name))
		}
	}

	return adapters
}
