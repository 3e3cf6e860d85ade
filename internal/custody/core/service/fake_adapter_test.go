package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"custodex.com/internal/custody/domain"
	"custodex.com/internal/custody/infra/persistence"
	"custodex.com/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	// 初始化 logger，避免测试时 panic
	logger.Init("custody-service-test", "info")
}

const testMnemonic = "test test test test test test test test test test test junk"

// newTestRepo 内存 SQLite + 全量迁移
// TranslateError 必须开: 入账幂等靠 gorm.ErrDuplicatedKey 判断
func newTestRepo(t *testing.T) (*gorm.DB, *persistence.Repo) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	repo := persistence.New(db)
	require.NoError(t, repo.AutoMigrate())
	return db, repo
}

type sentTx struct {
	To     string
	Amount decimal.Decimal
}

// fakeAdapter 链适配器测试替身
// 模拟余额簿: SendNative 给目标地址加原生币，SendToken 清空来源代币
type fakeAdapter struct {
	mu      sync.Mutex
	network string

	tokenBalances  map[string]decimal.Decimal
	nativeBalances map[string]decimal.Decimal
	transfers      map[string][]string               // address -> 候选 tx
	parsed         map[string]*domain.ParsedTransfer // txHash -> 解析结果

	fee decimal.Decimal // EstimateTransferFee 固定返回值

	sentNative []sentTx
	sentToken  []sentTx

	sendTokenErr  error
	sendNativeErr error
	waitErr       error
	txSeq         int
}

func newFakeAdapter(network string) *fakeAdapter {
	return &fakeAdapter{
		network:        network,
		tokenBalances:  make(map[string]decimal.Decimal),
		nativeBalances: make(map[string]decimal.Decimal),
		transfers:      make(map[string][]string),
		parsed:         make(map[string]*domain.ParsedTransfer),
	}
}

func (f *fakeAdapter) Network() string { return f.network }

func (f *fakeAdapter) GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nativeBalances[address], nil
}

func (f *fakeAdapter) GetTokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenBalances[address], nil
}

func (f *fakeAdapter) ListRecentTransfers(ctx context.Context, address string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers[address], nil
}

func (f *fakeAdapter) GetParsedTransfer(ctx context.Context, txHash, address string) (*domain.ParsedTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parsed[txHash], nil
}

func (f *fakeAdapter) EstimateTransferFee(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	return f.fee, nil
}

func (f *fakeAdapter) SendNative(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendNativeErr != nil {
		return "", f.sendNativeErr
	}
	f.sentNative = append(f.sentNative, sentTx{To: to, Amount: amount})
	f.nativeBalances[to] = f.nativeBalances[to].Add(amount)
	f.txSeq++
	return fmt.Sprintf("native_tx_%d", f.txSeq), nil
}

func (f *fakeAdapter) SendToken(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendTokenErr != nil {
		return "", f.sendTokenErr
	}
	f.sentToken = append(f.sentToken, sentTx{To: to, Amount: amount})
	f.tokenBalances[to] = f.tokenBalances[to].Add(amount)
	f.txSeq++
	return fmt.Sprintf("token_tx_%d", f.txSeq), nil
}

func (f *fakeAdapter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	return f.waitErr
}
