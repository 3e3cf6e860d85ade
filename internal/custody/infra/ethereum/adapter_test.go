package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"custodex.com/pkg/backoff"
	"custodex.com/pkg/logger"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init("custody-ethereum-test", "info")
}

// fakeNode 节点替身: 前 rejects 次广播按 rejectErr 拒绝
type fakeNode struct {
	nonce     uint64
	tip       *big.Int
	baseFee   *big.Int
	rejects   int
	rejectErr error
	sent      []*types.Transaction
}

func (n *fakeNode) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (n *fakeNode) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (n *fakeNode) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (n *fakeNode) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not found")
}
func (n *fakeNode) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 60000, nil
}
func (n *fakeNode) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(n.tip), nil
}
func (n *fakeNode) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: new(big.Int).Set(n.baseFee)}, nil
}
func (n *fakeNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return n.nonce, nil
}
func (n *fakeNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	n.sent = append(n.sent, tx)
	if len(n.sent) <= n.rejects {
		return n.rejectErr
	}
	return nil
}

func newBumpAdapter(t *testing.T, node *fakeNode, bump backoff.FeeBump) *Adapter {
	t.Helper()
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return &Adapter{
		client:        node,
		chainID:       big.NewInt(1),
		abi:           parsedABI,
		token:         common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
		tokenDecimals: 6,
		confirmations: 1,
		bufferPct:     20,
		bump:          bump,
	}
}

func TestSendWithBump_EscalatesOnUnderpriced(t *testing.T) {
	// 连续三次 underpriced，第四次成交: 同一个 nonce，每次费率抬 15%
	node := &fakeNode{
		nonce:     7,
		tip:       big.NewInt(1_000_000_000),  // 1 gwei
		baseFee:   big.NewInt(50_000_000_000), // 50 gwei
		rejects:   3,
		rejectErr: errors.New("replacement transaction underpriced"),
	}
	a := newBumpAdapter(t, node, backoff.FeeBump{
		MaxAttempts: 5, BumpPercent: 15, Delay: time.Millisecond,
	})

	priv := strings.Repeat("0", 63) + "1"
	hash, err := a.SendNative(context.Background(), priv,
		"0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	require.Len(t, node.sent, 4)
	assert.Equal(t, node.sent[3].Hash().Hex(), hash, "返回的是最终成交那笔的哈希")

	// MaxFee = 2×BaseFee + Tip = 101 gwei 起步，每次整体抬 15% (整除向下取整)
	wantTips := []int64{1_000_000_000, 1_150_000_000, 1_322_500_000, 1_520_875_000}
	wantCaps := []int64{101_000_000_000, 116_150_000_000, 133_572_500_000, 153_608_375_000}
	for i, tx := range node.sent {
		assert.Equal(t, uint64(7), tx.Nonce(), "重广播必须复用同一个 nonce")
		assert.Equal(t, wantTips[i], tx.GasTipCap().Int64(), "attempt %d tip", i)
		assert.Equal(t, wantCaps[i], tx.GasFeeCap().Int64(), "attempt %d feeCap", i)
		assert.Equal(t, uint64(21000), tx.Gas())
	}
	// 金额不随提价变化
	assert.Equal(t, "500000000000000000", node.sent[3].Value().String())
}

func TestSendWithBump_NonRetriableAborts(t *testing.T) {
	node := &fakeNode{
		nonce:     3,
		tip:       big.NewInt(1_000_000_000),
		baseFee:   big.NewInt(50_000_000_000),
		rejects:   10,
		rejectErr: errors.New("insufficient funds for gas * price + value"),
	}
	a := newBumpAdapter(t, node, backoff.FeeBump{
		MaxAttempts: 5, BumpPercent: 15, Delay: time.Millisecond,
	})

	priv := strings.Repeat("0", 63) + "1"
	_, err := a.SendNative(context.Background(), priv,
		"0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", decimal.RequireFromString("0.1"))
	require.Error(t, err)
	assert.Len(t, node.sent, 1, "不可重试的拒绝不应该重广播")
}

func TestSendWithBump_AttemptsExhausted(t *testing.T) {
	node := &fakeNode{
		nonce:     5,
		tip:       big.NewInt(1_000_000_000),
		baseFee:   big.NewInt(50_000_000_000),
		rejects:   10,
		rejectErr: errors.New("already known"),
	}
	a := newBumpAdapter(t, node, backoff.FeeBump{
		MaxAttempts: 4, BumpPercent: 15, Delay: time.Millisecond,
	})

	priv := strings.Repeat("0", 63) + "1"
	_, err := a.SendNative(context.Background(), priv,
		"0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", decimal.RequireFromString("0.1"))
	require.Error(t, err)
	assert.Len(t, node.sent, 4, "达到次数上限后放弃")
	assert.Contains(t, err.Error(), "already known")
}

func TestIsRetriableBroadcastErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"同价替换被拒", errors.New("replacement transaction underpriced"), true},
		{"节点已知交易", errors.New("already known"), true},
		{"nonce 过低", errors.New("nonce too low"), true},
		{"大小写不敏感", errors.New("Replacement Transaction Underpriced"), true},
		{"余额不足不可重试", errors.New("insufficient funds for gas * price + value"), false},
		{"gas 上限超标不可重试", errors.New("exceeds block gas limit"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriableBroadcastErr(tt.err))
		})
	}
}

func TestBumpBig(t *testing.T) {
	// 15% 提价，整数除法向下取整
	assert.Equal(t, int64(115), bumpBig(big.NewInt(100), 15).Int64())
	assert.Equal(t, int64(113), bumpBig(big.NewInt(99), 15).Int64())
	assert.Equal(t, int64(0), bumpBig(big.NewInt(0), 15).Int64())

	// 连续提价是复利
	v := big.NewInt(1_000_000_000) // 1 gwei
	for i := 0; i < 3; i++ {
		v = bumpBig(v, 10)
	}
	assert.Equal(t, int64(1_331_000_000), v.Int64())

	// 原值不被改写
	orig := big.NewInt(200)
	_ = bumpBig(orig, 50)
	assert.Equal(t, int64(200), orig.Int64())
}

func TestWeiToDecimal(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.True(t, weiToDecimal(wei, 18).Equal(decimal.RequireFromString("1.5")))

	// USDT 6 位精度
	assert.True(t, weiToDecimal(big.NewInt(12_500_000), 6).Equal(decimal.RequireFromString("12.5")))
	assert.True(t, weiToDecimal(big.NewInt(0), 18).IsZero())

	// 1 wei 不丢精度
	assert.Equal(t, "0.000000000000000001", weiToDecimal(big.NewInt(1), 18).String())
}
