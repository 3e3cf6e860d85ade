package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/backoff"
	"custodex.com/pkg/logger"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ERC-20 Transfer 事件哈希: Keccak256("Transfer(address,address,uint256)")
const TransferEventHash = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

const erc20ABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"payable":false,"stateMutability":"nonpayable","type":"function"},{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

// 扫描窗口: 只在最近这么多个块里找充值候选
const scanBlockWindow = 2000

type Config struct {
	NodeUrl         string
	TokenContract   string
	TokenSymbol     string
	TokenDecimals   int32
	Confirmations   int64
	SafetyBufferPct int64 // 费用估算加成百分比
	Bump            backoff.FeeBump
}

// ethClient 适配器依赖的节点能力子集
type ethClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type Adapter struct {
	client        ethClient
	chainID       *big.Int
	abi           abi.ABI
	token         common.Address
	tokenDecimals int32
	confirmations int64
	bufferPct     int64
	bump          backoff.FeeBump
}

// 确保实现接口
var _ domain.ChainAdapter = (*Adapter)(nil)

func New(cfg *Config) (*Adapter, error) {
	client, err := ethclient.Dial(cfg.NodeUrl)
	if err != nil {
		return nil, err
	}
	// 获取 ChainID (防止重放攻击)
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, err
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}

	bufferPct := cfg.SafetyBufferPct
	if bufferPct <= 0 {
		bufferPct = 20
	}

	return &Adapter{
		client:        client,
		chainID:       chainID,
		abi:           parsedABI,
		token:         common.HexToAddress(cfg.TokenContract),
		tokenDecimals: cfg.TokenDecimals,
		confirmations: cfg.Confirmations,
		bufferPct:     bufferPct,
		bump:          cfg.Bump,
	}, nil
}

func (a *Adapter) Network() string { return domain.NetworkETH }

func (a *Adapter) GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	wei, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("eth balance failed: %w", err)
	}
	return weiToDecimal(wei, 18), nil
}

func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	data, err := a.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, err
	}
	res, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf call failed: %w", err)
	}
	raw := new(big.Int).SetBytes(res)
	return weiToDecimal(raw, a.tokenDecimals), nil
}

// ListRecentTransfers 在最近的块窗口里按 Transfer(to=address) 过滤日志
func (a *Adapter) ListRecentTransfers(ctx context.Context, address string, limit int) ([]string, error) {
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tip failed: %w", err)
	}
	from := int64(tip) - scanBlockWindow
	if from < 0 {
		from = 0
	}

	// Topic[2] 是接收方 (indexed address 左补零到 32 字节)
	toTopic := common.HexToHash(common.HexToAddress(address).Hex())
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(int64(tip)),
		Addresses: []common.Address{a.token},
		Topics: [][]common.Hash{
			{common.HexToHash(TransferEventHash)},
			nil,
			{toTopic},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs failed: %w", err)
	}

	// 新在前
	hashes := make([]string, 0, len(logs))
	seen := make(map[string]bool, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		h := logs[i].TxHash.Hex()
		if seen[h] {
			continue
		}
		seen[h] = true
		hashes = append(hashes, h)
		if len(hashes) >= limit {
			break
		}
	}
	return hashes, nil
}

// GetParsedTransfer 解析一笔交易里打给 address 的代币入账
// 收据还查不到、执行失败、或确认数不足时返回 nil (调用方跳过，下轮再试)
func (a *Adapter) GetParsedTransfer(ctx context.Context, txHash, address string) (*domain.ParsedTransfer, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		// NotFound: 节点还没同步出来，跳过不报错
		return nil, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, nil
	}

	// 确认数不足也先跳过
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tip failed: %w", err)
	}
	if int64(tip)-receipt.BlockNumber.Int64() < a.confirmations {
		return nil, nil
	}

	want := common.HexToAddress(address)
	for _, log := range receipt.Logs {
		if len(log.Topics) != 3 || log.Topics[0].Hex() != TransferEventHash {
			continue
		}
		if log.Address != a.token {
			continue
		}
		to := common.HexToAddress(log.Topics[2].Hex())
		if to != want {
			continue
		}
		from := common.HexToAddress(log.Topics[1].Hex())
		amount := new(big.Int).SetBytes(log.Data)

		return &domain.ParsedTransfer{
			TxHash: txHash,
			From:   strings.ToLower(from.Hex()),
			To:     strings.ToLower(to.Hex()),
			Amount: weiToDecimal(amount, a.tokenDecimals),
		}, nil
	}
	return nil, nil
}

// EstimateTransferFee 本次转账需要的 ETH
// estimatedGas × (2*BaseFee+Tip) × 安全系数，费率市场逐块波动，每次归集前必须重算
func (a *Adapter) EstimateTransferFee(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	data, err := a.packTransferData(common.HexToAddress(to), a.toTokenUnits(amount))
	if err != nil {
		return decimal.Zero, err
	}

	fromAddr := common.HexToAddress(from)
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: fromAddr,
		To:   &a.token,
		Data: data,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("estimate gas failed: %w", err)
	}

	_, gasFeeCap, err := a.suggestFees(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	// fee = gas × feeCap × (100+buffer)/100
	feeWei := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasFeeCap)
	feeWei.Mul(feeWei, big.NewInt(100+a.bufferPct))
	feeWei.Div(feeWei, big.NewInt(100))

	return weiToDecimal(feeWei, 18), nil
}

func (a *Adapter) SendNative(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	toAddr := common.HexToAddress(to)
	return a.sendWithBump(ctx, privKeyHex, &toAddr, amount.Shift(18).BigInt(), nil, 21000)
}

func (a *Adapter) SendToken(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	data, err := a.packTransferData(common.HexToAddress(to), a.toTokenUnits(amount))
	if err != nil {
		return "", err
	}
	return a.sendWithBump(ctx, privKeyHex, &a.token, big.NewInt(0), data, 0)
}

// sendWithBump 签名广播
// "replacement underpriced / already known / nonce too low" 一类拒绝:
// 按固定百分比提价后用同一个 nonce 重广播，有次数上限；其他拒绝直接失败
func (a *Adapter) sendWithBump(ctx context.Context, privKeyHex string, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	privateKey, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return "", fmt.Errorf("bad private key: %w", err)
	}
	fromAddress := crypto.PubkeyToAddress(privateKey.PublicKey)

	// nonce 只取一次，整个重试序列共用
	nonce, err := a.client.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	if gasLimit == 0 {
		gasLimit, err = a.client.EstimateGas(ctx, ethereum.CallMsg{
			From: fromAddress,
			To:   to,
			Data: data,
		})
		if err != nil {
			return "", fmt.Errorf("estimate gas failed: %w", err)
		}
		// 合约调用留点余量
		gasLimit = gasLimit * 120 / 100
	}

	gasTipCap, gasFeeCap, err := a.suggestFees(ctx)
	if err != nil {
		return "", err
	}

	attempts := a.bump.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			// 同 nonce 提价重广播
			gasTipCap = bumpBig(gasTipCap, a.bump.BumpPercent)
			gasFeeCap = bumpBig(gasFeeCap, a.bump.BumpPercent)

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(a.bump.Delay):
			}
		}

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   a.chainID,
			Nonce:     nonce,
			GasTipCap: gasTipCap,
			GasFeeCap: gasFeeCap,
			Gas:       gasLimit,
			To:        to,
			Value:     value,
			Data:      data,
		})

		signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), privateKey)
		if err != nil {
			return "", fmt.Errorf("sign failed: %w", err)
		}

		if err := a.client.SendTransaction(ctx, signedTx); err != nil {
			lastErr = err
			if isRetriableBroadcastErr(err) {
				logger.Warn(ctx, "广播被拒，提价重试",
					zap.Uint64("nonce", nonce),
					zap.Int("attempt", i+1),
					zap.Error(err))
				continue
			}
			return "", fmt.Errorf("broadcast failed: %w", err)
		}

		logger.Info(ctx, "ETH 交易已广播",
			zap.Uint64("nonce", nonce),
			zap.String("hash", signedTx.Hash().Hex()))
		return signedTx.Hash().Hex(), nil
	}

	return "", fmt.Errorf("broadcast failed after %d attempts: %w", attempts, lastErr)
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	hash := common.HexToHash(txHash)

	for time.Now().Before(deadline) {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("tx %s reverted", txHash)
			}
			tip, err := a.client.BlockNumber(ctx)
			if err == nil && int64(tip)-receipt.BlockNumber.Int64() >= a.confirmations {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("tx %s not confirmed within %s", txHash, timeout)
}

// suggestFees EIP-1559 费率: MaxFee = 2*BaseFee + Tip，防下一块 BaseFee 暴涨
func (a *Adapter) suggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	gasTipCap, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		// 兼容旧链
		baseFee = big.NewInt(0)
	}
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(baseFee, big.NewInt(2)),
		gasTipCap,
	)
	return gasTipCap, gasFeeCap, nil
}

func (a *Adapter) packTransferData(to common.Address, amount *big.Int) ([]byte, error) {
	return a.abi.Pack("transfer", to, amount)
}

func (a *Adapter) toTokenUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(a.tokenDecimals).BigInt()
}

func isRetriableBroadcastErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "nonce too low")
}

func bumpBig(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(100+percent))
	return out.Div(out, big.NewInt(100))
}

// 辅助工具
func weiToDecimal(wei *big.Int, decimals int32) decimal.Decimal {
	d := decimal.NewFromBigInt(wei, 0)
	return d.Shift(-decimals)
}
