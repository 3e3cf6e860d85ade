package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ParsedTransfer 解析后的入账转账 (统一各链差异)
type ParsedTransfer struct {
	TxHash string
	From   string
	To     string // 收款地址 (SOL 下是 ATA 的 owner 地址)
	// SOL: 实际持币的关联代币账户；其余链为空
	TokenAccount string
	Amount       decimal.Decimal // 人类可读单位
}

// ChainAdapter 链适配器接口
// 每条链一个实现，屏蔽底层差异:
//   - ETH: EIP-1559 费率市场，费用 = gas × buffer × 实时费率，每次归集前重算
//   - TRON: 能量计费，代币转账前钱包必须先有足够 TRX，不够要金库先垫
//   - SOL: 代币余额在派生的 ATA 上，检测和解析都要对着 ATA 而不是地址本身
type ChainAdapter interface {
	Network() string

	// GetNativeBalance 原生币余额 (矿工费资产)
	GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error)

	// GetTokenBalance 代币余额，按精度归一化
	GetTokenBalance(ctx context.Context, address string) (decimal.Decimal, error)

	// ListRecentTransfers 地址最近的候选交易 hash，新在前
	ListRecentTransfers(ctx context.Context, address string, limit int) ([]string, error)

	// GetParsedTransfer 解析一笔交易
	// 返回 nil, nil 表示: 不是打给我们的代币入账，或者服务商还没同步出数据 (跳过，下轮再试)
	GetParsedTransfer(ctx context.Context, txHash, address string) (*ParsedTransfer, error)

	// EstimateTransferFee 本次代币转账需要的矿工费资产数量 (每次调用重算，不缓存)
	EstimateTransferFee(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error)

	// SendNative 原生币转账 (垫资用)
	SendNative(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error)

	// SendToken 代币转账 (归集用)
	SendToken(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error)

	// WaitForConfirmation 阻塞到交易终态成功，超时或链上失败返回 error
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error
}
