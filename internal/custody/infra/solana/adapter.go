package solana

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/logger"
	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 每个签名的固定费用 (lamports)
const lamportsPerSignature = 5000

type Config struct {
	NodeUrl       string
	TokenMint     string // SPL mint 地址
	TokenDecimals int32
	Confirmations int64
	// 金库私钥 (hex, 64 字节 ed25519)，归集时代付手续费
	// SOL 的代币账户里没有 SOL，让用户地址自己付费就得先垫资，
	// 由金库统一代付后整条垫资子流程都省掉了
	FeePayerKeyHex string
}

type Adapter struct {
	rpc           *rpc.Client
	mint          solana.PublicKey
	tokenDecimals int32
	confirmations int64
	feePayerKey   solana.PrivateKey
}

var _ domain.ChainAdapter = (*Adapter)(nil)

func New(cfg *Config) (*Adapter, error) {
	mint, err := solana.PublicKeyFromBase58(cfg.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("bad token mint: %w", err)
	}

	var feePayer solana.PrivateKey
	if cfg.FeePayerKeyHex != "" {
		feePayer, err = privKeyFromHex(cfg.FeePayerKeyHex)
		if err != nil {
			return nil, fmt.Errorf("bad fee payer key: %w", err)
		}
	}

	// 公共 RPC 限流比较狠，客户端侧先自己限一道
	client := rpc.NewWithCustomRPCClient(rpc.NewWithLimiter(
		cfg.NodeUrl,
		rate.Every(time.Second),
		5,
	))

	return &Adapter{
		rpc:           client,
		mint:          mint,
		tokenDecimals: cfg.TokenDecimals,
		confirmations: cfg.Confirmations,
		feePayerKey:   feePayer,
	}, nil
}

func (a *Adapter) Network() string { return domain.NetworkSOL }

func (a *Adapter) GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := a.rpc.GetBalance(ctx, owner, rpc.CommitmentFinalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance failed: %w", err)
	}
	return lamportsToDecimal(out.Value), nil
}

// GetTokenBalance 余额在派生的关联代币账户 (ATA) 上，不在地址本身
func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	tokenAccount, err := a.resolveATA(address)
	if err != nil {
		return decimal.Zero, err
	}

	out, err := a.rpc.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentFinalized)
	if err != nil {
		// ATA 还没创建 = 没收到过币
		return decimal.Zero, nil
	}
	raw, ok := new(big.Int).SetString(out.Value.Amount, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("bad token amount: %s", out.Value.Amount)
	}
	return decimal.NewFromBigInt(raw, -a.tokenDecimals), nil
}

// ListRecentTransfers 签名历史要对着 ATA 查而不是地址本身
func (a *Adapter) ListRecentTransfers(ctx context.Context, address string, limit int) ([]string, error) {
	tokenAccount, err := a.resolveATA(address)
	if err != nil {
		return nil, err
	}

	sigs, err := a.rpc.GetSignaturesForAddressWithOpts(ctx, tokenAccount,
		&rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentFinalized,
		})
	if err != nil {
		return nil, fmt.Errorf("get signatures failed: %w", err)
	}

	hashes := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		if sig.Err != nil {
			continue // 链上失败的直接丢弃
		}
		hashes = append(hashes, sig.Signature.String())
	}
	return hashes, nil
}

// GetParsedTransfer 用 pre/post 代币余额差解析入账金额
func (a *Adapter) GetParsedTransfer(ctx context.Context, txHash, address string) (*domain.ParsedTransfer, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return nil, fmt.Errorf("bad signature: %w", err)
	}
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, err
	}
	tokenAccount, err := a.resolveATA(address)
	if err != nil {
		return nil, err
	}

	out, err := a.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		// finalized 下还查不到，跳过下轮再试
		return nil, nil
	}
	if out.Meta == nil || out.Meta.Err != nil {
		return nil, nil
	}

	// ATA 在这笔交易里 mint 对应的余额变动
	pre := a.tokenAmountFor(out.Meta.PreTokenBalances, owner)
	post := a.tokenAmountFor(out.Meta.PostTokenBalances, owner)
	delta := post.Sub(pre)
	if !delta.IsPositive() {
		return nil, nil // 不是入账
	}

	return &domain.ParsedTransfer{
		TxHash:       txHash,
		To:           address,
		TokenAccount: tokenAccount.String(),
		Amount:       delta,
	}, nil
}

// EstimateTransferFee 固定费率: 每签名 5000 lamports，归集是双签 (owner + 金库代付)
// 由金库代付，用户地址侧不需要垫资
func (a *Adapter) EstimateTransferFee(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	return lamportsToDecimal(lamportsPerSignature * 2), nil
}

func (a *Adapter) SendNative(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	fromKey, err := privKeyFromHex(privKeyHex)
	if err != nil {
		return "", err
	}
	toPub, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", err
	}

	lamports := amount.Shift(9).BigInt().Uint64()
	inst := system.NewTransferInstruction(lamports, fromKey.PublicKey(), toPub).Build()

	return a.signAndSend(ctx, []solana.Instruction{inst}, fromKey, fromKey)
}

// SendToken SPL 归集: owner 签转账授权，金库签名付手续费
// 金库 ATA 不存在时顺手在同一笔交易里创建 (create 幂等由检查保证)
func (a *Adapter) SendToken(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	ownerKey, err := privKeyFromHex(privKeyHex)
	if err != nil {
		return "", err
	}
	toPub, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", err
	}

	sourceATA, err := a.resolveATA(ownerKey.PublicKey().String())
	if err != nil {
		return "", err
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(toPub, a.mint)
	if err != nil {
		return "", err
	}

	feePayer := ownerKey
	if a.feePayerKey != nil {
		feePayer = a.feePayerKey
	}

	instructions := make([]solana.Instruction, 0, 2)

	// 目标 ATA 不存在先创建
	if _, err := a.rpc.GetAccountInfo(ctx, destATA); err != nil {
		instructions = append(instructions,
			ata.NewCreateInstruction(feePayer.PublicKey(), toPub, a.mint).Build())
	}

	rawAmount := amount.Shift(a.tokenDecimals).BigInt().Uint64()
	instructions = append(instructions,
		token.NewTransferInstruction(rawAmount, sourceATA, destATA, ownerKey.PublicKey(), nil).Build())

	return a.signAndSend(ctx, instructions, feePayer, ownerKey, feePayer)
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return fmt.Errorf("bad signature: %w", err)
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		out, err := a.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("tx %s failed on chain: %v", txHash, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("tx %s not finalized within %s", txHash, timeout)
}

func (a *Adapter) signAndSend(ctx context.Context, instructions []solana.Instruction, feePayer solana.PrivateKey, signers ...solana.PrivateKey) (string, error) {
	recent, err := a.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get blockhash failed: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(feePayer.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("build tx failed: %w", err)
	}

	keyring := make(map[solana.PublicKey]solana.PrivateKey, len(signers))
	for _, s := range signers {
		keyring[s.PublicKey()] = s
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if k, ok := keyring[key]; ok {
			return &k
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign failed: %w", err)
	}

	sig, err := a.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}

	logger.Info(ctx, "SOL 交易已广播", zap.String("signature", sig.String()))
	return sig.String(), nil
}

// resolveATA owner 地址 → 该 mint 的关联代币账户 (确定性派生)
func (a *Adapter) resolveATA(owner string) (solana.PublicKey, error) {
	pub, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("bad address %s: %w", owner, err)
	}
	addr, _, err := solana.FindAssociatedTokenAddress(pub, a.mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive ata failed: %w", err)
	}
	return addr, nil
}

func (a *Adapter) tokenAmountFor(balances []rpc.TokenBalance, owner solana.PublicKey) decimal.Decimal {
	for _, b := range balances {
		if b.Owner == nil || !b.Owner.Equals(owner) {
			continue
		}
		if !b.Mint.Equals(a.mint) {
			continue
		}
		raw, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		return decimal.NewFromBigInt(raw, -a.tokenDecimals)
	}
	return decimal.Zero
}

func privKeyFromHex(keyHex string) (solana.PrivateKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("bad key hex: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("ed25519 key must be 64 bytes, got %d", len(raw))
	}
	return solana.PrivateKey(raw), nil
}

func lamportsToDecimal(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9)
}
