package tron

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/logger"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// SUN 是 TRX 的最小单位
	sunPerTrx = 1_000_000
	// 能量单价 (SUN/能量)，链上参数，偶尔调整
	energyPriceSun = 420
	// transfer(address,uint256) 的 4 字节选择器
	transferMethodID = "a9059cbb"
	// 估不出能量时的兜底值 (普通 TRC20 转账的经验值)
	defaultTransferEnergy = 30000
)

type Config struct {
	NodeUrl         string // https://api.trongrid.io
	ApiKey          string
	TokenContract   string // TRC20 合约 (base58)
	TokenDecimals   int32
	Confirmations   int64
	SafetyBufferPct int64
}

// Adapter TRON 链适配器
// TRON 没有费率市场: 代币转账烧能量，没质押就按 420 SUN/能量直接烧 TRX，
// 所以归集前钱包里必须先有 TRX，这正是垫资子流程存在的原因
type Adapter struct {
	http          *resty.Client
	token         string // 合约地址 hex (0x41 开头)
	tokenB58      string
	tokenDecimals int32
	confirmations int64
	bufferPct     int64
}

var _ domain.ChainAdapter = (*Adapter)(nil)

func New(cfg *Config) (*Adapter, error) {
	tokenHex, err := base58CheckToHex(cfg.TokenContract)
	if err != nil {
		return nil, fmt.Errorf("bad token contract: %w", err)
	}

	http := resty.New().
		SetBaseURL(cfg.NodeUrl).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.ApiKey != "" {
		http.SetHeader("TRON-PRO-API-KEY", cfg.ApiKey)
	}

	bufferPct := cfg.SafetyBufferPct
	if bufferPct <= 0 {
		bufferPct = 50
	}

	return &Adapter{
		http:          http,
		token:         tokenHex,
		tokenB58:      cfg.TokenContract,
		tokenDecimals: cfg.TokenDecimals,
		confirmations: cfg.Confirmations,
		bufferPct:     bufferPct,
	}, nil
}

func (a *Adapter) Network() string { return domain.NetworkTRON }

func (a *Adapter) GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	addrHex, err := base58CheckToHex(address)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance int64 `json:"balance"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"address": addrHex, "visible": false}).
		SetResult(&result).
		Post("/wallet/getaccount")
	if err != nil {
		return decimal.Zero, fmt.Errorf("getaccount failed: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("getaccount status %d", resp.StatusCode())
	}

	// 账户未激活时返回空对象，按 0 处理
	return decimal.New(result.Balance, -6), nil
}

func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	addrHex, err := base58CheckToHex(address)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		ConstantResult []string `json:"constant_result"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"owner_address":     addrHex,
			"contract_address":  a.token,
			"function_selector": "balanceOf(address)",
			"parameter":         fmt.Sprintf("%064s", addrHex[2:]), // 去掉 41 前缀补到 32 字节
			"visible":           false,
		}).
		SetResult(&result).
		Post("/wallet/triggerconstantcontract")
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf failed: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("balanceOf status %d", resp.StatusCode())
	}
	if len(result.ConstantResult) == 0 {
		return decimal.Zero, fmt.Errorf("empty constant_result for %s", address)
	}

	raw, ok := new(big.Int).SetString(result.ConstantResult[0], 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("bad balance hex: %s", result.ConstantResult[0])
	}
	return decimal.NewFromBigInt(raw, -a.tokenDecimals), nil
}

type trc20Tx struct {
	TransactionID  string `json:"transaction_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Value          string `json:"value"`
	BlockTimestamp int64  `json:"block_timestamp"`
	TokenInfo      struct {
		Address string `json:"address"`
	} `json:"token_info"`
}

// ListRecentTransfers TronGrid v1 接口按地址直接查 TRC20 入账记录
func (a *Adapter) ListRecentTransfers(ctx context.Context, address string, limit int) ([]string, error) {
	txs, err := a.listTrc20(ctx, address, limit)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		hashes = append(hashes, tx.TransactionID)
	}
	return hashes, nil
}

// GetParsedTransfer 在入账记录里找这笔交易并校验确认深度
func (a *Adapter) GetParsedTransfer(ctx context.Context, txHash, address string) (*domain.ParsedTransfer, error) {
	txs, err := a.listTrc20(ctx, address, 200)
	if err != nil {
		return nil, err
	}

	var found *trc20Tx
	for i := range txs {
		if txs[i].TransactionID == txHash {
			found = &txs[i]
			break
		}
	}
	if found == nil {
		// 服务商还没索引出来，跳过
		return nil, nil
	}
	if found.To != address || found.TokenInfo.Address != a.tokenB58 {
		return nil, nil
	}

	// 确认深度校验
	info, err := a.txInfo(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if info == nil || info.BlockNumber == 0 {
		return nil, nil
	}
	tip, err := a.nowBlock(ctx)
	if err != nil {
		return nil, err
	}
	if tip-info.BlockNumber < a.confirmations {
		return nil, nil
	}
	if info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS" {
		return nil, nil
	}

	raw, ok := new(big.Int).SetString(found.Value, 10)
	if !ok {
		return nil, fmt.Errorf("bad trc20 value: %s", found.Value)
	}

	return &domain.ParsedTransfer{
		TxHash: txHash,
		From:   found.From,
		To:     found.To,
		Amount: decimal.NewFromBigInt(raw, -a.tokenDecimals),
	}, nil
}

// EstimateTransferFee 本次转账要烧的 TRX
// triggerconstantcontract 干跑拿 energy_used，按 420 SUN/能量折算再加安全系数
func (a *Adapter) EstimateTransferFee(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	fromHex, err := base58CheckToHex(from)
	if err != nil {
		return decimal.Zero, err
	}
	params, err := a.encodeTransfer(to, amount)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		EnergyUsed int64 `json:"energy_used"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"owner_address":     fromHex,
			"contract_address":  a.token,
			"function_selector": "transfer(address,uint256)",
			"parameter":         params,
			"visible":           false,
		}).
		SetResult(&result).
		Post("/wallet/triggerconstantcontract")
	if err != nil {
		return decimal.Zero, fmt.Errorf("estimate energy failed: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("estimate energy status %d", resp.StatusCode())
	}

	energy := result.EnergyUsed
	if energy == 0 {
		energy = defaultTransferEnergy
		logger.Warn(ctx, "能量估算为 0，使用兜底值",
			zap.String("from", from),
			zap.Int64("energy", energy))
	}

	feeSun := energy * energyPriceSun * (100 + a.bufferPct) / 100
	return decimal.New(feeSun, -6), nil
}

// SendNative TRX 转账 (给用户地址垫能量费)
func (a *Adapter) SendNative(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	fromHex, err := addressHexFromPriv(privKeyHex)
	if err != nil {
		return "", err
	}
	toHex, err := base58CheckToHex(to)
	if err != nil {
		return "", err
	}

	raw, err := a.post(ctx, "/wallet/createtransaction", map[string]interface{}{
		"owner_address": fromHex,
		"to_address":    toHex,
		"amount":        amount.Shift(6).IntPart(), // TRX → SUN
		"visible":       false,
	})
	if err != nil {
		return "", fmt.Errorf("createtransaction failed: %w", err)
	}

	return a.signAndBroadcast(ctx, raw, privKeyHex, false)
}

// SendToken TRC20 转账 (归集)
func (a *Adapter) SendToken(ctx context.Context, privKeyHex, to string, amount decimal.Decimal) (string, error) {
	fromHex, err := addressHexFromPriv(privKeyHex)
	if err != nil {
		return "", err
	}
	params, err := a.encodeTransfer(to, amount)
	if err != nil {
		return "", err
	}

	// fee_limit 按估算值放开，省得能量波动导致 OUT_OF_ENERGY
	from, err := hexToBase58Check(fromHex)
	if err != nil {
		return "", err
	}
	fee, err := a.EstimateTransferFee(ctx, from, to, amount)
	if err != nil {
		return "", err
	}

	raw, err := a.post(ctx, "/wallet/triggersmartcontract", map[string]interface{}{
		"owner_address":     fromHex,
		"contract_address":  a.token,
		"function_selector": "transfer(address,uint256)",
		"parameter":         params,
		"call_value":        0,
		"fee_limit":         fee.Shift(6).IntPart(),
		"visible":           false,
	})
	if err != nil {
		return "", fmt.Errorf("triggersmartcontract failed: %w", err)
	}

	return a.signAndBroadcast(ctx, raw, privKeyHex, true)
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		info, err := a.txInfo(ctx, txHash)
		if err == nil && info != nil && info.BlockNumber > 0 {
			if info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS" {
				return fmt.Errorf("tx %s failed: %s", txHash, info.Receipt.Result)
			}
			tip, err := a.nowBlock(ctx)
			if err == nil && tip-info.BlockNumber >= a.confirmations {
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

func (a *Adapter) listTrc20(ctx context.Context, address string, limit int) ([]trc20Tx, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	var result struct {
		Data []trc20Tx `json:"data"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetQueryParam("contract_address", a.tokenB58).
		SetQueryParam("only_to", "true").
		SetResult(&result).
		Get(fmt.Sprintf("/v1/accounts/%s/transactions/trc20", address))
	if err != nil {
		return nil, fmt.Errorf("list trc20 failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list trc20 status %d", resp.StatusCode())
	}
	return result.Data, nil
}

type txInfoResult struct {
	BlockNumber int64 `json:"blockNumber"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

func (a *Adapter) txInfo(ctx context.Context, txHash string) (*txInfoResult, error) {
	var result txInfoResult
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"value": txHash, "visible": true}).
		SetResult(&result).
		Post("/wallet/gettransactioninfobyid")
	if err != nil {
		return nil, fmt.Errorf("gettransactioninfobyid failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gettransactioninfobyid status %d", resp.StatusCode())
	}
	if result.BlockNumber == 0 {
		return nil, nil // 还没打包
	}
	return &result, nil
}

func (a *Adapter) nowBlock(ctx context.Context) (int64, error) {
	var result struct {
		BlockHeader struct {
			RawData struct {
				Number int64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/wallet/getnowblock")
	if err != nil {
		return 0, fmt.Errorf("getnowblock failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("getnowblock status %d", resp.StatusCode())
	}
	return result.BlockHeader.RawData.Number, nil
}

func (a *Adapter) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s status %d", path, resp.StatusCode())
	}
	return resp.Body(), nil
}

// signAndBroadcast 对 raw_data_hex 做 sha256 后 secp256k1 签名再广播
// wrapped: triggersmartcontract 的响应里交易包在 transaction 字段下
func (a *Adapter) signAndBroadcast(ctx context.Context, rawResp []byte, privKeyHex string, wrapped bool) (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(rawResp, &envelope); err != nil {
		return "", fmt.Errorf("bad create response: %w", err)
	}

	txRaw := rawResp
	if wrapped {
		inner, ok := envelope["transaction"]
		if !ok {
			return "", fmt.Errorf("missing transaction in response: %s", rawResp)
		}
		txRaw = inner
	}

	var tx map[string]interface{}
	if err := json.Unmarshal(txRaw, &tx); err != nil {
		return "", fmt.Errorf("bad transaction json: %w", err)
	}
	rawDataHex, ok := tx["raw_data_hex"].(string)
	if !ok {
		return "", fmt.Errorf("missing raw_data_hex")
	}

	rawData, err := hex.DecodeString(rawDataHex)
	if err != nil {
		return "", fmt.Errorf("bad raw_data_hex: %w", err)
	}
	privBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return "", fmt.Errorf("bad private key: %w", err)
	}
	privKey, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return "", fmt.Errorf("bad private key: %w", err)
	}

	hash := sha256.Sum256(rawData)
	sig, err := crypto.Sign(hash[:], privKey)
	if err != nil {
		return "", fmt.Errorf("sign failed: %w", err)
	}
	tx["signature"] = []string{hex.EncodeToString(sig)}

	var result struct {
		Result  bool   `json:"result"`
		Txid    string `json:"txid"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(tx).
		SetResult(&result).
		Post("/wallet/broadcasttransaction")
	if err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("broadcast status %d", resp.StatusCode())
	}
	if result.Code != "" {
		return "", fmt.Errorf("broadcast rejected %s: %s", result.Code, result.Message)
	}

	logger.Info(ctx, "TRON 交易已广播", zap.String("txid", result.Txid))
	return result.Txid, nil
}

// encodeTransfer transfer(address,uint256) 参数段 (不含选择器)
func (a *Adapter) encodeTransfer(to string, amount decimal.Decimal) (string, error) {
	toHex, err := base58CheckToHex(to)
	if err != nil {
		return "", err
	}
	raw := amount.Shift(a.tokenDecimals).BigInt()
	return fmt.Sprintf("%064s%064x", toHex[2:], raw), nil
}

func base58CheckToHex(address string) (string, error) {
	decoded, err := base58.Decode(address)
	if err != nil {
		return "", fmt.Errorf("invalid base58 address %s: %w", address, err)
	}
	if len(decoded) != 25 {
		return "", fmt.Errorf("invalid address length %d for %s", len(decoded), address)
	}
	// 末尾 4 字节是 double-sha256 校验和，对不上说明地址被抄错/篡改
	payload := decoded[:21]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(decoded[21:], second[:4]) {
		return "", fmt.Errorf("bad checksum for address %s", address)
	}
	return hex.EncodeToString(payload), nil
}

func hexToBase58Check(addrHex string) (string, error) {
	raw, err := hex.DecodeString(addrHex)
	if err != nil {
		return "", fmt.Errorf("invalid hex address %s: %w", addrHex, err)
	}
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(raw, second[:4]...)), nil
}

func addressHexFromPriv(privKeyHex string) (string, error) {
	privBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return "", fmt.Errorf("bad private key: %w", err)
	}
	privKey, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return "", fmt.Errorf("bad private key: %w", err)
	}
	pubBytes := crypto.FromECDSAPub(&privKey.PublicKey)
	hash := crypto.Keccak256(pubBytes[1:])
	return hex.EncodeToString(append([]byte{0x41}, hash[12:]...)), nil
}
