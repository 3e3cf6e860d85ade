package service

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"custodex.com/internal/custody/config"
	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/hdwallet"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// MasterKeyProvider 金库签名 key 的唯一出口
// 运维手工配的 override 优先，否则走助记词的金库分支派生
type MasterKeyProvider struct {
	wallet    *hdwallet.HDWallet
	overrides map[string]string // network -> 私钥 hex
}

func NewMasterKeyProvider(wallet *hdwallet.HDWallet, networks map[string]config.NetworkConfig) *MasterKeyProvider {
	overrides := make(map[string]string, len(networks))
	for name, nc := range networks {
		if nc.TreasuryKeyOverride != "" {
			overrides[name] = nc.TreasuryKeyOverride
		}
	}
	return &MasterKeyProvider{wallet: wallet, overrides: overrides}
}

// TreasuryKey 某条链的金库地址和签名私钥
// 私钥只在签名现场临时取用，不落库
func (p *MasterKeyProvider) TreasuryKey(network string) (string, string, error) {
	if priv, ok := p.overrides[network]; ok {
		addr, err := addressFromPriv(network, priv)
		if err != nil {
			return "", "", fmt.Errorf("bad treasury override for %s: %w", network, err)
		}
		return addr, priv, nil
	}

	coinType, err := coinTypeFor(network)
	if err != nil {
		return "", "", err
	}
	return p.wallet.DeriveTreasury(coinType)
}

func coinTypeFor(network string) (uint32, error) {
	switch network {
	case domain.NetworkETH:
		return hdwallet.CoinTypeETH, nil
	case domain.NetworkTRON:
		return hdwallet.CoinTypeTRON, nil
	case domain.NetworkSOL:
		return hdwallet.CoinTypeSOL, nil
	default:
		return 0, fmt.Errorf("unknown network: %s", network)
	}
}

// addressFromPriv 从裸私钥反推地址 (override 场景)
func addressFromPriv(network, privHex string) (string, error) {
	switch network {
	case domain.NetworkETH:
		key, err := crypto.HexToECDSA(privHex)
		if err != nil {
			return "", err
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil

	case domain.NetworkTRON:
		key, err := crypto.HexToECDSA(privHex)
		if err != nil {
			return "", err
		}
		pubBytes := crypto.FromECDSAPub(&key.PublicKey)
		hash := crypto.Keccak256(pubBytes[1:])
		raw := append([]byte{0x41}, hash[12:]...)
		first := sha256.Sum256(raw)
		second := sha256.Sum256(first[:])
		return base58.Encode(append(raw, second[:4]...)), nil

	case domain.NetworkSOL:
		raw, err := hex.DecodeString(privHex)
		if err != nil {
			return "", err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return "", fmt.Errorf("ed25519 key must be %d bytes", ed25519.PrivateKeySize)
		}
		pub := ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)
		return base58.Encode(pub), nil

	default:
		return "", fmt.Errorf("unknown network: %s", network)
	}
}
