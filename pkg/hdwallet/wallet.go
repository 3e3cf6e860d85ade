// 钱包功能
package hdwallet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// BIP44 币种编号
const (
	CoinTypeETH  uint32 = 60
	CoinTypeTRON uint32 = 195
	CoinTypeSOL  uint32 = 501
)

// 账户分支: 用户地址走 account 0，金库走 account 1
// 两条 hardened 分支互不相交，金库 key 永远不会撞上某个用户的 index
const (
	AccountUsers    uint32 = 0
	AccountTreasury uint32 = 1
)

type HDWallet struct {
	// 主私钥
	masterKey *hdkeychain.ExtendedKey
}

// New 实例化结构
// 只吃助记词，派生全程无网络调用，可重放
func New(mnemonic string) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, errors.New("mnemonic cannot empty ")
	}
	// 根据助记词生成种子
	seed := bip39.NewSeed(mnemonic, "")
	// 生成根私钥 (网络参数只影响扩展 key 的序列化前缀，统一用主网)
	extendKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{
		masterKey: extendKey,
	}, nil
}

// DeriveAddress 用户充值地址
// BIP44 路径: m / 44' / coin_type' / 0' / 0 / index
func (w *HDWallet) DeriveAddress(coinType uint32, index uint32) (string, string, error) {
	return w.derive(coinType, AccountUsers, index)
}

// DeriveTreasury 金库签名 key
// 路径: m / 44' / coin_type' / 1' / 0 / 0
func (w *HDWallet) DeriveTreasury(coinType uint32) (string, string, error) {
	return w.derive(coinType, AccountTreasury, 0)
}

func (w *HDWallet) derive(coinType uint32, account uint32, index uint32) (string, string, error) {
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,       // Purpose
		coinType + hdkeychain.HardenedKeyStart, // CoinType
		account + hdkeychain.HardenedKeyStart,  // Account
		0,
		index,
	}
	// 循环逐级推导
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return "", "", err
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return "", "", err
	}
	// 私钥 Hex 仅供归集签名时临时使用，不落库、不返回给前端
	address, privHex, err := encodeForCoin(coinType, privKey)
	if err != nil {
		return "", "", err
	}
	return address, privHex, nil
}

// encodeForCoin 同一条 secp256k1 推导链，按币种编码出地址和签名用私钥
func encodeForCoin(coinType uint32, privKey *btcec.PrivateKey) (string, string, error) {
	switch coinType {
	case CoinTypeETH:
		ethPriv := privKey.ToECDSA()
		addr := crypto.PubkeyToAddress(ethPriv.PublicKey)
		return addr.Hex(), fmt.Sprintf("%x", privKey.Serialize()), nil

	case CoinTypeTRON:
		// TRON 地址: 0x41 + keccak(pub)[12:]，再 base58check
		ethPriv := privKey.ToECDSA()
		pubBytes := crypto.FromECDSAPub(&ethPriv.PublicKey)
		hash := crypto.Keccak256(pubBytes[1:])
		raw := append([]byte{0x41}, hash[12:]...)
		return base58Check(raw), fmt.Sprintf("%x", privKey.Serialize()), nil

	case CoinTypeSOL:
		// Solana 用 ed25519，把 secp 私钥的 32 字节当种子
		edPriv := ed25519.NewKeyFromSeed(privKey.Serialize())
		pub := edPriv.Public().(ed25519.PublicKey)
		return base58.Encode(pub), hex.EncodeToString(edPriv), nil

	default:
		return "", "", errors.New("invalid coin type")
	}
}

// base58Check 按 TRON 标准 (double SHA256 取前4字节做校验)
func base58Check(raw []byte) string {
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	full := append(raw, second[:4]...)
	return base58.Encode(full)
}
