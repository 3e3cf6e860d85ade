// 钱包功能
package hdwallet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestHDWallet_DeriveAddress(t *testing.T) {
	wallet, err := New(testMnemonic)
	require.NoError(t, err)

	ethAddr, ethPriv, err := wallet.DeriveAddress(CoinTypeETH, 1500)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(ethAddr, "0x"))
	assert.NotEmpty(t, ethPriv)

	tronAddr, _, err := wallet.DeriveAddress(CoinTypeTRON, 1500)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(tronAddr, "T"), "TRON 主网地址以 T 开头")

	solAddr, solPriv, err := wallet.DeriveAddress(CoinTypeSOL, 1500)
	assert.NoError(t, err)
	assert.NotEmpty(t, solAddr)
	assert.Len(t, solPriv, 128, "ed25519 私钥 64 字节的 hex")

	// 不支持的币种
	_, _, err = wallet.DeriveAddress(999, 1500)
	assert.NotNil(t, err)

	// 第二次再用助记词生成 是不是一样的
	wallet2, err := New(testMnemonic)
	require.NoError(t, err)
	ethAddr2, ethPriv2, err := wallet2.DeriveAddress(CoinTypeETH, 1500)
	assert.NoError(t, err)
	assert.Equal(t, ethAddr, ethAddr2)
	assert.Equal(t, ethPriv, ethPriv2)
}

func TestHDWallet_TreasuryBranchDisjoint(t *testing.T) {
	wallet, err := New(testMnemonic)
	require.NoError(t, err)

	treasury, _, err := wallet.DeriveTreasury(CoinTypeETH)
	require.NoError(t, err)

	// 金库地址不可能等于任何一个用户地址 (抽查前 200 个 index)
	for i := uint32(0); i < 200; i++ {
		user, _, err := wallet.DeriveAddress(CoinTypeETH, i)
		require.NoError(t, err)
		assert.NotEqual(t, treasury, user)
	}
}

func TestHDWallet_DifferentIndexDifferentAddress(t *testing.T) {
	wallet, err := New(testMnemonic)
	require.NoError(t, err)

	a1, _, err := wallet.DeriveAddress(CoinTypeTRON, 1)
	require.NoError(t, err)
	a2, _, err := wallet.DeriveAddress(CoinTypeTRON, 2)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestHDWallet_EmptyMnemonic(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
