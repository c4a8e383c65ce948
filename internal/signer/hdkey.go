package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// BIP-44 path constants for Ethereum-compatible accounts.
// Full path: m/44'/60'/0'/0/index
const (
	PurposeBIP44   = bip32.FirstHardenedChild + 44
	CoinTypeEther  = bip32.FirstHardenedChild + 60
	AccountDefault = bip32.FirstHardenedChild + 0
	ChangeExternal = 0
)

// DerivationPath renders the path used for index.
func DerivationPath(index uint32) string {
	return fmt.Sprintf("m/44'/60'/0'/0/%d", index)
}

// KeyFromMnemonic derives the account key at m/44'/60'/0'/0/index.
func KeyFromMnemonic(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	defer zero(seed)

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	for _, idx := range []uint32{PurposeBIP44, CoinTypeEther, AccountDefault, ChangeExternal, index} {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", DerivationPath(index), err)
		}
	}

	// bip32 Key.Key is 33 bytes with a leading 0x00 for private keys.
	raw := key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("convert derived key: %w", err)
	}
	return priv, nil
}
