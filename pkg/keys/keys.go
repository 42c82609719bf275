// Package keys derives the maker's keys of every chain family from a single BIP-39 mnemonic.
package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// BIP-44 coin types.
const (
	CoinTypeEthereum = 60
	CoinTypeSui      = 784
)

// Purpose of the Sui secp256k1 derivation path.
const suiSecp256k1Purpose = 54

type Keys struct {
	seed []byte
}

// FromMnemonic validates the mnemonic and returns the keys derived from its seed.
func FromMnemonic(mnemonic string) (Keys, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return Keys{}, errors.New("invalid mnemonic")
	}
	return Keys{seed: bip39.NewSeed(mnemonic, "")}, nil
}

// NewMnemonic returns a fresh 24 words mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// ReadMnemonic loads the mnemonic stored at path, a new one is generated and stored when the file does not exist.
func ReadMnemonic(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}

	mnemonic, err := NewMnemonic()
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", false, err
	}
	if err := os.WriteFile(path, []byte(mnemonic), 0600); err != nil {
		return "", false, err
	}
	return mnemonic, true, nil
}

// EVM returns the key at m/44'/60'/account'/0/0.
func (keys Keys) EVM(account uint32) (*ecdsa.PrivateKey, error) {
	key, err := keys.derive(
		bip32.FirstHardenedChild+44,
		bip32.FirstHardenedChild+CoinTypeEthereum,
		bip32.FirstHardenedChild+account,
		0, 0,
	)
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(common.LeftPadBytes(key.Key, 32))
}

// Sui returns the secp256k1 key at m/54'/784'/account'/0/0, the path Sui wallets use for this scheme.
func (keys Keys) Sui(account uint32) (*suikey.Key, error) {
	key, err := keys.derive(
		bip32.FirstHardenedChild+suiSecp256k1Purpose,
		bip32.FirstHardenedChild+CoinTypeSui,
		bip32.FirstHardenedChild+account,
		0, 0,
	)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(common.LeftPadBytes(key.Key, 32))
	return suikey.NewSecp256k1(priv), nil
}

// Address returns the maker's address of the account on the chain family.
func (keys Keys) Address(family chain.Family, account uint32) (chain.Address, error) {
	switch family {
	case chain.FamilyEVM:
		key, err := keys.EVM(account)
		if err != nil {
			return chain.Address{}, err
		}
		return chain.EVMAddress(crypto.PubkeyToAddress(key.PublicKey)), nil
	case chain.FamilySui:
		key, err := keys.Sui(account)
		if err != nil {
			return chain.Address{}, err
		}
		return key.Address(), nil
	default:
		return chain.Address{}, fmt.Errorf("unsupported chain family %v", family)
	}
}

func (keys Keys) derive(path ...uint32) (*bip32.Key, error) {
	key, err := bip32.NewMasterKey(keys.seed)
	if err != nil {
		return nil, err
	}
	for _, idx := range path {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to create child key: %w", err)
		}
	}
	return key, nil
}
