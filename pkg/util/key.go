package util

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseKey decodes a hex encoded secp256k1 private key, with or without the 0x prefix.
func ParseKey(keyStr string) (*ecdsa.PrivateKey, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(keyStr, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return crypto.ToECDSA(keyBytes)
}

func EcdsaToBtcec(key *ecdsa.PrivateKey) *btcec.PrivateKey {
	pk, _ := btcec.PrivKeyFromBytes(crypto.FromECDSA(key))
	return pk
}
