package suikey

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/util"
	"golang.org/x/crypto/blake2b"
)

// Scheme is the signature scheme flag prefixed to Sui signatures and public keys.
type Scheme byte

const (
	Ed25519   Scheme = 0x00
	Secp256k1 Scheme = 0x01
)

// Intent scopes
const (
	ScopeTransactionData Scope = 0
	ScopePersonalMessage Scope = 3
)

type Scope byte

var ErrInvalidSignature = errors.New("invalid sui signature")

// Key signs Sui transactions and personal messages.
type Key struct {
	scheme Scheme
	ed     ed25519.PrivateKey
	k1     *btcec.PrivateKey
}

func NewEd25519(seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid ed25519 seed length %v", len(seed))
	}
	return &Key{scheme: Ed25519, ed: ed25519.NewKeyFromSeed(seed)}, nil
}

func NewSecp256k1(key *btcec.PrivateKey) *Key {
	return &Key{scheme: Secp256k1, k1: key}
}

// FromECDSA lets the resolver reuse its EVM key on Sui.
func FromECDSA(key *ecdsa.PrivateKey) *Key {
	return NewSecp256k1(util.EcdsaToBtcec(key))
}

func (key *Key) Scheme() Scheme {
	return key.scheme
}

func (key *Key) PublicKey() []byte {
	if key.scheme == Ed25519 {
		return []byte(key.ed.Public().(ed25519.PublicKey))
	}
	return key.k1.PubKey().SerializeCompressed()
}

func (key *Key) Address() chain.Address {
	return Address(key.scheme, key.PublicKey())
}

// SignTransaction signs BCS encoded transaction bytes and returns the serialized signature expected by
// sui_executeTransactionBlock.
func (key *Key) SignTransaction(txBytes []byte) (string, error) {
	return key.signIntent(ScopeTransactionData, txBytes)
}

// SignPersonalMessage signs an arbitrary message the way Sui wallets do.
func (key *Key) SignPersonalMessage(msg []byte) (string, error) {
	return key.signIntent(ScopePersonalMessage, bcsBytes(msg))
}

func (key *Key) signIntent(scope Scope, data []byte) (string, error) {
	digest := IntentDigest(scope, data)
	var sig []byte
	switch key.scheme {
	case Ed25519:
		sig = ed25519.Sign(key.ed, digest[:])
	case Secp256k1:
		hash := sha256.Sum256(digest[:])
		compact, err := btcecdsa.SignCompact(key.k1, hash[:], true)
		if err != nil {
			return "", err
		}
		sig = compact[1:]
	default:
		return "", fmt.Errorf("unknown scheme %v", key.scheme)
	}
	serialized := make([]byte, 0, 1+len(sig)+33)
	serialized = append(serialized, byte(key.scheme))
	serialized = append(serialized, sig...)
	serialized = append(serialized, key.PublicKey()...)
	return base64.StdEncoding.EncodeToString(serialized), nil
}

// Address derives the Sui address of a public key.
func Address(scheme Scheme, pubKey []byte) chain.Address {
	data := make([]byte, 0, len(pubKey)+1)
	data = append(data, byte(scheme))
	data = append(data, pubKey...)
	return chain.SuiAddress(blake2b.Sum256(data))
}

// IntentDigest is the blake2b hash of the intent prefixed message.
func IntentDigest(scope Scope, data []byte) [32]byte {
	msg := make([]byte, 0, len(data)+3)
	msg = append(msg, byte(scope), 0, 0)
	msg = append(msg, data...)
	return blake2b.Sum256(msg)
}

// VerifyPersonalMessage checks a serialized personal message signature against the expected signer address.
func VerifyPersonalMessage(msg []byte, signature string, signer chain.Address) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) < 1 {
		return ErrInvalidSignature
	}
	digest := IntentDigest(ScopePersonalMessage, bcsBytes(msg))

	scheme := Scheme(raw[0])
	switch scheme {
	case Ed25519:
		if len(raw) != 1+ed25519.SignatureSize+ed25519.PublicKeySize {
			return ErrInvalidSignature
		}
		sig, pub := raw[1:1+ed25519.SignatureSize], raw[1+ed25519.SignatureSize:]
		if !ed25519.Verify(pub, digest[:], sig) {
			return ErrInvalidSignature
		}
		return checkSigner(scheme, pub, signer)
	case Secp256k1:
		if len(raw) != 1+64+btcec.PubKeyBytesLenCompressed {
			return ErrInvalidSignature
		}
		sig, pub := raw[1:65], raw[65:]
		pubKey, err := btcec.ParsePubKey(pub)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		var r, s btcec.ModNScalar
		if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
			return ErrInvalidSignature
		}
		hash := sha256.Sum256(digest[:])
		if !btcecdsa.NewSignature(&r, &s).Verify(hash[:], pubKey) {
			return ErrInvalidSignature
		}
		return checkSigner(scheme, pub, signer)
	default:
		return fmt.Errorf("%w: unknown scheme %v", ErrInvalidSignature, scheme)
	}
}

func checkSigner(scheme Scheme, pub []byte, signer chain.Address) error {
	if addr := Address(scheme, pub); !addr.Equal(signer) {
		return fmt.Errorf("%w: signed by %v, expect %v", ErrInvalidSignature, addr, signer)
	}
	return nil
}

// bcsBytes encodes a vector<u8> with its uleb128 length prefix.
func bcsBytes(data []byte) []byte {
	out := make([]byte, 0, len(data)+5)
	n := uint64(len(data))
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		out = append(out, b)
		break
	}
	return append(out, data...)
}
