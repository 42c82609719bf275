package hashlock

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxLeaves is the largest secret set a Multiple hash-lock can commit to, the leaf count has to fit in the 16 bits
// packed into the on-chain root.
const MaxLeaves = 1 << 16

type Kind uint8

const (
	KindSingle Kind = iota + 1
	KindMultiple
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindMultiple:
		return "multiple"
	default:
		return "unknown"
	}
}

// HashLock commits to either a single secret or an ordered set of secrets through a merkle tree.
type HashLock struct {
	Kind Kind

	// Value is the secret hash for a Single lock, the merkle root for a Multiple one.
	Value common.Hash

	// Leaves is the number of secrets of a Multiple lock.
	Leaves int
}

func HashSecret(secret []byte) common.Hash {
	return crypto.Keccak256Hash(secret)
}

// Leaf binds a secret hash to its position in the secret set.
func Leaf(index uint64, secretHash common.Hash) common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return crypto.Keccak256Hash(idx[:], secretHash[:])
}

func CommitSingle(secret []byte) HashLock {
	return Single(HashSecret(secret))
}

func Single(secretHash common.Hash) HashLock {
	return HashLock{Kind: KindSingle, Value: secretHash, Leaves: 1}
}

func CommitMultiple(secrets [][]byte) (HashLock, error) {
	return MultipleFromHashes(hashAll(secrets))
}

// MultipleFromHashes builds the lock from already hashed secrets, so a resolver knowing only the published secret
// hashes can rebuild the tree.
func MultipleFromHashes(secretHashes []common.Hash) (HashLock, error) {
	if len(secretHashes) < 2 {
		return HashLock{}, swap.Validationf("multiple hash-lock needs at least 2 secrets, got %v", len(secretHashes))
	}
	if len(secretHashes) > MaxLeaves {
		return HashLock{}, swap.Validationf("too many secrets, %v > %v", len(secretHashes), MaxLeaves)
	}
	levels := tree(leaves(secretHashes))
	return HashLock{
		Kind:   KindMultiple,
		Value:  levels[len(levels)-1][0],
		Leaves: len(secretHashes),
	}, nil
}

// ProveLeaf returns the leaf of the secret at index and its sibling path up to the root.
func ProveLeaf(secrets [][]byte, index int) (common.Hash, []common.Hash, error) {
	return ProveLeafFromHashes(hashAll(secrets), index)
}

func ProveLeafFromHashes(secretHashes []common.Hash, index int) (common.Hash, []common.Hash, error) {
	if len(secretHashes) < 2 || len(secretHashes) > MaxLeaves {
		return common.Hash{}, nil, swap.Validationf("invalid number of secrets %v", len(secretHashes))
	}
	if index < 0 || index >= len(secretHashes) {
		return common.Hash{}, nil, swap.Validationf("leaf index %v out of range [0, %v)", index, len(secretHashes))
	}
	levels := tree(leaves(secretHashes))
	proof := make([]common.Hash, 0, len(levels)-1)
	pos := index
	for _, level := range levels[:len(levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos
		}
		proof = append(proof, level[sibling])
		pos /= 2
	}
	return levels[0][index], proof, nil
}

// Verify checks the secret against the lock. For a Multiple lock, the proof must lead from the leaf at index to the
// root. A mismatch returns false, it is never an error.
func Verify(hl HashLock, index int, secret []byte, proof []common.Hash) bool {
	return VerifyHash(hl, index, HashSecret(secret), proof)
}

// VerifyHash is Verify for callers that only know the secret hash, e.g. before the secret is revealed.
func VerifyHash(hl HashLock, index int, secretHash common.Hash, proof []common.Hash) bool {
	switch hl.Kind {
	case KindSingle:
		return secretHash == hl.Value
	case KindMultiple:
		if index < 0 || index >= hl.Leaves || len(proof) != depth(hl.Leaves) {
			return false
		}
		node := Leaf(uint64(index), secretHash)
		pos := index
		for _, sibling := range proof {
			if pos&1 == 0 {
				node = crypto.Keccak256Hash(node[:], sibling[:])
			} else {
				node = crypto.Keccak256Hash(sibling[:], node[:])
			}
			pos >>= 1
		}
		return node == hl.Value
	default:
		return false
	}
}

// Packed is the 32 bytes value stored on chain. For a Multiple lock the top 16 bits of the root carry the number of
// parts (leaves - 1).
func (hl HashLock) Packed() common.Hash {
	if hl.Kind != KindMultiple {
		return hl.Value
	}
	packed := hl.Value
	binary.BigEndian.PutUint16(packed[:2], uint16(hl.Leaves-1))
	return packed
}

// Parts is the number of fill parts the order amount is divided into.
func (hl HashLock) Parts() int {
	if hl.Kind != KindMultiple {
		return 1
	}
	return hl.Leaves - 1
}

func (hl HashLock) IsMultiple() bool {
	return hl.Kind == KindMultiple
}

func (hl HashLock) Validate() error {
	switch hl.Kind {
	case KindSingle:
		if hl.Value == (common.Hash{}) {
			return swap.Validationf("empty secret hash")
		}
		return nil
	case KindMultiple:
		if hl.Leaves < 2 || hl.Leaves > MaxLeaves {
			return swap.Validationf("invalid number of leaves %v", hl.Leaves)
		}
		return nil
	default:
		return swap.Validationf("unknown hash-lock kind %v", hl.Kind)
	}
}

type hashLockJSON struct {
	Type   string      `json:"type"`
	Data   common.Hash `json:"data"`
	Leaves int         `json:"leaves,omitempty"`
}

func (hl HashLock) MarshalJSON() ([]byte, error) {
	v := hashLockJSON{Type: hl.Kind.String(), Data: hl.Value}
	if hl.Kind == KindMultiple {
		v.Leaves = hl.Leaves
	}
	return json.Marshal(v)
}

func (hl *HashLock) UnmarshalJSON(data []byte) error {
	var v hashLockJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.Type {
	case "single":
		*hl = Single(v.Data)
	case "multiple":
		*hl = HashLock{Kind: KindMultiple, Value: v.Data, Leaves: v.Leaves}
	default:
		return fmt.Errorf("unknown hash-lock type %q", v.Type)
	}
	return hl.Validate()
}

// LeafIndexFor returns the secret index a fill must use. The index follows the cumulative filled amount, a fill that
// completes the order always takes the last index.
func LeafIndexFor(makingAmount, filledBefore, fillAmount *big.Int, parts int) int {
	filledAfter := new(big.Int).Add(filledBefore, fillAmount)
	if filledAfter.Cmp(makingAmount) >= 0 {
		return parts
	}
	if filledAfter.Sign() <= 0 {
		return 0
	}
	idx := new(big.Int).Sub(filledAfter, big.NewInt(1))
	idx.Mul(idx, big.NewInt(int64(parts)))
	idx.Quo(idx, makingAmount)
	return int(idx.Int64())
}

func hashAll(secrets [][]byte) []common.Hash {
	hashes := make([]common.Hash, len(secrets))
	for i, secret := range secrets {
		hashes[i] = HashSecret(secret)
	}
	return hashes
}

func leaves(secretHashes []common.Hash) []common.Hash {
	nodes := make([]common.Hash, len(secretHashes))
	for i, h := range secretHashes {
		nodes[i] = Leaf(uint64(i), h)
	}
	return nodes
}

// tree returns all levels from the leaves to the root. An odd level duplicates its last node.
func tree(nodes []common.Hash) [][]common.Hash {
	levels := [][]common.Hash{nodes}
	for len(nodes) > 1 {
		next := make([]common.Hash, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			right := nodes[i]
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, crypto.Keccak256Hash(nodes[i][:], right[:]))
		}
		levels = append(levels, next)
		nodes = next
	}
	return levels
}

func depth(leaves int) int {
	d := 0
	for n := leaves; n > 1; n = (n + 1) / 2 {
		d++
	}
	return d
}
