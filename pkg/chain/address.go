package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SuiAddressLength is the byte length of a Sui account or object address.
const SuiAddressLength = 32

// Address is an account, token or object address on a specific chain family. Addresses are comparable and can be
// used as map keys.
type Address struct {
	family Family
	raw    string
}

func EVMAddress(addr common.Address) Address {
	return Address{family: FamilyEVM, raw: string(addr.Bytes())}
}

func SuiAddress(addr [SuiAddressLength]byte) Address {
	return Address{family: FamilySui, raw: string(addr[:])}
}

// ParseAddress decodes a hex address of the given family. Sui addresses may be given in their short form (e.g. 0x6),
// they are left padded to 32 bytes.
func ParseAddress(family Family, address string) (Address, error) {
	switch family {
	case FamilyEVM:
		if !common.IsHexAddress(address) {
			return Address{}, fmt.Errorf("invalid evm address: %v", address)
		}
		return EVMAddress(common.HexToAddress(address)), nil
	case FamilySui:
		s := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
		if len(s) == 0 || len(s) > 2*SuiAddressLength {
			return Address{}, fmt.Errorf("invalid sui address: %v", address)
		}
		if len(s)%2 == 1 {
			s = "0" + s
		}
		data, err := hex.DecodeString(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid sui address %v: %w", address, err)
		}
		var addr [SuiAddressLength]byte
		copy(addr[SuiAddressLength-len(data):], data)
		return SuiAddress(addr), nil
	default:
		return Address{}, fmt.Errorf("unknown address family for %v", address)
	}
}

// ParseAnyAddress infers the family from the length of a full-length hex address.
func ParseAnyAddress(address string) (Address, error) {
	s := strings.TrimPrefix(address, "0x")
	switch len(s) {
	case 2 * common.AddressLength:
		return ParseAddress(FamilyEVM, address)
	case 2 * SuiAddressLength:
		return ParseAddress(FamilySui, address)
	default:
		return Address{}, fmt.Errorf("cannot infer address family of %v", address)
	}
}

func MustParseAddress(family Family, address string) Address {
	addr, err := ParseAddress(family, address)
	if err != nil {
		panic(err)
	}
	return addr
}

func (addr Address) Family() Family {
	return addr.family
}

func (addr Address) Bytes() []byte {
	return []byte(addr.raw)
}

// Word returns the address left padded to 32 bytes, the way both chain families place it in a single ABI slot.
func (addr Address) Word() [32]byte {
	var word [32]byte
	copy(word[32-len(addr.raw):], addr.raw)
	return word
}

func (addr Address) EVM() common.Address {
	return common.BytesToAddress([]byte(addr.raw))
}

func (addr Address) Sui() [SuiAddressLength]byte {
	return addr.Word()
}

func (addr Address) IsZero() bool {
	for i := 0; i < len(addr.raw); i++ {
		if addr.raw[i] != 0 {
			return false
		}
	}
	return true
}

func (addr Address) Equal(other Address) bool {
	return addr == other
}

func (addr Address) String() string {
	switch addr.family {
	case FamilyEVM:
		return addr.EVM().Hex()
	case FamilySui:
		return "0x" + hex.EncodeToString([]byte(addr.raw))
	default:
		return ""
	}
}

func (addr Address) MarshalText() ([]byte, error) {
	return []byte(addr.String()), nil
}

func (addr *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*addr = Address{}
		return nil
	}
	parsed, err := ParseAnyAddress(string(text))
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}
