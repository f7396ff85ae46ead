package kernel

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the byte length of an address.
const AddressLength = 20

// Address identifies an account, a contract or an external party.
// The canonical form is lower-case 0x-prefixed hex.
type Address string

// ZeroAddress is the anonymous caller.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// BytesToAddress renders the last AddressLength bytes of b.
func BytesToAddress(b []byte) Address {
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	buf := make([]byte, AddressLength)
	copy(buf[AddressLength-len(b):], b)
	return Address("0x" + hex.EncodeToString(buf))
}

// ParseAddress validates and normalizes s.
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(raw) != AddressLength*2 {
		return "", fmt.Errorf("address %q: want %d hex chars, got %d", s, AddressLength*2, len(raw))
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("address %q: %w", s, err)
	}
	return Address("0x" + raw), nil
}

// Bytes returns the raw address bytes. Malformed addresses yield nil.
func (a Address) Bytes() []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(string(a), "0x"))
	if err != nil {
		return nil
	}
	return b
}

// IsZero reports whether a is empty or the zero address.
func (a Address) IsZero() bool {
	return a == "" || a == ZeroAddress
}

func (a Address) String() string { return string(a) }
