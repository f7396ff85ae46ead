package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// MultibaseBase58BTC is the multibase prefix for base58btc.
const MultibaseBase58BTC = "z"

// ErrMalformedKey reports an owner key that is not a multibase Ed25519 key.
var ErrMalformedKey = errors.New("malformed public key")

// EncodeMultibaseKey renders pub as "z" + base58btc.
func EncodeMultibaseKey(pub ed25519.PublicKey) string {
	return MultibaseBase58BTC + base58.Encode(pub)
}

// DecodeMultibaseKey parses a base58btc multibase Ed25519 public key.
func DecodeMultibaseKey(value string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(value, MultibaseBase58BTC) {
		return nil, fmt.Errorf("%w: unsupported multibase prefix", ErrMalformedKey)
	}
	raw, err := base58.Decode(value[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
