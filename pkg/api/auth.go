package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// Channel is the privileged role a bearer token speaks for.
type Channel string

const (
	ChannelAdmin    Channel = "admin"
	ChannelExecutor Channel = "executor"
)

const tokenAudience = "paycore"

// Claims are the claims of a channel token. The subject is the address of
// the signing key; the kid header is the multibase public key.
type Claims struct {
	jwt.RegisteredClaims
	Channel Channel `json:"channel"`
}

// IssueToken signs a channel token valid for ttl.
func IssueToken(signer *crypto.Ed25519Signer, ch Channel, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(signer.Address()),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  jwt.ClaimStrings{tokenAudience},
		},
		Channel: ch,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = signer.PublicKey()
	return token.SignedString(signer.PrivateKey())
}

type principal struct {
	channel Channel
	address kernel.Address
	key     ed25519.PublicKey
}

// Authenticator verifies channel tokens against the configured keys.
type Authenticator struct {
	keys map[string]principal
}

// NewAuthenticator trusts ownerKey for the admin channel and executorKey
// for the executor channel. Both are multibase Ed25519 public keys.
func NewAuthenticator(ownerKey, executorKey string) (*Authenticator, error) {
	a := &Authenticator{keys: make(map[string]principal, 2)}
	for ch, key := range map[Channel]string{ChannelAdmin: ownerKey, ChannelExecutor: executorKey} {
		pub, err := crypto.DecodeMultibaseKey(key)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", ch, err)
		}
		if _, dup := a.keys[key]; dup {
			return nil, errors.New("admin and executor channels must use distinct keys")
		}
		a.keys[key] = principal{channel: ch, address: crypto.AddressFromKey(pub), key: pub}
	}
	return a, nil
}

// Verify parses raw and returns the caller it authenticates for ch.
func (a *Authenticator) Verify(raw string, ch Channel) (kernel.Address, error) {
	var p principal
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		found, ok := a.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key %q", kid)
		}
		p = found
		return found.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return "", err
	}
	if p.channel != ch || claims.Channel != ch {
		return "", fmt.Errorf("token is not valid for the %s channel", ch)
	}
	if kernel.Address(claims.Subject) != p.address {
		return "", fmt.Errorf("subject %q does not match the signing key", claims.Subject)
	}
	return p.address, nil
}

type callerKey struct{}

// CallerFrom returns the caller authenticated by Require.
func CallerFrom(ctx context.Context) (kernel.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(kernel.Address)
	return a, ok
}

// Require rejects requests without a valid bearer token for ch.
func (a *Authenticator) Require(ch Channel) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || raw == "" {
				WriteUnauthorized(w, "")
				return
			}
			caller, err := a.Verify(raw, ch)
			if err != nil {
				WriteUnauthorized(w, "invalid token: "+err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}
