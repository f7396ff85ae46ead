package sponsor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// Token is the accounting handle of an approved evaluation. It is opaque
// to holders: the engine only honours tokens it issued and has not yet
// settled, so forging or replaying one gets nothing.
type Token struct {
	ID              string         `json:"id"`
	Engine          kernel.Address `json:"engine"`
	Identity        kernel.Address `json:"identity"`
	DeclaredMaxCost int64          `json:"declared_max_cost"`
	WindowID        int64          `json:"window_id"`
	Seq             uint64         `json:"seq"`
	Requester       kernel.Address `json:"requester"`
}

func (t *Token) seal() error {
	body := *t
	body.ID = ""
	h, err := crypto.NewCanonicalHasher().Hash(struct {
		Domain string `json:"domain"`
		Token  Token  `json:"token"`
	}{crypto.DomainSponsorToken, body})
	if err != nil {
		return err
	}
	t.ID = "spt_" + h[:32]
	return nil
}

// Encode renders the token in its opaque transport form.
func (t Token) Encode() (string, error) {
	raw, err := crypto.CanonicalMarshal(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses the transport form.
func DecodeToken(s string) (Token, error) {
	var t Token
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, ErrInvalidToken.With("malformed token")
	}
	if err := jsonUnmarshalStrict(raw, &t); err != nil {
		return t, ErrInvalidToken.With("malformed token: %v", err)
	}
	if t.ID == "" {
		return t, ErrInvalidToken.With("token without id")
	}
	return t, nil
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%s, %d)", t.ID, t.Identity, t.DeclaredMaxCost)
}

func jsonUnmarshalStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
