package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalMarshal marshals v into canonical JSON (RFC 8785): sorted keys,
// no insignificant whitespace, normalized numbers and string escapes.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return out, nil
}

// Domain separators for signed payloads.
const (
	DomainOperation    = "paycore.operation.v1"
	DomainRecipient    = "paycore.escrow.recipient.v1"
	DomainSponsorToken = "paycore.sponsor.token.v1"
)
