package types

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// NewID returns a 128-bit random identifier encoded as URL-safe,
// unpadded base64 text, per spec.md §3's id requirement. uuid.New is used
// purely as a source of 16 cryptographically random bytes; the RFC 4122
// version/variant bits it sets are irrelevant here and are not interpreted
// by any consumer.
func NewID() string {
	raw := uuid.New()
	return base64.RawURLEncoding.EncodeToString(raw[:])
}
