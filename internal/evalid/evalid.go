// Package evalid generates evaluation identifiers.
//
// Evaluation ids are opaque strings whose lexicographic order
// approximates submission order. A ULID (github.com/oklog/ulid/v2) fits
// exactly: 48 bits of millisecond timestamp followed by 80 bits of
// crypto-random entropy, Crockford base32 encoded so string sort order
// matches time order.
package evalid

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropySource wraps crypto/rand so concurrent New() calls from many
// Gateway goroutines never share mutable state (ulid.Monotonic is not
// safe for concurrent use without its own locking, and the platform's
// uniqueness requirement only needs a collision-resistant random tail,
// not strict monotonicity within the same millisecond).
type cryptoEntropy struct{}

func (cryptoEntropy) Read(p []byte) (int, error) { return rand.Read(p) }

// New returns a new, globally-unique, time-sortable evaluation id.
func New() string {
	return NewAt(time.Now())
}

// NewAt is New with an injected clock, for deterministic tests.
func NewAt(t time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(t), cryptoEntropy{})
	return strings.ToLower(id.String())
}

// Valid reports whether s is a syntactically well-formed id produced by
// this package (used to reject malformed ids at component boundaries
// without round-tripping through the durable store).
func Valid(s string) bool {
	if len(s) != 26 {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}
