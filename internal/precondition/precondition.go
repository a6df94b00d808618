// Package precondition validates optimistic concurrency tokens presented by
// HTTP clients: a version number or the weak ETag returned with every cart.
package precondition

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/cartengine/internal/domain"
)

// Header names carrying a token.
const (
	HeaderIfMatch     = "If-Match"
	HeaderCartVersion = "X-Cart-Version"
)

// Mode decides what happens when a client sends no token.
type Mode string

const (
	// ModeCompatible proceeds without a token except on strict endpoints.
	ModeCompatible Mode = "compatible"
	// ModeStrict requires a token on every write.
	ModeStrict Mode = "strict"
)

// ParseMode parses a mode name, defaulting to compatible.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeCompatible:
		return ModeCompatible, nil
	case ModeStrict:
		return ModeStrict, nil
	}
	return "", fmt.Errorf("unknown precondition mode %q", s)
}

// FromRequest extracts the token from If-Match or X-Cart-Version.
// If-Match takes priority when both are present.
func FromRequest(r *http.Request) (domain.Precondition, error) {
	return Parse(r.Header.Get(HeaderIfMatch), r.Header.Get(HeaderCartVersion))
}

// Parse builds a token from raw header values. Empty values mean absent.
func Parse(ifMatch, version string) (domain.Precondition, error) {
	const op = "precondition.parse"

	ifMatch = strings.TrimSpace(ifMatch)
	switch {
	case ifMatch == "*":
		return domain.Precondition{Wildcard: true}, nil
	case strings.HasPrefix(ifMatch, `W/"cart:`) && strings.HasSuffix(ifMatch, `"`):
		return domain.Precondition{ETag: ifMatch}, nil
	case ifMatch != "":
		v, err := parseVersion(strings.Trim(ifMatch, `"`))
		if err != nil {
			return domain.Precondition{}, domain.Invalid(op, "If-Match must be a cart ETag or version number")
		}
		return domain.Precondition{Version: v}, nil
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return domain.Precondition{}, nil
	}
	v, err := parseVersion(version)
	if err != nil {
		return domain.Precondition{}, domain.Invalid(op, "X-Cart-Version must be a positive integer")
	}
	return domain.Precondition{Version: v}, nil
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 1 {
		return 0, fmt.Errorf("version must be positive")
	}
	return v, nil
}

// Guard applies the token policy.
type Guard struct {
	mode   Mode
	strict map[string]bool
}

// NewGuard creates a guard. strictEndpoints require a token even in
// compatible mode.
func NewGuard(mode Mode, strictEndpoints []string) *Guard {
	strict := make(map[string]bool, len(strictEndpoints))
	for _, e := range strictEndpoints {
		if e = strings.TrimSpace(e); e != "" {
			strict[e] = true
		}
	}
	return &Guard{mode: mode, strict: strict}
}

// Require fails with PreconditionRequired when endpoint needs a token and
// none was presented. It runs before any lock is taken.
func (g *Guard) Require(endpoint string, p domain.Precondition) error {
	if p.Present() {
		return nil
	}
	if g.mode == ModeStrict || g.strict[endpoint] {
		return domain.ErrPreconditionRequired.WithOp(endpoint)
	}
	return nil
}

// Check compares the token with the cart's current state. Called against a
// plain read to fail fast, then again under lock before any write.
func (g *Guard) Check(p domain.Precondition, cart *domain.Cart) error {
	if !p.Present() || p.Matches(cart) {
		return nil
	}
	return domain.PreconditionFailed(cart)
}
