package domain

var (
	ErrPreconditionFailed   = &Error{Code: EPRECONDITION, Kind: KindPreconditionFailed, Message: "Cart was modified by another request"}
	ErrPreconditionRequired = &Error{Code: EPRECONDITIONREQUIRED, Kind: KindPreconditionRequired, Message: "This request requires an If-Match or X-Cart-Version header"}
	ErrLockTimeout          = &Error{Code: EBUSY, Kind: KindLockTimeout, Message: "Cart is busy, please retry"}
)

// Precondition is a client-presented optimistic concurrency token.
// The zero value means no token was presented.
type Precondition struct {
	// Wildcard is set for If-Match: *, which matches any existing cart.
	Wildcard bool
	// Version is a strong version number, 0 when absent.
	Version int64
	// ETag is a weak entity tag as produced by Cart.ETag.
	ETag string
}

// Present reports whether any token was supplied.
func (p Precondition) Present() bool {
	return p.Wildcard || p.Version > 0 || p.ETag != ""
}

// Matches compares the token against the cart's current state.
func (p Precondition) Matches(c *Cart) bool {
	switch {
	case p.Wildcard:
		return true
	case p.ETag != "":
		return p.ETag == c.ETag()
	case p.Version > 0:
		return p.Version == c.Version
	}
	return true
}

// PreconditionFailed carries the cart's current version and ETag so the
// client can refresh without another read.
func PreconditionFailed(c *Cart) error {
	return &Error{
		Code:    EPRECONDITION,
		Kind:    KindPreconditionFailed,
		Message: ErrPreconditionFailed.Message,
		Detail:  map[string]any{"version": c.Version, "etag": c.ETag()},
	}
}
