package domain

import (
	"errors"
	"fmt"
)

// Application error codes.
// These map to HTTP status codes and determine user-facing messages.
const (
	ECONFLICT             = "conflict"              // 409 - State conflict (stock, idempotency key reuse)
	EINTERNAL             = "internal"              // 500 - Internal server error (hide details)
	EINVALID              = "invalid"               // 400 - Validation error (bad input)
	ENOTFOUND             = "not_found"             // 404 - Resource not found
	EMETHODNOTALLOWED     = "method_not_allowed"    // 405 - Route exists for other methods
	EGONE                 = "gone"                  // 410 - Cart expired or merged away
	EPRECONDITION         = "precondition_failed"   // 412 - Stale version or ETag
	EPRECONDITIONREQUIRED = "precondition_required" // 428 - Token missing on a strict endpoint
	ETOOLARGE             = "too_large"             // 413 - Request body over the limit
	ERATELIMIT            = "rate_limited"          // 429 - Too many requests
	EBUSY                 = "busy"                  // 503 - Lock not acquired in time
)

// Kind discriminates the business-rule violation behind an Error so callers can
// branch on it without inspecting messages.
type Kind string

const (
	KindInvalidRequest           Kind = "INVALID_REQUEST"
	KindInvalidQuantity          Kind = "INVALID_QUANTITY"
	KindFractionalAmount         Kind = "FRACTIONAL_AMOUNT"
	KindProductNotFound          Kind = "PRODUCT_NOT_FOUND"
	KindProductInactive          Kind = "PRODUCT_INACTIVE"
	KindInsufficientStock        Kind = "INSUFFICIENT_STOCK"
	KindInsufficientOptionStock  Kind = "INSUFFICIENT_OPTION_STOCK"
	KindOptionAssignmentNotFound Kind = "OPTION_ASSIGNMENT_NOT_FOUND"
	KindOptionAssignmentMismatch Kind = "OPTION_ASSIGNMENT_MISMATCH"
	KindDuplicateSKU             Kind = "DUPLICATE_SKU"
	KindMissingSKU               Kind = "MISSING_SKU"
	KindCartNotFound             Kind = "CART_NOT_FOUND"
	KindCartExpired              Kind = "CART_EXPIRED"
	KindCartItemNotFound         Kind = "CART_ITEM_NOT_FOUND"
	KindPreconditionFailed       Kind = "PRECONDITION_FAILED"
	KindPreconditionRequired     Kind = "PRECONDITION_REQUIRED"
	KindIdempotencyKeyConflict   Kind = "IDEMPOTENCY_KEY_CONFLICT"
	KindIdempotencyInProgress    Kind = "IDEMPOTENCY_IN_PROGRESS"
	KindLockTimeout              Kind = "LOCK_TIMEOUT"
)

// Error represents an application error with a code and message.
// It implements the error interface and supports error wrapping.
type Error struct {
	// Code is a machine-readable error category (e.g., EINVALID, ENOTFOUND).
	Code string

	// Kind names the specific rule that was violated. Empty for generic errors.
	Kind Kind

	// Message is a human-readable error message safe to show to users.
	Message string

	// Op is the operation where the error occurred (e.g., "cart.add_item").
	// Used for debugging and logging, not shown to users.
	Op string

	// Err is the underlying error, if any. Used for error wrapping.
	Err error

	// Detail carries structured data for precise client messages,
	// e.g. *StockShortage for stock failures.
	Detail any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a kinded *Error of the same Kind, so that
// errors.Is(err, ErrInvalidQuantity) matches any instance of that rule.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind == "" {
		return false
	}
	return t.Kind == e.Kind
}

// WithOp returns a copy of e annotated with the operation.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// ErrorCode extracts the error code from an error.
// Returns EINTERNAL for nil or non-domain errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return EINTERNAL
}

// ErrorKind extracts the Kind from an error, or "" when there is none.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrorMessage extracts a user-facing message from an error.
// For internal errors, returns a generic message to avoid leaking details.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}

	return "An internal error occurred. Please try again later."
}

// ErrorOp extracts the operation from an error (for logging).
func ErrorOp(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// ErrorDetail extracts structured detail from an error, if any.
func ErrorDetail(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return nil
}

// IsKind returns true if err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && ErrorKind(err) == kind
}

// IsCode returns true if err has the given error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Retryable reports whether a client may retry the same request unchanged.
// Lock contention and stale preconditions clear up on their own; stock and
// validation failures need a different request.
func Retryable(err error) bool {
	switch ErrorKind(err) {
	case KindLockTimeout, KindPreconditionFailed, KindPreconditionRequired, KindIdempotencyInProgress:
		return true
	}
	return false
}

// Errorf creates a new domain error with formatted message.
// Example: domain.Errorf(domain.EINVALID, "cart.add_item", "unknown currency: %s", code)
func Errorf(code, op, format string, args ...interface{}) error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Invalid creates a validation error for a single issue.
func Invalid(op, message string) error {
	return &Error{
		Code:    EINVALID,
		Kind:    KindInvalidRequest,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error (wraps underlying error).
// The message shown to users will be generic; the underlying error is for logging.
func Internal(err error, op, message string) error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}
