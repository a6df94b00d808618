package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "message only",
			err:      &Error{Code: EINVALID, Message: "invalid input"},
			expected: "invalid input",
		},
		{
			name:     "with operation",
			err:      &Error{Code: EINVALID, Op: "cart.add_item", Message: "invalid input"},
			expected: "cart.add_item: invalid input",
		},
		{
			name: "with wrapped error",
			err: &Error{
				Code:    EINTERNAL,
				Op:      "cart.add_item",
				Message: "failed to save",
				Err:     errors.New("database connection failed"),
			},
			expected: "cart.add_item: failed to save: database connection failed",
		},
		{
			name: "wrapped error without op",
			err: &Error{
				Code:    EINTERNAL,
				Message: "failed to save",
				Err:     errors.New("database connection failed"),
			},
			expected: "failed to save: database connection failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_IsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrInvalidQuantity.WithOp("cart.update_qty"))

	assert.True(t, errors.Is(err, ErrInvalidQuantity))
	assert.False(t, errors.Is(err, ErrProductInactive))
	assert.Equal(t, "cart.update_qty", ErrorOp(err))
}

func TestError_IsIgnoresUnkindedTargets(t *testing.T) {
	a := &Error{Code: EINVALID, Message: "a"}
	b := &Error{Code: EINVALID, Message: "b"}
	assert.False(t, errors.Is(a, b))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, EINTERNAL, ErrorCode(errors.New("boom")))
	assert.Equal(t, ECONFLICT, ErrorCode(InsufficientStock("p1", 2, 5)))
	assert.Equal(t, EBUSY, ErrorCode(fmt.Errorf("ctx: %w", ErrLockTimeout)))
}

func TestErrorMessage_HidesInternalDetails(t *testing.T) {
	err := Internal(errors.New("pq: relation missing"), "cart.save", "failed to save cart")
	assert.Equal(t, "An internal error occurred. Please try again later.", ErrorMessage(err))
	assert.Equal(t, "An internal error occurred. Please try again later.", ErrorMessage(errors.New("raw")))
	assert.Equal(t, "Quantity must be at least 1", ErrorMessage(ErrInvalidQuantity))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrLockTimeout, true},
		{ErrPreconditionFailed, true},
		{ErrPreconditionRequired, true},
		{ErrIdempotencyInProgress, true},
		{InsufficientStock("p1", 1, 2), false},
		{ErrInvalidQuantity, false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestInsufficientOptionStock_CarriesShortage(t *testing.T) {
	err := InsufficientOptionStock(StockShortage{
		ProductID:    "prod-1",
		AssignmentID: "as-red",
		OptionName:   "Color",
		ValueName:    "Red",
		Available:    3,
		Requested:    5,
	})

	assert.True(t, IsKind(err, KindInsufficientOptionStock))
	assert.Contains(t, ErrorMessage(err), "Color: Red")

	shortage, ok := ErrorDetail(err).(*StockShortage)
	if assert.True(t, ok) {
		assert.Equal(t, 3, shortage.Available)
		assert.Equal(t, 5, shortage.Requested)
		assert.Equal(t, "Color: Red", shortage.Label())
	}
}
