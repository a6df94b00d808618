package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/cartengine/internal/domain"
)

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code     string
		expected int
	}{
		{domain.EINVALID, http.StatusBadRequest},
		{domain.ENOTFOUND, http.StatusNotFound},
		{domain.EMETHODNOTALLOWED, http.StatusMethodNotAllowed},
		{domain.ECONFLICT, http.StatusConflict},
		{domain.EGONE, http.StatusGone},
		{domain.EPRECONDITION, http.StatusPreconditionFailed},
		{domain.ETOOLARGE, http.StatusRequestEntityTooLarge},
		{domain.EPRECONDITIONREQUIRED, http.StatusPreconditionRequired},
		{domain.ERATELIMIT, http.StatusTooManyRequests},
		{domain.EBUSY, http.StatusServiceUnavailable},
		{domain.EINTERNAL, http.StatusInternalServerError},
		{"unknown_code", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := ErrorCodeToHTTPStatus(tt.code); got != tt.expected {
				t.Errorf("ErrorCodeToHTTPStatus(%q) = %d, want %d", tt.code, got, tt.expected)
			}
		})
	}
}

func TestErrorResponse_JSON(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
		expectedKind   string
		retryable      bool
	}{
		{
			name:           "cart not found",
			err:            domain.ErrCartNotFound,
			expectedStatus: http.StatusNotFound,
			expectedCode:   domain.ENOTFOUND,
			expectedKind:   string(domain.KindCartNotFound),
		},
		{
			name:           "invalid quantity",
			err:            domain.ErrInvalidQuantity.WithOp("add_item"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   domain.EINVALID,
			expectedKind:   string(domain.KindInvalidQuantity),
		},
		{
			name:           "stale version",
			err:            domain.ErrPreconditionFailed,
			expectedStatus: http.StatusPreconditionFailed,
			expectedCode:   domain.EPRECONDITION,
			expectedKind:   string(domain.KindPreconditionFailed),
			retryable:      true,
		},
		{
			name:           "missing token",
			err:            domain.ErrPreconditionRequired,
			expectedStatus: http.StatusPreconditionRequired,
			expectedCode:   domain.EPRECONDITIONREQUIRED,
			expectedKind:   string(domain.KindPreconditionRequired),
			retryable:      true,
		},
		{
			name:           "lock timeout",
			err:            domain.ErrLockTimeout,
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   domain.EBUSY,
			expectedKind:   string(domain.KindLockTimeout),
			retryable:      true,
		},
		{
			name:           "key reuse",
			err:            domain.ErrIdempotencyKeyConflict,
			expectedStatus: http.StatusConflict,
			expectedCode:   domain.ECONFLICT,
			expectedKind:   string(domain.KindIdempotencyKeyConflict),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Accept", "application/json")
			rec := httptest.NewRecorder()

			ErrorResponse(rec, req, tt.err)

			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}

			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}

			var response ErrorBody
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}

			if response.Error.Code != tt.expectedCode {
				t.Errorf("error.code = %q, want %q", response.Error.Code, tt.expectedCode)
			}
			if response.Error.Kind != tt.expectedKind {
				t.Errorf("error.kind = %q, want %q", response.Error.Kind, tt.expectedKind)
			}
			if response.Error.Retryable != tt.retryable {
				t.Errorf("error.retryable = %v, want %v", response.Error.Retryable, tt.retryable)
			}
		})
	}
}

func TestErrorResponse_StockDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/cart/items", nil)
	rec := httptest.NewRecorder()

	err := domain.InsufficientOptionStock(domain.StockShortage{
		ProductID: "p1", AssignmentID: "red", OptionName: "Color", ValueName: "Red", Available: 3, Requested: 5,
	})
	ErrorResponse(rec, req, err)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	var response struct {
		Error struct {
			Message string               `json:"message"`
			Detail  domain.StockShortage `json:"detail"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Error.Detail.OptionName != "Color" || response.Error.Detail.Available != 3 {
		t.Errorf("detail = %+v, want Color with 3 available", response.Error.Detail)
	}
	if response.Error.Message != "Only 3 available for Color: Red, 5 requested" {
		t.Errorf("message = %q", response.Error.Message)
	}
}

func TestErrorResponse_LockTimeoutSetsRetryAfter(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/cart/items", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, domain.ErrLockTimeout)

	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
}

func TestErrorResponse_PlainText(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, domain.ErrCartNotFound)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	body := rec.Body.String()
	if body == "" {
		t.Error("response body should not be empty")
	}
}

func TestErrorResponse_InternalHidesDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	err := domain.Internal(nil, "db.query", "failed to connect to database at 192.168.1.100:5432")
	ErrorResponse(rec, req, err)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	var response ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	expected := "An internal error occurred. Please try again later."
	if response.Error.Message != expected {
		t.Errorf("message = %q, want %q", response.Error.Message, expected)
	}
	if response.Error.Detail != nil {
		t.Errorf("detail = %v, want nil", response.Error.Detail)
	}
}

func TestValidationErrorResponse_JSON(t *testing.T) {
	type body struct {
		ProductID string `json:"productId" validate:"required"`
		Qty       int    `json:"qty" validate:"min=1"`
	}
	v := validator.New()
	verr := v.Struct(body{})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	ValidationErrorResponse(rec, req, verr)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	var response ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Error.Code != domain.EINVALID {
		t.Errorf("error.code = %q, want %q", response.Error.Code, domain.EINVALID)
	}
	if len(response.Error.Fields) != 2 {
		t.Errorf("fields count = %d, want 2", len(response.Error.Fields))
	}
	if response.Error.Fields["ProductID"] != "ProductID is required" {
		t.Errorf("fields[ProductID] = %q", response.Error.Fields["ProductID"])
	}
}

func TestValidationErrorResponse_NonValidationError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	ValidationErrorResponse(rec, req, domain.ErrCartItemNotFound)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestConvenienceResponses(t *testing.T) {
	t.Run("NotFoundResponse", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()

		NotFoundResponse(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("BadRequestResponse", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()

		BadRequestResponse(rec, req, "bad body")

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("InternalErrorResponse", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Accept", "application/json")
		rec := httptest.NewRecorder()

		InternalErrorResponse(rec, req, nil)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
		}
	})
}

func TestAcceptsJSON(t *testing.T) {
	tests := []struct {
		name        string
		accept      string
		contentType string
		path        string
		expected    bool
	}{
		{
			name:     "application/json in Accept",
			accept:   "application/json",
			expected: true,
		},
		{
			name:     "application/json with charset in Accept",
			accept:   "application/json; charset=utf-8",
			expected: true,
		},
		{
			name:        "application/json in Content-Type",
			accept:      "text/plain",
			contentType: "application/json",
			expected:    true,
		},
		{
			name:     ".json extension in path",
			accept:   "text/plain",
			path:     "/api/cart.json",
			expected: true,
		},
		{
			name:     "wildcard Accept",
			accept:   "*/*",
			expected: true,
		},
		{
			name:     "no headers",
			expected: true,
		},
		{
			name:   "text/plain Accept",
			accept: "text/plain",
			path:   "/cart",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if path == "" {
				path = "/test"
			}

			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			if got := acceptsJSON(req); got != tt.expected {
				t.Errorf("acceptsJSON() = %v, want %v", got, tt.expected)
			}
		})
	}
}
