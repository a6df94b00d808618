package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/middleware"
	"github.com/dukerupert/cartengine/internal/telemetry"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload describes one error for API clients.
type ErrorPayload struct {
	Code      string            `json:"code"`
	Kind      string            `json:"kind,omitempty"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Detail    any               `json:"detail,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.EMETHODNOTALLOWED:
		return http.StatusMethodNotAllowed // 405
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.EGONE:
		return http.StatusGone // 410
	case domain.EPRECONDITION:
		return http.StatusPreconditionFailed // 412
	case domain.ETOOLARGE:
		return http.StatusRequestEntityTooLarge // 413
	case domain.EPRECONDITIONREQUIRED:
		return http.StatusPreconditionRequired // 428
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests // 429
	case domain.EBUSY:
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError // 500
	}
}

// NewErrorBody builds the envelope for err. Internal errors carry a generic
// message and no detail.
func NewErrorBody(err error) ErrorBody {
	code := domain.ErrorCode(err)
	payload := ErrorPayload{
		Code:      code,
		Kind:      string(domain.ErrorKind(err)),
		Message:   domain.ErrorMessage(err),
		Retryable: domain.Retryable(err),
	}
	if code != domain.EINTERNAL {
		payload.Detail = domain.ErrorDetail(err)
	}
	return ErrorBody{Error: payload}
}

// ErrorResponse logs err and writes it to the client with the mapped status.
// Internal errors are reported to Sentry.
func ErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	body := NewErrorBody(err)
	status := ErrorCodeToHTTPStatus(body.Error.Code)
	logError(r, err, status)

	if status >= 500 {
		telemetry.CaptureErrorFromContext(r.Context(), err, map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
		})
	}
	if body.Error.Retryable && status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	if acceptsJSON(r) {
		writeJSON(w, status, body)
		return
	}
	http.Error(w, body.Error.Message, status)
}

// ValidationErrorResponse writes request validation failures with one
// message per field. Errors that are not validator errors fall back to
// ErrorResponse.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		ErrorResponse(w, r, err)
		return
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	body := ErrorBody{Error: ErrorPayload{
		Code:    domain.EINVALID,
		Kind:    string(domain.KindInvalidRequest),
		Message: "Request validation failed",
		Fields:  fields,
	}}
	logError(r, err, http.StatusBadRequest)

	if acceptsJSON(r) {
		writeJSON(w, http.StatusBadRequest, body)
		return
	}
	http.Error(w, body.Error.Message, http.StatusBadRequest)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "dive", "required_without":
		return fe.Field() + " is invalid"
	default:
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
}

// NotFoundResponse writes a 404.
func NotFoundResponse(w http.ResponseWriter, r *http.Request) {
	ErrorResponse(w, r, domain.Errorf(domain.ENOTFOUND, "", "The requested resource was not found"))
}

// BadRequestResponse writes a 400 with message.
func BadRequestResponse(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, domain.Invalid("", message))
}

// InternalErrorResponse wraps err as internal and writes a 500.
func InternalErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	ErrorResponse(w, r, domain.Internal(err, "", "An unexpected error occurred"))
}

// JSON writes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func logError(r *http.Request, err error, status int) {
	logger := middleware.GetLogger(r.Context())
	attrs := []any{
		"error", err.Error(),
		"code", domain.ErrorCode(err),
		"status", status,
	}
	if kind := domain.ErrorKind(err); kind != "" {
		attrs = append(attrs, "kind", string(kind))
	}
	if op := domain.ErrorOp(err); op != "" {
		attrs = append(attrs, "op", op)
	}

	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed", attrs...)
	} else {
		logger.InfoContext(r.Context(), "request failed", attrs...)
	}
}

// acceptsJSON checks if the client prefers JSON responses. The API answers
// JSON unless the client explicitly asks for something else.
func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	contentType := r.Header.Get("Content-Type")

	if strings.Contains(accept, "application/json") {
		return true
	}
	if strings.Contains(contentType, "application/json") {
		return true
	}
	if strings.HasSuffix(r.URL.Path, ".json") {
		return true
	}
	return accept == "" || strings.Contains(accept, "*/*")
}
