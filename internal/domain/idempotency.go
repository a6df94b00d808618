package domain

import "time"

var (
	ErrIdempotencyKeyConflict = &Error{Code: ECONFLICT, Kind: KindIdempotencyKeyConflict, Message: "Idempotency key was already used for a different request"}
	ErrIdempotencyInProgress  = &Error{Code: ECONFLICT, Kind: KindIdempotencyInProgress, Message: "A request with this idempotency key is still in progress"}
)

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord stores the outcome of a keyed write for replay.
type IdempotencyRecord struct {
	Key          string
	CartID       string
	Endpoint     string
	RequestHash  string
	Status       IdempotencyStatus
	HTTPStatus   int
	ResponseBody []byte
	Owner        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// IsExpired reports whether the record is past retention. Expired records are
// never replayed.
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
