package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/cartengine/internal/cookie"
	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/handler"
	"github.com/dukerupert/cartengine/internal/idempotency"
	"github.com/dukerupert/cartengine/internal/middleware"
	"github.com/dukerupert/cartengine/internal/money"
	"github.com/dukerupert/cartengine/internal/precondition"
	"github.com/dukerupert/cartengine/internal/telemetry"
)

// Logical endpoint names. They key idempotency records and the strict
// precondition endpoint list.
const (
	EndpointAddItem     = "POST /cart/items"
	EndpointUpdateItem  = "PATCH /cart/items/{id}"
	EndpointRemoveItem  = "DELETE /cart/items/{id}"
	EndpointClearCart   = "DELETE /cart/items"
	EndpointMerge       = "POST /cart/merge"
	EndpointSetShipping = "PUT /cart/shipping"
)

// Response headers.
const (
	HeaderETag     = "ETag"
	HeaderReplayed = "X-Idempotency-Replayed"
)

// CartHandler serves the cart JSON API.
type CartHandler struct {
	carts    domain.CartService
	idem     *idempotency.Guard
	cookies  *cookie.Config
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCartHandler creates a cart handler. idem may be nil, in which case
// Idempotency-Key headers are ignored.
func NewCartHandler(
	carts domain.CartService,
	idem *idempotency.Guard,
	cookies *cookie.Config,
	logger *slog.Logger,
) *CartHandler {
	if cookies == nil {
		cookies = cookie.NewConfig("", false)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CartHandler{
		carts:    carts,
		idem:     idem,
		cookies:  cookies,
		validate: newValidator(),
		logger:   logger,
	}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// REQUESTS
// =============================================================================

type addItemRequest struct {
	ProductID           string   `json:"productId" validate:"required,max=64"`
	Qty                 *int     `json:"qty"`
	OptionAssignmentIDs []string `json:"optionAssignmentIds" validate:"max=20,dive,required,max=64"`
}

type updateItemRequest struct {
	Qty *int `json:"qty" validate:"required"`
}

type mergeRequest struct {
	SourceToken string `json:"sourceToken" validate:"required,max=128"`
}

type shippingRequest struct {
	MethodCode string          `json:"methodCode" validate:"required,max=64"`
	Cost       money.Amount    `json:"cost"`
	City       string          `json:"city" validate:"max=128"`
	Data       json.RawMessage `json:"data"`
}

// =============================================================================
// READ
// =============================================================================

// Get handles GET /cart. LIVE carts carry catalog-current prices alongside
// the stored snapshot. If-None-Match with the current ETag answers 304.
func (h *CartHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cart, err := h.carts.ResolveCart(ctx, h.ref(r))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	view, err := h.carts.GetCart(ctx, cart.ID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	etag := view.Cart.ETag()
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set(HeaderETag, etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body, err := json.Marshal(newCartResponse(view.Cart, view.Live))
	if err != nil {
		handler.InternalErrorResponse(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, view.Cart.Version, etag, body)
}

// =============================================================================
// WRITES
// =============================================================================

// AddItem handles POST /cart/items. The caller's cart is created when none
// resolves.
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if !h.decode(w, r, body, &req) {
		return
	}
	qty := 1
	if req.Qty != nil {
		qty = *req.Qty
	}

	h.write(w, r, mutation{
		endpoint: EndpointAddItem,
		body:     body,
		create:   true,
		run: func(ctx context.Context, cart *domain.Cart, opts domain.WriteOptions) (*domain.Cart, error) {
			return h.carts.AddItem(ctx, cart.ID, domain.AddItemParams{
				ProductID:           req.ProductID,
				Qty:                 qty,
				OptionAssignmentIDs: req.OptionAssignmentIDs,
			}, opts)
		},
	})
}

// UpdateItem handles PATCH /cart/items/{id}. A quantity of zero or less
// removes the line.
func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if !h.decode(w, r, body, &req) {
		return
	}

	h.write(w, r, mutation{
		endpoint: EndpointUpdateItem,
		body:     append([]byte(itemID+"\n"), body...),
		run: func(ctx context.Context, cart *domain.Cart, opts domain.WriteOptions) (*domain.Cart, error) {
			return h.carts.UpdateItemQuantity(ctx, cart.ID, itemID, *req.Qty, opts)
		},
	})
}

// RemoveItem handles DELETE /cart/items/{id}. Removing a line that is
// already gone succeeds.
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")

	h.write(w, r, mutation{
		endpoint: EndpointRemoveItem,
		body:     []byte(itemID),
		run: func(ctx context.Context, cart *domain.Cart, opts domain.WriteOptions) (*domain.Cart, error) {
			return h.carts.RemoveItem(ctx, cart.ID, itemID, opts)
		},
	})
}

// Clear handles DELETE /cart/items.
func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, mutation{
		endpoint: EndpointClearCart,
		run: func(ctx context.Context, cart *domain.Cart, opts domain.WriteOptions) (*domain.Cart, error) {
			return h.carts.ClearCart(ctx, cart.ID, opts)
		},
	})
}

// Merge handles POST /cart/merge: every line of the cart identified by
// sourceToken moves into the caller's cart, all or nothing. When the caller
// was presenting the source token, the cookie moves to the target.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req mergeRequest
	if !h.decode(w, r, body, &req) {
		return
	}
	ref := h.ref(r)

	h.write(w, r, mutation{
		endpoint: EndpointMerge,
		body:     body,
		run: func(ctx context.Context, cart *domain.Cart, opts domain.WriteOptions) (*domain.Cart, error) {
			source, err := h.carts.ResolveCart(ctx, domain.CartRef{Token: req.SourceToken})
			if err != nil {
				return nil, err
			}
			merged, err := h.carts.Merge(ctx, cart.ID, source.ID, opts)
			if err != nil {
				return nil, err
			}
			if ref.Token == req.SourceToken {
				h.cookies.SetCartToken(w, merged.Token, merged.ExpiresAt)
			}
			return merged, nil
		},
	})
}

// SetShipping handles PUT /cart/shipping.
func (h *CartHandler) SetShipping(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req shippingRequest
	if !h.decode(w, r, body, &req) {
		return
	}

	h.write(w, r, mutation{
		endpoint: EndpointSetShipping,
		body:     body,
		run: func(ctx context.Context, cart *domain.Cart, opts domain.WriteOptions) (*domain.Cart, error) {
			return h.carts.SetShipping(ctx, cart.ID, domain.Shipping{
				MethodCode: req.MethodCode,
				Cost:       int64(req.Cost),
				City:       req.City,
				Data:       req.Data,
			}, opts)
		},
	})
}

// mutation is one write against the caller's cart.
type mutation struct {
	endpoint string
	// body is what makes two requests the same logical write.
	body []byte
	// create makes the caller's cart when none resolves.
	create bool
	run    func(ctx context.Context, cart *domain.Cart, opts domain.WriteOptions) (*domain.Cart, error)
}

// write resolves the caller's cart, claims the idempotency key, runs the
// mutation and stores its response for replay. Replays are answered before
// the precondition is checked so a retried success is not rejected by its
// own stale token.
func (h *CartHandler) write(w http.ResponseWriter, r *http.Request, m mutation) {
	ctx := r.Context()
	logger := middleware.GetLogger(ctx, h.logger)
	ref := h.ref(r)

	pre, err := precondition.FromRequest(r)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	cart, err := h.carts.ResolveCart(ctx, ref)
	if err != nil && !(m.create && errors.Is(err, domain.ErrCartNotFound)) {
		handler.ErrorResponse(w, r, err)
		return
	}

	var ticket *idempotency.Ticket
	if key := r.Header.Get(idempotency.HeaderKey); key != "" && h.idem != nil {
		caller := idempotency.Caller{UserID: ref.UserID}
		if cart != nil {
			caller.CartID = cart.ID
		}
		decision, err := h.idem.Begin(ctx, key, caller, m.endpoint, idempotency.RequestHash(m.endpoint, m.body))
		if err != nil {
			handler.ErrorResponse(w, r, err)
			return
		}
		if decision.Outcome == idempotency.Replay {
			h.replay(w, r, ref, cart, decision.Response)
			return
		}
		ticket = &decision.Ticket
	}

	fail := func(err error) {
		if ticket != nil {
			if ferr := h.idem.Fail(context.WithoutCancel(ctx), *ticket); ferr != nil {
				logger.Warn("failed to release idempotency key", "error", ferr)
			}
		}
		handler.ErrorResponse(w, r, err)
	}

	if m.create && (cart == nil || (ref.UserID != "" && cart.UserID == nil)) {
		var created bool
		cart, created, err = h.carts.GetOrCreateCart(ctx, ref)
		if err != nil {
			fail(err)
			return
		}
		if created || cart.Token != ref.Token {
			h.cookies.SetCartToken(w, cart.Token, cart.ExpiresAt)
		}
	}

	updated, err := m.run(ctx, cart, domain.WriteOptions{Endpoint: m.endpoint, Precondition: pre})
	if err != nil {
		fail(err)
		return
	}

	body, err := json.Marshal(newCartResponse(updated, nil))
	if err != nil {
		fail(domain.Internal(err, "api.encode", "failed to encode cart"))
		return
	}
	if ticket != nil {
		h.complete(ctx, logger, *ticket, body)
	}
	writeCart(w, http.StatusOK, updated.Version, updated.ETag(), body)
}

// complete stores the response for replay, retrying once. A record left
// IN_PROGRESS would let a retry after StaleAfter run the committed write
// again, so a second failure is reported.
func (h *CartHandler) complete(ctx context.Context, logger *slog.Logger, t idempotency.Ticket, body []byte) {
	ctx = context.WithoutCancel(ctx)
	err := h.idem.Complete(ctx, t, http.StatusOK, body)
	if err != nil && !errors.Is(err, idempotency.ErrNotOwner) {
		logger.Warn("retrying idempotent response store", "error", err)
		err = h.idem.Complete(ctx, t, http.StatusOK, body)
	}
	if err != nil {
		logger.Error("failed to store idempotent response", "error", err, "idempotency_key", t.Key)
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"idempotency_key": t.Key,
		})
	}
}

// replay writes a stored response byte for byte. The cart token cookie is
// restored when the original request created the cart. A caller presenting
// a different cart than the stored response describes gets a conflict.
func (h *CartHandler) replay(w http.ResponseWriter, r *http.Request, ref domain.CartRef, cart *domain.Cart, resp *idempotency.Response) {
	var meta struct {
		ID        string    `json:"id"`
		Version   int64     `json:"version"`
		ETag      string    `json:"etag"`
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(resp.Body, &meta); err != nil {
		handler.InternalErrorResponse(w, r, err)
		return
	}
	if cart != nil && meta.ID != cart.ID {
		handler.ErrorResponse(w, r, domain.ErrIdempotencyKeyConflict.WithOp("api.replay"))
		return
	}
	if meta.Token != "" && meta.Token != ref.Token {
		h.cookies.SetCartToken(w, meta.Token, meta.ExpiresAt)
	}
	w.Header().Set(HeaderReplayed, "true")
	writeCart(w, resp.Status, meta.Version, meta.ETag, resp.Body)
}

// ref reads the cart reference set by cookie.Middleware, falling back to
// the request itself.
func (h *CartHandler) ref(r *http.Request) domain.CartRef {
	if ref := domain.CartRefFromContext(r.Context()); !ref.Empty() {
		return ref
	}
	return cookie.CartRef(r)
}

func (h *CartHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handler.ErrorResponse(w, r, domain.Errorf(domain.ETOOLARGE, "api.read_body", "Request body exceeds %d bytes", maxErr.Limit))
			return nil, false
		}
		handler.BadRequestResponse(w, r, "Failed to read request body")
		return nil, false
	}
	return body, true
}

// decode parses a JSON body strictly and validates it.
func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, body []byte, dst any) bool {
	return decodeInto(w, r, h.validate, body, dst)
}

func decodeInto(w http.ResponseWriter, r *http.Request, v *validator.Validate, body []byte, dst any) bool {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if domain.ErrorCode(err) != domain.EINTERNAL {
			handler.ErrorResponse(w, r, err)
			return false
		}
		handler.BadRequestResponse(w, r, "Invalid JSON body")
		return false
	}
	if err := v.Struct(dst); err != nil {
		handler.ValidationErrorResponse(w, r, err)
		return false
	}
	return true
}

func writeCart(w http.ResponseWriter, status int, version int64, etag string, body []byte) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if etag != "" {
		h.Set(HeaderETag, etag)
	}
	if version > 0 {
		h.Set(precondition.HeaderCartVersion, strconv.FormatInt(version, 10))
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
