package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/cartengine/internal/cookie"
	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/handler"
	"github.com/dukerupert/cartengine/internal/idempotency"
	"github.com/dukerupert/cartengine/internal/lock"
	"github.com/dukerupert/cartengine/internal/precondition"
	"github.com/dukerupert/cartengine/internal/repository/memstore"
	"github.com/dukerupert/cartengine/internal/router"
	"github.com/dukerupert/cartengine/internal/service"
)

// =============================================================================
// FIXTURES
// =============================================================================

type testServer struct {
	store   *memstore.Store
	handler http.Handler
}

func newTestServer(t *testing.T, guard *precondition.Guard) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New(2 * time.Second)
	store.PutProduct(domain.Product{ID: "p1", Name: "Mug", Price: 1000, Active: true, Stock: 100})
	store.PutProduct(domain.Product{ID: "p3", Name: "Sticker", Price: 250, Active: true, Stock: 4})
	store.PutOptionAssignment(domain.OptionAssignment{ID: "red", ProductID: "p1", OptionName: "Color", ValueName: "Red", SKU: "MUG-R", Price: 500, Quantity: 3})
	store.PutOptionAssignment(domain.OptionAssignment{ID: "size-m", ProductID: "p1", OptionName: "Size", ValueName: "M", SKU: "MUG-M", Quantity: 10})
	store.PutOptionAssignment(domain.OptionAssignment{ID: "size-l", ProductID: "p1", OptionName: "Size", ValueName: "L", SKU: "mug-m", Quantity: 10})

	carts, err := service.NewCartService(service.CartDeps{
		Store:        store,
		Catalog:      store,
		Controller:   lock.NewController(store, lock.NewLocalLocker(time.Second), nil, logger),
		Precondition: guard,
		Logger:       logger,
	}, service.CartConfig{})
	if err != nil {
		t.Fatalf("NewCartService() error = %v", err)
	}

	idem := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.Config{}, nil, logger)

	r := router.New()
	group := r.Group(cookie.Middleware)
	h := NewCartHandler(carts, idem, cookie.NewConfig("", false), logger)
	group.Get("/cart", h.Get)
	group.Post("/cart/items", h.AddItem)
	group.Patch("/cart/items/{id}", h.UpdateItem)
	group.Delete("/cart/items/{id}", h.RemoveItem)
	group.Delete("/cart/items", h.Clear)
	group.Post("/cart/merge", h.Merge)
	group.Put("/cart/shipping", h.SetShipping)
	r.Post("/catalog/variants/validate", NewCatalogHandler(store, logger).ValidateVariant)

	return &testServer{store: store, handler: r}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// newCart adds one Mug and returns the cart token.
func (s *testServer) newCart(t *testing.T) (string, CartResponse) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1","qty":1}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("add item status = %d, body = %s", rec.Code, rec.Body.String())
	}
	cart := decodeCart(t, rec)
	return cart.Token, cart
}

func decodeCart(t *testing.T, rec *httptest.ResponseRecorder) CartResponse {
	t.Helper()
	var cart CartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cart); err != nil {
		t.Fatalf("failed to decode cart: %v (body %s)", err, rec.Body.String())
	}
	return cart
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) handler.ErrorPayload {
	t.Helper()
	var body handler.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error: %v (body %s)", err, rec.Body.String())
	}
	return body.Error
}

func tokenHeader(token string) map[string]string {
	return map[string]string{cookie.HeaderCartToken: token}
}

// =============================================================================
// READ
// =============================================================================

func TestCartAPI_GetWithoutCart(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/cart", "", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if kind := decodeError(t, rec).Kind; kind != string(domain.KindCartNotFound) {
		t.Errorf("kind = %q, want %q", kind, domain.KindCartNotFound)
	}
}

func TestCartAPI_GetConditional(t *testing.T) {
	s := newTestServer(t, nil)
	token, cart := s.newCart(t)

	rec := s.do(t, http.MethodGet, "/cart", "", tokenHeader(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get(HeaderETag); got != cart.ETag {
		t.Errorf("ETag = %q, want %q", got, cart.ETag)
	}

	headers := tokenHeader(token)
	headers["If-None-Match"] = cart.ETag
	rec = s.do(t, http.MethodGet, "/cart", "", headers)
	if rec.Code != http.StatusNotModified {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotModified)
	}
}

// =============================================================================
// ADD ITEM
// =============================================================================

func TestCartAPI_AddItemCreatesCart(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1","qty":2,"optionAssignmentIds":["red"]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var tokenCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookie.CartCookieName {
			tokenCookie = c
		}
	}
	if tokenCookie == nil || tokenCookie.Value == "" {
		t.Fatal("expected cart token cookie")
	}

	cart := decodeCart(t, rec)
	if cart.Token != tokenCookie.Value {
		t.Errorf("body token = %q, cookie = %q", cart.Token, tokenCookie.Value)
	}
	if cart.Version != 2 {
		t.Errorf("version = %d, want 2", cart.Version)
	}
	if got := rec.Header().Get(HeaderETag); got != cart.ETag {
		t.Errorf("ETag header = %q, body etag = %q", got, cart.ETag)
	}
	if got := rec.Header().Get(precondition.HeaderCartVersion); got != "2" {
		t.Errorf("%s = %q, want 2", precondition.HeaderCartVersion, got)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(cart.Items))
	}
	item := cart.Items[0]
	if item.EffectiveUnitPrice != 1500 || item.RowTotal != 3000 {
		t.Errorf("effective = %d, row = %d, want 1500 and 3000", item.EffectiveUnitPrice, item.RowTotal)
	}
	if len(item.Options) != 1 || item.Options[0].OptionName != "Color" {
		t.Errorf("options = %+v", item.Options)
	}
	if cart.Total != 3000 {
		t.Errorf("total = %d, want 3000", cart.Total)
	}
}

func TestCartAPI_AddItemErrors(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedKind   domain.Kind
	}{
		{
			name:           "variant stock ceiling",
			body:           `{"productId":"p1","qty":5,"optionAssignmentIds":["red","size-m"]}`,
			expectedStatus: http.StatusConflict,
			expectedKind:   domain.KindInsufficientOptionStock,
		},
		{
			name:           "plain stock",
			body:           `{"productId":"p3","qty":5}`,
			expectedStatus: http.StatusConflict,
			expectedKind:   domain.KindInsufficientStock,
		},
		{
			name:           "zero quantity",
			body:           `{"productId":"p1","qty":0}`,
			expectedStatus: http.StatusBadRequest,
			expectedKind:   domain.KindInvalidQuantity,
		},
		{
			name:           "unknown product",
			body:           `{"productId":"nope"}`,
			expectedStatus: http.StatusNotFound,
			expectedKind:   domain.KindProductNotFound,
		},
		{
			name:           "missing product id",
			body:           `{"qty":1}`,
			expectedStatus: http.StatusBadRequest,
			expectedKind:   domain.KindInvalidRequest,
		},
		{
			name:           "unknown field",
			body:           `{"productId":"p1","color":"red"}`,
			expectedStatus: http.StatusBadRequest,
			expectedKind:   domain.KindInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			rec := s.do(t, http.MethodPost, "/cart/items", tt.body, nil)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.expectedStatus, rec.Body.String())
			}
			if kind := decodeError(t, rec).Kind; kind != string(tt.expectedKind) {
				t.Errorf("kind = %q, want %q", kind, tt.expectedKind)
			}
		})
	}
}

func TestCartAPI_StockErrorNamesOption(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1","qty":5,"optionAssignmentIds":["red","size-m"]}`, nil)

	payload := decodeError(t, rec)
	if payload.Message != "Only 3 available for Color: Red, 5 requested" {
		t.Errorf("message = %q", payload.Message)
	}
	if payload.Retryable {
		t.Error("stock errors should not be retryable")
	}
}

func TestCartAPI_ValidationFieldsUseJSONNames(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/cart/items", `{"qty":1}`, nil)

	payload := decodeError(t, rec)
	if _, ok := payload.Fields["productId"]; !ok {
		t.Errorf("fields = %v, want productId", payload.Fields)
	}
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCartAPI_IdempotentReplay(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.newCart(t)

	headers := tokenHeader(token)
	headers[idempotency.HeaderKey] = "key-1"
	body := `{"productId":"p1","qty":2}`

	first := s.do(t, http.MethodPost, "/cart/items", body, headers)
	second := s.do(t, http.MethodPost, "/cart/items", body, headers)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" {
		t.Error("expected replay header")
	}
	if first.Header().Get(HeaderReplayed) != "" {
		t.Error("first response should not be marked as replayed")
	}
	if second.Header().Get(HeaderETag) != first.Header().Get(HeaderETag) {
		t.Error("replay should repeat the ETag")
	}

	rec := s.do(t, http.MethodGet, "/cart", "", tokenHeader(token))
	cart := decodeCart(t, rec)
	if cart.Items[0].Qty != 3 {
		t.Errorf("qty = %d, want 3 (mutation applied once)", cart.Items[0].Qty)
	}

	third := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1","qty":3}`, headers)
	if third.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", third.Code, http.StatusConflict)
	}
	if kind := decodeError(t, third).Kind; kind != string(domain.KindIdempotencyKeyConflict) {
		t.Errorf("kind = %q", kind)
	}
}

func TestCartAPI_IdempotentReplayRestoresCookie(t *testing.T) {
	s := newTestServer(t, nil)
	headers := map[string]string{idempotency.HeaderKey: "create-1"}
	body := `{"productId":"p1"}`

	first := s.do(t, http.MethodPost, "/cart/items", body, headers)
	second := s.do(t, http.MethodPost, "/cart/items", body, headers)

	if first.Body.String() != second.Body.String() {
		t.Fatal("replay body differs")
	}
	created := decodeCart(t, first)
	if got := second.Header().Get(cookie.HeaderCartToken); got != created.Token {
		t.Errorf("replayed token = %q, want %q", got, created.Token)
	}
}

func TestCartAPI_CreateRetryWithIssuedToken(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"productId":"p1","qty":2}`

	first := s.do(t, http.MethodPost, "/cart/items", body, map[string]string{idempotency.HeaderKey: "k-1"})
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", first.Code, first.Body.String())
	}
	created := decodeCart(t, first)

	// The client kept the token from the first response but lost its body.
	headers := tokenHeader(created.Token)
	headers[idempotency.HeaderKey] = "k-1"
	second := s.do(t, http.MethodPost, "/cart/items", body, headers)

	if second.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body = %s", second.Code, second.Body.String())
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" {
		t.Error("expected replay header")
	}

	cart := decodeCart(t, s.do(t, http.MethodGet, "/cart", "", tokenHeader(created.Token)))
	if len(cart.Items) != 1 || cart.Items[0].Qty != 2 {
		t.Errorf("items = %+v, want one line with qty 2 (mutation applied once)", cart.Items)
	}
}

func TestCartAPI_ReplayRefusesAnotherCart(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"productId":"p1","qty":2}`

	first := s.do(t, http.MethodPost, "/cart/items", body, map[string]string{idempotency.HeaderKey: "k-2"})
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}
	created := decodeCart(t, first)

	otherToken, _ := s.newCart(t)
	headers := tokenHeader(otherToken)
	headers[idempotency.HeaderKey] = "k-2"
	rec := s.do(t, http.MethodPost, "/cart/items", body, headers)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if kind := decodeError(t, rec).Kind; kind != string(domain.KindIdempotencyKeyConflict) {
		t.Errorf("kind = %q", kind)
	}
	if strings.Contains(rec.Body.String(), created.Token) {
		t.Error("conflict response leaked the other cart's token")
	}
}

func TestCartAPI_FailedRequestIsNotCached(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.newCart(t)

	headers := tokenHeader(token)
	headers[idempotency.HeaderKey] = "key-retry"
	body := `{"productId":"p3","qty":5}`

	first := s.do(t, http.MethodPost, "/cart/items", body, headers)
	if first.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", first.Code, http.StatusConflict)
	}

	// Restock, then retry with the same key and body.
	s.store.PutProduct(domain.Product{ID: "p3", Name: "Sticker", Price: 250, Active: true, Stock: 10})
	second := s.do(t, http.MethodPost, "/cart/items", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body = %s", second.Code, second.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "" {
		t.Error("a retried failure must re-execute")
	}
}

func TestCartAPI_InvalidIdempotencyKey(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.newCart(t)

	headers := tokenHeader(token)
	headers[idempotency.HeaderKey] = "has space"
	rec := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1"}`, headers)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func TestCartAPI_OptimisticConcurrency(t *testing.T) {
	s := newTestServer(t, nil)
	token, cart := s.newCart(t)

	headers := tokenHeader(token)
	headers[precondition.HeaderIfMatch] = cart.ETag
	rec := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeCart(t, rec).Version; got != cart.Version+1 {
		t.Errorf("version = %d, want %d", got, cart.Version+1)
	}

	// The same token is now stale.
	rec = s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1"}`, headers)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPreconditionFailed)
	}
	payload := decodeError(t, rec)
	if !payload.Retryable {
		t.Error("precondition failures should be retryable")
	}
	detail, ok := payload.Detail.(map[string]any)
	if !ok || detail["version"] != float64(cart.Version+1) {
		t.Errorf("detail = %v, want current version %d", payload.Detail, cart.Version+1)
	}

	// X-Cart-Version is accepted too.
	headers = tokenHeader(token)
	headers[precondition.HeaderCartVersion] = strconv.FormatInt(cart.Version+1, 10)
	rec = s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1"}`, headers)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCartAPI_MalformedPrecondition(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.newCart(t)

	headers := tokenHeader(token)
	headers[precondition.HeaderIfMatch] = "banana"
	rec := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1"}`, headers)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCartAPI_ReplayBeatsStalePrecondition(t *testing.T) {
	s := newTestServer(t, nil)
	token, cart := s.newCart(t)

	headers := tokenHeader(token)
	headers[precondition.HeaderIfMatch] = cart.ETag
	headers[idempotency.HeaderKey] = "key-etag"

	first := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1"}`, headers)
	second := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1"}`, headers)

	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}
	if second.Code != http.StatusOK {
		t.Errorf("replay status = %d, want %d", second.Code, http.StatusOK)
	}
}

func TestCartAPI_StrictEndpointRequiresToken(t *testing.T) {
	s := newTestServer(t, precondition.NewGuard(precondition.ModeCompatible, []string{EndpointMerge}))
	target, _ := s.newCart(t)
	source, _ := s.newCart(t)

	rec := s.do(t, http.MethodPost, "/cart/merge", `{"sourceToken":"`+source+`"}`, tokenHeader(target))

	if rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPreconditionRequired)
	}
}

// =============================================================================
// UPDATE / REMOVE / CLEAR
// =============================================================================

func TestCartAPI_UpdateRemoveClear(t *testing.T) {
	s := newTestServer(t, nil)
	token, cart := s.newCart(t)
	itemID := cart.Items[0].ID

	rec := s.do(t, http.MethodPatch, "/cart/items/"+itemID, `{"qty":4}`, tokenHeader(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeCart(t, rec).Items[0].Qty; got != 4 {
		t.Errorf("qty = %d, want 4", got)
	}

	rec = s.do(t, http.MethodPatch, "/cart/items/"+itemID, `{}`, tokenHeader(token))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing qty status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = s.do(t, http.MethodPatch, "/cart/items/missing", `{"qty":2}`, tokenHeader(token))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown item status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = s.do(t, http.MethodPatch, "/cart/items/"+itemID, `{"qty":0}`, tokenHeader(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("remove by zero status = %d", rec.Code)
	}
	removed := decodeCart(t, rec)
	if len(removed.Items) != 0 {
		t.Errorf("items = %d, want 0", len(removed.Items))
	}

	rec = s.do(t, http.MethodDelete, "/cart/items/"+itemID, "", tokenHeader(token))
	if rec.Code != http.StatusOK {
		t.Errorf("repeat delete status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decodeCart(t, rec).Version; got != removed.Version {
		t.Errorf("version = %d, want unchanged %d", got, removed.Version)
	}

	s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1","qty":2}`, tokenHeader(token))
	rec = s.do(t, http.MethodDelete, "/cart/items", "", tokenHeader(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	cleared := decodeCart(t, rec)
	if len(cleared.Items) != 0 || cleared.Total != 0 {
		t.Errorf("cleared cart = %+v", cleared)
	}
}

func TestCartAPI_WriteWithoutCart(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodDelete, "/cart/items", "", nil)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// =============================================================================
// MERGE
// =============================================================================

func TestCartAPI_Merge(t *testing.T) {
	s := newTestServer(t, nil)
	anonToken, _ := s.newCart(t)

	user := map[string]string{cookie.HeaderUserID: "user-1"}
	rec := s.do(t, http.MethodPost, "/cart/items", `{"productId":"p1","qty":2}`, user)
	if rec.Code != http.StatusOK {
		t.Fatalf("user add status = %d", rec.Code)
	}
	userCart := decodeCart(t, rec)

	headers := map[string]string{cookie.HeaderUserID: "user-1", cookie.HeaderCartToken: anonToken}
	rec = s.do(t, http.MethodPost, "/cart/merge", `{"sourceToken":"`+anonToken+`"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("merge status = %d, body = %s", rec.Code, rec.Body.String())
	}

	merged := decodeCart(t, rec)
	if merged.ID != userCart.ID {
		t.Errorf("merged into %s, want %s", merged.ID, userCart.ID)
	}
	if len(merged.Items) != 1 || merged.Items[0].Qty != 3 {
		t.Errorf("items = %+v, want one line of 3", merged.Items)
	}
	if got := rec.Header().Get(cookie.HeaderCartToken); got != userCart.Token {
		t.Errorf("cookie moved to %q, want %q", got, userCart.Token)
	}

	rec = s.do(t, http.MethodGet, "/cart", "", tokenHeader(anonToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("source cart status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCartAPI_MergeUnknownSource(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.newCart(t)

	rec := s.do(t, http.MethodPost, "/cart/merge", `{"sourceToken":"missing"}`, tokenHeader(token))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// =============================================================================
// SHIPPING
// =============================================================================

func TestCartAPI_SetShipping(t *testing.T) {
	s := newTestServer(t, nil)
	token, cart := s.newCart(t)

	rec := s.do(t, http.MethodPut, "/cart/shipping", `{"methodCode":"ground","cost":500,"city":"Helena","data":{"carrier":"usps"}}`, tokenHeader(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	updated := decodeCart(t, rec)
	if updated.Shipping == nil || updated.Shipping.MethodCode != "ground" {
		t.Fatalf("shipping = %+v", updated.Shipping)
	}
	if updated.Total != cart.Subtotal+500 {
		t.Errorf("total = %d, want %d", updated.Total, cart.Subtotal+500)
	}

	rec = s.do(t, http.MethodPut, "/cart/shipping", `{"methodCode":"ground","cost":"5.50"}`, tokenHeader(token))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("fractional status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if kind := decodeError(t, rec).Kind; kind != string(domain.KindFractionalAmount) {
		t.Errorf("kind = %q, want %q", kind, domain.KindFractionalAmount)
	}

	rec = s.do(t, http.MethodPut, "/cart/shipping", `{"methodCode":"ground","cost":-1}`, tokenHeader(token))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// =============================================================================
// BODY LIMITS
// =============================================================================

func TestCartAPI_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"productId":"`+strings.Repeat("x", 100)+`"}`))
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 16)
	s.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

// =============================================================================
// SERVICE FAILURES
// =============================================================================

type mockCartService struct {
	domain.CartService
	ResolveCartFunc func(ctx context.Context, ref domain.CartRef) (*domain.Cart, error)
	ClearCartFunc   func(ctx context.Context, cartID string, opts domain.WriteOptions) (*domain.Cart, error)
}

func (m *mockCartService) ResolveCart(ctx context.Context, ref domain.CartRef) (*domain.Cart, error) {
	return m.ResolveCartFunc(ctx, ref)
}

func (m *mockCartService) ClearCart(ctx context.Context, cartID string, opts domain.WriteOptions) (*domain.Cart, error) {
	return m.ClearCartFunc(ctx, cartID, opts)
}

func TestCartAPI_LockTimeoutIsRetryable(t *testing.T) {
	svc := &mockCartService{
		ResolveCartFunc: func(ctx context.Context, ref domain.CartRef) (*domain.Cart, error) {
			return &domain.Cart{ID: "c1", Token: ref.Token, Version: 3}, nil
		},
		ClearCartFunc: func(ctx context.Context, cartID string, opts domain.WriteOptions) (*domain.Cart, error) {
			if opts.Endpoint != EndpointClearCart {
				t.Errorf("endpoint = %q, want %q", opts.Endpoint, EndpointClearCart)
			}
			return nil, domain.ErrLockTimeout
		},
	}
	h := NewCartHandler(svc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodDelete, "/cart/items", nil)
	req.Header.Set(cookie.HeaderCartToken, "tok")
	rec := httptest.NewRecorder()
	h.Clear(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("expected Retry-After")
	}
	if !decodeError(t, rec).Retryable {
		t.Error("lock timeouts should be retryable")
	}
}

// flakyStore fails the first n Complete calls.
type flakyStore struct {
	*idempotency.MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) Complete(ctx context.Context, key, owner string, httpStatus int, body []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Complete(ctx, key, owner, httpStatus, body)
}

func TestCartAPI_CompleteIsRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: idempotency.NewMemoryStore(), failures: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := idempotency.NewGuard(store, idempotency.Config{}, nil, logger)

	clears := 0
	svc := &mockCartService{
		ResolveCartFunc: func(ctx context.Context, ref domain.CartRef) (*domain.Cart, error) {
			return &domain.Cart{ID: "c1", Token: ref.Token, Version: 3}, nil
		},
		ClearCartFunc: func(ctx context.Context, cartID string, opts domain.WriteOptions) (*domain.Cart, error) {
			clears++
			return &domain.Cart{ID: cartID, Token: "tok", Version: 4}, nil
		},
	}
	h := NewCartHandler(svc, guard, nil, logger)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/cart/items", nil)
		req.Header.Set(cookie.HeaderCartToken, "tok")
		req.Header.Set(idempotency.HeaderKey, "clear-1")
		rec := httptest.NewRecorder()
		h.Clear(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", first.Code, first.Body.String())
	}
	if store.calls != 2 {
		t.Errorf("Complete calls = %d, want 2", store.calls)
	}

	second := send()
	if second.Code != http.StatusOK || second.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("retry status = %d, replayed = %q", second.Code, second.Header().Get(HeaderReplayed))
	}
	if clears != 1 {
		t.Errorf("ClearCart calls = %d, want 1", clears)
	}
}
