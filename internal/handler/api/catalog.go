package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/handler"
	"github.com/dukerupert/cartengine/internal/stock"
)

// CatalogHandler serves admin checks over catalog data.
type CatalogHandler struct {
	assignments domain.OptionAssignmentLookup
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewCatalogHandler creates a catalog handler.
func NewCatalogHandler(assignments domain.OptionAssignmentLookup, logger *slog.Logger) *CatalogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogHandler{
		assignments: assignments,
		validate:    newValidator(),
		logger:      logger,
	}
}

type validateVariantRequest struct {
	ProductID           string   `json:"productId" validate:"required,max=64"`
	OptionAssignmentIDs []string `json:"optionAssignmentIds" validate:"required,min=1,max=20,dive,required,max=64"`
}

// ValidateVariantResponse reports a combination that can be published.
type ValidateVariantResponse struct {
	Valid bool     `json:"valid"`
	SKUs  []string `json:"skus"`
}

// ValidateVariant handles POST /catalog/variants/validate. Every assignment
// must belong to the product and carry a SKU no other assignment in the
// combination uses.
func (h *CatalogHandler) ValidateVariant(w http.ResponseWriter, r *http.Request) {
	const op = "api.validate_variant"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		handler.BadRequestResponse(w, r, "Failed to read request body")
		return
	}
	var req validateVariantRequest
	if !decodeInto(w, r, h.validate, body, &req) {
		return
	}

	ids := domain.NormalizeAssignmentIDs(req.OptionAssignmentIDs)
	found, err := h.assignments.OptionAssignments(r.Context(), ids)
	if err != nil {
		handler.ErrorResponse(w, r, domain.Internal(err, op, "failed to load option assignments"))
		return
	}

	assignments := make([]*domain.OptionAssignment, 0, len(ids))
	for _, id := range ids {
		a, ok := found[id]
		if !ok {
			handler.ErrorResponse(w, r, domain.OptionAssignmentNotFound(id))
			return
		}
		if a.ProductID != req.ProductID {
			handler.ErrorResponse(w, r, domain.OptionAssignmentMismatch(id, req.ProductID))
			return
		}
		assignments = append(assignments, a)
	}

	if err := stock.ValidateVariantSKUs(assignments); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	skus := make([]string, 0, len(assignments))
	for _, a := range assignments {
		skus = append(skus, a.SKU)
	}
	handler.JSON(w, http.StatusOK, ValidateVariantResponse{Valid: true, SKUs: skus})
}
