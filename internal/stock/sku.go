package stock

import (
	"strings"

	"github.com/dukerupert/cartengine/internal/domain"
)

// ValidateVariantSKUs requires every assignment in a combination to carry a
// SKU and no SKU to appear twice. Used before publishing combinations; the
// add-to-cart path does not call it.
func ValidateVariantSKUs(assignments []*domain.OptionAssignment) error {
	seen := make(map[string]string, len(assignments))
	for _, a := range assignments {
		sku := strings.TrimSpace(a.SKU)
		if sku == "" {
			return domain.MissingSKU(a.ID)
		}
		key := strings.ToUpper(sku)
		if other, ok := seen[key]; ok {
			return domain.DuplicateSKU(sku, other, a.ID)
		}
		seen[key] = a.ID
	}
	return nil
}
