package api

import (
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/money"
)

// CartResponse is the JSON representation of a cart. Version and ETag are
// the tokens for preconditioning the next write.
type CartResponse struct {
	ID            string               `json:"id"`
	Token         string               `json:"token"`
	Version       int64                `json:"version"`
	ETag          string               `json:"etag"`
	Currency      string               `json:"currency"`
	PricingPolicy domain.PricingPolicy `json:"pricingPolicy"`
	Items         []ItemResponse       `json:"items"`
	ItemCount     int                  `json:"itemCount"`
	Subtotal      money.Amount         `json:"subtotal"`
	DiscountTotal money.Amount         `json:"discountTotal"`
	Shipping      *domain.Shipping     `json:"shipping,omitempty"`
	Total         money.Amount         `json:"total"`
	LiveSubtotal  *money.Amount        `json:"liveSubtotal,omitempty"`
	LiveTotal     *money.Amount        `json:"liveTotal,omitempty"`
	PriceChanged  bool                 `json:"priceChanged,omitempty"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	ExpiresAt     time.Time            `json:"expiresAt"`
}

// ItemResponse is one cart line.
type ItemResponse struct {
	ID                   string                  `json:"id"`
	ProductID            string                  `json:"productId"`
	ProductName          string                  `json:"productName"`
	Qty                  int                     `json:"qty"`
	UnitPrice            money.Amount            `json:"unitPrice"`
	OptionsPriceModifier money.Amount            `json:"optionsPriceModifier"`
	EffectiveUnitPrice   money.Amount            `json:"effectiveUnitPrice"`
	RowTotal             money.Amount            `json:"rowTotal"`
	Options              []domain.OptionSnapshot `json:"options"`
	LivePrice            *money.Amount           `json:"livePrice,omitempty"`
	LiveRowTotal         *money.Amount           `json:"liveRowTotal,omitempty"`
	PriceChanged         bool                    `json:"priceChanged,omitempty"`
	Unavailable          bool                    `json:"unavailable,omitempty"`
}

func newCartResponse(c *domain.Cart, live *domain.LiveQuote) CartResponse {
	resp := CartResponse{
		ID:            c.ID,
		Token:         c.Token,
		Version:       c.Version,
		ETag:          c.ETag(),
		Currency:      c.Currency,
		PricingPolicy: c.PricingPolicy,
		Items:         make([]ItemResponse, 0, len(c.Items)),
		ItemCount:     c.ItemCount(),
		Subtotal:      money.Amount(c.Subtotal),
		DiscountTotal: money.Amount(c.DiscountTotal),
		Total:         money.Amount(c.Total),
		UpdatedAt:     c.UpdatedAt,
		ExpiresAt:     c.ExpiresAt,
	}
	if c.Shipping.MethodCode != "" || c.Shipping.Cost != 0 {
		shipping := c.Shipping
		resp.Shipping = &shipping
	}

	lines := make(map[string]domain.LineQuote)
	if live != nil {
		for _, l := range live.Lines {
			lines[l.ItemID] = l
		}
		resp.LiveSubtotal = amountPtr(live.Subtotal)
		resp.LiveTotal = amountPtr(live.Total)
		resp.PriceChanged = live.PriceChanged
	}

	for _, item := range c.Items {
		options := item.Options
		if options == nil {
			options = []domain.OptionSnapshot{}
		}
		ir := ItemResponse{
			ID:                   item.ID,
			ProductID:            item.ProductID,
			ProductName:          item.ProductName,
			Qty:                  item.Qty,
			UnitPrice:            money.Amount(item.UnitPrice),
			OptionsPriceModifier: money.Amount(item.OptionsPriceModifier),
			EffectiveUnitPrice:   money.Amount(item.EffectiveUnitPrice),
			RowTotal:             money.Amount(item.RowTotal),
			Options:              options,
		}
		if l, ok := lines[item.ID]; ok {
			ir.LivePrice = amountPtr(l.EffectivePrice)
			ir.LiveRowTotal = amountPtr(l.RowTotal)
			ir.PriceChanged = l.PriceChanged
			ir.Unavailable = l.Unavailable
		}
		resp.Items = append(resp.Items, ir)
	}
	return resp
}

func amountPtr(v int64) *money.Amount {
	a := money.Amount(v)
	return &a
}
