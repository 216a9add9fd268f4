// Package execution defines the order gateway contract. Live trading sits
// behind this interface so the read-only service runs without any credential
// wiring; a venue implementation is provided per exchange when enabled.
package execution

import (
	"context"

	"fundingflow/internal/model"
)

// OrderRequest describes one leg to execute on a single venue.
type OrderRequest struct {
	Exchange   model.Exchange `json:"exchange"`
	Symbol     string         `json:"symbol"`
	Side       string         `json:"side"`
	Qty        float64        `json:"qty"`
	ReduceOnly bool           `json:"reduce_only"`
	Leverage   *float64       `json:"leverage,omitempty"`
}

// OrderResult reports the venue's acknowledgement. Fills may still be
// partial; the caller reconciles via the order record stream.
type OrderResult struct {
	VenueOrderID string   `json:"venue_order_id"`
	Status       string   `json:"status"`
	AvgPrice     *float64 `json:"avg_price,omitempty"`
	FilledQty    float64  `json:"filled_qty"`
	Message      string   `json:"message,omitempty"`
}

// Gateway places and cancels orders on one venue.
type Gateway interface {
	Exchange() model.Exchange
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
}

// Registry resolves gateways per exchange. A nil or empty registry means
// execution is disabled and order endpoints reject requests.
type Registry map[model.Exchange]Gateway

func (r Registry) Get(exch model.Exchange) (Gateway, bool) {
	if r == nil {
		return nil, false
	}
	gw, ok := r[exch]
	return gw, ok
}
