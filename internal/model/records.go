package model

import "time"

// Position is a tracked cross-exchange paired position.
type Position struct {
	ID            string     `json:"id"`
	Symbol        string     `json:"symbol"`
	LongExchange  Exchange   `json:"long_exchange"`
	ShortExchange Exchange   `json:"short_exchange"`
	NotionalUSD   float64    `json:"notional_usd"`
	Leverage      float64    `json:"leverage"`
	Status        string     `json:"status"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// Order is an append-only execution record. Orders are never updated.
type Order struct {
	ID         string    `json:"id"`
	PositionID *string   `json:"position_id,omitempty"`
	Exchange   Exchange  `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Qty        float64   `json:"qty"`
	AvgPrice   *float64  `json:"avg_price,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RiskEvent is an advisory signal with append-only semantics; only the
// resolved flag may change after creation.
type RiskEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Exchange  Exchange  `json:"exchange,omitempty"`
	Detail    string    `json:"detail"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// StrategyTemplate stores reusable board filter presets.
type StrategyTemplate struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	MinSpreadRate1y     float64   `json:"min_spread_rate_1y_nominal"`
	MinNextCycleScore   float64   `json:"min_next_cycle_score"`
	Exchanges           []string  `json:"exchanges,omitempty"`
	NotionalUSD         float64   `json:"notional_usd"`
	MaxLeverageOverride *float64  `json:"max_leverage_override,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Credential is a decrypted exchange API credential set.
type Credential struct {
	Exchange   Exchange `json:"exchange"`
	APIKey     string   `json:"api_key"`
	APISecret  string   `json:"api_secret"`
	Passphrase string   `json:"passphrase,omitempty"`
}
