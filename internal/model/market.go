package model

import "time"

// Exchange identifies one of the supported perpetual futures venues.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeOkx     Exchange = "okx"
	ExchangeBybit   Exchange = "bybit"
	ExchangeBitget  Exchange = "bitget"
	ExchangeGateio  Exchange = "gateio"
)

// Exchanges lists all supported venues in the fixed order fetchers run and
// merge. Merge determinism depends on this order staying stable.
var Exchanges = []Exchange{
	ExchangeBinance,
	ExchangeOkx,
	ExchangeBybit,
	ExchangeBitget,
	ExchangeGateio,
}

// Source tags record where a per-exchange snapshot set came from.
const (
	SourceSDK        = "sdk"
	SourceLegacyRest = "legacy_rest"
	SourceWSFallback = "ws_fallback"
	SourceStale      = "stale"
	SourceFailed     = "failed"
)

// MarketSnapshot is one exchange's state for one instrument at one instant.
// Symbol is always the canonical BASEUSDT form. Snapshots are immutable once
// built; a later fetch cycle supersedes them wholesale.
type MarketSnapshot struct {
	Exchange             Exchange   `json:"exchange"`
	Symbol               string     `json:"symbol"`
	OpenInterestUSD      *float64   `json:"oi_usd,omitempty"`
	Volume24hUSD         *float64   `json:"vol24h_usd,omitempty"`
	FundingRateRaw       *float64   `json:"funding_rate_raw,omitempty"`
	FundingIntervalHours *float64   `json:"funding_interval_hours,omitempty"`
	NextFundingTime      *time.Time `json:"next_funding_time,omitempty"`
	MaxLeverage          *float64   `json:"max_leverage,omitempty"`
	Rate1h               *float64   `json:"rate_1h,omitempty"`
	Rate8h               *float64   `json:"rate_8h,omitempty"`
	Rate1y               *float64   `json:"rate_1y,omitempty"`
	NominalRate1y        *float64   `json:"nominal_rate_1y,omitempty"`
	MarkPrice            *float64   `json:"mark_price,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// FetchError records an exchange whose whole fallback chain failed or
// produced zero rows within its budget.
type FetchError struct {
	Exchange Exchange `json:"exchange"`
	Message  string   `json:"message"`
	// Stale marks errors that were papered over with last-known-good data.
	Stale bool `json:"stale,omitempty"`
}

// SnapshotBatch is the aggregator output: deduplicated snapshots ordered by
// (symbol, exchange), per-exchange errors, and a meta bag with provenance and
// timing. An empty snapshot list with populated errors is a valid outcome.
type SnapshotBatch struct {
	AsOf      time.Time              `json:"as_of"`
	Snapshots []MarketSnapshot       `json:"snapshots"`
	Errors    []FetchError           `json:"errors"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}
