package model

import "time"

// Opportunity is a directional same-symbol pairing across two exchanges.
// The long leg always carries the lower nominal annualized funding rate.
type Opportunity struct {
	Symbol                       string     `json:"symbol"`
	LongExchange                 Exchange   `json:"long_exchange"`
	ShortExchange                Exchange   `json:"short_exchange"`
	LongNominalRate1y            float64    `json:"long_nominal_rate_1y"`
	ShortNominalRate1y           float64    `json:"short_nominal_rate_1y"`
	SpreadRate1yNominal          float64    `json:"spread_rate_1y_nominal"`
	LongRate8h                   *float64   `json:"long_rate_8h,omitempty"`
	ShortRate8h                  *float64   `json:"short_rate_8h,omitempty"`
	LongFundingRateRaw           *float64   `json:"long_funding_rate_raw,omitempty"`
	ShortFundingRateRaw          *float64   `json:"short_funding_rate_raw,omitempty"`
	LongNextFundingTime          *time.Time `json:"long_next_funding_time,omitempty"`
	ShortNextFundingTime         *time.Time `json:"short_next_funding_time,omitempty"`
	MaxUsableLeverage            *float64   `json:"max_usable_leverage,omitempty"`
	LeveragedSpreadRate1yNominal *float64   `json:"leveraged_spread_rate_1y_nominal,omitempty"`
}

// Settlement event kinds.
const (
	EventBoth      = "both"
	EventLongOnly  = "long_only"
	EventShortOnly = "short_only"
)

// SettlementEvent is one instant at which one or both legs pay or receive
// funding. Rate follows the spread capture sign convention: short leg raw
// rate counts positive, long leg negative.
type SettlementEvent struct {
	Time          time.Time `json:"time"`
	Kind          string    `json:"kind"`
	Rate          float64   `json:"rate"`
	LeveragedRate float64   `json:"leveraged_rate"`
	LongRateRaw   *float64  `json:"long_rate_raw,omitempty"`
	ShortRateRaw  *float64  `json:"short_rate_raw,omitempty"`
}

// Board calc statuses.
const (
	CalcStatusOK          = "ok"
	CalcStatusMissingData = "missing_data"
	CalcStatusNoSyncFound = "no_sync_found"
)

// BoardLeg is the full snapshot detail of one side of a board row.
type BoardLeg struct {
	Exchange                Exchange   `json:"exchange"`
	FundingRateRaw          *float64   `json:"funding_rate_raw,omitempty"`
	Rate1h                  *float64   `json:"rate_1h,omitempty"`
	Rate8h                  *float64   `json:"rate_8h,omitempty"`
	Rate1y                  *float64   `json:"rate_1y,omitempty"`
	NextFundingTime         *time.Time `json:"next_funding_time,omitempty"`
	MaxLeverage             *float64   `json:"max_leverage,omitempty"`
	OpenInterestUSD         *float64   `json:"open_interest_usd,omitempty"`
	Volume24hUSD            *float64   `json:"volume24h_usd,omitempty"`
	SettlementInterval      string     `json:"settlement_interval"`
	SettlementIntervalHours *float64   `json:"settlement_interval_hours,omitempty"`
}

// BoardRow is an Opportunity enriched with both legs' detail and the
// settlement-cycle metrics used for ranking.
type BoardRow struct {
	ID                           string            `json:"id"`
	Symbol                       string            `json:"symbol"`
	LongExchange                 Exchange          `json:"long_exchange"`
	ShortExchange                Exchange          `json:"short_exchange"`
	LongLeg                      BoardLeg          `json:"long_leg"`
	ShortLeg                     BoardLeg          `json:"short_leg"`
	IntervalMismatch             bool              `json:"interval_mismatch"`
	ShorterIntervalSide          string            `json:"shorter_interval_side,omitempty"`
	SpreadRate1h                 *float64          `json:"spread_rate_1h,omitempty"`
	SpreadRate8h                 *float64          `json:"spread_rate_8h,omitempty"`
	SpreadRate1yNominal          float64           `json:"spread_rate_1y_nominal"`
	LeveragedSpreadRate1yNominal *float64          `json:"leveraged_spread_rate_1y_nominal,omitempty"`
	MaxUsableLeverage            *float64          `json:"max_usable_leverage,omitempty"`
	NextSyncSettlementTime       *time.Time        `json:"next_sync_settlement_time,omitempty"`
	WindowHoursToSync            *float64          `json:"window_hours_to_sync,omitempty"`
	NextCycleScore               *float64          `json:"next_cycle_score,omitempty"`
	NextCycleScoreUnlevered      *float64          `json:"next_cycle_score_unlevered,omitempty"`
	SettlementEventsPreview      []SettlementEvent `json:"settlement_events_preview"`
	SingleSideEventCount         int               `json:"single_side_event_count"`
	SingleSideTotalRate          *float64          `json:"single_side_total_rate,omitempty"`
	CalcStatus                   string            `json:"calc_status"`
}

// BoardResponse is the assembled board payload served by the API layer.
type BoardResponse struct {
	AsOf   time.Time              `json:"as_of"`
	Total  int                    `json:"total"`
	Rows   []BoardRow             `json:"rows"`
	Errors []FetchError           `json:"errors"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// Float returns a pointer to v. Snapshot and board fields are nullable, so
// constructing them from literals goes through here.
func Float(v float64) *float64 { return &v }
