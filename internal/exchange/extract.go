package exchange

import (
	"strconv"
	"strings"
	"time"
)

// row is a loosely typed upstream payload object. Field resolution scans an
// ordered key list over the canonical object and, when present, its nested
// "info" object; the lists live here as data rather than conditional chains.
type row map[string]interface{}

func (r row) info() row {
	if nested, ok := r["info"].(map[string]interface{}); ok {
		return row(nested)
	}
	return nil
}

var (
	fundingRateKeys     = []string{"fundingRate", "lastFundingRate", "nextFundingRate", "funding_rate"}
	nextFundingTimeKeys = []string{"nextFundingTimestamp", "nextFundingTime", "fundingTimestamp", "fundingTime", "next_funding_time"}
	intervalKeys        = []string{"interval", "fundingIntervalHour", "fundingIntervalHours", "fundingInterval", "fundInterval", "funding_interval", "fundingRateInterval"}
	markPriceKeys       = []string{"markPrice", "mark_price", "lastPrice", "indexPrice", "price"}
	leverageKeys        = []string{"maxLeverage", "maxLever", "lever", "leverage", "leverage_max", "leverageMax"}
)

// safeFloat converts an untrusted payload value to a float. Unparseable or
// empty values yield nil, never an error; this path runs on third-party data
// continuously and must not fail a whole fetch over one field.
func safeFloat(v interface{}) *float64 {
	switch value := v.(type) {
	case nil:
		return nil
	case float64:
		f := value
		return &f
	case float32:
		f := float64(value)
		return &f
	case int:
		f := float64(value)
		return &f
	case int64:
		f := float64(value)
		return &f
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func scanFloat(r row, keys []string) *float64 {
	for _, key := range keys {
		if parsed := safeFloat(r[key]); parsed != nil {
			return parsed
		}
	}
	if nested := r.info(); nested != nil {
		for _, key := range keys {
			if parsed := safeFloat(nested[key]); parsed != nil {
				return parsed
			}
		}
	}
	return nil
}

func scanPositiveFloat(r row, keys []string) *float64 {
	for _, key := range keys {
		if parsed := safeFloat(r[key]); parsed != nil && *parsed > 0 {
			return parsed
		}
	}
	if nested := r.info(); nested != nil {
		for _, key := range keys {
			if parsed := safeFloat(nested[key]); parsed != nil && *parsed > 0 {
				return parsed
			}
		}
	}
	return nil
}

func scanTime(r row, keys []string) *time.Time {
	for _, key := range keys {
		if parsed := anyToTime(r[key]); parsed != nil {
			return parsed
		}
	}
	if nested := r.info(); nested != nil {
		for _, key := range keys {
			if parsed := anyToTime(nested[key]); parsed != nil {
				return parsed
			}
		}
	}
	return nil
}

func scanIntervalHours(r row) *float64 {
	for _, key := range intervalKeys {
		if parsed := parseIntervalHours(r[key]); parsed != nil {
			return parsed
		}
	}
	if nested := r.info(); nested != nil {
		for _, key := range intervalKeys {
			if parsed := parseIntervalHours(nested[key]); parsed != nil {
				return parsed
			}
		}
	}
	return nil
}

// parseIntervalHours normalizes a funding interval to hours. Exchanges
// disagree on units: values above 2400 are assumed seconds, values above 24
// minutes, anything else hours. Trailing "h" strings are accepted.
func parseIntervalHours(v interface{}) *float64 {
	if s, ok := v.(string); ok {
		text := strings.ToLower(strings.TrimSpace(s))
		if text == "" {
			return nil
		}
		if strings.HasSuffix(text, "h") {
			parsed := safeFloat(text[:len(text)-1])
			if parsed == nil || *parsed <= 0 {
				return nil
			}
			return parsed
		}
	}

	parsed := safeFloat(v)
	if parsed == nil || *parsed <= 0 {
		return nil
	}

	hours := *parsed
	switch {
	case hours > 2400:
		hours = hours / 3600
	case hours > 24:
		hours = hours / 60
	}
	return &hours
}

// anyToTime interprets a payload timestamp: numeric values below 1e11 are
// seconds, larger ones milliseconds, strings may be RFC 3339.
func anyToTime(v interface{}) *time.Time {
	if s, ok := v.(string); ok {
		if parsed := safeFloat(s); parsed == nil {
			text := strings.TrimSpace(s)
			if text == "" {
				return nil
			}
			ts, err := time.Parse(time.RFC3339, text)
			if err != nil {
				return nil
			}
			ts = ts.UTC()
			return &ts
		}
	}

	parsed := safeFloat(v)
	if parsed == nil || *parsed <= 0 {
		return nil
	}
	if *parsed < 1e11 {
		return secToTime(int64(*parsed))
	}
	return msToTime(int64(*parsed))
}

func msToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	ts := time.UnixMilli(ms).UTC()
	return &ts
}

func secToTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	ts := time.Unix(sec, 0).UTC()
	return &ts
}
