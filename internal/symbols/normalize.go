// Package symbols maps exchange-native instrument identifiers onto the
// canonical BASEUSDT join key. Pairing across exchanges depends on this being
// total and deterministic: anything that is not a USDT-quoted instrument is
// rejected rather than guessed at.
package symbols

import "strings"

// Normalize converts a raw instrument identifier ("BTC/USDT:USDT",
// "BTC-USDT-SWAP", "BTC_USDT", "BTCUSDT", ...) to BASEUSDT. It returns ""
// when the instrument is not USDT-quoted or the base is empty.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	symbol := strings.ToUpper(strings.ReplaceAll(raw, " ", ""))

	var base string
	switch {
	case strings.Contains(symbol, "/USDT"):
		base = symbol[:strings.Index(symbol, "/USDT")]
	case strings.Contains(symbol, "-USDT"):
		base = symbol[:strings.Index(symbol, "-USDT")]
	case strings.Contains(symbol, "_USDT"):
		base = symbol[:strings.Index(symbol, "_USDT")]
	case strings.HasSuffix(symbol, "USDT"):
		base = symbol[:len(symbol)-len("USDT")]
	default:
		return ""
	}

	base = stripNonAlnum(base)
	if base == "" {
		return ""
	}
	return base + "USDT"
}

// FromBaseQuote builds the canonical symbol from separate base and quote
// fields. Non-USDT quotes are rejected.
func FromBaseQuote(base, quote string) string {
	if base == "" || quote == "" {
		return ""
	}
	if strings.ToUpper(quote) != "USDT" {
		return ""
	}
	b := stripNonAlnum(strings.ToUpper(base))
	if b == "" {
		return ""
	}
	return b + "USDT"
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
