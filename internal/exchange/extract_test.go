package exchange

import (
	"testing"
	"time"
)

func TestSafeFloatParsesMixedPayloadValues(t *testing.T) {
	cases := []struct {
		name  string
		input interface{}
		want  *float64
	}{
		{"float", 0.0001, floatPtr(0.0001)},
		{"int", 8, floatPtr(8)},
		{"numeric string", "0.0003", floatPtr(0.0003)},
		{"padded string", "  42 ", floatPtr(42)},
		{"empty string", "", nil},
		{"garbage string", "n/a", nil},
		{"nil", nil, nil},
		{"bool", true, nil},
	}

	for _, tc := range cases {
		got := safeFloat(tc.input)
		if (got == nil) != (tc.want == nil) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
		if got != nil && *got != *tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, *got, *tc.want)
		}
	}
}

func TestScanFloatFallsBackToNestedInfo(t *testing.T) {
	r := row{
		"fundingRate": "not a number",
		"info": map[string]interface{}{
			"fundingRate": "0.0005",
		},
	}
	got := scanFloat(r, fundingRateKeys)
	if got == nil || *got != 0.0005 {
		t.Fatalf("expected nested info value 0.0005, got %v", got)
	}
}

func TestParseIntervalHoursUnitHeuristics(t *testing.T) {
	cases := []struct {
		name  string
		input interface{}
		want  float64
	}{
		{"hours", 8, 8},
		{"minutes", 480.0, 8},
		{"seconds", 28800.0, 8},
		{"hour string", "8h", 8},
		{"four hours", 4, 4},
		{"one hour", "1", 1},
	}
	for _, tc := range cases {
		got := parseIntervalHours(tc.input)
		if got == nil {
			t.Fatalf("%s: expected %v, got nil", tc.name, tc.want)
		}
		if *got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, *got, tc.want)
		}
	}

	for _, bad := range []interface{}{nil, "", 0, -8, "xh"} {
		if got := parseIntervalHours(bad); got != nil {
			t.Errorf("expected nil for %v, got %v", bad, *got)
		}
	}
}

func TestAnyToTimeSecondsVersusMilliseconds(t *testing.T) {
	sec := anyToTime(float64(1700000000))
	if sec == nil || sec.Year() != 2023 {
		t.Fatalf("seconds timestamp misread: %v", sec)
	}
	ms := anyToTime(float64(1700000000000))
	if ms == nil || !ms.Equal(*sec) {
		t.Fatalf("milliseconds timestamp misread: %v vs %v", ms, sec)
	}
	rfc := anyToTime("2025-01-01T08:00:00Z")
	if rfc == nil || !rfc.Equal(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339 timestamp misread: %v", rfc)
	}
	if got := anyToTime("soon"); got != nil {
		t.Errorf("expected nil for non-timestamp string, got %v", got)
	}
}

func TestInferOkxIntervalFromFundingTimestamps(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	next := base.Add(4 * time.Hour)

	got := inferOkxInterval(&base, &next)
	if got == nil || *got != 4 {
		t.Fatalf("expected 4h interval, got %v", got)
	}

	if got := inferOkxInterval(nil, &next); got == nil || *got != 8 {
		t.Errorf("expected 8h default without current timestamp, got %v", got)
	}
	if got := inferOkxInterval(&next, &base); got == nil || *got != 8 {
		t.Errorf("expected 8h default for non-positive gap, got %v", got)
	}
}

func TestWsCoverageTargetBounds(t *testing.T) {
	cases := []struct {
		listed int
		want   int
	}{
		{500, 250},
		{120, 80},
		{40, 40},
		{200, 100},
	}
	for _, tc := range cases {
		if got := wsCoverageTarget(tc.listed); got != tc.want {
			t.Errorf("listed=%d: got %d, want %d", tc.listed, got, tc.want)
		}
	}
}

func floatPtr(v float64) *float64 { return &v }
