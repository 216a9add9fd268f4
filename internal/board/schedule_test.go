package board

import (
	"math"
	"testing"
	"time"
)

func TestNormalizeNextSettlementTimeFutureUnchanged(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(3 * time.Hour)

	got := normalizeNextSettlementTime(next, 8, now)
	if !got.Equal(next) {
		t.Fatalf("future timestamp must pass through, got %v", got)
	}
}

func TestNormalizeNextSettlementTimeRollsStaleForward(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 30 hours stale on an 8h cadence: 16:00 -> next slot at or after now
	stale := now.Add(-30 * time.Hour)
	got := normalizeNextSettlementTime(stale, 8, now)
	if got.Before(now) && !sameSettlementTime(got, now) {
		t.Fatalf("normalized time %v is before now %v", got, now)
	}
	if diff := got.Sub(stale) % (8 * time.Hour); diff != 0 {
		t.Errorf("normalized time off-grid by %v", diff)
	}
	if got.Sub(now) >= 8*time.Hour {
		t.Errorf("normalized time overshoots a full interval: %v", got.Sub(now))
	}
}

func TestNormalizeNextSettlementTimeWithinToleranceOfNow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	almostNow := now.Add(-500 * time.Millisecond)

	got := normalizeNextSettlementTime(almostNow, 8, now)
	if !got.Equal(almostNow) {
		t.Fatalf("timestamp within tolerance must be kept, got %v", got)
	}
}

func TestFindNextSyncSettlementTimeAlignedSchedules(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// 4h leg at +1h, 8h leg at +5h: meet at +5h
	sync := findNextSyncSettlementTime(base.Add(time.Hour), base.Add(5*time.Hour), 4*time.Hour, 8*time.Hour)
	if sync == nil {
		t.Fatal("expected a sync point")
	}
	if !sync.Equal(base.Add(5 * time.Hour)) {
		t.Errorf("sync: got %v, want +5h", sync)
	}
}

func TestFindNextSyncSettlementTimeGivesUpAfterBound(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// +1h mod 4 vs +3h mod 8 never align
	sync := findNextSyncSettlementTime(base.Add(time.Hour), base.Add(3*time.Hour), 4*time.Hour, 8*time.Hour)
	if sync != nil {
		t.Fatalf("expected nil for unalignable schedules, got %v", sync)
	}
}

func TestFindNextSyncSettlementTimeToleratesSubSecondSkew(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	skewed := base.Add(800 * time.Millisecond)

	sync := findNextSyncSettlementTime(base, skewed, 8*time.Hour, 8*time.Hour)
	if sync == nil {
		t.Fatal("sub-second skew should still count as synchronized")
	}
	// the later of the two skewed instants wins
	if !sync.Equal(skewed) {
		t.Errorf("sync: got %v, want %v", sync, skewed)
	}
}

func TestResolveLeverageDefaultsToOne(t *testing.T) {
	if got := resolveLeverage(nil); got != 1 {
		t.Errorf("nil leverage: got %v", got)
	}
	zero := 0.0
	if got := resolveLeverage(&zero); got != 1 {
		t.Errorf("zero leverage: got %v", got)
	}
	ten := 10.0
	if got := resolveLeverage(&ten); got != 10 {
		t.Errorf("positive leverage: got %v", got)
	}
}

func TestBuildSettlementEventsPreviewStopsAtSync(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	longFirst := base.Add(time.Hour)
	shortFirst := base.Add(5 * time.Hour)
	sync := base.Add(5 * time.Hour)

	events := buildSettlementEventsPreview(longFirst, shortFirst, 4*time.Hour, 8*time.Hour, sync, -0.0001, 0.0002, 5)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != "long_only" || events[1].Kind != "both" {
		t.Errorf("kinds: %s, %s", events[0].Kind, events[1].Kind)
	}
	if !events[1].Time.Equal(sync) {
		t.Errorf("last event should land on sync: %v", events[1].Time)
	}
	// long-only pays the negated long raw rate
	if math.Abs(events[0].Rate-0.0001) > 1e-12 {
		t.Errorf("long_only rate: got %v", events[0].Rate)
	}
	if math.Abs(events[1].Rate-0.0003) > 1e-12 {
		t.Errorf("both rate: got %v", events[1].Rate)
	}
}
