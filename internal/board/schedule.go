package board

import (
	"math"
	"time"

	"fundingflow/internal/model"
)

const (
	// Two settlements within one second count as simultaneous; venues round
	// their timestamps differently.
	settlementTimeTolerance = time.Second
	maxSyncSearchSteps      = 2000
)

type nextCycleMetrics struct {
	calcStatus              string
	nextSyncSettlementTime  *time.Time
	windowHoursToSync       *float64
	nextCycleScore          *float64
	nextCycleScoreUnlevered *float64
	eventsPreview           []model.SettlementEvent
	singleSideEventCount    int
	singleSideTotalRate     *float64
}

func missingDataMetrics() nextCycleMetrics {
	return nextCycleMetrics{calcStatus: model.CalcStatusMissingData, eventsPreview: []model.SettlementEvent{}}
}

func noSyncMetrics() nextCycleMetrics {
	return nextCycleMetrics{calcStatus: model.CalcStatusNoSyncFound, eventsPreview: []model.SettlementEvent{}}
}

func sameSettlementTime(left, right time.Time) bool {
	diff := left.Sub(right)
	if diff < 0 {
		diff = -diff
	}
	return diff <= settlementTimeTolerance
}

func resolveLeverage(maxUsableLeverage *float64) float64 {
	if maxUsableLeverage == nil || *maxUsableLeverage <= 0 {
		return 1.0
	}
	return *maxUsableLeverage
}

func intervalDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// normalizeNextSettlementTime rolls a possibly stale next-funding timestamp
// forward to the first settlement at or after now: whole elapsed intervals
// are skipped in one multiplication, the remainder stepwise.
func normalizeNextSettlementTime(nextFundingTime time.Time, intervalHours float64, now time.Time) time.Time {
	interval := intervalDuration(intervalHours)
	candidate := nextFundingTime
	if candidate.After(now) || sameSettlementTime(candidate, now) {
		return candidate
	}

	elapsed := now.Sub(candidate)
	if elapsed > interval {
		skipped := int64(elapsed / interval)
		candidate = candidate.Add(interval * time.Duration(skipped))
	}
	for candidate.Before(now) && !sameSettlementTime(candidate, now) {
		candidate = candidate.Add(interval)
	}
	return candidate
}

// findNextSyncSettlementTime advances the earlier leg cursor until both legs
// settle together, bounded so mismatched intervals with no common multiple in
// range yield nil instead of spinning.
func findNextSyncSettlementTime(longFirst, shortFirst time.Time, longInterval, shortInterval time.Duration) *time.Time {
	longCursor := longFirst
	shortCursor := shortFirst
	for i := 0; i < maxSyncSearchSteps; i++ {
		if sameSettlementTime(longCursor, shortCursor) {
			sync := longCursor
			if shortCursor.After(longCursor) {
				sync = shortCursor
			}
			return &sync
		}
		if longCursor.Before(shortCursor) {
			longCursor = longCursor.Add(longInterval)
		} else {
			shortCursor = shortCursor.Add(shortInterval)
		}
	}
	return nil
}

// buildSettlementEventsPreview interleaves both legs' settlement instants up
// to and including the sync point. Rates follow the spread capture sign: the
// short leg's raw rate counts positive, the long leg's negative.
func buildSettlementEventsPreview(
	longFirst, shortFirst time.Time,
	longInterval, shortInterval time.Duration,
	syncTime time.Time,
	longRateRaw, shortRateRaw, leverage float64,
) []model.SettlementEvent {
	events := []model.SettlementEvent{}
	longCursor := longFirst
	shortCursor := shortFirst

	for i := 0; i < maxSyncSearchSteps; i++ {
		if sameSettlementTime(longCursor, shortCursor) {
			eventTime := longCursor
			if shortCursor.After(longCursor) {
				eventTime = shortCursor
			}
			if eventTime.After(syncTime) && !sameSettlementTime(eventTime, syncTime) {
				break
			}
			rate := shortRateRaw - longRateRaw
			events = append(events, model.SettlementEvent{
				Time:          eventTime,
				Kind:          model.EventBoth,
				Rate:          rate,
				LeveragedRate: rate * leverage,
				LongRateRaw:   model.Float(longRateRaw),
				ShortRateRaw:  model.Float(shortRateRaw),
			})
			longCursor = longCursor.Add(longInterval)
			shortCursor = shortCursor.Add(shortInterval)
			if sameSettlementTime(eventTime, syncTime) {
				break
			}
			continue
		}

		if longCursor.Before(shortCursor) {
			eventTime := longCursor
			if eventTime.After(syncTime) && !sameSettlementTime(eventTime, syncTime) {
				break
			}
			rate := -longRateRaw
			events = append(events, model.SettlementEvent{
				Time:          eventTime,
				Kind:          model.EventLongOnly,
				Rate:          rate,
				LeveragedRate: rate * leverage,
				LongRateRaw:   model.Float(longRateRaw),
			})
			longCursor = longCursor.Add(longInterval)
			continue
		}

		eventTime := shortCursor
		if eventTime.After(syncTime) && !sameSettlementTime(eventTime, syncTime) {
			break
		}
		rate := shortRateRaw
		events = append(events, model.SettlementEvent{
			Time:          eventTime,
			Kind:          model.EventShortOnly,
			Rate:          rate,
			LeveragedRate: rate * leverage,
			ShortRateRaw:  model.Float(shortRateRaw),
		})
		shortCursor = shortCursor.Add(shortInterval)
	}

	return events
}

// calculateNextCycleMetrics scores one settlement cycle: every event from now
// through the next synchronized settlement, summed under the spread capture
// sign convention.
func calculateNextCycleMetrics(longSnap, shortSnap model.MarketSnapshot, maxUsableLeverage *float64, now time.Time) nextCycleMetrics {
	if longSnap.NextFundingTime == nil || shortSnap.NextFundingTime == nil ||
		longSnap.FundingIntervalHours == nil || shortSnap.FundingIntervalHours == nil ||
		*longSnap.FundingIntervalHours <= 0 || *shortSnap.FundingIntervalHours <= 0 ||
		longSnap.FundingRateRaw == nil || shortSnap.FundingRateRaw == nil {
		return missingDataMetrics()
	}

	longFirst := normalizeNextSettlementTime(*longSnap.NextFundingTime, *longSnap.FundingIntervalHours, now)
	shortFirst := normalizeNextSettlementTime(*shortSnap.NextFundingTime, *shortSnap.FundingIntervalHours, now)
	longInterval := intervalDuration(*longSnap.FundingIntervalHours)
	shortInterval := intervalDuration(*shortSnap.FundingIntervalHours)

	syncTime := findNextSyncSettlementTime(longFirst, shortFirst, longInterval, shortInterval)
	if syncTime == nil {
		return noSyncMetrics()
	}

	leverage := resolveLeverage(maxUsableLeverage)
	events := buildSettlementEventsPreview(
		longFirst, shortFirst,
		longInterval, shortInterval,
		*syncTime,
		*longSnap.FundingRateRaw, *shortSnap.FundingRateRaw, leverage,
	)

	var unlevered float64
	var singleSideCount int
	var singleSideTotal float64
	for _, event := range events {
		unlevered += event.Rate
		if event.Kind != model.EventBoth {
			singleSideCount++
			singleSideTotal += event.Rate
		}
	}

	windowHours := math.Max(0, syncTime.Sub(now).Hours())
	return nextCycleMetrics{
		calcStatus:              model.CalcStatusOK,
		nextSyncSettlementTime:  syncTime,
		windowHoursToSync:       model.Float(windowHours),
		nextCycleScore:          model.Float(unlevered * leverage),
		nextCycleScoreUnlevered: model.Float(unlevered),
		eventsPreview:           events,
		singleSideEventCount:    singleSideCount,
		singleSideTotalRate:     model.Float(singleSideTotal),
	}
}
