package policy

import (
	"time"

	"github.com/attaboy/wagerline/internal/domain"
)

const (
	// BucketSize is the width of one rolling-window bucket.
	BucketSize = 5 * time.Minute
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// record adds stake and loss amounts to the bucket covering now, then drops
// buckets older than a day.
func record(p *domain.RiskProfile, now time.Time, staked, lost int64) {
	start := now.Truncate(BucketSize)
	n := len(p.Buckets)
	if n > 0 && p.Buckets[n-1].Start.Equal(start) {
		b := &p.Buckets[n-1]
		b.Staked += staked
		b.Lost += lost
		if staked > 0 {
			b.Count++
		}
	} else {
		b := domain.WindowBucket{Start: start, Staked: staked, Lost: lost}
		if staked > 0 {
			b.Count = 1
		}
		p.Buckets = append(p.Buckets, b)
	}
	prune(p, now)
}

// release takes staked back out of the buckets, newest first. Buckets that
// start more than one bucket after at are skipped; the one-bucket grace covers
// a reservation recorded just after at crossed a bucket edge.
func release(p *domain.RiskProfile, at time.Time, staked int64) {
	limit := at.Truncate(BucketSize).Add(BucketSize)
	for i := len(p.Buckets) - 1; i >= 0 && staked > 0; i-- {
		b := &p.Buckets[i]
		if b.Start.After(limit) || b.Staked == 0 {
			continue
		}
		take := min(b.Staked, staked)
		b.Staked -= take
		staked -= take
		if b.Count > 0 {
			b.Count--
		}
	}
}

func prune(p *domain.RiskProfile, now time.Time) {
	cutoff := now.Truncate(BucketSize).Add(-dayWindow)
	i := 0
	for i < len(p.Buckets) && !p.Buckets[i].Start.After(cutoff) {
		i++
	}
	if i > 0 {
		p.Buckets = append([]domain.WindowBucket(nil), p.Buckets[i:]...)
	}
}

// Totals sums the buckets inside the last hour and the last day. The hourly
// window is the twelve most recent buckets, including the current one.
func Totals(p *domain.RiskProfile, now time.Time) WindowTotals {
	current := now.Truncate(BucketSize)
	hourCutoff := current.Add(-hourWindow)
	dayCutoff := current.Add(-dayWindow)
	var t WindowTotals
	for _, b := range p.Buckets {
		if !b.Start.After(dayCutoff) {
			continue
		}
		t.DailyStake += b.Staked
		t.DailyLoss += b.Lost
		if b.Start.After(hourCutoff) {
			t.HourlyStake += b.Staked
			t.HourlyLoss += b.Lost
		}
	}
	return t
}
