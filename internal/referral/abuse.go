package referral

import (
	"context"
	"sort"
	"time"

	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/store"
)

const (
	abuseLogScan   = 200
	abuseScanSize  = 500
	rapidWindow    = 24 * time.Hour
	rapidThreshold = 3
)

type AbusePattern struct {
	Type          string    `json:"type"`
	ReferrerID    int64     `json:"referrerId"`
	Count         int       `json:"count"`
	TimeSpanHours float64   `json:"timeSpanHours"`
	Severity      string    `json:"severity"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
}

// DetectAbuse scans recent referral successes and flags referrers with more
// than rapidThreshold of them inside a single 24 hour window. The result is
// advisory; nothing is revoked.
func (e *Engine) DetectAbuse(ctx context.Context) []AbusePattern {
	byReferrer := map[int64][]time.Time{}
	for _, entry := range e.ledger.Logs(ctx, abuseScanSize) {
		if entry.Action != ledger.ActionReferralSuccess {
			continue
		}
		id, ok := ledger.Int64Field(entry.Data, "referrerId")
		if !ok {
			continue
		}
		byReferrer[id] = append(byReferrer[id], entry.Timestamp)
	}

	patterns := []AbusePattern{}
	for id, times := range byReferrer {
		first, last, count := densestWindow(times, rapidWindow)
		if count <= rapidThreshold {
			continue
		}
		patterns = append(patterns, AbusePattern{
			Type:          "rapid_referrals",
			ReferrerID:    id,
			Count:         count,
			TimeSpanHours: last.Sub(first).Hours(),
			Severity:      "high",
			FirstSeen:     first,
			LastSeen:      last,
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].ReferrerID < patterns[j].ReferrerID
	})
	return patterns
}

// densestWindow returns the bounds and size of the largest run of timestamps
// spanning less than window.
func densestWindow(times []time.Time, window time.Duration) (first, last time.Time, count int) {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	start := 0
	for end := range times {
		for times[end].Sub(times[start]) >= window {
			start++
		}
		if n := end - start + 1; n > count {
			first, last, count = times[start], times[end], n
		}
	}
	return first, last, count
}

// AbuseLogs returns the referral_abuse entries among the most recent log
// entries, newest first.
func (e *Engine) AbuseLogs(ctx context.Context) []store.LogEntry {
	out := []store.LogEntry{}
	for _, entry := range e.ledger.Logs(ctx, abuseLogScan) {
		if entry.Action == ledger.ActionReferralAbuse {
			out = append(out, entry)
		}
	}
	return out
}
