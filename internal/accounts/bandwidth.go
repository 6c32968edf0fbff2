package accounts

import (
	"time"
)

const (
	secondsPerDay = 24 * 60 * 60
	// Usage buckets older than this are pruned; rules cannot look back
	// further.
	maxTrackedDays = 400
)

// BandwidthUsage is one day's worth of request accounting for an account.
type BandwidthUsage struct {
	Day      int64 `json:"day"`
	Bytes    int64 `json:"bytes"`
	Requests int64 `json:"requests"`
}

// BandwidthTracker keeps rolling per-day usage counters. It is a plain value
// type with named fields; callers serialize it to the account row as JSON.
type BandwidthTracker struct {
	Days []BandwidthUsage `json:"days"`
}

// RequestMade records a completed request of the given size. Failed requests
// are recorded too, so retries still count against quota.
func (t *BandwidthTracker) RequestMade(now time.Time, numBytes int64) {
	day := now.Unix() / secondsPerDay
	for i := range t.Days {
		if t.Days[i].Day == day {
			t.Days[i].Bytes += numBytes
			t.Days[i].Requests++
			return
		}
	}
	t.Days = append(t.Days, BandwidthUsage{Day: day, Bytes: numBytes, Requests: 1})
	t.prune(day)
}

func (t *BandwidthTracker) prune(currentDay int64) {
	kept := t.Days[:0]
	for _, usage := range t.Days {
		if currentDay-usage.Day < maxTrackedDays {
			kept = append(kept, usage)
		}
	}
	t.Days = kept
}

// UsageSince sums bytes and requests over the window ending now. A zero
// window means all tracked time.
func (t *BandwidthTracker) UsageSince(now time.Time, window time.Duration) (int64, int64) {
	var earliestDay int64
	if window > 0 {
		earliestDay = (now.Add(-window).Unix()) / secondsPerDay
	}
	var totalBytes, totalRequests int64
	for _, usage := range t.Days {
		if usage.Day >= earliestDay {
			totalBytes += usage.Bytes
			totalRequests += usage.Requests
		}
	}
	return totalBytes, totalRequests
}

// BandwidthRuleKind selects which counter a rule caps.
type BandwidthRuleKind string

const (
	// RuleKindBytes caps transferred bytes.
	RuleKindBytes BandwidthRuleKind = "bytes"
	// RuleKindRequests caps request counts.
	RuleKindRequests BandwidthRuleKind = "requests"
)

// BandwidthRule caps one counter over one window. A zero window caps all
// tracked time.
type BandwidthRule struct {
	Kind          BandwidthRuleKind `json:"kind"`
	WindowSeconds int64             `json:"window_seconds"`
	Max           int64             `json:"max"`
}

// BandwidthRules is the opaque rule set an account type answers bandwidth
// checks with.
type BandwidthRules struct {
	Rules []BandwidthRule `json:"rules"`
}

// Ok reports whether the tracker is within every rule.
func (r BandwidthRules) Ok(now time.Time, tracker *BandwidthTracker) bool {
	for _, rule := range r.Rules {
		window := time.Duration(rule.WindowSeconds) * time.Second
		usedBytes, usedRequests := tracker.UsageSince(now, window)
		switch rule.Kind {
		case RuleKindBytes:
			if usedBytes >= rule.Max {
				return false
			}
		case RuleKindRequests:
			if usedRequests >= rule.Max {
				return false
			}
		}
	}
	return true
}
