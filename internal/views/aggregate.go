package views

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"
)

// Item is one decoded element of a resource collection.
type Item = map[string]any

// GroupCount is one bucket of a group-by aggregation. Percent is rounded to
// one decimal place and always sums from the matched total, so an empty
// input yields zero percentages rather than NaN.
type GroupCount struct {
	Key     string  `json:"key"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// GroupCounts buckets items by the string value of field, largest bucket
// first with ties broken by key. Items missing the field land in the ""
// bucket.
func GroupCounts(items []Item, field string) []GroupCount {
	counts := make(map[string]int)
	for _, item := range items {
		counts[stringField(item, field)]++
	}
	groups := make([]GroupCount, 0, len(counts))
	total := len(items)
	for key, count := range counts {
		percent := 0.0
		if total > 0 {
			percent = round1(float64(count) * 100 / float64(total))
		}
		groups = append(groups, GroupCount{Key: key, Count: count, Percent: percent})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Key < groups[j].Key
	})
	return groups
}

// WithinWindow keeps items whose timestamp field falls inside
// [now-window, now]. The window start is inclusive. Items with a missing or
// unparseable timestamp are dropped. A zero window keeps everything.
func WithinWindow(items []Item, field string, now time.Time, window time.Duration) []Item {
	if window <= 0 {
		return items
	}
	start := now.Add(-window)
	kept := make([]Item, 0, len(items))
	for _, item := range items {
		ts, ok := timeField(item, field)
		if !ok {
			continue
		}
		if ts.Before(start) || ts.After(now) {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

// HealthScore combines the item's sub-score fields into one weighted value.
// Each sub-score is clamped to [0, 100] before its weight applies; a missing
// or non-numeric field contributes 0. Returns 0 when no weights carry.
func HealthScore(item Item, weights map[string]float64) float64 {
	var weighted, totalWeight float64
	for field, weight := range weights {
		if weight <= 0 {
			continue
		}
		value, _ := numericField(item, field)
		weighted += clamp(value, 0, 100) * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return round1(weighted / totalWeight)
}

// AverageHealthScore scores every item and averages the results. An empty
// input scores 0.
func AverageHealthScore(items []Item, weights map[string]float64) float64 {
	if len(items) == 0 || len(weights) == 0 {
		return 0
	}
	var sum float64
	for _, item := range items {
		sum += HealthScore(item, weights)
	}
	return round1(sum / float64(len(items)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func stringField(item Item, field string) string {
	switch v := item[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return ""
	}
}

func numericField(item Item, field string) (float64, bool) {
	switch v := item[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// timeField accepts RFC 3339 strings and numeric unix timestamps, in seconds
// or milliseconds.
func timeField(item Item, field string) (time.Time, bool) {
	switch v := item[field].(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case float64:
		return unixTime(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return unixTime(f), true
	default:
		return time.Time{}, false
	}
}

func unixTime(v float64) time.Time {
	// Anything above ~1e12 can only be milliseconds.
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	return time.Unix(int64(v), 0)
}
