package perf

import (
	"slices"
	"sort"
	"time"

	"github.com/samber/lo"
)

// Stats summarizes the spans of one step across a batch of runs.
type Stats struct {
	Count        int           `json:"count" yaml:"count"`
	SuccessCount int           `json:"success_count" yaml:"success_count"`
	FailureCount int           `json:"failure_count" yaml:"failure_count"`
	Min          time.Duration `json:"min" yaml:"min"`
	Max          time.Duration `json:"max" yaml:"max"`
	Avg          time.Duration `json:"avg" yaml:"avg"`
	Median       time.Duration `json:"median" yaml:"median"`
}

// SuccessRate is SuccessCount over Count, 0 for an empty Stats.
func (s Stats) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.Count)
}

// BatchAggregate is derived on demand from a set of runs.
type BatchAggregate struct {
	Runs  int              `json:"runs" yaml:"runs"`
	Steps map[string]Stats `json:"steps" yaml:"steps"`
}

// StepNames returns the aggregated step names, sorted.
func (b BatchAggregate) StepNames() []string {
	names := lo.Keys(b.Steps)
	sort.Strings(names)
	return names
}

// Aggregate computes per-step statistics over runs.
func Aggregate(runs []RunAggregate) BatchAggregate {
	spans := lo.FlatMap(runs, func(run RunAggregate, _ int) []Span { return run.Spans })
	byStep := lo.GroupBy(spans, func(s Span) string { return s.Step })
	return BatchAggregate{
		Runs:  len(runs),
		Steps: lo.MapValues(byStep, func(spans []Span, _ string) Stats { return statsOf(spans) }),
	}
}

func statsOf(spans []Span) Stats {
	durations := lo.Map(spans, func(s Span, _ int) time.Duration { return s.Duration })
	successes := lo.CountBy(spans, func(s Span) bool { return s.Success })
	return Stats{
		Count:        len(spans),
		SuccessCount: successes,
		FailureCount: len(spans) - successes,
		Min:          lo.Min(durations),
		Max:          lo.Max(durations),
		Avg:          lo.Sum(durations) / time.Duration(max(len(durations), 1)),
		Median:       Median(durations),
	}
}

// Median returns the middle value of durations, averaging the two middle values of an even-length
// list. durations is left untouched.
func Median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.SortStableFunc(sorted, func(a, b time.Duration) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
