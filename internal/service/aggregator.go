package service

import (
	"errors"
	"math"
	"sort"

	"github.com/markm8/grading-api/internal/models"
)

// ErrAggregationEmpty indicates no run survived outlier filtering, so no
// defensible score exists. The grade must fail rather than fabricate one.
var ErrAggregationEmpty = errors.New("no grading runs survived aggregation")

// Exclusion reasons recorded on ModelRunResult.
const (
	exclusionRunFailed = "run failed"
	exclusionOutlier   = "outlier"
)

// AggregationResult is the consensus derived from the surviving runs.
type AggregationResult struct {
	Lower   float64
	Upper   float64
	Median  float64
	Results []models.ModelRunResult
}

// AggregateRuns reconciles the run outcomes into one percentage range.
// Failed runs are recorded but excluded. Among successful runs, any score
// whose relative deviation from the median exceeds thresholdPercent is
// flagged as an outlier. A threshold of 100 or more disables filtering. The
// median of an even-sized set is the mean of its two middle values; when
// every score deviates beyond the threshold the aggregation fails outright
// rather than keeping the least-deviant group.
func AggregateRuns(outcomes []RunOutcome, thresholdPercent float64) (AggregationResult, error) {
	results := make([]models.ModelRunResult, len(outcomes))

	successes := make([]float64, 0, len(outcomes))
	for i, outcome := range outcomes {
		result := models.ModelRunResult{
			Model:      outcome.Model,
			DurationMs: outcome.DurationMs,
			Cost:       outcome.Cost,
			Feedback:   outcome.Feedback,
		}

		if outcome.Success {
			percentage := outcome.Percentage
			result.Percentage = &percentage
			result.Included = true
			successes = append(successes, percentage)
		} else {
			result.Included = false
			result.Reason = exclusionRunFailed
		}

		results[i] = result
	}

	if len(successes) == 0 {
		return AggregationResult{Results: results}, ErrAggregationEmpty
	}

	median := medianOf(successes)

	filter := thresholdPercent < 100
	included := make([]float64, 0, len(successes))
	for i := range results {
		if results[i].Percentage == nil {
			continue
		}

		value := *results[i].Percentage
		if filter {
			deviation := math.Abs(value-median) / math.Max(median, 1) * 100
			if deviation > thresholdPercent {
				results[i].Included = false
				results[i].Reason = exclusionOutlier
				continue
			}
		}
		included = append(included, value)
	}

	if len(included) == 0 {
		return AggregationResult{Median: median, Results: results}, ErrAggregationEmpty
	}

	lower, upper := included[0], included[0]
	for _, value := range included[1:] {
		if value < lower {
			lower = value
		}
		if value > upper {
			upper = value
		}
	}

	return AggregationResult{
		Lower:   roundScore(lower),
		Upper:   roundScore(upper),
		Median:  median,
		Results: results,
	}, nil
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func roundScore(value float64) float64 {
	return math.Round(value*100) / 100
}
