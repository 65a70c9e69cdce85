package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func successOutcome(runIndex int, model string, percentage float64) RunOutcome {
	return RunOutcome{
		RunIndex:   runIndex,
		Model:      model,
		Success:    true,
		Percentage: percentage,
		Feedback:   "feedback",
	}
}

func TestAggregateRunsExcludesOutlier(t *testing.T) {
	outcomes := []RunOutcome{
		successOutcome(0, "model-a", 70),
		successOutcome(1, "model-b", 72),
		successOutcome(2, "model-c", 71),
		successOutcome(3, "model-d", 99),
	}

	result, err := AggregateRuns(outcomes, 10)
	require.NoError(t, err)

	require.Equal(t, 70.0, result.Lower)
	require.Equal(t, 72.0, result.Upper)
	require.Equal(t, 71.5, result.Median)

	require.Len(t, result.Results, 4)
	require.True(t, result.Results[0].Included)
	require.True(t, result.Results[1].Included)
	require.True(t, result.Results[2].Included)
	require.False(t, result.Results[3].Included)
	require.Equal(t, "outlier", result.Results[3].Reason)
}

func TestAggregateRunsAllOutliersFails(t *testing.T) {
	outcomes := []RunOutcome{
		successOutcome(0, "model-a", 10),
		successOutcome(1, "model-b", 90),
	}

	// Median is 50; both scores deviate 80% from it.
	result, err := AggregateRuns(outcomes, 5)
	require.ErrorIs(t, err, ErrAggregationEmpty)

	require.Len(t, result.Results, 2)
	for _, run := range result.Results {
		require.False(t, run.Included)
		require.Equal(t, "outlier", run.Reason)
	}
}

func TestAggregateRunsSingleRun(t *testing.T) {
	result, err := AggregateRuns([]RunOutcome{successOutcome(0, "model-a", 85)}, 20)
	require.NoError(t, err)

	require.Equal(t, 85.0, result.Lower)
	require.Equal(t, 85.0, result.Upper)
	require.Equal(t, 85.0, result.Median)
}

func TestAggregateRunsThresholdDisablesFiltering(t *testing.T) {
	outcomes := []RunOutcome{
		successOutcome(0, "model-a", 10),
		successOutcome(1, "model-b", 90),
	}

	result, err := AggregateRuns(outcomes, 100)
	require.NoError(t, err)

	require.Equal(t, 10.0, result.Lower)
	require.Equal(t, 90.0, result.Upper)
	require.True(t, result.Results[0].Included)
	require.True(t, result.Results[1].Included)
}

func TestAggregateRunsRecordsFailedRuns(t *testing.T) {
	outcomes := []RunOutcome{
		successOutcome(0, "model-a", 80),
		{RunIndex: 1, Model: "model-b", Success: false, FailureMessage: "rate limited"},
		successOutcome(2, "model-c", 82),
	}

	result, err := AggregateRuns(outcomes, 20)
	require.NoError(t, err)

	require.Equal(t, 80.0, result.Lower)
	require.Equal(t, 82.0, result.Upper)

	failed := result.Results[1]
	require.False(t, failed.Included)
	require.Equal(t, "run failed", failed.Reason)
	require.Nil(t, failed.Percentage)
}

func TestAggregateRunsAllFailedFails(t *testing.T) {
	outcomes := []RunOutcome{
		{RunIndex: 0, Model: "model-a"},
		{RunIndex: 1, Model: "model-b"},
	}

	result, err := AggregateRuns(outcomes, 20)
	require.ErrorIs(t, err, ErrAggregationEmpty)
	require.Len(t, result.Results, 2)
	require.Equal(t, "run failed", result.Results[0].Reason)
}

func TestAggregateRunsEvenMedianIsMeanOfMiddlePair(t *testing.T) {
	outcomes := []RunOutcome{
		successOutcome(0, "model-a", 60),
		successOutcome(1, "model-b", 70),
	}

	result, err := AggregateRuns(outcomes, 100)
	require.NoError(t, err)
	require.Equal(t, 65.0, result.Median)
}
