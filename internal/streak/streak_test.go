package streak

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
)

var today = domain.Date("2026-10-15")

// history builds records from counts indexed by day offset (0 = today).
func history(counts ...int) []domain.DailyStepRecord {
	out := make([]domain.DailyStepRecord, 0, len(counts))
	for offset, count := range counts {
		out = append(out, domain.DailyStepRecord{UserID: "u", Date: today.AddDays(-offset), Count: count})
	}
	return out
}

func TestTodayBelowGoalDoesNotBreakStreak(t *testing.T) {
	result := Calculate(history(0, 6000, 5200, 3000), today, DefaultThreshold)

	require.Equal(t, 2, result.CurrentStreak)
	require.Equal(t, 2, result.HighestStreak)
}

func TestMissedYesterdayBreaksStreak(t *testing.T) {
	result := Calculate(history(6000, 2000, 6000), today, DefaultThreshold)

	require.Equal(t, 1, result.CurrentStreak)
	require.Equal(t, 1, result.HighestStreak)
}

func TestHighestStreakFoundInsideWindow(t *testing.T) {
	counts := []int{5000, 1000, 7000, 7000, 7000, 7000, 0, 9000}
	result := Calculate(history(counts...), today, DefaultThreshold)

	require.Equal(t, 1, result.CurrentStreak)
	require.Equal(t, 4, result.HighestStreak)
}

func TestMissingDayCountsAsMiss(t *testing.T) {
	records := []domain.DailyStepRecord{
		{Date: today, Count: 5500},
		{Date: today.AddDays(-1), Count: 5500},
		{Date: today.AddDays(-3), Count: 5500},
	}
	result := Calculate(records, today, DefaultThreshold)

	require.Equal(t, 2, result.CurrentStreak)
	require.Equal(t, 2, result.HighestStreak)
}

func TestEmptyHistory(t *testing.T) {
	require.Equal(t, domain.StreakResult{}, Calculate(nil, today, DefaultThreshold))
}

func TestWindowCapsAtThirtyDays(t *testing.T) {
	counts := make([]int, 45)
	for i := range counts {
		counts[i] = 10000
	}
	result := Calculate(history(counts...), today, DefaultThreshold)

	require.Equal(t, WindowDays, result.CurrentStreak)
	require.Equal(t, WindowDays, result.HighestStreak)
}

func TestCustomThreshold(t *testing.T) {
	result := Calculate(history(900, 1200, 800), today, 1000)

	require.Equal(t, 1, result.CurrentStreak)
	require.Equal(t, 1, result.HighestStreak)
}
