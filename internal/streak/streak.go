// Package streak derives consecutive-goal-day statistics from daily records.
package streak

import "github.com/AdnanHimself/couple-steps-sub000/internal/domain"

const (
	// DefaultThreshold is the daily step goal a day must reach to count.
	DefaultThreshold = 5000
	// WindowDays is how far back streaks are evaluated.
	WindowDays = 30
)

// Calculate walks the WindowDays days ending at today, newest first.
//
// Today is never a streak breaker: if it has not reached the threshold yet
// the current streak is carried through yesterday. Any earlier day below the
// threshold, or without a record, ends the current streak.
func Calculate(records []domain.DailyStepRecord, today domain.Date, threshold int) domain.StreakResult {
	counts := make(map[domain.Date]int, len(records))
	for _, rec := range records {
		counts[rec.Date] = rec.Count
	}
	qualifies := func(d domain.Date) bool {
		count, ok := counts[d]
		return ok && count >= threshold
	}

	var result domain.StreakResult
	run := 0
	current := true
	for offset := 0; offset < WindowDays; offset++ {
		day := today.AddDays(-offset)
		if qualifies(day) {
			run++
			if run > result.HighestStreak {
				result.HighestStreak = run
			}
			if current {
				result.CurrentStreak++
			}
			continue
		}

		run = 0
		if offset > 0 {
			current = false
		}
	}
	return result
}
