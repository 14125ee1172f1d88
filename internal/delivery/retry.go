package delivery

import "time"

// RetrySchedule is the fixed backoff table, indexed by 1-based attempt
// number. Attempts beyond the table reuse the last entry; the max-attempts
// bound is what terminates retries, not the table length.
var RetrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
}

// Backoff returns the delay before the retry following the given attempt.
func Backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetrySchedule) {
		idx = len(RetrySchedule) - 1
	}
	return RetrySchedule[idx]
}
