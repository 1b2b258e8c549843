package scheduler

import "time"

type decision int

const (
	decisionRetry decision = iota
	decisionTerminal
)

func (d decision) String() string {
	if d == decisionRetry {
		return "retry"
	}

	return "terminal"
}

// maxBackoffShift keeps base<<failures from overflowing.
const maxBackoffShift = 20

// decide moves a failed download either back towards the queue or into its
// terminal state. failures is the count after the failure was recorded.
func decide(failures, maxRetries int) decision {
	if failures <= maxRetries {
		return decisionRetry
	}

	return decisionTerminal
}

// backoff returns base * 2^failures.
func backoff(base time.Duration, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}

	if failures > maxBackoffShift {
		failures = maxBackoffShift
	}

	return base * time.Duration(1<<failures)
}
