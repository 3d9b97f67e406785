package batch

import (
	"errors"
	"fmt"
)

// DailyBudgetExhaustedError is a clean stop: progress is consistent and a
// restart on a new day continues the run.
type DailyBudgetExhaustedError struct {
	NextChunkTokens int64
	Remaining       int64
}

func (e *DailyBudgetExhaustedError) Error() string {
	return fmt.Sprintf("daily token budget exhausted: next chunk needs %d tokens, %d remain today; restart tomorrow to continue", e.NextChunkTokens, e.Remaining)
}

// IsDailyBudgetExhausted reports whether err is the retry-tomorrow stop.
func IsDailyBudgetExhausted(err error) bool {
	var target *DailyBudgetExhaustedError
	return errors.As(err, &target)
}
