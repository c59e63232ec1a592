package subscriber

import (
	"time"

	"github.com/kychandar/pollsub/ds"
)

// CatchUpPolicy decides whether a restarted loop resumes from the last known
// cursor or starts over from "now".
//
// MaxAge bounds how old a cursor may be to still be resumed from; zero means
// any age is accepted.
type CatchUpPolicy struct {
	Enabled bool
	MaxAge  time.Duration
}

// Resolve returns the cursor to restart from. A zero token means a fresh
// subscribe.
func (p CatchUpPolicy) Resolve(last ds.TimeToken, now time.Time) ds.TimeToken {
	if !p.Enabled || last.IsZero() {
		return ds.TimeToken{}
	}
	if p.MaxAge > 0 && now.Sub(last.Time()) > p.MaxAge {
		return ds.TimeToken{}
	}
	return last
}
