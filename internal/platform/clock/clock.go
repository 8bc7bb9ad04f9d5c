// Package clock provides the UTC time source used for ledger timestamps.
package clock

import (
	"sync"
	"time"
)

type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed returns a settable time. Safe for concurrent use.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}
