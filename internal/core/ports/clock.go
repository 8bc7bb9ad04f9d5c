package ports

import "time"

// Clock returns UTC timestamps.
type Clock interface {
	Now() time.Time
}
