package types

import "time"

// Clock is the time oracle. Components never read the wall clock
// themselves; callers pass Now() into every time-dependent operation.
type Clock interface {
	Now() uint64
}

// SystemClock reports unix milliseconds.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().UnixMilli()) }
