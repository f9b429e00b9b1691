package query

import "time"

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is the cached state for one Key.
//
// Invariants: StatusSuccess implies Data is set and Err is nil.
// StatusError implies Err is set; Data may still hold the payload of a
// prior success so consumers can show stale data next to the error.
// StatusLoading preserves Data from a prior success for optimistic display.
type Entry struct {
	Key    Key
	Status Status
	Data   any
	Err    error

	// FetchedAt is when Data was produced by the last successful fetch.
	FetchedAt time.Time

	// StaleAfter is the freshness window. Zero means never fresh: every
	// lookup triggers a refetch.
	StaleAfter time.Duration

	// IdleAfter overrides the store's idle-eviction grace period for this
	// entry. Zero means use the store default.
	IdleAfter time.Duration
}

// Fresh reports whether the entry holds successful data inside its
// freshness window.
func (e Entry) Fresh(now time.Time) bool {
	if e.Status != StatusSuccess || e.StaleAfter <= 0 || e.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(e.FetchedAt) < e.StaleAfter
}

// Settled reports whether the entry reached success or error.
func (e Entry) Settled() bool {
	return e.Status == StatusSuccess || e.Status == StatusError
}
