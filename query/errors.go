package query

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Failure taxonomy for fetch functions. Transient failures (network,
// server) are retried up to the configured budget; validation and decode
// failures surface on the first occurrence.
var (
	ErrNetwork    = errors.New("query: network error")
	ErrServer     = errors.New("query: server error")
	ErrValidation = errors.New("query: validation error")
	ErrDecode     = errors.New("query: decode error")

	// ErrEvictInUse is returned by Store.Evict while subscribers are
	// still attached to the entry.
	ErrEvictInUse = errors.New("query: entry has active subscribers")
)

// MarkNetwork classifies err as a connectivity or timeout failure.
func MarkNetwork(err error) error { return errors.Mark(err, ErrNetwork) }

// MarkServer classifies err as a 5xx-equivalent backend failure.
func MarkServer(err error) error { return errors.Mark(err, ErrServer) }

// MarkValidation classifies err as a malformed-request failure.
func MarkValidation(err error) error { return errors.Mark(err, ErrValidation) }

// MarkDecode classifies err as a response-shape mismatch.
func MarkDecode(err error) error { return errors.Mark(err, ErrDecode) }

func IsNetwork(err error) bool    { return errors.Is(err, ErrNetwork) }
func IsServer(err error) bool     { return errors.Is(err, ErrServer) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsDecode(err error) bool     { return errors.Is(err, ErrDecode) }

// IsTransient reports whether err is likely to succeed on retry. Context
// cancellation is never transient; attempt deadlines are mapped to network
// errors by the coordinator before classification.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer)
}
