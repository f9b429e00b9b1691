package query

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Environment variables recognized by ConfigFromEnv, so deployments can
// tune the cache without code changes.
const (
	EnvStaleAfter   = "QUERY_STALE_AFTER"
	EnvIdleEviction = "QUERY_IDLE_EVICTION"
	EnvFetchTimeout = "QUERY_FETCH_TIMEOUT"
	EnvMaxRetries   = "QUERY_MAX_RETRIES"
	EnvRetryBackoff = "QUERY_RETRY_BACKOFF"
	EnvPrefix       = "QUERY_SNAPSHOT_PREFIX"
)

// ConfigFromEnv builds Options from the process environment. Durations use
// the extended syntax from str2duration ("90s", "1h30m", "2d"). Unset
// variables are skipped; malformed values return an error.
func ConfigFromEnv() ([]Option, error) {
	var opts []Option

	if v := os.Getenv(EnvStaleAfter); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvStaleAfter)
		}
		opts = append(opts, WithStaleAfter(d))
	}
	if v := os.Getenv(EnvIdleEviction); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvIdleEviction)
		}
		opts = append(opts, WithIdleEviction(d))
	}
	if v := os.Getenv(EnvFetchTimeout); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvFetchTimeout)
		}
		opts = append(opts, WithFetchTimeout(d))
	}
	if v := os.Getenv(EnvRetryBackoff); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvRetryBackoff)
		}
		opts = append(opts, WithRetryBackoff(d))
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvMaxRetries)
		}
		opts = append(opts, WithMaxRetries(n))
	}
	if v := os.Getenv(EnvPrefix); v != "" {
		opts = append(opts, WithPrefix(v))
	}
	return opts, nil
}
