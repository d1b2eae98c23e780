package database

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how long startup keeps retrying a dependency.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy retries for up to two minutes starting at one second.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: time.Second,
	MaxElapsedTime:  2 * time.Minute,
}

// ConnectWithRetry calls connect with exponential backoff until it succeeds or the policy gives up.
func ConnectWithRetry[T any](name string, policy RetryPolicy, logger zerolog.Logger, connect func() (T, error)) (T, error) {
	var conn T

	expBackoff := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		expBackoff.InitialInterval = policy.InitialInterval
	}
	if policy.MaxElapsedTime > 0 {
		expBackoff.MaxElapsedTime = policy.MaxElapsedTime
	}

	attempt := 0
	operation := func() error {
		attempt++
		var err error
		conn, err = connect()
		if err != nil {
			logger.Warn().Err(err).Str("dependency", name).Int("attempt", attempt).Msg("connection attempt failed")
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}

	return conn, nil
}
