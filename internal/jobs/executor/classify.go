package executor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mapforge/geoflow/internal/jobs/handlers"
)

// Classification buckets a handler failure for the retry machinery.
type Classification int

const (
	// ClassTransient failures consume the retry budget with exponential
	// backoff.
	ClassTransient Classification = iota
	// ClassPermanent failures bypass retry and fail the task.
	ClassPermanent
	// ClassThrottling failures retry with a longer backoff floor.
	ClassThrottling
)

func (c Classification) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassThrottling:
		return "throttling"
	default:
		return "transient"
	}
}

// Classify maps a handler error onto a retry class. Explicit wrappers from
// the handlers package win; otherwise infrastructure signatures are
// inspected. Unknown errors default to transient so a flaky dependency
// gets its retry budget rather than an instant failure.
func Classify(err error) Classification {
	if err == nil {
		return ClassTransient
	}

	var perm *handlers.PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var throttled *handlers.ThrottlingError
	if errors.As(err, &throttled) {
		return ClassThrottling
	}
	var trans *handlers.TransientError
	if errors.As(err, &trans) {
		return ClassTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPg(pgErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if strings.Contains(strings.ToLower(err.Error()), "rate limit") {
		return ClassThrottling
	}
	return ClassTransient
}

// classifyPg buckets Postgres errors by SQLSTATE class: connection trouble
// and serialization conflicts retry, resource exhaustion throttles, and
// everything else (constraint violations, bad data) is permanent.
func classifyPg(pgErr *pgconn.PgError) Classification {
	code := pgErr.Code
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return ClassTransient
	case code == "40001" || code == "40P01": // serialization failure, deadlock
		return ClassTransient
	case strings.HasPrefix(code, "53"): // insufficient resources
		return ClassThrottling
	case code == "57014": // query cancelled
		return ClassTransient
	default:
		return ClassPermanent
	}
}
