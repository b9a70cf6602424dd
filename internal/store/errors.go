package store

import (
	"context"
	"errors"
	"fmt"

	"e2ee-messages/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %s: sqlstate %s: %w", domain.ErrPersistence, op, pgErr.Code, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}

// IsRetryable reports whether a persistence failure is transient: timeouts,
// lost connections, serialization conflicts and resource exhaustion.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return true
		}
	}
	return false
}
