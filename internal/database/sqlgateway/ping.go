package sqlgateway

import (
	"context"

	"github.com/pkg/errors"
)

// Ping makes sure the connection can actually run a query
func Ping(ctx context.Context, ex Executor) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "could not ping DB")
	}

	var result int
	if err := ex.QueryRowxContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return errors.Wrap(err, "could not ping DB")
	}

	return nil
}
