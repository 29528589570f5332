package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// execAffected runs the result of an Exec through a uniform error wrap and
// reports whether any row was touched.
func execAffected(tag pgconn.CommandTag, err error, format string, args ...any) (bool, error) {
	if err != nil {
		return false, fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
