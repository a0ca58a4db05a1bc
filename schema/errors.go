package schema

import "github.com/pkg/errors"

var (
	ErrDuplicateColumn     = errors.New("column already exists")
	ErrMissingColumn       = errors.New("column does not exist")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrDataMigration       = errors.New("data migration failed")
	ErrLockContention      = errors.New("migrations lock is held by another runner")

	// ErrSchemaOperation covers engine failures that fit none of the above.
	ErrSchemaOperation = errors.New("schema operation failed")
)

// Classified reports whether err already carries one of the taxonomy sentinels.
func Classified(err error) bool {
	for _, target := range []error{
		ErrDuplicateColumn,
		ErrMissingColumn,
		ErrConstraintViolation,
		ErrDataMigration,
		ErrLockContention,
		ErrSchemaOperation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}
