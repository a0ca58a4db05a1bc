package source

import (
	"context"
	"strings"
	"unicode"

	"github.com/denismitr/dram/migration"
	"github.com/pkg/errors"
)

var (
	ErrNotAMigrationFile    = errors.New("not a migration file")
	ErrTooManyFilesForKey   = errors.New("too many files for single migration key")
	ErrInvalidMigrationFile = errors.New("invalid migration file")
	ErrReadOnlySource       = errors.New("source does not support creating migrations")
)

// FileFormat of a newly created migration
type FileFormat string

const (
	YAMLFormat FileFormat = "yaml"
	SQLFormat  FileFormat = "sql"
)

// Filter narrows a selection down to the given versions, empty means everything
type Filter struct {
	Versions []migration.Version
}

type Selector interface {
	Select(ctx context.Context, f Filter) (migration.Migrations, error)
}

type Source interface {
	Selector

	IsValid() bool
	AlreadyExists(version, name string) bool
	Create(version, name string, format FileFormat) (*migration.Migration, error)
}

func (f Filter) allows(v migration.Version) bool {
	return len(f.Versions) == 0 || migration.InVersions(v, f.Versions)
}

func filterMigrations(ms migration.Migrations, f Filter) migration.Migrations {
	if len(f.Versions) == 0 {
		return ms
	}

	var result migration.Migrations
	for i := range ms {
		if f.allows(ms[i].Version) {
			result = append(result, ms[i])
		}
	}

	return result
}

func ucFirst(s string) string {
	r := []rune(s)

	if len(r) == 0 {
		return ""
	}

	f := string(unicode.ToUpper(r[0]))

	return f + string(r[1:])
}

// nameFromSlug turns add_distillery_id into "Add distillery id"
func nameFromSlug(slug string) string {
	return ucFirst(strings.Replace(slug, "_", " ", -1))
}
