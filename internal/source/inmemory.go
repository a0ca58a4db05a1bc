package source

import (
	"context"

	"github.com/denismitr/dram/migration"
	"github.com/pkg/errors"
)

var ErrNoMigrations = errors.New("no migrations")

// InMemorySource serves migrations compiled into the binary
type InMemorySource struct {
	migrations migration.Migrations
}

var _ Source = (*InMemorySource)(nil)

func NewInMemorySource(factories ...migration.Factory) (*InMemorySource, error) {
	m, err := migration.NewMigrations(factories...)
	if err != nil {
		return nil, err
	}

	return &InMemorySource{
		migrations: m,
	}, nil
}

func (c *InMemorySource) Select(ctx context.Context, f Filter) (migration.Migrations, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.migrations == nil {
		return nil, ErrNoMigrations
	}

	return filterMigrations(c.migrations, f), nil
}

func (c *InMemorySource) IsValid() bool {
	return len(c.migrations) > 0
}

func (c *InMemorySource) AlreadyExists(version, _ string) bool {
	_, ok := c.migrations.Find(version)
	return ok
}

func (c *InMemorySource) Create(version, name string, _ FileFormat) (*migration.Migration, error) {
	return nil, errors.Wrapf(ErrReadOnlySource, "%s", migration.CreateKeyFromVersionAndName(version, name))
}
