package dram

import (
	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/migration"
)

type ActionConfigurator func(a *Action)

type Action struct {
	steps    int
	batch    uint
	versions []migration.Version
}

func WithSteps(steps int) ActionConfigurator {
	return func(a *Action) {
		a.steps = steps
	}
}

// WithBatch limits rollback and refresh to a single batch
func WithBatch(batch uint) ActionConfigurator {
	return func(a *Action) {
		a.batch = batch
	}
}

func WithVersions(versions ...migration.Version) ActionConfigurator {
	return func(a *Action) {
		a.versions = versions
	}
}

// CreateConfigurators turns command line values into configurators, zero values are skipped
func CreateConfigurators(steps int, batch uint, versionStrings []string) ([]ActionConfigurator, error) {
	var configurators []ActionConfigurator
	if steps > 0 {
		configurators = append(configurators, WithSteps(steps))
	}

	if batch > 0 {
		configurators = append(configurators, WithBatch(batch))
	}

	if len(versionStrings) > 0 {
		var versions []migration.Version
		for _, s := range versionStrings {
			vf, err := migration.DetectVersionFormat(s)
			if err != nil {
				return nil, err
			}

			versions = append(versions, migration.Version{Value: s, Format: vf})
		}
		configurators = append(configurators, WithVersions(versions...))
	}

	return configurators, nil
}

func newAction(cfs []ActionConfigurator) *Action {
	act := new(Action)
	for _, f := range cfs {
		f(act)
	}
	return act
}

func (a *Action) plan() database.Plan {
	return database.Plan{Steps: a.steps, Batch: a.batch, Versions: a.versions}
}
