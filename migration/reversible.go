package migration

import (
	"github.com/pkg/errors"
)

var ErrNotReversible = errors.New("rollback is not the inverse of migrate")

// ValidateReversible checks that the structural rollback steps undo the structural
// migrate steps in reverse order. Backfills and raw statements are ignored, migrate
// steps without a derivable inverse match any single rollback step.
// A migration without rollback steps at all is considered irreversible on purpose and passes.
func (m *Migration) ValidateReversible() error {
	if len(m.Rollback) == 0 {
		return nil
	}

	var up []Step
	for _, s := range m.Migrate {
		if structural(s) {
			up = append(up, s)
		}
	}

	var down []Step
	for _, s := range m.Rollback {
		if structural(s) {
			down = append(down, s)
		}
	}

	if len(up) != len(down) {
		return errors.Wrapf(
			ErrNotReversible,
			"migration %s has %d structural migrate steps and %d structural rollback steps",
			m.Key, len(up), len(down),
		)
	}

	for i := range up {
		actual := down[len(down)-1-i]

		expected, ok := up[i].Inverse()
		if !ok {
			continue
		}

		if expected.String() != actual.String() {
			return errors.Wrapf(
				ErrNotReversible,
				"migration %s: [%s] should be undone by [%s], found [%s]",
				m.Key, up[i].String(), expected.String(), actual.String(),
			)
		}
	}

	return nil
}
