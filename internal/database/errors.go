package database

import (
	"fmt"

	"github.com/denismitr/dram/migration"
	"github.com/pkg/errors"
)

// MigrationError tells which migration and which of its steps broke the run
type MigrationError struct {
	Key       string
	Operation string
	Step      string
	Err       error
}

func newMigrationError(key, operation string, err error) *MigrationError {
	me := &MigrationError{Key: key, Operation: operation, Err: err}

	var stepErr *migration.StepError
	if errors.As(err, &stepErr) {
		me.Step = stepErr.Step
		me.Err = stepErr.Err
	}

	return me
}

func (e *MigrationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s of migration %s failed: %s", e.Operation, e.Key, e.Err.Error())
	}

	return fmt.Sprintf("%s of migration %s failed at step [%s]: %s", e.Operation, e.Key, e.Step, e.Err.Error())
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func (e *MigrationError) Cause() error {
	return e.Err
}
