package migration

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
)

var (
	ErrInvalidVersionFormat = errors.New("invalid version format")
	ErrDuplicateVersion     = errors.New("duplicate migration version")
	ErrInvalidMigrationName = errors.New("invalid migration name")
)

type (
	VersionFormat string

	Version struct {
		Format     VersionFormat
		Value      string
		Batch      uint
		MigratedAt time.Time
	}

	Migration struct {
		Key      string
		Name     string
		Version  Version
		Migrate  []Step
		Rollback []Step
	}

	ClockFunc func() time.Time
	Factory   func() (*Migration, error)
)

const (
	SequentialFormat VersionFormat = "sequential"
	TimestampFormat  VersionFormat = "timestamp"
	DatetimeFormat   VersionFormat = "datetime"
	AnyFormat        VersionFormat = "any"

	MaxSequentialLength = 8
	MinTimestampLength  = 9
	MaxTimestampLength  = 12
	MaxDatetimeLength   = 14

	DefaultSequenceWidth = 3
)

// StepError points at the step of a migration that failed
type StepError struct {
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step #%d [%s]: %s", e.Index+1, e.Step, e.Err.Error())
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Cause() error {
	return e.Err
}

func New(version, name string, migrate, rollback []Step) Factory {
	return func() (*Migration, error) {
		if strings.TrimSpace(name) == "" {
			return nil, errors.Wrapf(ErrInvalidMigrationName, "version %s", version)
		}

		m := &Migration{
			Key:  CreateKeyFromVersionAndName(version, name),
			Name: name,
			Version: Version{
				Value: version,
			},
			Migrate:  migrate,
			Rollback: rollback,
		}

		if err := SetVersionFormat(m); err != nil {
			return nil, err
		}

		return m, nil
	}
}

// Apply runs the forward steps in order and stops on the first failure,
// nothing that already ran gets undone
func (m *Migration) Apply(ctx context.Context, h schema.Handle) error {
	return runSteps(ctx, h, m.Migrate)
}

// Revert runs the rollback steps in order, same fail-stop rules as Apply
func (m *Migration) Revert(ctx context.Context, h schema.Handle) error {
	return runSteps(ctx, h, m.Rollback)
}

func runSteps(ctx context.Context, h schema.Handle, steps []Step) error {
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Step: s.String(), Err: err}
		}

		if err := s.Apply(ctx, h); err != nil {
			if !schema.Classified(err) {
				err = errors.Wrap(schema.ErrSchemaOperation, err.Error())
			}

			return &StepError{Index: i, Step: s.String(), Err: err}
		}
	}

	return nil
}

// Describe lists the steps one per line
func Describe(steps []Step) string {
	var buf bytes.Buffer

	for i := range steps {
		buf.WriteString(steps[i].String())

		if i < len(steps)-1 {
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

type Migrations []*Migration

func NewMigrations(factories ...Factory) (Migrations, error) {
	migrations := make(Migrations, len(factories))

	for i := range factories {
		m, err := factories[i]()
		if err != nil {
			return nil, err
		}

		if err := m.ValidateReversible(); err != nil {
			return nil, err
		}

		migrations[i] = m
	}

	sort.Sort(migrations)

	// 2 and 002 are the same version
	for i := 1; i < len(migrations); i++ {
		if CompareVersions(migrations[i-1].Version.Value, migrations[i].Version.Value) == 0 {
			return nil, errors.Wrapf(ErrDuplicateVersion, "%s and %s", migrations[i-1].Key, migrations[i].Key)
		}
	}

	return migrations, nil
}

func (m Migrations) Keys() (result []string) {
	for i := range m {
		result = append(result, m[i].Key)
	}
	return result
}

func (m Migrations) Len() int {
	return len(m)
}

func (m Migrations) Less(i, j int) bool {
	if c := CompareVersions(m[i].Version.Value, m[j].Version.Value); c != 0 {
		return c < 0
	}

	return m[i].Key < m[j].Key
}

func (m Migrations) Swap(i, j int) {
	m[i], m[j] = m[j], m[i]
}

// Find looks a migration up by version value
func (m Migrations) Find(version string) (*Migration, bool) {
	for i := range m {
		if CompareVersions(m[i].Version.Value, version) == 0 {
			return m[i], true
		}
	}

	return nil, false
}

// CompareVersions compares numerically so that 2 and 002 are the same version
func CompareVersions(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}

	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	default:
		return 0
	}
}

func CreateKeyFromVersionAndName(version, name string) string {
	var result bytes.Buffer
	result.WriteString(version)
	result.WriteString("_")
	result.WriteString(strings.Replace(strings.ToLower(strings.TrimSpace(name)), " ", "_", -1))
	return result.String()
}

func GenerateVersion(cf ClockFunc, vf VersionFormat) Version {
	var v Version

	v.Format = vf
	if v.Format == TimestampFormat {
		v.Value = strconv.Itoa(int(cf().Unix()))
	} else {
		v.Format = DatetimeFormat
		v.Value = cf().Format("20060102150405")
	}

	return v
}

// NextSequence returns the version following the latest one keeping its zero padding
func NextSequence(latest string) Version {
	width := DefaultSequenceWidth
	if len(latest) > width {
		width = len(latest)
	}

	var n uint64
	if latest != "" {
		n, _ = strconv.ParseUint(latest, 10, 64)
	}

	return Version{
		Format: SequentialFormat,
		Value:  fmt.Sprintf("%0*d", width, n+1),
	}
}

func SetVersionFormat(m *Migration) error {
	f, err := DetectVersionFormat(m.Version.Value)
	if err != nil {
		return err
	}

	m.Version.Format = f
	return nil
}

func DetectVersionFormat(value string) (VersionFormat, error) {
	if _, err := strconv.ParseUint(value, 10, 64); err != nil {
		return "", errors.Wrapf(ErrInvalidVersionFormat, "%s", value)
	}

	switch l := len(value); {
	case l <= MaxSequentialLength:
		return SequentialFormat, nil
	case l <= MaxTimestampLength:
		return TimestampFormat, nil
	case l <= MaxDatetimeLength:
		return DatetimeFormat, nil
	default:
		return "", errors.Wrapf(ErrInvalidVersionFormat, "%s", value)
	}
}

func InVersions(version Version, versions []Version) bool {
	for _, v := range versions {
		if CompareVersions(v.Value, version.Value) == 0 {
			return true
		}
	}

	return false
}
