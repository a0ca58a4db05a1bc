package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/denismitr/dram/internal/logger"
	"github.com/denismitr/dram/migration"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const DefaultMigrationsFolder = "./migrations"

const (
	yamlExtension             = ".yaml"
	ymlExtension              = ".yml"
	migrateFileFullExtension  = ".migrate.sql"
	rollbackFileFullExtension = ".rollback.sql"

	maxConcurrentReads = 8

	keyFormat = `^(?P<version>\d{1,14})_(?P<name>\w+)$`
)

var keyRegexp = regexp.MustCompile(keyFormat)

// files found for one migration key
type fileSet struct {
	yaml     string
	migrate  string
	rollback string
}

type LocalFileSource struct {
	folder        string
	lg            logger.Logger
	versionFormat migration.VersionFormat
}

var _ Source = (*LocalFileSource)(nil)

func NewLocalFSSource(folder string, lg logger.Logger, vf migration.VersionFormat) *LocalFileSource {
	if folder == "" {
		folder = DefaultMigrationsFolder
	}

	if lg == nil {
		lg = logger.NullLogger{}
	}

	if vf == "" {
		vf = migration.AnyFormat
	}

	return &LocalFileSource{folder: folder, lg: lg, versionFormat: vf}
}

func (lfs *LocalFileSource) Folder() string {
	return lfs.folder
}

func (lfs *LocalFileSource) IsValid() bool {
	info, err := os.Stat(lfs.folder)
	if err != nil {
		return false
	}

	return info.IsDir()
}

// AlreadyExists reports a version clash as well as an exact key clash
func (lfs *LocalFileSource) AlreadyExists(version, name string) bool {
	sets, err := lfs.scan()
	if err != nil {
		return false
	}

	key := migration.CreateKeyFromVersionAndName(version, name)
	if _, ok := sets[key]; ok {
		return true
	}

	for k := range sets {
		m := keyRegexp.FindStringSubmatch(k)
		if migration.CompareVersions(m[1], version) == 0 {
			return true
		}
	}

	return false
}

func (lfs *LocalFileSource) Create(version, name string, format FileFormat) (*migration.Migration, error) {
	if _, err := migration.DetectVersionFormat(version); err != nil {
		return nil, err
	}

	if strings.TrimSpace(name) == "" {
		return nil, errors.Wrapf(migration.ErrInvalidMigrationName, "version %s", version)
	}

	if lfs.AlreadyExists(version, name) {
		return nil, errors.Wrapf(migration.ErrDuplicateVersion, "%s", version)
	}

	if err := os.MkdirAll(lfs.folder, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create folder %s", lfs.folder)
	}

	key := migration.CreateKeyFromVersionAndName(version, name)

	switch format {
	case SQLFormat:
		if err := writeFile(filepath.Join(lfs.folder, key+migrateFileFullExtension), nil); err != nil {
			return nil, err
		}

		if err := writeFile(filepath.Join(lfs.folder, key+rollbackFileFullExtension), nil); err != nil {
			return nil, err
		}
	default:
		contents := []byte(fmt.Sprintf(yamlTemplate, name))
		if err := writeFile(filepath.Join(lfs.folder, key+yamlExtension), contents); err != nil {
			return nil, err
		}
	}

	m, err := migration.New(version, name, nil, nil)()
	if err != nil {
		return nil, err
	}

	m.Key = key
	lfs.lg.Debugf("created migration %s in %s", key, lfs.folder)

	return m, nil
}

// Select reads every migration in the folder concurrently and returns them sorted by version
func (lfs *LocalFileSource) Select(ctx context.Context, f Filter) (migration.Migrations, error) {
	sets, err := lfs.scan()
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result migration.Migrations
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)

	for key, set := range sets {
		m := keyRegexp.FindStringSubmatch(key)
		if !f.allows(migration.Version{Value: m[1]}) {
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			mg, err := lfs.readOne(key, set)
			if err != nil {
				mErr := errors.Wrapf(err, "with key %s", key)
				lfs.lg.Error(mErr)
				return mErr
			}

			mu.Lock()
			result = append(result, mg)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Sort(result)

	for i := 1; i < len(result); i++ {
		if migration.CompareVersions(result[i-1].Version.Value, result[i].Version.Value) == 0 {
			return nil, errors.Wrapf(migration.ErrDuplicateVersion, "%s and %s", result[i-1].Key, result[i].Key)
		}
	}

	return result, nil
}

func (lfs *LocalFileSource) scan() (map[string]*fileSet, error) {
	entries, err := os.ReadDir(lfs.folder)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read keys from folder %s", lfs.folder)
	}

	sets := make(map[string]*fileSet)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		key, kind, err := convertLocalFilePathToKey(entry.Name())
		if errors.Is(err, ErrNotAMigrationFile) {
			lfs.lg.Debugf("skipping %s: %s", entry.Name(), err.Error())
			continue
		}

		if err != nil {
			return nil, errors.Wrapf(err, "file %s", entry.Name())
		}

		set, ok := sets[key]
		if !ok {
			set = &fileSet{}
			sets[key] = set
		}

		path := filepath.Join(lfs.folder, entry.Name())

		switch kind {
		case yamlExtension:
			if set.yaml != "" || set.migrate != "" || set.rollback != "" {
				return nil, errors.Wrapf(ErrTooManyFilesForKey, "%s", key)
			}
			set.yaml = path
		case migrateFileFullExtension:
			if set.yaml != "" {
				return nil, errors.Wrapf(ErrTooManyFilesForKey, "%s", key)
			}
			set.migrate = path
		case rollbackFileFullExtension:
			if set.yaml != "" {
				return nil, errors.Wrapf(ErrTooManyFilesForKey, "%s", key)
			}
			set.rollback = path
		}
	}

	for key, set := range sets {
		if set.yaml == "" && set.migrate == "" {
			return nil, errors.Wrapf(ErrInvalidMigrationFile, "%s has a rollback file but no migrate file", key)
		}
	}

	return sets, nil
}

func (lfs *LocalFileSource) readOne(key string, set *fileSet) (*migration.Migration, error) {
	matches := keyRegexp.FindStringSubmatch(key)
	version, name := matches[1], nameFromSlug(matches[2])

	if lfs.versionFormat != migration.AnyFormat {
		vf, err := migration.DetectVersionFormat(version)
		if err != nil {
			return nil, err
		}

		if vf != lfs.versionFormat {
			return nil, errors.Wrapf(migration.ErrInvalidVersionFormat, "%s is %s, expected %s", version, vf, lfs.versionFormat)
		}
	}

	var (
		up, down []migration.Step
		err      error
	)

	if set.yaml != "" {
		contents, rErr := os.ReadFile(set.yaml)
		if rErr != nil {
			return nil, errors.Wrapf(rErr, "could not read %s", set.yaml)
		}

		up, down, err = decodeSteps(contents)
	} else {
		up, down, err = readSQLPair(set.migrate, set.rollback)
	}

	if err != nil {
		return nil, err
	}

	m, err := migration.New(version, name, up, down)()
	if err != nil {
		return nil, err
	}

	m.Key = key

	if err := m.ValidateReversible(); err != nil {
		return nil, err
	}

	return m, nil
}

func readSQLPair(migratePath, rollbackPath string) (up, down []migration.Step, err error) {
	contents, err := os.ReadFile(migratePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not read %s", migratePath)
	}

	up = rawSteps(contents)

	if rollbackPath == "" {
		return up, nil, nil
	}

	contents, err = os.ReadFile(rollbackPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not read %s", rollbackPath)
	}

	return up, rawSteps(contents), nil
}

// rawSteps splits a sql file into statements, a statement ends with a semicolon at the end of a line.
// Comments in front of a statement are dropped.
func rawSteps(contents []byte) []migration.Step {
	var (
		steps []migration.Step
		buf   bytes.Buffer
		code  bool
	)

	flush := func() {
		if code {
			steps = append(steps, migration.Raw{SQL: strings.TrimSpace(buf.String())})
		}
		buf.Reset()
		code = false
	}

	scanner := bufio.NewScanner(bytes.NewReader(contents))
	scanner.Buffer(make([]byte, 0, 64*1024), len(contents)+1)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !code && (trimmed == "" || strings.HasPrefix(trimmed, "--")) {
			continue
		}

		buf.WriteString(line)
		buf.WriteString("\n")
		code = true

		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}

	flush()

	return steps
}

func convertLocalFilePathToKey(path string) (key string, kind string, err error) {
	base := filepath.Base(path)

	switch {
	case strings.HasSuffix(base, migrateFileFullExtension):
		key, kind = strings.TrimSuffix(base, migrateFileFullExtension), migrateFileFullExtension
	case strings.HasSuffix(base, rollbackFileFullExtension):
		key, kind = strings.TrimSuffix(base, rollbackFileFullExtension), rollbackFileFullExtension
	case strings.HasSuffix(base, yamlExtension):
		key, kind = strings.TrimSuffix(base, yamlExtension), yamlExtension
	case strings.HasSuffix(base, ymlExtension):
		key, kind = strings.TrimSuffix(base, ymlExtension), yamlExtension
	default:
		return "", "", ErrNotAMigrationFile
	}

	if !keyRegexp.MatchString(key) {
		return "", "", errors.Wrapf(migration.ErrInvalidMigrationName, "%s", base)
	}

	return key, kind, nil
}

func writeFile(path string, contents []byte) error {
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "could not create file [%s]", path)
	}

	return nil
}
