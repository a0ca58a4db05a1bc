package dram

import (
	"github.com/denismitr/dram/internal/logger"
	"github.com/denismitr/dram/internal/source"
	"github.com/denismitr/dram/migration"
)

type (
	sourceConfig struct {
		versionFormat migration.VersionFormat
	}

	SourceConfigurator func(sc *sourceConfig)
)

func UseLocalFolderSource(folder string, configurators ...SourceConfigurator) OptionFunc {
	var sc sourceConfig
	sc.versionFormat = migration.AnyFormat
	for _, c := range configurators {
		c(&sc)
	}

	return func(m *Migrator) error {
		m.selector = nil
		m.newSelector = func(lg logger.Logger) source.Selector {
			return source.NewLocalFSSource(folder, lg, sc.versionFormat)
		}
		return nil
	}
}

func UseInMemorySource(factories ...migration.Factory) OptionFunc {
	return func(m *Migrator) error {
		s, err := source.NewInMemorySource(factories...)
		if err != nil {
			return err
		}

		m.selector = s
		m.newSelector = nil
		return nil
	}
}

// WithVersionFormat rejects local files whose version has another format
func WithVersionFormat(vf migration.VersionFormat) SourceConfigurator {
	return func(sc *sourceConfig) {
		sc.versionFormat = vf
	}
}
