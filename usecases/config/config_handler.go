//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/weaviate/gridstore/entities/pages"
)

// Config outline of the config file
type Config struct {
	Persistence Persistence `json:"persistence" yaml:"persistence"`
	WAL         WAL         `json:"wal" yaml:"wal"`
	Checkpoint  Checkpoint  `json:"checkpoint" yaml:"checkpoint"`
	PageMemory  PageMemory  `json:"page_memory" yaml:"page_memory"`
	Monitoring  Monitoring  `json:"monitoring" yaml:"monitoring"`
	Tracing     Tracing     `json:"tracing" yaml:"tracing"`
}

type Persistence struct {
	DataPath string `json:"dataPath" yaml:"dataPath"`
	// PageSize is shared cluster-wide, changing it for existing data is
	// refused by the page store
	PageSize   int `json:"pageSize" yaml:"pageSize"`
	Partitions int `json:"partitions" yaml:"partitions"`
}

type WAL struct {
	Mode               string        `json:"mode" yaml:"mode"`
	SegmentSize        int64         `json:"segmentSize" yaml:"segmentSize"`
	WorkSegments       int           `json:"workSegments" yaml:"workSegments"`
	CompressionEnabled bool          `json:"compressionEnabled" yaml:"compressionEnabled"`
	MaxArchiveSize     int64         `json:"maxArchiveSize" yaml:"maxArchiveSize"`
	FlushFrequency     time.Duration `json:"flushFrequency" yaml:"flushFrequency"`
}

type Checkpoint struct {
	Disabled      bool          `json:"disabled" yaml:"disabled"`
	Frequency     time.Duration `json:"frequency" yaml:"frequency"`
	WriterThreads int           `json:"writerThreads" yaml:"writerThreads"`
	HistorySize   int           `json:"historySize" yaml:"historySize"`
}

type PageMemory struct {
	MaxPages            int     `json:"maxPages" yaml:"maxPages"`
	DirtyPagesThreshold float64 `json:"dirtyPagesThreshold" yaml:"dirtyPagesThreshold"`
}

type Monitoring struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type Tracing struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

const (
	// DefaultPersistenceDataPath is the default location for data directory when no location is provided
	DefaultPersistenceDataPath = "./data"
	DefaultPartitions          = 16

	WALModeFsync      = "fsync"
	WALModeLogOnly    = "log_only"
	WALModeBackground = "background"

	DefaultWALMode           = WALModeLogOnly
	DefaultWALSegmentSize    = 64 * 1024 * 1024
	DefaultWALWorkSegments   = 10
	DefaultWALMaxArchiveSize = 1024 * 1024 * 1024
	DefaultWALFlushFrequency = 2 * time.Second

	DefaultCheckpointFrequency     = 3 * time.Minute
	DefaultCheckpointWriterThreads = 4
	DefaultCheckpointHistorySize   = 100

	DefaultPageMemoryMaxPages       = 64 * 1024
	DefaultPageMemoryDirtyThreshold = 0.75

	// smallest segment which still fits a full page snapshot record of the
	// largest page size
	minWALSegmentSize = 128 * 1024
)

// Default returns a config with every value set to its default.
func Default() Config {
	c := Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Persistence.DataPath == "" {
		c.Persistence.DataPath = DefaultPersistenceDataPath
	}
	if c.Persistence.PageSize == 0 {
		c.Persistence.PageSize = pages.DefaultPageSize
	}
	if c.Persistence.Partitions == 0 {
		c.Persistence.Partitions = DefaultPartitions
	}
	if c.WAL.Mode == "" {
		c.WAL.Mode = DefaultWALMode
	}
	if c.WAL.SegmentSize == 0 {
		c.WAL.SegmentSize = DefaultWALSegmentSize
	}
	if c.WAL.WorkSegments == 0 {
		c.WAL.WorkSegments = DefaultWALWorkSegments
	}
	if c.WAL.MaxArchiveSize == 0 {
		c.WAL.MaxArchiveSize = DefaultWALMaxArchiveSize
	}
	if c.WAL.FlushFrequency == 0 {
		c.WAL.FlushFrequency = DefaultWALFlushFrequency
	}
	if c.Checkpoint.Frequency == 0 {
		c.Checkpoint.Frequency = DefaultCheckpointFrequency
	}
	if c.Checkpoint.WriterThreads == 0 {
		c.Checkpoint.WriterThreads = DefaultCheckpointWriterThreads
	}
	if c.Checkpoint.HistorySize == 0 {
		c.Checkpoint.HistorySize = DefaultCheckpointHistorySize
	}
	if c.PageMemory.MaxPages == 0 {
		c.PageMemory.MaxPages = DefaultPageMemoryMaxPages
	}
	if c.PageMemory.DirtyPagesThreshold == 0 {
		c.PageMemory.DirtyPagesThreshold = DefaultPageMemoryDirtyThreshold
	}
}

// LoadFile reads a yaml config file, applies defaults for everything not
// set and finally applies environment overrides.
func LoadFile(path string) (Config, error) {
	var c Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return c, errors.Wrapf(err, "read config file %q", path)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, errors.Wrapf(err, "parse config file %q", path)
		}
	}

	if err := FromEnv(&c); err != nil {
		return c, errors.Wrap(err, "apply environment")
	}

	return c, c.Validate()
}

func (c *Config) Validate() error {
	if err := c.Persistence.Validate(); err != nil {
		return errors.Wrap(err, "persistence")
	}
	if err := c.WAL.Validate(c.Persistence.PageSize); err != nil {
		return errors.Wrap(err, "wal")
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	if err := c.PageMemory.Validate(); err != nil {
		return errors.Wrap(err, "page memory")
	}
	return nil
}

func (p Persistence) Validate() error {
	if p.DataPath == "" {
		return errors.New("dataPath must be set")
	}
	if p.Partitions <= 0 || p.Partitions > 1<<15 {
		return errors.Errorf("partitions must be between 1 and %d, got %d", 1<<15, p.Partitions)
	}
	return pages.ValidatePageSize(p.PageSize)
}

func (p Persistence) PageStorePath() string {
	return filepath.Join(p.DataPath, "pages")
}

func (p Persistence) WALPath() string {
	return filepath.Join(p.DataPath, "wal")
}

func (p Persistence) WALArchivePath() string {
	return filepath.Join(p.DataPath, "wal", "archive")
}

func (p Persistence) MetaPath() string {
	return filepath.Join(p.DataPath, "meta")
}

func (w WAL) Validate(pageSize int) error {
	switch w.Mode {
	case WALModeFsync, WALModeLogOnly, WALModeBackground:
	default:
		return errors.Errorf("unknown mode %q", w.Mode)
	}
	minSize := int64(minWALSegmentSize)
	if limit := int64(4 * pageSize); limit > minSize {
		minSize = limit
	}
	if w.SegmentSize < minSize {
		return errors.Errorf("segmentSize must be at least %d, got %d", minSize, w.SegmentSize)
	}
	if w.SegmentSize > 1<<32-1 {
		return errors.Errorf("segmentSize must fit into 32 bits, got %d", w.SegmentSize)
	}
	if w.WorkSegments < 2 {
		return errors.Errorf("workSegments must be at least 2, got %d", w.WorkSegments)
	}
	if w.MaxArchiveSize < 0 {
		return errors.Errorf("maxArchiveSize must not be negative")
	}
	return nil
}

func (c Checkpoint) Validate() error {
	if c.Frequency <= 0 {
		return errors.Errorf("frequency must be positive")
	}
	if c.WriterThreads <= 0 {
		return errors.Errorf("writerThreads must be positive")
	}
	if c.HistorySize <= 0 {
		return errors.Errorf("historySize must be positive")
	}
	return nil
}

func (p PageMemory) Validate() error {
	if p.MaxPages < 16 {
		return errors.Errorf("maxPages must be at least 16, got %d", p.MaxPages)
	}
	if p.DirtyPagesThreshold <= 0 || p.DirtyPagesThreshold > 1 {
		return errors.Errorf("dirtyPagesThreshold must be in (0, 1], got %v", p.DirtyPagesThreshold)
	}
	return nil
}
