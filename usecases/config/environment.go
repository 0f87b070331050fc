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

	"github.com/pkg/errors"

	entcfg "github.com/weaviate/gridstore/entities/config"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those
// that are set. Values neither set in the file nor the environment fall back
// to their defaults.
func FromEnv(config *Config) error {
	if v := os.Getenv("PERSISTENCE_DATA_PATH"); v != "" {
		config.Persistence.DataPath = v
	}

	if v := os.Getenv("PAGE_SIZE"); v != "" {
		size, err := entcfg.Bytes("PAGE_SIZE", v)
		if err != nil {
			return err
		}
		config.Persistence.PageSize = int(size)
	}

	if v := os.Getenv("PERSISTENCE_PARTITIONS"); v != "" {
		n, err := entcfg.PositiveInt("PERSISTENCE_PARTITIONS", v)
		if err != nil {
			return err
		}
		config.Persistence.Partitions = n
	}

	if v := os.Getenv("WAL_MODE"); v != "" {
		config.WAL.Mode = v
	}

	if v := os.Getenv("WAL_SEGMENT_SIZE"); v != "" {
		size, err := entcfg.Bytes("WAL_SEGMENT_SIZE", v)
		if err != nil {
			return err
		}
		config.WAL.SegmentSize = size
	}

	if v := os.Getenv("WAL_WORK_SEGMENTS"); v != "" {
		n, err := entcfg.PositiveInt("WAL_WORK_SEGMENTS", v)
		if err != nil {
			return err
		}
		config.WAL.WorkSegments = n
	}

	if v := os.Getenv("WAL_COMPRESSION_ENABLED"); v != "" {
		config.WAL.CompressionEnabled = entcfg.Enabled(v)
	}

	if v := os.Getenv("WAL_MAX_ARCHIVE_SIZE"); v != "" {
		size, err := entcfg.Bytes("WAL_MAX_ARCHIVE_SIZE", v)
		if err != nil {
			return err
		}
		config.WAL.MaxArchiveSize = size
	}

	if v := os.Getenv("WAL_FLUSH_FREQUENCY"); v != "" {
		d, err := entcfg.Duration("WAL_FLUSH_FREQUENCY", v)
		if err != nil {
			return err
		}
		config.WAL.FlushFrequency = d
	}

	if v := os.Getenv("CHECKPOINT_FREQUENCY"); v != "" {
		d, err := entcfg.Duration("CHECKPOINT_FREQUENCY", v)
		if err != nil {
			return err
		}
		if d <= 0 {
			return errors.Errorf("CHECKPOINT_FREQUENCY must be positive, got %s", v)
		}
		config.Checkpoint.Frequency = d
	}

	if v := os.Getenv("CHECKPOINT_WRITER_THREADS"); v != "" {
		n, err := entcfg.PositiveInt("CHECKPOINT_WRITER_THREADS", v)
		if err != nil {
			return err
		}
		config.Checkpoint.WriterThreads = n
	}

	if entcfg.Enabled(os.Getenv("CHECKPOINTS_DISABLED")) {
		config.Checkpoint.Disabled = true
	}

	if v := os.Getenv("PAGE_MEMORY_MAX_PAGES"); v != "" {
		n, err := entcfg.PositiveInt("PAGE_MEMORY_MAX_PAGES", v)
		if err != nil {
			return err
		}
		config.PageMemory.MaxPages = n
	}

	if entcfg.Enabled(os.Getenv("PROMETHEUS_MONITORING_ENABLED")) {
		config.Monitoring.Enabled = true
	}

	if entcfg.Enabled(os.Getenv("TRACING_ENABLED")) {
		config.Tracing.Enabled = true
	}

	config.setDefaults()
	return nil
}
