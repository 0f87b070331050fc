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

package wal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	return Config{
		Dirs: Dirs{
			Work:    filepath.Join(dir, "wal"),
			Archive: filepath.Join(dir, "wal", "archive"),
		},
		Mode:         ModeLogOnly,
		SegmentSize:  1024,
		WorkSegments: 4,
	}
}

func openTestWAL(t *testing.T, cfg Config) *Manager {
	logger, _ := test.NewNullLogger()
	m, err := Open(cfg, logger, nil)
	require.NoError(t, err)
	return m
}

func closeTestWAL(t *testing.T, m *Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func custom(i int) *CustomRecord {
	payload := make([]byte, 100)
	for j := range payload {
		payload[j] = byte(i + j)
	}
	return &CustomRecord{Tag: uint16(i), Payload: payload}
}

func appendCustom(t *testing.T, m *Manager, n int) []Pointer {
	ptrs := make([]Pointer, n)
	for i := 0; i < n; i++ {
		ptr, err := m.Append(custom(i))
		require.NoError(t, err)
		ptrs[i] = ptr
	}
	return ptrs
}

type readBack struct {
	ptrs    []Pointer
	records []Record
	gaps    []Gap
	err     error
}

// readAll collects every record but switch records.
func readAll(t *testing.T, dirs Dirs, from Pointer, policy FailurePolicy) readBack {
	logger, _ := test.NewNullLogger()
	it, err := NewIterator(dirs, from, policy, logger, nil)
	require.NoError(t, err)
	defer it.Close()

	var out readBack
	for it.Next() {
		if it.Record().Type() == SwitchSegmentRecordType {
			continue
		}
		out.ptrs = append(out.ptrs, it.Pointer())
		out.records = append(out.records, it.Record())
	}
	out.gaps = it.Gaps()
	out.err = it.Err()
	return out
}
