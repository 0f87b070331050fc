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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/weaviate/gridstore/entities/diskio"
	"github.com/weaviate/gridstore/usecases/mmap"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

const (
	segmentExt    = ".wal"
	compressedExt = ".wal.zst"
	tmpExt        = ".tmp"
)

// SegmentState is the lifecycle of a segment, it only moves forward.
type SegmentState uint8

const (
	SegmentActive SegmentState = iota
	SegmentSealed
	SegmentArchived
	SegmentReusable
)

func (s SegmentState) String() string {
	switch s {
	case SegmentActive:
		return "active"
	case SegmentSealed:
		return "sealed"
	case SegmentArchived:
		return "archived"
	default:
		return "reusable"
	}
}

// Dirs are the two locations segments live in.
type Dirs struct {
	Work    string
	Archive string
}

func segmentName(index uint64) string {
	return fmt.Sprintf("%016d%s", index, segmentExt)
}

func compressedName(index uint64) string {
	return fmt.Sprintf("%016d%s", index, compressedExt)
}

func parseSegmentName(name string) (uint64, bool, bool) {
	compressed := false
	switch {
	case strings.HasSuffix(name, compressedExt):
		compressed = true
		name = strings.TrimSuffix(name, compressedExt)
	case strings.HasSuffix(name, segmentExt):
		name = strings.TrimSuffix(name, segmentExt)
	default:
		return 0, false, false
	}
	index, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return index, compressed, true
}

// listSegments returns the indexes found in dir, mapped to whether the file
// is compressed.
func listSegments(dir string) (map[uint64]bool, error) {
	names, err := diskio.SortedFileNames(dir, func(name string) bool {
		_, _, ok := parseSegmentName(name)
		return ok
	})
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]bool{}, nil
		}
		return nil, ioErrorf(err, "list %s", dir)
	}

	out := make(map[uint64]bool, len(names))
	for _, name := range names {
		index, compressed, _ := parseSegmentName(name)
		// a plain copy wins, it is only deleted after the compressed copy is
		// complete
		if _, ok := out[index]; !ok || !compressed {
			out[index] = compressed
		}
	}
	return out, nil
}

// segmentData is the readable content of a segment, either mapped or
// decompressed into memory.
type segmentData struct {
	index  uint64
	dir    DirKind
	path   string
	data   []byte
	mapped mmap.MMap
}

func (s *segmentData) close() error {
	s.data = nil
	if s.mapped == nil {
		return nil
	}
	err := mmap.Unmap(s.mapped)
	s.mapped = nil
	return err
}

// openSegment looks for a segment in the work directory first, then for a
// plain archived copy and finally for a compressed one. Returns nil if
// the segment exists nowhere.
func openSegment(dirs Dirs, index uint64, metrics *monitoring.PrometheusMetrics) (*segmentData, error) {
	candidates := []struct {
		path       string
		dir        DirKind
		compressed bool
	}{
		{filepath.Join(dirs.Work, segmentName(index)), DirWork, false},
		{filepath.Join(dirs.Archive, segmentName(index)), DirArchive, false},
		{filepath.Join(dirs.Archive, compressedName(index)), DirArchive, true},
	}

	for _, c := range candidates {
		var (
			seg *segmentData
			err error
		)
		if c.compressed {
			seg, err = readCompressed(c.path, metrics.WALReadCallback(c.dir.String()))
		} else {
			seg, err = mapPlain(c.path, metrics.WALReadCallback(c.dir.String()))
		}
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, err
		}

		seg.index, seg.dir, seg.path = index, c.dir, c.path
		// work files get recycled under a new name, a header of another
		// index means the file was renamed after we looked it up
		if headerIndex, err := parseSegmentHeader(seg.data); err == nil && headerIndex != index {
			seg.close()
			continue
		}
		return seg, nil
	}
	return nil, nil
}

func mapPlain(path string, readCB diskio.MeteredReaderCallback) (*segmentData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, ioErrorf(err, "stat %s", path)
	}
	m, err := mmap.ReadOnly(f, int(info.Size()))
	if err != nil {
		return nil, ioErrorf(err, "map %s", path)
	}
	if readCB != nil {
		readCB(info.Size(), 0)
	}
	return &segmentData{data: m, mapped: m}, nil
}

func readCompressed(path string, readCB diskio.MeteredReaderCallback) (*segmentData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(diskio.NewMeteredReader(f, readCB))
	if err != nil {
		return nil, ioErrorf(err, "open decoder for %s", path)
	}
	defer dec.Close()

	buf, err := io.ReadAll(dec)
	if err != nil {
		return nil, ioErrorf(err, "decompress %s", path)
	}
	return &segmentData{data: buf}, nil
}
