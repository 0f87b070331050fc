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

package pagestore

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/weaviate/gridstore/entities/diskio"
	"github.com/weaviate/gridstore/entities/pages"
)

const (
	fileMagic     = "GPST"
	fileVersion   = uint16(1)
	fileHeaderLen = 16
)

// ErrIO marks failures of the underlying file system.
var ErrIO = errors.New("page store io failure")

// partitionFile holds the pages of a single partition in fixed slots after
// a small file header.
type partitionFile struct {
	sync.RWMutex
	path     string
	pageSize int
	file     *os.File
	reader   *diskio.MeteredReaderAt
	writer   *diskio.MeteredWriterAt
	dirty    bool
}

func openPartitionFile(path string, pageSize int,
	readCB diskio.MeteredReaderCallback, writeCB diskio.MeteredWriterCallback,
) (*partitionFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}

	pf := &partitionFile{
		path:     path,
		pageSize: pageSize,
		file:     f,
		reader:   diskio.NewMeteredReaderAt(f, readCB),
		writer:   diskio.NewMeteredWriterAt(f, writeCB),
	}

	if err := pf.initHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

func (pf *partitionFile) initHeader() error {
	info, err := pf.file.Stat()
	if err != nil {
		return errors.Wrapf(ErrIO, "stat %s: %v", pf.path, err)
	}

	header := make([]byte, fileHeaderLen)
	if info.Size() == 0 {
		copy(header[0:4], fileMagic)
		binary.LittleEndian.PutUint16(header[4:6], fileVersion)
		binary.LittleEndian.PutUint32(header[8:12], uint32(pf.pageSize))
		if _, err := pf.file.WriteAt(header, 0); err != nil {
			return errors.Wrapf(ErrIO, "write header %s: %v", pf.path, err)
		}
		pf.dirty = true
		return nil
	}

	if _, err := pf.file.ReadAt(header, 0); err != nil {
		return errors.Wrapf(ErrIO, "read header %s: %v", pf.path, err)
	}
	if string(header[0:4]) != fileMagic {
		return errors.Errorf("%s is not a page file", pf.path)
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != fileVersion {
		return errors.Errorf("%s: unsupported version %d", pf.path, v)
	}
	if size := int(binary.LittleEndian.Uint32(header[8:12])); size != pf.pageSize {
		return errors.Errorf("%s was written with page size %d, configured %d",
			pf.path, size, pf.pageSize)
	}
	return nil
}

func (pf *partitionFile) offset(pageIdx uint32) int64 {
	return fileHeaderLen + int64(pageIdx)*int64(pf.pageSize)
}

// read fills buf with the page. Slots beyond the end of the file were never
// written and read as zero pages.
func (pf *partitionFile) read(pageIdx uint32, buf []byte) error {
	pf.RLock()
	defer pf.RUnlock()

	n, err := pf.reader.ReadAt(buf, pf.offset(pageIdx))
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(ErrIO, "read page %d of %s: %v", pageIdx, pf.path, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return pages.VerifyChecksum(buf)
}

func (pf *partitionFile) write(pageIdx uint32, page []byte) error {
	pf.Lock()
	defer pf.Unlock()

	if _, err := pf.writer.WriteAt(page, pf.offset(pageIdx)); err != nil {
		return errors.Wrapf(ErrIO, "write page %d of %s: %v", pageIdx, pf.path, err)
	}
	pf.dirty = true
	return nil
}

func (pf *partitionFile) pageCount() (uint32, error) {
	pf.RLock()
	defer pf.RUnlock()

	info, err := pf.file.Stat()
	if err != nil {
		return 0, errors.Wrapf(ErrIO, "stat %s: %v", pf.path, err)
	}
	if info.Size() <= fileHeaderLen {
		return 0, nil
	}
	return uint32((info.Size() - fileHeaderLen + int64(pf.pageSize) - 1) / int64(pf.pageSize)), nil
}

func (pf *partitionFile) sync() error {
	pf.Lock()
	defer pf.Unlock()

	if !pf.dirty {
		return nil
	}
	if err := pf.file.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "fsync %s: %v", pf.path, err)
	}
	pf.dirty = false
	return nil
}

func (pf *partitionFile) close() error {
	pf.Lock()
	defer pf.Unlock()

	if err := pf.file.Close(); err != nil {
		return errors.Wrapf(ErrIO, "close %s: %v", pf.path, err)
	}
	return nil
}
