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

// Package pagestore persists pages in one file per partition. It is written
// by checkpoints and by recovery only.
package pagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/gridstore/entities/diskio"
	"github.com/weaviate/gridstore/entities/errorcompounder"
	"github.com/weaviate/gridstore/entities/pages"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

type Store struct {
	sync.Mutex

	root     string
	pageSize int
	logger   logrus.FieldLogger
	metrics  *monitoring.PrometheusMetrics
	files    map[pages.PartitionKey]*partitionFile
	closed   bool
}

func New(root string, pageSize int, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*Store, error) {
	if err := pages.ValidatePageSize(pageSize); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o777); err != nil {
		return nil, errors.Wrapf(ErrIO, "create page store root %s: %v", root, err)
	}

	return &Store{
		root:     root,
		pageSize: pageSize,
		logger:   logger.WithField("component", "page_store"),
		metrics:  metrics,
		files:    map[pages.PartitionKey]*partitionFile{},
	}, nil
}

func (s *Store) PageSize() int {
	return s.pageSize
}

func (s *Store) groupDir(groupID uint32) string {
	return filepath.Join(s.root, fmt.Sprintf("grp-%d", groupID))
}

func (s *Store) partitionPath(key pages.PartitionKey) string {
	return filepath.Join(s.groupDir(key.GroupID), fmt.Sprintf("part-%d.bin", key.PartitionID))
}

func (s *Store) file(key pages.PartitionKey) (*partitionFile, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, errors.New("page store is closed")
	}
	if pf, ok := s.files[key]; ok {
		return pf, nil
	}

	if err := os.MkdirAll(s.groupDir(key.GroupID), 0o777); err != nil {
		return nil, errors.Wrapf(ErrIO, "create group dir: %v", err)
	}
	pf, err := openPartitionFile(s.partitionPath(key), s.pageSize,
		s.metrics.PageStoreReadCallback(), s.metrics.PageStoreWriteCallback())
	if err != nil {
		return nil, err
	}
	s.files[key] = pf
	return pf, nil
}

// Read fills buf with the persisted content of the page. Pages which were
// never written read as zero.
func (s *Store) Read(id pages.FullPageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return errors.Errorf("read %s: buffer of %d bytes, page size %d", id, len(buf), s.pageSize)
	}
	pf, err := s.file(id.Partition())
	if err != nil {
		return err
	}
	return errors.Wrapf(pf.read(id.PageIdx, buf), "read page %s", id)
}

// Write persists the page after stamping its checksum. The write is only
// durable after Sync.
func (s *Store) Write(id pages.FullPageID, page []byte) error {
	if len(page) != s.pageSize {
		return errors.Errorf("write %s: page of %d bytes, page size %d", id, len(page), s.pageSize)
	}
	pf, err := s.file(id.Partition())
	if err != nil {
		return err
	}
	pages.SetChecksum(page)
	return pf.write(id.PageIdx, page)
}

// PageCount returns the number of page slots the partition file spans.
func (s *Store) PageCount(key pages.PartitionKey) (uint32, error) {
	pf, err := s.file(key)
	if err != nil {
		return 0, err
	}
	return pf.pageCount()
}

// Sync fsyncs every partition file written since its last sync.
func (s *Store) Sync() error {
	s.Lock()
	files := make([]*partitionFile, 0, len(s.files))
	for _, pf := range s.files {
		files = append(files, pf)
	}
	s.Unlock()

	ec := errorcompounder.New()
	for _, pf := range files {
		ec.Add(pf.sync())
	}
	return ec.ToError()
}

// Partitions lists the partition files present on disk for a group.
func (s *Store) Partitions(groupID uint32) ([]pages.PartitionKey, error) {
	names, err := diskio.SortedFileNames(s.groupDir(groupID), func(name string) bool {
		return strings.HasPrefix(name, "part-") && strings.HasSuffix(name, ".bin")
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrIO, "list group %d: %v", groupID, err)
	}

	keys := make([]pages.PartitionKey, 0, len(names))
	for _, name := range names {
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "part-"), ".bin"), 10, 16)
		if err != nil {
			s.logger.WithField("action", "list_partitions").
				WithField("path", name).
				Warn("ignoring unexpected file in group directory")
			continue
		}
		keys = append(keys, pages.PartitionKey{GroupID: groupID, PartitionID: uint16(id)})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].PartitionID < keys[j].PartitionID })
	return keys, nil
}

// DropGroup closes and removes every partition file of the group.
func (s *Store) DropGroup(groupID uint32) error {
	s.Lock()
	defer s.Unlock()

	ec := errorcompounder.New()
	for key, pf := range s.files {
		if key.GroupID != groupID {
			continue
		}
		ec.Add(pf.close())
		delete(s.files, key)
	}
	if err := os.RemoveAll(s.groupDir(groupID)); err != nil {
		ec.AddWrapf(ErrIO, "remove group %d: %v", groupID, err)
	}
	if err := diskio.Fsync(s.root); err != nil {
		ec.AddWrapf(ErrIO, "fsync page store root: %v", err)
	}
	return ec.ToError()
}

// DropPartition closes and removes a single partition file.
func (s *Store) DropPartition(key pages.PartitionKey) error {
	s.Lock()
	defer s.Unlock()

	ec := errorcompounder.New()
	if pf, ok := s.files[key]; ok {
		ec.Add(pf.close())
		delete(s.files, key)
	}
	if err := os.Remove(s.partitionPath(key)); err != nil && !os.IsNotExist(err) {
		ec.AddWrapf(ErrIO, "remove partition %s: %v", key, err)
	}
	return ec.ToError()
}

func (s *Store) Close() error {
	if err := s.Sync(); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	ec := errorcompounder.New()
	for key, pf := range s.files {
		ec.Add(pf.close())
		delete(s.files, key)
	}
	s.closed = true
	return ec.ToError()
}
