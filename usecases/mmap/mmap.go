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

package mmap

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type MMap = mmap.MMap

const RDONLY = mmap.RDONLY

func MapRegion(f *os.File, length int, prot, flags int, offset int64) (MMap, error) {
	return mmap.MapRegion(f, length, prot, flags, offset)
}

// ReadOnly maps the first length bytes of f. Empty regions cannot be
// mapped, callers get a nil MMap instead which is safe to Unmap.
func ReadOnly(f *os.File, length int) (MMap, error) {
	if length == 0 {
		return nil, nil
	}
	m, err := mmap.MapRegion(f, length, mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", f.Name())
	}
	return m, nil
}

func Unmap(m MMap) error {
	if m == nil {
		return nil
	}
	return m.Unmap()
}
