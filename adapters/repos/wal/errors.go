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

	"github.com/pkg/errors"
)

var (
	ErrIO             = errors.New("wal io failure")
	ErrCorruptRecord  = errors.New("corrupt wal record")
	ErrSegmentMissing = errors.New("wal segment missing")
	ErrRecordTooLarge = errors.New("wal record exceeds segment size")
	ErrClosed         = errors.New("wal is closed")
)

type ioError struct {
	msg   string
	cause error
}

func ioErrorf(cause error, format string, args ...any) error {
	return &ioError{msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *ioError) Error() string {
	return fmt.Sprintf("%s: %v", e.msg, e.cause)
}

func (e *ioError) Unwrap() []error {
	return []error{ErrIO, e.cause}
}

// CorruptRecordError is returned under PolicyFail for a record which is
// truncated, fails its checksum or cannot be decoded.
type CorruptRecordError struct {
	Pointer Pointer
	Type    RecordType
	Reason  string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt wal record at %s (type %s): %s", e.Pointer, e.Type, e.Reason)
}

func (e *CorruptRecordError) Is(target error) bool {
	return target == ErrCorruptRecord
}

type SegmentMissingError struct {
	Segment uint64
}

func (e *SegmentMissingError) Error() string {
	return fmt.Sprintf("wal segment %d missing", e.Segment)
}

func (e *SegmentMissingError) Is(target error) bool {
	return target == ErrSegmentMissing
}

// Gap is the audit entry for corruption skipped under PolicyTolerate.
type Gap struct {
	Pointer Pointer
	Dir     DirKind
	Reason  string
}

func (g Gap) String() string {
	return fmt.Sprintf("%s (%s dir): %s", g.Pointer, g.Dir, g.Reason)
}
