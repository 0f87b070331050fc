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
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	segmentMagic   = "GWAL"
	segmentVersion = uint16(1)
	// magic (4) | version (2) | reserved (2) | segment index (8)
	segmentHeaderLen = 16
	// type (1) | segment (8) | offset (4) | payload length (4)
	recordHeaderLen = 17
	recordCRCLen    = 4

	switchRecordLen = recordHeaderLen + recordCRCLen
)

func encodeSegmentHeader(index uint64) []byte {
	buf := make([]byte, segmentHeaderLen)
	copy(buf, segmentMagic)
	binary.LittleEndian.PutUint16(buf[4:], segmentVersion)
	binary.LittleEndian.PutUint64(buf[8:], index)
	return buf
}

func parseSegmentHeader(buf []byte) (uint64, error) {
	if len(buf) < segmentHeaderLen {
		return 0, errors.Errorf("segment header truncated at %d bytes", len(buf))
	}
	if string(buf[:4]) != segmentMagic {
		return 0, errors.New("not a wal segment")
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != segmentVersion {
		return 0, errors.Errorf("unsupported segment version %d", v)
	}
	return binary.LittleEndian.Uint64(buf[8:]), nil
}

func recordLen(r Record) int {
	return recordHeaderLen + r.payloadSize() + recordCRCLen
}

// encodeRecord serializes the record for the position ptr. Embedding the
// position lets readers tell a record apart from stale bytes of a recycled
// segment file.
func encodeRecord(ptr Pointer, r Record) []byte {
	buf := make([]byte, ptr.Length)
	payloadLen := r.payloadSize()

	buf[0] = byte(r.Type())
	binary.LittleEndian.PutUint64(buf[1:], ptr.Segment)
	binary.LittleEndian.PutUint32(buf[9:], ptr.Offset)
	binary.LittleEndian.PutUint32(buf[13:], uint32(payloadLen))
	r.encodePayload(buf[recordHeaderLen : recordHeaderLen+payloadLen])

	crc := crc32.ChecksumIEEE(buf[:recordHeaderLen+payloadLen])
	binary.LittleEndian.PutUint32(buf[recordHeaderLen+payloadLen:], crc)
	return buf
}

type parseOutcome uint8

const (
	parsedRecord parseOutcome = iota
	// nothing but zeroes or stale bytes follow
	parsedEnd
	parsedCorrupt
)

type parseResult struct {
	outcome parseOutcome
	record  Record
	ptr     Pointer
	typ     RecordType
	reason  string
}

// parseRecord reads the record expected at offset of segment index.
func parseRecord(data []byte, index uint64, offset uint32) parseResult {
	ptr := Pointer{Segment: index, Offset: offset}
	if int(offset) >= len(data) || data[offset] == 0 {
		return parseResult{outcome: parsedEnd, ptr: ptr}
	}

	rest := data[offset:]
	typ := RecordType(rest[0])
	if len(rest) < recordHeaderLen {
		return parseResult{outcome: parsedCorrupt, ptr: ptr, typ: typ, reason: "truncated record header"}
	}

	seg := binary.LittleEndian.Uint64(rest[1:])
	off := binary.LittleEndian.Uint32(rest[9:])
	if seg != index || off != offset {
		return parseResult{outcome: parsedEnd, ptr: ptr}
	}

	payloadLen := int(binary.LittleEndian.Uint32(rest[13:]))
	total := recordHeaderLen + payloadLen + recordCRCLen
	if payloadLen > len(rest) || total > len(rest) {
		return parseResult{outcome: parsedCorrupt, ptr: ptr, typ: typ, reason: "truncated record"}
	}
	ptr.Length = uint32(total)

	stored := binary.LittleEndian.Uint32(rest[recordHeaderLen+payloadLen:])
	if crc32.ChecksumIEEE(rest[:recordHeaderLen+payloadLen]) != stored {
		return parseResult{outcome: parsedCorrupt, ptr: ptr, typ: typ, reason: "checksum mismatch"}
	}

	rec, err := decodePayload(typ, rest[recordHeaderLen:recordHeaderLen+payloadLen])
	if err != nil {
		return parseResult{outcome: parsedCorrupt, ptr: ptr, typ: typ, reason: err.Error()}
	}
	return parseResult{outcome: parsedRecord, record: rec, ptr: ptr, typ: typ}
}
