// Package sequence implements the durable sequence-number index: a
// single-writer, multi-reader, checksummed map from session id to the last
// sequence numbers accepted and the stream position up to which the index is
// consistent. The file is replaced atomically on flush so a crash never leaves
// a half-written table.
package sequence

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// Magic identifies a sequence number index file.
	Magic = 0x53514E49 // "SQNI"

	// Version is bumped on incompatible layout changes.
	Version uint32 = 1

	// SectorSize is the atomic write unit. Each sector carries a trailing
	// CRC32 of its payload.
	SectorSize = 4096

	// ChecksumSize is the width of the CRC32 trailer per sector.
	ChecksumSize = 4

	// RecordSize is the fixed width of one session record.
	RecordSize = 32

	// RecordsPerSector leaves room for the sector checksum.
	RecordsPerSector = (SectorSize - ChecksumSize) / RecordSize

	// HeaderSize reserves the first sector for file metadata.
	HeaderSize = SectorSize

	// UnknownSequenceNumber is returned for sessions the index has never
	// seen.
	UnknownSequenceNumber int32 = -1

	// maxIndexedStreams bounds the per-stream indexed-position table in the
	// header.
	maxIndexedStreams = 4
)

// Record is one session row of the table.
type Record struct {
	SessionID        int64
	LastReceived     int32
	LastSent         int32
	SequenceIndex    int32
	MetaDataPosition uint32
}

func encodeRecord(buf []byte, r *Record) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(r.SessionID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.LastReceived))
	binary.LittleEndian.PutUint32(buf[12:], uint32(r.LastSent))
	binary.LittleEndian.PutUint32(buf[16:], uint32(r.SequenceIndex))
	binary.LittleEndian.PutUint32(buf[20:], r.MetaDataPosition)
	binary.LittleEndian.PutUint64(buf[24:], 0)
}

func decodeRecord(buf []byte) Record {
	return Record{
		SessionID:        int64(binary.LittleEndian.Uint64(buf[0:])),
		LastReceived:     int32(binary.LittleEndian.Uint32(buf[8:])),
		LastSent:         int32(binary.LittleEndian.Uint32(buf[12:])),
		SequenceIndex:    int32(binary.LittleEndian.Uint32(buf[16:])),
		MetaDataPosition: binary.LittleEndian.Uint32(buf[20:]),
	}
}

// header layout within the first sector:
//
//	0   magic u32
//	4   version u32
//	8   recordCount u32
//	12  streamCount u32
//	16  streamCount × { streamID i32, pad u32, indexedPosition i64 }
//	... zero padding
//	4092 CRC32 of [0:4092]
type header struct {
	recordCount      uint32
	indexedPositions map[int32]int64
}

func encodeHeader(buf []byte, h *header) {
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], Version)
	binary.LittleEndian.PutUint32(buf[8:], h.recordCount)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(h.indexedPositions)))
	offset := 16
	for streamID, position := range h.indexedPositions {
		binary.LittleEndian.PutUint32(buf[offset:], uint32(streamID))
		binary.LittleEndian.PutUint32(buf[offset+4:], 0)
		binary.LittleEndian.PutUint64(buf[offset+8:], uint64(position))
		offset += 16
	}
	writeSectorChecksum(buf[:SectorSize])
}

func decodeHeader(buf []byte) (*header, bool) {
	if binary.LittleEndian.Uint32(buf[0:]) != Magic {
		return nil, false
	}
	if binary.LittleEndian.Uint32(buf[4:]) != Version {
		return nil, false
	}
	h := &header{
		recordCount:      binary.LittleEndian.Uint32(buf[8:]),
		indexedPositions: make(map[int32]int64),
	}
	streamCount := binary.LittleEndian.Uint32(buf[12:])
	if streamCount > maxIndexedStreams {
		return nil, false
	}
	offset := 16
	for i := uint32(0); i < streamCount; i++ {
		streamID := int32(binary.LittleEndian.Uint32(buf[offset:]))
		position := int64(binary.LittleEndian.Uint64(buf[offset+8:]))
		h.indexedPositions[streamID] = position
		offset += 16
	}
	return h, true
}

func writeSectorChecksum(sector []byte) {
	crc := crc32.ChecksumIEEE(sector[:SectorSize-ChecksumSize])
	binary.LittleEndian.PutUint32(sector[SectorSize-ChecksumSize:], crc)
}

func validSectorChecksum(sector []byte) bool {
	crc := crc32.ChecksumIEEE(sector[:SectorSize-ChecksumSize])
	return binary.LittleEndian.Uint32(sector[SectorSize-ChecksumSize:]) == crc
}

// fileSize returns the byte size of a table holding recordCount records.
func fileSize(recordCount int) int {
	sectors := (recordCount + RecordsPerSector - 1) / RecordsPerSector
	if sectors == 0 {
		sectors = 1
	}
	return HeaderSize + sectors*SectorSize
}
