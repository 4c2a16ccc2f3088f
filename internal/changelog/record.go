package changelog

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// On-disk frame layout:
//
//	payloadLen uint32 | checksum uint64 (xxhash64 of payload) | payload
//
// payload:
//
//	offset int64 | timestamp int64 (unix milli) | keyLen uint32 | key |
//	valueLen int32 (-1 = tombstone) | value
const frameHeaderSize = 4 + 8

const tombstoneLen = int32(-1)

// encodeFrame serializes a record into a checksummed frame
func encodeFrame(rec Record) []byte {
	payloadLen := 8 + 8 + 4 + len(rec.Key) + 4 + len(rec.Value)
	buf := make([]byte, frameHeaderSize+payloadLen)

	binary.BigEndian.PutUint32(buf[0:4], uint32(payloadLen))
	payload := buf[frameHeaderSize:]

	binary.BigEndian.PutUint64(payload[0:8], uint64(rec.Offset))
	binary.BigEndian.PutUint64(payload[8:16], uint64(rec.Timestamp.UnixMilli()))
	binary.BigEndian.PutUint32(payload[16:20], uint32(len(rec.Key)))
	pos := 20 + copy(payload[20:], rec.Key)

	if rec.Tombstone() {
		marker := tombstoneLen
		binary.BigEndian.PutUint32(payload[pos:pos+4], uint32(marker))
		pos += 4
	} else {
		binary.BigEndian.PutUint32(payload[pos:pos+4], uint32(int32(len(rec.Value))))
		pos += 4
		copy(payload[pos:], rec.Value)
	}

	binary.BigEndian.PutUint64(buf[4:12], xxhash.Sum64(payload))
	return buf
}

// decodePayload parses a checksum-verified payload back into a record
func decodePayload(payload []byte) (Record, error) {
	if len(payload) < 24 {
		return Record{}, fmt.Errorf("changelog: payload too short: %d bytes", len(payload))
	}

	rec := Record{
		Offset:    int64(binary.BigEndian.Uint64(payload[0:8])),
		Timestamp: time.UnixMilli(int64(binary.BigEndian.Uint64(payload[8:16]))),
	}

	keyLen := int(binary.BigEndian.Uint32(payload[16:20]))
	pos := 20
	if pos+keyLen+4 > len(payload) {
		return Record{}, fmt.Errorf("changelog: key length %d overruns payload", keyLen)
	}
	rec.Key = make([]byte, keyLen)
	copy(rec.Key, payload[pos:pos+keyLen])
	pos += keyLen

	valLen := int32(binary.BigEndian.Uint32(payload[pos : pos+4]))
	pos += 4
	if valLen == tombstoneLen {
		return rec, nil
	}
	if valLen < 0 || pos+int(valLen) > len(payload) {
		return Record{}, fmt.Errorf("changelog: value length %d overruns payload", valLen)
	}
	rec.Value = make([]byte, valLen)
	copy(rec.Value, payload[pos:pos+int(valLen)])
	return rec, nil
}

// verifyFrame checks a frame's checksum and returns its payload
func verifyFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("changelog: frame too short")
	}
	payload := frame[frameHeaderSize:]
	want := binary.BigEndian.Uint64(frame[4:12])
	if xxhash.Sum64(payload) != want {
		return nil, ErrCorrupted
	}
	return payload, nil
}
