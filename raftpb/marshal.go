package raftpb

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"
)

// Message is implemented by wire types that round-trip through Marshal.
// The Reset method mirrors the teacher's utils/pd convention (itself
// mirroring a protobuf Message) so callers can clear-then-decode in place.
type Message interface {
	Reset()
}

// Marshal gob-encodes msg.
func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal gob-encodes msg, panicking on failure. Marshal failures are
// a programming error (an unregistered or unexported field), never a
// recoverable runtime condition, so this mirrors the teacher's MustMarshal.
func MustMarshal(msg Message) []byte {
	data, err := Marshal(msg)
	if err != nil {
		panic("raftpb: marshal should never fail: " + err.Error())
	}
	return data
}

// Unmarshal gob-decodes data into msg.
func Unmarshal(msg Message, data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(msg)
}

// ChecksumPayload computes the CRC32 checksum replicate messages carry.
func ChecksumPayload(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

func init() {
	gob.Register(Config{})
	gob.Register(PersistedState{})
}
