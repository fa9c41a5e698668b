package protocol

import (
	"encoding/binary"
	"errors"
)

// Binary frame layout: [typeByte][fileId 36B ASCII][chunkIndex 4B
// big-endian][payload]. The broker relays chunk frames byte for byte; the
// codec exists to read the routing header and to build frames in tests.
const (
	ChunkTypeByte = 0x02

	chunkFileIDLen = 36
	chunkHeaderLen = 1 + chunkFileIDLen + 4

	// MinChunkFrameLen is the shortest valid binary frame; shorter input
	// is dropped without a reply.
	MinChunkFrameLen = chunkHeaderLen
)

// ErrShortChunk marks a binary frame below the minimum length or with an
// unknown type byte. Callers drop such frames silently.
var ErrShortChunk = errors.New("invalid chunk frame")

// Chunk is the decoded header of a binary file frame. Payload aliases the
// input buffer; the frame is never re-encoded on the relay path.
type Chunk struct {
	FileID     string
	ChunkIndex uint32
	Payload    []byte
}

// ParseChunk reads the routing header off a binary frame.
func ParseChunk(frame []byte) (Chunk, error) {
	if len(frame) < MinChunkFrameLen || frame[0] != ChunkTypeByte {
		return Chunk{}, ErrShortChunk
	}
	return Chunk{
		FileID:     string(frame[1 : 1+chunkFileIDLen]),
		ChunkIndex: binary.BigEndian.Uint32(frame[1+chunkFileIDLen : chunkHeaderLen]),
		Payload:    frame[chunkHeaderLen:],
	}, nil
}

// EncodeChunk builds a binary frame. The fileId is space-padded or
// truncated to its fixed 36-byte field.
func EncodeChunk(fileID string, index uint32, payload []byte) []byte {
	frame := make([]byte, chunkHeaderLen+len(payload))
	frame[0] = ChunkTypeByte
	id := []byte(fileID)
	if len(id) > chunkFileIDLen {
		id = id[:chunkFileIDLen]
	}
	copy(frame[1:1+chunkFileIDLen], id)
	for i := 1 + len(id); i < 1+chunkFileIDLen; i++ {
		frame[i] = ' '
	}
	binary.BigEndian.PutUint32(frame[1+chunkFileIDLen:chunkHeaderLen], index)
	copy(frame[chunkHeaderLen:], payload)
	return frame
}
