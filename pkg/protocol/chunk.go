package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Chunk stream markers. After an UPLOAD frame the client switches to a raw
// stream of [Length (int32)][Data] chunks. A zero length ends the stream and
// a length of -1 cancels the transfer.
const (
	ChunkEnd    int32 = 0
	ChunkCancel int32 = -1

	// DefaultMaxChunkSize is the largest data chunk a server accepts by default
	DefaultMaxChunkSize = 64 * 1024
)

var ErrInvalidChunkLength = errors.New("invalid chunk length")

// ChunkKind identifies what a chunk header announces
type ChunkKind uint8

const (
	ChunkData ChunkKind = iota
	ChunkEOF
	ChunkCancelled
)

// ReadChunkHeader reads a signed chunk length and classifies it. Lengths below
// -1 or above maxSize are rejected with ErrInvalidChunkLength.
func ReadChunkHeader(r io.Reader, maxSize int) (ChunkKind, int, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return 0, 0, err
	}

	switch {
	case n == ChunkEnd:
		return ChunkEOF, 0, nil
	case n == ChunkCancel:
		return ChunkCancelled, 0, nil
	case n < ChunkCancel:
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidChunkLength, n)
	case maxSize > 0 && int(n) > maxSize:
		return 0, 0, fmt.Errorf("%w: %d exceeds %d", ErrInvalidChunkLength, n, maxSize)
	}
	return ChunkData, int(n), nil
}

// WriteChunk writes one data chunk. Empty chunks are not representable (a
// zero length means end-of-stream), so an empty slice is a no-op.
func WriteChunk(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > MaxFrameSize {
		return ErrInvalidChunkLength
	}
	if err := WriteInt32(w, int32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteChunkEnd terminates a chunk stream successfully
func WriteChunkEnd(w io.Writer) error {
	return WriteInt32(w, ChunkEnd)
}

// WriteChunkCancel terminates a chunk stream with a cancellation
func WriteChunkCancel(w io.Writer) error {
	return WriteInt32(w, ChunkCancel)
}
