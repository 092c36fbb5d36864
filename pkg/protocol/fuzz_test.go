package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame fuzzes the frame decoder with random bytes
func FuzzDecodeFrame(f *testing.F) {
	// Seed with some valid frames
	f.Add([]byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x01, 0x00})             // Minimal valid frame
	f.Add([]byte{0x00, 0x00, 0x00, 0x05, 0x01, 0x02, 0x00, 0x48, 0x69}) // Frame with payload "Hi"

	hello, err := CommandFrame(&HelloMessage{Identity: "alice"})
	if err != nil {
		f.Fatal(err)
	}
	var frameBuf bytes.Buffer
	EncodeFrame(&frameBuf, hello)
	f.Add(frameBuf.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic or hang on arbitrary input
		_, _ = DecodeFrame(bytes.NewReader(data))
	})
}

// FuzzDecodeCommand fuzzes command decoding for every client message type
func FuzzDecodeCommand(f *testing.F) {
	f.Add(uint8(TypeHello), []byte{0x00, 0x05, 'a', 'l', 'i', 'c', 'e', 0x00, 0x00})
	f.Add(uint8(TypeCreatePoll), []byte{0x00, 0x01, 'Q', 0x02, 0x00, 0x01, 'a', 0x00, 0x01, 'b'})
	f.Add(uint8(TypeVote), []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 1})
	f.Add(uint8(TypeUpload), []byte{0x00, 0x01, 'f', 0, 0, 0, 0, 0, 0, 0x28, 0x00})

	f.Fuzz(func(t *testing.T, msgType uint8, payload []byte) {
		cmd, err := DecodeCommand(NewFrame(msgType, payload))
		if err == nil && cmd.Type() != msgType {
			t.Fatalf("decoded type 0x%02X from frame type 0x%02X", cmd.Type(), msgType)
		}
	})
}

// FuzzReadChunkHeader fuzzes the chunk header classifier
func FuzzReadChunkHeader(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	f.Add([]byte{0x00, 0x00, 0x10, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		kind, n, err := ReadChunkHeader(bytes.NewReader(data), DefaultMaxChunkSize)
		if err != nil {
			return
		}
		if kind == ChunkData && (n <= 0 || n > DefaultMaxChunkSize) {
			t.Fatalf("data chunk with out-of-range length %d", n)
		}
	})
}
