package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeUvarint tests that decoding arbitrary bytes doesn't panic and
// agrees with the streaming reader.
func FuzzDecodeUvarint(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte{0x7F})
	f.Add([]byte{0x80, 0x01})
	f.Add([]byte{0xFF, 0x7F})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		v, n := DecodeUvarint(data)
		sv, err := ReadUvarint(bytes.NewReader(data))
		if n > 0 && (err != nil || sv != v) {
			t.Errorf("DecodeUvarint = %d, ReadUvarint = %d, %v", v, sv, err)
		}
	})
}

// FuzzDecodeFrame tests that decoding arbitrary frames doesn't panic.
func FuzzDecodeFrame(f *testing.F) {
	for _, tc := range testMessages() {
		data, err := EncodeFrame(tc.msg)
		if err != nil {
			f.Fatalf("EncodeFrame() error = %v", err)
		}
		f.Add(data)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg RPCMessage
		_ = DecodeFrame(data, &msg, nil)
		var pkt ChunkDataStreamPacket
		_ = DecodeFrame(data, &pkt, nil)
	})
}

// FuzzReader tests that the stream reader doesn't panic on arbitrary input.
func FuzzReader(f *testing.F) {
	data, _ := EncodeFrame(&StreamHeader{Standard: StreamChunkData})
	f.Add(data)
	f.Add([]byte{0x05, 0x28, 0xB5, 0x2F, 0xFD, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		r := NewReader(bytes.NewReader(data), &Limits{MaxFrameSize: 1 << 16, MaxMessageSize: 1 << 16})
		for i := 0; i < 4; i++ {
			var h StreamHeader
			if err := r.ReadMessage(&h); err != nil {
				return
			}
		}
	})
}
