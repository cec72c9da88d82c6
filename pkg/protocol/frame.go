package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Writer frames messages onto an io.Writer.
// It is safe for concurrent use; each message is written with a single Write.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	limits Limits
	buf    []byte
}

// NewWriter returns a Writer with the given limits (nil uses DefaultLimits).
func NewWriter(w io.Writer, limits *Limits) *Writer {
	return &Writer{
		w:      w,
		limits: limits.withDefaults(),
	}
}

// WriteMessage encodes v and writes it as one frame.
func (w *Writer) WriteMessage(v any) error {
	body, err := Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > w.limits.MaxFrameSize {
		return &CodecError{Op: "encode", Err: ErrFrameTooLarge}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = AppendUvarint(w.buf[:0], uint64(len(body)))
	w.buf = append(w.buf, body...)
	_, err = w.w.Write(w.buf)
	return err
}

// Reader reads framed messages from an io.Reader.
// A Reader buffers input, so once a stream is wrapped all further reads must
// go through the same Reader.
type Reader struct {
	r      *bufio.Reader
	limits Limits
}

// NewReader returns a Reader with the given limits (nil uses DefaultLimits).
func NewReader(r io.Reader, limits *Limits) *Reader {
	return &Reader{
		r:      bufio.NewReader(r),
		limits: limits.withDefaults(),
	}
}

// ReadFrame reads the next frame body without decoding it.
// It returns io.EOF only when the stream ended cleanly on a frame boundary.
func (r *Reader) ReadFrame() ([]byte, error) {
	n, err := ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &CodecError{Op: "read length", Err: err}
	}
	if n > uint64(r.limits.MaxFrameSize) {
		return nil, &CodecError{Op: "read length", Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)}
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &CodecError{Op: "read body", Err: err}
	}
	return body, nil
}

// ReadMessage reads the next frame and decodes it into v.
func (r *Reader) ReadMessage(v any) error {
	body, err := r.ReadFrame()
	if err != nil {
		return err
	}
	return Unmarshal(body, v, r.limits.MaxMessageSize)
}

// EncodeFrame encodes v as a single self-contained frame.
func EncodeFrame(v any) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, UvarintLen(uint64(len(body)))+len(body))
	buf = AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...), nil
}

// DecodeFrame decodes a single self-contained frame into v.
// The frame must span data exactly.
func DecodeFrame(data []byte, v any, limits *Limits) error {
	l := limits.withDefaults()

	n, read := DecodeUvarint(data)
	switch {
	case read == -1:
		return &CodecError{Op: "read length", Err: io.ErrUnexpectedEOF}
	case read < 0:
		return &CodecError{Op: "read length", Err: ErrVarintOverflow}
	}
	if n > uint64(l.MaxFrameSize) {
		return &CodecError{Op: "read length", Err: ErrFrameTooLarge}
	}

	rest := data[read:]
	if uint64(len(rest)) < n {
		return &CodecError{Op: "read body", Err: io.ErrUnexpectedEOF}
	}
	if uint64(len(rest)) > n {
		return &CodecError{Op: "read body", Err: ErrTrailingData}
	}
	return Unmarshal(rest, v, l.MaxMessageSize)
}
