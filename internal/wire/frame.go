package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the big-endian length prefix.
const HeaderSize = 8

// DefaultMaxFrameBytes is the payload limit used by the client and the
// default server configuration. A limit of zero means no limit.
const DefaultMaxFrameBytes = 64 << 20

// preallocBytes caps how much of an announced payload is allocated before
// any of it has arrived.
const preallocBytes = 64 << 10

// ErrFrameTooLarge is wrapped by a DecodeError when a header announces a
// payload above the reader's limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// TransportError reports a failure of the byte stream itself: the peer went
// away, the connection was reset, or a frame was cut short.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "wire: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a complete frame whose payload is not a valid message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "wire: decode payload: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a value that could not be serialized. Nothing is
// written to the stream when it occurs.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "wire: encode payload: " + e.Err.Error() }
func (e *EncodeError) Unwrap() error { return e.Err }

// IsClosed reports whether err means the peer closed the stream cleanly on a
// frame boundary, before any byte of a new header arrived.
func IsClosed(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && errors.Is(te.Err, io.EOF)
}

// WriteFrame writes payload with its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[:HeaderSize], uint64(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return &TransportError{Op: "write frame", Err: err}
	}
	return nil
}

// ReadFrame reads exactly one frame and returns its payload. maxBytes limits
// the announced payload length; zero means no limit.
//
// A stream that ends before the header starts yields a TransportError
// wrapping io.EOF. A stream that ends inside the header or payload yields a
// TransportError wrapping io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxBytes uint64) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, &TransportError{Op: "read length", Err: err}
	}

	n := binary.BigEndian.Uint64(header[:])
	if maxBytes > 0 && n > maxBytes {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, maxBytes)}
	}
	if n > math.MaxInt64 {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)}
	}
	if n == 0 {
		return []byte{}, nil
	}

	// The buffer grows as bytes arrive, so a header alone cannot force a
	// large allocation.
	var buf bytes.Buffer
	buf.Grow(int(min(n, preallocBytes)))
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &TransportError{Op: "read payload", Err: err}
	}
	return buf.Bytes(), nil
}

// Encode serializes v with c and writes it as one frame.
func Encode(w io.Writer, c Codec, v any) error {
	payload, err := c.Marshal(v)
	if err != nil {
		return &EncodeError{Err: err}
	}
	return WriteFrame(w, payload)
}

// Decode reads one frame from r and deserializes it into v.
func Decode(r io.Reader, c Codec, maxBytes uint64, v any) error {
	payload, err := ReadFrame(r, maxBytes)
	if err != nil {
		return err
	}
	if err := c.Unmarshal(payload, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}
