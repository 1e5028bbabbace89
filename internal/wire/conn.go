package wire

import (
	"bufio"
	"io"
)

// Conn sends and receives framed messages over a byte stream.
//
// Send and Recv may be used from two different goroutines, but neither is
// safe for concurrent use with itself.
type Conn struct {
	br       *bufio.Reader
	w        io.Writer
	codec    Codec
	maxBytes uint64
}

// NewConn wraps rw. maxBytes limits inbound payloads; zero means no limit.
func NewConn(rw io.ReadWriter, c Codec, maxBytes uint64) *Conn {
	return &Conn{br: bufio.NewReader(rw), w: rw, codec: c, maxBytes: maxBytes}
}

// Codec returns the payload codec in use.
func (c *Conn) Codec() Codec { return c.codec }

// Send encodes v as one frame.
func (c *Conn) Send(v any) error {
	return Encode(c.w, c.codec, v)
}

// Recv decodes the next frame into v.
func (c *Conn) Recv(v any) error {
	return Decode(c.br, c.codec, c.maxBytes, v)
}
