// Package wire implements relayq's framing: every message travels as
//
//	[8-byte big-endian unsigned length L][L payload bytes]
//
// in both directions. The length counts payload bytes only. The payload is one
// serialized Request or Response, produced by a Codec (JSON by default, CBOR
// optionally); the framing itself never looks inside it, so any payload,
// including an empty one or one containing bytes that look like a header,
// round-trips unchanged.
//
// Failures fall into three kinds, each its own type so callers can tell them
// apart with errors.As:
//
//   - TransportError: the stream failed or ended inside a frame. A clean close
//     between frames is also a TransportError; IsClosed distinguishes it.
//   - DecodeError: a complete frame arrived but its payload is not a valid
//     message, or its announced length exceeds the limit.
//   - EncodeError: a value could not be serialized. Nothing was written.
package wire
