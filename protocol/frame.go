// Package protocol implements the NanoRPC binary frame format.
//
// It solves TCP's sticky packet problem by using a fixed-size 17-byte header
// followed by three variable-length sections. The receiver reads the header
// first to learn the section lengths, then reads exactly that many bytes.
//
// Frame format:
//
//	0    1        5          9         13        17
//	┌────┬────────┬──────────┬─────────┬─────────┬────────┬────────┬──────┐
//	│type│   id   │targetLen │methodLen│ bodyLen │ target │ method │ body │
//	│    │ uint32 │  uint32  │ uint32  │ uint32  │        │        │      │
//	└────┴────────┴──────────┴─────────┴─────────┴────────┴────────┴──────┘
//
// All multi-byte fields are big-endian (network byte order). Target names a
// registered actor or broker topic; Method names an action, subscription id,
// or stream handler; Body is an opaque payload encoded by a codec.Codec.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"nanorpc/codec"
)

const (
	// HeaderSize is the fixed frame header length:
	// 1 (type) + 4 (id) + 4 (targetLen) + 4 (methodLen) + 4 (bodyLen).
	HeaderSize = 17

	MaxTargetLength = 256
	MaxMethodLength = 256
	MaxBodyLength   = 16 * 1024 * 1024
)

var (
	ErrNilWriter     = errors.New("protocol: nil writer")
	ErrInvalidHeader = errors.New("protocol: invalid frame header")
	ErrTargetTooLong = fmt.Errorf("protocol: target exceeds %d bytes", MaxTargetLength)
	ErrMethodTooLong = fmt.Errorf("protocol: method exceeds %d bytes", MaxMethodLength)
	ErrBodyTooLarge  = fmt.Errorf("protocol: body exceeds %d bytes", MaxBodyLength)
)

// MsgType distinguishes the kinds of frames that may appear on a connection.
type MsgType byte

const (
	MsgTypeCall         MsgType = 0  // request expecting a Reply or Error
	MsgTypeCast         MsgType = 1  // fire-and-forget request, no response
	MsgTypeReply        MsgType = 2  // successful response to a Call
	MsgTypeError        MsgType = 3  // failed response to a Call
	MsgTypeHandshake    MsgType = 4  // name exchange at connection setup
	MsgTypeSubscribe    MsgType = 5  // register for a topic
	MsgTypeUnsubscribe  MsgType = 6  // drop a topic registration
	MsgTypePublish      MsgType = 7  // topic payload, node→server or server→node
	MsgTypeStreamStart  MsgType = 8  // open a server-push stream
	MsgTypeStreamData   MsgType = 9  // one stream item, server→node
	MsgTypeStreamEnd    MsgType = 10 // natural stream completion
	MsgTypeStreamCancel MsgType = 11 // stream abandoned by either side
)

// Valid reports whether t is one of the defined frame kinds.
func (t MsgType) Valid() bool {
	return t <= MsgTypeStreamCancel
}

func (t MsgType) String() string {
	names := [...]string{
		"Call", "Cast", "Reply", "Error", "Handshake", "Subscribe",
		"Unsubscribe", "Publish", "StreamStart", "StreamData",
		"StreamEnd", "StreamCancel",
	}
	if !t.Valid() {
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
	return names[t]
}

// Header is the fixed 17-byte frame header. Lengths are kept signed so that
// IsValid can reject negative values decoded from hostile input.
type Header struct {
	Type      MsgType
	ID        uint32 // correlation id, unique per in-flight request on a connection
	TargetLen int32
	MethodLen int32
	BodyLen   int32
}

// TotalBodyLength is the number of bytes following the header on the wire.
func (h *Header) TotalBodyLength() int {
	return int(h.TargetLen) + int(h.MethodLen) + int(h.BodyLen)
}

// IsValid checks the type tag and the declared section lengths against the
// protocol limits. Frames with invalid headers must not be dispatched.
func (h *Header) IsValid() bool {
	if !h.Type.Valid() {
		return false
	}
	if h.TargetLen < 0 || h.TargetLen > MaxTargetLength {
		return false
	}
	if h.MethodLen < 0 || h.MethodLen > MaxMethodLength {
		return false
	}
	if h.BodyLen < 0 || h.BodyLen > MaxBodyLength {
		return false
	}
	return true
}

// Frame is one complete wire message.
type Frame struct {
	Type   MsgType
	ID     uint32
	Target string
	Method string
	Body   []byte
}

// WriteFrame encodes body with c and writes a complete frame to w. A nil body
// produces an empty body section. Arguments are validated before any bytes
// are written, so a rejected frame leaves the stream untouched.
//
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different requests will interleave and
// corrupt the stream.
func WriteFrame(w io.Writer, c codec.Codec, typ MsgType, id uint32, target, method string, body any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = c.Encode(body)
		if err != nil {
			return fmt.Errorf("protocol: encode body: %w", err)
		}
	}
	return WriteFrameRaw(w, &Frame{Type: typ, ID: id, Target: target, Method: method, Body: encoded})
}

// WriteFrameRaw writes a frame whose body is already encoded. Used when
// relaying or replying with pre-serialized bytes.
func WriteFrameRaw(w io.Writer, f *Frame) error {
	if w == nil {
		return ErrNilWriter
	}
	if len(f.Target) > MaxTargetLength {
		return ErrTargetTooLong
	}
	if len(f.Method) > MaxMethodLength {
		return ErrMethodTooLong
	}
	if len(f.Body) > MaxBodyLength {
		return ErrBodyTooLarge
	}

	// Header + target + method in one buffer; the body (up to 16 MiB) is
	// written separately to avoid copying it.
	buf := make([]byte, HeaderSize, HeaderSize+len(f.Target)+len(f.Method))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.ID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Target)))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(f.Method)))
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(f.Body)))
	buf = append(buf, f.Target...)
	buf = append(buf, f.Method...)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return err
		}
	}
	return nil
}

// ReadHeader reads and parses the fixed header. The parsed header is returned
// even when it fails validation so the caller can skip the declared payload
// and keep the connection alive.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h := &Header{
		Type:      MsgType(buf[0]),
		ID:        binary.BigEndian.Uint32(buf[1:5]),
		TargetLen: int32(binary.BigEndian.Uint32(buf[5:9])),
		MethodLen: int32(binary.BigEndian.Uint32(buf[9:13])),
		BodyLen:   int32(binary.BigEndian.Uint32(buf[13:17])),
	}
	if !h.IsValid() {
		return h, ErrInvalidHeader
	}
	return h, nil
}

// ReadFrame reads one complete frame from r. Uses io.ReadFull to guarantee
// exactly N bytes are read, preventing partial reads.
//
// On an invalid header ReadFrame discards the declared payload and returns
// ErrInvalidHeader: the frame is rejected but the stream stays in sync, so
// the caller can continue reading. Any other error means the connection is
// unusable.
func ReadFrame(r io.Reader) (*Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		if errors.Is(err, ErrInvalidHeader) {
			discard(r, h)
		}
		return nil, err
	}

	payload := make([]byte, h.TotalBodyLength())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	f := &Frame{
		Type:   h.Type,
		ID:     h.ID,
		Target: string(payload[:h.TargetLen]),
		Method: string(payload[h.TargetLen : h.TargetLen+h.MethodLen]),
	}
	if h.BodyLen > 0 {
		f.Body = payload[h.TargetLen+h.MethodLen:]
	}
	return f, nil
}

// discard drains the payload of a rejected frame so the next header starts
// at the right offset. Negative lengths are skipped; the stream is likely
// unrecoverable in that case and the next read will fail cleanly.
func discard(r io.Reader, h *Header) {
	var n int64
	for _, l := range [...]int32{h.TargetLen, h.MethodLen, h.BodyLen} {
		if l > 0 {
			n += int64(l)
		}
	}
	if n > 0 {
		io.CopyN(io.Discard, r, n)
	}
}
