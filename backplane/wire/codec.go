// Package wire implements the compact binary framing used by the socket
// transport. Each frame starts with a one-byte message kind followed by a
// kind-specific body. Integers are little-endian; the method name carries a
// 7-bit variable-length prefix; arguments are individually serialized and
// prefixed with a 2-byte signed length; result and error payloads use a 4-byte
// signed length.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/itskum47/Backplane/backplane/resilience"
)

// MessageKind is the first byte of every frame.
type MessageKind byte

const (
	KindRequest MessageKind = 0
	KindResult  MessageKind = 1
	KindError   MessageKind = 2
)

// NotificationID is the request id used by fire-and-forget requests.
const NotificationID int64 = 0

const (
	maxArgumentSize = math.MaxInt16
	maxPayloadSize  = 64 << 20
	maxMethodLength = 1024
	maxArguments    = 1 << 12
)

var (
	// ErrDecode wraps every truncated or inconsistent frame.
	ErrDecode = errors.New("wire: decode error")

	// ErrArgumentIndex is returned when an argument position is out of range.
	ErrArgumentIndex = errors.New("wire: argument index out of range")

	// ErrArgumentTooLarge is returned when a serialized argument exceeds the 2-byte length prefix.
	ErrArgumentTooLarge = errors.New("wire: argument too large")
)

// Message is one decoded frame: *Request, *Result or *ErrorMessage.
type Message interface {
	Kind() MessageKind
}

// Codec reads and writes frames, serializing arguments and results with Serializer.
type Codec struct {
	Serializer Serializer
}

// NewCodec returns a codec using s, or the JSON serializer when s is nil.
func NewCodec(s Serializer) *Codec {
	if s == nil {
		s = JSON
	}
	return &Codec{Serializer: s}
}

// EncodeRequest writes a request frame for method with the given arguments.
func (c *Codec) EncodeRequest(w io.Writer, id int64, method string, args ...any) error {
	if !utf8.ValidString(method) {
		return fmt.Errorf("wire: method name is not valid utf-8")
	}
	payloads := make([][]byte, len(args))
	for i, arg := range args {
		b, err := c.Serializer.Marshal(arg)
		if err != nil {
			return fmt.Errorf("wire: serialize argument %d of %s: %w", i, method, err)
		}
		if len(b) > maxArgumentSize {
			return fmt.Errorf("%w: argument %d of %s is %d bytes", ErrArgumentTooLarge, i, method, len(b))
		}
		payloads[i] = b
	}

	bw := newWriter(w)
	bw.byte(byte(KindRequest))
	bw.int64(id)
	bw.string(method)
	bw.int32(int32(len(payloads)))
	for _, p := range payloads {
		bw.int16(int16(len(p)))
		bw.bytes(p)
	}
	return bw.flush()
}

// EncodeResult writes a result frame carrying value as the return payload.
func (c *Codec) EncodeResult(w io.Writer, id int64, value any) error {
	b, err := c.Serializer.Marshal(value)
	if err != nil {
		return fmt.Errorf("wire: serialize result %d: %w", id, err)
	}
	bw := newWriter(w)
	bw.byte(byte(KindResult))
	bw.int64(id)
	bw.payload(b)
	return bw.flush()
}

// EncodeError writes an error frame. The error object carries the id of the
// request it answers.
func (c *Codec) EncodeError(w io.Writer, id int64, remote *resilience.RemoteError) error {
	b, err := c.Serializer.Marshal(ErrorObject{ID: id, Code: remote.Code, Message: remote.Message, Data: remote.Data})
	if err != nil {
		return fmt.Errorf("wire: serialize error %d: %w", id, err)
	}
	bw := newWriter(w)
	bw.byte(byte(KindError))
	bw.payload(b)
	return bw.flush()
}

// Decode reads exactly one frame from r. Argument and result payloads are kept
// serialized until the caller asks for a concrete type.
func (c *Codec) Decode(r *bufio.Reader) (Message, error) {
	kind, err := r.ReadByte()
	if err != nil {
		// A clean EOF between frames is not a decode error.
		return nil, err
	}

	br := reader{r: r}
	switch MessageKind(kind) {
	case KindRequest:
		req := &Request{serializer: c.Serializer}
		req.ID = br.int64()
		req.Method = br.string()
		count := br.int32()
		if br.err == nil && (count < 0 || count > maxArguments) {
			br.err = fmt.Errorf("%w: argument count %d", ErrDecode, count)
		}
		for i := int32(0); br.err == nil && i < count; i++ {
			n := br.int16()
			if br.err == nil && n < 0 {
				br.err = fmt.Errorf("%w: negative argument length", ErrDecode)
			}
			req.Arguments = append(req.Arguments, br.bytes(int(n)))
		}
		if br.err != nil {
			return nil, br.err
		}
		return req, nil

	case KindResult:
		res := &Result{serializer: c.Serializer}
		res.ID = br.int64()
		res.Payload = br.payload()
		if br.err != nil {
			return nil, br.err
		}
		return res, nil

	case KindError:
		raw := br.payload()
		if br.err != nil {
			return nil, br.err
		}
		var obj ErrorObject
		if err := c.Serializer.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: error object: %v", ErrDecode, err)
		}
		return &ErrorMessage{Object: obj}, nil

	default:
		return nil, &resilience.ProtocolError{Reason: fmt.Sprintf("unknown message kind %d", kind)}
	}
}

type writer struct {
	w   io.Writer
	buf []byte
	err error
}

func newWriter(w io.Writer) *writer {
	return &writer{w: w, buf: make([]byte, 0, 64)}
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) int16(v int16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v)) }

func (w *writer) int32(v int32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v)) }

func (w *writer) int64(v int64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) string(s string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) payload(b []byte) {
	if len(b) > maxPayloadSize {
		w.err = fmt.Errorf("wire: payload of %d bytes exceeds limit", len(b))
		return
	}
	w.int32(int32(len(b)))
	w.bytes(b)
}

// flush writes the whole frame in one call so concurrent writers serialized by
// a mutex never interleave partial frames.
func (w *writer) flush() error {
	if w.err != nil {
		return w.err
	}
	_, err := w.w.Write(w.buf)
	return err
}

type reader struct {
	r   *bufio.Reader
	err error
}

func (r *reader) full(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = fmt.Errorf("%w: truncated frame: %v", ErrDecode, err)
		return nil
	}
	return b
}

func (r *reader) int16() int16 {
	b := r.full(2)
	if b == nil {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(b))
}

func (r *reader) int32() int32 {
	b := r.full(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) int64() int64 {
	b := r.full(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) bytes(n int) []byte {
	if n == 0 {
		if r.err != nil {
			return nil
		}
		return []byte{}
	}
	return r.full(n)
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		r.err = fmt.Errorf("%w: method length: %v", ErrDecode, err)
		return ""
	}
	if n > maxMethodLength {
		r.err = fmt.Errorf("%w: method name of %d bytes", ErrDecode, n)
		return ""
	}
	b := r.bytes(int(n))
	if r.err == nil && !utf8.Valid(b) {
		r.err = fmt.Errorf("%w: method name is not valid utf-8", ErrDecode)
	}
	return string(b)
}

func (r *reader) payload() []byte {
	n := r.int32()
	if r.err != nil {
		return nil
	}
	if n < 0 || n > maxPayloadSize {
		r.err = fmt.Errorf("%w: payload length %d", ErrDecode, n)
		return nil
	}
	return r.bytes(int(n))
}
