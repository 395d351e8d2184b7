package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// Append appends the encoded frame to dst and returns the extended slice.
func Append(dst []byte, f Frame) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, byte(f.Type()))
	dst = f.appendPayload(dst)
	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-HeaderLen))
	return dst
}

// Encode returns the wire bytes of f.
func Encode(f Frame) []byte {
	return Append(nil, f)
}

// WriteTo writes f to w with a single Write call.
func WriteTo(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// Decode decodes b, which must hold exactly one frame. Byte slices in the
// result alias b.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return nil, decodeErrorf(0, "truncated frame header (%d of %d bytes)", len(b), HeaderLen)
	}
	length := binary.BigEndian.Uint32(b)
	typ := Type(b[4])
	payload := b[HeaderLen:]
	switch {
	case uint64(len(payload)) < uint64(length):
		return nil, decodeErrorf(typ, "truncated payload (%d of %d bytes)", len(payload), length)
	case uint64(len(payload)) > uint64(length):
		return nil, decodeErrorf(typ, "%d trailing bytes after frame", uint64(len(payload))-uint64(length))
	}
	return DecodePayload(typ, payload)
}

// ReadFrom reads exactly one frame from r. A declared length above
// maxPayload is rejected before any payload byte is read; zero disables the
// check.
//
// A clean end of stream before the first header byte is returned as io.EOF.
// A stream that ends inside a frame yields a *DecodeError. Other read errors
// are returned unchanged.
func ReadFrom(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [HeaderLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, decodeErrorf(0, "truncated frame header (%d of %d bytes)", n, HeaderLen)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:4])
	typ := Type(hdr[4])
	if !typ.Known() {
		return nil, decodeErrorf(0, "unknown frame type %d", uint8(typ))
	}
	if maxPayload > 0 && length > maxPayload {
		return nil, decodeErrorf(typ, "payload length %d exceeds limit %d", length, maxPayload)
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if n, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, decodeErrorf(typ, "truncated payload (%d of %d bytes)", n, length)
			}
			return nil, err
		}
	}
	return DecodePayload(typ, payload)
}

// DecodePayload decodes the payload of a frame whose tag is t.
func DecodePayload(t Type, payload []byte) (Frame, error) {
	d := decoder{typ: t, buf: payload}
	var f Frame
	switch t {
	case TypeRequest:
		req := &Request{}
		req.Method = d.str("method")
		req.Scheme = d.str("scheme")
		req.Authority = d.str("authority")
		req.Path = d.str("path")
		req.Query = d.str("query")
		req.Protocol = d.str("protocol")
		req.Headers = d.headers()
		req.Body = d.bytes("body")
		f = req
	case TypeResponse:
		resp := &Response{}
		resp.Status = d.status()
		resp.Headers = d.headers()
		resp.Body = d.bytes("body")
		f = resp
	case TypeResponseStart:
		start := &ResponseStart{}
		start.Status = d.status()
		start.Headers = d.headers()
		f = start
	case TypeResponseChunk:
		f = &ResponseChunk{Data: d.bytes("chunk")}
	case TypeResponseEnd:
		f = &ResponseEnd{}
	case TypeTunnel:
		f = &Tunnel{Data: d.bytes("message")}
	default:
		return nil, decodeErrorf(0, "unknown frame type %d", uint8(t))
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Request) appendPayload(dst []byte) []byte {
	dst = appendString(dst, r.Method)
	dst = appendString(dst, r.Scheme)
	dst = appendString(dst, r.Authority)
	dst = appendString(dst, r.Path)
	dst = appendString(dst, r.Query)
	dst = appendString(dst, r.Protocol)
	dst = appendHeaders(dst, r.Headers)
	return appendBytes(dst, r.Body)
}

func (r *Response) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Status))
	dst = appendHeaders(dst, r.Headers)
	return appendBytes(dst, r.Body)
}

func (r *ResponseStart) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Status))
	return appendHeaders(dst, r.Headers)
}

func (c *ResponseChunk) appendPayload(dst []byte) []byte { return appendBytes(dst, c.Data) }
func (*ResponseEnd) appendPayload(dst []byte) []byte     { return dst }
func (t *Tunnel) appendPayload(dst []byte) []byte        { return appendBytes(dst, t.Data) }

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendHeaders(dst []byte, headers []Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(headers)))
	for _, h := range headers {
		dst = appendString(dst, h.Name)
		dst = appendString(dst, h.Value)
	}
	return dst
}

// decoder reads payload fields in order and keeps the first error; later
// reads after a failure return zero values.
type decoder struct {
	typ Type
	buf []byte
	off int
	err *DecodeError
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = decodeErrorf(d.typ, format, args...)
	}
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) u16(field string) uint16 {
	if d.err != nil {
		return 0
	}
	if d.remaining() < 2 {
		d.fail("truncated %s", field)
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32(field string) uint32 {
	if d.err != nil {
		return 0
	}
	if d.remaining() < 4 {
		d.fail("truncated %s length", field)
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) bytes(field string) []byte {
	n := d.u32(field)
	if d.err != nil {
		return nil
	}
	if uint64(n) > uint64(d.remaining()) {
		d.fail("%s length %d exceeds remaining %d bytes", field, n, d.remaining())
		return nil
	}
	if n == 0 {
		return nil
	}
	b := d.buf[d.off : d.off+int(n) : d.off+int(n)]
	d.off += int(n)
	return b
}

func (d *decoder) str(field string) string {
	return string(d.bytes(field))
}

func (d *decoder) status() int {
	status := int(d.u16("status"))
	if d.err == nil && !ValidStatus(status) {
		d.fail("status %d outside [100,599]", status)
	}
	return status
}

func (d *decoder) headers() []Header {
	count := d.u32("header count")
	if d.err != nil || count == 0 {
		return nil
	}
	// Each header needs at least two length prefixes.
	if uint64(count)*8 > uint64(d.remaining()) {
		d.fail("header count %d exceeds remaining %d bytes", count, d.remaining())
		return nil
	}
	headers := make([]Header, 0, count)
	for i := uint32(0); i < count && d.err == nil; i++ {
		name := d.str("header name")
		value := d.str("header value")
		headers = append(headers, Header{Name: name, Value: value})
	}
	if d.err != nil {
		return nil
	}
	return headers
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		return decodeErrorf(d.typ, "%d trailing bytes in payload", d.remaining())
	}
	return nil
}
