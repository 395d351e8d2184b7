// Package frame implements the bridge wire format: a big-endian u32 payload
// length, a one byte type tag and the payload itself.
//
//	Frame := u32(length) u8(type) payload[length]
//
// Each of the six frame kinds is its own Go type. Decoding returns one of
// them behind the Frame interface; callers switch on the concrete type.
package frame

import (
	"fmt"
	"strings"
)

// Type is the one byte tag that follows the length prefix.
type Type uint8

const (
	TypeRequest       Type = 1
	TypeResponse      Type = 2
	TypeResponseStart Type = 3
	TypeResponseChunk Type = 4
	TypeResponseEnd   Type = 5
	TypeTunnel        Type = 6
)

// HeaderLen is the size of the length prefix plus the type tag.
const HeaderLen = 5

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "Request"
	case TypeResponse:
		return "Response"
	case TypeResponseStart:
		return "ResponseStart"
	case TypeResponseChunk:
		return "ResponseChunk"
	case TypeResponseEnd:
		return "ResponseEnd"
	case TypeTunnel:
		return "Tunnel"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Known reports whether t is one of the six defined frame types.
func (t Type) Known() bool {
	return t >= TypeRequest && t <= TypeTunnel
}

// Header is one (name, value) pair. Header lists keep their order and
// repeated names; nothing here merges them.
type Header struct {
	Name  string
	Value string
}

// Frame is implemented by the six frame types of this package only.
type Frame interface {
	Type() Type
	appendPayload(dst []byte) []byte
}

// Request carries one inbound client request to the backend.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Query     string
	Protocol  string
	Headers   []Header
	Body      []byte
}

// Response is a fully buffered (unary) response.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
}

// ResponseStart opens a streamed response. It is followed by zero or more
// ResponseChunk frames and exactly one ResponseEnd.
type ResponseStart struct {
	Status  int
	Headers []Header
}

type ResponseChunk struct {
	Data []byte
}

type ResponseEnd struct{}

// Tunnel carries one WebSocket message in either direction.
type Tunnel struct {
	Data []byte
}

func (*Request) Type() Type       { return TypeRequest }
func (*Response) Type() Type      { return TypeResponse }
func (*ResponseStart) Type() Type { return TypeResponseStart }
func (*ResponseChunk) Type() Type { return TypeResponseChunk }
func (*ResponseEnd) Type() Type   { return TypeResponseEnd }
func (*Tunnel) Type() Type        { return TypeTunnel }

// ValidStatus reports whether status is in the accepted [100,599] range.
func ValidStatus(status int) bool {
	return status >= 100 && status <= 599
}

// HeaderValues returns every value for name, compared case-insensitively,
// in list order.
func HeaderValues(headers []Header, name string) []string {
	var values []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}
