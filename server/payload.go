package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"go-bridge/frame"
)

// ErrBodyTooLarge is returned by BuildRequest when the client body exceeds
// the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// BuildRequest turns an inbound HTTP request into a Request frame.
//
// Header names are emitted in sorted order with each name's values in the
// order the client sent them. An X-Forwarded-For entry for the direct peer is
// appended and an X-Request-Id is attached when the client did not send one.
// maxBody <= 0 disables the body limit.
func BuildRequest(r *http.Request, maxBody int64) (*frame.Request, error) {
	headers := make(http.Header, len(r.Header)+2)
	for name, values := range r.Header {
		canonical := http.CanonicalHeaderKey(name)
		headers[canonical] = append(headers[canonical], values...)
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
		if existing := headers.Get("X-Forwarded-For"); existing != "" {
			headers.Set("X-Forwarded-For", existing+", "+ip)
		} else {
			headers.Set("X-Forwarded-For", ip)
		}
	}

	if headers.Get("X-Request-Id") == "" {
		headers.Set("X-Request-Id", uuid.New().String())
	}

	body, err := readBody(r.Body, maxBody)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	authority := r.Host
	if authority == "" && r.URL != nil {
		authority = r.URL.Host
	}

	return &frame.Request{
		Method:    r.Method,
		Scheme:    scheme,
		Authority: authority,
		Path:      r.URL.EscapedPath(),
		Query:     r.URL.RawQuery,
		Protocol:  r.Proto,
		Headers:   headerList(headers),
		Body:      body,
	}, nil
}

func readBody(body io.ReadCloser, maxBody int64) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	defer body.Close()

	reader := io.Reader(body)
	if maxBody > 0 {
		reader = http.MaxBytesReader(nil, body, maxBody)
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

// headerList flattens h into a frame header list with names sorted.
// http.Header has no order across names; values keep their order.
func headerList(h http.Header) []frame.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var list []frame.Header
	for _, name := range names {
		for _, value := range h[name] {
			list = append(list, frame.Header{Name: name, Value: value})
		}
	}
	return list
}

// hopHeaders are connection-specific and never copied from a bridge
// response onto the client response.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyHeaders adds every bridge header to dst, keeping repeated names.
func copyHeaders(dst http.Header, headers []frame.Header) {
	for _, h := range headers {
		name := http.CanonicalHeaderKey(h.Name)
		if hopHeaders[name] {
			continue
		}
		dst.Add(name, h.Value)
	}
}

func requestID(req *frame.Request) string {
	if ids := frame.HeaderValues(req.Headers, "X-Request-Id"); len(ids) > 0 {
		return ids[0]
	}
	return ""
}
