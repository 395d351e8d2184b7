// Package bridge moves frames between the transport proxy and an
// out-of-process application handler.
//
// [Conn] owns one socket for one exchange: the proxy writes a Request frame
// and reads back either a Response or a ResponseStart, ResponseChunk...,
// ResponseEnd sequence. Connections are not reused across requests.
//
// [Runtime] is the backend side. It accepts connections, decodes the
// Request, calls a [Handler] and encodes its [Result]. A handler that fails
// gets its connection closed with nothing written, which the proxy maps to
// a 502 like any other bridge failure.
//
// After an accepted WebSocket upgrade both sides switch to [Tunnel], which
// carries one WebSocket message per Tunnel frame.
package bridge
