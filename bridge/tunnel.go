package bridge

import (
	"context"

	"go-bridge/frame"
)

// Tunnel exchanges WebSocket messages as Tunnel frames over a Conn whose
// upgrade has been accepted. One message is one frame.
//
// Recv and Send may run concurrently with each other. Reads carry no
// per-call timeout since tunnels idle between messages; bound them with ctx.
type Tunnel struct {
	conn *Conn
}

func NewTunnel(conn *Conn) *Tunnel {
	return &Tunnel{conn: conn}
}

// Recv returns the next message. Any non-Tunnel frame is a *ProtocolError.
func (t *Tunnel) Recv(ctx context.Context) ([]byte, error) {
	f, err := t.conn.readFrame(ctx, 0)
	if err != nil {
		return nil, err
	}
	msg, ok := f.(*frame.Tunnel)
	if !ok {
		_ = t.conn.Close()
		return nil, &ProtocolError{Got: f.Type(), Reason: "inside a tunnel"}
	}
	return msg.Data, nil
}

func (t *Tunnel) Send(ctx context.Context, msg []byte) error {
	return t.conn.WriteFrame(ctx, &frame.Tunnel{Data: msg})
}

// Close ends the tunnel by closing the bridge connection.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}
