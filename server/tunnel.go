package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"go-bridge/bridge"
	"go-bridge/frame"
)

const closeGracePeriod = time.Second

type activeTunnel struct {
	cancel context.CancelFunc
}

// serveTunnel forwards a WebSocket handshake to the bridge. A 101 Response
// upgrades the client and starts pumping messages; any other response is
// relayed as an ordinary HTTP response.
func (rl *Relay) serveTunnel(w http.ResponseWriter, r *http.Request, req *frame.Request) (int, error) {
	if len(rl.cfg.JWTSecret) > 0 {
		subject, err := AuthenticateTunnel(r, rl.cfg.JWTSecret)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return http.StatusUnauthorized, err
		}
		rl.logger.Debug("tunnel authenticated", "id", requestID(req), "subject", subject)
	}

	// Hijacked connections outlive r.Context(), so tunnels get their own
	// context that Shutdown can cancel.
	tunnelCtx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	t := &activeTunnel{cancel: cancel}
	if !rl.track(t) {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable, fmt.Errorf("relay is shutting down")
	}
	defer rl.untrack(t)

	conn, first, status, err := rl.call(r.Context(), w, req)
	if conn == nil {
		return status, err
	}
	defer conn.Close()

	accepted, ok := first.(*frame.Response)
	if !ok || accepted.Status != http.StatusSwitchingProtocols {
		return rl.respond(r.Context(), w, conn, first)
	}

	ws, err := rl.upgrader.Upgrade(w, r, upgradeHeaders(accepted.Headers))
	if err != nil {
		// Upgrade has already answered the client.
		return http.StatusBadRequest, fmt.Errorf("websocket upgrade: %w", err)
	}

	maxMessage := int64(bridge.DefaultMaxFrameSize)
	if rl.cfg.MaxFrameSize > 0 {
		maxMessage = int64(rl.cfg.MaxFrameSize)
	}
	ws.SetReadLimit(maxMessage)

	rl.metrics.TunnelOpened()
	defer rl.metrics.TunnelClosed()

	pumpTunnel(tunnelCtx, ws, bridge.NewTunnel(conn))
	return http.StatusSwitchingProtocols, nil
}

// pumpTunnel copies messages both ways until either side closes or ctx is
// cancelled, then closes both.
func pumpTunnel(ctx context.Context, ws *websocket.Conn, tun *bridge.Tunnel) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// client -> bridge
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		defer cancel()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := tun.Send(ctx, msg); err != nil {
				return
			}
		}
	}()

	// bridge -> client
	closeCode := websocket.CloseNormalClosure
	for {
		msg, err := tun.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !bridge.IsExpectedCloseError(err) {
				closeCode = websocket.CloseInternalServerErr
			} else if ctx.Err() != nil {
				closeCode = websocket.CloseGoingAway
			}
			break
		}
		if err := ws.WriteMessage(messageType(msg), msg); err != nil {
			break
		}
	}

	cancel()
	_ = tun.Close()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""),
		time.Now().Add(closeGracePeriod))
	_ = ws.Close()
	<-clientDone
}

// messageType picks text for valid UTF-8 and binary otherwise; the tunnel
// frame itself carries no message kind.
func messageType(msg []byte) int {
	if utf8.Valid(msg) {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

// upgradeHeaders keeps the bridge's handshake headers that the upgrader
// does not compute itself.
func upgradeHeaders(headers []frame.Header) http.Header {
	h := make(http.Header)
	copyHeaders(h, headers)
	h.Del("Sec-Websocket-Accept")
	h.Del("Sec-Websocket-Extensions")
	if len(h) == 0 {
		return nil
	}
	return h
}

func (rl *Relay) track(t *activeTunnel) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closing {
		return false
	}
	rl.tunnels[t] = struct{}{}
	rl.tunnelWG.Add(1)
	return true
}

func (rl *Relay) untrack(t *activeTunnel) {
	rl.mu.Lock()
	delete(rl.tunnels, t)
	rl.mu.Unlock()
	rl.tunnelWG.Done()
}
