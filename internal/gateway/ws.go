// ABOUTME: WebSocket listener serving messaging channels and deploy stream subscriptions
// ABOUTME: Each session runs a reader loop plus a writer draining the connection queue

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/harbor-gateway/internal/hub"
)

// deployPathPrefix selects a deploy stream subscription instead of a channel.
const deployPathPrefix = "/deploy/"

// WSHandler returns the handler for the WebSocket listener.
func (g *Gateway) WSHandler() http.Handler {
	return http.HandlerFunc(g.serveWS)
}

// wsTarget resolves a request path to a channel or a deploy subscription.
func wsTarget(path string) (channel string, mode hub.Mode) {
	if rest, ok := strings.CutPrefix(path, deployPathPrefix); ok {
		if app := strings.Trim(rest, "/"); app != "" {
			return app, hub.ModeDeploySubscriber
		}
	}
	channel = strings.Trim(path, "/")
	if channel == "" {
		channel = hub.DefaultChannel
	}
	return channel, hub.ModeMessaging
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	// Clients that send no Origin header, such as CLIs and agents, are always accepted.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.OriginPatterns,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(maxBodyBytes)

	target, mode := wsTarget(r.URL.Path)

	var conn *hub.Connection
	if mode == hub.ModeDeploySubscriber {
		conn = hub.NewConnection(target, mode)
		g.coordinator.Stream().Subscribe(target, conn)
		_ = conn.Send(map[string]any{
			"type":    "subscribed",
			"channel": "deploy/" + target,
			"id":      conn.ID,
		})
		defer conn.Close()
	} else {
		conn = g.hub.Join(target)
		_ = conn.Send(map[string]any{
			"type":    "connected",
			"id":      conn.ID,
			"channel": conn.Channel,
		})
		defer g.hub.Leave(conn)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, cancel, ws, conn)
	}()

	g.readLoop(ctx, ws, conn)

	cancel()
	<-writerDone
	ws.Close(websocket.StatusNormalClosure, "")
}

// writeLoop sends queued frames in order until the connection or ctx ends.
func (g *Gateway) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, conn *hub.Connection) {
	for {
		select {
		case frame := <-conn.Outbound():
			if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
				cancel()
				return
			}
		case <-conn.Done():
			cancel()
			return
		case <-g.ctx.Done():
			// Deploy subscribers are not in the hub, so Shutdown reaches them here.
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *hub.Connection) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				g.logger.Debug("websocket read ended", "conn_id", conn.ID, "error", err)
			}
			return
		}
		g.handleFrame(conn, data)
	}
}

// handleFrame dispatches one inbound message by its type.
func (g *Gateway) handleFrame(conn *hub.Connection, data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		g.sendFrameError(conn, "invalid JSON")
		return
	}
	msgType, _ := msg["type"].(string)
	if msgType == "" {
		g.sendFrameError(conn, "message type is required")
		return
	}

	switch msgType {
	case "agent_message", "command":
		g.forwardFrame(conn, msg)
	case "broadcast":
		out := map[string]any{
			"type": "broadcast",
			"from": conn.ID,
			"data": msg["data"],
		}
		if conn.Mode == hub.ModeDeploySubscriber {
			g.coordinator.Stream().Relay(conn.Channel, out, conn.ID)
		} else {
			g.hub.Broadcast(conn.Channel, out, conn.ID)
		}
	case "ping":
		_ = conn.Send(map[string]any{"type": "pong", "id": msg["id"]})
	default:
		g.logger.Debug("ignoring unknown message type", "conn_id", conn.ID, "type", msgType)
	}
}

// forwardFrame relays msg to the agent without blocking the read loop.
// The reply is dropped if the sender has gone away.
func (g *Gateway) forwardFrame(conn *hub.Connection, msg map[string]any) {
	id := msg["id"]
	ok := g.goTask(func(ctx context.Context) {
		result := g.forwarder.Forward(ctx, msg)
		if conn.Closed() {
			g.logger.Debug("dropping agent response for closed connection", "conn_id", conn.ID)
			return
		}
		err := conn.Send(map[string]any{
			"type": "agent_response",
			"data": result,
			"id":   id,
		})
		if err != nil {
			g.logger.Warn("delivering agent response", "conn_id", conn.ID, "error", err)
		}
	})
	if !ok {
		g.sendFrameError(conn, "gateway shutting down")
	}
}

func (g *Gateway) sendFrameError(conn *hub.Connection, message string) {
	_ = conn.Send(map[string]any{"type": "error", "message": message})
}
