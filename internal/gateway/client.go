package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgw/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	sendBufferSize = 32
)

// rpcRequest is a client-to-server RPC call over the WebSocket connection.
type rpcRequest struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the server's reply to an rpcRequest. Server-pushed
// events are sent as protocol.EventFrame values instead.
type rpcResponse struct {
	ID     string      `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Client is one connected WebSocket peer: a read pump that dispatches RPC
// requests through the server's method router, and a write pump that
// serializes both RPC responses and broadcast events onto the connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan interface{}
	logger *slog.Logger
}

// NewClient wraps conn for use by s, assigning it a random connection ID.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan interface{}, sendBufferSize),
		logger: s.logger.With("client", conn.RemoteAddr().String()),
	}
}

// SendEvent enqueues an event frame for delivery to the client. Non-blocking:
// a client that can't keep up has its connection closed rather than
// backing up the broadcaster.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case c.send <- event:
	default:
		c.logger.Warn("gateway: client send buffer full, dropping connection")
		c.conn.Close()
	}
}

// Run drives the client's read and write pumps until the connection closes
// or ctx is canceled. It returns when the read pump exits, after
// signalling the write pump to stop; it does not wait for the write pump.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go c.writePump(ctx, done)
	c.readPump(ctx)
	close(done)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req rpcRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("gateway: websocket read error", "error", err)
			}
			return
		}
		resp := c.server.router.Dispatch(ctx, c, req)
		if req.ID != "" {
			c.send <- resp
		}
	}
}

func (c *Client) writePump(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}
