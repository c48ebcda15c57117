package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/internal/executor"
	ws "github.com/nexcode/codex-gateway/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and runs the frame protocol until
// the client disconnects.
func (s *Server) handleWebSocket(c *gin.Context) {
	if int(s.wsActive.Load()) >= s.cfg.WebSocket.MaxConnections {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "too many websocket connections",
			"status": http.StatusServiceUnavailable,
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	s.wsActive.Add(1)
	client := newWSClient(conn, s.exec, s.logger)
	go client.writePump()
	client.readPump(c.Request.Context())
	s.wsActive.Add(-1)
}

// wsClient is one WebSocket connection running the exec/interrupt/ping
// protocol.
type wsClient struct {
	conn       *websocket.Conn
	exec       *executor.Executor
	send       chan []byte
	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

func newWSClient(conn *websocket.Conn, exec *executor.Executor, log *logger.Logger) *wsClient {
	c := &wsClient{
		conn:   conn,
		exec:   exec,
		send:   make(chan []byte, 256),
		logger: log,
	}

	d := ws.NewDispatcher()
	d.RegisterFunc(ws.FrameExec, c.handleExec)
	d.RegisterFunc(ws.FrameInterrupt, c.handleInterrupt)
	d.RegisterFunc(ws.FramePing, c.handlePing)
	c.dispatcher = d
	return c
}

// readPump pumps frames from the connection into the dispatcher.
func (c *wsClient) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		if err := c.dispatcher.Dispatch(ctx, message); err != nil {
			c.sendFrame(ws.NewErrorFrame(err.Error()))
		}
	}
}

// writePump pumps queued frames to the connection and keeps the ping timer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleExec(ctx context.Context, raw json.RawMessage) error {
	var frame ws.ExecFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendFrame(ws.NewErrorFrame("invalid exec frame: " + err.Error()))
		return nil
	}
	if frame.Prompt == "" {
		c.sendFrame(ws.NewErrorFrame("prompt is required"))
		return nil
	}

	sub, err := c.exec.Stream(ctx, executor.Request{
		Prompt:       frame.Prompt,
		SessionID:    frame.SessionID,
		Images:       frame.Images,
		OutputSchema: frame.OutputSchema,
		Cwd:          frame.Cwd,
		Model:        frame.Model,
		SandboxMode:  frame.SandboxMode,
		TimeoutMs:    frame.TimeoutMs,
	})
	if err != nil {
		c.sendFrame(ws.NewErrorFrame(err.Error()))
		return nil
	}

	c.sendFrame(ws.NewAckFrame("turn accepted"))

	// One goroutine per in-flight turn; event frames interleave on the
	// single send queue.
	go func() {
		for n := range sub.Events {
			for _, ev := range n.Events {
				c.sendFrame(ws.NewEventFrame(ev))
			}
		}
	}()
	return nil
}

func (c *wsClient) handleInterrupt(ctx context.Context, raw json.RawMessage) error {
	var frame ws.InterruptFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.SessionID == "" {
		c.sendFrame(ws.NewErrorFrame("session_id is required"))
		return nil
	}

	if err := c.exec.Manager().Interrupt(frame.SessionID); err != nil {
		c.sendFrame(ws.NewErrorFrame(err.Error()))
		return nil
	}
	c.sendFrame(ws.NewAckFrame("interrupt submitted"))
	return nil
}

func (c *wsClient) handlePing(ctx context.Context, raw json.RawMessage) error {
	c.sendFrame(ws.NewPongFrame())
	return nil
}

func (c *wsClient) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("websocket send buffer full, dropping frame")
	}
}
