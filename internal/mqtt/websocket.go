package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"protocol-simulator/internal/server"
)

// WebSocketPath MQTT over WebSocket 的 HTTP 路徑
const WebSocketPath = "/mqtt"

type webSocketTransport struct {
	listener *server.Listener
	httpSrv  *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// StartWebSocket 在 addr 開啟 MQTT over WebSocket，與 TCP 共用同一個 broker
func (b *Broker) StartWebSocket(ctx context.Context, addr string) error {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	if b.ws != nil {
		return errors.New("MQTT WebSocket 已經在運行中")
	}

	t := &webSocketTransport{
		listener: server.NewListener(b, b.serverOptions()...),
		logger:   b.logger.With(zap.String("transport", "websocket")),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt", "mqttv3.1"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if err := t.listener.Attach(); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		_ = t.listener.Stop(ctx)
		return fmt.Errorf("監聽 WebSocket %s 失敗: %w", addr, err)
	}
	t.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, t.handle)
	t.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("WebSocket 服務異常結束", zap.Error(err))
		}
	}()

	b.ws = t
	b.startSweeper()
	t.logger.Info("MQTT WebSocket 已啟動", zap.String("addr", ln.Addr().String()), zap.String("path", WebSocketPath))
	return nil
}

// WebSocketAddr WebSocket 實際監聽位址 (未啟動時為 nil)
func (b *Broker) WebSocketAddr() net.Addr {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	if b.ws == nil {
		return nil
	}
	return b.ws.ln.Addr()
}

// WebSocketListener WebSocket 連線管理 (未啟動時為 nil)
func (b *Broker) WebSocketListener() *server.Listener {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	if b.ws == nil {
		return nil
	}
	return b.ws.listener
}

func (t *webSocketTransport) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("WebSocket 升級失敗", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	t.listener.Serve(newWSConn(ws))
}

func (t *webSocketTransport) stop(ctx context.Context) error {
	var errs []error
	if err := t.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.listener.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// wsConn 以 net.Conn 介面包裝 WebSocket，訊息內容視為連續位元組流
type wsConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				return 0, errors.New("MQTT WebSocket 只接受 binary 訊息")
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
