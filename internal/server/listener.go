// Package server 提供各協定共用的 TCP 連線管理
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"protocol-simulator/internal/observer"
)

var (
	// ErrMalformed 串流無法重新同步，連線將被關閉
	ErrMalformed = errors.New("訊框格式錯誤")
	// ErrIgnored 丟棄此訊框但保留連線
	ErrIgnored = errors.New("訊框已忽略")
	// ErrClose 送出回應後關閉連線
	ErrClose = errors.New("關閉連線")
)

// Protocol 協定實作
type Protocol interface {
	Name() string
	// NewSession 為新連線建立會話 (ConnectionState)
	NewSession(c *Conn) Session
}

// Session 單一連線的協定狀態與處理流程
type Session interface {
	// ReadFrame 從串流讀取一個完整訊框
	ReadFrame(r *bufio.Reader) ([]byte, error)
	// Handle 處理訊框並回傳回應，nil 表示不回應
	Handle(frame []byte) ([]byte, error)
	// Fault 內部錯誤時的通用失敗回應，可回傳 nil
	Fault(frame []byte, cause error) []byte
	// Close 連線結束時呼叫
	Close()
}

// State 監聽器狀態
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stats 監聽器統計資訊
type Stats struct {
	StartTime       time.Time
	ActiveConns     atomic.Int64
	TotalConns      atomic.Uint64
	RejectedConns   atomic.Uint64
	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	DroppedReplies  atomic.Uint64
	LastRequestTime atomic.Int64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
}

func (s *Stats) recordRequest(n int) {
	s.RequestCount.Add(1)
	s.LastRequestTime.Store(time.Now().UnixNano())
	s.BytesReceived.Add(uint64(n))
}

// StatsSnapshot 統計快照
type StatsSnapshot struct {
	Protocol       string    `json:"protocol"`
	State          string    `json:"state"`
	Addr           string    `json:"addr"`
	StartTime      time.Time `json:"start_time"`
	ActiveConns    int64     `json:"active_conns"`
	TotalConns     uint64    `json:"total_conns"`
	RejectedConns  uint64    `json:"rejected_conns"`
	RequestCount   uint64    `json:"request_count"`
	ErrorCount     uint64    `json:"error_count"`
	DroppedReplies uint64    `json:"dropped_replies"`
	BytesReceived  uint64    `json:"bytes_received"`
	BytesSent      uint64    `json:"bytes_sent"`
}

// Option 監聽器選項
type Option func(*Listener)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithConnectionSink 設定連線變更通知
func WithConnectionSink(sink observer.ConnectionSink) Option {
	return func(l *Listener) {
		l.connSink = sink
	}
}

// WithRateLimiter 設定每 IP 連線速率限制
func WithRateLimiter(limiter *IPRateLimiter) Option {
	return func(l *Listener) {
		l.limiter = limiter
	}
}

// WithFaults 設定故障注入
func WithFaults(faults FaultInjector) Option {
	return func(l *Listener) {
		l.faults = faults
	}
}

// WithWriteTimeout 設定單次寫入期限 (0 表示不設期限)
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.writeTimeout = d
	}
}

// WithMaxConnections 設定最大同時連線數 (0 表示不限)
func WithMaxConnections(n int) Option {
	return func(l *Listener) {
		l.maxConns = n
	}
}

// Listener 接受 TCP 連線並為每條連線啟動一個 worker
type Listener struct {
	mu sync.RWMutex

	proto    Protocol
	logger   *zap.Logger
	connSink observer.ConnectionSink
	limiter  *IPRateLimiter
	faults   FaultInjector
	maxConns int

	writeTimeout time.Duration

	state atomic.Int32
	ln    net.Listener
	conns map[string]*Conn
	wg    sync.WaitGroup

	stats Stats
}

// NewListener 建立監聽器
func NewListener(proto Protocol, opts ...Option) *Listener {
	l := &Listener{
		proto:        proto,
		conns:        make(map[string]*Conn),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.With(zap.String("protocol", proto.Name()))
	return l
}

// Start 開始監聽
func (l *Listener) Start(ctx context.Context, addr string) error {
	if !l.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("%s 監聽器已經在運行中", l.proto.Name())
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		l.state.Store(int32(StateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", addr, err)
	}

	l.mu.Lock()
	l.ln = ln
	l.stats.StartTime = time.Now()
	l.mu.Unlock()

	l.state.Store(int32(StateRunning))
	go l.acceptLoop(ln)

	l.logger.Info("監聽器已啟動", zap.String("addr", ln.Addr().String()))
	return nil
}

// Attach 不開 TCP port，僅允許透過 Serve 交付連線 (例如 WebSocket)
func (l *Listener) Attach() error {
	if !l.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return fmt.Errorf("%s 監聽器已經在運行中", l.proto.Name())
	}
	l.mu.Lock()
	l.stats.StartTime = time.Now()
	l.mu.Unlock()
	return nil
}

// Stop 關閉監聽與所有連線
func (l *Listener) Stop(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		l.logger.Warn("等待連線結束逾時", zap.Int("remaining", len(l.Conns())))
	}

	l.state.Store(int32(StateStopped))
	l.logger.Info("監聽器已停止",
		zap.Uint64("requests", l.stats.RequestCount.Load()),
		zap.Uint64("connections", l.stats.TotalConns.Load()),
	)
	return err
}

// State 取得狀態
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Addr 取得實際監聽位址
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Conns 列出目前連線
func (l *Listener) Conns() []*Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stats 取得統計快照
func (l *Listener) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		Protocol:       l.proto.Name(),
		State:          l.State().String(),
		ActiveConns:    l.stats.ActiveConns.Load(),
		TotalConns:     l.stats.TotalConns.Load(),
		RejectedConns:  l.stats.RejectedConns.Load(),
		RequestCount:   l.stats.RequestCount.Load(),
		ErrorCount:     l.stats.ErrorCount.Load(),
		DroppedReplies: l.stats.DroppedReplies.Load(),
		BytesReceived:  l.stats.BytesReceived.Load(),
		BytesSent:      l.stats.BytesSent.Load(),
	}
	l.mu.RLock()
	snap.StartTime = l.stats.StartTime
	if l.ln != nil {
		snap.Addr = l.ln.Addr().String()
	}
	l.mu.RUnlock()
	return snap
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.State() != StateRunning {
				return
			}
			l.logger.Warn("接受連線失敗", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if l.limiter != nil && !l.limiter.Allow(nc.RemoteAddr()) {
			l.stats.RejectedConns.Add(1)
			l.logger.Debug("連線速率超過限制", zap.String("remote", nc.RemoteAddr().String()))
			_ = nc.Close()
			continue
		}

		go l.Serve(nc)
	}
}

// Serve 處理一條已建立的連線，阻塞直到連線結束
func (l *Listener) Serve(nc net.Conn) {
	c, ok := l.register(nc)
	if !ok {
		_ = nc.Close()
		return
	}
	defer l.wg.Done()
	defer l.unregister(c)

	l.run(c)
}

func (l *Listener) register(nc net.Conn) (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != StateRunning {
		return nil, false
	}
	if l.maxConns > 0 && len(l.conns) >= l.maxConns {
		l.stats.RejectedConns.Add(1)
		l.logger.Warn("連線數已達上限", zap.Int("max", l.maxConns))
		return nil, false
	}

	c := newConn(nc, l)
	l.conns[c.ID] = c
	l.wg.Add(1)
	l.stats.ActiveConns.Add(1)
	l.stats.TotalConns.Add(1)

	c.logger.Info("用戶端已連線")
	l.notifyConnection(c, true)
	return c, true
}

func (l *Listener) unregister(c *Conn) {
	_ = c.Close()

	l.mu.Lock()
	delete(l.conns, c.ID)
	l.mu.Unlock()
	l.stats.ActiveConns.Add(-1)

	c.logger.Info("用戶端已斷線",
		zap.Uint64("frames", c.framesIn.Load()),
		zap.Duration("duration", time.Since(c.ConnectedAt)),
	)
	l.notifyConnection(c, false)
}

func (l *Listener) notifyConnection(c *Conn, connected bool) {
	if l.connSink == nil {
		return
	}
	l.connSink.ConnectionChanged(observer.ConnectionEvent{
		Time:      time.Now(),
		Protocol:  l.proto.Name(),
		ConnID:    c.ID,
		Remote:    c.Remote,
		Connected: connected,
		Detail:    c.Detail(),
	})
}

// run 連線 worker：讀取訊框、分派、寫回回應
func (l *Listener) run(c *Conn) {
	sess := l.proto.NewSession(c)
	defer sess.Close()

	r := bufio.NewReaderSize(c.nc, 8192)
	for {
		frame, err := sess.ReadFrame(r)
		if err != nil {
			if errors.Is(err, ErrIgnored) {
				c.recordError()
				continue
			}
			if !c.Closed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("讀取訊框失敗，關閉連線", zap.Error(err))
			}
			return
		}
		c.recordFrame(len(frame))

		reply, err := l.dispatch(c, sess, frame)
		closeAfter := false
		switch {
		case err == nil:
		case errors.Is(err, ErrIgnored):
			c.recordError()
			continue
		case errors.Is(err, ErrClose):
			closeAfter = true
		case errors.Is(err, ErrMalformed):
			c.recordError()
			c.logger.Debug("訊框無法解析，關閉連線", zap.Error(err))
			return
		default:
			c.recordError()
			c.logger.Warn("處理請求失敗", zap.Error(err))
			reply = sess.Fault(frame, err)
		}

		if len(reply) > 0 {
			if l.faults != nil {
				if l.faults.Drop() {
					l.stats.DroppedReplies.Add(1)
					continue
				}
				if d := l.faults.Delay(); d > 0 {
					time.Sleep(d)
				}
			}
			if werr := c.Write(reply); werr != nil {
				c.logger.Debug("寫入回應失敗", zap.Error(werr))
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// dispatch 呼叫 Session.Handle，並在 panic 時轉為通用失敗回應
func (l *Listener) dispatch(c *Conn, sess Session, frame []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.recordError()
			c.logger.Error("處理請求時發生 panic", zap.Any("panic", r))
			reply = sess.Fault(frame, fmt.Errorf("panic: %v", r))
			err = nil
		}
	}()
	return sess.Handle(frame)
}
