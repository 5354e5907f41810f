package mqtt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/server"
)

const (
	// DefaultKeepAliveCheck keep-alive 檢查週期
	DefaultKeepAliveCheck = 10 * time.Second
	// MaxQueuedMessages 離線會話最多保留的訊息數
	MaxQueuedMessages = 1000
)

// Message 應用訊息
type Message struct {
	Topic   string    `json:"topic"`
	Payload []byte    `json:"payload"`
	QoS     byte      `json:"qos"`
	Retain  bool      `json:"retain"`
	Time    time.Time `json:"time"`
}

func (m *Message) clone() *Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	return &c
}

// SavedSession 非 clean session 用戶端離線時保留的訂閱與訊息
type SavedSession struct {
	ClientID      string
	Subscriptions map[string]byte
	Queue         []*Message
}

// ClientInfo 已連線用戶端資訊
type ClientInfo struct {
	ClientID      string        `json:"client_id"`
	ConnID        string        `json:"conn_id"`
	Remote        string        `json:"remote"`
	CleanSession  bool          `json:"clean_session"`
	KeepAlive     time.Duration `json:"keep_alive"`
	Subscriptions []string      `json:"subscriptions"`
	Inflight      int           `json:"inflight"`
}

// SessionInfo 離線會話資訊
type SessionInfo struct {
	ClientID      string   `json:"client_id"`
	Subscriptions []string `json:"subscriptions"`
	Queued        int      `json:"queued"`
}

// Broker MQTT broker
type Broker struct {
	logger         *zap.Logger
	sink           observer.ValueSink
	keepAliveCheck time.Duration

	listener     *server.Listener
	listenerOpts []server.Option

	wsMu sync.Mutex
	ws   *webSocketTransport

	mu       sync.RWMutex
	clients  map[string]*client
	retained map[string]*Message
	sessions map[string]*SavedSession

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option Broker 選項
type Option func(*Broker)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithValueSink 每則路由的訊息以主題為區域發出數值變更通知
func WithValueSink(sink observer.ValueSink) Option {
	return func(b *Broker) {
		b.sink = sink
	}
}

// WithKeepAliveCheck 設定 keep-alive 檢查週期
func WithKeepAliveCheck(d time.Duration) Option {
	return func(b *Broker) {
		b.keepAliveCheck = d
	}
}

// WithListenerOptions 傳遞連線管理選項 (TCP 與 WebSocket 共用)
func WithListenerOptions(opts ...server.Option) Option {
	return func(b *Broker) {
		b.listenerOpts = append(b.listenerOpts, opts...)
	}
}

// NewBroker 建立 broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		keepAliveCheck: DefaultKeepAliveCheck,
		clients:        make(map[string]*client),
		retained:       make(map[string]*Message),
		sessions:       make(map[string]*SavedSession),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.keepAliveCheck <= 0 {
		b.keepAliveCheck = DefaultKeepAliveCheck
	}
	b.listener = server.NewListener(b, b.serverOptions()...)
	return b
}

func (b *Broker) serverOptions() []server.Option {
	return append([]server.Option{server.WithLogger(b.logger)}, b.listenerOpts...)
}

// Name 協定名稱
func (b *Broker) Name() string {
	return "mqtt"
}

// Listener TCP 連線管理
func (b *Broker) Listener() *server.Listener {
	return b.listener
}

// Start 開始監聽 TCP 並啟動 keep-alive 檢查
func (b *Broker) Start(ctx context.Context, addr string) error {
	if err := b.listener.Start(ctx, addr); err != nil {
		return err
	}
	b.startSweeper()
	return nil
}

// Stop 停止 WebSocket 與 TCP 監聽並關閉所有連線
func (b *Broker) Stop(ctx context.Context) error {
	b.stopSweeper()

	b.wsMu.Lock()
	ws := b.ws
	b.ws = nil
	b.wsMu.Unlock()

	var errs []error
	if ws != nil {
		if err := ws.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.listener.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("停止 MQTT broker: %w", err)
	}
	return nil
}

func (b *Broker) startSweeper() {
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()
	if b.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.sweepCancel, b.sweepDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.keepAliveCheck)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.SweepKeepAlive(now)
			}
		}
	}()
}

func (b *Broker) stopSweeper() {
	b.sweepMu.Lock()
	cancel, done := b.sweepCancel, b.sweepDone
	b.sweepCancel, b.sweepDone = nil, nil
	b.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// SweepKeepAlive 關閉閒置超過 1.5 倍 keep-alive 的連線，回傳關閉數量
func (b *Broker) SweepKeepAlive(now time.Time) int {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	closed := 0
	for _, c := range clients {
		ka := c.keepAliveInterval()
		if ka <= 0 {
			continue
		}
		if idle := now.Sub(c.conn.LastActivity()); idle > ka*3/2 {
			c.conn.Logger().Info("keep-alive 逾時，關閉連線",
				zap.String("client_id", c.id),
				zap.Duration("idle", idle),
			)
			_ = c.conn.Close()
			closed++
		}
	}
	return closed
}

// NewSession 建立連線會話
func (b *Broker) NewSession(c *server.Conn) server.Session {
	return newClient(b, c)
}

// Publish 由模擬器注入訊息
func (b *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("主題無效: %q", topic)
	}
	if qos > 2 {
		return fmt.Errorf("QoS 無效: %d", qos)
	}
	b.route(&Message{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
		Time:    time.Now(),
	})
	return nil
}

// route 更新保留訊息並轉送給符合的訂閱者 (含離線會話)
func (b *Broker) route(msg *Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	b.mu.Lock()
	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = msg.clone()
		}
	}

	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}

	for _, s := range b.sessions {
		qos, ok := grantedQoS(s.Subscriptions, msg.Topic)
		if !ok {
			continue
		}
		if q := min(msg.QoS, qos); q > 0 {
			queued := msg.clone()
			queued.QoS, queued.Retain = q, false
			s.Queue = append(s.Queue, queued)
			if len(s.Queue) > MaxQueuedMessages {
				s.Queue = s.Queue[len(s.Queue)-MaxQueuedMessages:]
			}
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		if c.forward(msg) {
			delivered++
		}
	}

	b.logger.Debug("訊息已路由",
		zap.String("topic", msg.Topic),
		zap.Uint8("qos", msg.QoS),
		zap.Bool("retain", msg.Retain),
		zap.Int("subscribers", delivered),
	)

	if b.sink != nil {
		b.sink.ValueChanged(observer.ValueChange{
			Time:     msg.Time,
			Protocol: "mqtt",
			Area:     msg.Topic,
			Count:    len(msg.Payload),
		})
	}
}

// grantedQoS 取得所有符合訂閱中最高的 QoS
func grantedQoS(subs map[string]byte, topic string) (byte, bool) {
	var best byte
	matched := false
	for filter, qos := range subs {
		if MatchTopic(filter, topic) {
			matched = true
			best = max(best, qos)
		}
	}
	return best, matched
}

// retainedFor 符合過濾器的保留訊息
func (b *Broker) retainedFor(filter string) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Message
	for topic, msg := range b.retained {
		if MatchTopic(filter, topic) {
			out = append(out, msg.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Message) int {
		switch {
		case a.Topic < b.Topic:
			return -1
		case a.Topic > b.Topic:
			return 1
		default:
			return 0
		}
	})
	return out
}

// attach 登記已完成 CONNECT 的用戶端，回傳被接管的舊連線與可恢復的會話
// 舊連線的鎖只在釋放 b.mu 之後才取得
func (b *Broker) attach(c *client, clean bool) (old *client, saved *SavedSession) {
	b.mu.Lock()
	if prev, ok := b.clients[c.id]; ok && prev != c {
		old = prev
	}
	b.clients[c.id] = c
	saved = b.sessions[c.id]
	delete(b.sessions, c.id)
	b.mu.Unlock()

	if old != nil {
		if s := old.takeOver(); s != nil {
			saved = s
		}
	}
	if clean {
		return old, nil
	}
	return old, saved
}

// detach 連線結束時移除用戶端，必要時保存會話
func (b *Broker) detach(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.clients[c.id] != c {
		return
	}
	delete(b.clients, c.id)
	if !c.cleanSession {
		b.sessions[c.id] = c.snapshot()
	}
}

// Clients 目前連線中的用戶端
func (b *Broker) Clients() []ClientInfo {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.info())
	}
	slices.SortFunc(infos, func(a, b ClientInfo) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		default:
			return 0
		}
	})
	return infos
}

// Sessions 離線保存中的會話
func (b *Broker) Sessions() []SessionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(b.sessions))
	for id, s := range b.sessions {
		infos = append(infos, SessionInfo{
			ClientID:      id,
			Subscriptions: sortedKeys(s.Subscriptions),
			Queued:        len(s.Queue),
		})
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		default:
			return 0
		}
	})
	return infos
}

// Retained 所有保留訊息 (依主題排序)
func (b *Broker) Retained() []Message {
	msgs := b.retainedFor("#")
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// ClearRetained 清除所有保留訊息
func (b *Broker) ClearRetained() {
	b.mu.Lock()
	clear(b.retained)
	b.mu.Unlock()
}

func sortedKeys(m map[string]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
