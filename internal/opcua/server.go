package opcua

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/server"
)

// Session OPC UA 應用層 Session
type Session struct {
	ID        NodeID
	AuthToken NodeID
	Name      string
	ChannelID uint32
	Activated bool
	CreatedAt time.Time
}

// Server OPC UA 伺服器模擬器
type Server struct {
	store       *NodeStore
	simulator   *Simulator
	listener    *server.Listener
	logger      *zap.Logger
	sink        observer.ValueSink
	endpointURL string
	simInterval time.Duration

	listenerOpts []server.Option

	channelSeq atomic.Uint32
	tokenSeq   atomic.Uint32

	mu       sync.RWMutex
	sessions map[NodeID]*Session

	simMu     sync.Mutex
	simCancel context.CancelFunc
	simDone   chan struct{}
}

// Option Server 選項
type Option func(*Server)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithNodeStore 使用指定的位址空間
func WithNodeStore(store *NodeStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithEndpointURL 設定 GetEndpoints / CreateSession 回報的端點
func WithEndpointURL(url string) Option {
	return func(s *Server) {
		s.endpointURL = url
	}
}

// WithSimulationInterval 設定模擬更新週期，0 停用模擬
func WithSimulationInterval(d time.Duration) Option {
	return func(s *Server) {
		s.simInterval = d
	}
}

// WithValueSink 設定節點數值變更通知
func WithValueSink(sink observer.ValueSink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithListenerOptions 傳遞連線管理選項
func WithListenerOptions(opts ...server.Option) Option {
	return func(s *Server) {
		s.listenerOpts = append(s.listenerOpts, opts...)
	}
}

// NewServer 建立 OPC UA 模擬器
func NewServer(opts ...Option) *Server {
	s := &Server{
		endpointURL: DefaultEndpointURL,
		simInterval: DefaultSimulationInterval,
		sessions:    make(map[NodeID]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.store == nil {
		s.store = NewDefaultNodeStore()
	}
	if s.sink != nil {
		s.store.SetValueSink(s.sink)
	}
	if s.simInterval > 0 {
		s.simulator = NewSimulator(s.store, s.simInterval, s.logger)
	}

	lopts := append([]server.Option{server.WithLogger(s.logger)}, s.listenerOpts...)
	s.listener = server.NewListener(s, lopts...)
	return s
}

// Name 協定名稱
func (s *Server) Name() string {
	return "opcua"
}

// Store 位址空間
func (s *Server) Store() *NodeStore {
	return s.store
}

// Simulator 模擬器，停用時為 nil
func (s *Server) Simulator() *Simulator {
	return s.simulator
}

// Listener 連線管理
func (s *Server) Listener() *server.Listener {
	return s.listener
}

// EndpointURL 回報的端點
func (s *Server) EndpointURL() string {
	return s.endpointURL
}

// Start 開始監聽並啟動模擬
func (s *Server) Start(ctx context.Context, addr string) error {
	if err := s.listener.Start(ctx, addr); err != nil {
		return err
	}
	s.startSimulation()
	s.logger.Info("OPC UA 伺服器啟動", zap.String("endpoint", s.endpointURL))
	return nil
}

// Stop 停止模擬與監聽，清除所有 Session
func (s *Server) Stop(ctx context.Context) error {
	s.stopSimulation()
	err := s.listener.Stop(ctx)

	s.mu.Lock()
	s.sessions = make(map[NodeID]*Session)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("停止 OPC UA 伺服器: %w", err)
	}
	return nil
}

func (s *Server) startSimulation() {
	if s.simulator == nil {
		return
	}
	s.simMu.Lock()
	defer s.simMu.Unlock()
	if s.simCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.simCancel, s.simDone = cancel, done
	go func() {
		defer close(done)
		s.simulator.Run(ctx)
	}()
}

func (s *Server) stopSimulation() {
	s.simMu.Lock()
	cancel, done := s.simCancel, s.simDone
	s.simCancel, s.simDone = nil, nil
	s.simMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Sessions 目前的 Session，依建立時間排序
func (s *Server) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Server) createSession(name string, channelID uint32) Session {
	sess := &Session{
		ID:        NewGUIDNodeID(1, uuid.New()),
		AuthToken: NewGUIDNodeID(1, uuid.New()),
		Name:      name,
		ChannelID: channelID,
		CreatedAt: time.Now(),
	}
	if sess.Name == "" {
		sess.Name = "session-" + sess.ID.GUID.String()[:8]
	}

	s.mu.Lock()
	s.sessions[sess.AuthToken] = sess
	s.mu.Unlock()
	return *sess
}

func (s *Server) lookupSession(token NodeID, activated bool) (*Session, StatusCode) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, StatusBadSessionIDInvalid
	}
	if activated && !sess.Activated {
		return nil, StatusBadSessionNotActivated
	}
	cp := *sess
	return &cp, StatusGood
}

func (s *Server) activateSession(token NodeID, channelID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		sess.Activated = true
		sess.ChannelID = channelID
	}
}

func (s *Server) removeSession(token NodeID) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

func (s *Server) dropChannelSessions(channelID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for token, sess := range s.sessions {
		if sess.ChannelID == channelID {
			delete(s.sessions, token)
			n++
		}
	}
	return n
}

// NewSession 建立連線會話 (一條連線對應一個安全通道)
func (s *Server) NewSession(c *server.Conn) server.Session {
	return &channel{srv: s, conn: c}
}

// channel 單一連線的傳輸與安全通道狀態
type channel struct {
	srv  *Server
	conn *server.Conn

	ack     *Acknowledge
	open    bool
	id      uint32
	tokenID uint32
	seq     uint32
	pending []byte
}

func (ch *channel) ReadFrame(r *bufio.Reader) ([]byte, error) {
	return ReadFrame(r)
}

func errorReply(code StatusCode, reason string) []byte {
	return (&ErrorMessage{Code: code, Reason: reason}).Encode()
}

func (ch *channel) Handle(frame []byte) ([]byte, error) {
	logger := ch.conn.Logger()
	h, err := DecodeHeader(frame)
	if err != nil {
		return errorReply(StatusBadUnexpectedError, err.Error()), nil
	}

	switch h.MessageType {
	case MessageHello:
		return ch.hello(frame)

	case MessageOpen, MessageMessage, MessageClose:
		if ch.ack == nil {
			logger.Debug("未完成 HEL 即收到訊息", zap.String("type", h.MessageType))
			return errorReply(StatusBadTCPMessageTypeInvalid, "需要先傳送 HEL"), server.ErrClose
		}
		if h.Size > ch.ack.ReceiveBufferSize {
			return errorReply(StatusBadTCPMessageTooLarge, "chunk 超過接收緩衝區"), server.ErrClose
		}
		msg, err := DecodeSecureMessage(frame)
		if err != nil {
			logger.Debug("安全通道標頭解析失敗", zap.Error(err))
			return errorReply(StatusBadUnexpectedError, err.Error()), nil
		}
		switch h.MessageType {
		case MessageOpen:
			return ch.openChannel(msg)
		case MessageClose:
			logger.Debug("關閉安全通道", zap.Uint32("channel_id", ch.id))
			ch.open = false
			return nil, server.ErrClose
		default:
			return ch.message(msg)
		}

	default:
		logger.Debug("未知的訊息類型", zap.String("type", h.MessageType))
		return errorReply(StatusBadTCPMessageTypeInvalid, "未知的訊息類型 "+h.MessageType), server.ErrClose
	}
}

func (ch *channel) hello(frame []byte) ([]byte, error) {
	if ch.ack != nil {
		return errorReply(StatusBadTCPMessageTypeInvalid, "重複的 HEL"), server.ErrClose
	}
	hel, err := DecodeHello(frame[headerLength:])
	if err != nil {
		ch.conn.Logger().Debug("HEL 解析失敗", zap.Error(err))
		return errorReply(StatusBadUnexpectedError, err.Error()), nil
	}

	ch.ack = Negotiate(hel)
	ch.conn.SetDetail("endpoint=" + hel.EndpointURL)
	ch.conn.Logger().Debug("HEL 協商完成",
		zap.String("endpoint", hel.EndpointURL),
		zap.Uint32("receive_buffer", ch.ack.ReceiveBufferSize),
		zap.Uint32("send_buffer", ch.ack.SendBufferSize),
	)
	return ch.ack.Encode(), nil
}

func (ch *channel) openChannel(msg *SecureMessage) ([]byte, error) {
	logger := ch.conn.Logger()
	if msg.Security.SecurityPolicyURI != SecurityPolicyNone {
		logger.Info("拒絕安全原則", zap.String("policy", msg.Security.SecurityPolicyURI))
		return errorReply(StatusBadSecurityPolicyRejected, "僅支援 SecurityPolicy None"), server.ErrClose
	}

	d := NewDecoder(msg.Body)
	typeID := d.ReadExpandedNodeID()
	hdr := d.ReadRequestHeader()
	d.ReadUint32()
	requestType := d.ReadUint32()
	mode := d.ReadUint32()
	d.ReadByteString()
	lifetime := d.ReadUint32()
	if err := d.Err(); err != nil {
		logger.Debug("OpenSecureChannel 解析失敗", zap.Error(err))
		return errorReply(StatusBadUnexpectedError, err.Error()), nil
	}
	if typeID != NewNumericNodeID(0, IDOpenSecureChannelRequest) {
		return errorReply(StatusBadServiceUnsupported, "OPN 必須為 OpenSecureChannel 請求"), server.ErrClose
	}
	if mode > securityModeNone {
		return errorReply(StatusBadSecurityPolicyRejected, "僅支援 MessageSecurityMode None"), server.ErrClose
	}

	switch requestType {
	case 0:
		ch.id = ch.srv.channelSeq.Add(1)
	case 1:
		if !ch.open || msg.ChannelID != ch.id {
			return errorReply(StatusBadSecureChannelIDInvalid, "更新的安全通道不存在"), server.ErrClose
		}
	default:
		return errorReply(StatusBadUnexpectedError, "未知的 RequestType"), nil
	}
	ch.tokenID = ch.srv.tokenSeq.Add(1)
	ch.open = true
	if lifetime == 0 || lifetime > maxLifetime {
		lifetime = maxLifetime
	}
	ch.conn.SetDetail(fmt.Sprintf("channel=%d", ch.id))
	logger.Info("安全通道開啟",
		zap.Uint32("channel_id", ch.id),
		zap.Uint32("token_id", ch.tokenID),
		zap.Bool("renew", requestType == 1),
	)

	e := NewEncoder()
	e.NodeID(NewNumericNodeID(0, IDOpenSecureChannelResponse))
	e.ResponseHeader(hdr.RequestHandle, StatusGood)
	e.Uint32(ProtocolVersion)
	e.Uint32(ch.id)
	e.Uint32(ch.tokenID)
	e.DateTime(time.Now())
	e.Uint32(lifetime)
	e.ByteString(nil)
	return EncodeOpen(ch.id, ch.nextSeq(), msg.RequestID, e.Bytes()), nil
}

func (ch *channel) message(msg *SecureMessage) ([]byte, error) {
	if !ch.open || msg.ChannelID != ch.id {
		return errorReply(StatusBadSecureChannelIDInvalid, "安全通道不存在"), server.ErrClose
	}

	var body []byte
	switch msg.Header.ChunkType {
	case ChunkIntermediate:
		ch.pending = append(ch.pending, msg.Body...)
		if uint32(len(ch.pending)) > ch.ack.MaxMessageSize {
			ch.pending = nil
			return errorReply(StatusBadTCPMessageTooLarge, "訊息超過上限"), server.ErrClose
		}
		return nil, nil
	case ChunkAbort:
		ch.pending = nil
		return nil, nil
	case ChunkFinal:
		body = append(ch.pending, msg.Body...)
		ch.pending = nil
	default:
		return errorReply(StatusBadTCPMessageTypeInvalid, "未知的 chunk 類型"), server.ErrClose
	}

	resp := ch.dispatch(body)
	parts := splitBody(resp, ch.ack.SendBufferSize)
	out := make([]byte, 0, len(resp)+len(parts)*(headerLength+symmetricHeaderLength+sequenceHeaderLength))
	for i, p := range parts {
		chunk := byte(ChunkIntermediate)
		if i == len(parts)-1 {
			chunk = ChunkFinal
		}
		out = append(out, EncodeSymmetric(MessageMessage, chunk, ch.id, ch.tokenID, ch.nextSeq(), msg.RequestID, p)...)
	}
	return out, nil
}

// nextSeq 每個通道的送出序號從 1 開始遞增
func (ch *channel) nextSeq() uint32 {
	ch.seq++
	return ch.seq
}

// Fault 內部錯誤以 ERR Bad_UnexpectedError 回應，連線保留
func (ch *channel) Fault(_ []byte, cause error) []byte {
	ch.conn.Logger().Warn("OPC UA 請求處理失敗", zap.Error(cause))
	reason := "內部錯誤"
	if cause != nil && !errors.Is(cause, server.ErrMalformed) {
		reason = cause.Error()
	}
	return errorReply(StatusBadUnexpectedError, reason)
}

func (ch *channel) Close() {
	if ch.id == 0 {
		return
	}
	if n := ch.srv.dropChannelSessions(ch.id); n > 0 {
		ch.conn.Logger().Debug("清除安全通道的 Session", zap.Uint32("channel_id", ch.id), zap.Int("count", n))
	}
}
