package modbus

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"

	"protocol-simulator/internal/server"
)

// Server Modbus TCP 從站
type Server struct {
	store      *Store
	meter      *Meter
	dispatcher *Dispatcher
	listener   *server.Listener
	logger     *zap.Logger

	unitID       uint8
	strictUnitID bool

	listenerOpts []server.Option
}

// Option Server 選項
type Option func(*Server)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithUnitID 設定 Unit ID；strict 時不回應其他 Unit ID 的請求
func WithUnitID(id uint8, strict bool) Option {
	return func(s *Server) {
		s.unitID = id
		s.strictUnitID = strict
	}
}

// WithStore 使用指定的資料區
func WithStore(store *Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithListenerOptions 傳遞連線管理選項
func WithListenerOptions(opts ...server.Option) Option {
	return func(s *Server) {
		s.listenerOpts = append(s.listenerOpts, opts...)
	}
}

// NewServer 建立 Modbus 從站
func NewServer(opts ...Option) *Server {
	s := &Server{
		unitID:     1,
		dispatcher: NewDispatcher(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.store == nil {
		s.store = NewStore(DefaultAreaSize)
	}
	s.meter = DefaultMeter(s.store)

	lopts := append([]server.Option{server.WithLogger(s.logger)}, s.listenerOpts...)
	s.listener = server.NewListener(s, lopts...)
	return s
}

// Name 協定名稱
func (s *Server) Name() string {
	return "modbus"
}

// Start 開始監聽
func (s *Server) Start(ctx context.Context, addr string) error {
	return s.listener.Start(ctx, addr)
}

// Stop 停止監聽
func (s *Server) Stop(ctx context.Context) error {
	return s.listener.Stop(ctx)
}

// Store 資料區
func (s *Server) Store() *Store {
	return s.store
}

// Meter 電錶映射
func (s *Server) Meter() *Meter {
	return s.meter
}

// Dispatcher 功能碼分派表
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Listener 連線管理
func (s *Server) Listener() *server.Listener {
	return s.listener
}

// NewSession 建立連線會話
func (s *Server) NewSession(c *server.Conn) server.Session {
	return &session{srv: s, conn: c}
}

// session 單一連線的狀態
type session struct {
	srv    *Server
	conn   *server.Conn
	unitID uint8
	seen   bool
}

// ReadFrame 讀取一個 MBAP ADU
func (sess *session) ReadFrame(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(MBAPHeaderLength)
	if err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || MBAPHeaderLength-1+length > MaxADULength {
		return nil, fmt.Errorf("%w: MBAP 長度 %d", server.ErrMalformed, length)
	}

	adu := make([]byte, MBAPHeaderLength-1+length)
	if _, err := io.ReadFull(r, adu); err != nil {
		return nil, err
	}
	return adu, nil
}

// Handle 解析 ADU 並分派
func (sess *session) Handle(adu []byte) ([]byte, error) {
	frame, err := mbserver.NewTCPFrame(adu)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", server.ErrIgnored, err)
	}
	if frame.ProtocolIdentifier != ProtocolID {
		sess.conn.Logger().Debug("非 Modbus 協定識別碼，忽略",
			zap.Uint16("protocol_id", frame.ProtocolIdentifier))
		return nil, server.ErrIgnored
	}
	if sess.srv.strictUnitID && frame.Device != sess.srv.unitID {
		return nil, server.ErrIgnored
	}

	if !sess.seen || frame.Device != sess.unitID {
		sess.seen = true
		sess.unitID = frame.Device
		sess.conn.SetDetail(fmt.Sprintf("unit=%d", frame.Device))
	}

	sess.srv.dispatcher.Dispatch(sess.srv.store, frame)
	if frame.Function&0x80 != 0 {
		sess.conn.Logger().Debug("回應例外",
			zap.Uint8("function", frame.Function&0x7F),
			zap.Uint8("exception", frame.Data[0]),
		)
	}
	return frame.Bytes(), nil
}

// Fault 內部錯誤回應 SlaveDeviceFailure
func (sess *session) Fault(adu []byte, cause error) []byte {
	frame, err := mbserver.NewTCPFrame(adu)
	if err != nil {
		return nil
	}
	frame.SetException(&mbserver.SlaveDeviceFailure)
	return frame.Bytes()
}

func (sess *session) Close() {}
