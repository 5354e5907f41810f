package s7

import (
	"bufio"
	"context"
	"fmt"

	"go.uber.org/zap"

	"protocol-simulator/internal/server"
)

// Server S7 PLC 模擬器
type Server struct {
	memory     *Memory
	dispatcher *Dispatcher
	listener   *server.Listener
	logger     *zap.Logger
	maxPDU     int

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

// WithMemory 使用指定的 PLC 記憶體
func WithMemory(mem *Memory) Option {
	return func(s *Server) {
		s.memory = mem
	}
}

// WithMaxPDU 設定可協商的最大 PDU 大小
func WithMaxPDU(size int) Option {
	return func(s *Server) {
		s.maxPDU = size
	}
}

// WithListenerOptions 傳遞連線管理選項
func WithListenerOptions(opts ...server.Option) Option {
	return func(s *Server) {
		s.listenerOpts = append(s.listenerOpts, opts...)
	}
}

// NewServer 建立 S7 模擬器
func NewServer(opts ...Option) *Server {
	s := &Server{dispatcher: NewDispatcher(), maxPDU: MaxPDUSize}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.memory == nil {
		s.memory = NewMemory()
	}
	if s.maxPDU <= 0 || s.maxPDU > MaxPDUSize {
		s.maxPDU = MaxPDUSize
	}

	lopts := append([]server.Option{server.WithLogger(s.logger)}, s.listenerOpts...)
	s.listener = server.NewListener(s, lopts...)
	return s
}

// Name 協定名稱
func (s *Server) Name() string {
	return "s7"
}

// Start 開始監聽
func (s *Server) Start(ctx context.Context, addr string) error {
	return s.listener.Start(ctx, addr)
}

// Stop 停止監聽
func (s *Server) Stop(ctx context.Context) error {
	return s.listener.Stop(ctx)
}

// Memory PLC 記憶體
func (s *Server) Memory() *Memory {
	return s.memory
}

// Dispatcher 功能分派表
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Listener 連線管理
func (s *Server) Listener() *server.Listener {
	return s.listener
}

// NewSession 建立連線會話
func (s *Server) NewSession(c *server.Conn) server.Session {
	return &session{
		srv:  s,
		conn: c,
		state: ConnState{
			Rack:    DefaultRack,
			Slot:    DefaultSlot,
			PDUSize: DefaultPDUSize,
			MaxPDU:  s.maxPDU,
		},
	}
}

type session struct {
	srv   *Server
	conn  *server.Conn
	state ConnState
}

func (sess *session) ReadFrame(r *bufio.Reader) ([]byte, error) {
	return ReadFrame(r)
}

func (sess *session) Handle(frame []byte) ([]byte, error) {
	logger := sess.conn.Logger()

	tpdu, err := DecodeTPDU(frame)
	if err != nil {
		logger.Debug("COTP 解析失敗", zap.Error(err))
		return nil, server.ErrIgnored
	}

	switch tpdu.Type {
	case COTPConnectionRequest:
		cr, err := DecodeConnectionRequest(tpdu)
		if err != nil {
			logger.Debug("COTP 連線請求無效", zap.Error(err))
			return nil, server.ErrIgnored
		}
		sess.state.Connected = true
		sess.state.Rack, sess.state.Slot = cr.RackSlot()
		sess.conn.SetDetail(fmt.Sprintf("rack=%d slot=%d", sess.state.Rack, sess.state.Slot))
		logger.Info("S7 連線建立",
			zap.Int("rack", sess.state.Rack),
			zap.Int("slot", sess.state.Slot),
		)
		return cr.Confirm(), nil

	case COTPDisconnectRequest:
		logger.Debug("COTP 中斷連線請求")
		return nil, server.ErrClose

	case COTPData:
		job, err := DecodeJob(tpdu.Payload)
		if err != nil {
			logger.Debug("S7 PDU 解析失敗", zap.Error(err))
			return nil, server.ErrIgnored
		}
		if job.MessageType != MessageJob {
			logger.Debug("忽略非工作請求", zap.Uint8("message_type", job.MessageType))
			return nil, server.ErrIgnored
		}

		ack, err := sess.srv.dispatcher.Dispatch(sess.srv.memory, &sess.state, job)
		if err != nil {
			return nil, err
		}
		if ack.ErrorClass != ErrorClassNone {
			logger.Debug("S7 請求錯誤",
				zap.Uint8("function", job.Function()),
				zap.Uint8("error_class", ack.ErrorClass),
				zap.Uint8("error_code", ack.ErrorCode),
			)
		}
		if job.Function() == FunctionSetupComm {
			sess.conn.SetDetail(fmt.Sprintf("rack=%d slot=%d pdu=%d", sess.state.Rack, sess.state.Slot, sess.state.PDUSize))
		}
		return ack.Encode(), nil

	default:
		logger.Debug("不支援的 COTP 類型", zap.Uint8("type", tpdu.Type))
		return nil, server.ErrIgnored
	}
}

// Fault 內部錯誤以標頭錯誤回應
func (sess *session) Fault(frame []byte, _ error) []byte {
	tpdu, err := DecodeTPDU(frame)
	if err != nil || tpdu.Type != COTPData {
		return nil
	}
	job, err := DecodeJob(tpdu.Payload)
	if err != nil {
		return nil
	}
	ack := &AckData{
		PDURef:     job.PDURef,
		ErrorClass: ErrorClassService,
		Param:      []byte{job.Function()},
	}
	return ack.Encode()
}

func (sess *session) Close() {}
