package mc

import (
	"bufio"
	"context"
	"errors"

	"go.uber.org/zap"

	"protocol-simulator/internal/server"
)

// Server MC 協定 PLC 模擬器
type Server struct {
	memory     *Memory
	dispatcher *Dispatcher
	listener   *server.Listener
	logger     *zap.Logger

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

// WithMemory 使用指定的裝置記憶體
func WithMemory(mem *Memory) Option {
	return func(s *Server) {
		s.memory = mem
	}
}

// WithListenerOptions 傳遞連線管理選項
func WithListenerOptions(opts ...server.Option) Option {
	return func(s *Server) {
		s.listenerOpts = append(s.listenerOpts, opts...)
	}
}

// NewServer 建立 MC 模擬器
func NewServer(opts ...Option) *Server {
	s := &Server{dispatcher: NewDispatcher()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.memory == nil {
		s.memory = NewMemory()
	}

	lopts := append([]server.Option{server.WithLogger(s.logger)}, s.listenerOpts...)
	s.listener = server.NewListener(s, lopts...)
	return s
}

// Name 協定名稱
func (s *Server) Name() string {
	return "mc"
}

// Start 開始監聽
func (s *Server) Start(ctx context.Context, addr string) error {
	return s.listener.Start(ctx, addr)
}

// Stop 停止監聽
func (s *Server) Stop(ctx context.Context) error {
	return s.listener.Stop(ctx)
}

// Memory 裝置記憶體
func (s *Server) Memory() *Memory {
	return s.memory
}

// Dispatcher 命令分派表
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

type session struct {
	srv    *Server
	conn   *server.Conn
	format Format
	seen   bool
}

func (sess *session) ReadFrame(r *bufio.Reader) ([]byte, error) {
	return ReadFrame(r)
}

func (sess *session) Handle(frame []byte) ([]byte, error) {
	logger := sess.conn.Logger()

	req, err := DecodeRequest(frame)
	if err != nil {
		logger.Debug("MC 訊框解析失敗", zap.Error(err), zap.Int("length", len(frame)))
		return errorResponse(frame, req, err).Encode(), nil
	}

	if !sess.seen || sess.format != req.Format {
		sess.seen = true
		sess.format = req.Format
		sess.conn.SetDetail("format=" + req.Format.String())
	}

	data, err := sess.srv.dispatcher.Dispatch(sess.srv.memory, req)
	if err != nil {
		var ec *EndCodeError
		if !errors.As(err, &ec) {
			return nil, err
		}
		logger.Debug("MC 請求錯誤",
			zap.Uint16("command", req.Command),
			zap.Uint16("sub_command", req.SubCommand),
			zap.Uint16("end_code", ec.Code),
			zap.String("reason", ec.Message),
		)
		return NewResponse(req, ec.Code, nil).Encode(), nil
	}
	return NewResponse(req, EndCodeSuccess, data).Encode(), nil
}

// Fault 內部錯誤以通用裝置錯誤回應
func (sess *session) Fault(frame []byte, cause error) []byte {
	req, _ := DecodeRequest(frame)
	return errorResponse(frame, req, cause).Encode()
}

func (sess *session) Close() {}

// errorResponse 建立錯誤回應；路由無法解析時使用預設路由
func errorResponse(frame []byte, req *Request, err error) *Response {
	code := uint16(EndCodeDeviceError)
	var ec *EndCodeError
	if errors.As(err, &ec) {
		code = ec.Code
	}
	if req != nil {
		return NewResponse(req, code, nil)
	}
	format, _ := DetectFormat(frame)
	return &Response{Format: format, Route: DefaultRoute, EndCode: code}
}
