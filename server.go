package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"protocol-simulator/internal/mc"
	"protocol-simulator/internal/modbus"
	"protocol-simulator/internal/mqtt"
	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/opcua"
	"protocol-simulator/internal/s7"
	"protocol-simulator/internal/scenario"
	"protocol-simulator/internal/server"
)

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// protocolServer 各協定模擬器的共同生命週期
type protocolServer interface {
	Name() string
	Start(ctx context.Context, addr string) error
	Stop(ctx context.Context) error
	Listener() *server.Listener
}

// Engine 多協定模擬器引擎
type Engine struct {
	mu sync.RWMutex

	// 配置
	config *Config

	// 狀態
	state     atomic.Int32
	startTime time.Time

	// 協定模擬器
	modbus *modbus.Server
	mc     *mc.Server
	s7     *s7.Server
	mqtt   *mqtt.Broker
	opcua  *opcua.Server
	// running 已啟動的協定，依啟動順序
	running []protocolServer

	// 共用元件
	hub      *observer.Hub
	faults   *server.Faults
	limiter  *server.IPRateLimiter
	scenario *scenario.Engine

	scenarioCancel context.CancelFunc
	scenarioDone   chan struct{}

	// 日誌
	logger *zap.Logger
}

// EngineStats 引擎統計資訊
type EngineStats struct {
	StartTime     time.Time              `json:"start_time"`
	State         string                 `json:"state"`
	Scenario      string                 `json:"scenario"`
	ActiveConns   int64                  `json:"active_conns"`
	TotalRequests uint64                 `json:"total_requests"`
	TotalErrors   uint64                 `json:"total_errors"`
	BytesReceived uint64                 `json:"bytes_received"`
	BytesSent     uint64                 `json:"bytes_sent"`
	Protocols     []server.StatsSnapshot `json:"protocols"`
}

// NewEngine 依配置建立引擎與所有啟用的協定模擬器
func NewEngine(config *Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config: config,
		hub:    observer.NewHub(),
		faults: &server.Faults{},
		logger: logger,
	}
	e.hub.Subscribe(observer.NewZapSink(logger))
	e.scenario = scenario.NewEngine(config.Scenario.UpdateInterval, e.faults, logger.Named("scenario"))

	if config.Server.AcceptRate > 0 {
		e.limiter = server.NewIPRateLimiter(config.Server.AcceptRate, config.Server.AcceptBurst, time.Minute)
	}

	if config.Modbus.Enabled {
		if err := e.buildModbus(); err != nil {
			return nil, err
		}
	}
	if config.MC.Enabled {
		e.buildMC()
	}
	if config.S7.Enabled {
		if err := e.buildS7(); err != nil {
			return nil, err
		}
	}
	if config.MQTT.Enabled {
		e.buildMQTT()
	}
	if config.OPCUA.Enabled {
		if err := e.buildOPCUA(); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) listenerOptions() []server.Option {
	opts := []server.Option{
		server.WithConnectionSink(e.hub),
		server.WithFaults(e.faults),
		server.WithMaxConnections(e.config.Server.MaxConnections),
	}
	if e.limiter != nil {
		opts = append(opts, server.WithRateLimiter(e.limiter))
	}
	return opts
}

func (e *Engine) buildModbus() error {
	cfg := e.config.Modbus
	store := modbus.NewStore(modbus.DefaultAreaSize, modbus.WithValueSink(e.hub.ForProtocol("modbus")))
	e.modbus = modbus.NewServer(
		modbus.WithLogger(e.logger.Named("modbus")),
		modbus.WithStore(store),
		modbus.WithUnitID(cfg.UnitID, cfg.StrictUnitID),
		modbus.WithListenerOptions(e.listenerOptions()...),
	)

	meter := e.modbus.Meter()
	for _, def := range cfg.Registers {
		dt, ok := modbus.ParseDataType(def.DataType)
		if !ok {
			return fmt.Errorf("暫存器 %s 的資料類型無效: %s", def.Name, def.DataType)
		}
		meter.DefineRegister(def.Address, def.Name, dt, def.Scale, def.Unit)
		if err := meter.SetScaledValue(def.Address, def.DefaultValue); err != nil {
			return fmt.Errorf("設定暫存器 %s 初始值失敗: %w", def.Name, err)
		}
	}
	e.scenario.AddSink(meter)
	return nil
}

func (e *Engine) buildMC() {
	mem := mc.NewMemory(mc.WithValueSink(e.hub.ForProtocol("mc")))
	e.mc = mc.NewServer(
		mc.WithLogger(e.logger.Named("mc")),
		mc.WithMemory(mem),
		mc.WithListenerOptions(e.listenerOptions()...),
	)
	e.scenario.AddSink(mem)
}

func (e *Engine) buildS7() error {
	cfg := e.config.S7
	mem := s7.NewMemory(s7.WithValueSink(e.hub.ForProtocol("s7")))
	for _, db := range cfg.DataBlocks {
		if err := mem.CreateDB(db.Number, db.Size); err != nil {
			return fmt.Errorf("建立 DB%d 失敗: %w", db.Number, err)
		}
	}
	e.s7 = s7.NewServer(
		s7.WithLogger(e.logger.Named("s7")),
		s7.WithMemory(mem),
		s7.WithMaxPDU(cfg.PDUSize),
		s7.WithListenerOptions(e.listenerOptions()...),
	)
	if cfg.Simulation {
		e.scenario.AddSink(mem)
	}
	return nil
}

func (e *Engine) buildMQTT() {
	e.mqtt = mqtt.NewBroker(
		mqtt.WithLogger(e.logger.Named("mqtt")),
		mqtt.WithValueSink(e.hub.ForProtocol("mqtt")),
		mqtt.WithKeepAliveCheck(e.config.MQTT.KeepAliveCheck),
		mqtt.WithListenerOptions(e.listenerOptions()...),
	)
}

func (e *Engine) buildOPCUA() error {
	cfg := e.config.OPCUA
	store := opcua.NewDefaultNodeStore()
	if cfg.NodeFile != "" {
		f, err := opcua.LoadNodeFile(cfg.NodeFile)
		if err != nil {
			return err
		}
		if err := f.Apply(store); err != nil {
			return fmt.Errorf("套用節點檔 %s 失敗: %w", cfg.NodeFile, err)
		}
	}

	endpoint := cfg.EndpointURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("opc.tcp://%s", net.JoinHostPort(advertisedHost(e.config.Server.BindIP), strconv.Itoa(cfg.Port)))
	}

	e.opcua = opcua.NewServer(
		opcua.WithLogger(e.logger.Named("opcua")),
		opcua.WithNodeStore(store),
		opcua.WithEndpointURL(endpoint),
		opcua.WithSimulationInterval(cfg.SimulationInterval),
		opcua.WithValueSink(e.hub.ForProtocol("opcua")),
		opcua.WithListenerOptions(e.listenerOptions()...),
	)
	return nil
}

// advertisedHost 萬用位址對外公告為 localhost
func advertisedHost(bindIP string) string {
	ip := net.ParseIP(bindIP)
	if bindIP == "" || (ip != nil && ip.IsUnspecified()) {
		return "localhost"
	}
	return bindIP
}

// Start 啟動所有啟用的協定與場景引擎
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("引擎已經在運行中")
	}

	e.startTime = time.Now()
	e.logger.Info("正在啟動引擎", zap.String("bind_ip", e.config.Server.BindIP))

	type target struct {
		srv  protocolServer
		port int
	}
	var targets []target
	if e.modbus != nil {
		targets = append(targets, target{e.modbus, e.config.Modbus.Port})
	}
	if e.mc != nil {
		targets = append(targets, target{e.mc, e.config.MC.Port})
	}
	if e.s7 != nil {
		targets = append(targets, target{e.s7, e.config.S7.Port})
	}
	if e.mqtt != nil {
		targets = append(targets, target{e.mqtt, e.config.MQTT.Port})
	}
	if e.opcua != nil {
		targets = append(targets, target{e.opcua, e.config.OPCUA.Port})
	}

	var running []protocolServer
	for _, t := range targets {
		addr := e.bindAddr(t.port)
		if err := t.srv.Start(ctx, addr); err != nil {
			e.stopAll(ctx, running)
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("啟動 %s 失敗: %w", t.srv.Name(), err)
		}
		running = append(running, t.srv)
		e.hub.Log(observer.LogEntry{
			Time:     time.Now(),
			Protocol: t.srv.Name(),
			Level:    observer.LevelInfo,
			Message:  "模擬器已啟動 " + t.srv.Listener().Addr().String(),
		})
	}

	if e.mqtt != nil && e.config.MQTT.WebSocketPort > 0 {
		if err := e.mqtt.StartWebSocket(ctx, e.bindAddr(e.config.MQTT.WebSocketPort)); err != nil {
			e.stopAll(ctx, running)
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("啟動 MQTT WebSocket 失敗: %w", err)
		}
	}

	e.mu.Lock()
	e.running = running
	e.mu.Unlock()

	if err := e.ApplyScenario(e.config.Scenario.DefaultScenario, 0); err != nil {
		e.logger.Warn("套用預設場景失敗", zap.Error(err))
	}
	e.startScenario()

	e.state.Store(int32(EngineStateRunning))
	e.logger.Info("引擎啟動完成",
		zap.Int("protocols", len(running)),
		zap.Duration("startup_time", time.Since(e.startTime)),
	)

	return nil
}

func (e *Engine) bindAddr(port int) string {
	return net.JoinHostPort(e.config.Server.BindIP, strconv.Itoa(port))
}

func (e *Engine) startScenario() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.scenarioCancel, e.scenarioDone = cancel, done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.scenario.Run(ctx)
	}()
}

// Stop 停止引擎，等待所有連線結束或 ctx 逾時
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}

	e.mu.Lock()
	running := e.running
	e.running = nil
	cancel, done := e.scenarioCancel, e.scenarioDone
	e.scenarioCancel, e.scenarioDone = nil, nil
	e.mu.Unlock()

	e.logger.Info("正在停止引擎", zap.Int("protocols", len(running)))

	if cancel != nil {
		cancel()
		<-done
	}

	err := e.stopAll(ctx, running)
	if e.limiter != nil {
		e.limiter.Stop()
	}

	e.state.Store(int32(EngineStateStopped))
	e.logger.Info("引擎已停止")

	return err
}

// stopAll 並行停止協定模擬器
func (e *Engine) stopAll(ctx context.Context, servers []protocolServer) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, srv := range servers {
		wg.Add(1)
		go func(s protocolServer) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				e.logger.Warn("停止協定失敗", zap.String("protocol", s.Name()), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			e.hub.Log(observer.LogEntry{
				Time:     time.Now(),
				Protocol: s.Name(),
				Level:    observer.LevelInfo,
				Message:  "模擬器已停止",
			})
		}(srv)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// State 取得引擎狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Stats 取得統計資訊
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	running := append([]protocolServer(nil), e.running...)
	e.mu.RUnlock()

	stats := EngineStats{
		StartTime: e.startTime,
		State:     e.State().String(),
		Scenario:  e.scenario.Status().Type,
	}

	// 彙整各協定的統計
	for _, srv := range running {
		snap := srv.Listener().Stats()
		stats.Protocols = append(stats.Protocols, snap)
		stats.ActiveConns += snap.ActiveConns
		stats.TotalRequests += snap.RequestCount
		stats.TotalErrors += snap.ErrorCount
		stats.BytesReceived += snap.BytesReceived
		stats.BytesSent += snap.BytesSent
	}
	if e.mqtt != nil {
		if ws := e.mqtt.WebSocketListener(); ws != nil {
			stats.Protocols = append(stats.Protocols, ws.Stats())
		}
	}

	return stats
}

// Connections 列出所有協定目前的連線
func (e *Engine) Connections() []server.ConnInfo {
	e.mu.RLock()
	running := append([]protocolServer(nil), e.running...)
	e.mu.RUnlock()

	var infos []server.ConnInfo
	for _, srv := range running {
		for _, c := range srv.Listener().Conns() {
			infos = append(infos, c.Info())
		}
	}
	return infos
}

// ApplyScenario 套用場景，duration > 0 時覆蓋配置中的持續時間
func (e *Engine) ApplyScenario(name string, duration time.Duration) error {
	t, ok := scenario.ParseType(name)
	if !ok {
		return fmt.Errorf("未知的場景: %s", name)
	}

	params, ok := e.config.Scenario.Scenarios[name]
	if ok && !params.Enabled {
		return fmt.Errorf("場景 %s 已停用", name)
	}
	p := params.Params()
	if duration > 0 {
		p.Duration = duration
	}

	e.scenario.SetScenario(t, p)
	return nil
}

// ResetScenario 重設為正常場景
func (e *Engine) ResetScenario() {
	e.scenario.Reset()
}

// ScenarioStatus 取得當前場景與最近一次量測值
func (e *Engine) ScenarioStatus() scenario.Status {
	return e.scenario.Status()
}

// Subscribe 訂閱日誌、連線與數值變更通知
func (e *Engine) Subscribe(sub any) func() {
	return e.hub.Subscribe(sub)
}

// Modbus 取得 Modbus 模擬器，未啟用時為 nil
func (e *Engine) Modbus() *modbus.Server { return e.modbus }

// MC 取得 MC 模擬器，未啟用時為 nil
func (e *Engine) MC() *mc.Server { return e.mc }

// S7 取得 S7 模擬器，未啟用時為 nil
func (e *Engine) S7() *s7.Server { return e.s7 }

// MQTT 取得 MQTT broker，未啟用時為 nil
func (e *Engine) MQTT() *mqtt.Broker { return e.mqtt }

// OPCUA 取得 OPC UA 伺服器，未啟用時為 nil
func (e *Engine) OPCUA() *opcua.Server { return e.opcua }
