package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"protocol-simulator/internal/server"
)

// MetricsCollector 指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	// 引擎指標
	engineStartTime time.Time
	latest          EngineStats

	// 歷史記錄 (用於計算速率)
	requestHistory []requestSample
	maxHistory     int

	httpSrv *http.Server
	ln      net.Listener
	cancel  context.CancelFunc

	// 參照
	engine *Engine
	logger *zap.Logger
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
	errors    uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Uptime          string    `json:"uptime"`
	EngineState     string    `json:"engine_state"`
	CurrentScenario string    `json:"current_scenario"`

	// 連線與請求指標
	ActiveConns    int64   `json:"active_conns"`
	TotalRequests  uint64  `json:"total_requests"`
	TotalErrors    uint64  `json:"total_errors"`
	ErrorRate      float64 `json:"error_rate"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	BytesReceived  uint64  `json:"bytes_received"`
	BytesSent      uint64  `json:"bytes_sent"`

	Protocols []server.StatsSnapshot `json:"protocols"`

	// 場景量測值樣本
	SampleVoltage   float64 `json:"sample_voltage,omitempty"`
	SampleCurrent   float64 `json:"sample_current,omitempty"`
	SampleFrequency float64 `json:"sample_frequency,omitempty"`
	SamplePower     float64 `json:"sample_power,omitempty"`
}

// ScenarioRequest POST /scenario 的請求內容
type ScenarioRequest struct {
	Scenario string `json:"scenario"`
	Duration string `json:"duration,omitempty"`
	Reset    bool   `json:"reset,omitempty"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, logger *zap.Logger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsCollector{
		engine:          engine,
		logger:          logger,
		engineStartTime: time.Now(),
		maxHistory:      60, // 保留 60 個樣本 (用於計算每秒速率)
	}
}

// Handler 建立 HTTP 路由
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	mux.HandleFunc("/scenario", m.handleScenario)
	mux.HandleFunc("/connections", m.handleConnections)
	return mux
}

// Start 啟動指標收集與 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("監聽指標埠 %s 失敗: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.engineStartTime = time.Now()
	m.ln = ln
	m.cancel = cancel
	m.httpSrv = &http.Server{
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := m.httpSrv
	m.mu.Unlock()

	// 啟動背景收集
	go m.collectLoop(ctx)

	m.logger.Info("啟動指標伺服器", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Addr 實際監聽位址 (未啟動時為 nil)
func (m *MetricsCollector) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Stop 關閉 HTTP 伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	m.mu.Lock()
	srv, cancel := m.httpSrv, m.cancel
	m.httpSrv, m.cancel, m.ln = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("關閉指標伺服器失敗: %w", err)
	}
	return nil
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 收集指標
func (m *MetricsCollector) collect() {
	if m.engine == nil {
		return
	}

	stats := m.engine.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest = stats

	// 記錄歷史
	sample := requestSample{
		timestamp: time.Now(),
		requests:  stats.TotalRequests,
		errors:    stats.TotalErrors,
	}
	m.requestHistory = append(m.requestHistory, sample)
	if len(m.requestHistory) > m.maxHistory {
		m.requestHistory = m.requestHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.collect()

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.latest
	snapshot := MetricsSnapshot{
		Timestamp:       time.Now(),
		Uptime:          time.Since(m.engineStartTime).String(),
		EngineState:     stats.State,
		CurrentScenario: stats.Scenario,
		ActiveConns:     stats.ActiveConns,
		TotalRequests:   stats.TotalRequests,
		TotalErrors:     stats.TotalErrors,
		BytesReceived:   stats.BytesReceived,
		BytesSent:       stats.BytesSent,
		Protocols:       stats.Protocols,
	}

	// 計算錯誤率
	if snapshot.TotalRequests > 0 {
		snapshot.ErrorRate = float64(snapshot.TotalErrors) / float64(snapshot.TotalRequests) * 100
	}

	// 計算每秒請求數 (使用最近的歷史記錄)
	if len(m.requestHistory) >= 2 {
		first := m.requestHistory[0]
		last := m.requestHistory[len(m.requestHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 && last.requests >= first.requests {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}

	// 取得場景量測值樣本
	if m.engine != nil {
		r := m.engine.ScenarioStatus().Reading
		snapshot.SampleVoltage = r.Voltage
		snapshot.SampleCurrent = r.Current
		snapshot.SampleFrequency = r.Frequency
		snapshot.SamplePower = r.PowerW
	}

	return snapshot
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP protosim_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE protosim_uptime_seconds gauge\n")
	fmt.Fprintf(w, "protosim_uptime_seconds %f\n\n", time.Since(m.engineStartTime).Seconds())

	fmt.Fprintf(w, "# HELP protosim_requests_per_second Requests per second\n")
	fmt.Fprintf(w, "# TYPE protosim_requests_per_second gauge\n")
	fmt.Fprintf(w, "protosim_requests_per_second %f\n\n", snapshot.RequestsPerSec)

	perProtocol := []struct {
		name  string
		help  string
		kind  string
		value func(s server.StatsSnapshot) uint64
	}{
		{"connections", "Active connections", "gauge", func(s server.StatsSnapshot) uint64 { return uint64(max(s.ActiveConns, 0)) }},
		{"connections_total", "Accepted connections", "counter", func(s server.StatsSnapshot) uint64 { return s.TotalConns }},
		{"connections_rejected_total", "Rejected connections", "counter", func(s server.StatsSnapshot) uint64 { return s.RejectedConns }},
		{"requests_total", "Total number of requests", "counter", func(s server.StatsSnapshot) uint64 { return s.RequestCount }},
		{"errors_total", "Total number of errors", "counter", func(s server.StatsSnapshot) uint64 { return s.ErrorCount }},
		{"dropped_replies_total", "Replies dropped by packet loss", "counter", func(s server.StatsSnapshot) uint64 { return s.DroppedReplies }},
		{"bytes_received_total", "Total bytes received", "counter", func(s server.StatsSnapshot) uint64 { return s.BytesReceived }},
		{"bytes_sent_total", "Total bytes sent", "counter", func(s server.StatsSnapshot) uint64 { return s.BytesSent }},
	}
	for _, metric := range perProtocol {
		fmt.Fprintf(w, "# HELP protosim_%s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE protosim_%s %s\n", metric.name, metric.kind)
		for _, p := range snapshot.Protocols {
			fmt.Fprintf(w, "protosim_%s{protocol=%q,addr=%q} %d\n", metric.name, p.Protocol, p.Addr, metric.value(p))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "# HELP protosim_sample_voltage Sample voltage reading\n")
	fmt.Fprintf(w, "# TYPE protosim_sample_voltage gauge\n")
	fmt.Fprintf(w, "protosim_sample_voltage %f\n\n", snapshot.SampleVoltage)

	fmt.Fprintf(w, "# HELP protosim_sample_current Sample current reading\n")
	fmt.Fprintf(w, "# TYPE protosim_sample_current gauge\n")
	fmt.Fprintf(w, "protosim_sample_current %f\n\n", snapshot.SampleCurrent)

	fmt.Fprintf(w, "# HELP protosim_sample_frequency Sample frequency reading\n")
	fmt.Fprintf(w, "# TYPE protosim_sample_frequency gauge\n")
	fmt.Fprintf(w, "protosim_sample_frequency %f\n\n", snapshot.SampleFrequency)

	fmt.Fprintf(w, "# HELP protosim_sample_power Sample power reading\n")
	fmt.Fprintf(w, "# TYPE protosim_sample_power gauge\n")
	fmt.Fprintf(w, "protosim_sample_power %f\n", snapshot.SamplePower)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil || m.engine.State() != EngineStateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleScenario GET 查詢場景，POST 套用或重設場景
func (m *MetricsCollector) handleScenario(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "引擎未啟動"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, m.engine.ScenarioStatus())
	case http.MethodPost:
		var req ScenarioRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "無效的請求內容: " + err.Error()})
			return
		}

		if req.Reset {
			m.engine.ResetScenario()
			writeJSON(w, http.StatusOK, m.engine.ScenarioStatus())
			return
		}

		var duration time.Duration
		if req.Duration != "" {
			d, err := time.ParseDuration(req.Duration)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "無效的持續時間: " + req.Duration})
				return
			}
			duration = d
		}
		if err := m.engine.ApplyScenario(req.Scenario, duration); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		m.logger.Info("透過 API 套用場景", zap.String("scenario", req.Scenario), zap.Duration("duration", duration))
		writeJSON(w, http.StatusOK, m.engine.ScenarioStatus())
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "不支援的方法"})
	}
}

// handleConnections 列出目前所有連線
func (m *MetricsCollector) handleConnections(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil {
		writeJSON(w, http.StatusOK, []server.ConnInfo{})
		return
	}
	conns := m.engine.Connections()
	if conns == nil {
		conns = []server.ConnInfo{}
	}
	writeJSON(w, http.StatusOK, conns)
}
