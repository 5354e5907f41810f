package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/s7"
)

// freePorts 取得 n 個目前可用的本機埠號
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	return ports
}

// testConfig 所有協定綁定 127.0.0.1 的隨機埠
func testConfig(t *testing.T) *Config {
	t.Helper()
	ports := freePorts(t, 7)

	cfg := DefaultConfig()
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Modbus.Port = ports[0]
	cfg.MC.Port = ports[1]
	cfg.S7.Port = ports[2]
	cfg.MQTT.Port = ports[3]
	cfg.MQTT.WebSocketPort = ports[4]
	cfg.OPCUA.Port = ports[5]
	cfg.Metrics.Port = ports[6]
	cfg.Scenario.UpdateInterval = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)
	return engine
}

func TestEngine_StartStop(t *testing.T) {
	cfg := testConfig(t)
	engine := newTestEngine(t, cfg)
	assert.Equal(t, EngineStateStopped, engine.State())

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	assert.Equal(t, EngineStateRunning, engine.State())
	assert.Error(t, engine.Start(ctx), "重複啟動")

	stats := engine.Stats()
	assert.Equal(t, "running", stats.State)
	assert.Equal(t, "normal", stats.Scenario)
	// 五個協定加上 MQTT WebSocket
	assert.Len(t, stats.Protocols, 6)

	names := make(map[string]bool)
	for _, p := range stats.Protocols {
		names[p.Protocol] = true
	}
	for _, name := range []string{"modbus", "mc", "s7", "mqtt", "opcua"} {
		assert.True(t, names[name], name)
	}

	addr := engine.Modbus().Listener().Addr().String()
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Modbus.Port)), addr)

	require.NoError(t, engine.Stop(ctx))
	assert.Equal(t, EngineStateStopped, engine.State())
	assert.NoError(t, engine.Stop(ctx), "重複停止")

	// 埠號已釋放
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ln.Close()
}

func TestEngine_DisabledProtocols(t *testing.T) {
	cfg := testConfig(t)
	cfg.MC.Enabled = false
	cfg.OPCUA.Enabled = false
	cfg.MQTT.WebSocketPort = 0

	engine := newTestEngine(t, cfg)
	assert.Nil(t, engine.MC())
	assert.Nil(t, engine.OPCUA())
	require.NotNil(t, engine.Modbus())

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop(ctx)

	assert.Len(t, engine.Stats().Protocols, 3)
	assert.Nil(t, engine.MQTT().WebSocketListener())
}

func TestEngine_StartFailureRollsBack(t *testing.T) {
	cfg := testConfig(t)

	// 佔用 S7 埠，使啟動在 modbus 與 mc 之後失敗
	busy, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.S7.Port)))
	require.NoError(t, err)
	defer busy.Close()

	engine := newTestEngine(t, cfg)
	err = engine.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s7")
	assert.Equal(t, EngineStateStopped, engine.State())

	// 已啟動的協定必須被關閉
	for _, port := range []int{cfg.Modbus.Port, cfg.MC.Port} {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		require.NoError(t, err, "埠 %d 未釋放", port)
		ln.Close()
	}
}

func TestEngine_ApplyScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scenario.Scenarios["packet_loss"] = ScenarioParams{Enabled: false, PacketLossRate: 0.5}
	engine := newTestEngine(t, cfg)

	tests := []struct {
		name     string
		scenario string
		duration time.Duration
		wantErr  bool
	}{
		{"unknown", "earthquake", 0, true},
		{"disabled", "packet_loss", 0, true},
		{"normal", "normal", 0, false},
		{"voltage sag", "voltage_sag", 0, false},
		{"jitter", "jitter", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.ApplyScenario(tt.scenario, tt.duration)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scenario, engine.ScenarioStatus().Type)
		})
	}

	t.Run("duration override", func(t *testing.T) {
		require.NoError(t, engine.ApplyScenario("voltage_sag", 3*time.Second))
		assert.Equal(t, 3*time.Second, engine.ScenarioStatus().Params.Duration)
		assert.Equal(t, 0.20, engine.ScenarioStatus().Params.VoltageVariance)
	})

	t.Run("jitter drives faults", func(t *testing.T) {
		require.NoError(t, engine.ApplyScenario("jitter", 0))
		d := engine.faults.Delay()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 500*time.Millisecond)

		engine.ResetScenario()
		assert.Equal(t, "normal", engine.ScenarioStatus().Type)
		assert.Zero(t, engine.faults.Delay())
	})
}

func TestEngine_ScenarioUpdatesDataAreas(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modbus.Registers = []RegisterDefinition{
		{Address: 100, Name: "Setpoint", DataType: "uint16", Scale: 10, DefaultValue: 42.5},
	}
	engine := newTestEngine(t, cfg)

	rec := &observer.Recorder{}
	unsubscribe := engine.Subscribe(rec)
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop(ctx)

	meter := engine.Modbus().Meter()
	setpoint, err := meter.GetScaledValue(100)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, setpoint, 0.01)

	assert.Eventually(t, func() bool {
		v, err := meter.GetScaledValue(0)
		return err == nil && v > 200
	}, 2*time.Second, 20*time.Millisecond, "modbus 電壓暫存器")

	assert.Eventually(t, func() bool {
		v, err := engine.S7().Memory().ReadReal(s7.AreaDB, s7.MeterDB, s7.OffsetVoltage)
		return err == nil && v > 200
	}, 2*time.Second, 20*time.Millisecond, "S7 DB1 電壓")

	assert.Eventually(t, func() bool {
		for _, v := range rec.Values() {
			if v.Protocol == "modbus" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	started := 0
	for _, l := range rec.Logs() {
		if l.Level == observer.LevelInfo {
			started++
		}
	}
	assert.GreaterOrEqual(t, started, 5)
}

func TestEngine_Connections(t *testing.T) {
	cfg := testConfig(t)
	engine := newTestEngine(t, cfg)

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop(ctx)

	assert.Empty(t, engine.Connections())

	conn, err := net.Dial("tcp", engine.MC().Listener().Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return len(engine.Connections()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, engine.Stats().ActiveConns)
}

func TestEngine_NodeFileError(t *testing.T) {
	cfg := testConfig(t)
	cfg.OPCUA.NodeFile = "/nonexistent/nodes.yaml"

	_, err := NewEngine(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestAdvertisedHost(t *testing.T) {
	assert.Equal(t, "localhost", advertisedHost("0.0.0.0"))
	assert.Equal(t, "localhost", advertisedHost(""))
	assert.Equal(t, "localhost", advertisedHost("::"))
	assert.Equal(t, "10.0.0.5", advertisedHost("10.0.0.5"))
}

func TestEngineState_String(t *testing.T) {
	assert.Equal(t, "stopped", EngineStateStopped.String())
	assert.Equal(t, "starting", EngineStateStarting.String())
	assert.Equal(t, "running", EngineStateRunning.String())
	assert.Equal(t, "stopping", EngineStateStopping.String())
	assert.Equal(t, "unknown", EngineState(99).String())
}
