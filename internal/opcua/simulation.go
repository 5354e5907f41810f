package opcua

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSimulationInterval 模擬值更新週期
const DefaultSimulationInterval = time.Second

// 模擬節點
var (
	NodeCounter     = NewStringNodeID(SimulationNamespace, "Simulation.Counter")
	NodeRandom      = NewStringNodeID(SimulationNamespace, "Simulation.Random")
	NodeSineWave    = NewStringNodeID(SimulationNamespace, "Simulation.SineWave")
	NodeBoolean     = NewStringNodeID(SimulationNamespace, "Simulation.Boolean")
	NodeTemperature = NewStringNodeID(SimulationNamespace, "Device.Temperature")
	NodePressure    = NewStringNodeID(SimulationNamespace, "Device.Pressure")
)

// Simulator 定時更新 Simulation 與 Device 節點
type Simulator struct {
	store    *NodeStore
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	counter int32
	enabled bool
	rng     *rand.Rand
}

// NewSimulator 建立模擬器，interval <= 0 時使用預設值
func NewSimulator(store *NodeStore, interval time.Duration, logger *zap.Logger) *Simulator {
	if interval <= 0 {
		interval = DefaultSimulationInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		store:    store,
		interval: interval,
		logger:   logger,
		enabled:  true,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetEnabled 暫停或恢復模擬
func (s *Simulator) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Enabled 是否啟用
func (s *Simulator) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Counter 目前計數
func (s *Simulator) Counter() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Tick 更新一次模擬值；節點不存在時略過
func (s *Simulator) Tick() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	s.counter++
	counter := s.counter
	t := float64(counter) * 0.1
	random := s.rng.Float64() * 100
	tempNoise := s.rng.Float64() * 0.5
	pressureNoise := s.rng.Float64() * 2
	s.mu.Unlock()

	updates := []struct {
		id    NodeID
		value any
	}{
		{NodeCounter, counter},
		{NodeRandom, random},
		{NodeSineWave, math.Sin(t)*50 + 50},
		{NodeBoolean, counter%2 == 0},
		{NodeTemperature, round2(25 + math.Sin(t*0.5)*5 + tempNoise)},
		{NodePressure, round2(1013.25 + math.Cos(t*0.3)*10 + pressureNoise)},
	}
	for _, u := range updates {
		if _, ok := s.store.Node(u.id); !ok {
			continue
		}
		if err := s.store.Set(u.id, u.value); err != nil {
			s.logger.Warn("更新模擬值失敗", zap.Stringer("node", u.id), zap.Error(err))
		}
	}
}

// Run 定時更新，直到 ctx 取消
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
