package scenario

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink 接收量測值的資料區 (各協定各自實作)
type Sink interface {
	ApplyReading(r Reading) error
}

// FaultController 網路故障控制
type FaultController interface {
	SetJitter(enabled bool, min, max time.Duration)
	SetPacketLoss(rate float64)
	Reset()
}

// Status 場景狀態
type Status struct {
	Type    string  `json:"type"`
	Params  Params  `json:"params"`
	Reading Reading `json:"reading"`
}

// Engine 場景引擎 (管理場景切換和更新)
type Engine struct {
	mu sync.RWMutex

	current Handler
	params  Params
	last    Reading

	sinks  []Sink
	faults FaultController
	logger *zap.Logger

	updateInterval time.Duration
}

// NewEngine 建立場景引擎
func NewEngine(updateInterval time.Duration, faults FaultController, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if updateInterval <= 0 {
		updateInterval = time.Second
	}
	return &Engine{
		current:        NewHandler(Normal),
		last:           DefaultReading(),
		faults:         faults,
		logger:         logger,
		updateInterval: updateInterval,
	}
}

// AddSink 加入量測值接收端
func (e *Engine) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// SetScenario 設定場景並套用對應的網路故障
func (e *Engine) SetScenario(t Type, params Params) {
	e.mu.Lock()
	e.current = NewHandler(t)
	e.params = params
	e.mu.Unlock()

	if e.faults != nil {
		e.faults.Reset()
		switch t {
		case Jitter:
			min, max := JitterRange(params)
			e.faults.SetJitter(true, min, max)
		case PacketLoss:
			e.faults.SetPacketLoss(LossRate(params))
		}
	}

	e.logger.Info("場景已切換", zap.String("scenario", t.String()))
}

// Status 取得當前場景
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{Params: e.params, Reading: e.last}
	if e.current != nil {
		st.Type = e.current.Type().String()
	}
	return st
}

// Update 產生一組量測值並寫入所有資料區
func (e *Engine) Update() Reading {
	e.mu.Lock()
	var r Reading
	if e.current != nil {
		r = e.current.Update(e.params)
	} else {
		r = DefaultReading()
	}
	e.last = r
	sinks := append([]Sink(nil), e.sinks...)
	e.mu.Unlock()

	e.publish(sinks, r)
	return r
}

// Reset 重設為正常場景並清除網路故障
func (e *Engine) Reset() {
	e.mu.Lock()
	var r Reading
	if e.current != nil {
		r = e.current.Reset()
	} else {
		r = DefaultReading()
	}
	e.current = NewHandler(Normal)
	e.params = Params{}
	e.last = r
	sinks := append([]Sink(nil), e.sinks...)
	e.mu.Unlock()

	if e.faults != nil {
		e.faults.Reset()
	}
	e.publish(sinks, r)
	e.logger.Info("場景已重設")
}

func (e *Engine) publish(sinks []Sink, r Reading) {
	for _, s := range sinks {
		if err := s.ApplyReading(r); err != nil {
			e.logger.Warn("寫入量測值失敗", zap.Error(err))
		}
	}
}

// Run 定時更新，直到 ctx 取消
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Update()
		}
	}
}
