// Package scenario 產生模擬電錶量測值並控制網路故障
package scenario

import (
	"math/rand"
	"sync"
	"time"
)

// Type 場景類型
type Type int

const (
	Normal Type = iota
	VoltageSag
	Jitter
	PacketLoss
)

func (t Type) String() string {
	switch t {
	case Normal:
		return "normal"
	case VoltageSag:
		return "voltage_sag"
	case Jitter:
		return "jitter"
	case PacketLoss:
		return "packet_loss"
	default:
		return "unknown"
	}
}

// ParseType 解析場景類型
func ParseType(s string) (Type, bool) {
	for _, t := range ListTypes() {
		if t.String() == s {
			return t, true
		}
	}
	return Normal, false
}

// ListTypes 列出所有場景類型
func ListTypes() []Type {
	return []Type{Normal, VoltageSag, Jitter, PacketLoss}
}

// Params 場景參數
type Params struct {
	VoltageVariance   float64       `json:"voltage_variance,omitempty" mapstructure:"voltage_variance"`
	FrequencyVariance float64       `json:"frequency_variance,omitempty" mapstructure:"frequency_variance"`
	Duration          time.Duration `json:"duration,omitempty" mapstructure:"duration"`
	JitterMin         time.Duration `json:"jitter_min,omitempty" mapstructure:"jitter_min"`
	JitterMax         time.Duration `json:"jitter_max,omitempty" mapstructure:"jitter_max"`
	PacketLossRate    float64       `json:"packet_loss_rate,omitempty" mapstructure:"packet_loss_rate"`
}

// Reading 一組電錶量測值
type Reading struct {
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Frequency   float64 `json:"frequency"`
	EnergyKWh   float64 `json:"energy_kwh"`
	PowerFactor float64 `json:"power_factor"`
	PowerW      float64 `json:"power_w"`
}

// 基準值
const (
	BaseVoltage     = 220.0
	BaseCurrent     = 15.5
	BaseFrequency   = 60.0
	BasePower       = 3300.0
	BasePowerFactor = 0.95
)

// DefaultReading 重設後的量測值
func DefaultReading() Reading {
	return Reading{
		Voltage:     BaseVoltage,
		Current:     BaseCurrent,
		Frequency:   BaseFrequency,
		PowerFactor: BasePowerFactor,
		PowerW:      BasePower,
	}
}

// Handler 場景處理介面
type Handler interface {
	Type() Type
	Update(params Params) Reading
	Reset() Reading
}

// 場景處理器註冊表
var (
	handlerFactories   = make(map[Type]func() Handler)
	handlerFactoriesMu sync.RWMutex
)

func init() {
	RegisterHandler(Normal, func() Handler { return &NormalScenario{} })
	RegisterHandler(VoltageSag, func() Handler { return &VoltageSagScenario{} })
	RegisterHandler(Jitter, func() Handler { return &JitterScenario{} })
	RegisterHandler(PacketLoss, func() Handler { return &PacketLossScenario{} })
}

// RegisterHandler 註冊場景處理器
func RegisterHandler(t Type, factory func() Handler) {
	handlerFactoriesMu.Lock()
	defer handlerFactoriesMu.Unlock()
	handlerFactories[t] = factory
}

// NewHandler 建立場景處理器
func NewHandler(t Type) Handler {
	handlerFactoriesMu.RLock()
	defer handlerFactoriesMu.RUnlock()
	if f, ok := handlerFactories[t]; ok {
		return f()
	}
	return nil
}

// --- Normal Scenario ---

// NormalScenario 正常場景 - 小幅波動
type NormalScenario struct {
	energy     float64
	lastUpdate time.Time
	rng        *rand.Rand
}

func (s *NormalScenario) Type() Type {
	return Normal
}

func (s *NormalScenario) Update(params Params) Reading {
	if s.lastUpdate.IsZero() {
		s.lastUpdate = time.Now()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	// 電壓波動 (±0.5%)
	voltageVariance := params.VoltageVariance
	if voltageVariance == 0 {
		voltageVariance = 0.005
	}
	voltage := BaseVoltage * (1 + (s.rng.Float64()*2-1)*voltageVariance)

	// 頻率波動 (±0.05%)
	freqVariance := params.FrequencyVariance
	if freqVariance == 0 {
		freqVariance = 0.0005
	}
	frequency := BaseFrequency * (1 + (s.rng.Float64()*2-1)*freqVariance)

	// 電流波動 (±2%)
	current := BaseCurrent * (1 + (s.rng.Float64()*2-1)*0.02)

	power := voltage * current * BasePowerFactor

	// 累積能量
	elapsed := time.Since(s.lastUpdate).Hours()
	s.energy += power * elapsed / 1000 // kWh
	s.lastUpdate = time.Now()

	return Reading{
		Voltage:     voltage,
		Current:     current,
		Frequency:   frequency,
		EnergyKWh:   s.energy,
		PowerFactor: BasePowerFactor,
		PowerW:      power,
	}
}

func (s *NormalScenario) Reset() Reading {
	s.energy = 0
	s.lastUpdate = time.Now()
	return DefaultReading()
}

// --- Voltage Sag Scenario ---

// VoltageSagScenario 電壓驟降場景
type VoltageSagScenario struct {
	normal    NormalScenario
	startTime time.Time
	duration  time.Duration
	sagFactor float64
}

func (s *VoltageSagScenario) Type() Type {
	return VoltageSag
}

func (s *VoltageSagScenario) Update(params Params) Reading {
	if s.startTime.IsZero() {
		s.startTime = time.Now()
		s.duration = params.Duration
		if s.duration == 0 {
			s.duration = 10 * time.Second
		}
		s.sagFactor = 1 - params.VoltageVariance
		if s.sagFactor <= 0 || s.sagFactor >= 1 {
			s.sagFactor = 0.8 // 預設降至 80%
		}
	}

	r := s.normal.Update(Params{})
	if time.Since(s.startTime) < s.duration {
		r.Voltage *= s.sagFactor
		r.PowerW *= s.sagFactor
	}
	return r
}

func (s *VoltageSagScenario) Reset() Reading {
	s.startTime = time.Time{}
	return s.normal.Reset()
}

// --- Jitter Scenario ---

// JitterScenario 網路延遲場景，延遲由 FaultController 套用
type JitterScenario struct {
	normal NormalScenario
}

func (s *JitterScenario) Type() Type {
	return Jitter
}

func (s *JitterScenario) Update(params Params) Reading {
	return s.normal.Update(Params{})
}

func (s *JitterScenario) Reset() Reading {
	return s.normal.Reset()
}

// JitterRange 取得延遲範圍 (含預設值)
func JitterRange(params Params) (min, max time.Duration) {
	min, max = params.JitterMin, params.JitterMax
	if min == 0 {
		min = 100 * time.Millisecond
	}
	if max == 0 {
		max = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return min, max
}

// --- Packet Loss Scenario ---

// PacketLossScenario 封包丟失場景
type PacketLossScenario struct {
	normal NormalScenario
}

func (s *PacketLossScenario) Type() Type {
	return PacketLoss
}

func (s *PacketLossScenario) Update(params Params) Reading {
	return s.normal.Update(Params{})
}

func (s *PacketLossScenario) Reset() Reading {
	return s.normal.Reset()
}

// LossRate 取得丟失率 (預設 5%)
func LossRate(params Params) float64 {
	if params.PacketLossRate <= 0 {
		return 0.05
	}
	if params.PacketLossRate > 1 {
		return 1
	}
	return params.PacketLossRate
}
