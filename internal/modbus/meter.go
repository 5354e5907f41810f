package modbus

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"protocol-simulator/internal/scenario"
)

// 電錶量測值的保持暫存器位址 (0 起算)
const (
	AddrLineVoltage = 0
	AddrLineCurrent = 1
	AddrFrequency   = 2
	AddrTotalEnergy = 3 // 3-4
	AddrPowerFactor = 5
	AddrActivePower = 6 // 6-7
)

// RegisterMeta 暫存器元資料
type RegisterMeta struct {
	Address  int      `json:"address"`
	Name     string   `json:"name"`
	DataType DataType `json:"-"`
	Type     string   `json:"type"`
	Scale    float64  `json:"scale"`
	Unit     string   `json:"unit,omitempty"`
}

// Meter 以保持暫存器模擬三相電錶，數值以縮放後的整數存放 (高位 word 在前)
type Meter struct {
	mu          sync.RWMutex
	store       *Store
	definitions map[int]*RegisterMeta
}

// NewMeter 建立電錶映射
func NewMeter(store *Store) *Meter {
	return &Meter{
		store:       store,
		definitions: make(map[int]*RegisterMeta),
	}
}

// DefaultMeter 建立預設電錶映射並寫入初始值
func DefaultMeter(store *Store) *Meter {
	m := NewMeter(store)

	m.DefineRegister(AddrLineVoltage, "LineVoltage", DataTypeUint16, 10, "V")
	m.DefineRegister(AddrLineCurrent, "LineCurrent", DataTypeUint16, 100, "A")
	m.DefineRegister(AddrFrequency, "Frequency", DataTypeUint16, 100, "Hz")
	m.DefineRegister(AddrTotalEnergy, "TotalEnergy", DataTypeUint32, 1, "kWh")
	m.DefineRegister(AddrPowerFactor, "PowerFactor", DataTypeUint16, 1000, "")
	m.DefineRegister(AddrActivePower, "ActivePower", DataTypeUint32, 10, "W")

	_ = m.ApplyReading(scenario.DefaultReading())
	return m
}

// DefineRegister 定義暫存器
func (m *Meter) DefineRegister(address int, name string, dataType DataType, scale float64, unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scale == 0 {
		scale = 1
	}
	m.definitions[address] = &RegisterMeta{
		Address:  address,
		Name:     name,
		DataType: dataType,
		Type:     dataType.String(),
		Scale:    scale,
		Unit:     unit,
	}
}

// Definition 取得暫存器定義
func (m *Meter) Definition(address int) (*RegisterMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.definitions[address]
	return meta, ok
}

// Definitions 依位址排序列出所有定義
func (m *Meter) Definitions() []RegisterMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RegisterMeta, 0, len(m.definitions))
	for _, meta := range m.definitions {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SetScaledValue 設定縮放後的值 (Float32 不縮放)
func (m *Meter) SetScaledValue(address int, value float64) error {
	meta, ok := m.Definition(address)
	if !ok {
		return m.store.WriteRegisters(AreaHoldingRegisters, address, []uint16{uint16(value)})
	}

	scaled := math.Round(value * meta.Scale)
	var words []uint16
	switch meta.DataType {
	case DataTypeUint16:
		words = []uint16{uint16(scaled)}
	case DataTypeInt16:
		words = []uint16{uint16(int16(scaled))}
	case DataTypeUint32:
		u32 := uint32(scaled)
		words = []uint16{uint16(u32 >> 16), uint16(u32)}
	case DataTypeInt32:
		i32 := int32(scaled)
		words = []uint16{uint16(uint32(i32) >> 16), uint16(i32)}
	case DataTypeFloat32:
		bits := math.Float32bits(float32(value))
		words = []uint16{uint16(bits >> 16), uint16(bits)}
	default:
		return fmt.Errorf("不支援的資料類型: %s", meta.DataType)
	}
	return m.store.WriteRegisters(AreaHoldingRegisters, address, words)
}

// GetScaledValue 取得縮放後的值
func (m *Meter) GetScaledValue(address int) (float64, error) {
	meta, ok := m.Definition(address)
	if !ok {
		regs, err := m.store.ReadRegisters(AreaHoldingRegisters, address, 1)
		if err != nil {
			return 0, err
		}
		return float64(regs[0]), nil
	}

	regs, err := m.store.ReadRegisters(AreaHoldingRegisters, address, meta.DataType.RegisterCount())
	if err != nil {
		return 0, err
	}

	var raw float64
	switch meta.DataType {
	case DataTypeUint16:
		raw = float64(regs[0])
	case DataTypeInt16:
		raw = float64(int16(regs[0]))
	case DataTypeUint32:
		raw = float64(uint32(regs[0])<<16 | uint32(regs[1]))
	case DataTypeInt32:
		raw = float64(int32(uint32(regs[0])<<16 | uint32(regs[1])))
	case DataTypeFloat32:
		return float64(math.Float32frombits(uint32(regs[0])<<16 | uint32(regs[1]))), nil
	}
	return raw / meta.Scale, nil
}

// ApplyReading 寫入一組量測值
func (m *Meter) ApplyReading(r scenario.Reading) error {
	values := []struct {
		addr  int
		value float64
	}{
		{AddrLineVoltage, r.Voltage},
		{AddrLineCurrent, r.Current},
		{AddrFrequency, r.Frequency},
		{AddrTotalEnergy, r.EnergyKWh},
		{AddrPowerFactor, r.PowerFactor},
		{AddrActivePower, r.PowerW},
	}
	for _, v := range values {
		if err := m.SetScaledValue(v.addr, v.value); err != nil {
			return fmt.Errorf("更新 %d 失敗: %w", v.addr, err)
		}
	}
	return nil
}
