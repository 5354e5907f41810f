package mc

import (
	"fmt"
	"math"
	"sync"
	"time"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/scenario"
)

// Memory PLC 裝置記憶體
//
// 位元裝置以每 16 點打包成一個 word。超出範圍的讀取補 0，寫入則忽略。
type Memory struct {
	mu    sync.RWMutex
	areas map[Device][]uint16
	sink  observer.ValueSink
}

// MemoryOption Memory 選項
type MemoryOption func(*Memory)

// WithValueSink 設定數值變更通知
func WithValueSink(sink observer.ValueSink) MemoryOption {
	return func(m *Memory) {
		m.sink = sink
	}
}

// NewMemory 建立裝置記憶體
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{areas: make(map[Device][]uint16, len(devices))}
	for dev, info := range devices {
		words := info.size
		if info.bit {
			words = (info.size + 15) / 16
		}
		m.areas[dev] = make([]uint16, words)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReadBits 讀取位元
func (m *Memory) ReadBits(dev Device, start, count int) []bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readBitsLocked(dev, start, count)
}

func (m *Memory) readBitsLocked(dev Device, start, count int) []bool {
	result := make([]bool, count)
	words, ok := m.areas[dev]
	if !ok || !dev.IsBit() {
		return result
	}
	size := dev.Size()
	for i := range result {
		addr := start + i
		if addr < 0 || addr >= size {
			continue
		}
		result[i] = words[addr/16]&(1<<(addr%16)) != 0
	}
	return result
}

// WriteBits 寫入位元，只改動目標位元
func (m *Memory) WriteBits(dev Device, start int, values []bool) {
	m.mu.Lock()
	m.writeBitsLocked(dev, start, values)
	m.mu.Unlock()

	m.notify(dev, start, len(values))
}

func (m *Memory) writeBitsLocked(dev Device, start int, values []bool) {
	words, ok := m.areas[dev]
	if !ok || !dev.IsBit() {
		return
	}
	size := dev.Size()
	for i, v := range values {
		addr := start + i
		if addr < 0 || addr >= size {
			continue
		}
		mask := uint16(1) << (addr % 16)
		if v {
			words[addr/16] |= mask
		} else {
			words[addr/16] &^= mask
		}
	}
}

// ReadWords 讀取 word；位元裝置每個 word 對應從位址起的 16 點
func (m *Memory) ReadWords(dev Device, start, count int) []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]uint16, count)
	words, ok := m.areas[dev]
	if !ok {
		return result
	}

	if dev.IsBit() {
		bits := m.readBitsLocked(dev, start, count*16)
		for i := range result {
			for b := 0; b < 16; b++ {
				if bits[i*16+b] {
					result[i] |= 1 << b
				}
			}
		}
		return result
	}

	for i := range result {
		addr := start + i
		if addr >= 0 && addr < len(words) {
			result[i] = words[addr]
		}
	}
	return result
}

// WriteWords 寫入 word；位元裝置每個 word 寫入從位址起的 16 點
func (m *Memory) WriteWords(dev Device, start int, values []uint16) {
	m.mu.Lock()
	words, ok := m.areas[dev]
	if !ok {
		m.mu.Unlock()
		return
	}

	count := len(values)
	if dev.IsBit() {
		bits := make([]bool, len(values)*16)
		for i, v := range values {
			for b := 0; b < 16; b++ {
				bits[i*16+b] = v&(1<<b) != 0
			}
		}
		m.writeBitsLocked(dev, start, bits)
		count = len(bits)
	} else {
		for i, v := range values {
			addr := start + i
			if addr >= 0 && addr < len(words) {
				words[addr] = v
			}
		}
	}
	m.mu.Unlock()

	m.notify(dev, start, count)
}

// ReadDWord 讀取雙字 (低位 word 在前)
func (m *Memory) ReadDWord(dev Device, addr int) uint32 {
	w := m.ReadWords(dev, addr, 2)
	return uint32(w[0]) | uint32(w[1])<<16
}

// WriteDWord 寫入雙字 (低位 word 在前)
func (m *Memory) WriteDWord(dev Device, addr int, value uint32) {
	m.WriteWords(dev, addr, []uint16{uint16(value), uint16(value >> 16)})
}

// Read 通用讀取
func (m *Memory) Read(dev Device, start, count int) ([]uint16, error) {
	if !dev.Valid() {
		return nil, fmt.Errorf("未知裝置: %s", dev)
	}
	return m.ReadWords(dev, start, count), nil
}

// Write 通用寫入
func (m *Memory) Write(dev Device, start int, values []uint16) error {
	if !dev.Valid() {
		return fmt.Errorf("未知裝置: %s", dev)
	}
	m.WriteWords(dev, start, values)
	return nil
}

// Reset 清除所有裝置
func (m *Memory) Reset() {
	m.mu.Lock()
	for _, words := range m.areas {
		clear(words)
	}
	m.mu.Unlock()

	for _, dev := range Devices() {
		m.notify(dev, 0, dev.Size())
	}
}

// ApplyReading 將電錶量測值寫入 D0..D7
func (m *Memory) ApplyReading(r scenario.Reading) error {
	energy := uint32(math.Round(r.EnergyKWh))
	power := uint32(math.Round(r.PowerW * 10))
	m.WriteWords(DeviceD, 0, []uint16{
		uint16(math.Round(r.Voltage * 10)),
		uint16(math.Round(r.Current * 100)),
		uint16(math.Round(r.Frequency * 100)),
		uint16(energy), uint16(energy >> 16),
		uint16(math.Round(r.PowerFactor * 1000)),
		uint16(power), uint16(power >> 16),
	})
	return nil
}

func (m *Memory) notify(dev Device, start, count int) {
	if m.sink == nil || count == 0 {
		return
	}
	m.sink.ValueChanged(observer.ValueChange{
		Time:     time.Now(),
		Protocol: "mc",
		Area:     dev.String(),
		Address:  start,
		Count:    count,
	})
}
