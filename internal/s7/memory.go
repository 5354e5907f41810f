package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/scenario"
)

// 區域大小 (位元組)
const (
	InputSize     = 1024
	OutputSize    = 1024
	MerkerSize    = 4096
	DefaultDBSize = 1024
)

// 電錶量測值在 DB1 中的位址 (Real)
const (
	MeterDB           = 1
	OffsetVoltage     = 0
	OffsetCurrent     = 4
	OffsetFrequency   = 8
	OffsetEnergy      = 12
	OffsetPowerFactor = 16
	OffsetPower       = 20
)

// Memory PLC 記憶體 (I / Q / M / DB)
//
// 以位元組定址，位元以 byte*8+bit 表示。所有多位元組數值皆為 big-endian。
type Memory struct {
	mu      sync.RWMutex
	inputs  []byte
	outputs []byte
	merkers []byte
	dbs     map[int][]byte
	sink    observer.ValueSink
}

// MemoryOption Memory 選項
type MemoryOption func(*Memory)

// WithValueSink 設定數值變更通知
func WithValueSink(sink observer.ValueSink) MemoryOption {
	return func(m *Memory) {
		m.sink = sink
	}
}

// NewMemory 建立記憶體，預設含 DB1
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		inputs:  make([]byte, InputSize),
		outputs: make([]byte, OutputSize),
		merkers: make([]byte, MerkerSize),
		dbs:     map[int][]byte{MeterDB: make([]byte, DefaultDBSize)},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateDB 建立 (或重建) 資料塊
func (m *Memory) CreateDB(number, size int) error {
	if number < 1 || number > math.MaxUint16 {
		return fmt.Errorf("DB 編號無效: %d", number)
	}
	if size < 1 || size > math.MaxUint16 {
		return fmt.Errorf("DB 大小無效: %d", size)
	}
	m.mu.Lock()
	m.dbs[number] = make([]byte, size)
	m.mu.Unlock()
	return nil
}

// HasDB 資料塊是否存在
func (m *Memory) HasDB(number int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dbs[number]
	return ok
}

// DBNumbers 已建立的資料塊編號 (遞增)
func (m *Memory) DBNumbers() []int {
	m.mu.RLock()
	numbers := make([]int, 0, len(m.dbs))
	for n := range m.dbs {
		numbers = append(numbers, n)
	}
	m.mu.RUnlock()
	slices.Sort(numbers)
	return numbers
}

// Size 區域大小，未知區域或 DB 回傳錯誤
func (m *Memory) Size(area Area, db int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, err := m.areaLocked(area, db)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (m *Memory) areaLocked(area Area, db int) ([]byte, error) {
	switch area {
	case AreaInputs:
		return m.inputs, nil
	case AreaOutputs:
		return m.outputs, nil
	case AreaMerkers:
		return m.merkers, nil
	case AreaDB:
		if buf, ok := m.dbs[db]; ok {
			return buf, nil
		}
		return nil, returnCode(ReturnCodeObjectNotFound, "DB%d 不存在", db)
	default:
		return nil, returnCode(ReturnCodeObjectNotFound, "未知區域 %s", area)
	}
}

// ReadBytes 讀取位元組，超出範圍的部分補 0
func (m *Memory) ReadBytes(area Area, db, start, count int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf, err := m.areaLocked(area, db)
	if err != nil {
		return nil, err
	}
	out := make([]byte, count)
	if start >= 0 && start < len(buf) {
		copy(out, buf[start:])
	}
	return out, nil
}

// WriteBytes 寫入位元組，超出範圍的部分忽略
func (m *Memory) WriteBytes(area Area, db, start int, data []byte) error {
	m.mu.Lock()
	buf, err := m.areaLocked(area, db)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if start >= 0 && start < len(buf) {
		copy(buf[start:], data)
	}
	m.mu.Unlock()

	m.notify(area, db, start, len(data))
	return nil
}

// ReadBit 讀取單一位元
func (m *Memory) ReadBit(area Area, db, byteAddr, bit int) (bool, error) {
	b, err := m.ReadBytes(area, db, byteAddr, 1)
	if err != nil {
		return false, err
	}
	return b[0]&(1<<(bit&7)) != 0, nil
}

// WriteBit 寫入單一位元，只改動目標位元
func (m *Memory) WriteBit(area Area, db, byteAddr, bit int, value bool) error {
	m.mu.Lock()
	buf, err := m.areaLocked(area, db)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if byteAddr >= 0 && byteAddr < len(buf) {
		mask := byte(1) << (bit & 7)
		if value {
			buf[byteAddr] |= mask
		} else {
			buf[byteAddr] &^= mask
		}
	}
	m.mu.Unlock()

	m.notify(area, db, byteAddr, 1)
	return nil
}

// ReadWord 讀取 16 位元值
func (m *Memory) ReadWord(area Area, db, addr int) (uint16, error) {
	b, err := m.ReadBytes(area, db, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// WriteWord 寫入 16 位元值
func (m *Memory) WriteWord(area Area, db, addr int, v uint16) error {
	return m.WriteBytes(area, db, addr, binary.BigEndian.AppendUint16(nil, v))
}

// ReadDWord 讀取 32 位元值
func (m *Memory) ReadDWord(area Area, db, addr int) (uint32, error) {
	b, err := m.ReadBytes(area, db, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// WriteDWord 寫入 32 位元值
func (m *Memory) WriteDWord(area Area, db, addr int, v uint32) error {
	return m.WriteBytes(area, db, addr, binary.BigEndian.AppendUint32(nil, v))
}

// ReadReal 讀取 IEEE-754 單精度浮點數
func (m *Memory) ReadReal(area Area, db, addr int) (float32, error) {
	v, err := m.ReadDWord(area, db, addr)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// WriteReal 寫入 IEEE-754 單精度浮點數
func (m *Memory) WriteReal(area Area, db, addr int, v float32) error {
	return m.WriteDWord(area, db, addr, math.Float32bits(v))
}

// Reset 清除所有區域 (保留已建立的 DB)
func (m *Memory) Reset() {
	m.mu.Lock()
	clear(m.inputs)
	clear(m.outputs)
	clear(m.merkers)
	for _, buf := range m.dbs {
		clear(buf)
	}
	m.mu.Unlock()

	m.notify(AreaInputs, 0, 0, InputSize)
	m.notify(AreaOutputs, 0, 0, OutputSize)
	m.notify(AreaMerkers, 0, 0, MerkerSize)
	for _, n := range m.DBNumbers() {
		size, _ := m.Size(AreaDB, n)
		m.notify(AreaDB, n, 0, size)
	}
}

// ApplyReading 將電錶量測值以 Real 寫入 DB1
func (m *Memory) ApplyReading(r scenario.Reading) error {
	buf := make([]byte, 0, 24)
	for _, v := range []float64{r.Voltage, r.Current, r.Frequency, r.EnergyKWh, r.PowerFactor, r.PowerW} {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	}
	return m.WriteBytes(AreaDB, MeterDB, OffsetVoltage, buf)
}

func (m *Memory) notify(area Area, db, start, count int) {
	if m.sink == nil || count == 0 {
		return
	}
	name := area.String()
	if area == AreaDB {
		name = fmt.Sprintf("DB%d", db)
	}
	m.sink.ValueChanged(observer.ValueChange{
		Time:     time.Now(),
		Protocol: "s7",
		Area:     name,
		Address:  start,
		Count:    count,
	})
}
