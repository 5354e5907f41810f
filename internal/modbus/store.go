package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"protocol-simulator/internal/observer"
)

// ErrAddressOutOfRange 位址超出區域容量
var ErrAddressOutOfRange = errors.New("位址超出範圍")

const packWidth = 16

// Store 線程安全的 Modbus 資料區
//
// 線圈與離散輸入以每 16 點打包成一個 word 儲存。
// 任何超出容量的存取都會在修改前被拒絕。
type Store struct {
	mu sync.RWMutex

	size     int
	coils    []uint16 // 0x
	discrete []uint16 // 1x
	input    []uint16 // 3x
	holding  []uint16 // 4x

	sink observer.ValueSink
}

// StoreOption Store 選項
type StoreOption func(*Store)

// WithValueSink 設定數值變更通知
func WithValueSink(sink observer.ValueSink) StoreOption {
	return func(s *Store) {
		s.sink = sink
	}
}

// NewStore 建立資料區，每個區域容量為 size
func NewStore(size int, opts ...StoreOption) *Store {
	if size <= 0 {
		size = DefaultAreaSize
	}
	words := (size + packWidth - 1) / packWidth
	s := &Store{
		size:     size,
		coils:    make([]uint16, words),
		discrete: make([]uint16, words),
		input:    make([]uint16, size),
		holding:  make([]uint16, size),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Size 區域容量
func (s *Store) Size() int {
	return s.size
}

// InRange 檢查 [start, start+count) 是否在容量內
func (s *Store) InRange(start, count int) bool {
	return start >= 0 && count >= 0 && start+count <= s.size
}

func (s *Store) checkRange(area Area, start, count int) error {
	if !s.InRange(start, count) {
		return fmt.Errorf("%w: %s %d-%d", ErrAddressOutOfRange, area, start, start+count-1)
	}
	return nil
}

func (s *Store) bitWords(area Area) []uint16 {
	if area == AreaDiscreteInputs {
		return s.discrete
	}
	return s.coils
}

func (s *Store) registers(area Area) []uint16 {
	if area == AreaInputRegisters {
		return s.input
	}
	return s.holding
}

// ReadBits 讀取線圈或離散輸入
func (s *Store) ReadBits(area Area, start, count int) ([]bool, error) {
	if !area.IsBit() {
		return nil, fmt.Errorf("%s 不是位元區域", area)
	}
	if err := s.checkRange(area, start, count); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	words := s.bitWords(area)
	result := make([]bool, count)
	for i := range result {
		addr := start + i
		result[i] = words[addr/packWidth]&(1<<(addr%packWidth)) != 0
	}
	return result, nil
}

// WriteBits 寫入線圈或離散輸入，只改動目標位元
func (s *Store) WriteBits(area Area, start int, values []bool) error {
	if !area.IsBit() {
		return fmt.Errorf("%s 不是位元區域", area)
	}
	if err := s.checkRange(area, start, len(values)); err != nil {
		return err
	}

	s.mu.Lock()
	words := s.bitWords(area)
	for i, v := range values {
		addr := start + i
		mask := uint16(1) << (addr % packWidth)
		if v {
			words[addr/packWidth] |= mask
		} else {
			words[addr/packWidth] &^= mask
		}
	}
	s.mu.Unlock()

	s.notify(area, start, len(values))
	return nil
}

// ReadRegisters 讀取輸入或保持暫存器
func (s *Store) ReadRegisters(area Area, start, count int) ([]uint16, error) {
	if area.IsBit() {
		return nil, fmt.Errorf("%s 不是暫存器區域", area)
	}
	if err := s.checkRange(area, start, count); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]uint16, count)
	copy(result, s.registers(area)[start:start+count])
	return result, nil
}

// WriteRegisters 寫入輸入或保持暫存器
func (s *Store) WriteRegisters(area Area, start int, values []uint16) error {
	if area.IsBit() {
		return fmt.Errorf("%s 不是暫存器區域", area)
	}
	if err := s.checkRange(area, start, len(values)); err != nil {
		return err
	}

	s.mu.Lock()
	copy(s.registers(area)[start:], values)
	s.mu.Unlock()

	s.notify(area, start, len(values))
	return nil
}

// MaskWriteRegister 以 (cur AND and) OR (or AND NOT and) 更新保持暫存器
func (s *Store) MaskWriteRegister(addr int, andMask, orMask uint16) error {
	if err := s.checkRange(AreaHoldingRegisters, addr, 1); err != nil {
		return err
	}

	s.mu.Lock()
	cur := s.holding[addr]
	s.holding[addr] = (cur & andMask) | (orMask &^ andMask)
	s.mu.Unlock()

	s.notify(AreaHoldingRegisters, addr, 1)
	return nil
}

// ReadWriteRegisters 先寫入再讀取，整段在同一個鎖內完成
func (s *Store) ReadWriteRegisters(readStart, readCount, writeStart int, values []uint16) ([]uint16, error) {
	if err := s.checkRange(AreaHoldingRegisters, writeStart, len(values)); err != nil {
		return nil, err
	}
	if err := s.checkRange(AreaHoldingRegisters, readStart, readCount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	copy(s.holding[writeStart:], values)
	result := make([]uint16, readCount)
	copy(result, s.holding[readStart:readStart+readCount])
	s.mu.Unlock()

	s.notify(AreaHoldingRegisters, writeStart, len(values))
	return result, nil
}

// Read 通用讀取，位元區域以 0/1 表示
func (s *Store) Read(area Area, start, count int) ([]uint16, error) {
	if !area.IsBit() {
		return s.ReadRegisters(area, start, count)
	}
	bits, err := s.ReadBits(area, start, count)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			out[i] = 1
		}
	}
	return out, nil
}

// Write 通用寫入，位元區域非零即為 ON
func (s *Store) Write(area Area, start int, values []uint16) error {
	if !area.IsBit() {
		return s.WriteRegisters(area, start, values)
	}
	bits := make([]bool, len(values))
	for i, v := range values {
		bits[i] = v != 0
	}
	return s.WriteBits(area, start, bits)
}

// Reset 清除所有區域
func (s *Store) Reset() {
	s.mu.Lock()
	clear(s.coils)
	clear(s.discrete)
	clear(s.input)
	clear(s.holding)
	s.mu.Unlock()

	for _, area := range []Area{AreaCoils, AreaDiscreteInputs, AreaInputRegisters, AreaHoldingRegisters} {
		s.notify(area, 0, s.size)
	}
}

func (s *Store) notify(area Area, start, count int) {
	if s.sink == nil || count == 0 {
		return
	}
	s.sink.ValueChanged(observer.ValueChange{
		Time:     time.Now(),
		Protocol: "modbus",
		Area:     area.String(),
		Address:  start,
		Count:    count,
	})
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	out := make([]byte, len(registers)*2)
	for i, reg := range registers {
		out[i*2] = byte(reg >> 8)
		out[i*2+1] = byte(reg)
	}
	return out
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return registers
}

// PackBits 將位元值打包為位元組 (LSB 優先)
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// UnpackBits 將位元組解包為 count 個位元值
func UnpackBits(data []byte, count int) []bool {
	bits := make([]bool, count)
	for i := 0; i < count && i/8 < len(data); i++ {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}
