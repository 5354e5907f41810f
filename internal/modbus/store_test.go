package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/scenario"
)

func TestStore_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		area   Area
		start  int
		values []uint16
	}{
		{"coils", AreaCoils, 10, []uint16{1, 0, 1, 1}},
		{"discrete", AreaDiscreteInputs, 15, []uint16{1, 1}},
		{"input", AreaInputRegisters, 0, []uint16{0x1234, 0xABCD}},
		{"holding at end", AreaHoldingRegisters, DefaultAreaSize - 2, []uint16{7, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(DefaultAreaSize)
			require.NoError(t, s.Write(tt.area, tt.start, tt.values))
			got, err := s.Read(tt.area, tt.start, len(tt.values))
			require.NoError(t, err)
			assert.Equal(t, tt.values, got)
		})
	}
}

func TestStore_OutOfRangeDoesNotMutate(t *testing.T) {
	s := NewStore(100)
	require.NoError(t, s.WriteRegisters(AreaHoldingRegisters, 98, []uint16{1, 2}))

	err := s.WriteRegisters(AreaHoldingRegisters, 98, []uint16{9, 9, 9})
	assert.ErrorIs(t, err, ErrAddressOutOfRange)

	got, err := s.ReadRegisters(AreaHoldingRegisters, 98, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, got, "被拒絕的寫入不應改動資料")

	_, err = s.ReadBits(AreaCoils, 99, 2)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)
	_, err = s.ReadRegisters(AreaInputRegisters, -1, 1)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)
}

func TestStore_BitIsolation(t *testing.T) {
	s := NewStore(DefaultAreaSize)

	require.NoError(t, s.WriteBits(AreaCoils, 17, []bool{true}))
	bits, err := s.ReadBits(AreaCoils, 16, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, bits)

	require.NoError(t, s.WriteBits(AreaCoils, 16, []bool{true}))
	require.NoError(t, s.WriteBits(AreaCoils, 17, []bool{false}))
	bits, _ = s.ReadBits(AreaCoils, 15, 4)
	assert.Equal(t, []bool{false, true, false, false}, bits, "相鄰位元不應被改動")

	// 跨越 word 邊界
	require.NoError(t, s.WriteBits(AreaCoils, 14, []bool{true, true, true, true}))
	bits, _ = s.ReadBits(AreaCoils, 13, 6)
	assert.Equal(t, []bool{false, true, true, true, true, false}, bits)
}

func TestStore_MaskWriteAndReadWrite(t *testing.T) {
	s := NewStore(DefaultAreaSize)
	require.NoError(t, s.WriteRegisters(AreaHoldingRegisters, 4, []uint16{0x0012}))

	// Modbus 規格範例: 0x12 AND 0xF2 OR (0x25 AND NOT 0xF2) = 0x17
	require.NoError(t, s.MaskWriteRegister(4, 0x00F2, 0x0025))
	got, _ := s.ReadRegisters(AreaHoldingRegisters, 4, 1)
	assert.Equal(t, uint16(0x0017), got[0])

	regs, err := s.ReadWriteRegisters(4, 3, 5, []uint16{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0017, 0xAA, 0xBB}, regs, "應先寫入再讀取")
}

func TestStore_ValueSinkAndReset(t *testing.T) {
	rec := &observer.Recorder{}
	s := NewStore(32, WithValueSink(rec))

	require.NoError(t, s.WriteRegisters(AreaHoldingRegisters, 3, []uint16{1, 2}))
	values := rec.Values()
	require.Len(t, values, 1)
	assert.Equal(t, "modbus", values[0].Protocol)
	assert.Equal(t, "HoldingRegister", values[0].Area)
	assert.Equal(t, 3, values[0].Address)
	assert.Equal(t, 2, values[0].Count)

	s.Reset()
	got, _ := s.ReadRegisters(AreaHoldingRegisters, 3, 2)
	assert.Equal(t, []uint16{0, 0}, got)
}

func TestPackBits(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, true, true, true, true}
	packed := PackBits(bits)
	assert.Equal(t, []byte{0xCD, 0x03}, packed)
	assert.Equal(t, bits, UnpackBits(packed, len(bits)))
}

func TestRegistersToBytes(t *testing.T) {
	assert.Equal(t, []byte{0x12, 0x34, 0x00, 0x01}, RegistersToBytes([]uint16{0x1234, 1}))
	assert.Equal(t, []uint16{0x1234, 1}, BytesToRegisters([]byte{0x12, 0x34, 0x00, 0x01}))
}

func TestDataType_RegisterCount(t *testing.T) {
	tests := []struct {
		dt       DataType
		expected int
	}{
		{DataTypeUint16, 1},
		{DataTypeInt16, 1},
		{DataTypeUint32, 2},
		{DataTypeInt32, 2},
		{DataTypeFloat32, 2},
	}
	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.dt.RegisterCount())
			parsed, ok := ParseDataType(tt.dt.String())
			assert.True(t, ok)
			assert.Equal(t, tt.dt, parsed)
		})
	}
}

func TestMeter_ScaledValues(t *testing.T) {
	store := NewStore(DefaultAreaSize)
	m := DefaultMeter(store)

	tests := []struct {
		addr     int
		expected float64
		delta    float64
	}{
		{AddrLineVoltage, 220.0, 0.1},
		{AddrLineCurrent, 15.5, 0.01},
		{AddrFrequency, 60.0, 0.01},
		{AddrTotalEnergy, 0, 0},
		{AddrPowerFactor, 0.95, 0.001},
		{AddrActivePower, 3300.0, 0.1},
	}
	for _, tt := range tests {
		v, err := m.GetScaledValue(tt.addr)
		require.NoError(t, err)
		assert.InDelta(t, tt.expected, v, tt.delta, "addr %d", tt.addr)
	}

	// 原始暫存器: 220.0V * 10 = 2200
	raw, _ := store.ReadRegisters(AreaHoldingRegisters, AddrLineVoltage, 1)
	assert.Equal(t, uint16(2200), raw[0])

	// 32 位元值高位 word 在前
	require.NoError(t, m.SetScaledValue(AddrActivePower, 10000))
	raw, _ = store.ReadRegisters(AreaHoldingRegisters, AddrActivePower, 2)
	assert.Equal(t, []uint16{0x0001, 0x86A0}, raw)

	m.DefineRegister(100, "Temp", DataTypeInt16, 10, "C")
	require.NoError(t, m.SetScaledValue(100, -12.5))
	v, err := m.GetScaledValue(100)
	require.NoError(t, err)
	assert.InDelta(t, -12.5, v, 0.01)

	m.DefineRegister(200, "Ratio", DataTypeFloat32, 1, "")
	require.NoError(t, m.SetScaledValue(200, 1.5))
	v, err = m.GetScaledValue(200)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	assert.Len(t, m.Definitions(), 8)
}

func TestMeter_ApplyReading(t *testing.T) {
	m := DefaultMeter(NewStore(DefaultAreaSize))
	require.NoError(t, m.ApplyReading(scenario.Reading{
		Voltage: 176, Current: 10, Frequency: 59.9, EnergyKWh: 12, PowerFactor: 0.9, PowerW: 1584,
	}))

	v, _ := m.GetScaledValue(AddrLineVoltage)
	assert.InDelta(t, 176.0, v, 0.1)
	e, _ := m.GetScaledValue(AddrTotalEnergy)
	assert.Equal(t, 12.0, e)
}
