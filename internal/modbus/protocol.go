// Package modbus 實作 Modbus TCP 從站模擬器
package modbus

// Modbus TCP 常數
const (
	MBAPHeaderLength = 7 // MBAP Header 長度
	MaxADULength     = 260
	DefaultPort      = 502
	ProtocolID       = 0

	// 單一線圈寫入值
	CoilOn  = 0xFF00
	CoilOff = 0x0000

	// 每次請求數量上限
	MaxCoilsPerRead          = 2000
	MaxRegistersPerRead      = 125
	MaxCoilsPerWrite         = 1968
	MaxRegistersPerWrite     = 123
	MaxRegistersPerReadWrite = 121

	// DefaultAreaSize 每個區域的預設容量
	DefaultAreaSize = 10000
)

// Area 資料區域
type Area int

const (
	AreaCoils Area = iota
	AreaDiscreteInputs
	AreaInputRegisters
	AreaHoldingRegisters
)

func (a Area) String() string {
	switch a {
	case AreaCoils:
		return "Coil"
	case AreaDiscreteInputs:
		return "DiscreteInput"
	case AreaInputRegisters:
		return "InputRegister"
	case AreaHoldingRegisters:
		return "HoldingRegister"
	default:
		return "Unknown"
	}
}

// IsBit 是否為位元區域
func (a Area) IsBit() bool {
	return a == AreaCoils || a == AreaDiscreteInputs
}

// ParseArea 解析區域名稱
func ParseArea(s string) (Area, bool) {
	switch s {
	case "coil", "coils", "Coil", "0x":
		return AreaCoils, true
	case "discrete", "discrete_inputs", "DiscreteInput", "1x":
		return AreaDiscreteInputs, true
	case "input", "input_registers", "InputRegister", "3x":
		return AreaInputRegisters, true
	case "holding", "holding_registers", "HoldingRegister", "4x":
		return AreaHoldingRegisters, true
	default:
		return 0, false
	}
}

// DataType 資料類型 (用於量測值映射)
type DataType int

const (
	DataTypeUint16 DataType = iota
	DataTypeInt16
	DataTypeUint32
	DataTypeInt32
	DataTypeFloat32
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeUint16:
		return "uint16"
	case DataTypeInt16:
		return "int16"
	case DataTypeUint32:
		return "uint32"
	case DataTypeInt32:
		return "int32"
	case DataTypeFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// ParseDataType 解析資料類型名稱
func ParseDataType(s string) (DataType, bool) {
	for _, dt := range []DataType{DataTypeUint16, DataTypeInt16, DataTypeUint32, DataTypeInt32, DataTypeFloat32} {
		if dt.String() == s {
			return dt, true
		}
	}
	return 0, false
}

// RegisterCount 返回該資料類型佔用的暫存器數量
func (dt DataType) RegisterCount() int {
	switch dt {
	case DataTypeUint32, DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}
