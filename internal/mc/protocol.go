// Package mc 實作三菱 MC 協定 (3E 訊框) 的 PLC 模擬器
package mc

import (
	"fmt"
	"strings"
)

// 3E 訊框常數
const (
	SubheaderBinaryRequest  = 0x5000
	SubheaderBinaryResponse = 0xD000
	SubheaderASCIIRequest   = "5000"
	SubheaderASCIIResponse  = "D000"

	DefaultPort = 5000

	binaryHeaderLength = 9  // 到資料長度欄位為止
	asciiHeaderLength  = 18 // 到資料長度欄位為止
	binaryMinLength    = 15 // 含監視計時器、命令、子命令
	asciiMinLength     = 30

	MaxWordPoints = 960
	MaxBitPoints  = 7168
)

// 命令
const (
	CommandBatchRead   = 0x0401
	CommandBatchWrite  = 0x1401
	CommandRandomRead  = 0x0403
	CommandRandomWrite = 0x1402

	SubCommandWord = 0x0000
	SubCommandBit  = 0x0001
)

// 結束碼
const (
	EndCodeSuccess     = 0x0000
	EndCodeDataLength  = 0xC050
	EndCodePointCount  = 0xC051
	EndCodeDeviceError = 0xC059
	EndCodeAddress     = 0xC05B
	EndCodeCommand     = 0xC061
)

// EndCodeError 以結束碼回應的錯誤
type EndCodeError struct {
	Code    uint16
	Message string
}

func (e *EndCodeError) Error() string {
	return fmt.Sprintf("MC 結束碼 0x%04X: %s", e.Code, e.Message)
}

func endCode(code uint16, format string, args ...any) *EndCodeError {
	return &EndCodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Format 訊框格式
type Format int

const (
	FormatBinary Format = iota
	FormatASCII
)

func (f Format) String() string {
	if f == FormatASCII {
		return "ascii"
	}
	return "binary"
}

// Device 裝置 (以 binary 裝置碼表示)
type Device byte

const (
	DeviceD Device = 0xA8 // 資料暫存器
	DeviceW Device = 0xB4 // 連結暫存器
	DeviceR Device = 0xAF // 檔案暫存器
	DeviceM Device = 0x90 // 內部繼電器
	DeviceB Device = 0xA0 // 連結繼電器
	DeviceL Device = 0x92 // 鎖存繼電器
	DeviceX Device = 0x9C // 輸入
	DeviceY Device = 0x9D // 輸出
)

type deviceInfo struct {
	name  string
	bit   bool
	size  int
	octal bool // ASCII 位址為 8 進位
}

var devices = map[Device]deviceInfo{
	DeviceD: {name: "D", size: 65536},
	DeviceW: {name: "W", size: 65536},
	DeviceR: {name: "R", size: 65536},
	DeviceM: {name: "M", bit: true, size: 65536},
	DeviceB: {name: "B", bit: true, size: 65536},
	DeviceL: {name: "L", bit: true, size: 8192},
	DeviceX: {name: "X", bit: true, size: 4096, octal: true},
	DeviceY: {name: "Y", bit: true, size: 4096, octal: true},
}

// Devices 列出所有支援的裝置
func Devices() []Device {
	return []Device{DeviceD, DeviceW, DeviceR, DeviceM, DeviceB, DeviceL, DeviceX, DeviceY}
}

// Valid 是否為支援的裝置
func (d Device) Valid() bool {
	_, ok := devices[d]
	return ok
}

// IsBit 是否為位元裝置
func (d Device) IsBit() bool {
	return devices[d].bit
}

// Size 裝置點數
func (d Device) Size() int {
	return devices[d].size
}

func (d Device) String() string {
	if info, ok := devices[d]; ok {
		return info.name
	}
	return fmt.Sprintf("0x%02X", byte(d))
}

// ASCIICode 兩字元 ASCII 裝置碼 (例如 "D*")
func (d Device) ASCIICode() string {
	return d.String() + "*"
}

// ParseDevice 解析裝置名稱或 ASCII 裝置碼 ("D"、"D*"、"d")
func ParseDevice(s string) (Device, bool) {
	name := strings.ToUpper(strings.TrimRight(s, "*"))
	for code, info := range devices {
		if info.name == name {
			return code, true
		}
	}
	return 0, false
}
