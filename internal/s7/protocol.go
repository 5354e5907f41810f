// Package s7 實作西門子 S7 通訊 (TPKT / COTP / S7) 的 PLC 模擬器
package s7

import "fmt"

// TPKT / COTP 常數
const (
	TPKTVersion      = 0x03
	tpktHeaderLength = 4
	MaxFrameLength   = 65535

	COTPConnectionRequest = 0xE0
	COTPConnectionConfirm = 0xD0
	COTPDisconnectRequest = 0x80
	COTPData              = 0xF0
	cotpLastDataUnit      = 0x80

	cotpParamTPDUSize = 0xC0
	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2

	DefaultPort = 102
	DefaultRack = 0
	DefaultSlot = 1
)

// S7 標頭常數
const (
	ProtocolID = 0x32

	MessageJob     = 0x01
	MessageAck     = 0x02
	MessageAckData = 0x03
	MessageUser    = 0x07

	jobHeaderLength     = 10
	ackDataHeaderLength = 12
)

// 功能碼
const (
	FunctionReadVar    = 0x04
	FunctionWriteVar   = 0x05
	FunctionSetupComm  = 0xF0
	DefaultPDUSize     = 480
	MaxPDUSize         = 960
	itemSpecLength     = 12
	itemSpecType       = 0x12
	itemSyntaxS7Any    = 0x10
	setupCommParamSize = 8
)

// 錯誤類別
const (
	ErrorClassNone        = 0x00
	ErrorClassApplication = 0x81
	ErrorClassService     = 0x84
	ErrorClassPDUSize     = 0x85

	ErrorCodeFunctionNotSupported = 0x04
)

// Area 記憶體區域代碼
type Area byte

const (
	AreaInputs  Area = 0x81 // I
	AreaOutputs Area = 0x82 // Q
	AreaMerkers Area = 0x83 // M
	AreaDB      Area = 0x84 // DB
)

func (a Area) String() string {
	switch a {
	case AreaInputs:
		return "I"
	case AreaOutputs:
		return "Q"
	case AreaMerkers:
		return "M"
	case AreaDB:
		return "DB"
	default:
		return fmt.Sprintf("0x%02X", byte(a))
	}
}

// ParseArea 解析區域名稱 (I、Q、M、DB)
func ParseArea(s string) (Area, bool) {
	switch s {
	case "I", "i", "E", "e":
		return AreaInputs, true
	case "Q", "q", "A", "a":
		return AreaOutputs, true
	case "M", "m":
		return AreaMerkers, true
	case "DB", "db":
		return AreaDB, true
	default:
		return 0, false
	}
}

// TransportSize 請求項目的資料型別
type TransportSize byte

const (
	TransportBit   TransportSize = 0x01
	TransportByte  TransportSize = 0x02
	TransportChar  TransportSize = 0x03
	TransportWord  TransportSize = 0x04
	TransportInt   TransportSize = 0x05
	TransportDWord TransportSize = 0x06
	TransportDInt  TransportSize = 0x07
	TransportReal  TransportSize = 0x08
)

// ElementSize 每個元素的位元組數，不支援的型別回傳 0
func (t TransportSize) ElementSize() int {
	switch t {
	case TransportBit, TransportByte, TransportChar:
		return 1
	case TransportWord, TransportInt:
		return 2
	case TransportDWord, TransportDInt, TransportReal:
		return 4
	default:
		return 0
	}
}

// 回應資料項目的傳輸型別
const (
	DataTransportBit         = 0x03
	DataTransportByte        = 0x04
	DataTransportInt         = 0x05
	DataTransportReal        = 0x07
	DataTransportOctetString = 0x09
)

// 項目回傳碼
const (
	ReturnCodeReserved             = 0x00
	ReturnCodeHardwareFault        = 0x01
	ReturnCodeAccessDenied         = 0x03
	ReturnCodeAddressOutOfRange    = 0x05
	ReturnCodeDataTypeNotSupported = 0x06
	ReturnCodeDataSizeMismatch     = 0x07
	ReturnCodeObjectNotFound       = 0x0A
	ReturnCodeSuccess              = 0xFF
)

// ReturnCodeError 以項目回傳碼回應的錯誤
type ReturnCodeError struct {
	Code    byte
	Message string
}

func (e *ReturnCodeError) Error() string {
	return fmt.Sprintf("S7 回傳碼 0x%02X: %s", e.Code, e.Message)
}

func returnCode(code byte, format string, args ...any) *ReturnCodeError {
	return &ReturnCodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}
