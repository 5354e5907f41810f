package s7

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ConnState 單一連線協商的參數
type ConnState struct {
	Connected bool
	Rack      int
	Slot      int
	PDUSize   int
	MaxPDU    int
}

// HeaderError 以 S7 標頭錯誤類別/錯誤碼回應的錯誤
type HeaderError struct {
	Class   byte
	Code    byte
	Message string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("S7 錯誤 0x%02X/0x%02X: %s", e.Class, e.Code, e.Message)
}

func headerError(class, code byte, format string, args ...any) *HeaderError {
	return &HeaderError{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// HandlerFunc 功能處理函式，回傳回應的參數與資料區
type HandlerFunc func(mem *Memory, state *ConnState, job *Job) (param, data []byte, err error)

// Dispatcher 功能分派表
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[byte]HandlerFunc
}

// NewDispatcher 建立分派表並註冊所有支援的功能
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[byte]HandlerFunc)}
	d.Register(FunctionSetupComm, handleSetupComm)
	d.Register(FunctionReadVar, handleReadVar)
	d.Register(FunctionWriteVar, handleWriteVar)
	return d
}

// Register 註冊 (或覆寫) 功能處理函式
func (d *Dispatcher) Register(function byte, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[function] = h
}

// Dispatch 處理工作請求並產生 ack-data。非 HeaderError 的錯誤直接回傳
func (d *Dispatcher) Dispatch(mem *Memory, state *ConnState, job *Job) (*AckData, error) {
	fn := job.Function()
	d.mu.RLock()
	h, ok := d.handlers[fn]
	d.mu.RUnlock()

	ack := &AckData{PDURef: job.PDURef}
	if !ok {
		ack.ErrorClass = ErrorClassApplication
		ack.ErrorCode = ErrorCodeFunctionNotSupported
		ack.Param = []byte{fn}
		return ack, nil
	}

	param, data, err := h(mem, state, job)
	if err != nil {
		var he *HeaderError
		if !errors.As(err, &he) {
			return nil, err
		}
		ack.ErrorClass, ack.ErrorCode = he.Class, he.Code
		ack.Param = []byte{fn}
		return ack, nil
	}
	ack.Param, ack.Data = param, data
	return ack, nil
}

// handleSetupComm 通訊設定，協商 PDU 大小
func handleSetupComm(_ *Memory, state *ConnState, job *Job) ([]byte, []byte, error) {
	if len(job.Param) < setupCommParamSize {
		return nil, nil, headerError(ErrorClassService, 0x00, "通訊設定參數長度不足")
	}
	calling := binary.BigEndian.Uint16(job.Param[2:4])
	called := binary.BigEndian.Uint16(job.Param[4:6])
	requested := int(binary.BigEndian.Uint16(job.Param[6:8]))

	limit := state.MaxPDU
	if limit <= 0 {
		limit = MaxPDUSize
	}
	pdu := requested
	if pdu <= 0 {
		pdu = DefaultPDUSize
	}
	pdu = min(pdu, limit)
	state.PDUSize = pdu

	param := []byte{FunctionSetupComm, 0x00}
	param = binary.BigEndian.AppendUint16(param, calling)
	param = binary.BigEndian.AppendUint16(param, called)
	param = binary.BigEndian.AppendUint16(param, uint16(pdu))
	return param, nil, nil
}

// checkItem 驗證項目規格與區域範圍，回傳 0 表示可存取
func checkItem(mem *Memory, it itemSpec) byte {
	if it.code != 0 {
		return it.code
	}
	if it.Transport.ElementSize() == 0 {
		return ReturnCodeDataTypeNotSupported
	}
	if it.Transport == TransportBit && it.Count != 1 {
		return ReturnCodeDataTypeNotSupported
	}
	size, err := mem.Size(it.Area, it.DB)
	if err != nil {
		var rc *ReturnCodeError
		if errors.As(err, &rc) {
			return rc.Code
		}
		return ReturnCodeObjectNotFound
	}
	if it.Count < 1 || it.ByteAddress() >= size {
		return ReturnCodeAddressOutOfRange
	}
	return 0
}

// ackDataHeaderSize ack-data 標頭 (含錯誤類別/錯誤碼)
const ackDataHeaderSize = 12

// handleReadVar 讀取變數，回應超過協商的 PDU 大小時整筆拒絕
func handleReadVar(mem *Memory, state *ConnState, job *Job) ([]byte, []byte, error) {
	items, err := decodeItems(job.Param)
	if err != nil {
		return nil, nil, headerError(ErrorClassService, 0x00, "讀取參數無效: %v", err)
	}

	var data []byte
	for i, it := range items {
		if code := checkItem(mem, it); code != 0 {
			data = append(data, code, 0x00, 0x00, 0x00)
			continue
		}

		var (
			value     []byte
			transport byte = DataTransportByte
			bits      int
		)
		if it.Transport == TransportBit {
			on, err := mem.ReadBit(it.Area, it.DB, it.ByteAddress(), it.Bit())
			if err != nil {
				return nil, nil, err
			}
			value = []byte{0x00}
			if on {
				value[0] = 0x01
			}
			transport, bits = DataTransportBit, 1
		} else {
			value, err = mem.ReadBytes(it.Area, it.DB, it.ByteAddress(), it.Size())
			if err != nil {
				return nil, nil, err
			}
			bits = len(value) * 8
		}

		data = append(data, ReturnCodeSuccess, transport, byte(bits>>8), byte(bits))
		data = append(data, value...)
		if len(value)%2 != 0 && i < len(items)-1 {
			data = append(data, 0x00)
		}
	}

	param := []byte{FunctionReadVar, byte(len(items))}
	limit := state.PDUSize
	if limit <= 0 {
		limit = DefaultPDUSize
	}
	if size := ackDataHeaderSize + len(param) + len(data); size > limit {
		return nil, nil, headerError(ErrorClassPDUSize, 0x00, "回應 %d bytes 超過 PDU 大小 %d", size, limit)
	}
	return param, data, nil
}

// dataItemLength 依資料傳輸型別換算資料長度 (位元組)
func dataItemLength(transport byte, length int) int {
	switch transport {
	case DataTransportBit:
		return (length + 7) / 8
	case DataTransportReal, DataTransportOctetString:
		return length
	default:
		return length / 8
	}
}

// handleWriteVar 寫入變數，每個項目獨立回傳結果
func handleWriteVar(mem *Memory, _ *ConnState, job *Job) ([]byte, []byte, error) {
	items, err := decodeItems(job.Param)
	if err != nil {
		return nil, nil, headerError(ErrorClassService, 0x00, "寫入參數無效: %v", err)
	}

	results := make([]byte, 0, len(items))
	p := 0
	for i, it := range items {
		if p+4 > len(job.Data) {
			return nil, nil, headerError(ErrorClassService, 0x00, "寫入資料項目 %d 長度不足", i)
		}
		transport := job.Data[p+1]
		n := dataItemLength(transport, int(binary.BigEndian.Uint16(job.Data[p+2:p+4])))
		p += 4
		if p+n > len(job.Data) {
			return nil, nil, headerError(ErrorClassService, 0x00, "寫入資料項目 %d 長度不足", i)
		}
		value := job.Data[p : p+n]
		p += n
		if n%2 != 0 && i < len(items)-1 {
			p++
		}

		if code := checkItem(mem, it); code != 0 {
			results = append(results, code)
			continue
		}
		if len(value) != it.Size() {
			results = append(results, ReturnCodeDataSizeMismatch)
			continue
		}

		if it.Transport == TransportBit {
			err = mem.WriteBit(it.Area, it.DB, it.ByteAddress(), it.Bit(), value[0]&0x01 != 0)
		} else {
			err = mem.WriteBytes(it.Area, it.DB, it.ByteAddress(), value)
		}
		if err != nil {
			return nil, nil, err
		}
		results = append(results, ReturnCodeSuccess)
	}
	return []byte{FunctionWriteVar, byte(len(items))}, results, nil
}
