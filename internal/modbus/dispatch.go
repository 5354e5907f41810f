package modbus

import (
	"encoding/binary"
	"sync"

	"github.com/goburrow/modbus"
	"github.com/tbrandon/mbserver"
)

// HandlerFunc 功能碼處理函式，回傳 PDU 資料或例外
type HandlerFunc func(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception)

// Dispatcher 功能碼分派表
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint8]HandlerFunc
}

// NewDispatcher 建立分派表並註冊所有支援的功能碼
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[uint8]HandlerFunc)}
	d.Register(modbus.FuncCodeReadCoils, readBits(AreaCoils))
	d.Register(modbus.FuncCodeReadDiscreteInputs, readBits(AreaDiscreteInputs))
	d.Register(modbus.FuncCodeReadHoldingRegisters, readRegisters(AreaHoldingRegisters))
	d.Register(modbus.FuncCodeReadInputRegisters, readRegisters(AreaInputRegisters))
	d.Register(modbus.FuncCodeWriteSingleCoil, writeSingleCoil)
	d.Register(modbus.FuncCodeWriteSingleRegister, writeSingleRegister)
	d.Register(modbus.FuncCodeWriteMultipleCoils, writeMultipleCoils)
	d.Register(modbus.FuncCodeWriteMultipleRegisters, writeMultipleRegisters)
	d.Register(modbus.FuncCodeMaskWriteRegister, maskWriteRegister)
	d.Register(modbus.FuncCodeReadWriteMultipleRegisters, readWriteMultipleRegisters)
	return d
}

// Register 註冊 (或覆寫) 功能碼處理函式
func (d *Dispatcher) Register(code uint8, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[code] = h
}

// Codes 已註冊的功能碼
func (d *Dispatcher) Codes() []uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	codes := make([]uint8, 0, len(d.handlers))
	for code := range d.handlers {
		codes = append(codes, code)
	}
	return codes
}

// Dispatch 依功能碼處理請求，並把結果 (或例外) 寫回 frame
func (d *Dispatcher) Dispatch(store *Store, frame mbserver.Framer) {
	d.mu.RLock()
	h, ok := d.handlers[frame.GetFunction()]
	d.mu.RUnlock()

	if !ok {
		frame.SetException(&mbserver.IllegalFunction)
		return
	}

	data, exc := h(store, frame)
	if exc != nil && *exc != mbserver.Success {
		frame.SetException(exc)
		return
	}
	frame.SetData(data)
}

// addressAndCount 解析起始位址與數量
func addressAndCount(data []byte) (int, int) {
	return int(binary.BigEndian.Uint16(data[0:2])), int(binary.BigEndian.Uint16(data[2:4]))
}

// readBits FC 01/02
func readBits(area Area) HandlerFunc {
	return func(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return nil, &mbserver.IllegalDataValue
		}
		start, count := addressAndCount(data)
		if count < 1 || count > MaxCoilsPerRead {
			return nil, &mbserver.IllegalDataValue
		}
		bits, err := store.ReadBits(area, start, count)
		if err != nil {
			return nil, &mbserver.IllegalDataAddress
		}
		packed := PackBits(bits)
		return append([]byte{byte(len(packed))}, packed...), &mbserver.Success
	}
}

// readRegisters FC 03/04
func readRegisters(area Area) HandlerFunc {
	return func(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return nil, &mbserver.IllegalDataValue
		}
		start, count := addressAndCount(data)
		if count < 1 || count > MaxRegistersPerRead {
			return nil, &mbserver.IllegalDataValue
		}
		regs, err := store.ReadRegisters(area, start, count)
		if err != nil {
			return nil, &mbserver.IllegalDataAddress
		}
		return append([]byte{byte(count * 2)}, mbserver.Uint16ToBytes(regs)...), &mbserver.Success
	}
}

// writeSingleCoil FC 05
func writeSingleCoil(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}
	addr, value := addressAndCount(data)
	if !store.InRange(addr, 1) {
		return nil, &mbserver.IllegalDataAddress
	}
	if value != CoilOn && value != CoilOff {
		return nil, &mbserver.IllegalDataValue
	}
	if err := store.WriteBits(AreaCoils, addr, []bool{value == CoilOn}); err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return data[0:4], &mbserver.Success
}

// writeSingleRegister FC 06
func writeSingleRegister(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}
	addr, value := addressAndCount(data)
	if err := store.WriteRegisters(AreaHoldingRegisters, addr, []uint16{uint16(value)}); err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return data[0:4], &mbserver.Success
}

// writeMultipleCoils FC 15
func writeMultipleCoils(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 5 {
		return nil, &mbserver.IllegalDataValue
	}
	start, count := addressAndCount(data)
	byteCount := int(data[4])
	if count < 1 || count > MaxCoilsPerWrite || byteCount != (count+7)/8 || len(data)-5 < byteCount {
		return nil, &mbserver.IllegalDataValue
	}
	if !store.InRange(start, count) {
		return nil, &mbserver.IllegalDataAddress
	}
	if err := store.WriteBits(AreaCoils, start, UnpackBits(data[5:5+byteCount], count)); err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return data[0:4], &mbserver.Success
}

// writeMultipleRegisters FC 16
func writeMultipleRegisters(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 5 {
		return nil, &mbserver.IllegalDataValue
	}
	start, count := addressAndCount(data)
	byteCount := int(data[4])
	if count < 1 || count > MaxRegistersPerWrite || byteCount != count*2 || len(data)-5 < byteCount {
		return nil, &mbserver.IllegalDataValue
	}
	if err := store.WriteRegisters(AreaHoldingRegisters, start, BytesToRegisters(data[5:5+byteCount])); err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return data[0:4], &mbserver.Success
}

// maskWriteRegister FC 22
func maskWriteRegister(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 6 {
		return nil, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	andMask := binary.BigEndian.Uint16(data[2:4])
	orMask := binary.BigEndian.Uint16(data[4:6])
	if err := store.MaskWriteRegister(addr, andMask, orMask); err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return data[0:6], &mbserver.Success
}

// readWriteMultipleRegisters FC 23，先寫後讀
func readWriteMultipleRegisters(store *Store, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 9 {
		return nil, &mbserver.IllegalDataValue
	}
	readStart, readCount := addressAndCount(data[0:4])
	writeStart, writeCount := addressAndCount(data[4:8])
	byteCount := int(data[8])
	if readCount < 1 || readCount > MaxRegistersPerRead {
		return nil, &mbserver.IllegalDataValue
	}
	if writeCount < 1 || writeCount > MaxRegistersPerReadWrite || byteCount != writeCount*2 || len(data)-9 < byteCount {
		return nil, &mbserver.IllegalDataValue
	}
	regs, err := store.ReadWriteRegisters(readStart, readCount, writeStart, BytesToRegisters(data[9:9+byteCount]))
	if err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return append([]byte{byte(readCount * 2)}, mbserver.Uint16ToBytes(regs)...), &mbserver.Success
}
