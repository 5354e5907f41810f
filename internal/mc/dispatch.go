package mc

import "sync"

// HandlerFunc 命令處理函式，回傳已編碼的回應資料
type HandlerFunc func(mem *Memory, req *Request) ([]byte, error)

// Dispatcher 命令分派表
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint16]HandlerFunc
}

// NewDispatcher 建立分派表並註冊所有支援的命令
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[uint16]HandlerFunc)}
	d.Register(CommandBatchRead, handleBatchRead)
	d.Register(CommandBatchWrite, handleBatchWrite)
	d.Register(CommandRandomRead, handleRandomRead)
	d.Register(CommandRandomWrite, handleRandomWrite)
	return d
}

// Register 註冊 (或覆寫) 命令處理函式
func (d *Dispatcher) Register(command uint16, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[command] = h
}

// Dispatch 依命令處理請求
func (d *Dispatcher) Dispatch(mem *Memory, req *Request) ([]byte, error) {
	d.mu.RLock()
	h, ok := d.handlers[req.Command]
	d.mu.RUnlock()

	if !ok {
		return nil, endCode(EndCodeCommand, "不支援的命令 0x%04X", req.Command)
	}
	return h(mem, req)
}

func checkSubCommand(req *Request) (bit bool, err error) {
	switch req.SubCommand {
	case SubCommandWord:
		return false, nil
	case SubCommandBit:
		return true, nil
	default:
		return false, endCode(EndCodeCommand, "不支援的子命令 0x%04X", req.SubCommand)
	}
}

func checkPoints(bit bool, count int) error {
	limit := MaxWordPoints
	if bit {
		limit = MaxBitPoints
	}
	if count < 1 || count > limit {
		return endCode(EndCodePointCount, "點數 %d 超出範圍 (1-%d)", count, limit)
	}
	return nil
}

// batchHeader 解析批次讀寫共用的裝置、位址與點數
func batchHeader(req *Request) (br *bodyReader, dev Device, addr, count int, bit bool, err error) {
	if bit, err = checkSubCommand(req); err != nil {
		return
	}
	br = newBodyReader(req)
	dev, addr, ok := br.device()
	count = br.count()
	if br.err != nil {
		err = br.err
		return
	}
	if !ok {
		err = endCode(EndCodeDeviceError, "未知的裝置")
		return
	}
	if bit && !dev.IsBit() {
		err = endCode(EndCodeDeviceError, "%s 不是位元裝置", dev)
		return
	}
	err = checkPoints(bit, count)
	return
}

// handleBatchRead 批次讀取 (0401)
func handleBatchRead(mem *Memory, req *Request) ([]byte, error) {
	_, dev, addr, count, bit, err := batchHeader(req)
	if err != nil {
		return nil, err
	}

	w := &bodyWriter{format: req.Format}
	if bit {
		w.bits(mem.ReadBits(dev, addr, count))
	} else {
		w.words(mem.ReadWords(dev, addr, count))
	}
	return w.buf, nil
}

// handleBatchWrite 批次寫入 (1401)
func handleBatchWrite(mem *Memory, req *Request) ([]byte, error) {
	br, dev, addr, count, bit, err := batchHeader(req)
	if err != nil {
		return nil, err
	}

	if bit {
		values := br.bits(count)
		if br.err != nil {
			return nil, br.err
		}
		mem.WriteBits(dev, addr, values)
		return nil, nil
	}

	values := make([]uint16, count)
	for i := range values {
		values[i] = br.word()
	}
	if br.err != nil {
		return nil, br.err
	}
	mem.WriteWords(dev, addr, values)
	return nil, nil
}

type randomPoint struct {
	dev   Device
	addr  int
	value uint32
	kind  pointKind
}

type pointKind int

const (
	pointWord pointKind = iota
	pointDWord
	pointBit
)

// handleRandomRead 隨機讀取 (0403)，僅支援 word 存取
func handleRandomRead(mem *Memory, req *Request) ([]byte, error) {
	bit, err := checkSubCommand(req)
	if err != nil {
		return nil, err
	}
	if bit {
		return nil, endCode(EndCodeCommand, "隨機讀取不支援位元存取")
	}

	br := newBodyReader(req)
	wordCount := br.byteCount()
	dwordCount := br.byteCount()
	if br.err != nil {
		return nil, br.err
	}
	if wordCount+dwordCount < 1 || wordCount+dwordCount > 192 {
		return nil, endCode(EndCodePointCount, "隨機讀取點數 %d 超出範圍", wordCount+dwordCount)
	}

	points, err := readPoints(br, wordCount+dwordCount)
	if err != nil {
		return nil, err
	}

	w := &bodyWriter{format: req.Format}
	for i, p := range points {
		if i < wordCount {
			w.words(mem.ReadWords(p.dev, p.addr, 1))
		} else {
			w.dword(mem.ReadDWord(p.dev, p.addr))
		}
	}
	return w.buf, nil
}

func readPoints(br *bodyReader, n int) ([]randomPoint, error) {
	points := make([]randomPoint, n)
	unknown := false
	for i := range points {
		dev, addr, ok := br.device()
		if !ok {
			unknown = true
		}
		points[i] = randomPoint{dev: dev, addr: addr}
	}
	if br.err != nil {
		return nil, br.err
	}
	if unknown {
		return nil, endCode(EndCodeDeviceError, "未知的裝置")
	}
	return points, nil
}

// handleRandomWrite 隨機寫入 (1402)
//
// word 存取：先寫入 word 點，再寫入 dword 點 (低位 word 在前)。
// 位元存取：每點一個 ON/OFF 值。
// 所有點都解析成功後才會寫入。
func handleRandomWrite(mem *Memory, req *Request) ([]byte, error) {
	bit, err := checkSubCommand(req)
	if err != nil {
		return nil, err
	}

	br := newBodyReader(req)
	var points []randomPoint
	invalid := false
	add := func(p randomPoint, ok bool) {
		if !ok || (p.kind == pointBit && !p.dev.IsBit()) {
			invalid = true
		}
		points = append(points, p)
	}

	if bit {
		n := br.byteCount()
		if br.err == nil && (n < 1 || n > 188) {
			return nil, endCode(EndCodePointCount, "隨機寫入點數 %d 超出範圍", n)
		}
		for i := 0; i < n && br.err == nil; i++ {
			dev, addr, ok := br.device()
			p := randomPoint{dev: dev, addr: addr, kind: pointBit}
			if br.bitValue() {
				p.value = 1
			}
			add(p, ok)
		}
	} else {
		wordCount := br.byteCount()
		dwordCount := br.byteCount()
		if br.err == nil && (wordCount+dwordCount < 1 || wordCount+dwordCount > 160) {
			return nil, endCode(EndCodePointCount, "隨機寫入點數 %d 超出範圍", wordCount+dwordCount)
		}
		for i := 0; i < wordCount && br.err == nil; i++ {
			dev, addr, ok := br.device()
			add(randomPoint{dev: dev, addr: addr, value: uint32(br.word()), kind: pointWord}, ok)
		}
		for i := 0; i < dwordCount && br.err == nil; i++ {
			dev, addr, ok := br.device()
			add(randomPoint{dev: dev, addr: addr, value: br.dword(), kind: pointDWord}, ok)
		}
	}
	if br.err != nil {
		return nil, br.err
	}
	if invalid {
		return nil, endCode(EndCodeDeviceError, "未知的裝置或非位元裝置")
	}

	for _, p := range points {
		switch p.kind {
		case pointBit:
			mem.WriteBits(p.dev, p.addr, []bool{p.value != 0})
		case pointDWord:
			mem.WriteDWord(p.dev, p.addr, p.value)
		default:
			mem.WriteWords(p.dev, p.addr, []uint16{uint16(p.value)})
		}
	}
	return nil, nil
}
