package mc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrUnparseable 無法解析的訊框 (以通用裝置錯誤回應)
var ErrUnparseable = errors.New("無法解析的 MC 訊框")

// Route 路由欄位 (網路號、PC 號、模組 I/O、站號)
type Route struct {
	Network byte   `json:"network"`
	PC      byte   `json:"pc"`
	IO      uint16 `json:"io"`
	Station byte   `json:"station"`
}

// DefaultRoute 本站預設路由
var DefaultRoute = Route{Network: 0x00, PC: 0xFF, IO: 0x03FF, Station: 0x00}

// Request 3E 請求訊框
type Request struct {
	Format     Format
	Route      Route
	Timer      uint16
	Command    uint16
	SubCommand uint16
	Body       []byte // binary 位元組或 ASCII 字元
}

// Response 3E 回應訊框
type Response struct {
	Format  Format
	Route   Route
	EndCode uint16
	Data    []byte // 已依格式編碼
}

// DetectFormat 依前兩個位元組判斷格式
func DetectFormat(frame []byte) (Format, bool) {
	if len(frame) < 2 {
		return FormatBinary, false
	}
	switch {
	case frame[0] == 0x50 && frame[1] == 0x00:
		return FormatBinary, true
	case frame[0] == '5' && frame[1] == '0':
		return FormatASCII, true
	default:
		return FormatBinary, false
	}
}

// ReadFrame 從串流讀取一個完整訊框；無法辨識時取出目前緩衝的所有位元組
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(2)
	if err != nil {
		return nil, err
	}

	format, ok := DetectFormat(head)
	if !ok {
		return drain(r)
	}

	if format == FormatBinary {
		h, err := r.Peek(binaryHeaderLength)
		if err != nil {
			return nil, err
		}
		return readN(r, binaryHeaderLength+int(binary.LittleEndian.Uint16(h[7:9])))
	}

	h, err := r.Peek(asciiHeaderLength)
	if err != nil {
		return nil, err
	}
	dataLen, perr := strconv.ParseUint(string(h[14:18]), 16, 16)
	if perr != nil {
		return drain(r)
	}
	return readN(r, asciiHeaderLength+int(dataLen))
}

func readN(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func drain(r *bufio.Reader) ([]byte, error) {
	n := r.Buffered()
	if n == 0 {
		n = 1
	}
	return readN(r, n)
}

// DecodeRequest 解析請求。路由欄位可解析時，即使回傳錯誤也會回傳 Request 供錯誤回應使用
func DecodeRequest(frame []byte) (*Request, error) {
	format, ok := DetectFormat(frame)
	if !ok {
		return nil, fmt.Errorf("%w: 未知的子標頭", ErrUnparseable)
	}
	if format == FormatBinary {
		return decodeBinary(frame)
	}
	return decodeASCII(frame)
}

func decodeBinary(frame []byte) (*Request, error) {
	if len(frame) < binaryHeaderLength {
		return nil, fmt.Errorf("%w: 長度不足 (%d)", ErrUnparseable, len(frame))
	}
	req := &Request{
		Format: FormatBinary,
		Route: Route{
			Network: frame[2],
			PC:      frame[3],
			IO:      binary.LittleEndian.Uint16(frame[4:6]),
			Station: frame[6],
		},
	}
	dataLen := int(binary.LittleEndian.Uint16(frame[7:9]))
	if len(frame) < binaryMinLength || len(frame) != binaryHeaderLength+dataLen {
		return req, endCode(EndCodeDataLength, "資料長度 %d 與訊框長度 %d 不符", dataLen, len(frame))
	}
	req.Timer = binary.LittleEndian.Uint16(frame[9:11])
	req.Command = binary.LittleEndian.Uint16(frame[11:13])
	req.SubCommand = binary.LittleEndian.Uint16(frame[13:15])
	req.Body = frame[binaryMinLength:]
	return req, nil
}

func decodeASCII(frame []byte) (*Request, error) {
	if len(frame) < asciiHeaderLength {
		return nil, fmt.Errorf("%w: 長度不足 (%d)", ErrUnparseable, len(frame))
	}
	s := string(frame)
	var fields [5]uint64
	for i, span := range [][2]int{{4, 6}, {6, 8}, {8, 12}, {12, 14}, {14, 18}} {
		v, err := strconv.ParseUint(s[span[0]:span[1]], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: 標頭欄位無效", ErrUnparseable)
		}
		fields[i] = v
	}
	if s[0:4] != SubheaderASCIIRequest {
		return nil, fmt.Errorf("%w: 子標頭 %q", ErrUnparseable, s[0:4])
	}

	req := &Request{
		Format: FormatASCII,
		Route: Route{
			Network: byte(fields[0]),
			PC:      byte(fields[1]),
			IO:      uint16(fields[2]),
			Station: byte(fields[3]),
		},
	}
	dataLen := int(fields[4])
	if len(frame) < asciiMinLength || len(frame) != asciiHeaderLength+dataLen {
		return req, endCode(EndCodeDataLength, "資料長度 %d 與訊框長度 %d 不符", dataLen, len(frame))
	}

	var cmd [3]uint64
	for i, span := range [][2]int{{18, 22}, {22, 26}, {26, 30}} {
		v, err := strconv.ParseUint(s[span[0]:span[1]], 16, 16)
		if err != nil {
			return req, endCode(EndCodeDataLength, "命令欄位無效")
		}
		cmd[i] = v
	}
	req.Timer = uint16(cmd[0])
	req.Command = uint16(cmd[1])
	req.SubCommand = uint16(cmd[2])
	req.Body = frame[asciiMinLength:]
	return req, nil
}

// Encode 編碼請求 (供測試與用戶端工具使用)
func (req *Request) Encode() []byte {
	if req.Format == FormatASCII {
		dataLen := 12 + len(req.Body)
		head := fmt.Sprintf("%s%02X%02X%04X%02X%04X%04X%04X%04X",
			SubheaderASCIIRequest, req.Route.Network, req.Route.PC, req.Route.IO, req.Route.Station,
			dataLen, req.Timer, req.Command, req.SubCommand)
		return append([]byte(head), req.Body...)
	}

	buf := make([]byte, binaryMinLength, binaryMinLength+len(req.Body))
	binary.BigEndian.PutUint16(buf[0:2], SubheaderBinaryRequest)
	buf[2] = req.Route.Network
	buf[3] = req.Route.PC
	binary.LittleEndian.PutUint16(buf[4:6], req.Route.IO)
	buf[6] = req.Route.Station
	binary.LittleEndian.PutUint16(buf[7:9], uint16(6+len(req.Body)))
	binary.LittleEndian.PutUint16(buf[9:11], req.Timer)
	binary.LittleEndian.PutUint16(buf[11:13], req.Command)
	binary.LittleEndian.PutUint16(buf[13:15], req.SubCommand)
	return append(buf, req.Body...)
}

// NewResponse 依請求的格式與路由建立回應
func NewResponse(req *Request, code uint16, data []byte) *Response {
	return &Response{Format: req.Format, Route: req.Route, EndCode: code, Data: data}
}

// Encode 編碼回應
func (resp *Response) Encode() []byte {
	if resp.Format == FormatASCII {
		head := fmt.Sprintf("%s%02X%02X%04X%02X%04X%04X",
			SubheaderASCIIResponse, resp.Route.Network, resp.Route.PC, resp.Route.IO, resp.Route.Station,
			4+len(resp.Data), resp.EndCode)
		return append([]byte(head), resp.Data...)
	}

	buf := make([]byte, 11, 11+len(resp.Data))
	binary.BigEndian.PutUint16(buf[0:2], SubheaderBinaryResponse)
	buf[2] = resp.Route.Network
	buf[3] = resp.Route.PC
	binary.LittleEndian.PutUint16(buf[4:6], resp.Route.IO)
	buf[6] = resp.Route.Station
	binary.LittleEndian.PutUint16(buf[7:9], uint16(2+len(resp.Data)))
	binary.LittleEndian.PutUint16(buf[9:11], resp.EndCode)
	return append(buf, resp.Data...)
}

// bodyReader 依格式讀取請求內容，錯誤會保留到最後再檢查
type bodyReader struct {
	format Format
	buf    []byte
	pos    int
	err    error
}

func newBodyReader(req *Request) *bodyReader {
	return &bodyReader{format: req.Format, buf: req.Body}
}

func (b *bodyReader) next(n int) []byte {
	if b.err != nil {
		return nil
	}
	if b.pos+n > len(b.buf) {
		b.err = endCode(EndCodeDataLength, "內容長度不足: 需要 %d，剩餘 %d", n, len(b.buf)-b.pos)
		return nil
	}
	out := b.buf[b.pos : b.pos+n]
	b.pos += n
	return out
}

func (b *bodyReader) hex(n int) uint64 {
	s := b.next(n)
	if s == nil {
		return 0
	}
	v, err := strconv.ParseUint(string(s), 16, 64)
	if err != nil {
		b.err = endCode(EndCodeDataLength, "無效的 16 進位字串 %q", s)
		return 0
	}
	return v
}

func (b *bodyReader) uint(n int) uint64 {
	if b.format == FormatASCII {
		return b.hex(n * 2)
	}
	raw := b.next(n)
	var v uint64
	for i := len(raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v
}

// device 讀取裝置與位址；未知裝置回傳 ok=false
func (b *bodyReader) device() (dev Device, addr int, ok bool) {
	if b.format == FormatBinary {
		raw := b.next(4)
		if raw == nil {
			return 0, 0, false
		}
		addr = int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16
		dev = Device(raw[3])
		return dev, addr, dev.Valid()
	}

	code := b.next(2)
	digits := b.next(6)
	if code == nil || digits == nil {
		return 0, 0, false
	}
	dev, ok = ParseDevice(string(code))
	if !ok {
		return 0, 0, false
	}
	base := 10
	if devices[dev].octal {
		base = 8
	}
	v, err := strconv.ParseUint(string(digits), base, 32)
	if err != nil {
		b.err = endCode(EndCodeAddress, "無效的位址 %q", digits)
		return 0, 0, false
	}
	return dev, int(v), true
}

// count 點數 (binary 2 位元組 / ASCII 4 字元)
func (b *bodyReader) count() int {
	return int(b.uint(2))
}

// byteCount 隨機存取點數 (binary 1 位元組 / ASCII 2 字元)
func (b *bodyReader) byteCount() int {
	return int(b.uint(1))
}

func (b *bodyReader) word() uint16 {
	return uint16(b.uint(2))
}

func (b *bodyReader) dword() uint32 {
	return uint32(b.uint(4))
}

// bits 讀取 n 點位元 (binary 每位元組兩點，高半位元組在前 / ASCII 每點一字元)
func (b *bodyReader) bits(n int) []bool {
	out := make([]bool, n)
	if b.format == FormatASCII {
		raw := b.next(n)
		for i := range raw {
			out[i] = raw[i] == '1'
		}
		return out
	}
	raw := b.next((n + 1) / 2)
	for i := 0; i < n && raw != nil; i++ {
		if i%2 == 0 {
			out[i] = raw[i/2]&0x10 != 0
		} else {
			out[i] = raw[i/2]&0x01 != 0
		}
	}
	return out
}

// bitValue 隨機位元寫入的單點值
func (b *bodyReader) bitValue() bool {
	return b.uint(1) != 0
}

// bodyWriter 依格式編碼回應資料
type bodyWriter struct {
	format Format
	buf    []byte
}

func (w *bodyWriter) words(values []uint16) {
	for _, v := range values {
		if w.format == FormatASCII {
			w.buf = fmt.Appendf(w.buf, "%04X", v)
		} else {
			w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
		}
	}
}

func (w *bodyWriter) dword(v uint32) {
	if w.format == FormatASCII {
		w.buf = fmt.Appendf(w.buf, "%08X", v)
	} else {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	}
}

func (w *bodyWriter) bits(values []bool) {
	if w.format == FormatASCII {
		for _, v := range values {
			if v {
				w.buf = append(w.buf, '1')
			} else {
				w.buf = append(w.buf, '0')
			}
		}
		return
	}
	packed := make([]byte, (len(values)+1)/2)
	for i, v := range values {
		if !v {
			continue
		}
		if i%2 == 0 {
			packed[i/2] |= 0x10
		} else {
			packed[i/2] |= 0x01
		}
	}
	w.buf = append(w.buf, packed...)
}
