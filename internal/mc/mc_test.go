package mc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/scenario"
)

func binaryRequest(cmd, sub uint16, body ...byte) *Request {
	return &Request{Format: FormatBinary, Route: DefaultRoute, Timer: 0x0010, Command: cmd, SubCommand: sub, Body: body}
}

func asciiRequest(cmd, sub uint16, body string) *Request {
	return &Request{Format: FormatASCII, Route: DefaultRoute, Timer: 0x0010, Command: cmd, SubCommand: sub, Body: []byte(body)}
}

func TestDecodeRequest_Binary(t *testing.T) {
	frame := []byte{0x50, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00, 0x0C, 0x00, 0x10, 0x00, 0x01, 0x04, 0x00, 0x00, 0x0A, 0x00, 0x00, 0xA8, 0x05, 0x00}

	req, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, req.Format)
	assert.Equal(t, DefaultRoute, req.Route)
	assert.Equal(t, uint16(0x0010), req.Timer)
	assert.Equal(t, uint16(CommandBatchRead), req.Command)
	assert.Equal(t, uint16(SubCommandWord), req.SubCommand)
	assert.Equal(t, []byte{0x0A, 0x00, 0x00, 0xA8, 0x05, 0x00}, req.Body)
	assert.Equal(t, frame, req.Encode())
}

func TestDecodeRequest_ASCII(t *testing.T) {
	frame := []byte("500000FF03FF000018001004010000D*0000100005")

	req, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, FormatASCII, req.Format)
	assert.Equal(t, DefaultRoute, req.Route)
	assert.Equal(t, uint16(CommandBatchRead), req.Command)
	assert.Equal(t, "D*0000100005", string(req.Body))
	assert.Equal(t, frame, req.Encode())
}

func TestDecodeRequest_Errors(t *testing.T) {
	tests := []struct {
		name      string
		frame     []byte
		wantRoute bool
	}{
		{"unknown subheader", []byte{0xAB, 0xCD, 0x00}, false},
		{"too short", []byte{0x50, 0x00, 0x00}, false},
		{"length mismatch", []byte{0x50, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00, 0x0C, 0x00, 0x10, 0x00, 0x01, 0x04, 0x00, 0x00}, true},
		{"ascii bad header", []byte("50ZZ00FF03FF000018"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest(tt.frame)
			require.Error(t, err)
			assert.Equal(t, tt.wantRoute, req != nil)
		})
	}
}

func TestResponse_Encode(t *testing.T) {
	req := binaryRequest(CommandBatchRead, SubCommandWord)
	resp := NewResponse(req, EndCodeSuccess, []byte{0x01, 0x00})
	assert.Equal(t, []byte{0xD0, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00, 0x04, 0x00, 0x00, 0x00, 0x01, 0x00}, resp.Encode())

	errResp := NewResponse(req, EndCodeDeviceError, nil)
	assert.Equal(t, []byte{0xD0, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00, 0x02, 0x00, 0x59, 0xC0}, errResp.Encode())

	areq := asciiRequest(CommandBatchRead, SubCommandWord, "")
	aresp := NewResponse(areq, EndCodeSuccess, []byte("0001"))
	assert.Equal(t, "D00000FF03FF00000800000001", string(aresp.Encode()))
}

func TestReadFrame_Pipelined(t *testing.T) {
	first := binaryRequest(CommandBatchRead, SubCommandWord, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00).Encode()
	second := asciiRequest(CommandBatchRead, SubCommandWord, "D*0000000001").Encode()
	garbage := []byte{0xAB, 0xCD, 0xEF}

	r := bufio.NewReader(bytes.NewReader(append(append(append([]byte{}, first...), second...), garbage...)))

	f1, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, first, f1)

	f2, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, second, f2)

	f3, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, garbage, f3, "無法辨識的位元組應整批取出")
}

func TestMemory_ClampAndBits(t *testing.T) {
	m := NewMemory()

	m.WriteWords(DeviceD, 65535, []uint16{1, 2, 3})
	assert.Equal(t, []uint16{1, 0, 0}, m.ReadWords(DeviceD, 65535, 3), "超出範圍的寫入忽略、讀取補 0")

	m.WriteBits(DeviceX, 4095, []bool{true, true})
	assert.Equal(t, []bool{true, false}, m.ReadBits(DeviceX, 4095, 2))

	m.WriteBits(DeviceM, 17, []bool{true})
	assert.Equal(t, []bool{false, true, false}, m.ReadBits(DeviceM, 16, 3))
	m.WriteBits(DeviceM, 16, []bool{true})
	m.WriteBits(DeviceM, 17, []bool{false})
	assert.Equal(t, []bool{true, false, false}, m.ReadBits(DeviceM, 16, 3), "相鄰位元不應被改動")

	// 位元裝置的 word 存取
	assert.Equal(t, []uint16{0x0001}, m.ReadWords(DeviceM, 16, 1))
	m.WriteWords(DeviceB, 32, []uint16{0x8001})
	assert.Equal(t, []bool{true, false}, m.ReadBits(DeviceB, 32, 2))
	assert.True(t, m.ReadBits(DeviceB, 47, 1)[0])

	m.WriteDWord(DeviceD, 100, 0x12345678)
	assert.Equal(t, []uint16{0x5678, 0x1234}, m.ReadWords(DeviceD, 100, 2))
	assert.Equal(t, uint32(0x12345678), m.ReadDWord(DeviceD, 100))

	m.Reset()
	assert.Equal(t, []uint16{0, 0}, m.ReadWords(DeviceD, 100, 2))
}

func TestMemory_GenericAndSink(t *testing.T) {
	rec := &observer.Recorder{}
	m := NewMemory(WithValueSink(rec))

	require.NoError(t, m.Write(DeviceW, 5, []uint16{7}))
	got, err := m.Read(DeviceW, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, got)

	_, err = m.Read(Device(0x01), 0, 1)
	assert.Error(t, err)

	values := rec.Values()
	require.Len(t, values, 1)
	assert.Equal(t, "mc", values[0].Protocol)
	assert.Equal(t, "W", values[0].Area)
}

func TestMemory_ApplyReading(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.ApplyReading(scenario.DefaultReading()))
	assert.Equal(t, []uint16{2200, 1550, 6000, 0, 0, 950, 33000, 0}, m.ReadWords(DeviceD, 0, 8))
}

func TestParseDevice(t *testing.T) {
	for _, dev := range Devices() {
		parsed, ok := ParseDevice(dev.ASCIICode())
		require.True(t, ok, dev.String())
		assert.Equal(t, dev, parsed)
	}
	_, ok := ParseDevice("Z*")
	assert.False(t, ok)
}

func TestDispatch_BatchReadWrite(t *testing.T) {
	d := NewDispatcher()
	m := NewMemory()
	m.WriteWords(DeviceD, 10, []uint16{1, 2, 3, 4, 5})

	// D10 起 5 點
	data, err := d.Dispatch(m, binaryRequest(CommandBatchRead, SubCommandWord, 0x0A, 0x00, 0x00, 0xA8, 0x05, 0x00))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x05, 0x00}, data)

	data, err = d.Dispatch(m, asciiRequest(CommandBatchRead, SubCommandWord, "D*0000100002"))
	require.NoError(t, err)
	assert.Equal(t, "00010002", string(data))

	// 批次寫入 W0 兩點
	_, err = d.Dispatch(m, binaryRequest(CommandBatchWrite, SubCommandWord, 0x00, 0x00, 0x00, 0xB4, 0x02, 0x00, 0x34, 0x12, 0xCD, 0xAB))
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234, 0xABCD}, m.ReadWords(DeviceW, 0, 2))

	_, err = d.Dispatch(m, asciiRequest(CommandBatchWrite, SubCommandWord, "R*0000050001BEEF"))
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xBEEF}, m.ReadWords(DeviceR, 5, 1))
}

func TestDispatch_BitAccess(t *testing.T) {
	d := NewDispatcher()
	m := NewMemory()

	// M100 起 3 點: ON OFF ON
	_, err := d.Dispatch(m, binaryRequest(CommandBatchWrite, SubCommandBit, 0x64, 0x00, 0x00, 0x90, 0x03, 0x00, 0x10, 0x10))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, m.ReadBits(DeviceM, 100, 3))

	data, err := d.Dispatch(m, binaryRequest(CommandBatchRead, SubCommandBit, 0x64, 0x00, 0x00, 0x90, 0x03, 0x00))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x10}, data)

	data, err = d.Dispatch(m, asciiRequest(CommandBatchRead, SubCommandBit, "M*0001000003"))
	require.NoError(t, err)
	assert.Equal(t, "101", string(data))

	// ASCII 的 X 位址為 8 進位: X20 = 16
	_, err = d.Dispatch(m, asciiRequest(CommandBatchWrite, SubCommandBit, "X*0000200002"+"11"))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, m.ReadBits(DeviceX, 16, 2))
}

func TestDispatch_RandomReadWrite(t *testing.T) {
	d := NewDispatcher()
	m := NewMemory()

	// word 1 點 (D200=0x1234)、dword 1 點 (D300=0x12345678)
	_, err := d.Dispatch(m, binaryRequest(CommandRandomWrite, SubCommandWord,
		0x01, 0x01,
		0xC8, 0x00, 0x00, 0xA8, 0x34, 0x12,
		0x2C, 0x01, 0x00, 0xA8, 0x78, 0x56, 0x34, 0x12,
	))
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234}, m.ReadWords(DeviceD, 200, 1))
	assert.Equal(t, []uint16{0x5678, 0x1234}, m.ReadWords(DeviceD, 300, 2))

	m.WriteBits(DeviceM, 16, []bool{true})
	data, err := d.Dispatch(m, binaryRequest(CommandRandomRead, SubCommandWord,
		0x02, 0x01,
		0xC8, 0x00, 0x00, 0xA8,
		0x10, 0x00, 0x00, 0x90,
		0x2C, 0x01, 0x00, 0xA8,
	))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x34, 0x12, 0x01, 0x00, 0x78, 0x56, 0x34, 0x12}, data)

	data, err = d.Dispatch(m, asciiRequest(CommandRandomRead, SubCommandWord, "0100D*000200"))
	require.NoError(t, err)
	assert.Equal(t, "1234", string(data))

	// 位元隨機寫入: Y7 ON
	_, err = d.Dispatch(m, binaryRequest(CommandRandomWrite, SubCommandBit, 0x01, 0x07, 0x00, 0x00, 0x9D, 0x01))
	require.NoError(t, err)
	assert.True(t, m.ReadBits(DeviceY, 7, 1)[0])
}

func TestDispatch_EndCodes(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		code uint16
	}{
		{"unknown command", binaryRequest(0x0619, SubCommandWord), EndCodeCommand},
		{"unknown sub command", binaryRequest(CommandBatchRead, 0x0080, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00), EndCodeCommand},
		{"unknown device", binaryRequest(CommandBatchRead, SubCommandWord, 0x00, 0x00, 0x00, 0x01, 0x01, 0x00), EndCodeDeviceError},
		{"bit access to word device", binaryRequest(CommandBatchRead, SubCommandBit, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00), EndCodeDeviceError},
		{"zero points", binaryRequest(CommandBatchRead, SubCommandWord, 0x00, 0x00, 0x00, 0xA8, 0x00, 0x00), EndCodePointCount},
		{"too many points", binaryRequest(CommandBatchRead, SubCommandWord, 0x00, 0x00, 0x00, 0xA8, 0xC1, 0x03), EndCodePointCount},
		{"short body", binaryRequest(CommandBatchRead, SubCommandWord, 0x00, 0x00), EndCodeDataLength},
		{"short write data", binaryRequest(CommandBatchWrite, SubCommandWord, 0x00, 0x00, 0x00, 0xA8, 0x02, 0x00, 0x01, 0x00), EndCodeDataLength},
		{"ascii bad address", asciiRequest(CommandBatchRead, SubCommandWord, "X*0000990001"), EndCodeAddress},
		{"random read bit access", binaryRequest(CommandRandomRead, SubCommandBit, 0x01, 0x00, 0x00, 0x00, 0x00, 0x90), EndCodeCommand},
		{"random write unknown device", binaryRequest(CommandRandomWrite, SubCommandWord, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x01, 0x00), EndCodeDeviceError},
	}

	d := NewDispatcher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(NewMemory(), tt.req)
			var ec *EndCodeError
			require.ErrorAs(t, err, &ec)
			assert.Equal(t, tt.code, ec.Code)
		})
	}
}

func TestDispatch_RejectedRandomWriteDoesNotMutate(t *testing.T) {
	d := NewDispatcher()
	m := NewMemory()

	_, err := d.Dispatch(m, binaryRequest(CommandRandomWrite, SubCommandWord,
		0x02, 0x00,
		0x00, 0x00, 0x00, 0xA8, 0x01, 0x00,
		0x00, 0x00, 0x00, 0x01, 0x02, 0x00,
	))
	require.Error(t, err)
	assert.Equal(t, []uint16{0}, m.ReadWords(DeviceD, 0, 1))
}

func startServer(t *testing.T) (*Server, net.Conn, *bufio.Reader) {
	t.Helper()
	s := NewServer()
	require.NoError(t, s.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	nc, err := net.Dial("tcp", s.Listener().Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return s, nc, bufio.NewReader(nc)
}

func exchange(t *testing.T, nc net.Conn, r *bufio.Reader, req []byte, n int) []byte {
	t.Helper()
	_, err := nc.Write(req)
	require.NoError(t, err)
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func TestServer_BinaryBatchRead(t *testing.T) {
	s, nc, r := startServer(t)
	s.Memory().WriteWords(DeviceD, 10, []uint16{0x0011, 0x0022, 0x0033, 0x0044, 0x0055})

	req := []byte{0x50, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00, 0x0C, 0x00, 0x10, 0x00, 0x01, 0x04, 0x00, 0x00, 0x0A, 0x00, 0x00, 0xA8, 0x05, 0x00}
	resp := exchange(t, nc, r, req, 21)
	assert.Equal(t, []byte{
		0xD0, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00, 0x0C, 0x00, 0x00, 0x00,
		0x11, 0x00, 0x22, 0x00, 0x33, 0x00, 0x44, 0x00, 0x55, 0x00,
	}, resp)
}

func TestServer_ASCIIBatchRead(t *testing.T) {
	s, nc, r := startServer(t)
	s.Memory().WriteWords(DeviceD, 10, []uint16{0x1234, 0x00FF})

	req := []byte("500000FF03FF000018001004010000D*0000100002")
	resp := exchange(t, nc, r, req, 30)
	assert.Equal(t, "D00000FF03FF00000C0000123400FF", string(resp))
}

func TestServer_UnknownSubheaderGetsGenericError(t *testing.T) {
	_, nc, r := startServer(t)

	resp := exchange(t, nc, r, []byte{0xAB, 0xCD, 0x01, 0x02}, 11)
	assert.Equal(t, []byte{0xD0, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00, 0x02, 0x00, 0x59, 0xC0}, resp)

	// 連線保留
	req := binaryRequest(CommandBatchRead, SubCommandWord, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00).Encode()
	resp = exchange(t, nc, r, req, 13)
	assert.Equal(t, []byte{0x00, 0x00}, resp[9:11])
}
