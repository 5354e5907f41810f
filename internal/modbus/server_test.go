package modbus

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protocol-simulator/internal/observer"
	"protocol-simulator/internal/server"
)

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := NewServer(opts...)
	require.NoError(t, s.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func dialServer(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", s.Listener().Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return nc, bufio.NewReader(nc)
}

func readADU(t *testing.T, nc net.Conn, r *bufio.Reader) []byte {
	t.Helper()
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 7)
	_, err := io.ReadFull(r, header)
	require.NoError(t, err)
	body := make([]byte, int(header[4])<<8|int(header[5])-1)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return append(header, body...)
}

func TestServer_ReadHoldingRegisters(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)

	// 讀取電壓 (位址 0，1 個暫存器)
	_, err := nc.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)

	resp := readADU(t, nc, r)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x08, 0x98}, resp, "220.0V * 10 = 0x0898")
}

func TestServer_ExceptionResponse(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)

	_, err := nc.Write([]byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x07, 0x03, 0x27, 0x10, 0x00, 0x01})
	require.NoError(t, err)

	resp := readADU(t, nc, r)
	assert.Equal(t, []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x03, 0x07, 0x83, 0x02}, resp)
}

func TestServer_NonModbusProtocolIgnored(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)

	// 協定識別碼 0x0001：不回應，但連線保留
	_, err := nc.Write([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	_, err = nc.Write([]byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x01, 0x00, 0x01})
	require.NoError(t, err)

	resp := readADU(t, nc, r)
	assert.Equal(t, []byte{0x00, 0x02}, resp[0:2], "下一筆請求應正常回應")
}

func TestServer_PipelinedRequests(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)

	// 兩筆請求放在同一個 TCP 區段
	req := []byte{
		0x00, 0x0A, 0x00, 0x00, 0x00, 0x06, 0x01, 0x05, 0x00, 0x0A, 0xFF, 0x00,
		0x00, 0x0B, 0x00, 0x00, 0x00, 0x06, 0x01, 0x01, 0x00, 0x0A, 0x00, 0x01,
	}
	_, err := nc.Write(req)
	require.NoError(t, err)

	first := readADU(t, nc, r)
	assert.Equal(t, req[0:12], first)

	second := readADU(t, nc, r)
	assert.Equal(t, []byte{0x00, 0x0B, 0x00, 0x00, 0x00, 0x04, 0x01, 0x01, 0x01, 0x01}, second)
}

func TestServer_MalformedLengthClosesConnection(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)

	_, err := nc.Write([]byte{0x00, 0x01, 0x00, 0x00, 0xFF, 0xFF, 0x01})
	require.NoError(t, err)
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_StrictUnitID(t *testing.T) {
	s := startServer(t, WithUnitID(5, true))
	nc, r := dialServer(t, s)

	_, err := nc.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	_, err = nc.Write([]byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x05, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)

	resp := readADU(t, nc, r)
	assert.Equal(t, []byte{0x00, 0x02}, resp[0:2], "Unit ID 不符的請求不應回應")
}

func TestServer_ConnectionDetailAndValueEvents(t *testing.T) {
	rec := &observer.Recorder{}
	store := NewStore(DefaultAreaSize, WithValueSink(rec))
	s := startServer(t, WithStore(store), WithListenerOptions(server.WithConnectionSink(rec)))
	nc, r := dialServer(t, s)

	_, err := nc.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x03, 0x06, 0x00, 0x64, 0x12, 0x34})
	require.NoError(t, err)
	readADU(t, nc, r)

	conns := s.Listener().Conns()
	require.Len(t, conns, 1)
	assert.Equal(t, "unit=3", conns[0].Detail())

	values := rec.Values()
	require.NotEmpty(t, values)
	last := values[len(values)-1]
	assert.Equal(t, "HoldingRegister", last.Area)
	assert.Equal(t, 100, last.Address)
}
