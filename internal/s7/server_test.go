package s7

import (
	"bufio"
	"context"
	"encoding/binary"
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

func roundTrip(t *testing.T, nc net.Conn, r *bufio.Reader, req []byte) []byte {
	t.Helper()
	_, err := nc.Write(req)
	require.NoError(t, err)
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))

	head := make([]byte, 4)
	_, err = io.ReadFull(r, head)
	require.NoError(t, err)
	body := make([]byte, int(binary.BigEndian.Uint16(head[2:4]))-4)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return append(head, body...)
}

func TestServer_Handshake(t *testing.T) {
	rec := &observer.Recorder{}
	s := startServer(t, WithMaxPDU(480), WithListenerOptions(server.WithConnectionSink(rec)))
	nc, r := dialServer(t, s)

	cc := roundTrip(t, nc, r, NewConnectionRequest(1, 3))
	require.Len(t, cc, 22)
	assert.Equal(t, byte(COTPConnectionConfirm), cc[5])

	param := []byte{FunctionSetupComm, 0x00, 0x00, 0x01, 0x00, 0x01, 0x03, 0xC0}
	resp := roundTrip(t, nc, r, EncodeJob(0x0100, param, nil))
	require.Len(t, resp, 27)
	assert.Equal(t, byte(MessageAckData), resp[8])
	assert.Equal(t, []byte{0x01, 0x00}, resp[11:13], "PDU 參考編號")
	assert.Equal(t, []byte{0x00, 0x00}, resp[17:19])
	assert.Equal(t, uint16(480), binary.BigEndian.Uint16(resp[25:27]))

	require.Eventually(t, func() bool {
		for _, c := range s.Listener().Conns() {
			if c.Detail() == "rack=1 slot=3 pdu=480" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestServer_ReadWriteDB(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)
	roundTrip(t, nc, r, NewConnectionRequest(0, 1))

	param, data := WriteVarRequest(
		[]Item{{Transport: TransportByte, Count: 4, DB: 1, Area: AreaDB, Address: 8 * 8}},
		[][]byte{{0x41, 0x20, 0x00, 0x00}},
	)
	resp := roundTrip(t, nc, r, EncodeJob(1, param, data))
	assert.Equal(t, byte(ReturnCodeSuccess), resp[21])

	v, err := s.Memory().ReadReal(AreaDB, 1, 8)
	require.NoError(t, err)
	assert.Equal(t, float32(10), v)

	resp = roundTrip(t, nc, r, EncodeJob(2, ReadVarParam(
		Item{Transport: TransportByte, Count: 4, DB: 1, Area: AreaDB, Address: 8 * 8},
	), nil))
	assert.Equal(t, []byte{0xFF, 0x04, 0x00, 0x20, 0x41, 0x20, 0x00, 0x00}, resp[21:])
}

func TestServer_DisconnectRequestClosesConnection(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)
	roundTrip(t, nc, r, NewConnectionRequest(0, 1))

	_, err := nc.Write([]byte{0x03, 0x00, 0x00, 0x0B, 0x06, 0x80, 0x00, 0x01, 0x00, 0x01, 0x00})
	require.NoError(t, err)

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_BadTPKTVersionClosesConnection(t *testing.T) {
	s := startServer(t)
	nc, r := dialServer(t, s)

	_, err := nc.Write([]byte{0x04, 0x00, 0x00, 0x07, 0x02, 0xF0, 0x80})
	require.NoError(t, err)

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}
