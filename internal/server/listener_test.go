package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protocol-simulator/internal/observer"
)

// lineProtocol 以換行分隔的測試協定
type lineProtocol struct {
	mu     sync.Mutex
	closed int
}

func (p *lineProtocol) Name() string { return "line" }

func (p *lineProtocol) NewSession(c *Conn) Session {
	return &lineSession{proto: p}
}

type lineSession struct {
	proto *lineProtocol
}

func (s *lineSession) ReadFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

func (s *lineSession) Handle(frame []byte) ([]byte, error) {
	switch string(frame) {
	case "panic":
		panic("boom")
	case "fail":
		return nil, errors.New("internal")
	case "skip":
		return nil, ErrIgnored
	case "bye":
		return []byte("bye\n"), ErrClose
	case "garbage":
		return nil, ErrMalformed
	case "flood":
		return make([]byte, 32<<20), nil
	}
	return append([]byte("echo:"), append(frame, '\n')...), nil
}

func (s *lineSession) Fault(frame []byte, cause error) []byte {
	return []byte("fault\n")
}

func (s *lineSession) Close() {
	s.proto.mu.Lock()
	s.proto.closed++
	s.proto.mu.Unlock()
}

func startLine(t *testing.T, opts ...Option) (*Listener, *lineProtocol) {
	t.Helper()
	proto := &lineProtocol{}
	l := NewListener(proto, opts...)
	require.NoError(t, l.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l, proto
}

func dial(t *testing.T, l *Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return nc, bufio.NewReader(nc)
}

func roundTrip(t *testing.T, nc net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	_, err := nc.Write([]byte(line + "\n"))
	require.NoError(t, err)
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := r.ReadString('\n')
	require.NoError(t, err)
	return resp
}

func TestListener_EchoAndFaults(t *testing.T) {
	l, _ := startLine(t)
	nc, r := dial(t, l)

	assert.Equal(t, "echo:hello\n", roundTrip(t, nc, r, "hello"))
	assert.Equal(t, "fault\n", roundTrip(t, nc, r, "fail"), "內部錯誤應轉為通用失敗回應")
	assert.Equal(t, "fault\n", roundTrip(t, nc, r, "panic"), "panic 不應中斷連線")

	// 被忽略的訊框沒有回應，但連線仍可用
	_, err := nc.Write([]byte("skip\n"))
	require.NoError(t, err)
	assert.Equal(t, "echo:again\n", roundTrip(t, nc, r, "again"))

	stats := l.Stats()
	assert.Equal(t, "line", stats.Protocol)
	assert.Equal(t, "running", stats.State)
	assert.GreaterOrEqual(t, stats.RequestCount, uint64(5))
	assert.GreaterOrEqual(t, stats.ErrorCount, uint64(3))
}

func TestListener_CloseAfterReply(t *testing.T) {
	l, _ := startLine(t)
	nc, r := dial(t, l)

	assert.Equal(t, "bye\n", roundTrip(t, nc, r, "bye"))
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestListener_MalformedClosesOnlyThatConnection(t *testing.T) {
	l, _ := startLine(t)
	bad, badR := dial(t, l)
	good, goodR := dial(t, l)

	_, err := bad.Write([]byte("garbage\n"))
	require.NoError(t, err)
	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = badR.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "echo:still\n", roundTrip(t, good, goodR, "still"))
}

func TestListener_ConnectionEventsAndStop(t *testing.T) {
	rec := &observer.Recorder{}
	l, proto := startLine(t, WithConnectionSink(rec))
	nc, r := dial(t, l)
	roundTrip(t, nc, r, "x")

	require.Len(t, l.Conns(), 1)
	conn := l.Conns()[0]
	conn.SetDetail("rack=0 slot=1")
	assert.Equal(t, "rack=0 slot=1", conn.Info().Detail)

	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, StateStopped, l.State())

	events := rec.Connections()
	require.GreaterOrEqual(t, len(events), 3)
	assert.True(t, events[0].Connected)
	assert.Equal(t, "rack=0 slot=1", events[1].Detail)
	assert.False(t, events[len(events)-1].Connected)

	proto.mu.Lock()
	assert.Equal(t, 1, proto.closed, "Session.Close 應被呼叫")
	proto.mu.Unlock()
}

func TestListener_WriteTimeoutClosesStalledReader(t *testing.T) {
	l, _ := startLine(t, WithWriteTimeout(200*time.Millisecond))
	nc, r := dial(t, l)
	require.Equal(t, "echo:ready\n", roundTrip(t, nc, r, "ready"))

	// 送出大量回應後不再讀取
	_, err := nc.Write([]byte("flood\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(l.Conns()) == 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Less(t, l.Stats().BytesSent, uint64(32<<20))

	other, otherR := dial(t, l)
	assert.Equal(t, "echo:hi\n", roundTrip(t, other, otherR, "hi"))
}

func TestListener_MaxConnections(t *testing.T) {
	l, _ := startLine(t, WithMaxConnections(1))
	first, fr := dial(t, l)
	roundTrip(t, first, fr, "one")

	second, sr := dial(t, l)
	_, _ = second.Write([]byte("two\n"))
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := sr.ReadByte()
	assert.Error(t, err, "超過上限的連線應被關閉")
	assert.Equal(t, uint64(1), l.Stats().RejectedConns)
}

func TestListener_DoubleStart(t *testing.T) {
	l, _ := startLine(t)
	err := l.Start(context.Background(), "127.0.0.1:0")
	assert.Error(t, err)
}

func TestListener_ServePipe(t *testing.T) {
	l := NewListener(&lineProtocol{})
	require.NoError(t, l.Attach())
	defer l.Stop(context.Background())

	client, srv := net.Pipe()
	go l.Serve(srv)

	r := bufio.NewReader(client)
	_, err := client.Write([]byte("pipe\n"))
	require.NoError(t, err)
	resp, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:pipe\n", resp)
	_ = client.Close()
}

func TestFaults(t *testing.T) {
	f := &Faults{}
	assert.Zero(t, f.Delay())
	assert.False(t, f.Drop())

	f.SetJitter(true, 10*time.Millisecond, 20*time.Millisecond)
	for i := 0; i < 50; i++ {
		d := f.Delay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
	}

	f.SetPacketLoss(1)
	assert.True(t, f.Drop())

	f.Reset()
	assert.Zero(t, f.Delay())
	assert.False(t, f.Drop())
}

func TestIPRateLimiter(t *testing.T) {
	lim := NewIPRateLimiter(0.001, 2, time.Minute)
	defer lim.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234}
	other := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1234}

	assert.True(t, lim.Allow(addr))
	assert.True(t, lim.Allow(addr))
	assert.False(t, lim.Allow(addr), "超過 burst 應被拒絕")
	assert.True(t, lim.Allow(other), "不同 IP 應獨立計算")
}
