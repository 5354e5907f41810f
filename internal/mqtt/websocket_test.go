package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readWSPacket(t *testing.T, ws *websocket.Conn) Packet {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	p, err := Decode(data)
	require.NoError(t, err)
	return p
}

func TestBroker_WebSocket(t *testing.T) {
	b := startBroker(t)
	require.NoError(t, b.StartWebSocket(context.Background(), "127.0.0.1:0"))
	assert.Error(t, b.StartWebSocket(context.Background(), "127.0.0.1:0"))

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: 2 * time.Second}
	ws, resp, err := dialer.Dial("ws://"+b.WebSocketAddr().String()+WebSocketPath, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "mqtt", resp.Header.Get("Sec-WebSocket-Protocol"))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage,
		(&ConnectPacket{ClientID: "browser", CleanSession: true, KeepAlive: 30}).Encode()))
	ack := readWSPacket(t, ws).(*ConnackPacket)
	assert.Equal(t, byte(ConnAccepted), ack.ReturnCode)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage,
		(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{Filter: "meter/#", QoS: 0}}}).Encode()))
	suback := readWSPacket(t, ws).(*SubackPacket)
	assert.Equal(t, []byte{0x00}, suback.ReturnCodes)

	// TCP 用戶端發佈，WebSocket 用戶端收到
	tcp := connectClient(t, b, "tcp", true)
	tcp.send(&PublishPacket{Topic: "meter/voltage", Payload: []byte("220.0")})

	got := readWSPacket(t, ws).(*PublishPacket)
	assert.Equal(t, "meter/voltage", got.Topic)
	assert.Equal(t, []byte("220.0"), got.Payload)

	assert.Len(t, b.WebSocketListener().Conns(), 1)
	assert.Len(t, b.Clients(), 2)

	require.NoError(t, b.Stop(context.Background()))
	assert.Nil(t, b.WebSocketAddr())
}

func TestBroker_WebSocketRejectsTextFrames(t *testing.T) {
	b := startBroker(t)
	require.NoError(t, b.StartWebSocket(context.Background(), "127.0.0.1:0"))

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+b.WebSocketAddr().String()+WebSocketPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestBroker_WebSocketConcurrentStartStop(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = b.StartWebSocket(ctx, "127.0.0.1:0")
		}()
		go func() {
			defer wg.Done()
			_ = b.WebSocketAddr()
			_ = b.WebSocketListener()
		}()
		go func() {
			defer wg.Done()
			_ = b.Stop(ctx)
		}()
	}
	wg.Wait()

	require.NoError(t, b.Stop(ctx))
	assert.Nil(t, b.WebSocketAddr())
	assert.Nil(t, b.WebSocketListener())
}
