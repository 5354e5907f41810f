//go:build integration

package mqtt

import (
	"context"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPahoClient(t *testing.T, broker, id string, clean bool) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(id).
		SetCleanSession(clean).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(false).
		SetConnectTimeout(5 * time.Second)
	c := paho.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	return c
}

func TestPahoIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	logger, _ := zap.NewDevelopment()
	b := NewBroker(WithLogger(logger))
	require.NoError(t, b.Start(context.Background(), "127.0.0.1:0"))
	require.NoError(t, b.StartWebSocket(context.Background(), "127.0.0.1:0"))
	defer b.Stop(context.Background())

	tcpURL := "tcp://" + b.Listener().Addr().String()

	t.Run("QoS", func(t *testing.T) {
		for _, qos := range []byte{0, 1, 2} {
			sub := newPahoClient(t, tcpURL, "paho-sub", true)
			received := make(chan paho.Message, 1)
			tok := sub.Subscribe("meter/#", qos, func(_ paho.Client, m paho.Message) {
				received <- m
			})
			require.True(t, tok.WaitTimeout(5*time.Second))
			require.NoError(t, tok.Error())

			pub := newPahoClient(t, tcpURL, "paho-pub", true)
			tok = pub.Publish("meter/power", qos, false, "3300")
			require.True(t, tok.WaitTimeout(5*time.Second))
			require.NoError(t, tok.Error())

			select {
			case m := <-received:
				assert.Equal(t, "meter/power", m.Topic())
				assert.Equal(t, "3300", string(m.Payload()))
				assert.Equal(t, qos, m.Qos())
			case <-time.After(5 * time.Second):
				t.Fatalf("QoS %d 訊息未送達", qos)
			}

			pub.Disconnect(100)
			sub.Disconnect(100)
		}
	})

	t.Run("Retained", func(t *testing.T) {
		require.NoError(t, b.Publish("meter/voltage", []byte("220.0"), 1, true))

		c := newPahoClient(t, tcpURL, "paho-retained", true)
		defer c.Disconnect(100)

		received := make(chan paho.Message, 1)
		tok := c.Subscribe("meter/voltage", 1, func(_ paho.Client, m paho.Message) {
			received <- m
		})
		require.True(t, tok.WaitTimeout(5*time.Second))

		select {
		case m := <-received:
			assert.True(t, m.Retained())
			assert.Equal(t, "220.0", string(m.Payload()))
		case <-time.After(5 * time.Second):
			t.Fatal("未收到保留訊息")
		}
	})

	t.Run("WebSocket", func(t *testing.T) {
		wsURL := "ws://" + b.WebSocketAddr().String() + WebSocketPath
		c := newPahoClient(t, wsURL, "paho-ws", true)
		defer c.Disconnect(100)

		received := make(chan paho.Message, 1)
		tok := c.Subscribe("alarm/+", 0, func(_ paho.Client, m paho.Message) {
			received <- m
		})
		require.True(t, tok.WaitTimeout(5*time.Second))
		require.NoError(t, b.Publish("alarm/overcurrent", []byte("1"), 0, false))

		select {
		case m := <-received:
			assert.Equal(t, "alarm/overcurrent", m.Topic())
		case <-time.After(5 * time.Second):
			t.Fatal("WebSocket 用戶端未收到訊息")
		}
	})
}
