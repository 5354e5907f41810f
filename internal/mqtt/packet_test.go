package mqtt

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protocol-simulator/internal/server"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"sport/tennis/+", "sport/tennis/player1", true},
		{"sport/#", "sport/tennis/player1/ranking", true},
		{"sport/+", "sport/tennis/player1", false},
		{"#", "anything/at/all", true},
		{"sport/#", "sport", true},
		{"sport/tennis/#", "sport/tennis", true},
		{"+", "sport", true},
		{"+", "sport/tennis", false},
		{"+/+", "/finance", true},
		{"sport/+/player1", "sport/tennis/player1", true},
		{"sport/+/player1", "sport/tennis/player2", false},
		{"sport/tennis", "sport/tennis/player1", false},
		{"sport/tennis/player1", "sport/tennis", false},
		{"meter/voltage", "meter/voltage", true},
		{"sport/#/ranking", "sport/tennis/ranking", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.filter, tt.topic))
		})
	}
}

func TestValidFilter(t *testing.T) {
	tests := []struct {
		filter string
		want   bool
	}{
		{"sport/tennis/#", true},
		{"sport/+/player1", true},
		{"#", true},
		{"+", true},
		{"", false},
		{"sport/tennis#", false},
		{"sport/#/ranking", false},
		{"sport+", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidFilter(tt.filter), tt.filter)
	}

	assert.True(t, ValidTopic("meter/voltage"))
	assert.False(t, ValidTopic("meter/+"))
	assert.False(t, ValidTopic("meter/#"))
	assert.False(t, ValidTopic(""))
}

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{MaxRemainingLength, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, appendRemainingLength(nil, tt.n), "%d", tt.n)
	}
}

func TestReadFrame(t *testing.T) {
	pub := (&PublishPacket{Topic: "a/b", Payload: bytes.Repeat([]byte{0x55}, 200)}).Encode()
	ping := (&EmptyPacket{Kind: PINGREQ}).Encode()

	r := bufio.NewReader(bytes.NewReader(append(append([]byte(nil), pub...), ping...)))
	frame, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, pub, frame)

	frame, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00}, frame)

	r = bufio.NewReader(bytes.NewReader([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, server.ErrMalformed)
}

func TestDecode_Connect(t *testing.T) {
	in := &ConnectPacket{
		CleanSession: true,
		KeepAlive:    30,
		ClientID:     "meter-01",
		WillFlag:     true,
		WillQoS:      1,
		WillRetain:   true,
		WillTopic:    "status/meter-01",
		WillMessage:  []byte("offline"),
		UsernameFlag: true,
		Username:     "admin",
		PasswordFlag: true,
		Password:     []byte("secret"),
	}
	frame := in.Encode()
	assert.Equal(t, []byte{0x10}, frame[:1])
	assert.Equal(t, []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0xEE, 0x00, 0x1E}, frame[2:12])

	p, err := Decode(frame)
	require.NoError(t, err)
	out := p.(*ConnectPacket)
	assert.Equal(t, ProtocolName, out.ProtocolName)
	assert.Equal(t, byte(ProtocolLevel), out.ProtocolLevel)
	assert.Equal(t, "meter-01", out.ClientID)
	assert.Equal(t, uint16(30), out.KeepAlive)
	assert.Equal(t, "status/meter-01", out.WillTopic)
	assert.Equal(t, []byte("offline"), out.WillMessage)
	assert.Equal(t, byte(1), out.WillQoS)
	assert.True(t, out.WillRetain)
	assert.Equal(t, "admin", out.Username)
	assert.Equal(t, []byte("secret"), out.Password)
}

func TestDecode_ConnectUnsupportedLevel(t *testing.T) {
	frame := (&ConnectPacket{ProtocolLevel: 3, ClientID: "old"}).Encode()
	p, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(3), p.(*ConnectPacket).ProtocolLevel)
}

func TestDecode_Publish(t *testing.T) {
	frame := (&PublishPacket{QoS: 2, Retain: true, Dup: true, Topic: "meter/power", PacketID: 10, Payload: []byte("3300")}).Encode()
	assert.Equal(t, byte(0x3D), frame[0])

	p, err := Decode(frame)
	require.NoError(t, err)
	pub := p.(*PublishPacket)
	assert.Equal(t, byte(2), pub.QoS)
	assert.True(t, pub.Retain)
	assert.True(t, pub.Dup)
	assert.Equal(t, "meter/power", pub.Topic)
	assert.Equal(t, uint16(10), pub.PacketID)
	assert.Equal(t, []byte("3300"), pub.Payload)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"太短", []byte{0x30}},
		{"PUBLISH QoS 3", []byte{0x36, 0x05, 0x00, 0x01, 'a', 0x00, 0x01}},
		{"QoS 1 封包識別碼為 0", []byte{0x32, 0x05, 0x00, 0x01, 'a', 0x00, 0x00}},
		{"SUBSCRIBE 旗標錯誤", []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x00}},
		{"SUBSCRIBE 沒有項目", []byte{0x82, 0x02, 0x00, 0x01}},
		{"PINGREQ 旗標錯誤", []byte{0xC1, 0x00}},
		{"未知類型", []byte{0xF0, 0x00}},
		{"CONNECT 保留旗標", []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x03, 0x00, 0x0A, 0x00, 0x00}},
		{"字串超出長度", []byte{0x30, 0x03, 0x00, 0x09, 'a'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestAckPacket_Encode(t *testing.T) {
	assert.Equal(t, []byte{0x40, 0x02, 0x01, 0x02}, (&AckPacket{Kind: PUBACK, PacketID: 0x0102}).Encode())
	assert.Equal(t, []byte{0x50, 0x02, 0x00, 0x07}, (&AckPacket{Kind: PUBREC, PacketID: 7}).Encode())
	assert.Equal(t, []byte{0x62, 0x02, 0x00, 0x07}, (&AckPacket{Kind: PUBREL, PacketID: 7}).Encode())
	assert.Equal(t, []byte{0x70, 0x02, 0x00, 0x07}, (&AckPacket{Kind: PUBCOMP, PacketID: 7}).Encode())
	assert.Equal(t, []byte{0x20, 0x02, 0x01, 0x00}, (&ConnackPacket{SessionPresent: true}).Encode())
	assert.Equal(t, []byte{0x90, 0x04, 0x00, 0x05, 0x01, 0x80}, (&SubackPacket{PacketID: 5, ReturnCodes: []byte{0x01, 0x80}}).Encode())
}
