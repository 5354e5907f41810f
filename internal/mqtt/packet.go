// Package mqtt 實作 MQTT 3.1.1 broker 模擬器
package mqtt

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"protocol-simulator/internal/server"
)

// PacketType 控制封包類型
type PacketType byte

const (
	CONNECT     PacketType = 1
	CONNACK     PacketType = 2
	PUBLISH     PacketType = 3
	PUBACK      PacketType = 4
	PUBREC      PacketType = 5
	PUBREL      PacketType = 6
	PUBCOMP     PacketType = 7
	SUBSCRIBE   PacketType = 8
	SUBACK      PacketType = 9
	UNSUBSCRIBE PacketType = 10
	UNSUBACK    PacketType = 11
	PINGREQ     PacketType = 12
	PINGRESP    PacketType = 13
	DISCONNECT  PacketType = 14
)

var packetNames = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

// 協定常數
const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 4

	DefaultPort          = 1883
	DefaultWebSocketPort = 8083
	MaxRemainingLength   = 268435455
)

// CONNACK 回傳碼
const (
	ConnAccepted                 = 0x00
	ConnRefusedProtocolVersion   = 0x01
	ConnRefusedIdentifier        = 0x02
	ConnRefusedServerUnavailable = 0x03
	ConnRefusedBadCredentials    = 0x04
	ConnRefusedNotAuthorized     = 0x05

	SubackFailure = 0x80
)

// ErrProtocol 違反協定 (連線將被關閉)
var ErrProtocol = errors.New("MQTT 協定錯誤")

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", server.ErrMalformed, ErrProtocol, fmt.Sprintf(format, args...))
}

// ReadFrame 讀取一個完整控制封包 (固定標頭 + 剩餘長度)
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length, mult, headerLen := 0, 1, 0
	for i := 1; ; i++ {
		if i > 4 {
			return nil, protocolError("剩餘長度編碼超過 4 位元組")
		}
		b, err := r.Peek(i + 1)
		if err != nil {
			return nil, err
		}
		enc := b[i]
		length += int(enc&0x7F) * mult
		if enc&0x80 == 0 {
			headerLen = i + 1
			break
		}
		mult *= 128
	}

	frame := make([]byte, headerLen+length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// appendRemainingLength 附加變長剩餘長度
func appendRemainingLength(buf []byte, n int) []byte {
	for {
		enc := byte(n % 128)
		n /= 128
		if n > 0 {
			enc |= 0x80
		}
		buf = append(buf, enc)
		if n == 0 {
			return buf
		}
	}
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func packet(header byte, body []byte) []byte {
	out := appendRemainingLength([]byte{header}, len(body))
	return append(out, body...)
}

// reader 依序解析封包內容
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.buf) {
		r.err = protocolError("封包長度不足")
		return nil
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) readByte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readUint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) readBytes() []byte {
	n := int(r.readUint16())
	b := r.next(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) readString() string {
	return string(r.readBytes())
}

// Packet 控制封包
type Packet interface {
	Type() PacketType
	Encode() []byte
}

// Decode 解析完整控制封包
func Decode(frame []byte) (Packet, error) {
	if len(frame) < 2 {
		return nil, protocolError("封包長度不足")
	}
	typ := PacketType(frame[0] >> 4)
	flags := frame[0] & 0x0F

	headerLen := 1
	for headerLen < len(frame) && frame[headerLen]&0x80 != 0 {
		headerLen++
	}
	headerLen++
	if headerLen > len(frame) {
		return nil, protocolError("剩餘長度無效")
	}
	r := &reader{buf: frame[headerLen:]}

	switch typ {
	case PUBLISH:
		return decodePublish(flags, r)
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		if flags != 0x02 {
			return nil, protocolError("%s 固定標頭旗標無效: 0x%X", typ, flags)
		}
	default:
		if flags != 0 {
			return nil, protocolError("%s 固定標頭旗標無效: 0x%X", typ, flags)
		}
	}

	switch typ {
	case CONNECT:
		return decodeConnect(r)
	case CONNACK:
		p := &ConnackPacket{SessionPresent: r.readByte()&0x01 != 0, ReturnCode: r.readByte()}
		return p, r.err
	case PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK:
		p := &AckPacket{Kind: typ, PacketID: r.readUint16()}
		return p, r.err
	case SUBSCRIBE:
		return decodeSubscribe(r)
	case SUBACK:
		p := &SubackPacket{PacketID: r.readUint16()}
		p.ReturnCodes = append([]byte(nil), r.next(r.remaining())...)
		return p, r.err
	case UNSUBSCRIBE:
		return decodeUnsubscribe(r)
	case PINGREQ, PINGRESP, DISCONNECT:
		return &EmptyPacket{Kind: typ}, nil
	default:
		return nil, protocolError("未知的封包類型 %d", typ)
	}
}

// ConnectPacket CONNECT
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	CleanSession  bool
	KeepAlive     uint16
	ClientID      string

	WillFlag    bool
	WillQoS     byte
	WillRetain  bool
	WillTopic   string
	WillMessage []byte

	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte
}

func (p *ConnectPacket) Type() PacketType { return CONNECT }

func decodeConnect(r *reader) (*ConnectPacket, error) {
	p := &ConnectPacket{}
	p.ProtocolName = r.readString()
	p.ProtocolLevel = r.readByte()
	flags := r.readByte()
	p.KeepAlive = r.readUint16()
	if r.err != nil {
		return nil, r.err
	}
	if flags&0x01 != 0 {
		return nil, protocolError("CONNECT 保留旗標不為 0")
	}

	p.CleanSession = flags&0x02 != 0
	p.WillFlag = flags&0x04 != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&0x20 != 0
	p.PasswordFlag = flags&0x40 != 0
	p.UsernameFlag = flags&0x80 != 0

	if p.ProtocolName != ProtocolName || p.ProtocolLevel != ProtocolLevel {
		// 由呼叫端回覆 CONNACK 0x01
		return p, nil
	}
	if !p.WillFlag && (p.WillQoS != 0 || p.WillRetain) {
		return nil, protocolError("未設定遺囑卻指定遺囑 QoS/Retain")
	}
	if p.WillQoS > 2 {
		return nil, protocolError("遺囑 QoS 無效: %d", p.WillQoS)
	}

	p.ClientID = r.readString()
	if p.WillFlag {
		p.WillTopic = r.readString()
		p.WillMessage = r.readBytes()
	}
	if p.UsernameFlag {
		p.Username = r.readString()
	}
	if p.PasswordFlag {
		p.Password = r.readBytes()
	}
	return p, r.err
}

func (p *ConnectPacket) Encode() []byte {
	name := p.ProtocolName
	if name == "" {
		name = ProtocolName
	}
	level := p.ProtocolLevel
	if level == 0 {
		level = ProtocolLevel
	}

	var flags byte
	if p.CleanSession {
		flags |= 0x02
	}
	if p.WillFlag {
		flags |= 0x04 | p.WillQoS<<3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.UsernameFlag {
		flags |= 0x80
	}

	body := appendString(nil, name)
	body = append(body, level, flags)
	body = binary.BigEndian.AppendUint16(body, p.KeepAlive)
	body = appendString(body, p.ClientID)
	if p.WillFlag {
		body = appendString(body, p.WillTopic)
		body = appendBytes(body, p.WillMessage)
	}
	if p.UsernameFlag {
		body = appendString(body, p.Username)
	}
	if p.PasswordFlag {
		body = appendBytes(body, p.Password)
	}
	return packet(byte(CONNECT)<<4, body)
}

// ConnackPacket CONNACK
type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

func (p *ConnackPacket) Type() PacketType { return CONNACK }

func (p *ConnackPacket) Encode() []byte {
	var sp byte
	if p.SessionPresent {
		sp = 0x01
	}
	return []byte{byte(CONNACK) << 4, 0x02, sp, p.ReturnCode}
}

// PublishPacket PUBLISH
type PublishPacket struct {
	Dup      bool
	QoS      byte
	Retain   bool
	Topic    string
	PacketID uint16
	Payload  []byte
}

func (p *PublishPacket) Type() PacketType { return PUBLISH }

func decodePublish(flags byte, r *reader) (*PublishPacket, error) {
	p := &PublishPacket{
		Dup:    flags&0x08 != 0,
		QoS:    (flags >> 1) & 0x03,
		Retain: flags&0x01 != 0,
	}
	if p.QoS > 2 {
		return nil, protocolError("PUBLISH QoS 無效: %d", p.QoS)
	}
	p.Topic = r.readString()
	if p.QoS > 0 {
		p.PacketID = r.readUint16()
		if r.err == nil && p.PacketID == 0 {
			return nil, protocolError("QoS %d 的封包識別碼不可為 0", p.QoS)
		}
	}
	p.Payload = append([]byte(nil), r.next(r.remaining())...)
	return p, r.err
}

func (p *PublishPacket) Encode() []byte {
	header := byte(PUBLISH)<<4 | p.QoS<<1
	if p.Dup {
		header |= 0x08
	}
	if p.Retain {
		header |= 0x01
	}
	body := appendString(nil, p.Topic)
	if p.QoS > 0 {
		body = binary.BigEndian.AppendUint16(body, p.PacketID)
	}
	body = append(body, p.Payload...)
	return packet(header, body)
}

// AckPacket PUBACK / PUBREC / PUBREL / PUBCOMP / UNSUBACK
type AckPacket struct {
	Kind     PacketType
	PacketID uint16
}

func (p *AckPacket) Type() PacketType { return p.Kind }

func (p *AckPacket) Encode() []byte {
	header := byte(p.Kind) << 4
	if p.Kind == PUBREL {
		header |= 0x02
	}
	return []byte{header, 0x02, byte(p.PacketID >> 8), byte(p.PacketID)}
}

// Subscription 訂閱項目
type Subscription struct {
	Filter string
	QoS    byte
}

// SubscribePacket SUBSCRIBE
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (p *SubscribePacket) Type() PacketType { return SUBSCRIBE }

func decodeSubscribe(r *reader) (*SubscribePacket, error) {
	p := &SubscribePacket{PacketID: r.readUint16()}
	for r.err == nil && r.remaining() > 0 {
		filter := r.readString()
		opts := r.readByte()
		p.Subscriptions = append(p.Subscriptions, Subscription{Filter: filter, QoS: opts})
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(p.Subscriptions) == 0 {
		return nil, protocolError("SUBSCRIBE 沒有訂閱項目")
	}
	return p, nil
}

func (p *SubscribePacket) Encode() []byte {
	body := binary.BigEndian.AppendUint16(nil, p.PacketID)
	for _, s := range p.Subscriptions {
		body = appendString(body, s.Filter)
		body = append(body, s.QoS)
	}
	return packet(byte(SUBSCRIBE)<<4|0x02, body)
}

// SubackPacket SUBACK
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

func (p *SubackPacket) Type() PacketType { return SUBACK }

func (p *SubackPacket) Encode() []byte {
	body := binary.BigEndian.AppendUint16(nil, p.PacketID)
	body = append(body, p.ReturnCodes...)
	return packet(byte(SUBACK)<<4, body)
}

// UnsubscribePacket UNSUBSCRIBE
type UnsubscribePacket struct {
	PacketID uint16
	Filters  []string
}

func (p *UnsubscribePacket) Type() PacketType { return UNSUBSCRIBE }

func decodeUnsubscribe(r *reader) (*UnsubscribePacket, error) {
	p := &UnsubscribePacket{PacketID: r.readUint16()}
	for r.err == nil && r.remaining() > 0 {
		p.Filters = append(p.Filters, r.readString())
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(p.Filters) == 0 {
		return nil, protocolError("UNSUBSCRIBE 沒有主題")
	}
	return p, nil
}

func (p *UnsubscribePacket) Encode() []byte {
	body := binary.BigEndian.AppendUint16(nil, p.PacketID)
	for _, f := range p.Filters {
		body = appendString(body, f)
	}
	return packet(byte(UNSUBSCRIBE)<<4|0x02, body)
}

// EmptyPacket PINGREQ / PINGRESP / DISCONNECT
type EmptyPacket struct {
	Kind PacketType
}

func (p *EmptyPacket) Type() PacketType { return p.Kind }

func (p *EmptyPacket) Encode() []byte {
	return []byte{byte(p.Kind) << 4, 0x00}
}
