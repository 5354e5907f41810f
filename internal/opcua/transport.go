package opcua

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"protocol-simulator/internal/server"
)

// 對稱安全標頭 (channel + token) 與序號標頭長度
const (
	symmetricHeaderLength = 8
	sequenceHeaderLength  = 8
	maxLifetime           = 3600000
)

// ReadFrame 讀取一個完整的 chunk (含 8 位元組標頭)
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(headerLength)
	if err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(head[4:8])
	if size < headerLength || size > MaxMessageSize {
		return nil, fmt.Errorf("%w: chunk 長度 %d", server.ErrMalformed, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Header chunk 標頭
type Header struct {
	MessageType string
	ChunkType   byte
	Size        uint32
}

// DecodeHeader 解析 chunk 標頭
func DecodeHeader(frame []byte) (Header, error) {
	if len(frame) < headerLength {
		return Header{}, fmt.Errorf("%w: chunk 長度不足", StatusBadDecodingError)
	}
	return Header{
		MessageType: string(frame[0:3]),
		ChunkType:   frame[3],
		Size:        binary.LittleEndian.Uint32(frame[4:8]),
	}, nil
}

// encodeChunk 組合標頭與內容，size 於內容完成後填入
func encodeChunk(msgType string, chunk byte, body []byte) []byte {
	out := make([]byte, headerLength, headerLength+len(body))
	copy(out, msgType)
	out[3] = chunk
	out = append(out, body...)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)))
	return out
}

// Hello HEL 訊息
type Hello struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

// DecodeHello 解析 HEL 內容 (標頭之後)
func DecodeHello(body []byte) (*Hello, error) {
	d := NewDecoder(body)
	h := &Hello{
		ProtocolVersion:   d.ReadUint32(),
		ReceiveBufferSize: d.ReadUint32(),
		SendBufferSize:    d.ReadUint32(),
		MaxMessageSize:    d.ReadUint32(),
		MaxChunkCount:     d.ReadUint32(),
		EndpointURL:       d.ReadString(),
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("HEL 解析失敗: %w", err)
	}
	return h, nil
}

// Encode 編碼為完整 HEL chunk
func (h *Hello) Encode() []byte {
	e := NewEncoder()
	e.Uint32(h.ProtocolVersion)
	e.Uint32(h.ReceiveBufferSize)
	e.Uint32(h.SendBufferSize)
	e.Uint32(h.MaxMessageSize)
	e.Uint32(h.MaxChunkCount)
	e.String(h.EndpointURL)
	return encodeChunk(MessageHello, ChunkFinal, e.Bytes())
}

// Acknowledge ACK 訊息 (伺服器觀點的緩衝區大小)
type Acknowledge struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// Negotiate 依 HEL 協商緩衝區，上限 65536，訊息上限 16 MiB
func Negotiate(h *Hello) *Acknowledge {
	return &Acknowledge{
		ProtocolVersion:   ProtocolVersion,
		ReceiveBufferSize: limit(h.SendBufferSize, MaxBufferSize),
		SendBufferSize:    limit(h.ReceiveBufferSize, MaxBufferSize),
		MaxMessageSize:    limit(h.MaxMessageSize, MaxMessageSize),
		MaxChunkCount:     0,
	}
}

// limit 0 表示無限制
func limit(v, max uint32) uint32 {
	if v == 0 || v > max {
		return max
	}
	return v
}

// Encode 編碼為完整 ACK chunk
func (a *Acknowledge) Encode() []byte {
	e := NewEncoder()
	e.Uint32(a.ProtocolVersion)
	e.Uint32(a.ReceiveBufferSize)
	e.Uint32(a.SendBufferSize)
	e.Uint32(a.MaxMessageSize)
	e.Uint32(a.MaxChunkCount)
	return encodeChunk(MessageAcknowledge, ChunkFinal, e.Bytes())
}

// DecodeAcknowledge 解析 ACK 內容 (標頭之後)
func DecodeAcknowledge(body []byte) (*Acknowledge, error) {
	d := NewDecoder(body)
	a := &Acknowledge{
		ProtocolVersion:   d.ReadUint32(),
		ReceiveBufferSize: d.ReadUint32(),
		SendBufferSize:    d.ReadUint32(),
		MaxMessageSize:    d.ReadUint32(),
		MaxChunkCount:     d.ReadUint32(),
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("ACK 解析失敗: %w", err)
	}
	return a, nil
}

// ErrorMessage ERR 訊息
type ErrorMessage struct {
	Code   StatusCode
	Reason string
}

// Encode 編碼為完整 ERR chunk
func (m *ErrorMessage) Encode() []byte {
	e := NewEncoder()
	e.StatusCode(m.Code)
	e.String(m.Reason)
	return encodeChunk(MessageError, ChunkFinal, e.Bytes())
}

// DecodeErrorMessage 解析 ERR 內容 (標頭之後)
func DecodeErrorMessage(body []byte) (*ErrorMessage, error) {
	d := NewDecoder(body)
	m := &ErrorMessage{Code: d.ReadStatusCode(), Reason: d.ReadString()}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("ERR 解析失敗: %w", err)
	}
	return m, nil
}

// AsymmetricHeader OPN 使用的非對稱安全標頭
type AsymmetricHeader struct {
	SecurityPolicyURI             string
	SenderCertificate             []byte
	ReceiverCertificateThumbprint []byte
}

// SecureMessage OPN / MSG / CLO 解析結果
type SecureMessage struct {
	Header     Header
	ChannelID  uint32
	TokenID    uint32 // OPN 無此欄位
	Security   *AsymmetricHeader
	SequenceNo uint32
	RequestID  uint32
	Body       []byte
}

// DecodeSecureMessage 解析安全通道訊息
func DecodeSecureMessage(frame []byte) (*SecureMessage, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	d := NewDecoder(frame[headerLength:])
	m := &SecureMessage{Header: h, ChannelID: d.ReadUint32()}
	if h.MessageType == MessageOpen {
		m.Security = &AsymmetricHeader{
			SecurityPolicyURI:             d.ReadString(),
			SenderCertificate:             d.ReadByteString(),
			ReceiverCertificateThumbprint: d.ReadByteString(),
		}
	} else {
		m.TokenID = d.ReadUint32()
	}
	m.SequenceNo = d.ReadUint32()
	m.RequestID = d.ReadUint32()
	m.Body = d.Rest()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%s 標頭解析失敗: %w", h.MessageType, err)
	}
	return m, nil
}

// EncodeOpen 編碼 OPN chunk (SecurityPolicy None)
func EncodeOpen(channelID, seq, requestID uint32, body []byte) []byte {
	e := NewEncoder()
	e.Uint32(channelID)
	e.String(SecurityPolicyNone)
	e.ByteString(nil)
	e.ByteString(nil)
	e.Uint32(seq)
	e.Uint32(requestID)
	e.Raw(body)
	return encodeChunk(MessageOpen, ChunkFinal, e.Bytes())
}

// EncodeSymmetric 編碼單一 MSG / CLO chunk
func EncodeSymmetric(msgType string, chunk byte, channelID, tokenID, seq, requestID uint32, body []byte) []byte {
	e := NewEncoder()
	e.Uint32(channelID)
	e.Uint32(tokenID)
	e.Uint32(seq)
	e.Uint32(requestID)
	e.Raw(body)
	return encodeChunk(msgType, chunk, e.Bytes())
}

// splitBody 依傳送緩衝區大小切割內容
func splitBody(body []byte, sendBuffer uint32) [][]byte {
	max := int(sendBuffer) - headerLength - symmetricHeaderLength - sequenceHeaderLength
	if max <= 0 || len(body) <= max {
		return [][]byte{body}
	}
	var parts [][]byte
	for len(body) > max {
		parts = append(parts, body[:max])
		body = body[max:]
	}
	return append(parts, body)
}
