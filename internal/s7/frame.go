package s7

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"protocol-simulator/internal/server"
)

// ReadFrame 讀取一個 TPKT 訊框
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(tpktHeaderLength)
	if err != nil {
		return nil, err
	}
	if head[0] != TPKTVersion {
		return nil, fmt.Errorf("%w: TPKT 版本 0x%02X", server.ErrMalformed, head[0])
	}
	length := int(binary.BigEndian.Uint16(head[2:4]))
	if length < tpktHeaderLength+3 {
		return nil, fmt.Errorf("%w: TPKT 長度 %d", server.ErrMalformed, length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// TPDU COTP 傳輸單元
type TPDU struct {
	Type    byte
	Header  []byte // 含長度指示位元組
	Payload []byte
}

// DecodeTPDU 解析 TPKT 之後的 COTP
func DecodeTPDU(frame []byte) (*TPDU, error) {
	if len(frame) < tpktHeaderLength+2 {
		return nil, fmt.Errorf("COTP 長度不足")
	}
	li := int(frame[tpktHeaderLength])
	end := tpktHeaderLength + 1 + li
	if li < 1 || end > len(frame) {
		return nil, fmt.Errorf("COTP 長度指示無效: %d", li)
	}
	return &TPDU{
		Type:    frame[tpktHeaderLength+1] & 0xF0,
		Header:  frame[tpktHeaderLength:end],
		Payload: frame[end:],
	}, nil
}

func wrapTPKT(body []byte) []byte {
	out := make([]byte, tpktHeaderLength, tpktHeaderLength+len(body))
	out[0] = TPKTVersion
	binary.BigEndian.PutUint16(out[2:4], uint16(tpktHeaderLength+len(body)))
	return append(out, body...)
}

// ConnectionRequest COTP 連線請求 (CR)
type ConnectionRequest struct {
	DstRef   uint16
	SrcRef   uint16
	Class    byte
	TPDUSize byte
	SrcTSAP  []byte
	DstTSAP  []byte
}

// DecodeConnectionRequest 解析 CR 參數
func DecodeConnectionRequest(tpdu *TPDU) (*ConnectionRequest, error) {
	h := tpdu.Header
	if len(h) < 7 {
		return nil, fmt.Errorf("CR 長度不足: %d", len(h))
	}
	cr := &ConnectionRequest{
		DstRef:   binary.BigEndian.Uint16(h[2:4]),
		SrcRef:   binary.BigEndian.Uint16(h[4:6]),
		Class:    h[6],
		TPDUSize: 0x0A,
	}
	for p := 7; p+2 <= len(h); {
		code, n := h[p], int(h[p+1])
		if p+2+n > len(h) {
			return nil, fmt.Errorf("CR 參數 0x%02X 長度無效", code)
		}
		value := h[p+2 : p+2+n]
		switch code {
		case cotpParamTPDUSize:
			if n >= 1 {
				cr.TPDUSize = value[0]
			}
		case cotpParamSrcTSAP:
			cr.SrcTSAP = append([]byte(nil), value...)
		case cotpParamDstTSAP:
			cr.DstTSAP = append([]byte(nil), value...)
		}
		p += 2 + n
	}
	return cr, nil
}

// RackSlot 由目的 TSAP 的第二個位元組取得 rack 與 slot
func (cr *ConnectionRequest) RackSlot() (rack, slot int) {
	if len(cr.DstTSAP) < 2 {
		return DefaultRack, DefaultSlot
	}
	b := cr.DstTSAP[1]
	return int(b>>5) & 0x07, int(b & 0x1F)
}

// Confirm 連線確認 (CC)，回傳完整 TPKT 訊框
func (cr *ConnectionRequest) Confirm() []byte {
	src := cr.DstTSAP
	if len(src) == 0 {
		src = []byte{0x01, 0x00}
	}
	dst := cr.SrcTSAP
	if len(dst) == 0 {
		dst = []byte{0x01, 0x02}
	}

	body := []byte{0x00, COTPConnectionConfirm}
	body = binary.BigEndian.AppendUint16(body, cr.SrcRef)
	body = binary.BigEndian.AppendUint16(body, cr.DstRef)
	body = append(body, 0x00, cotpParamTPDUSize, 0x01, cr.TPDUSize)
	body = append(body, cotpParamSrcTSAP, byte(len(src)))
	body = append(body, src...)
	body = append(body, cotpParamDstTSAP, byte(len(dst)))
	body = append(body, dst...)
	body[0] = byte(len(body) - 1)
	return wrapTPKT(body)
}

// NewConnectionRequest 建立 CR 訊框 (供測試與用戶端工具使用)
func NewConnectionRequest(rack, slot int) []byte {
	body := []byte{
		0x00, COTPConnectionRequest, 0x00, 0x00, 0x00, 0x01, 0x00,
		cotpParamTPDUSize, 0x01, 0x0A,
		cotpParamSrcTSAP, 0x02, 0x01, 0x00,
		cotpParamDstTSAP, 0x02, 0x01, byte(rack<<5 | slot&0x1F),
	}
	body[0] = byte(len(body) - 1)
	return wrapTPKT(body)
}

// Header S7 標頭
type Header struct {
	ProtocolID  byte
	MessageType byte
	PDURef      uint16
	ParamLength uint16
	DataLength  uint16
	ErrorClass  byte
	ErrorCode   byte
}

// Job 工作請求 (標頭 + 參數 + 資料)
type Job struct {
	Header
	Param []byte
	Data  []byte
}

// Function 功能碼
func (j *Job) Function() byte {
	if len(j.Param) == 0 {
		return 0
	}
	return j.Param[0]
}

// DecodeJob 解析 COTP DT 中的 S7 PDU
func DecodeJob(payload []byte) (*Job, error) {
	if len(payload) < jobHeaderLength {
		return nil, fmt.Errorf("S7 標頭長度不足: %d", len(payload))
	}
	h := Header{
		ProtocolID:  payload[0],
		MessageType: payload[1],
		PDURef:      binary.BigEndian.Uint16(payload[4:6]),
		ParamLength: binary.BigEndian.Uint16(payload[6:8]),
		DataLength:  binary.BigEndian.Uint16(payload[8:10]),
	}
	if h.ProtocolID != ProtocolID {
		return nil, fmt.Errorf("S7 協定 ID 無效: 0x%02X", h.ProtocolID)
	}

	offset := jobHeaderLength
	if h.MessageType == MessageAck || h.MessageType == MessageAckData {
		if len(payload) < ackDataHeaderLength {
			return nil, fmt.Errorf("S7 標頭長度不足: %d", len(payload))
		}
		h.ErrorClass, h.ErrorCode = payload[10], payload[11]
		offset = ackDataHeaderLength
	}

	end := offset + int(h.ParamLength) + int(h.DataLength)
	if end > len(payload) {
		return nil, fmt.Errorf("S7 參數/資料長度 %d+%d 超出訊框", h.ParamLength, h.DataLength)
	}
	return &Job{
		Header: h,
		Param:  payload[offset : offset+int(h.ParamLength)],
		Data:   payload[offset+int(h.ParamLength) : end],
	}, nil
}

// EncodeJob 建立工作請求訊框 (供測試與用戶端工具使用)
func EncodeJob(pduRef uint16, param, data []byte) []byte {
	body := []byte{0x02, COTPData, cotpLastDataUnit, ProtocolID, MessageJob, 0x00, 0x00}
	body = binary.BigEndian.AppendUint16(body, pduRef)
	body = binary.BigEndian.AppendUint16(body, uint16(len(param)))
	body = binary.BigEndian.AppendUint16(body, uint16(len(data)))
	body = append(body, param...)
	body = append(body, data...)
	return wrapTPKT(body)
}

// AckData 回應 (ack-data)
type AckData struct {
	PDURef     uint16
	ErrorClass byte
	ErrorCode  byte
	Param      []byte
	Data       []byte
}

// Encode 編碼為完整 TPKT 訊框
func (a *AckData) Encode() []byte {
	body := []byte{0x02, COTPData, cotpLastDataUnit, ProtocolID, MessageAckData, 0x00, 0x00}
	body = binary.BigEndian.AppendUint16(body, a.PDURef)
	body = binary.BigEndian.AppendUint16(body, uint16(len(a.Param)))
	body = binary.BigEndian.AppendUint16(body, uint16(len(a.Data)))
	body = append(body, a.ErrorClass, a.ErrorCode)
	body = append(body, a.Param...)
	body = append(body, a.Data...)
	return wrapTPKT(body)
}

// Item 變數位址 (S7ANY)
type Item struct {
	Transport TransportSize
	Count     int
	DB        int
	Area      Area
	Address   int // byte*8 + bit
}

// ByteAddress 位元組位址
func (it Item) ByteAddress() int { return it.Address >> 3 }

// Bit 位元位址
func (it Item) Bit() int { return it.Address & 0x07 }

// Size 項目的資料位元組數
func (it Item) Size() int {
	if it.Transport == TransportBit {
		return 1
	}
	return it.Count * it.Transport.ElementSize()
}

// Encode 編碼為 12 位元組的項目規格
func (it Item) Encode() []byte {
	out := []byte{itemSpecType, itemSpecLength - 2, itemSyntaxS7Any, byte(it.Transport)}
	out = binary.BigEndian.AppendUint16(out, uint16(it.Count))
	out = binary.BigEndian.AppendUint16(out, uint16(it.DB))
	return append(out, byte(it.Area), byte(it.Address>>16), byte(it.Address>>8), byte(it.Address))
}

// itemSpec 解析結果；不支援的規格以 code 表示
type itemSpec struct {
	Item
	code byte
}

// decodeItems 解析讀寫參數中的項目規格
func decodeItems(param []byte) ([]itemSpec, error) {
	if len(param) < 2 {
		return nil, fmt.Errorf("參數長度不足")
	}
	n := int(param[1])
	if n == 0 {
		return nil, fmt.Errorf("項目數為 0")
	}
	items := make([]itemSpec, 0, n)
	p := 2
	for i := 0; i < n; i++ {
		if p+2 > len(param) {
			return nil, fmt.Errorf("項目 %d 長度不足", i)
		}
		size := 2 + int(param[p+1])
		if p+size > len(param) {
			return nil, fmt.Errorf("項目 %d 長度不足", i)
		}
		raw := param[p : p+size]
		p += size

		if raw[0] != itemSpecType || size != itemSpecLength || raw[2] != itemSyntaxS7Any {
			items = append(items, itemSpec{code: ReturnCodeDataTypeNotSupported})
			continue
		}
		items = append(items, itemSpec{Item: Item{
			Transport: TransportSize(raw[3]),
			Count:     int(binary.BigEndian.Uint16(raw[4:6])),
			DB:        int(binary.BigEndian.Uint16(raw[6:8])),
			Area:      Area(raw[8]),
			Address:   int(raw[9])<<16 | int(raw[10])<<8 | int(raw[11]),
		}})
	}
	return items, nil
}

// ReadVarParam 建立讀取參數 (供測試與用戶端工具使用)
func ReadVarParam(items ...Item) []byte {
	out := []byte{FunctionReadVar, byte(len(items))}
	for _, it := range items {
		out = append(out, it.Encode()...)
	}
	return out
}

// WriteVarRequest 建立寫入參數與資料 (供測試與用戶端工具使用)
func WriteVarRequest(items []Item, values [][]byte) (param, data []byte) {
	param = []byte{FunctionWriteVar, byte(len(items))}
	for i, it := range items {
		param = append(param, it.Encode()...)

		v := values[i]
		transport, length := byte(DataTransportByte), len(v)*8
		if it.Transport == TransportBit {
			transport, length = DataTransportBit, 1
		}
		data = append(data, ReturnCodeReserved, transport, byte(length>>8), byte(length))
		data = append(data, v...)
		if len(v)%2 != 0 && i < len(items)-1 {
			data = append(data, 0x00)
		}
	}
	return param, data
}
