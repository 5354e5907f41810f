package opcua

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// 1601-01-01 到 1970-01-01 的 100ns 刻度差
const fileTimeEpochOffset = 116444736000000000

// QualifiedName 命名空間 + 名稱
type QualifiedName struct {
	Namespace uint16
	Name      string
}

// LocalizedText 語系 + 文字
type LocalizedText struct {
	Locale string
	Text   string
}

// Encoder OPC UA binary 編碼 (little-endian)
type Encoder struct {
	buf []byte
}

// NewEncoder 建立編碼器
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes 已編碼內容
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len 已編碼長度
func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Uint8(v byte) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Boolean(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) Int16(v int16) {
	e.Uint16(uint16(v))
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Int32(v int32) {
	e.Uint32(uint32(v))
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

func (e *Encoder) Float(v float32) {
	e.Uint32(math.Float32bits(v))
}

func (e *Encoder) Double(v float64) {
	e.Uint64(math.Float64bits(v))
}

// String 空字串編碼為長度 0
func (e *Encoder) String(s string) {
	e.Int32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// NullString 長度 -1
func (e *Encoder) NullString() {
	e.Int32(-1)
}

// ByteString nil 編碼為長度 -1
func (e *Encoder) ByteString(b []byte) {
	if b == nil {
		e.Int32(-1)
		return
	}
	e.Int32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

// DateTime 零值編碼為 0
func (e *Encoder) DateTime(t time.Time) {
	e.Int64(toFileTime(t))
}

// GUID Data1..3 為 little-endian，Data4 依原順序
func (e *Encoder) GUID(u uuid.UUID) {
	e.Uint32(binary.BigEndian.Uint32(u[0:4]))
	e.Uint16(binary.BigEndian.Uint16(u[4:6]))
	e.Uint16(binary.BigEndian.Uint16(u[6:8]))
	e.buf = append(e.buf, u[8:16]...)
}

func (e *Encoder) StatusCode(s StatusCode) {
	e.Uint32(uint32(s))
}

func (e *Encoder) QualifiedName(q QualifiedName) {
	e.Uint16(q.Namespace)
	e.String(q.Name)
}

func (e *Encoder) LocalizedText(t LocalizedText) {
	var mask byte
	if t.Locale != "" {
		mask |= 0x01
	}
	if t.Text != "" {
		mask |= 0x02
	}
	e.Uint8(mask)
	if t.Locale != "" {
		e.String(t.Locale)
	}
	if t.Text != "" {
		e.String(t.Text)
	}
}

// Decoder OPC UA binary 解碼，第一個錯誤之後的讀取都回傳零值
type Decoder struct {
	buf []byte
	pos int
	err error
}

// NewDecoder 建立解碼器
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Err 第一個解碼錯誤
func (d *Decoder) Err() error {
	return d.err
}

// Remaining 尚未讀取的位元組數
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Rest 取得剩餘內容
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	out := d.buf[d.pos:]
	d.pos = len(d.buf)
	return out
}

func (d *Decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", StatusBadDecodingError, fmt.Sprintf(format, args...))
	}
}

func (d *Decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.fail("需要 %d 位元組，剩餘 %d", n, len(d.buf)-d.pos)
		return nil
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out
}

func (d *Decoder) ReadUint8() byte {
	b := d.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) ReadBoolean() bool {
	return d.ReadUint8() != 0
}

func (d *Decoder) ReadUint16() uint16 {
	b := d.next(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) ReadInt16() int16 {
	return int16(d.ReadUint16())
}

func (d *Decoder) ReadUint32() uint32 {
	b := d.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) ReadInt32() int32 {
	return int32(d.ReadUint32())
}

func (d *Decoder) ReadUint64() uint64 {
	b := d.next(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) ReadInt64() int64 {
	return int64(d.ReadUint64())
}

func (d *Decoder) ReadFloat() float32 {
	return math.Float32frombits(d.ReadUint32())
}

func (d *Decoder) ReadDouble() float64 {
	return math.Float64frombits(d.ReadUint64())
}

// ReadByteString 長度 -1 回傳 nil
func (d *Decoder) ReadByteString() []byte {
	n := d.ReadInt32()
	if d.err != nil || n == -1 {
		return nil
	}
	if n < -1 {
		d.fail("長度無效: %d", n)
		return nil
	}
	b := d.next(int(n))
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (d *Decoder) ReadString() string {
	return string(d.ReadByteString())
}

func (d *Decoder) ReadDateTime() time.Time {
	return fromFileTime(d.ReadInt64())
}

func (d *Decoder) ReadGUID() uuid.UUID {
	var u uuid.UUID
	b := d.next(16)
	if b == nil {
		return u
	}
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(u[8:], b[8:16])
	return u
}

func (d *Decoder) ReadStatusCode() StatusCode {
	return StatusCode(d.ReadUint32())
}

func (d *Decoder) ReadQualifiedName() QualifiedName {
	return QualifiedName{Namespace: d.ReadUint16(), Name: d.ReadString()}
}

func (d *Decoder) ReadLocalizedText() LocalizedText {
	var t LocalizedText
	mask := d.ReadUint8()
	if mask&0x01 != 0 {
		t.Locale = d.ReadString()
	}
	if mask&0x02 != 0 {
		t.Text = d.ReadString()
	}
	return t
}

// ReadArrayLength 陣列長度，-1 (null) 視為 0
func (d *Decoder) ReadArrayLength() int {
	n := d.ReadInt32()
	if d.err != nil || n == -1 {
		return 0
	}
	if n < -1 || int(n) > d.Remaining() {
		d.fail("陣列長度無效: %d", n)
		return 0
	}
	return int(n)
}

func toFileTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	ticks := t.UnixNano()/100 + fileTimeEpochOffset
	if ticks < 0 {
		return 0
	}
	return ticks
}

func fromFileTime(ticks int64) time.Time {
	if ticks <= 0 {
		return time.Time{}
	}
	return time.Unix(0, (ticks-fileTimeEpochOffset)*100).UTC()
}
