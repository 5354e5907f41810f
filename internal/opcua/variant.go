package opcua

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Variant 編碼遮罩
const (
	variantArray      = 0x80
	variantDimensions = 0x40
	variantTypeMask   = 0x3F
)

// DataValue 編碼遮罩
const (
	dataValueValue             = 0x01
	dataValueStatus            = 0x02
	dataValueSourceTimestamp   = 0x04
	dataValueServerTimestamp   = 0x08
	dataValueSourcePicoseconds = 0x10
	dataValueServerPicoseconds = 0x20
)

// ExtensionObject 編碼
const (
	extensionObjectEmpty  = 0x00
	extensionObjectBinary = 0x01
	extensionObjectXML    = 0x02
)

// ExtensionObject 以型別 NodeId 包裝的結構，內容保留原始位元組
type ExtensionObject struct {
	TypeID   NodeID
	Encoding byte
	Body     []byte
}

// Variant 帶型別的值；陣列以 []any 保存
type Variant struct {
	Type  DataType
	Array bool
	Value any
}

// NewVariant 依 Go 型別推斷 OPC UA 型別
func NewVariant(v any) (Variant, error) {
	switch val := v.(type) {
	case nil:
		return Variant{}, nil
	case bool:
		return Variant{Type: TypeBoolean, Value: val}, nil
	case int8:
		return Variant{Type: TypeSByte, Value: val}, nil
	case uint8:
		return Variant{Type: TypeByte, Value: val}, nil
	case int16:
		return Variant{Type: TypeInt16, Value: val}, nil
	case uint16:
		return Variant{Type: TypeUInt16, Value: val}, nil
	case int32:
		return Variant{Type: TypeInt32, Value: val}, nil
	case uint32:
		return Variant{Type: TypeUInt32, Value: val}, nil
	case int64:
		return Variant{Type: TypeInt64, Value: val}, nil
	case uint64:
		return Variant{Type: TypeUInt64, Value: val}, nil
	case int:
		return Variant{Type: TypeInt64, Value: int64(val)}, nil
	case float32:
		return Variant{Type: TypeFloat, Value: val}, nil
	case float64:
		return Variant{Type: TypeDouble, Value: val}, nil
	case string:
		return Variant{Type: TypeString, Value: val}, nil
	case time.Time:
		return Variant{Type: TypeDateTime, Value: val}, nil
	case uuid.UUID:
		return Variant{Type: TypeGUID, Value: val}, nil
	case []byte:
		return Variant{Type: TypeByteString, Value: val}, nil
	case NodeID:
		return Variant{Type: TypeNodeID, Value: val}, nil
	case StatusCode:
		return Variant{Type: TypeStatusCode, Value: val}, nil
	case QualifiedName:
		return Variant{Type: TypeQualifiedName, Value: val}, nil
	case LocalizedText:
		return Variant{Type: TypeLocalizedText, Value: val}, nil
	case ExtensionObject:
		return Variant{Type: TypeExtensionObject, Value: val}, nil
	case []string:
		return arrayVariant(TypeString, val), nil
	case []bool:
		return arrayVariant(TypeBoolean, val), nil
	case []int32:
		return arrayVariant(TypeInt32, val), nil
	case []float64:
		return arrayVariant(TypeDouble, val), nil
	default:
		return Variant{}, fmt.Errorf("不支援的 Variant 型別: %T", v)
	}
}

// MustVariant 推斷失敗時 panic
func MustVariant(v any) Variant {
	out, err := NewVariant(v)
	if err != nil {
		panic(err)
	}
	return out
}

func arrayVariant[T any](t DataType, vals []T) Variant {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return Variant{Type: t, Array: true, Value: out}
}

// IsNull 沒有值
func (v Variant) IsNull() bool {
	return v.Type == TypeNull
}

func (v Variant) String() string {
	if v.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s(%v)", v.Type, v.Value)
}

// Variant 編碼；陣列不輸出維度
func (e *Encoder) Variant(v Variant) {
	if v.IsNull() {
		e.Uint8(0)
		return
	}
	if !v.Array {
		e.Uint8(byte(v.Type))
		e.scalar(v.Type, v.Value)
		return
	}
	e.Uint8(byte(v.Type) | variantArray)
	items, _ := v.Value.([]any)
	e.Int32(int32(len(items)))
	for _, item := range items {
		e.scalar(v.Type, item)
	}
}

func (e *Encoder) scalar(t DataType, v any) {
	switch t {
	case TypeBoolean:
		e.Boolean(cast.ToBool(v))
	case TypeSByte:
		e.Uint8(byte(cast.ToInt8(v)))
	case TypeByte:
		e.Uint8(cast.ToUint8(v))
	case TypeInt16:
		e.Int16(cast.ToInt16(v))
	case TypeUInt16:
		e.Uint16(cast.ToUint16(v))
	case TypeInt32:
		e.Int32(cast.ToInt32(v))
	case TypeUInt32:
		e.Uint32(cast.ToUint32(v))
	case TypeInt64:
		e.Int64(cast.ToInt64(v))
	case TypeUInt64:
		e.Uint64(cast.ToUint64(v))
	case TypeFloat:
		e.Float(cast.ToFloat32(v))
	case TypeDouble:
		e.Double(cast.ToFloat64(v))
	case TypeString, TypeXMLElement:
		e.String(cast.ToString(v))
	case TypeDateTime:
		e.DateTime(cast.ToTime(v))
	case TypeGUID:
		u, _ := v.(uuid.UUID)
		e.GUID(u)
	case TypeByteString:
		b, _ := v.([]byte)
		e.ByteString(b)
	case TypeNodeID:
		n, _ := v.(NodeID)
		e.NodeID(n)
	case TypeExpandedNodeID:
		n, _ := v.(NodeID)
		e.ExpandedNodeID(n)
	case TypeStatusCode:
		s, _ := v.(StatusCode)
		e.StatusCode(s)
	case TypeQualifiedName:
		q, _ := v.(QualifiedName)
		e.QualifiedName(q)
	case TypeLocalizedText:
		l, _ := v.(LocalizedText)
		e.LocalizedText(l)
	case TypeExtensionObject:
		x, _ := v.(ExtensionObject)
		e.ExtensionObject(x)
	}
}

// ExtensionObject 編碼；Body 為 nil 時只輸出型別與 0x00
func (e *Encoder) ExtensionObject(x ExtensionObject) {
	e.NodeID(x.TypeID)
	if x.Body == nil || x.Encoding == extensionObjectEmpty {
		e.Uint8(extensionObjectEmpty)
		return
	}
	e.Uint8(x.Encoding)
	e.ByteString(x.Body)
}

// DataValue 依非零欄位決定遮罩
func (e *Encoder) DataValue(dv DataValue) {
	var mask byte
	if !dv.Value.IsNull() {
		mask |= dataValueValue
	}
	if dv.Status != StatusGood {
		mask |= dataValueStatus
	}
	if !dv.SourceTimestamp.IsZero() {
		mask |= dataValueSourceTimestamp
	}
	if !dv.ServerTimestamp.IsZero() {
		mask |= dataValueServerTimestamp
	}
	e.Uint8(mask)
	if mask&dataValueValue != 0 {
		e.Variant(dv.Value)
	}
	if mask&dataValueStatus != 0 {
		e.StatusCode(dv.Status)
	}
	if mask&dataValueSourceTimestamp != 0 {
		e.DateTime(dv.SourceTimestamp)
	}
	if mask&dataValueServerTimestamp != 0 {
		e.DateTime(dv.ServerTimestamp)
	}
}

// ReadVariant 解碼 Variant，維度資訊讀取後捨棄
func (d *Decoder) ReadVariant() Variant {
	mask := d.ReadUint8()
	t := DataType(mask & variantTypeMask)
	if d.err != nil || t == TypeNull {
		return Variant{}
	}
	if t > TypeExtensionObject {
		d.fail("未知的 Variant 型別: %d", t)
		return Variant{}
	}

	if mask&variantArray == 0 {
		return Variant{Type: t, Value: d.readScalar(t)}
	}
	n := d.ReadArrayLength()
	items := make([]any, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		items = append(items, d.readScalar(t))
	}
	if mask&variantDimensions != 0 {
		dims := d.ReadArrayLength()
		for i := 0; i < dims; i++ {
			d.ReadInt32()
		}
	}
	return Variant{Type: t, Array: true, Value: items}
}

func (d *Decoder) readScalar(t DataType) any {
	switch t {
	case TypeBoolean:
		return d.ReadBoolean()
	case TypeSByte:
		return int8(d.ReadUint8())
	case TypeByte:
		return d.ReadUint8()
	case TypeInt16:
		return d.ReadInt16()
	case TypeUInt16:
		return d.ReadUint16()
	case TypeInt32:
		return d.ReadInt32()
	case TypeUInt32:
		return d.ReadUint32()
	case TypeInt64:
		return d.ReadInt64()
	case TypeUInt64:
		return d.ReadUint64()
	case TypeFloat:
		return d.ReadFloat()
	case TypeDouble:
		return d.ReadDouble()
	case TypeString, TypeXMLElement:
		return d.ReadString()
	case TypeDateTime:
		return d.ReadDateTime()
	case TypeGUID:
		return d.ReadGUID()
	case TypeByteString:
		return d.ReadByteString()
	case TypeNodeID:
		return d.ReadNodeID()
	case TypeExpandedNodeID:
		return d.ReadExpandedNodeID()
	case TypeStatusCode:
		return d.ReadStatusCode()
	case TypeQualifiedName:
		return d.ReadQualifiedName()
	case TypeLocalizedText:
		return d.ReadLocalizedText()
	case TypeExtensionObject:
		return d.ReadExtensionObject()
	}
	return nil
}

// ReadExtensionObject 解碼 ExtensionObject
func (d *Decoder) ReadExtensionObject() ExtensionObject {
	x := ExtensionObject{TypeID: d.ReadNodeID(), Encoding: d.ReadUint8()}
	switch x.Encoding {
	case extensionObjectEmpty:
	case extensionObjectBinary, extensionObjectXML:
		x.Body = d.ReadByteString()
	default:
		d.fail("未知的 ExtensionObject 編碼: 0x%02X", x.Encoding)
	}
	return x
}

// DataValue 值 + 狀態 + 時間戳
type DataValue struct {
	Value           Variant
	Status          StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// ReadDataValue 解碼 DataValue，picoseconds 欄位捨棄
func (d *Decoder) ReadDataValue() DataValue {
	var dv DataValue
	mask := d.ReadUint8()
	if mask&dataValueValue != 0 {
		dv.Value = d.ReadVariant()
	}
	if mask&dataValueStatus != 0 {
		dv.Status = d.ReadStatusCode()
	}
	if mask&dataValueSourceTimestamp != 0 {
		dv.SourceTimestamp = d.ReadDateTime()
	}
	if mask&dataValueSourcePicoseconds != 0 {
		d.ReadUint16()
	}
	if mask&dataValueServerTimestamp != 0 {
		dv.ServerTimestamp = d.ReadDateTime()
	}
	if mask&dataValueServerPicoseconds != 0 {
		d.ReadUint16()
	}
	return dv
}

// Convert 將值轉換為節點的資料型別，無法轉換時回傳 Bad_TypeMismatch
func Convert(v Variant, t DataType) (Variant, error) {
	if v.Type == t {
		return v, nil
	}
	if v.Array || v.IsNull() {
		return Variant{}, StatusBadTypeMismatch
	}

	var (
		out any
		err error
	)
	switch t {
	case TypeBoolean:
		out, err = cast.ToBoolE(v.Value)
	case TypeSByte:
		out, err = cast.ToInt8E(v.Value)
	case TypeByte:
		out, err = cast.ToUint8E(v.Value)
	case TypeInt16:
		out, err = cast.ToInt16E(v.Value)
	case TypeUInt16:
		out, err = cast.ToUint16E(v.Value)
	case TypeInt32:
		out, err = cast.ToInt32E(v.Value)
	case TypeUInt32:
		out, err = cast.ToUint32E(v.Value)
	case TypeInt64:
		out, err = cast.ToInt64E(v.Value)
	case TypeUInt64:
		out, err = cast.ToUint64E(v.Value)
	case TypeFloat:
		out, err = cast.ToFloat32E(v.Value)
	case TypeDouble:
		out, err = cast.ToFloat64E(v.Value)
	case TypeString:
		out, err = cast.ToStringE(v.Value)
	case TypeDateTime:
		out, err = cast.ToTimeE(v.Value)
	default:
		return Variant{}, StatusBadTypeMismatch
	}
	if err != nil {
		return Variant{}, fmt.Errorf("%w: %s -> %s: %v", StatusBadTypeMismatch, v.Type, t, err)
	}
	return Variant{Type: t, Value: out}, nil
}
