package opcua

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IDKind NodeId 識別碼種類
type IDKind byte

const (
	IDNumeric IDKind = iota
	IDString
	IDGUID
	IDOpaque
)

// NodeId binary 編碼位元組
const (
	nodeIDTwoByte    = 0x00
	nodeIDFourByte   = 0x01
	nodeIDNumeric    = 0x02
	nodeIDString     = 0x03
	nodeIDGUID       = 0x04
	nodeIDByteString = 0x05

	expandedServerIndex  = 0x40
	expandedNamespaceURI = 0x80
)

// NodeID 節點識別碼；可比較，可直接作為 map key
type NodeID struct {
	Namespace uint16
	Kind      IDKind
	Numeric   uint32
	Text      string // 字串或 ByteString 識別碼
	GUID      uuid.UUID
}

// NewNumericNodeID 數值識別碼
func NewNumericNodeID(ns uint16, id uint32) NodeID {
	return NodeID{Namespace: ns, Kind: IDNumeric, Numeric: id}
}

// NewStringNodeID 字串識別碼
func NewStringNodeID(ns uint16, id string) NodeID {
	return NodeID{Namespace: ns, Kind: IDString, Text: id}
}

// NewGUIDNodeID GUID 識別碼
func NewGUIDNodeID(ns uint16, id uuid.UUID) NodeID {
	return NodeID{Namespace: ns, Kind: IDGUID, GUID: id}
}

// NewOpaqueNodeID ByteString 識別碼
func NewOpaqueNodeID(ns uint16, id []byte) NodeID {
	return NodeID{Namespace: ns, Kind: IDOpaque, Text: string(id)}
}

// IsNull ns=0;i=0
func (n NodeID) IsNull() bool {
	return n == NodeID{}
}

// String 標準文字格式: ns=<n>;i=<id> / s= / g= / b=
func (n NodeID) String() string {
	switch n.Kind {
	case IDString:
		return fmt.Sprintf("ns=%d;s=%s", n.Namespace, n.Text)
	case IDGUID:
		return fmt.Sprintf("ns=%d;g=%s", n.Namespace, n.GUID.String())
	case IDOpaque:
		return fmt.Sprintf("ns=%d;b=%s", n.Namespace, base64.StdEncoding.EncodeToString([]byte(n.Text)))
	default:
		return fmt.Sprintf("ns=%d;i=%d", n.Namespace, n.Numeric)
	}
}

// ParseNodeID 解析文字格式，省略 ns= 時為 0
func ParseNodeID(s string) (NodeID, error) {
	var ns uint16
	rest := s
	if strings.HasPrefix(rest, "ns=") {
		idx := strings.IndexByte(rest, ';')
		if idx < 0 {
			return NodeID{}, fmt.Errorf("NodeId 格式錯誤: %q", s)
		}
		v, err := strconv.ParseUint(rest[3:idx], 10, 16)
		if err != nil {
			return NodeID{}, fmt.Errorf("NodeId 命名空間錯誤 %q: %w", s, err)
		}
		ns = uint16(v)
		rest = rest[idx+1:]
	}
	if len(rest) < 2 || rest[1] != '=' {
		return NodeID{}, fmt.Errorf("NodeId 格式錯誤: %q", s)
	}

	value := rest[2:]
	switch rest[0] {
	case 'i':
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return NodeID{}, fmt.Errorf("NodeId 數值錯誤 %q: %w", s, err)
		}
		return NewNumericNodeID(ns, uint32(v)), nil
	case 's':
		return NewStringNodeID(ns, value), nil
	case 'g':
		u, err := uuid.Parse(value)
		if err != nil {
			return NodeID{}, fmt.Errorf("NodeId GUID 錯誤 %q: %w", s, err)
		}
		return NewGUIDNodeID(ns, u), nil
	case 'b':
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return NodeID{}, fmt.Errorf("NodeId ByteString 錯誤 %q: %w", s, err)
		}
		return NewOpaqueNodeID(ns, b), nil
	default:
		return NodeID{}, fmt.Errorf("未知的 NodeId 識別碼類型: %q", s)
	}
}

// MustParseNodeID 解析失敗時 panic，僅供常數使用
func MustParseNodeID(s string) NodeID {
	n, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return n
}

// NodeID 以最精簡的 binary 格式編碼
func (e *Encoder) NodeID(n NodeID) {
	e.nodeID(n, 0)
}

// ExpandedNodeID 不帶 namespace URI / server index 的 ExpandedNodeId
func (e *Encoder) ExpandedNodeID(n NodeID) {
	e.nodeID(n, 0)
}

func (e *Encoder) nodeID(n NodeID, flags byte) {
	switch n.Kind {
	case IDString:
		e.Uint8(nodeIDString | flags)
		e.Uint16(n.Namespace)
		e.String(n.Text)
	case IDGUID:
		e.Uint8(nodeIDGUID | flags)
		e.Uint16(n.Namespace)
		e.GUID(n.GUID)
	case IDOpaque:
		e.Uint8(nodeIDByteString | flags)
		e.Uint16(n.Namespace)
		e.ByteString([]byte(n.Text))
	default:
		switch {
		case n.Namespace == 0 && n.Numeric <= 0xFF:
			e.Uint8(nodeIDTwoByte | flags)
			e.Uint8(byte(n.Numeric))
		case n.Namespace <= 0xFF && n.Numeric <= 0xFFFF:
			e.Uint8(nodeIDFourByte | flags)
			e.Uint8(byte(n.Namespace))
			e.Uint16(uint16(n.Numeric))
		default:
			e.Uint8(nodeIDNumeric | flags)
			e.Uint16(n.Namespace)
			e.Uint32(n.Numeric)
		}
	}
}

// ReadNodeID 解碼任一 NodeId binary 格式
func (d *Decoder) ReadNodeID() NodeID {
	n, _ := d.readNodeID(false)
	return n
}

// ReadExpandedNodeID 解碼 ExpandedNodeId，namespace URI 與 server index 讀取後捨棄
func (d *Decoder) ReadExpandedNodeID() NodeID {
	n, _ := d.readNodeID(true)
	return n
}

func (d *Decoder) readNodeID(expanded bool) (NodeID, byte) {
	enc := d.ReadUint8()
	flags := enc & (expandedNamespaceURI | expandedServerIndex)
	if !expanded && flags != 0 {
		d.fail("NodeId 編碼帶有 ExpandedNodeId 旗標: 0x%02X", enc)
		return NodeID{}, flags
	}

	var n NodeID
	switch enc &^ flags {
	case nodeIDTwoByte:
		n = NewNumericNodeID(0, uint32(d.ReadUint8()))
	case nodeIDFourByte:
		ns := d.ReadUint8()
		n = NewNumericNodeID(uint16(ns), uint32(d.ReadUint16()))
	case nodeIDNumeric:
		ns := d.ReadUint16()
		n = NewNumericNodeID(ns, d.ReadUint32())
	case nodeIDString:
		ns := d.ReadUint16()
		n = NewStringNodeID(ns, d.ReadString())
	case nodeIDGUID:
		ns := d.ReadUint16()
		n = NewGUIDNodeID(ns, d.ReadGUID())
	case nodeIDByteString:
		ns := d.ReadUint16()
		n = NewOpaqueNodeID(ns, d.ReadByteString())
	default:
		d.fail("未知的 NodeId 編碼: 0x%02X", enc)
		return NodeID{}, flags
	}

	if flags&expandedNamespaceURI != 0 {
		d.ReadString()
	}
	if flags&expandedServerIndex != 0 {
		d.ReadUint32()
	}
	return n, flags
}
