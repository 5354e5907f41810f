// Package opcua 實作 OPC UA binary (opc.tcp, SecurityPolicy None) 伺服器模擬器
package opcua

import (
	"fmt"
	"strings"
)

// 傳輸層訊息類型
const (
	MessageHello       = "HEL"
	MessageAcknowledge = "ACK"
	MessageError       = "ERR"
	MessageOpen        = "OPN"
	MessageClose       = "CLO"
	MessageMessage     = "MSG"

	ChunkFinal        = 'F'
	ChunkIntermediate = 'C'
	ChunkAbort        = 'A'

	headerLength = 8
)

// 協商參數與預設值
const (
	DefaultPort        = 4840
	DefaultEndpointURL = "opc.tcp://localhost:4840"

	ProtocolVersion = 0
	MaxBufferSize   = 65536
	MaxMessageSize  = 16 * 1024 * 1024

	SecurityPolicyNone  = "http://opcfoundation.org/UA/SecurityPolicy#None"
	TransportProfileTCP = "http://opcfoundation.org/UA-Profile/Transport/uatcp-uasc-uabinary"

	SessionTimeout        = 120000.0
	MaxRequestMessageSize = 0
)

// 服務請求/回應的 binary 編碼 NodeId (ns=0)
const (
	IDServiceFault = 397

	IDOpenSecureChannelRequest  = 446
	IDOpenSecureChannelResponse = 449
	IDCloseSecureChannelRequest = 452

	IDGetEndpointsRequest     = 428
	IDGetEndpointsResponse    = 431
	IDCreateSessionRequest    = 461
	IDCreateSessionResponse   = 464
	IDActivateSessionRequest  = 467
	IDActivateSessionResponse = 470
	IDCloseSessionRequest     = 473
	IDCloseSessionResponse    = 476
	IDBrowseRequest           = 527
	IDBrowseResponse          = 530
	IDReadRequest             = 631
	IDReadResponse            = 634
	IDWriteRequest            = 673
	IDWriteResponse           = 676

	IDAnonymousIdentityToken = 321
)

// 位址空間中的標準節點
const (
	IDObjectsFolder          = 85
	IDServer                 = 2253
	IDServerNamespaceArray   = 2255
	IDOrganizes              = 35
	IDHasComponent           = 47
	IDHasProperty            = 46
	IDFolderType             = 61
	IDBaseDataVariableType   = 63
	IDPropertyType           = 68
	IDServerType             = 2004
	IDHierarchicalReferences = 33
	IDReferences             = 31
)

// AttributeID 屬性代碼
type AttributeID uint32

const (
	AttributeNodeID      AttributeID = 1
	AttributeNodeClass   AttributeID = 2
	AttributeBrowseName  AttributeID = 3
	AttributeDisplayName AttributeID = 4
	AttributeValue       AttributeID = 13
	AttributeDataType    AttributeID = 14
	AttributeAccessLevel AttributeID = 17
)

// AccessLevel 位元
const (
	AccessLevelCurrentRead  = 0x01
	AccessLevelCurrentWrite = 0x02
)

// NodeClass 節點類別
type NodeClass uint32

const (
	NodeClassUnspecified   NodeClass = 0
	NodeClassObject        NodeClass = 1
	NodeClassVariable      NodeClass = 2
	NodeClassMethod        NodeClass = 4
	NodeClassObjectType    NodeClass = 8
	NodeClassVariableType  NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType      NodeClass = 64
	NodeClassView          NodeClass = 128
)

func (c NodeClass) String() string {
	switch c {
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassMethod:
		return "Method"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	default:
		return fmt.Sprintf("NodeClass(%d)", uint32(c))
	}
}

// DataType 內建資料型別，數值同時是 Variant 型別編號與 ns=0 的 DataType NodeId
type DataType byte

const (
	TypeNull            DataType = 0
	TypeBoolean         DataType = 1
	TypeSByte           DataType = 2
	TypeByte            DataType = 3
	TypeInt16           DataType = 4
	TypeUInt16          DataType = 5
	TypeInt32           DataType = 6
	TypeUInt32          DataType = 7
	TypeInt64           DataType = 8
	TypeUInt64          DataType = 9
	TypeFloat           DataType = 10
	TypeDouble          DataType = 11
	TypeString          DataType = 12
	TypeDateTime        DataType = 13
	TypeGUID            DataType = 14
	TypeByteString      DataType = 15
	TypeXMLElement      DataType = 16
	TypeNodeID          DataType = 17
	TypeExpandedNodeID  DataType = 18
	TypeStatusCode      DataType = 19
	TypeQualifiedName   DataType = 20
	TypeLocalizedText   DataType = 21
	TypeExtensionObject DataType = 22
)

var dataTypeNames = map[DataType]string{
	TypeNull:            "Null",
	TypeBoolean:         "Boolean",
	TypeSByte:           "SByte",
	TypeByte:            "Byte",
	TypeInt16:           "Int16",
	TypeUInt16:          "UInt16",
	TypeInt32:           "Int32",
	TypeUInt32:          "UInt32",
	TypeInt64:           "Int64",
	TypeUInt64:          "UInt64",
	TypeFloat:           "Float",
	TypeDouble:          "Double",
	TypeString:          "String",
	TypeDateTime:        "DateTime",
	TypeGUID:            "Guid",
	TypeByteString:      "ByteString",
	TypeXMLElement:      "XmlElement",
	TypeNodeID:          "NodeId",
	TypeExpandedNodeID:  "ExpandedNodeId",
	TypeStatusCode:      "StatusCode",
	TypeQualifiedName:   "QualifiedName",
	TypeLocalizedText:   "LocalizedText",
	TypeExtensionObject: "ExtensionObject",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", byte(t))
}

// ParseDataType 依名稱 (不分大小寫) 取得資料型別
func ParseDataType(name string) (DataType, error) {
	for t, n := range dataTypeNames {
		if t != TypeNull && strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return TypeNull, fmt.Errorf("未知的資料型別: %q", name)
}

// StatusCode OPC UA 狀態碼
type StatusCode uint32

const (
	StatusGood                          StatusCode = 0x00000000
	StatusBadUnexpectedError            StatusCode = 0x80010000
	StatusBadInternalError              StatusCode = 0x80020000
	StatusBadDecodingError              StatusCode = 0x80070000
	StatusBadServiceUnsupported         StatusCode = 0x800B0000
	StatusBadNothingToDo                StatusCode = 0x800F0000
	StatusBadSecureChannelIDInvalid     StatusCode = 0x80220000
	StatusBadSessionIDInvalid           StatusCode = 0x80250000
	StatusBadSessionNotActivated        StatusCode = 0x80270000
	StatusBadNodeIDInvalid              StatusCode = 0x80330000
	StatusBadNodeIDUnknown              StatusCode = 0x80340000
	StatusBadAttributeIDInvalid         StatusCode = 0x80350000
	StatusBadNotWritable                StatusCode = 0x803B0000
	StatusBadSecurityPolicyRejected     StatusCode = 0x80550000
	StatusBadTypeMismatch               StatusCode = 0x80740000
	StatusBadTCPMessageTypeInvalid      StatusCode = 0x807E0000
	StatusBadTCPMessageTooLarge         StatusCode = 0x80800000
	StatusBadProtocolVersionUnsupported StatusCode = 0x80BE0000
)

var statusNames = map[StatusCode]string{
	StatusGood:                          "Good",
	StatusBadUnexpectedError:            "Bad_UnexpectedError",
	StatusBadInternalError:              "Bad_InternalError",
	StatusBadDecodingError:              "Bad_DecodingError",
	StatusBadServiceUnsupported:         "Bad_ServiceUnsupported",
	StatusBadNothingToDo:                "Bad_NothingToDo",
	StatusBadSecureChannelIDInvalid:     "Bad_SecureChannelIdInvalid",
	StatusBadSessionIDInvalid:           "Bad_SessionIdInvalid",
	StatusBadSessionNotActivated:        "Bad_SessionNotActivated",
	StatusBadNodeIDInvalid:              "Bad_NodeIdInvalid",
	StatusBadNodeIDUnknown:              "Bad_NodeIdUnknown",
	StatusBadAttributeIDInvalid:         "Bad_AttributeIdInvalid",
	StatusBadNotWritable:                "Bad_NotWritable",
	StatusBadSecurityPolicyRejected:     "Bad_SecurityPolicyRejected",
	StatusBadTypeMismatch:               "Bad_TypeMismatch",
	StatusBadTCPMessageTypeInvalid:      "Bad_TcpMessageTypeInvalid",
	StatusBadTCPMessageTooLarge:         "Bad_TcpMessageTooLarge",
	StatusBadProtocolVersionUnsupported: "Bad_ProtocolVersionUnsupported",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// Error 讓 StatusCode 可直接作為 error 回傳
func (s StatusCode) Error() string {
	return fmt.Sprintf("%s (0x%08X)", s.String(), uint32(s))
}

// IsBad 最高位元為 1 表示失敗
func (s StatusCode) IsBad() bool {
	return s&0x80000000 != 0
}
