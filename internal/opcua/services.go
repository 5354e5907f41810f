package opcua

import (
	"crypto/rand"
	"errors"
	"time"

	"go.uber.org/zap"
)

// 列舉值
const (
	securityModeNone      = 1
	applicationTypeServer = 0
	userTokenAnonymous    = 0
	anonymousPolicyID     = "Anonymous"
	applicationURI        = "urn:protocol-simulator:opcua:server"
	productURI            = "urn:protocol-simulator"
	applicationName       = "Protocol Simulator OPC UA Server"
	nonceLength           = 32
)

// TimestampsToReturn
const (
	timestampsSource  = 0
	timestampsServer  = 1
	timestampsBoth    = 2
	timestampsNeither = 3
)

// RequestHeader 服務請求共用標頭
type RequestHeader struct {
	AuthToken         NodeID
	Timestamp         time.Time
	RequestHandle     uint32
	ReturnDiagnostics uint32
	AuditEntryID      string
	TimeoutHint       uint32
	AdditionalHeader  ExtensionObject
}

// ReadRequestHeader 解碼 RequestHeader
func (d *Decoder) ReadRequestHeader() RequestHeader {
	return RequestHeader{
		AuthToken:         d.ReadNodeID(),
		Timestamp:         d.ReadDateTime(),
		RequestHandle:     d.ReadUint32(),
		ReturnDiagnostics: d.ReadUint32(),
		AuditEntryID:      d.ReadString(),
		TimeoutHint:       d.ReadUint32(),
		AdditionalHeader:  d.ReadExtensionObject(),
	}
}

// RequestHeader 編碼 (測試用戶端使用)
func (e *Encoder) RequestHeader(h RequestHeader) {
	e.NodeID(h.AuthToken)
	e.DateTime(h.Timestamp)
	e.Uint32(h.RequestHandle)
	e.Uint32(h.ReturnDiagnostics)
	e.String(h.AuditEntryID)
	e.Uint32(h.TimeoutHint)
	e.ExtensionObject(h.AdditionalHeader)
}

// ResponseHeader 編碼；診斷資訊與字串表為空，附加標頭為 null
func (e *Encoder) ResponseHeader(handle uint32, result StatusCode) {
	e.DateTime(time.Now())
	e.Uint32(handle)
	e.StatusCode(result)
	e.Uint8(0)
	e.Int32(-1)
	e.ExtensionObject(ExtensionObject{})
}

// ResponseHeader 回應標頭
type ResponseHeader struct {
	Timestamp     time.Time
	RequestHandle uint32
	ServiceResult StatusCode
}

// ReadResponseHeader 解碼 ResponseHeader，略過診斷與字串表
func (d *Decoder) ReadResponseHeader() ResponseHeader {
	h := ResponseHeader{
		Timestamp:     d.ReadDateTime(),
		RequestHandle: d.ReadUint32(),
		ServiceResult: d.ReadStatusCode(),
	}
	if mask := d.ReadUint8(); mask != 0 {
		d.fail("不支援的 DiagnosticInfo 遮罩: 0x%02X", mask)
	}
	for i, n := 0, d.ReadArrayLength(); i < n; i++ {
		d.ReadString()
	}
	d.ReadExtensionObject()
	return h
}

// ServiceFault 編碼完整 ServiceFault 內容
func encodeServiceFault(handle uint32, code StatusCode) []byte {
	e := NewEncoder()
	e.NodeID(NewNumericNodeID(0, IDServiceFault))
	e.ResponseHeader(handle, code)
	return e.Bytes()
}

func (e *Encoder) applicationDescription(endpointURL string) {
	e.String(applicationURI)
	e.String(productURI)
	e.LocalizedText(LocalizedText{Locale: "en", Text: applicationName})
	e.Uint32(applicationTypeServer)
	e.NullString()
	e.NullString()
	e.Int32(1)
	e.String(endpointURL)
}

func (d *Decoder) skipApplicationDescription() {
	d.ReadString()
	d.ReadString()
	d.ReadLocalizedText()
	d.ReadUint32()
	d.ReadString()
	d.ReadString()
	for i, n := 0, d.ReadArrayLength(); i < n; i++ {
		d.ReadString()
	}
}

func (e *Encoder) endpointDescription(endpointURL string) {
	e.String(endpointURL)
	e.applicationDescription(endpointURL)
	e.ByteString(nil)
	e.Uint32(securityModeNone)
	e.String(SecurityPolicyNone)
	e.Int32(1)
	e.String(anonymousPolicyID)
	e.Uint32(userTokenAnonymous)
	e.NullString()
	e.NullString()
	e.NullString()
	e.String(TransportProfileTCP)
	e.Uint8(0)
}

func (d *Decoder) readStrings() []string {
	n := d.ReadArrayLength()
	out := make([]string, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		out = append(out, d.ReadString())
	}
	return out
}

// request 已解析標頭的服務請求
type request struct {
	TypeID  uint32
	Header  RequestHeader
	Body    *Decoder
	Session *Session
}

type serviceHandler func(ch *channel, req *request, e *Encoder) error

// sessionRequirement 服務對 Session 狀態的要求
type sessionRequirement int

const (
	sessionNone sessionRequirement = iota
	sessionCreated
	sessionActivated
)

type service struct {
	name     string
	response uint32
	session  sessionRequirement
	handle   serviceHandler
}

var services = map[uint32]service{
	IDGetEndpointsRequest:    {"GetEndpoints", IDGetEndpointsResponse, sessionNone, (*channel).getEndpoints},
	IDCreateSessionRequest:   {"CreateSession", IDCreateSessionResponse, sessionNone, (*channel).createSession},
	IDActivateSessionRequest: {"ActivateSession", IDActivateSessionResponse, sessionCreated, (*channel).activateSession},
	IDCloseSessionRequest:    {"CloseSession", IDCloseSessionResponse, sessionCreated, (*channel).closeSession},
	IDBrowseRequest:          {"Browse", IDBrowseResponse, sessionActivated, (*channel).browse},
	IDReadRequest:            {"Read", IDReadResponse, sessionActivated, (*channel).read},
	IDWriteRequest:           {"Write", IDWriteResponse, sessionActivated, (*channel).write},
}

// dispatch 依請求的編碼 NodeId 分派服務，回傳回應內容
func (ch *channel) dispatch(body []byte) []byte {
	logger := ch.conn.Logger()
	d := NewDecoder(body)
	typeID := d.ReadExpandedNodeID()
	hdr := d.ReadRequestHeader()
	if err := d.Err(); err != nil {
		logger.Debug("請求標頭解析失敗", zap.Error(err))
		return encodeServiceFault(hdr.RequestHandle, StatusBadDecodingError)
	}

	svc, ok := services[typeID.Numeric]
	if !ok || typeID.Namespace != 0 || typeID.Kind != IDNumeric {
		logger.Debug("不支援的服務", zap.Stringer("type_id", typeID))
		return encodeServiceFault(hdr.RequestHandle, StatusBadServiceUnsupported)
	}

	req := &request{TypeID: typeID.Numeric, Header: hdr, Body: d}
	if svc.session != sessionNone {
		sess, code := ch.srv.lookupSession(hdr.AuthToken, svc.session == sessionActivated)
		if code != StatusGood {
			logger.Debug("Session 驗證失敗", zap.String("service", svc.name), zap.Stringer("status", code))
			return encodeServiceFault(hdr.RequestHandle, code)
		}
		req.Session = sess
	}

	e := NewEncoder()
	e.NodeID(NewNumericNodeID(0, svc.response))
	if err := svc.handle(ch, req, e); err != nil {
		code := StatusBadInternalError
		var sc StatusCode
		if errors.As(err, &sc) {
			code = sc
		}
		logger.Debug("服務處理失敗", zap.String("service", svc.name), zap.Error(err))
		return encodeServiceFault(hdr.RequestHandle, code)
	}
	logger.Debug("服務完成", zap.String("service", svc.name), zap.Uint32("handle", hdr.RequestHandle))
	return e.Bytes()
}

func (ch *channel) getEndpoints(req *request, e *Encoder) error {
	d := req.Body
	d.ReadString()
	d.readStrings()
	profiles := d.readStrings()
	if err := d.Err(); err != nil {
		return err
	}

	count := int32(1)
	if len(profiles) > 0 {
		count = 0
		for _, p := range profiles {
			if p == TransportProfileTCP {
				count = 1
			}
		}
	}

	e.ResponseHeader(req.Header.RequestHandle, StatusGood)
	e.Int32(count)
	if count == 1 {
		e.endpointDescription(ch.srv.endpointURL)
	}
	return nil
}

func (ch *channel) createSession(req *request, e *Encoder) error {
	d := req.Body
	d.skipApplicationDescription()
	d.ReadString()
	d.ReadString()
	name := d.ReadString()
	d.ReadByteString()
	d.ReadByteString()
	d.ReadDouble()
	d.ReadUint32()
	if err := d.Err(); err != nil {
		return err
	}

	sess := ch.srv.createSession(name, ch.id)
	ch.conn.Logger().Info("建立 OPC UA Session",
		zap.String("name", sess.Name),
		zap.Stringer("session_id", sess.ID),
	)

	e.ResponseHeader(req.Header.RequestHandle, StatusGood)
	e.NodeID(sess.ID)
	e.NodeID(sess.AuthToken)
	e.Double(SessionTimeout)
	e.ByteString(newNonce())
	e.ByteString(nil)
	e.Int32(1)
	e.endpointDescription(ch.srv.endpointURL)
	e.Int32(0)
	e.NullString()
	e.ByteString(nil)
	e.Uint32(MaxRequestMessageSize)
	return nil
}

func (ch *channel) activateSession(req *request, e *Encoder) error {
	d := req.Body
	d.ReadString()
	d.ReadByteString()
	for i, n := 0, d.ReadArrayLength(); i < n; i++ {
		d.ReadByteString()
		d.ReadByteString()
	}
	d.readStrings()
	token := d.ReadExtensionObject()
	d.ReadString()
	d.ReadByteString()
	if err := d.Err(); err != nil {
		return err
	}

	ch.srv.activateSession(req.Session.AuthToken, ch.id)
	ch.conn.SetDetail("session=" + req.Session.Name)
	ch.conn.Logger().Info("OPC UA Session 啟用",
		zap.Stringer("session_id", req.Session.ID),
		zap.Stringer("identity_token", token.TypeID),
	)

	e.ResponseHeader(req.Header.RequestHandle, StatusGood)
	e.ByteString(newNonce())
	e.Int32(0)
	e.Int32(0)
	return nil
}

func (ch *channel) closeSession(req *request, e *Encoder) error {
	req.Body.ReadBoolean()
	if err := req.Body.Err(); err != nil {
		return err
	}
	ch.srv.removeSession(req.Session.AuthToken)
	ch.conn.Logger().Info("關閉 OPC UA Session", zap.Stringer("session_id", req.Session.ID))

	e.ResponseHeader(req.Header.RequestHandle, StatusGood)
	return nil
}

// browseDescription BrowseRequest 中的單一節點
type browseDescription struct {
	NodeID          NodeID
	Direction       uint32
	ReferenceTypeID NodeID
	IncludeSubtypes bool
	NodeClassMask   uint32
	ResultMask      uint32
}

func (ch *channel) browse(req *request, e *Encoder) error {
	d := req.Body
	d.ReadNodeID()
	d.ReadDateTime()
	d.ReadUint32()
	d.ReadUint32()
	n := d.ReadArrayLength()
	nodes := make([]browseDescription, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		nodes = append(nodes, browseDescription{
			NodeID:          d.ReadNodeID(),
			Direction:       d.ReadUint32(),
			ReferenceTypeID: d.ReadNodeID(),
			IncludeSubtypes: d.ReadBoolean(),
			NodeClassMask:   d.ReadUint32(),
			ResultMask:      d.ReadUint32(),
		})
	}
	if err := d.Err(); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return StatusBadNothingToDo
	}

	e.ResponseHeader(req.Header.RequestHandle, StatusGood)
	e.Int32(int32(len(nodes)))
	for _, bd := range nodes {
		refs, err := ch.srv.store.Browse(bd.NodeID, bd.Direction, bd.NodeClassMask)
		if err != nil {
			e.StatusCode(StatusBadNodeIDUnknown)
			e.ByteString(nil)
			e.Int32(0)
			continue
		}
		refs = filterReferences(refs, bd.ReferenceTypeID)

		e.StatusCode(StatusGood)
		e.ByteString(nil)
		e.Int32(int32(len(refs)))
		for _, r := range refs {
			e.NodeID(r.ReferenceType)
			e.Boolean(r.IsForward)
			e.ExpandedNodeID(r.Target.ID)
			e.QualifiedName(r.Target.BrowseName)
			e.LocalizedText(r.Target.DisplayName)
			e.Uint32(uint32(r.Target.Class))
			e.ExpandedNodeID(r.Target.TypeDefinition)
		}
	}
	e.Int32(0)
	return nil
}

// filterReferences null / References 不過濾；HierarchicalReferences 排除 HasProperty
func filterReferences(refs []Reference, refType NodeID) []Reference {
	if refType.IsNull() || refType == NewNumericNodeID(0, IDReferences) {
		return refs
	}
	hierarchical := refType == NewNumericNodeID(0, IDHierarchicalReferences)
	hasProperty := NewNumericNodeID(0, IDHasProperty)

	out := refs[:0]
	for _, r := range refs {
		if (hierarchical && r.ReferenceType != hasProperty) || r.ReferenceType == refType {
			out = append(out, r)
		}
	}
	return out
}

func (ch *channel) read(req *request, e *Encoder) error {
	type readValueID struct {
		NodeID    NodeID
		Attribute AttributeID
	}

	d := req.Body
	d.ReadDouble()
	timestamps := d.ReadUint32()
	n := d.ReadArrayLength()
	items := make([]readValueID, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		id := d.ReadNodeID()
		attr := AttributeID(d.ReadUint32())
		d.ReadString()
		d.ReadQualifiedName()
		items = append(items, readValueID{NodeID: id, Attribute: attr})
	}
	if err := d.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return StatusBadNothingToDo
	}

	e.ResponseHeader(req.Header.RequestHandle, StatusGood)
	e.Int32(int32(len(items)))
	for _, it := range items {
		dv := ch.srv.store.Read(it.NodeID, it.Attribute)
		switch timestamps {
		case timestampsSource:
			dv.ServerTimestamp = time.Time{}
		case timestampsServer:
			dv.SourceTimestamp = time.Time{}
		case timestampsNeither:
			dv.SourceTimestamp, dv.ServerTimestamp = time.Time{}, time.Time{}
		}
		e.DataValue(dv)
	}
	e.Int32(0)
	return nil
}

func (ch *channel) write(req *request, e *Encoder) error {
	type writeValue struct {
		NodeID    NodeID
		Attribute AttributeID
		Value     DataValue
	}

	d := req.Body
	n := d.ReadArrayLength()
	items := make([]writeValue, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		id := d.ReadNodeID()
		attr := AttributeID(d.ReadUint32())
		d.ReadString()
		items = append(items, writeValue{NodeID: id, Attribute: attr, Value: d.ReadDataValue()})
	}
	if err := d.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return StatusBadNothingToDo
	}

	e.ResponseHeader(req.Header.RequestHandle, StatusGood)
	e.Int32(int32(len(items)))
	for _, it := range items {
		code := ch.writeValue(it.NodeID, it.Attribute, it.Value)
		if code != StatusGood {
			ch.conn.Logger().Debug("寫入失敗", zap.Stringer("node", it.NodeID), zap.Stringer("status", code))
		}
		e.StatusCode(code)
	}
	e.Int32(0)
	return nil
}

func (ch *channel) writeValue(id NodeID, attr AttributeID, dv DataValue) StatusCode {
	node, ok := ch.srv.store.Node(id)
	if !ok {
		return StatusBadNodeIDUnknown
	}
	if attr != AttributeValue || node.Class != NodeClassVariable {
		return StatusBadNotWritable
	}
	if dv.Value.IsNull() {
		return StatusGood
	}
	return ch.srv.store.Write(id, dv.Value)
}

func newNonce() []byte {
	b := make([]byte, nonceLength)
	_, _ = rand.Read(b)
	return b
}
