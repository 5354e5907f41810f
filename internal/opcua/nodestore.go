package opcua

import (
	"fmt"
	"sync"
	"time"

	"protocol-simulator/internal/observer"
)

// SimulationNamespace 模擬節點所在的命名空間
const SimulationNamespace = 2

// NamespaceArray 伺服器命名空間表
var NamespaceArray = []string{
	"http://opcfoundation.org/UA/",
	"urn:protocol-simulator:opcua:server",
	"urn:protocol-simulator:opcua:simulation",
}

// Node 位址空間節點
type Node struct {
	ID             NodeID
	Class          NodeClass
	BrowseName     QualifiedName
	DisplayName    LocalizedText
	DataType       DataType
	Writable       bool
	Parent         NodeID
	ReferenceType  NodeID
	TypeDefinition NodeID
	Value          Variant
	Timestamp      time.Time
}

// AccessLevel 依 Writable 回傳存取位元
func (n *Node) AccessLevel() byte {
	if n.Writable {
		return AccessLevelCurrentRead | AccessLevelCurrentWrite
	}
	return AccessLevelCurrentRead
}

// Reference 瀏覽結果
type Reference struct {
	ReferenceType NodeID
	IsForward     bool
	Target        Node
}

// NodeStore 位址空間
type NodeStore struct {
	mu       sync.RWMutex
	nodes    map[NodeID]*Node
	children map[NodeID][]NodeID
	sink     observer.ValueSink
}

// StoreOption NodeStore 選項
type StoreOption func(*NodeStore)

// WithStoreValueSink 設定數值變更通知
func WithStoreValueSink(sink observer.ValueSink) StoreOption {
	return func(s *NodeStore) {
		s.sink = sink
	}
}

// SetValueSink 設定數值變更通知
func (s *NodeStore) SetValueSink(sink observer.ValueSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// NewNodeStore 建立只含 Objects 與 Server 節點的位址空間
func NewNodeStore(opts ...StoreOption) *NodeStore {
	s := &NodeStore{
		nodes:    make(map[NodeID]*Node),
		children: make(map[NodeID][]NodeID),
	}
	for _, opt := range opts {
		opt(s)
	}

	objects := NewNumericNodeID(0, IDObjectsFolder)
	s.insert(&Node{
		ID:             objects,
		Class:          NodeClassObject,
		BrowseName:     QualifiedName{Name: "Objects"},
		DisplayName:    LocalizedText{Text: "Objects"},
		TypeDefinition: NewNumericNodeID(0, IDFolderType),
	})
	srv := NewNumericNodeID(0, IDServer)
	s.insert(&Node{
		ID:             srv,
		Class:          NodeClassObject,
		BrowseName:     QualifiedName{Name: "Server"},
		DisplayName:    LocalizedText{Text: "Server"},
		Parent:         objects,
		ReferenceType:  NewNumericNodeID(0, IDOrganizes),
		TypeDefinition: NewNumericNodeID(0, IDServerType),
	})
	s.insert(&Node{
		ID:             NewNumericNodeID(0, IDServerNamespaceArray),
		Class:          NodeClassVariable,
		BrowseName:     QualifiedName{Name: "NamespaceArray"},
		DisplayName:    LocalizedText{Text: "NamespaceArray"},
		DataType:       TypeString,
		Parent:         srv,
		ReferenceType:  NewNumericNodeID(0, IDHasProperty),
		TypeDefinition: NewNumericNodeID(0, IDPropertyType),
		Value:          MustVariant(NamespaceArray),
		Timestamp:      time.Now(),
	})
	return s
}

// NewDefaultNodeStore 建立含 Simulation / Tags / Device 資料夾的預設位址空間
func NewDefaultNodeStore(opts ...StoreOption) *NodeStore {
	s := NewNodeStore(opts...)
	objects := NewNumericNodeID(0, IDObjectsFolder)

	sim := s.mustFolder(objects, "Simulation")
	s.mustVariable(sim, "Counter", TypeInt32, int32(0), true)
	s.mustVariable(sim, "Random", TypeDouble, 0.0, true)
	s.mustVariable(sim, "SineWave", TypeDouble, 0.0, true)
	s.mustVariable(sim, "Boolean", TypeBoolean, false, true)
	s.mustVariable(sim, "String", TypeString, "Hello OPC UA", true)

	tags := s.mustFolder(objects, "Tags")
	for i := 1; i <= 10; i++ {
		s.mustVariable(tags, fmt.Sprintf("Tag%d", i), TypeDouble, 0.0, true)
	}

	dev := s.mustFolder(objects, "Device")
	s.mustVariable(dev, "Temperature", TypeDouble, 25.0, true)
	s.mustVariable(dev, "Pressure", TypeDouble, 1013.25, true)
	s.mustVariable(dev, "Status", TypeInt32, int32(1), true)
	s.mustVariable(dev, "Running", TypeBoolean, true, true)
	return s
}

func (s *NodeStore) mustFolder(parent NodeID, name string) NodeID {
	id, err := s.AddFolder(parent, name)
	if err != nil {
		panic(err)
	}
	return id
}

func (s *NodeStore) mustVariable(parent NodeID, name string, t DataType, v any, writable bool) NodeID {
	id, err := s.AddVariable(parent, name, t, v, writable)
	if err != nil {
		panic(err)
	}
	return id
}

func (s *NodeStore) insert(n *Node) {
	s.nodes[n.ID] = n
	if !n.Parent.IsNull() {
		s.children[n.Parent] = append(s.children[n.Parent], n.ID)
	}
}

// childID ns=2 字串識別碼，子節點以 "." 串接父節點路徑
func (s *NodeStore) childID(parent NodeID, name string) NodeID {
	if parent.Namespace == SimulationNamespace && parent.Kind == IDString {
		return NewStringNodeID(SimulationNamespace, parent.Text+"."+name)
	}
	return NewStringNodeID(SimulationNamespace, name)
}

func (s *NodeStore) checkParent(parent NodeID, name string) (NodeID, error) {
	p, ok := s.nodes[parent]
	if !ok {
		return NodeID{}, fmt.Errorf("父節點不存在: %s", parent)
	}
	if p.Class != NodeClassObject {
		return NodeID{}, fmt.Errorf("父節點不是物件: %s", parent)
	}
	if name == "" {
		return NodeID{}, fmt.Errorf("節點名稱不可為空")
	}
	id := s.childID(parent, name)
	if _, exists := s.nodes[id]; exists {
		return NodeID{}, fmt.Errorf("節點已存在: %s", id)
	}
	return id, nil
}

// AddFolder 在父節點下新增資料夾
func (s *NodeStore) AddFolder(parent NodeID, name string) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.checkParent(parent, name)
	if err != nil {
		return NodeID{}, err
	}
	s.insert(&Node{
		ID:             id,
		Class:          NodeClassObject,
		BrowseName:     QualifiedName{Namespace: SimulationNamespace, Name: name},
		DisplayName:    LocalizedText{Text: name},
		Parent:         parent,
		ReferenceType:  NewNumericNodeID(0, IDOrganizes),
		TypeDefinition: NewNumericNodeID(0, IDFolderType),
	})
	return id, nil
}

// AddVariable 在父節點下新增變數，初始值轉換為指定型別
func (s *NodeStore) AddVariable(parent NodeID, name string, t DataType, value any, writable bool) (NodeID, error) {
	v, err := NewVariant(value)
	if err != nil {
		return NodeID{}, fmt.Errorf("變數 %s 初始值: %w", name, err)
	}
	if v.IsNull() {
		v = zeroVariant(t)
	} else if v, err = Convert(v, t); err != nil {
		return NodeID{}, fmt.Errorf("變數 %s 初始值: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.checkParent(parent, name)
	if err != nil {
		return NodeID{}, err
	}
	s.insert(&Node{
		ID:             id,
		Class:          NodeClassVariable,
		BrowseName:     QualifiedName{Namespace: SimulationNamespace, Name: name},
		DisplayName:    LocalizedText{Text: name},
		DataType:       t,
		Writable:       writable,
		Parent:         parent,
		ReferenceType:  NewNumericNodeID(0, IDOrganizes),
		TypeDefinition: NewNumericNodeID(0, IDBaseDataVariableType),
		Value:          v,
		Timestamp:      time.Now(),
	})
	return id, nil
}

func zeroVariant(t DataType) Variant {
	switch t {
	case TypeString, TypeXMLElement:
		return Variant{Type: t, Value: ""}
	case TypeDateTime:
		return Variant{Type: t, Value: time.Time{}}
	}
	v, err := Convert(Variant{Type: TypeInt64, Value: int64(0)}, t)
	if err != nil {
		return Variant{Type: t}
	}
	return v
}

// Node 取得節點快照
func (s *NodeStore) Node(id NodeID) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len 節點數量
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Variables 所有變數節點 ID
func (s *NodeStore) Variables() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []NodeID
	s.walk(NewNumericNodeID(0, IDObjectsFolder), func(n *Node) {
		if n.Class == NodeClassVariable {
			out = append(out, n.ID)
		}
	})
	return out
}

func (s *NodeStore) walk(id NodeID, fn func(*Node)) {
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	fn(n)
	for _, c := range s.children[id] {
		s.walk(c, fn)
	}
}

// Browse 回傳節點的參考；direction 0 正向、1 反向、2 雙向
func (s *NodeStore) Browse(id NodeID, direction uint32, classMask uint32) ([]Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, StatusBadNodeIDUnknown
	}

	var refs []Reference
	match := func(c NodeClass) bool {
		return classMask == 0 || uint32(c)&classMask != 0
	}
	if direction == BrowseForward || direction == BrowseBoth {
		for _, cid := range s.children[id] {
			c := s.nodes[cid]
			if match(c.Class) {
				refs = append(refs, Reference{ReferenceType: c.ReferenceType, IsForward: true, Target: *c})
			}
		}
	}
	if direction == BrowseInverse || direction == BrowseBoth {
		if p, ok := s.nodes[n.Parent]; ok && match(p.Class) {
			refs = append(refs, Reference{ReferenceType: n.ReferenceType, IsForward: false, Target: *p})
		}
	}
	return refs, nil
}

// Browse 方向
const (
	BrowseForward = 0
	BrowseInverse = 1
	BrowseBoth    = 2
)

// Read 讀取節點屬性
func (s *NodeStore) Read(id NodeID, attr AttributeID) DataValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return DataValue{Status: StatusBadNodeIDUnknown}
	}

	now := time.Now()
	switch attr {
	case AttributeNodeID:
		return DataValue{Value: MustVariant(n.ID), ServerTimestamp: now}
	case AttributeNodeClass:
		return DataValue{Value: Variant{Type: TypeInt32, Value: int32(n.Class)}, ServerTimestamp: now}
	case AttributeBrowseName:
		return DataValue{Value: MustVariant(n.BrowseName), ServerTimestamp: now}
	case AttributeDisplayName:
		return DataValue{Value: MustVariant(n.DisplayName), ServerTimestamp: now}
	case AttributeValue:
		if n.Class != NodeClassVariable {
			return DataValue{Status: StatusBadAttributeIDInvalid}
		}
		return DataValue{Value: n.Value, SourceTimestamp: n.Timestamp, ServerTimestamp: now}
	case AttributeDataType:
		if n.Class != NodeClassVariable {
			return DataValue{Status: StatusBadAttributeIDInvalid}
		}
		return DataValue{Value: MustVariant(NewNumericNodeID(0, uint32(n.DataType))), ServerTimestamp: now}
	case AttributeAccessLevel:
		if n.Class != NodeClassVariable {
			return DataValue{Status: StatusBadAttributeIDInvalid}
		}
		return DataValue{Value: MustVariant(n.AccessLevel()), ServerTimestamp: now}
	default:
		return DataValue{Status: StatusBadAttributeIDInvalid}
	}
}

// Write 用戶端寫入；唯讀節點回傳 Bad_NotWritable
func (s *NodeStore) Write(id NodeID, v Variant) StatusCode {
	return s.write(id, v, false)
}

// Set 模擬器寫入，不檢查 Writable
func (s *NodeStore) Set(id NodeID, value any) error {
	v, err := NewVariant(value)
	if err != nil {
		return err
	}
	if code := s.write(id, v, true); code != StatusGood {
		return fmt.Errorf("寫入 %s: %w", id, code)
	}
	return nil
}

// Value 目前值
func (s *NodeStore) Value(id NodeID) (Variant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok || n.Class != NodeClassVariable {
		return Variant{}, false
	}
	return n.Value, true
}

func (s *NodeStore) write(id NodeID, v Variant, force bool) StatusCode {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return StatusBadNodeIDUnknown
	}
	if n.Class != NodeClassVariable || (!n.Writable && !force) {
		s.mu.Unlock()
		return StatusBadNotWritable
	}
	converted, err := Convert(v, n.DataType)
	if err != nil {
		s.mu.Unlock()
		return StatusBadTypeMismatch
	}
	n.Value = converted
	n.Timestamp = time.Now()
	ts := n.Timestamp
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.ValueChanged(observer.ValueChange{
			Time:     ts,
			Protocol: "opcua",
			Area:     id.String(),
			Count:    1,
		})
	}
	return StatusGood
}
