package opcua

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protocol-simulator/internal/observer"
)

var objectsFolder = NewNumericNodeID(0, IDObjectsFolder)

func browseNames(refs []Reference) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Target.BrowseName.Name)
	}
	return out
}

func TestNodeStore_DefaultLayout(t *testing.T) {
	s := NewDefaultNodeStore()

	refs, err := s.Browse(objectsFolder, BrowseForward, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Server", "Simulation", "Tags", "Device"}, browseNames(refs))
	for _, r := range refs {
		assert.Equal(t, NewNumericNodeID(0, IDOrganizes), r.ReferenceType)
		assert.True(t, r.IsForward)
	}

	tags, err := s.Browse(NewStringNodeID(2, "Tags"), BrowseForward, uint32(NodeClassVariable))
	require.NoError(t, err)
	require.Len(t, tags, 10)
	assert.Equal(t, "ns=2;s=Tags.Tag1", tags[0].Target.ID.String())

	v, ok := s.Value(NewStringNodeID(2, "Simulation.String"))
	require.True(t, ok)
	assert.Equal(t, "Hello OPC UA", v.Value)

	v, ok = s.Value(NewStringNodeID(2, "Device.Pressure"))
	require.True(t, ok)
	assert.Equal(t, 1013.25, v.Value)

	// 10 個 Tag + Simulation 5 個 + Device 4 個 + NamespaceArray
	assert.Len(t, s.Variables(), 20)
}

func TestNodeStore_BrowseDirections(t *testing.T) {
	s := NewDefaultNodeStore()
	tag := NewStringNodeID(2, "Tags.Tag1")

	refs, err := s.Browse(tag, BrowseInverse, 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.False(t, refs[0].IsForward)
	assert.Equal(t, "Tags", refs[0].Target.BrowseName.Name)

	refs, err = s.Browse(NewStringNodeID(2, "Tags"), BrowseBoth, uint32(NodeClassObject))
	require.NoError(t, err)
	assert.Equal(t, []string{"Objects"}, browseNames(refs))

	_, err = s.Browse(NewStringNodeID(2, "Nope"), BrowseForward, 0)
	assert.ErrorIs(t, err, StatusBadNodeIDUnknown)
}

func TestFilterReferences(t *testing.T) {
	s := NewDefaultNodeStore()
	refs, err := s.Browse(NewNumericNodeID(0, IDServer), BrowseForward, 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	assert.Len(t, filterReferences(append([]Reference(nil), refs...), NodeID{}), 1)
	assert.Len(t, filterReferences(append([]Reference(nil), refs...), NewNumericNodeID(0, IDHasProperty)), 1)
	assert.Empty(t, filterReferences(append([]Reference(nil), refs...), NewNumericNodeID(0, IDHierarchicalReferences)))
	assert.Empty(t, filterReferences(append([]Reference(nil), refs...), NewNumericNodeID(0, IDOrganizes)))
}

func TestNodeStore_ReadAttributes(t *testing.T) {
	s := NewDefaultNodeStore()
	tag := NewStringNodeID(2, "Tags.Tag1")
	folder := NewStringNodeID(2, "Tags")

	tests := []struct {
		name   string
		id     NodeID
		attr   AttributeID
		want   any
		status StatusCode
	}{
		{"value", tag, AttributeValue, 0.0, StatusGood},
		{"node id", tag, AttributeNodeID, tag, StatusGood},
		{"node class", tag, AttributeNodeClass, int32(NodeClassVariable), StatusGood},
		{"browse name", tag, AttributeBrowseName, QualifiedName{Namespace: 2, Name: "Tag1"}, StatusGood},
		{"display name", tag, AttributeDisplayName, LocalizedText{Text: "Tag1"}, StatusGood},
		{"data type", tag, AttributeDataType, NewNumericNodeID(0, uint32(TypeDouble)), StatusGood},
		{"access level", tag, AttributeAccessLevel, byte(0x03), StatusGood},
		{"unsupported attribute", tag, AttributeID(20), nil, StatusBadAttributeIDInvalid},
		{"folder value", folder, AttributeValue, nil, StatusBadAttributeIDInvalid},
		{"unknown node", NewStringNodeID(2, "Nope"), AttributeValue, nil, StatusBadNodeIDUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dv := s.Read(tt.id, tt.attr)
			assert.Equal(t, tt.status, dv.Status)
			if tt.status == StatusGood {
				assert.Equal(t, tt.want, dv.Value.Value)
				assert.False(t, dv.ServerTimestamp.IsZero())
			} else {
				assert.True(t, dv.Value.IsNull())
			}
		})
	}
}

func TestNodeStore_Write(t *testing.T) {
	rec := &observer.Recorder{}
	s := NewDefaultNodeStore(WithStoreValueSink(rec))
	tag := NewStringNodeID(2, "Tags.Tag1")

	assert.Equal(t, StatusGood, s.Write(tag, MustVariant(int32(42))))
	v, _ := s.Value(tag)
	assert.Equal(t, Variant{Type: TypeDouble, Value: 42.0}, v)

	assert.Equal(t, StatusBadTypeMismatch, s.Write(tag, MustVariant("abc")))
	v, _ = s.Value(tag)
	assert.Equal(t, 42.0, v.Value, "型別不符時不改變值")

	assert.Equal(t, StatusBadNodeIDUnknown, s.Write(NewStringNodeID(2, "Nope"), MustVariant(1.0)))
	assert.Equal(t, StatusBadNotWritable, s.Write(NewNumericNodeID(0, IDServerNamespaceArray), MustVariant("x")))
	assert.Equal(t, StatusBadNotWritable, s.Write(NewStringNodeID(2, "Tags"), MustVariant(1.0)))

	values := rec.Values()
	require.Len(t, values, 1)
	assert.Equal(t, "opcua", values[0].Protocol)
	assert.Equal(t, "ns=2;s=Tags.Tag1", values[0].Area)
	assert.Equal(t, 1, values[0].Count)
}

func TestNodeStore_ReadOnlyVariable(t *testing.T) {
	s := NewNodeStore()
	folder, err := s.AddFolder(objectsFolder, "Meter")
	require.NoError(t, err)
	id, err := s.AddVariable(folder, "Serial", TypeString, "SN-001", false)
	require.NoError(t, err)
	assert.Equal(t, "ns=2;s=Meter.Serial", id.String())

	assert.Equal(t, StatusBadNotWritable, s.Write(id, MustVariant("SN-002")))
	assert.Equal(t, byte(AccessLevelCurrentRead), s.Read(id, AttributeAccessLevel).Value.Value)

	require.NoError(t, s.Set(id, "SN-003"), "模擬器寫入不受唯讀限制")
	v, _ := s.Value(id)
	assert.Equal(t, "SN-003", v.Value)
}

func TestNodeStore_AddErrors(t *testing.T) {
	s := NewDefaultNodeStore()

	_, err := s.AddFolder(NewStringNodeID(2, "Nope"), "X")
	assert.Error(t, err)
	_, err = s.AddFolder(objectsFolder, "Tags")
	assert.Error(t, err, "重複節點")
	_, err = s.AddFolder(objectsFolder, "")
	assert.Error(t, err)
	_, err = s.AddVariable(NewStringNodeID(2, "Tags.Tag1"), "Child", TypeDouble, 1.0, true)
	assert.Error(t, err, "變數不可有子節點")
	_, err = s.AddVariable(NewStringNodeID(2, "Tags"), "Bad", TypeInt32, "abc", true)
	assert.Error(t, err)

	id, err := s.AddVariable(NewStringNodeID(2, "Tags"), "Empty", TypeInt16, nil, true)
	require.NoError(t, err)
	v, _ := s.Value(id)
	assert.Equal(t, Variant{Type: TypeInt16, Value: int16(0)}, v)
}

const testNodeFile = `
folders:
  - name: Line1
    variables:
      - {name: Speed, type: Double, value: 12.5, writable: true}
      - {name: Count, type: Int32, value: 7}
      - {name: Model, type: String, value: PM-2000, writable: false}
  - name: Motor
    parent: Line1
    variables:
      - {name: Running, type: Boolean, value: true}
`

func TestNodeFile_Apply(t *testing.T) {
	f, err := ParseNodeFile([]byte(testNodeFile))
	require.NoError(t, err)

	s := NewDefaultNodeStore()
	require.NoError(t, f.Apply(s))

	speed, ok := s.Node(NewStringNodeID(2, "Line1.Speed"))
	require.True(t, ok)
	assert.Equal(t, TypeDouble, speed.DataType)
	assert.Equal(t, 12.5, speed.Value.Value)
	assert.True(t, speed.Writable)

	count, ok := s.Node(NewStringNodeID(2, "Line1.Count"))
	require.True(t, ok)
	assert.Equal(t, int32(7), count.Value.Value)
	assert.True(t, count.Writable, "未指定 writable 時預設可寫")

	model, ok := s.Node(NewStringNodeID(2, "Line1.Model"))
	require.True(t, ok)
	assert.False(t, model.Writable)

	running, ok := s.Node(NewStringNodeID(2, "Line1.Motor.Running"))
	require.True(t, ok)
	assert.Equal(t, true, running.Value.Value)
	assert.Equal(t, NewStringNodeID(2, "Line1.Motor"), running.Parent)
}

func TestNodeFile_Errors(t *testing.T) {
	tests := map[string]string{
		"bad yaml":      "folders: [",
		"missing name":  "folders:\n  - variables: []\n",
		"unknown type":  "folders:\n  - name: A\n    variables:\n      - {name: X, type: Decimal}\n",
		"variable name": "folders:\n  - name: A\n    variables:\n      - {type: Double}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseNodeFile([]byte(content))
			assert.Error(t, err)
		})
	}

	f, err := ParseNodeFile([]byte("folders:\n  - name: B\n    parent: Missing\n"))
	require.NoError(t, err)
	assert.Error(t, f.Apply(NewDefaultNodeStore()), "父資料夾不存在")
}

func TestLoadNodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testNodeFile), 0o644))

	f, err := LoadNodeFile(path)
	require.NoError(t, err)
	assert.Len(t, f.Folders, 2)

	_, err = LoadNodeFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func BenchmarkNodeStore_Read(b *testing.B) {
	s := NewDefaultNodeStore()
	tag := NewStringNodeID(2, "Tags.Tag1")
	for i := 0; i < b.N; i++ {
		s.Read(tag, AttributeValue)
	}
}
