package opcua

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeNodeID(n NodeID) []byte {
	e := NewEncoder()
	e.NodeID(n)
	return e.Bytes()
}

func TestNodeID_RoundTrip(t *testing.T) {
	tests := []string{
		"ns=2;s=Tags.Tag1",
		"ns=0;i=85",
		"ns=1;i=1000",
		"ns=0;i=70000",
		"ns=300;i=5",
		"ns=1;g=72962b91-fa75-4ae6-8d28-b404dc7daf63",
		"ns=3;b=AQID",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			n, err := ParseNodeID(s)
			require.NoError(t, err)
			assert.Equal(t, s, n.String())

			d := NewDecoder(encodeNodeID(n))
			got := d.ReadNodeID()
			require.NoError(t, d.Err())
			assert.Zero(t, d.Remaining())
			assert.Equal(t, s, got.String())
			assert.Equal(t, n, got)
		})
	}
}

func TestNodeID_Encodings(t *testing.T) {
	tests := []struct {
		name string
		id   NodeID
		want []byte
	}{
		{"two byte", NewNumericNodeID(0, 85), []byte{0x00, 0x55}},
		{"four byte", NewNumericNodeID(2, 1000), []byte{0x01, 0x02, 0xE8, 0x03}},
		{"numeric", NewNumericNodeID(0, 70000), []byte{0x02, 0x00, 0x00, 0x70, 0x11, 0x01, 0x00}},
		{"string", NewStringNodeID(2, "A"), []byte{0x03, 0x02, 0x00, 0x01, 0x00, 0x00, 0x00, 'A'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeNodeID(tt.id))
		})
	}
}

func TestNodeID_DecodeCompactForms(t *testing.T) {
	// 同一個節點的三種數值編碼都解碼為相同的標準格式
	forms := [][]byte{
		{0x00, 0x55},
		{0x01, 0x00, 0x55, 0x00},
		{0x02, 0x00, 0x00, 0x55, 0x00, 0x00, 0x00},
	}
	for _, b := range forms {
		d := NewDecoder(b)
		n := d.ReadNodeID()
		require.NoError(t, d.Err())
		assert.Equal(t, "ns=0;i=85", n.String())
	}
}

func TestNodeID_MatchesGopcua(t *testing.T) {
	tests := []string{
		"ns=2;s=Tags.Tag1",
		"i=85",
		"ns=1;i=1000",
		"i=70000",
		"ns=1;g=72962B91-FA75-4AE6-8D28-B404DC7DAF63",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			ref, err := ua.ParseNodeID(s)
			require.NoError(t, err)
			want, err := ref.Encode()
			require.NoError(t, err)

			n, err := ParseNodeID(s)
			require.NoError(t, err)
			assert.Equal(t, want, encodeNodeID(n))

			d := NewDecoder(want)
			assert.Equal(t, n, d.ReadNodeID())
			require.NoError(t, d.Err())
		})
	}
}

func TestParseNodeID_Errors(t *testing.T) {
	for _, s := range []string{"", "ns=2", "ns=x;i=1", "ns=2;i=abc", "ns=2;x=1", "ns=1;g=nope", "ns=1;b=***"} {
		_, err := ParseNodeID(s)
		assert.Error(t, err, s)
	}
}

func TestExpandedNodeID_SkipsURIAndServerIndex(t *testing.T) {
	e := NewEncoder()
	e.Uint8(0x01 | expandedNamespaceURI | expandedServerIndex)
	e.Uint8(0)
	e.Uint16(IDReadRequest)
	e.String("http://opcfoundation.org/UA/")
	e.Uint32(0)

	d := NewDecoder(e.Bytes())
	n := d.ReadExpandedNodeID()
	require.NoError(t, d.Err())
	assert.Equal(t, NewNumericNodeID(0, IDReadRequest), n)
	assert.Zero(t, d.Remaining())

	d = NewDecoder(e.Bytes())
	d.ReadNodeID()
	assert.ErrorIs(t, d.Err(), StatusBadDecodingError)
}

func TestVariant_MatchesGopcua(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"boolean", true},
		{"int32", int32(-7)},
		{"uint16", uint16(502)},
		{"double", 3.5},
		{"float", float32(1.25)},
		{"string", "Hello OPC UA"},
		{"string array", []string{"http://opcfoundation.org/UA/", "urn:test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := ua.MustVariant(tt.value).Encode()
			require.NoError(t, err)

			e := NewEncoder()
			e.Variant(MustVariant(tt.value))
			assert.Equal(t, want, e.Bytes())

			ref := new(ua.Variant)
			_, err = ref.Decode(e.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.value, ref.Value())
		})
	}
}

func TestVariant_DecodeArrayWithDimensions(t *testing.T) {
	e := NewEncoder()
	e.Uint8(byte(TypeInt32) | variantArray | variantDimensions)
	e.Int32(2)
	e.Int32(10)
	e.Int32(20)
	e.Int32(1)
	e.Int32(2)

	d := NewDecoder(e.Bytes())
	v := d.ReadVariant()
	require.NoError(t, d.Err())
	assert.True(t, v.Array)
	assert.Equal(t, []any{int32(10), int32(20)}, v.Value)
	assert.Zero(t, d.Remaining())
}

func TestDataValue_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := DataValue{
		Value:           MustVariant(220.5),
		SourceTimestamp: ts,
		ServerTimestamp: ts.Add(time.Second),
	}
	e := NewEncoder()
	e.DataValue(in)
	assert.Equal(t, byte(dataValueValue|dataValueSourceTimestamp|dataValueServerTimestamp), e.Bytes()[0])

	d := NewDecoder(e.Bytes())
	assert.Equal(t, in, d.ReadDataValue())
	require.NoError(t, d.Err())

	e = NewEncoder()
	e.DataValue(DataValue{Status: StatusBadNodeIDUnknown})
	assert.Equal(t, []byte{dataValueStatus, 0x00, 0x00, 0x34, 0x80}, e.Bytes())
}

func TestEncoder_Primitives(t *testing.T) {
	u := uuid.MustParse("72962b91-fa75-4ae6-8d28-b404dc7daf63")
	e := NewEncoder()
	e.GUID(u)
	assert.Equal(t, []byte{0x91, 0x2B, 0x96, 0x72, 0x75, 0xFA, 0xE6, 0x4A, 0x8D, 0x28, 0xB4, 0x04, 0xDC, 0x7D, 0xAF, 0x63}, e.Bytes())

	e = NewEncoder()
	e.String("")
	e.NullString()
	e.ByteString(nil)
	assert.Equal(t, []byte{0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, e.Bytes())

	e = NewEncoder()
	e.LocalizedText(LocalizedText{Text: "Tag1"})
	d := NewDecoder(e.Bytes())
	assert.Equal(t, LocalizedText{Text: "Tag1"}, d.ReadLocalizedText())

	ts := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(fileTimeEpochOffset), toFileTime(ts))
	assert.Equal(t, ts, fromFileTime(fileTimeEpochOffset))
	assert.True(t, fromFileTime(0).IsZero())
}

func TestDecoder_Errors(t *testing.T) {
	d := NewDecoder([]byte{0x01})
	d.ReadUint32()
	assert.ErrorIs(t, d.Err(), StatusBadDecodingError)
	assert.Zero(t, d.ReadUint8(), "錯誤後讀取回傳零值")

	d = NewDecoder([]byte{0xFF, 0xFF, 0xFF, 0x7F})
	d.ReadArrayLength()
	assert.Error(t, d.Err())

	d = NewDecoder([]byte{0x2A})
	d.ReadVariant()
	assert.Error(t, d.Err(), "未知的 Variant 型別")
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name    string
		in      Variant
		to      DataType
		want    any
		wantErr bool
	}{
		{"int to double", MustVariant(int64(12)), TypeDouble, 12.0, false},
		{"double to int32", MustVariant(42.0), TypeInt32, int32(42), false},
		{"string to double", MustVariant("1013.25"), TypeDouble, 1013.25, false},
		{"int to bool", MustVariant(int32(1)), TypeBoolean, true, false},
		{"double to string", MustVariant(1.5), TypeString, "1.5", false},
		{"same type", MustVariant(int32(5)), TypeInt32, int32(5), false},
		{"bad string", MustVariant("abc"), TypeInt32, nil, true},
		{"negative to uint", MustVariant(int32(-1)), TypeUInt32, nil, true},
		{"array", MustVariant([]float64{1, 2}), TypeDouble, nil, true},
		{"guid target", MustVariant("x"), TypeGUID, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.in, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, StatusBadTypeMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.Type)
			assert.Equal(t, tt.want, got.Value)
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "Bad_NodeIdUnknown (0x80340000)", StatusBadNodeIDUnknown.Error())
	assert.True(t, StatusBadNotWritable.IsBad())
	assert.False(t, StatusGood.IsBad())
	assert.Equal(t, "StatusCode(0x12345678)", StatusCode(0x12345678).String())

	dt, err := ParseDataType("double")
	require.NoError(t, err)
	assert.Equal(t, TypeDouble, dt)
	_, err = ParseDataType("Decimal")
	assert.Error(t, err)
}
