package checkpoints

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWireRoundTrip(t *testing.T) {
	model := &modelProto{
		IRVersion:       7,
		ProducerName:    "signlang",
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		DocString:       "doc",
		OpsetImport:     []opsetID{{Domain: "", Version: 13}},
		Metadata:        []stringEntry{{Key: "labels", Value: `["A","B"]`}},
		Graph: &graphProto{
			Name: "g",
			Nodes: []nodeProto{{
				Inputs:  []string{"x", "w"},
				Outputs: []string{"y"},
				Name:    "conv",
				OpType:  "Conv",
				Attributes: []attributeProto{
					intsAttr("pads", 1, 1, 1, 1),
					intAttr("axis", -1),
					floatAttr("epsilon", 1e-3),
					{Name: "mode", Type: attrString, S: []byte("constant")},
					{Name: "scales", Type: attrFloats, Floats: []float32{0.5, 2}},
				},
			}},
			Initializers: []tensorProto{
				{Dims: []int64{2, 2}, DataType: onnxInt8, Name: "w", RawData: []byte{1, 0xff, 127, 0x81}},
				{DataType: onnxFloat, Name: "s", FloatData: []float32{0.25}},
			},
			Inputs:  []valueInfo{{Name: "x", ElemType: onnxFloat, Dims: []int64{1, 8, 8, 3}}},
			Outputs: []valueInfo{{Name: "y", ElemType: onnxFloat, Dims: []int64{1, 4}}},
		},
	}

	decoded, err := unmarshalModel(model.marshal())
	require.NoError(t, err)
	assert.Equal(t, model, decoded)
}

func TestWireAcceptsPackedInts(t *testing.T) {
	// dims written packed, as proto3 encoders do
	var packed []byte
	for _, d := range []uint64{3, 5, 7} {
		packed = protowire.AppendVarint(packed, d)
	}
	var b []byte
	b = appendBytesField(b, 1, packed)
	b = appendVarintField(b, 2, onnxFloat)
	b = appendStringField(b, 8, "t")

	tensor, err := unmarshalTensor(b)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 7}, tensor.Dims)
	assert.Equal(t, "t", tensor.Name)
}

func TestWireSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = appendVarintField(b, 1, 7)
	b = protowire.AppendTag(b, 99, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)
	b = appendStringField(b, 2, "producer")

	model, err := unmarshalModel(b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), model.IRVersion)
	assert.Equal(t, "producer", model.ProducerName)
}

func TestWireRejectsTruncatedInput(t *testing.T) {
	b := appendStringField(nil, 2, "producer")
	_, err := unmarshalModel(b[:len(b)-3])
	assert.Error(t, err)
}

func TestQuantizeSymmetric(t *testing.T) {
	values := []float32{-1.27, 0, 0.5, 1.0, 0.001}
	q, scale := QuantizeSymmetric(values)

	assert.InDelta(t, 0.01, float64(scale), 1e-7)
	assert.Equal(t, int8(-127), q[0])
	assert.Equal(t, int8(0), q[1])
	assert.Equal(t, int8(50), q[2])

	restored := Dequantize(q, scale)
	for i, v := range values {
		assert.LessOrEqual(t, math.Abs(float64(restored[i]-v)), float64(scale)/2+1e-6)
	}

	zeros, zeroScale := QuantizeSymmetric(make([]float32, 4))
	assert.Equal(t, float32(1), zeroScale)
	assert.Equal(t, []int8{0, 0, 0, 0}, zeros)
}
