package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The ONNX messages below cover the subset of onnx.proto the exporter writes. They are encoded
// field by field with protowire; field numbers follow onnx.proto.

// ONNX tensor element types
const (
	onnxFloat = 1
	onnxInt8  = 3
	onnxInt64 = 7
)

// ONNX attribute types
const (
	attrFloat  = 1
	attrInt    = 2
	attrString = 3
	attrFloats = 6
	attrInts   = 7
)

type modelProto struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *graphProto
	OpsetImport     []opsetID
	Metadata        []stringEntry
}

type opsetID struct {
	Domain  string
	Version int64
}

type stringEntry struct {
	Key   string
	Value string
}

type graphProto struct {
	Name         string
	Nodes        []nodeProto
	Initializers []tensorProto
	Inputs       []valueInfo
	Outputs      []valueInfo
}

type nodeProto struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Attributes []attributeProto
}

type attributeProto struct {
	Name   string
	Type   int64
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

type tensorProto struct {
	Dims      []int64
	DataType  int64
	FloatData []float32
	Name      string
	RawData   []byte
}

// valueInfo is a ValueInfoProto restricted to dense tensor types
type valueInfo struct {
	Name     string
	ElemType int64
	Dims     []int64
}

func intsAttr(name string, values ...int64) attributeProto {
	return attributeProto{Name: name, Type: attrInts, Ints: values}
}

func intAttr(name string, v int64) attributeProto {
	return attributeProto{Name: name, Type: attrInt, I: v}
}

func floatAttr(name string, v float32) attributeProto {
	return attributeProto{Name: name, Type: attrFloat, F: v}
}

// Encoding

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFloatField(b []byte, num protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func (m *modelProto) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IRVersion))
	if m.ProducerName != "" {
		b = appendStringField(b, 2, m.ProducerName)
	}
	if m.ProducerVersion != "" {
		b = appendStringField(b, 3, m.ProducerVersion)
	}
	if m.Domain != "" {
		b = appendStringField(b, 4, m.Domain)
	}
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	if m.DocString != "" {
		b = appendStringField(b, 6, m.DocString)
	}
	if m.Graph != nil {
		b = appendBytesField(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, op.Domain)
		ob = appendVarintField(ob, 2, uint64(op.Version))
		b = appendBytesField(b, 8, ob)
	}
	for _, kv := range m.Metadata {
		var eb []byte
		eb = appendStringField(eb, 1, kv.Key)
		eb = appendStringField(eb, 2, kv.Value)
		b = appendBytesField(b, 14, eb)
	}
	return b
}

func (g *graphProto) marshal() []byte {
	var b []byte
	for i := range g.Nodes {
		b = appendBytesField(b, 1, g.Nodes[i].marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendBytesField(b, 5, g.Initializers[i].marshal())
	}
	for i := range g.Inputs {
		b = appendBytesField(b, 11, g.Inputs[i].marshal())
	}
	for i := range g.Outputs {
		b = appendBytesField(b, 12, g.Outputs[i].marshal())
	}
	return b
}

func (n *nodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendStringField(b, 1, in)
	}
	for _, out := range n.Outputs {
		b = appendStringField(b, 2, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendBytesField(b, 5, n.Attributes[i].marshal())
	}
	return b
}

func (a *attributeProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case attrFloat:
		b = appendFloatField(b, 2, a.F)
	case attrInt:
		b = appendVarintField(b, 3, uint64(a.I))
	case attrString:
		b = appendBytesField(b, 4, a.S)
	case attrFloats:
		for _, f := range a.Floats {
			b = appendFloatField(b, 7, f)
		}
	case attrInts:
		for _, v := range a.Ints {
			b = appendVarintField(b, 8, uint64(v))
		}
	}
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func (t *tensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendBytesField(b, 4, packed)
	}
	b = appendStringField(b, 8, t.Name)
	if t.RawData != nil {
		b = appendBytesField(b, 9, t.RawData)
	}
	return b
}

func (v *valueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		dim = appendVarintField(dim, 1, uint64(d))
		shape = appendBytesField(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(v.ElemType))
	tensorType = appendBytesField(tensorType, 2, shape)
	var typ []byte
	typ = appendBytesField(typ, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	b = appendBytesField(b, 2, typ)
	return b
}

// Decoding

type wireField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

func parseFields(b []byte) ([]wireField, error) {
	var fields []wireField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// int64s reads a repeated int64 field occurrence, packed or not
func (f wireField) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint)}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: unexpected wire type %d for int64", f.num, f.typ)
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// float32s reads a repeated float field occurrence, packed or not
func (f wireField) float32s() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(f.fixed32)}, nil
	}
	if f.typ != protowire.BytesType || len(f.bytes)%4 != 0 {
		return nil, fmt.Errorf("field %d: malformed float data", f.num)
	}
	out := make([]float32, 0, len(f.bytes)/4)
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

func unmarshalModel(b []byte) (*modelProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	m := &modelProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			m.IRVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			if m.Graph, err = unmarshalGraph(f.bytes); err != nil {
				return nil, fmt.Errorf("graph: %w", err)
			}
		case 8:
			sub, err := parseFields(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("opset_import: %w", err)
			}
			var op opsetID
			for _, sf := range sub {
				switch sf.num {
				case 1:
					op.Domain = string(sf.bytes)
				case 2:
					op.Version = int64(sf.varint)
				}
			}
			m.OpsetImport = append(m.OpsetImport, op)
		case 14:
			sub, err := parseFields(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("metadata_props: %w", err)
			}
			var kv stringEntry
			for _, sf := range sub {
				switch sf.num {
				case 1:
					kv.Key = string(sf.bytes)
				case 2:
					kv.Value = string(sf.bytes)
				}
			}
			m.Metadata = append(m.Metadata, kv)
		}
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*graphProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	g := &graphProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", len(g.Nodes), err)
			}
			g.Nodes = append(g.Nodes, *n)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("initializer %d: %w", len(g.Initializers), err)
			}
			g.Initializers = append(g.Initializers, *t)
		case 11, 12:
			v, err := unmarshalValueInfo(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("value info: %w", err)
			}
			if f.num == 11 {
				g.Inputs = append(g.Inputs, *v)
			} else {
				g.Outputs = append(g.Outputs, *v)
			}
		}
	}
	return g, nil
}

func unmarshalNode(b []byte) (*nodeProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	n := &nodeProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Inputs = append(n.Inputs, string(f.bytes))
		case 2:
			n.Outputs = append(n.Outputs, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			a, err := unmarshalAttribute(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("attribute: %w", err)
			}
			n.Attributes = append(n.Attributes, *a)
		}
	}
	return n, nil
}

func unmarshalAttribute(b []byte) (*attributeProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	a := &attributeProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(f.fixed32)
		case 3:
			a.I = int64(f.varint)
		case 4:
			a.S = append([]byte(nil), f.bytes...)
		case 7:
			floats, err := f.float32s()
			if err != nil {
				return nil, err
			}
			a.Floats = append(a.Floats, floats...)
		case 8:
			ints, err := f.int64s()
			if err != nil {
				return nil, err
			}
			a.Ints = append(a.Ints, ints...)
		case 20:
			a.Type = int64(f.varint)
		}
	}
	return a, nil
}

func unmarshalTensor(b []byte) (*tensorProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	t := &tensorProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			dims, err := f.int64s()
			if err != nil {
				return nil, err
			}
			t.Dims = append(t.Dims, dims...)
		case 2:
			t.DataType = int64(f.varint)
		case 4:
			floats, err := f.float32s()
			if err != nil {
				return nil, err
			}
			t.FloatData = append(t.FloatData, floats...)
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = append([]byte(nil), f.bytes...)
		}
	}
	return t, nil
}

func unmarshalValueInfo(b []byte) (*valueInfo, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	v := &valueInfo{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v.Name = string(f.bytes)
		case 2:
			if err := v.unmarshalType(f.bytes); err != nil {
				return nil, fmt.Errorf("%s: %w", v.Name, err)
			}
		}
	}
	return v, nil
}

// unmarshalType walks TypeProto.tensor_type.{elem_type, shape.dim.dim_value}
func (v *valueInfo) unmarshalType(b []byte) error {
	typeFields, err := parseFields(b)
	if err != nil {
		return err
	}
	for _, tf := range typeFields {
		if tf.num != 1 {
			continue
		}
		tensorFields, err := parseFields(tf.bytes)
		if err != nil {
			return err
		}
		for _, f := range tensorFields {
			switch f.num {
			case 1:
				v.ElemType = int64(f.varint)
			case 2:
				shapeFields, err := parseFields(f.bytes)
				if err != nil {
					return err
				}
				for _, sf := range shapeFields {
					if sf.num != 1 {
						continue
					}
					dimFields, err := parseFields(sf.bytes)
					if err != nil {
						return err
					}
					var dim int64 = -1
					for _, df := range dimFields {
						if df.num == 1 {
							dim = int64(df.varint)
						}
					}
					v.Dims = append(v.Dims, dim)
				}
			}
		}
	}
	return nil
}
