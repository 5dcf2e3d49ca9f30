package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto
const (
	modelIrVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelModelVersion    protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	tensorDoubleData   protowire.Number = 10
	tensorDataLocation protowire.Number = 14

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType  protowire.Number = 1
	tensorElemType  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1
)

// TensorProto.DataType values
const (
	onnxFloat  = 1
	onnxDouble = 11
)

// AttributeProto.AttributeType values
const (
	attrTypeFloat = 1
	attrTypeInt   = 2
	attrTypeInts  = 7
)

const dataLocationExternal = 1

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendPackedFloats(b []byte, num protowire.Number, data []float32) []byte {
	body := make([]byte, 0, 4*len(data))
	for _, v := range data {
		body = protowire.AppendFixed32(body, math.Float32bits(v))
	}
	return appendMessageField(b, num, body)
}

func appendPackedVarints(b []byte, num protowire.Number, values []int64) []byte {
	var body []byte
	for _, v := range values {
		body = protowire.AppendVarint(body, uint64(v))
	}
	return appendMessageField(b, num, body)
}

// wireField is one decoded field: scalar values land in u, length-delimited
// values in raw.
type wireField struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	raw []byte
}

// walkFields calls fn for every field of msg, skipping groups
func walkFields(msg []byte, fn func(f wireField) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		msg = msg[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(msg)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(msg)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(msg)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(msg)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			msg = msg[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		msg = msg[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// onnxTensor is the subset of TensorProto needed to recover float weights
type onnxTensor struct {
	name       string
	dims       []int64
	dataType   int64
	floatData  []float32
	doubleData []float64
	raw        []byte
	external   bool
}

func decodeTensor(msg []byte) (*onnxTensor, error) {
	t := &onnxTensor{}
	err := walkFields(msg, func(f wireField) error {
		switch f.num {
		case tensorDims:
			if f.typ == protowire.BytesType {
				return unpackVarints(f.raw, func(v uint64) { t.dims = append(t.dims, int64(v)) })
			}
			t.dims = append(t.dims, int64(f.u))
		case tensorDataType:
			t.dataType = int64(f.u)
		case tensorFloatData:
			if f.typ == protowire.BytesType {
				if len(f.raw)%4 != 0 {
					return fmt.Errorf("packed float_data has %d bytes", len(f.raw))
				}
				for i := 0; i < len(f.raw); i += 4 {
					t.floatData = append(t.floatData, math.Float32frombits(binary.LittleEndian.Uint32(f.raw[i:])))
				}
				return nil
			}
			t.floatData = append(t.floatData, math.Float32frombits(uint32(f.u)))
		case tensorDoubleData:
			if f.typ == protowire.BytesType {
				if len(f.raw)%8 != 0 {
					return fmt.Errorf("packed double_data has %d bytes", len(f.raw))
				}
				for i := 0; i < len(f.raw); i += 8 {
					t.doubleData = append(t.doubleData, math.Float64frombits(binary.LittleEndian.Uint64(f.raw[i:])))
				}
				return nil
			}
			t.doubleData = append(t.doubleData, math.Float64frombits(f.u))
		case tensorName:
			t.name = string(f.raw)
		case tensorRawData:
			t.raw = f.raw
		case tensorDataLocation:
			t.external = f.u == dataLocationExternal
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func unpackVarints(b []byte, fn func(v uint64)) error {
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		fn(v)
		b = b[n:]
	}
	return nil
}

// float32s returns the tensor values, or ok=false for non floating point tensors
func (t *onnxTensor) float32s() (data []float32, ok bool, err error) {
	n := 1
	for _, d := range t.dims {
		n *= int(d)
	}

	switch t.dataType {
	case onnxFloat:
		if t.raw != nil {
			if len(t.raw) != 4*n {
				return nil, true, fmt.Errorf("tensor %s: raw_data has %d bytes, expected %d", t.name, len(t.raw), 4*n)
			}
			data = make([]float32, n)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.raw[4*i:]))
			}
			return data, true, nil
		}
		if len(t.floatData) != n {
			return nil, true, fmt.Errorf("tensor %s: %d float values, expected %d", t.name, len(t.floatData), n)
		}
		return t.floatData, true, nil
	case onnxDouble:
		values := t.doubleData
		if t.raw != nil {
			if len(t.raw) != 8*n {
				return nil, true, fmt.Errorf("tensor %s: raw_data has %d bytes, expected %d", t.name, len(t.raw), 8*n)
			}
			values = make([]float64, n)
			for i := range values {
				values[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.raw[8*i:]))
			}
		}
		if len(values) != n {
			return nil, true, fmt.Errorf("tensor %s: %d double values, expected %d", t.name, len(values), n)
		}
		data = make([]float32, n)
		for i, v := range values {
			data[i] = float32(v)
		}
		return data, true, nil
	default:
		return nil, false, nil
	}
}

// encodeTensor writes a FLOAT TensorProto with packed float_data
func encodeTensor(name string, shape []int, data []float32) []byte {
	var b []byte
	for _, d := range shape {
		b = appendVarintField(b, tensorDims, uint64(d))
	}
	b = appendVarintField(b, tensorDataType, onnxFloat)
	b = appendPackedFloats(b, tensorFloatData, data)
	b = appendStringField(b, tensorName, name)
	return b
}

// encodeValueInfo writes a ValueInfoProto for a float tensor of the given shape
func encodeValueInfo(name string, shape []int) []byte {
	var dims []byte
	for _, d := range shape {
		dims = appendMessageField(dims, shapeDim, appendVarintField(nil, dimValue, uint64(d)))
	}
	tensorType := appendVarintField(nil, tensorElemType, onnxFloat)
	tensorType = appendMessageField(tensorType, tensorTypeShape, dims)

	b := appendStringField(nil, valueInfoName, name)
	return appendMessageField(b, valueInfoType, appendMessageField(nil, typeTensorType, tensorType))
}

// onnxNode accumulates a NodeProto
type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   [][]byte
}

func (n *onnxNode) intsAttr(name string, values ...int) *onnxNode {
	ints := make([]int64, len(values))
	for i, v := range values {
		ints[i] = int64(v)
	}
	b := appendStringField(nil, attrName, name)
	b = appendPackedVarints(b, attrInts, ints)
	b = appendVarintField(b, attrType, attrTypeInts)
	n.attrs = append(n.attrs, b)
	return n
}

func (n *onnxNode) intAttr(name string, v int) *onnxNode {
	b := appendStringField(nil, attrName, name)
	b = appendVarintField(b, attrI, uint64(int64(v)))
	b = appendVarintField(b, attrType, attrTypeInt)
	n.attrs = append(n.attrs, b)
	return n
}

func (n *onnxNode) floatAttr(name string, v float32) *onnxNode {
	b := appendStringField(nil, attrName, name)
	b = appendFixed32Field(b, attrF, math.Float32bits(v))
	b = appendVarintField(b, attrType, attrTypeFloat)
	n.attrs = append(n.attrs, b)
	return n
}

func (n *onnxNode) encode() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendStringField(b, nodeInput, in)
	}
	for _, out := range n.outputs {
		b = appendStringField(b, nodeOutput, out)
	}
	b = appendStringField(b, nodeName, n.name)
	b = appendStringField(b, nodeOpType, n.opType)
	for _, a := range n.attrs {
		b = appendMessageField(b, nodeAttribute, a)
	}
	return b
}
