package tfrecord

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of tensorflow/core/example/{example,feature}.proto.
const (
	exampleFeatures  protowire.Number = 1
	featuresFeature  protowire.Number = 1
	mapEntryKey      protowire.Number = 1
	mapEntryValue    protowire.Number = 2
	featureBytesList protowire.Number = 1
	featureFloatList protowire.Number = 2
	featureInt64List protowire.Number = 3
	listValue        protowire.Number = 1
)

type Kind int

const (
	KindNone Kind = iota
	KindBytes
	KindFloat
	KindInt64
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes_list"
	case KindFloat:
		return "float_list"
	case KindInt64:
		return "int64_list"
	}
	return "none"
}

type Feature struct {
	Kind   Kind
	Bytes  [][]byte
	Floats []float32
	Int64s []int64
}

func FloatFeature(values []float32) Feature {
	return Feature{Kind: KindFloat, Floats: values}
}

func Int64Feature(values []int64) Feature {
	return Feature{Kind: KindInt64, Int64s: values}
}

func BytesFeature(values [][]byte) Feature {
	return Feature{Kind: KindBytes, Bytes: values}
}

// Example mirrors tf.train.Example: a map of named features.
type Example struct {
	Features map[string]Feature
}

func NewExample() *Example {
	return &Example{Features: make(map[string]Feature)}
}

// Marshal encodes the example in protobuf wire format. Keys are written in
// sorted order so equal examples encode to equal bytes.
func (e *Example) Marshal() []byte {
	keys := make([]string, 0, len(e.Features))
	for k := range e.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var features []byte
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, mapEntryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, mapEntryValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalFeature(e.Features[k]))

		features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, exampleFeatures, protowire.BytesType)
	out = protowire.AppendBytes(out, features)
	return out
}

func marshalFeature(f Feature) []byte {
	var list []byte
	var field protowire.Number
	switch f.Kind {
	case KindFloat:
		field = featureFloatList
		if len(f.Floats) > 0 {
			packed := make([]byte, 0, 4*len(f.Floats))
			for _, v := range f.Floats {
				packed = protowire.AppendFixed32(packed, math.Float32bits(v))
			}
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	case KindInt64:
		field = featureInt64List
		if len(f.Int64s) > 0 {
			var packed []byte
			for _, v := range f.Int64s {
				packed = protowire.AppendVarint(packed, uint64(v))
			}
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	case KindBytes:
		field = featureBytesList
		for _, v := range f.Bytes {
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
	default:
		return nil
	}

	var out []byte
	out = protowire.AppendTag(out, field, protowire.BytesType)
	out = protowire.AppendBytes(out, list)
	return out
}

// UnmarshalExample decodes a serialized tf.Example. Both packed and unpacked
// repeated encodings are accepted.
func UnmarshalExample(b []byte) (*Example, error) {
	ex := NewExample()
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != exampleFeatures || typ != protowire.BytesType {
			return nil
		}
		return walk(v, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != featuresFeature || typ != protowire.BytesType {
				return nil
			}
			key, feature, err := unmarshalEntry(entry)
			if err != nil {
				return err
			}
			ex.Features[key] = feature
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func unmarshalEntry(b []byte) (string, Feature, error) {
	var key string
	var feature Feature
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case mapEntryKey:
			key = string(v)
		case mapEntryValue:
			f, err := unmarshalFeature(v)
			if err != nil {
				return err
			}
			feature = f
		}
		return nil
	})
	return key, feature, err
}

func unmarshalFeature(b []byte) (Feature, error) {
	var f Feature
	err := walk(b, func(num protowire.Number, typ protowire.Type, list []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case featureFloatList:
			f.Kind = KindFloat
			return parseFloatList(list, &f)
		case featureInt64List:
			f.Kind = KindInt64
			return parseInt64List(list, &f)
		case featureBytesList:
			f.Kind = KindBytes
			return walk(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num == listValue && typ == protowire.BytesType {
					f.Bytes = append(f.Bytes, append([]byte(nil), v...))
				}
				return nil
			})
		}
		return nil
	})
	return f, err
}

func parseFloatList(b []byte, f *Feature) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == listValue && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if len(packed)%4 != 0 {
				return fmt.Errorf("packed float list has %d bytes", len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return protowire.ParseError(m)
				}
				f.Floats = append(f.Floats, math.Float32frombits(v))
				packed = packed[m:]
			}
		case num == listValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			f.Floats = append(f.Floats, math.Float32frombits(v))
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func parseInt64List(b []byte, f *Feature) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == listValue && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return protowire.ParseError(m)
				}
				f.Int64s = append(f.Int64s, int64(v))
				packed = packed[m:]
			}
		case num == listValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			f.Int64s = append(f.Int64s, int64(v))
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// walk iterates over the top-level fields of a message, handing length-delimited
// payloads to fn and skipping scalar values.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, v); err != nil {
				return err
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
