package tfrecord

import (
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionGZIP} {
		var buf bytes.Buffer
		w := NewWriter(&buf, compression)
		records := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xab}, 4096)}
		for _, r := range records {
			require.NoError(t, w.Write(r))
		}
		require.NoError(t, w.Close())
		assert.Equal(t, 3, w.Count())

		r, err := NewReader(&buf, compression)
		require.NoError(t, err)
		for _, want := range records {
			got, err := r.Next()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err = r.Next()
		assert.Equal(t, io.EOF, err)
		require.NoError(t, r.Close())
	}
}

func TestReaderDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, CompressionNone)
	require.NoError(t, w.Write([]byte("payload")))
	require.NoError(t, w.Close())

	data := buf.Bytes()
	data[13] ^= 0xff // inside the payload

	r, err := NewReader(bytes.NewReader(data), CompressionNone)
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorrupted)

	r, err = NewReader(bytes.NewReader(data[:6]), CompressionNone)
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestCompressionFromPath(t *testing.T) {
	assert.Equal(t, CompressionGZIP, CompressionFromPath("gs://bucket/image_00000.tfrecord.gz"))
	assert.Equal(t, CompressionNone, CompressionFromPath("/tmp/prediction/output.TFRecord"))
}

func TestExampleRoundTrip(t *testing.T) {
	ex := NewExample()
	ex.Features["prediction"] = Int64Feature([]int64{0, 1, 2, 0, -3})
	ex.Features["rice"] = FloatFeature([]float32{0.5, float32(math.Inf(1)), -1.25})
	ex.Features["id"] = BytesFeature([][]byte{[]byte("patch-1")})

	got, err := UnmarshalExample(ex.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ex.Features, got.Features)
}

func TestMarshalIsDeterministic(t *testing.T) {
	a := NewExample()
	a.Features["b"] = FloatFeature([]float32{1})
	a.Features["a"] = FloatFeature([]float32{2})
	b := NewExample()
	b.Features["a"] = FloatFeature([]float32{2})
	b.Features["b"] = FloatFeature([]float32{1})
	assert.Equal(t, a.Marshal(), b.Marshal())
}

func TestUnmarshalUnpackedFloats(t *testing.T) {
	// FloatList{value: 1.5, value: 2.5} written without packing.
	var list []byte
	for _, v := range []float32{1.5, 2.5} {
		list = protowire.AppendTag(list, listValue, protowire.Fixed32Type)
		list = protowire.AppendFixed32(list, math.Float32bits(v))
	}
	var feature []byte
	feature = protowire.AppendTag(feature, featureFloatList, protowire.BytesType)
	feature = protowire.AppendBytes(feature, list)

	var entry []byte
	entry = protowire.AppendTag(entry, mapEntryKey, protowire.BytesType)
	entry = protowire.AppendString(entry, "B4")
	entry = protowire.AppendTag(entry, mapEntryValue, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feature)

	var features []byte
	features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
	features = protowire.AppendBytes(features, entry)

	var msg []byte
	msg = protowire.AppendTag(msg, exampleFeatures, protowire.BytesType)
	msg = protowire.AppendBytes(msg, features)

	ex, err := UnmarshalExample(msg)
	require.NoError(t, err)
	assert.Equal(t, KindFloat, ex.Features["B4"].Kind)
	assert.Equal(t, []float32{1.5, 2.5}, ex.Features["B4"].Floats)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := UnmarshalExample([]byte{0x0a, 0x05, 0x01})
	assert.Error(t, err)
}
