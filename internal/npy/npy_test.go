package npy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeNPY(t *testing.T, header string, body []byte) []byte {
	t.Helper()
	// Pad so the preamble + header is a multiple of 64 bytes, as numpy does.
	total := 10 + len(header) + 1
	pad := (64 - total%64) % 64
	header += string(bytes.Repeat([]byte{' '}, pad)) + "\n"

	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	buf.Write(body)
	return buf.Bytes()
}

func TestReadStructuredArray(t *testing.T) {
	var body bytes.Buffer
	for i := 0; i < 4; i++ {
		require.NoError(t, binary.Write(&body, binary.LittleEndian, float32(i)+0.5))
		require.NoError(t, binary.Write(&body, binary.LittleEndian, float64(-i)))
		require.NoError(t, binary.Write(&body, binary.LittleEndian, uint16(100+i)))
	}
	header := "{'descr': [('B2', '<f4'), ('B3', '<f8'), ('SCL', '<u2')], 'fortran_order': False, 'shape': (2, 2), }"

	arr, err := Read(bytes.NewReader(encodeNPY(t, header, body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, arr.Shape)
	assert.Equal(t, []string{"B2", "B3", "SCL"}, arr.Fields)
	assert.Equal(t, []float64{0.5, 1.5, 2.5, 3.5}, arr.Data["B2"])
	assert.Equal(t, []float64{0, -1, -2, -3}, arr.Data["B3"])
	assert.Equal(t, []float64{100, 101, 102, 103}, arr.Data["SCL"])
}

func TestReadPlainBigEndianArray(t *testing.T) {
	var body bytes.Buffer
	for _, v := range []int32{-1, 7, math.MaxInt32} {
		require.NoError(t, binary.Write(&body, binary.BigEndian, v))
	}
	header := "{'descr': '>i4', 'fortran_order': False, 'shape': (3,), }"

	arr, err := Read(bytes.NewReader(encodeNPY(t, header, body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, arr.Fields)
	assert.Equal(t, []float64{-1, 7, math.MaxInt32}, arr.Data[""])
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   []byte
	}{
		{"fortran order", "{'descr': '<f4', 'fortran_order': True, 'shape': (1,), }", make([]byte, 4)},
		{"unsupported dtype", "{'descr': '<c8', 'fortran_order': False, 'shape': (1,), }", make([]byte, 8)},
		{"truncated body", "{'descr': '<f8', 'fortran_order': False, 'shape': (4,), }", make([]byte, 8)},
		{"sub-array field", "{'descr': [('B1', '<f4', (2,))], 'fortran_order': False, 'shape': (1,), }", make([]byte, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(encodeNPY(t, tt.header, tt.body)))
			assert.Error(t, err)
		})
	}

	_, err := Read(bytes.NewReader([]byte("PK\x03\x04not npy")))
	assert.EqualError(t, err, "not an npy payload")
}

func ExampleRead() {
	var body bytes.Buffer
	_ = binary.Write(&body, binary.LittleEndian, []float32{1, 2})
	header := "{'descr': [('elevation', '<f4')], 'fortran_order': False, 'shape': (2,), }\n"

	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(body.Bytes())

	arr, _ := Read(&buf)
	fmt.Println(arr.Fields, arr.Data["elevation"])
	// Output: [elevation] [1 2]
}
