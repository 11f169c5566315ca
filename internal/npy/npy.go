// Package npy decodes NumPy .npy payloads, including the structured arrays the
// pixel download endpoints return (one named field per band).
package npy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var magic = []byte("\x93NUMPY")

var (
	descrListRe   = regexp.MustCompile(`'descr'\s*:\s*\[(.*)\]`)
	descrScalarRe = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fieldRe       = regexp.MustCompile(`\(\s*'([^']*)'\s*,\s*'([^']*)'\s*(,[^)]*\)?)?\s*\)`)
	fortranRe     = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe       = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// Array holds the decoded values converted to float64. Plain arrays expose a
// single field named "".
type Array struct {
	Shape  []int
	Fields []string
	Data   map[string][]float64
}

// Len is the number of elements (records for structured arrays).
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

type dtype struct {
	order binary.ByteOrder
	kind  byte
	size  int
}

type field struct {
	name   string
	dtype  dtype
	offset int
}

func Read(r io.Reader) (*Array, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("failed to read npy preamble: %w", err)
	}
	if !bytes.Equal(prefix[:6], magic) {
		return nil, errors.New("not an npy payload")
	}

	var headerLen int
	switch prefix[6] {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("failed to read npy header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("failed to read npy header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return nil, fmt.Errorf("unsupported npy version %d.%d", prefix[6], prefix[7])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read npy header: %w", err)
	}

	fields, recordSize, err := parseDescr(string(header))
	if err != nil {
		return nil, err
	}
	if m := fortranRe.FindStringSubmatch(string(header)); m != nil && m[1] == "True" {
		return nil, errors.New("fortran-ordered npy arrays are not supported")
	}
	shape, err := parseShape(string(header))
	if err != nil {
		return nil, err
	}

	arr := &Array{Shape: shape, Data: make(map[string][]float64, len(fields))}
	count := arr.Len()
	body := make([]byte, count*recordSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read npy body (%d records of %d bytes): %w", count, recordSize, err)
	}

	for _, f := range fields {
		arr.Fields = append(arr.Fields, f.name)
		values := make([]float64, count)
		for i := 0; i < count; i++ {
			start := i*recordSize + f.offset
			values[i] = decode(body[start:start+f.dtype.size], f.dtype)
		}
		arr.Data[f.name] = values
	}
	return arr, nil
}

func parseDescr(header string) ([]field, int, error) {
	if m := descrListRe.FindStringSubmatch(header); m != nil {
		var fields []field
		offset := 0
		for _, fm := range fieldRe.FindAllStringSubmatch(m[1], -1) {
			if strings.TrimSpace(fm[3]) != "" {
				return nil, 0, fmt.Errorf("sub-array field %q is not supported", fm[1])
			}
			dt, err := parseDtype(fm[2])
			if err != nil {
				return nil, 0, fmt.Errorf("field %q: %w", fm[1], err)
			}
			fields = append(fields, field{name: fm[1], dtype: dt, offset: offset})
			offset += dt.size
		}
		if len(fields) == 0 {
			return nil, 0, errors.New("structured npy descr has no fields")
		}
		return fields, offset, nil
	}
	if m := descrScalarRe.FindStringSubmatch(header); m != nil {
		dt, err := parseDtype(m[1])
		if err != nil {
			return nil, 0, err
		}
		return []field{{dtype: dt}}, dt.size, nil
	}
	return nil, 0, errors.New("npy header has no descr")
}

func parseDtype(s string) (dtype, error) {
	if len(s) < 3 {
		return dtype{}, fmt.Errorf("invalid dtype %q", s)
	}
	var dt dtype
	switch s[0] {
	case '<', '|', '=':
		dt.order = binary.LittleEndian
	case '>':
		dt.order = binary.BigEndian
	default:
		return dtype{}, fmt.Errorf("invalid byte order in dtype %q", s)
	}
	dt.kind = s[1]
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return dtype{}, fmt.Errorf("invalid dtype size %q", s)
	}
	dt.size = size

	switch {
	case dt.kind == 'f' && (size == 4 || size == 8):
	case (dt.kind == 'i' || dt.kind == 'u') && (size == 1 || size == 2 || size == 4 || size == 8):
	case dt.kind == 'b' && size == 1:
	default:
		return dtype{}, fmt.Errorf("unsupported dtype %q", s)
	}
	return dt, nil
}

func parseShape(header string) ([]int, error) {
	m := shapeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, errors.New("npy header has no shape")
	}
	var shape []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil {
			return nil, fmt.Errorf("invalid shape dimension %q", part)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

func decode(b []byte, dt dtype) float64 {
	switch dt.kind {
	case 'f':
		if dt.size == 4 {
			return float64(math.Float32frombits(dt.order.Uint32(b)))
		}
		return math.Float64frombits(dt.order.Uint64(b))
	case 'i':
		switch dt.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(dt.order.Uint16(b)))
		case 4:
			return float64(int32(dt.order.Uint32(b)))
		default:
			return float64(int64(dt.order.Uint64(b)))
		}
	case 'u', 'b':
		switch dt.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(dt.order.Uint16(b))
		case 4:
			return float64(dt.order.Uint32(b))
		default:
			return float64(dt.order.Uint64(b))
		}
	}
	return math.NaN()
}
