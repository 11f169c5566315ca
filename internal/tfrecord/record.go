// Package tfrecord reads and writes TFRecord files and the tf.Example messages
// stored in them.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrCorrupted is returned when a record header or payload fails its checksum.
var ErrCorrupted = errors.New("tfrecord: corrupted record")

const maskDelta = 0xa282ead8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

type Compression int

const (
	CompressionNone Compression = iota
	CompressionGZIP
)

// CompressionFromPath infers compression from the file name, as the export
// service names its files "*.tfrecord.gz".
func CompressionFromPath(path string) Compression {
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		return CompressionGZIP
	}
	return CompressionNone
}

type Writer struct {
	w     *bufio.Writer
	gz    *gzip.Writer
	count int
}

func NewWriter(w io.Writer, compression Compression) *Writer {
	tw := &Writer{}
	if compression == CompressionGZIP {
		tw.gz = gzip.NewWriter(w)
		tw.w = bufio.NewWriter(tw.gz)
	} else {
		tw.w = bufio.NewWriter(w)
	}
	return tw
}

func (tw *Writer) Write(record []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(record)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(record))

	if _, err := tw.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := tw.w.Write(record); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	if _, err := tw.w.Write(footer[:]); err != nil {
		return fmt.Errorf("failed to write record footer: %w", err)
	}
	tw.count++
	return nil
}

// Count returns the number of records written so far.
func (tw *Writer) Count() int {
	return tw.count
}

// Close flushes buffered data. It does not close the underlying writer.
func (tw *Writer) Close() error {
	if err := tw.w.Flush(); err != nil {
		return err
	}
	if tw.gz != nil {
		return tw.gz.Close()
	}
	return nil
}

type Reader struct {
	r  *bufio.Reader
	gz *gzip.Reader
}

func NewReader(r io.Reader, compression Compression) (*Reader, error) {
	tr := &Reader{}
	if compression == CompressionGZIP {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		tr.gz = gz
		tr.r = bufio.NewReader(gz)
	} else {
		tr.r = bufio.NewReader(r)
	}
	return tr, nil
}

// Next returns the next record payload, or io.EOF once the stream ends on a
// record boundary.
func (tr *Reader) Next() ([]byte, error) {
	var header [12]byte
	n, err := io.ReadFull(tr.r, header[:])
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrCorrupted, err)
	}
	if binary.LittleEndian.Uint32(header[8:]) != maskedCRC(header[:8]) {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}

	length := binary.LittleEndian.Uint64(header[:8])
	data := make([]byte, length+4)
	if _, err := io.ReadFull(tr.r, data); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrCorrupted, err)
	}
	payload, footer := data[:length], data[length:]
	if binary.LittleEndian.Uint32(footer) != maskedCRC(payload) {
		return nil, fmt.Errorf("%w: payload checksum mismatch", ErrCorrupted)
	}
	return payload, nil
}

func (tr *Reader) Close() error {
	if tr.gz != nil {
		return tr.gz.Close()
	}
	return nil
}
