// Package cache persists downloaded patches between export runs.
package cache

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

type Entry[T any] struct {
	Data      T         `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
}

type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T) error
	Key(params ...interface{}) string
}

// FileCache stores one gzipped JSON entry per key under dir. Entries whose
// checksum no longer matches are treated as misses.
type FileCache[T any] struct {
	dir string
}

var _ Cache[int] = &FileCache[int]{}

func NewFileCache[T any](dir string) *FileCache[T] {
	return &FileCache[T]{dir: dir}
}

func (fc *FileCache[T]) Dir() string {
	return fc.dir
}

func (fc *FileCache[T]) Key(params ...interface{}) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("%v", p)
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "_")))
	return hex.EncodeToString(sum[:])
}

func (fc *FileCache[T]) path(key string) string {
	return filepath.Join(fc.dir, key+".json.gz")
}

func (fc *FileCache[T]) Get(key string) (T, bool) {
	var zero T
	f, err := os.Open(fc.path(key))
	if err != nil {
		return zero, false
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return zero, false
	}
	defer zr.Close()

	var entry Entry[T]
	if err := json.NewDecoder(zr).Decode(&entry); err != nil {
		return zero, false
	}
	if entry.Checksum != checksum(entry.Data) {
		return zero, false
	}
	return entry.Data, true
}

func (fc *FileCache[T]) Set(key string, data T) error {
	if err := os.MkdirAll(fc.dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	target := fc.path(key)
	tmp, err := os.CreateTemp(fc.dir, key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	entry := Entry[T]{Data: data, CreatedAt: time.Now(), Checksum: checksum(data)}
	if err := json.NewEncoder(zw).Encode(entry); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to rename temp cache file: %w", err)
	}
	return nil
}

func checksum(data interface{}) string {
	b, _ := json.Marshal(data)
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
