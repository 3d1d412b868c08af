package cloudcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/haukened/rr-intel/internal/intel/domain"
)

const metadataSuffix = ".metadata"

// FileStore keeps cache items as plain files under one directory:
// <dir>/<name> for the content and <dir>/<name>.metadata for its JSON sidecar.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SafeName maps a cache key to a file name. Letters, digits, '.', '-' and '_'
// are kept; every other byte is percent-escaped, so "bf:strict" becomes
// "bf%3Astrict". A leading dot is escaped, which also covers "." and ".." and
// keeps names clear of the hidden temp files. A trailing ".metadata" is
// escaped so no content file shares a path with another key's sidecar.
func SafeName(key string) string {
	if key == "" {
		return "%00"
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '.' && i == 0:
			b.WriteString("%2E")
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	name := b.String()
	if stem, ok := strings.CutSuffix(name, metadataSuffix); ok {
		name = stem + "%2E" + metadataSuffix[1:]
	}
	return name
}

func (s *FileStore) ContentPath(key string) string {
	return filepath.Join(s.dir, SafeName(key))
}

func (s *FileStore) metadataPath(key string) string {
	return s.ContentPath(key) + metadataSuffix
}

func (s *FileStore) ReadContent(key string) ([]byte, error) {
	return os.ReadFile(s.ContentPath(key))
}

func (s *FileStore) ReadMetadata(key string) (*domain.CacheMetadata, error) {
	data, err := os.ReadFile(s.metadataPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta domain.CacheMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return &meta, nil
}

func (s *FileStore) WriteContent(key string, data []byte) error {
	return writeAtomic(s.ContentPath(key), data)
}

func (s *FileStore) WriteMetadata(key string, meta domain.CacheMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(s.metadataPath(key), data)
}

// Delete removes the metadata first so a crash in between leaves content
// without metadata, which reconcile treats as absent.
func (s *FileStore) Delete(key string) error {
	for _, p := range []string{s.metadataPath(key), s.ContentPath(key)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// writeAtomic writes to a temp file in the same directory and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

var _ Store = (*FileStore)(nil)
