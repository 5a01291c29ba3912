// Package storage keeps downloaded assets (font binaries) on local disk so
// restarts do not refetch them.
package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Read when no file exists for the key.
var ErrNotFound = errors.New("storage: not found")

const tempMarker = ".tmp-"

// FileStore persists blobs under a directory. All access goes through an
// os.Root, so keys cannot reach outside it even through symlinks.
type FileStore struct {
	dir      string
	root     *os.Root
	maxBytes int64

	mu sync.Mutex
}

type Option func(*FileStore)

// WithMaxBytes caps the total size of stored files. Writes that push the
// store over the cap evict the least recently used files. Zero disables
// the cap.
func WithMaxBytes(n int64) Option {
	return func(s *FileStore) { s.maxBytes = max(n, 0) }
}

func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dir, err)
	}
	s := &FileStore{dir: dir, root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Close() error {
	if s == nil {
		return nil
	}
	return s.root.Close()
}

// Read returns the bytes stored under key and marks the file as recently
// used.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(s.root.FS(), key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	now := time.Now()
	_ = os.Chtimes(s.hostPath(key), now, now)
	return data, nil
}

// Write stores data under key and returns the cleaned key. Data lands in a
// temporary file that is renamed into place, so readers never see a partial
// blob.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mkdirs(path.Dir(key)); err != nil {
		return "", err
	}
	tmp := path.Join(path.Dir(key), tempMarker+uuid.NewString())
	f, err := s.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: create temp for %s: %w", key, err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := os.Rename(s.hostPath(tmp), s.hostPath(key)); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("storage: publish %s: %w", key, err)
	}

	if _, err := s.evict(key); err != nil {
		return key, fmt.Errorf("storage: evict: %w", err)
	}
	return key, nil
}

// Size reports the bytes currently held by the store.
func (s *FileStore) Size() (int64, error) {
	files, err := s.list()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	return total, nil
}

type storedFile struct {
	key     string
	size    int64
	touched time.Time
}

func (s *FileStore) list() ([]storedFile, error) {
	var files []storedFile
	err := fs.WalkDir(s.root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempMarker) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, storedFile{key: p, size: info.Size(), touched: info.ModTime()})
		return nil
	})
	return files, err
}

// evict removes least recently used files until the store fits maxBytes.
// keep is never removed.
func (s *FileStore) evict(keep string) (int, error) {
	if s.maxBytes == 0 {
		return 0, nil
	}
	files, err := s.list()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= s.maxBytes {
		return 0, nil
	}
	slices.SortFunc(files, func(a, b storedFile) int {
		return cmp.Compare(a.touched.UnixNano(), b.touched.UnixNano())
	})
	removed := 0
	for _, f := range files {
		if total <= s.maxBytes {
			break
		}
		if f.key == keep {
			continue
		}
		if err := s.root.Remove(f.key); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		total -= f.size
		removed++
	}
	return removed, nil
}

func (s *FileStore) mkdirs(dir string) error {
	if dir == "." {
		return nil
	}
	prefix := ""
	for _, part := range strings.Split(dir, "/") {
		prefix = path.Join(prefix, part)
		if err := s.root.Mkdir(prefix, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("storage: mkdir %s: %w", prefix, err)
		}
	}
	return nil
}

func (s *FileStore) hostPath(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// cleanKey turns key into a slash-separated path local to the store.
func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(strings.TrimSpace(key), `\`, "/")
	key = path.Clean(strings.TrimLeft(key, "/"))
	if key == "." || !filepath.IsLocal(filepath.FromSlash(key)) || strings.Contains(path.Base(key), tempMarker) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return key, nil
}
