package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// FSStore implements Store as one file per key in a directory of a billy
// filesystem. File names are the base64url encoding of the key, so any key
// is a valid name. Writes go to a temporary file that is renamed into place,
// so a crash never leaves a truncated value behind.
type FSStore struct {
	mu  sync.Mutex
	fs  billy.Filesystem
	dir string
}

const tempPrefix = ".tmp-"

// NewFSStore stores values under dir on the local disk.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return NewFSStoreOn(osfs.New(dir), "/"), nil
}

// NewMemFSStore stores values in an in-memory filesystem.
func NewMemFSStore() *FSStore {
	return NewFSStoreOn(memfs.New(), "/")
}

// NewFSStoreOn stores values under dir of an existing filesystem.
func NewFSStoreOn(fs billy.Filesystem, dir string) *FSStore {
	return &FSStore{fs: fs, dir: dir}
}

func encodeName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeName(name string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *FSStore) path(key string) string {
	return s.fs.Join(s.dir, encodeName(key))
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value)
}

func (s *FSStore) SetMany(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		if err := s.write(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *FSStore) write(key string, value []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp, err := util.TempFile(s.fs, s.dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path(key)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) DeleteMany(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if err := s.fs.Remove(s.path(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", k, err)
		}
	}
	return nil
}

func (s *FSStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.fs.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}

	var keys []string
	for _, info := range infos {
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			continue
		}
		key, ok := decodeName(info.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSStore) Ping(_ context.Context) error {
	_, err := s.fs.Stat(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FSStore) Close() error { return nil }
