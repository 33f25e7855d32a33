package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

const blobExt = ".stash"

// FileBlobStore keeps one file per blob under a single directory. Writes
// go through a temp file and rename so a crash mid-write never leaves a
// half-written stash behind.
type FileBlobStore struct{ dir string }

func NewFileBlobStore(dir string) *FileBlobStore {
	_ = os.MkdirAll(dir, 0o700)
	return &FileBlobStore{dir: dir}
}

func (f *FileBlobStore) Put(_ context.Context, id string, data []byte) error {
	target := filepath.Join(f.dir, id+blobExt)
	tmp, err := os.CreateTemp(f.dir, id+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, target)
}

func (f *FileBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, id+blobExt))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (f *FileBlobStore) Delete(_ context.Context, id string) error {
	err := os.Remove(filepath.Join(f.dir, id+blobExt))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileBlobStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, blobExt))
	}
	return ids, nil
}
