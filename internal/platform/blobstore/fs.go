package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FSBlobStore keeps blobs under a root directory sharded by the first two
// byte pairs of the key: root/ab/cd/abcd....
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates the root directory if needed.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", root, err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) path(key string) string {
	return filepath.Join(s.root, key[:2], key[2:4], key)
}

func (s *FSBlobStore) Put(_ context.Context, data []byte) (Info, error) {
	key := KeyOf(data)
	p := s.path(key)

	now := time.Now()
	err := os.Chtimes(p, now, now)
	if err == nil {
		st, err := os.Stat(p)
		if err != nil {
			return Info{}, fmt.Errorf("stat blob: %w", err)
		}
		return Info{Key: key, Size: st.Size(), CreatedAt: st.ModTime().UTC()}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("touch blob: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return Info{}, fmt.Errorf("create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return Info{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("close blob: %w", err)
	}
	// rename is atomic; a concurrent writer of the same key writes identical bytes
	if err := os.Rename(tmp.Name(), p); err != nil {
		return Info{}, fmt.Errorf("commit blob: %w", err)
	}

	st, err := os.Stat(p)
	if err != nil {
		return Info{}, fmt.Errorf("stat blob: %w", err)
	}
	return Info{Key: key, Size: st.Size(), CreatedAt: st.ModTime().UTC()}, nil
}

func (s *FSBlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (s *FSBlobStore) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FSBlobStore) List(ctx context.Context) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !ValidKey(d.Name()) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Info{Key: d.Name(), Size: st.Size(), CreatedAt: st.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk blob dir: %w", err)
	}
	return out, nil
}
