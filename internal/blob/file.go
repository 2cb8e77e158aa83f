package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// FileAdapter stores payloads on disk, sharded into a directory tree by
// fingerprint prefix (aa/bb/cc/rest) and zlib-compressed.
type FileAdapter struct {
	dir string
}

func NewFileAdapter(dir string) (*FileAdapter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blob: directory is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileAdapter{dir: dir}, nil
}

func (a *FileAdapter) Store(ctx context.Context, id string, raw []byte) error {
	path, err := a.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	// O_EXCL makes the existence check and the create one atomic step,
	// defending the write-once contract against concurrent writers.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("blob %s: %w", id, ErrExists)
		}
		return err
	}

	zw, err := zlib.NewWriterLevel(f, zlib.BestCompression)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func (a *FileAdapter) Retrieve(ctx context.Context, id string) ([]byte, error) {
	path, err := a.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("blob %s: corrupt payload: %w", id, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (a *FileAdapter) Delete(ctx context.Context, id string) (bool, error) {
	path, err := a.path(id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *FileAdapter) Exist(ctx context.Context, id string) (bool, error) {
	path, err := a.path(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CompressedSize returns the payload's size on disk in bytes.
func (a *FileAdapter) CompressedSize(id string) (int64, error) {
	path, err := a.path(id)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return 0, err
	}
	return fi.Size(), nil
}

func (a *FileAdapter) path(id string) (string, error) {
	if len(id) < 7 {
		return "", fmt.Errorf("blob id too short: %q", id)
	}
	return filepath.Join(a.dir, id[0:2], id[2:4], id[4:6], id[6:]), nil
}
