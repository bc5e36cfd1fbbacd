// Package filestore keeps each session's cart record in its own JSON file.
package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/storage"
)

const fileExt = ".json"

var _ storage.Backend = (*Backend)(nil)

// Backend stores records as <dir>/<session>.json.
type Backend struct {
	dir string
}

// New creates dir if needed and returns a Backend rooted at it.
func New(dir string) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	return &Backend{dir: dir}, nil
}

func (b *Backend) Cart(sessionID string) cart.Store {
	return &slot{dir: b.dir, id: sessionID}
}

// Ping checks that the directory is still present and writable.
func (b *Backend) Ping(context.Context) error {
	f, err := os.CreateTemp(b.dir, ".ping-*")
	if err != nil {
		return errors.Wrap(err, "probe dir")
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

type slot struct {
	dir string
	id  string
}

func (s *slot) path() (string, error) {
	if s.id == "" || s.id != filepath.Base(s.id) || strings.HasPrefix(s.id, ".") {
		return "", errors.Errorf("invalid session id %q", s.id)
	}
	return filepath.Join(s.dir, s.id+fileExt), nil
}

func (s *slot) Load(ctx context.Context) ([]cart.Item, error) {
	p, err := s.path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return []cart.Item{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return storage.Decode(ctx, data), nil
}

// Save writes to a temporary file and renames it over the record so readers
// never see a partial write.
func (s *slot) Save(_ context.Context, items []cart.Item) error {
	p, err := s.path()
	if err != nil {
		return err
	}
	data, err := storage.Encode(items)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.dir, "."+s.id+"-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Rename(tmp, p); err != nil {
		return errors.Wrapf(err, "rename to %s", p)
	}
	return nil
}
