package checkpoint

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Store persists checkpoint payloads between runs.
type Store interface {
	// Save durably writes the payload, replacing any previous one.
	Save(ctx context.Context, payload []byte) error
	// Load reads the last saved payload. Returns found=false when no
	// checkpoint exists yet.
	Load(ctx context.Context) (payload []byte, found bool, err error)
}

// FileStore keeps the checkpoint in a local file, written atomically via
// a rename.
type FileStore struct {
	Path string
}

// NewFileStore creates a store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to create checkpoint directory")
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to create checkpoint temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.KindInternal, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to close checkpoint temp file")
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to commit checkpoint")
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.KindInternal, "failed to read checkpoint")
	}
	return data, true, nil
}
