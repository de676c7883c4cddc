package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/splax/bluegreen/internal/domain"
	"github.com/splax/bluegreen/internal/progress"
)

// FileStore keeps one JSON file per deployment. Files older than the TTL are
// treated as missing and removed on Load.
type FileStore struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// NewFileStore creates dir if needed and returns a FileStore rooted there.
func NewFileStore(dir string, ttl time.Duration) (*FileStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create timeline dir: %w", err)
	}
	return &FileStore{dir: dir, ttl: ttl, now: time.Now}, nil
}

// Path returns the file holding the timeline of deploymentID.
func (f *FileStore) Path(deploymentID string) string {
	return filepath.Join(f.dir, deploymentID+".json")
}

// Save writes p atomically, replacing any earlier timeline.
func (f *FileStore) Save(ctx context.Context, p progress.Progress) error {
	payload, err := encode(p)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".timeline-*")
	if err != nil {
		return fmt.Errorf("save timeline: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("save timeline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save timeline: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path(p.DeploymentID)); err != nil {
		return fmt.Errorf("save timeline: %w", err)
	}
	return nil
}

// Load reads the timeline of deploymentID.
func (f *FileStore) Load(ctx context.Context, deploymentID string) (progress.Progress, error) {
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		return progress.Progress{}, err
	}
	path := f.Path(deploymentID)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return progress.Progress{}, fmt.Errorf("%w: %s", ErrNotFound, deploymentID)
	}
	if err != nil {
		return progress.Progress{}, fmt.Errorf("load timeline: %w", err)
	}
	if f.now().Sub(info.ModTime()) > f.ttl {
		_ = os.Remove(path)
		return progress.Progress{}, fmt.Errorf("%w: %s", ErrNotFound, deploymentID)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return progress.Progress{}, fmt.Errorf("load timeline: %w", err)
	}
	return decode(payload)
}

func (f *FileStore) Close() error { return nil }
