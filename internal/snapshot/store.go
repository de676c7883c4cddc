package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/splax/bluegreen/internal/domain"
	"github.com/splax/bluegreen/internal/progress"
)

// DefaultTTL is how long a saved timeline is retained.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNotFound is returned by Load when no timeline is stored for a deployment.
var ErrNotFound = errors.New("timeline not found")

// Store persists the final aggregate of watched deployments.
type Store interface {
	Save(ctx context.Context, p progress.Progress) error
	Load(ctx context.Context, deploymentID string) (progress.Progress, error)
	Close() error
}

// Options selects and configures a timeline backend.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	// Dir holds timeline files when Redis is not configured or unreachable.
	Dir    string
	Logger *slog.Logger
}

// Open returns a Redis backed store when Addr is set and reachable. Otherwise
// it returns a file store under Dir, or an in-memory store when Dir is empty.
func Open(opts Options) Store {
	if strings.TrimSpace(opts.Addr) != "" {
		store, err := NewRedisStore(opts.Addr, opts.Password, opts.DB, opts.TTL, opts.Logger)
		if err == nil {
			return store
		}
		if opts.Logger != nil {
			opts.Logger.Warn("redis timeline store unavailable", "addr", opts.Addr, "error", err)
		}
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return NewMemoryStore()
	}
	store, err := NewFileStore(opts.Dir, opts.TTL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Warn("file timeline store unavailable", "dir", opts.Dir, "error", err)
		}
		return NewMemoryStore()
	}
	return store
}

func encode(p progress.Progress) ([]byte, error) {
	if err := domain.ValidateDeploymentID(p.DeploymentID); err != nil {
		return nil, err
	}
	if p.Events == nil {
		p.Events = []domain.DeploymentEvent{}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode timeline: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (progress.Progress, error) {
	var p progress.Progress
	if err := json.Unmarshal(payload, &p); err != nil {
		return progress.Progress{}, fmt.Errorf("decode timeline: %w", err)
	}
	if p.Events == nil {
		p.Events = []domain.DeploymentEvent{}
	}
	return p, nil
}

// MemoryStore keeps timelines for the life of the process.
type MemoryStore struct {
	mu        sync.RWMutex
	timelines map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timelines: make(map[string][]byte)}
}

// Save stores p under its deployment id, replacing any earlier timeline.
func (m *MemoryStore) Save(ctx context.Context, p progress.Progress) error {
	payload, err := encode(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.timelines[p.DeploymentID] = payload
	m.mu.Unlock()
	return nil
}

// Load returns a copy of the stored timeline.
func (m *MemoryStore) Load(ctx context.Context, deploymentID string) (progress.Progress, error) {
	m.mu.RLock()
	payload, ok := m.timelines[deploymentID]
	m.mu.RUnlock()
	if !ok {
		return progress.Progress{}, fmt.Errorf("%w: %s", ErrNotFound, deploymentID)
	}
	return decode(payload)
}

// IDs lists the stored deployment ids in order.
func (m *MemoryStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.timelines))
	for id := range m.timelines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *MemoryStore) Close() error { return nil }
