package preview

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/brighthub/bncode/internal/compose"
	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/metrics"
)

var (
	// ErrPreviewExists is returned when trying to create a preview with an existing ID.
	ErrPreviewExists = errors.New("preview already exists")
	// ErrPreviewNotFound is returned when a preview ID is not found.
	ErrPreviewNotFound = errors.New("preview not found")
	// ErrPreviewAmbiguous is returned when an ID prefix matches multiple previews.
	ErrPreviewAmbiguous = errors.New("preview ID is ambiguous - multiple matches")
	// ErrShuttingDown is returned by Create once Shutdown has started.
	ErrShuttingDown = errors.New("preview manager is shutting down")
)

// minPrefixLen is the shortest ID prefix accepted for lookup.
const minPrefixLen = 4

// BundleStore persists and forgets preview bundles.
type BundleStore interface {
	BundleSaver
	DeleteBundle(id string) error
}

// Manager manages multiple previews with lock-free access.
type Manager struct {
	opts  Options
	store BundleStore

	previews     sync.Map // map[string]*Preview
	createMu     sync.Mutex
	activeCount  atomic.Int64
	totalCreated atomic.Int64

	shutdownOnce sync.Once
	shuttingDown atomic.Bool
}

// NewManager creates a manager whose previews share opts. When store is
// non-nil, rendered bundles are saved to it and deleted on Close.
func NewManager(opts Options, store BundleStore) *Manager {
	opts = opts.withDefaults()
	if store != nil {
		opts.Saver = store
	}
	return &Manager{opts: opts, store: store}
}

// Options returns the options shared by managed previews.
func (m *Manager) Options() Options {
	return m.opts
}

// Create creates a new preview. An empty id gets a random one.
func (m *Manager) Create(id string) (*Preview, error) {
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	// Serialized so a duplicate never registers a second sink with the bridge.
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if id != "" {
		if _, exists := m.previews.Load(id); exists {
			return nil, ErrPreviewExists
		}
	}

	p := New(id, m.opts)
	m.previews.Store(p.ID, p)
	m.activeCount.Add(1)
	m.totalCreated.Add(1)
	metrics.PreviewsActive.Inc()

	debug.Log("preview", "created %s", p.ID)
	return p, nil
}

// GetExact retrieves a preview by its full ID. Callers that create on a
// miss or mutate the preview use it so a prefix never selects a sibling.
func (m *Manager) GetExact(id string) (*Preview, error) {
	if val, ok := m.previews.Load(id); ok {
		return val.(*Preview), nil
	}
	return nil, ErrPreviewNotFound
}

// Get retrieves a preview by exact ID or, failing that, by a unique ID
// prefix of at least four characters.
func (m *Manager) Get(id string) (*Preview, error) {
	if val, ok := m.previews.Load(id); ok {
		return val.(*Preview), nil
	}
	if len(id) < minPrefixLen {
		return nil, ErrPreviewNotFound
	}

	var matches []*Preview
	m.previews.Range(func(key, value any) bool {
		if strings.HasPrefix(key.(string), id) {
			matches = append(matches, value.(*Preview))
		}
		return true
	})

	if len(matches) == 0 {
		return nil, ErrPreviewNotFound
	}
	if len(matches) > 1 {
		return nil, ErrPreviewAmbiguous
	}
	return matches[0], nil
}

// List returns all managed previews, oldest first.
func (m *Manager) List() []*Preview {
	var result []*Preview
	m.previews.Range(func(key, value any) bool {
		result = append(result, value.(*Preview))
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ActiveCount returns the number of open previews.
func (m *Manager) ActiveCount() int64 {
	return m.activeCount.Load()
}

// TotalCreated returns the total number of previews ever created.
func (m *Manager) TotalCreated() int64 {
	return m.totalCreated.Load()
}

// Close closes the preview with exactly this id, removes it from the
// registry and forgets its persisted bundle.
func (m *Manager) Close(id string) error {
	p, err := m.GetExact(id)
	if err != nil {
		return err
	}
	return m.closePreview(p, true)
}

func (m *Manager) closePreview(p *Preview, forget bool) error {
	if _, loaded := m.previews.LoadAndDelete(p.ID); !loaded {
		return ErrPreviewNotFound
	}
	m.activeCount.Add(-1)
	metrics.PreviewsActive.Dec()

	var errs []error
	if err := p.Close(); err != nil {
		errs = append(errs, err)
	}
	if forget && m.store != nil {
		if err := m.store.DeleteBundle(p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore recreates previews from persisted bundles and renders each one
// immediately. Failures are collected and the rest still restored.
func (m *Manager) Restore(bundles map[string]compose.SourceBundle) error {
	ids := make([]string, 0, len(bundles))
	for id := range bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		p, err := m.Create(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := p.RenderNow(bundles[id]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ids) > 0 {
		debug.Info("preview", "restored %d preview(s)", len(ids)-len(errs))
	}
	return errors.Join(errs...)
}

// Shutdown closes every preview. Persisted bundles are kept so the next
// process can restore them.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		m.shuttingDown.Store(true)

		var wg sync.WaitGroup
		var errMu sync.Mutex
		var errs []error

		m.previews.Range(func(key, value any) bool {
			wg.Add(1)
			go func(p *Preview) {
				defer wg.Done()
				if err := m.closePreview(p, false); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
			}(value.(*Preview))
			return true
		})

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
		}

		errMu.Lock()
		if len(errs) > 0 {
			shutdownErr = errors.Join(append(errs, shutdownErr)...)
		}
		errMu.Unlock()
	})

	return shutdownErr
}
