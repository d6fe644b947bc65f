// Package render tracks on-disk render artifacts: unique path
// allocation, a metadata index, TTL expiry, and LRU eviction under a
// byte budget.
package render

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goxel/goxeld/internal/logging"
	"github.com/goxel/goxeld/internal/metrics"
)

// Defaults applied when the config leaves fields unset.
const (
	DefaultRoot        = "/tmp/goxel_renders"
	DefaultBudgetBytes = 256 << 20 // 256MB
	DefaultTTL         = time.Hour

	janitorInterval = 30 * time.Second
)

var (
	// ErrExists is returned by Register for an already-indexed path.
	ErrExists = errors.New("render: file already registered")
	// ErrNotFound is returned by Remove for an unknown path.
	ErrNotFound = errors.New("render: file not found")
	// ErrOutsideRoot rejects paths escaping the configured root.
	ErrOutsideRoot = errors.New("render: path outside render root")
)

// Config configures the artifact manager.
type Config struct {
	Root        string
	BudgetBytes int64
	TTL         time.Duration
}

// Entry is one tracked artifact.
type Entry struct {
	Path           string    `json:"path"`
	SessionID      string    `json:"session_id"`
	Format         string    `json:"format"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Stats is a manager snapshot.
type Stats struct {
	Count        int   `json:"count"`
	TotalBytes   int64 `json:"total_bytes"`
	BudgetBytes  int64 `json:"budget_bytes"`
	TTLSeconds   int64 `json:"ttl_seconds"`
	TotalRenders int64 `json:"total_renders"`
}

// Manager owns the artifact index.
//
// # Concurrency
//
// A single mutex guards the index; operations are short. Register stats
// the file while holding the lock, acceptable at this latency. For each
// on-disk file the manager claims, exactly one index entry exists.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	entries    map[string]*Entry
	totalBytes int64
	renders    int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the manager and its root directory (0700), then starts the
// background janitor that expires entries by TTL.
func New(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = DefaultBudgetBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = abs
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create render root: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		stopCh:  make(chan struct{}),
	}
	go m.janitorLoop()
	return m, nil
}

// Close stops the janitor. Indexed files stay on disk.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Root returns the configured artifact root.
func (m *Manager) Root() string { return m.cfg.Root }

// AllocatePath returns a unique absolute path under the root:
//
//	render_<unix>_<session-or-token>_<8hex>.<format>
func (m *Manager) AllocatePath(session, format string) (string, error) {
	if format == "" {
		format = "png"
	}
	tag := session
	if tag == "" {
		t, err := Token()
		if err != nil {
			return "", err
		}
		tag = t
	}
	tok, err := Token()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("render_%d_%s_%s.%s", time.Now().Unix(), tag, tok, format)
	path := filepath.Join(m.cfg.Root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	return path, nil
}

// Register indexes an artifact the engine just produced. The path must
// live under the root and exist on disk. Budget enforcement runs before
// returning, so the budget invariant holds after every successful call.
func (m *Manager) Register(path, session, format string, w, h int) error {
	if !ValidatePath(path, m.cfg.Root) {
		return ErrOutsideRoot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.entries[path]; dup {
		return ErrExists
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("render: stat artifact: %w", err)
	}

	now := time.Now()
	e := &Entry{
		Path:           path,
		SessionID:      session,
		Format:         format,
		Width:          w,
		Height:         h,
		SizeBytes:      info.Size(),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	m.entries[path] = e
	m.totalBytes += e.SizeBytes
	m.renders++
	metrics.RecordRender()

	count, freed := m.enforceBudgetLocked()
	if count > 0 {
		logging.Op().Debug("render budget eviction", "evicted", count, "bytes_freed", freed)
	}
	m.publishLocked()
	return nil
}

// Get looks up an entry and bumps its access time on hit. The returned
// value is a copy; callers cannot mutate the index through it.
func (m *Manager) Get(path string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return Entry{}, false
	}
	e.LastAccessedAt = time.Now()
	return *e, true
}

// Remove unlinks the file and drops the entry.
func (m *Manager) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(m.entries, path)
	m.totalBytes -= e.SizeBytes
	m.publishLocked()
	return nil
}

// CleanupExpired removes every entry older than the TTL (by creation
// time). Returns the count and bytes freed.
func (m *Manager) CleanupExpired() (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	var freed int64
	for path, e := range m.entries {
		if now.Sub(e.CreatedAt) <= m.cfg.TTL {
			continue
		}
		m.unlinkLocked(path, e)
		count++
		freed += e.SizeBytes
	}
	if count > 0 {
		metrics.RecordRenderEvictions(count)
		m.publishLocked()
	}
	return count, freed
}

// EnforceBudget evicts least-recently-accessed entries until the total
// fits the byte budget. Ties break on the older creation time.
func (m *Manager) EnforceBudget() (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, freed := m.enforceBudgetLocked()
	if count > 0 {
		m.publishLocked()
	}
	return count, freed
}

// GetStats returns the manager snapshot.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Count:        len(m.entries),
		TotalBytes:   m.totalBytes,
		BudgetBytes:  m.cfg.BudgetBytes,
		TTLSeconds:   int64(m.cfg.TTL.Seconds()),
		TotalRenders: m.renders,
	}
}

// Stats returns the snapshot as a generic value for the RPC surface.
func (m *Manager) Stats() any {
	return m.GetStats()
}

func (m *Manager) enforceBudgetLocked() (int, int64) {
	count := 0
	var freed int64
	for m.totalBytes > m.cfg.BudgetBytes && len(m.entries) > 0 {
		var victim *Entry
		for _, e := range m.entries {
			if victim == nil {
				victim = e
				continue
			}
			if e.LastAccessedAt.Before(victim.LastAccessedAt) ||
				(e.LastAccessedAt.Equal(victim.LastAccessedAt) && e.CreatedAt.Before(victim.CreatedAt)) {
				victim = e
			}
		}
		m.unlinkLocked(victim.Path, victim)
		count++
		freed += victim.SizeBytes
	}
	if count > 0 {
		metrics.RecordRenderEvictions(count)
	}
	return count, freed
}

func (m *Manager) unlinkLocked(path string, e *Entry) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("failed to unlink render artifact", "path", path, "error", err)
	}
	delete(m.entries, path)
	m.totalBytes -= e.SizeBytes
}

func (m *Manager) publishLocked() {
	metrics.RecordRenderCache(m.totalBytes, len(m.entries))
}

func (m *Manager) janitorLoop() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if count, freed := m.CleanupExpired(); count > 0 {
				logging.Op().Debug("render ttl cleanup", "removed", count, "bytes_freed", freed)
			}
		}
	}
}

// ValidatePath reports whether p, after normalization, is a descendant
// of base. Traversal components surviving normalization are rejected.
func ValidatePath(p, base string) bool {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absBase, absP)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
