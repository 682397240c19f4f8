package quota

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
	"github.com/skyrelay/antigravity-gateway/internal/credential"
)

// Sweep cadence and thresholds. Exposed as package constants so deployments
// can reference them; the Monitor fields allow overriding in tests.
const (
	DefaultCheckInterval = 30 * time.Minute
	DefaultIdleWindow    = 30 * time.Minute
	DefaultRecheckWindow = 5 * time.Hour
	DefaultLowWatermark  = 0.05
)

// Entry is the cached quota snapshot for one credential.
type Entry struct {
	Models    map[string]antigravity.ModelQuota
	LastCheck time.Time
	LastUsed  time.Time
}

// Monitor polls the upstream quota endpoint per credential and parks or
// revives models around the low watermark.
type Monitor struct {
	store  *credential.Store
	client *antigravity.Client
	logger *log.Logger

	CheckInterval time.Duration
	IdleWindow    time.Duration
	RecheckWindow time.Duration
	LowWatermark  float64

	// limiter paces per-credential checks inside one sweep.
	limiter *rate.Limiter

	mu    sync.RWMutex
	cache map[string]*Entry

	// checking serializes sweeps; an overlapping tick is skipped.
	checkingMu sync.Mutex
	checking   bool
}

// NewMonitor builds a monitor over the credential pool.
func NewMonitor(store *credential.Store, client *antigravity.Client, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		store:         store,
		client:        client,
		logger:        logger,
		CheckInterval: DefaultCheckInterval,
		IdleWindow:    DefaultIdleWindow,
		RecheckWindow: DefaultRecheckWindow,
		LowWatermark:  DefaultLowWatermark,
		limiter:       rate.NewLimiter(rate.Every(2*time.Second), 1),
		cache:         make(map[string]*Entry),
	}
}

// Run sweeps immediately, then on the fixed cadence until stopCh closes.
func (m *Monitor) Run(stopCh <-chan struct{}) {
	m.logger.Printf("[INFO] quota: monitor started (interval=%s)", m.CheckInterval)
	m.Sweep(context.Background())

	ticker := time.NewTicker(m.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep(context.Background())
		case <-stopCh:
			m.logger.Printf("[INFO] quota: monitor stopped")
			return
		}
	}
}

// Sweep checks every enabled credential once. Overlapping sweeps are
// skipped with a warning.
func (m *Monitor) Sweep(ctx context.Context) {
	m.checkingMu.Lock()
	if m.checking {
		m.checkingMu.Unlock()
		m.logger.Printf("[WARN] quota: previous sweep still running, skipping tick")
		return
	}
	m.checking = true
	m.checkingMu.Unlock()
	defer func() {
		m.checkingMu.Lock()
		m.checking = false
		m.checkingMu.Unlock()
	}()

	now := time.Now()
	for _, cred := range m.store.List() {
		lastUsed, lastCheck := m.stamps(cred)
		idle := lastUsed.IsZero() || now.Sub(lastUsed) > m.IdleWindow
		recentlyChecked := !lastCheck.IsZero() && now.Sub(lastCheck) < m.RecheckWindow
		if idle && recentlyChecked {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		m.checkOne(ctx, cred)
	}
}

// CheckNow forces a single credential check outside the sweep cadence.
func (m *Monitor) CheckNow(ctx context.Context, cred *credential.Credential) {
	m.checkOne(ctx, cred)
}

func (m *Monitor) checkOne(ctx context.Context, cred *credential.Credential) {
	if cred.Expired(time.Now()) {
		if err := m.store.Refresh(ctx, cred); err != nil {
			m.logger.Printf("[WARN] quota: refresh failed for project=%s: %v", cred.Project(), err)
			return
		}
	}
	models, err := m.client.FetchModels(ctx, cred.Token())
	if err != nil {
		m.logger.Printf("[WARN] quota: fetch failed for project=%s: %v", cred.Project(), err)
		return
	}

	m.mu.Lock()
	entry := m.entryLocked(cred)
	entry.Models = models
	entry.LastCheck = time.Now()
	m.mu.Unlock()

	for model, q := range models {
		switch {
		case q.Remaining <= m.LowWatermark && !cred.ModelDisabled(model):
			m.logger.Printf("[WARN] quota: project=%s model=%s remaining=%.1f%%, disabling", cred.Project(), model, q.Remaining*100)
			if err := m.store.SetModelDisabled(cred, model, true); err != nil {
				m.logger.Printf("[ERROR] quota: persist disable failed: %v", err)
			}
		case q.Remaining > m.LowWatermark && cred.ModelDisabled(model):
			m.logger.Printf("[INFO] quota: project=%s model=%s recovered to %.1f%%, re-enabling", cred.Project(), model, q.Remaining*100)
			if err := m.store.SetModelDisabled(cred, model, false); err != nil {
				m.logger.Printf("[ERROR] quota: persist re-enable failed: %v", err)
			}
		}
	}
}

// MarkUsed bumps the credential's last-used stamp. Called on every
// successful selection.
func (m *Monitor) MarkUsed(projectID string) {
	if projectID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[projectID]
	if !ok {
		entry = &Entry{}
		m.cache[projectID] = entry
	}
	entry.LastUsed = time.Now()
}

// Snapshot returns the cached per-model quota for a credential, or nil.
func (m *Monitor) Snapshot(cred *credential.Credential) map[string]antigravity.ModelQuota {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[cred.Key()]
	if !ok || entry.Models == nil {
		return nil
	}
	out := make(map[string]antigravity.ModelQuota, len(entry.Models))
	for k, v := range entry.Models {
		out[k] = v
	}
	return out
}

// stamps copies the sweep-relevant timestamps under the cache lock.
func (m *Monitor) stamps(cred *credential.Credential) (lastUsed, lastCheck time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entryLocked(cred)
	return entry.LastUsed, entry.LastCheck
}

// entryLocked returns the cache slot for a credential, migrating an old
// refresh-token keyed slot once the project id is known. Callers hold m.mu.
func (m *Monitor) entryLocked(cred *credential.Credential) *Entry {
	k := cred.Key()
	if entry, ok := m.cache[k]; ok {
		return entry
	}
	if cred.Project() != "" {
		refreshKey := cred.RefreshKey()
		if old, ok := m.cache[refreshKey]; ok {
			delete(m.cache, refreshKey)
			m.cache[k] = old
			return old
		}
	}
	entry := &Entry{}
	m.cache[k] = entry
	return entry
}
