package cooldown

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
)

// Reason classifies why a pair was parked.
type Reason string

const (
	ReasonResourceExhausted Reason = "RESOURCE_EXHAUSTED"
	ReasonOther             Reason = "OTHER"
)

// groupExhaustedThreshold: at or below this average remaining fraction the
// whole model group is treated as sharing one drained pool.
const groupExhaustedThreshold = 0.01

// Record is one forbidden (projectId, model) pair.
type Record struct {
	ProjectID string `json:"projectId"`
	Model     string `json:"model"`
	// ResetTimestamp and CreatedAt are unix milliseconds.
	ResetTimestamp int64  `json:"resetTimestamp"`
	CreatedAt      int64  `json:"createdAt"`
	Reason         Reason `json:"reason"`
}

// ResetAt returns the deadline as a time.Time.
func (r Record) ResetAt() time.Time {
	return time.UnixMilli(r.ResetTimestamp)
}

type persistedDoc struct {
	Cooldowns []Record `json:"cooldowns"`
}

// Registry tracks cooldown records keyed by "{projectId}:{model}".
type Registry struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	records map[string]Record
	timers  map[string]*time.Timer
	closed  bool
}

// NewRegistry builds a registry persisting to path.
func NewRegistry(path string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		path:    path,
		logger:  logger,
		records: make(map[string]Record),
		timers:  make(map[string]*time.Timer),
	}
}

func key(projectID, model string) string {
	return projectID + ":" + model
}

// Load reads persisted cooldowns, discards expired records, and compacts
// the file once.
func (r *Registry) Load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cooldowns: %w", err)
	}
	var doc persistedDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse cooldowns %s: %w", r.path, err)
	}

	now := time.Now()
	r.mu.Lock()
	kept := 0
	for _, rec := range doc.Cooldowns {
		if !rec.ResetAt().After(now) {
			continue
		}
		k := key(rec.ProjectID, rec.Model)
		r.records[k] = rec
		r.scheduleLocked(k, rec)
		kept++
	}
	r.mu.Unlock()

	r.logger.Printf("[INFO] cooldown: loaded %d live records (%d expired discarded)", kept, len(doc.Cooldowns)-kept)
	return r.persist()
}

// Put installs a cooldown for a single (projectId, model) pair.
func (r *Registry) Put(projectID, model string, resetAt time.Time, reason Reason) {
	r.putAll(projectID, []string{model}, resetAt, reason)
}

// PutWithQuota installs a cooldown, fanning out to the model's whole group
// when the group's average remaining quota shows true exhaustion. A
// transient rate limit leaves sibling models untouched.
func (r *Registry) PutWithQuota(projectID, model string, resetAt time.Time, reason Reason, quota map[string]antigravity.ModelQuota) {
	members := antigravity.GroupFor(model)
	if len(members) == 0 || quota == nil {
		r.Put(projectID, model, resetAt, reason)
		return
	}
	var sum float64
	var n int
	for _, m := range members {
		if q, ok := quota[m]; ok {
			sum += q.Remaining
			n++
		}
	}
	if n == 0 || sum/float64(n) > groupExhaustedThreshold {
		r.Put(projectID, model, resetAt, reason)
		return
	}
	r.logger.Printf("[WARN] cooldown: group exhausted for project=%s model=%s, parking %d models", projectID, model, len(members))
	r.putAll(projectID, members, resetAt, reason)
}

func (r *Registry) putAll(projectID string, models []string, resetAt time.Time, reason Reason) {
	now := time.Now()
	r.mu.Lock()
	for _, model := range models {
		rec := Record{
			ProjectID:      projectID,
			Model:          model,
			ResetTimestamp: resetAt.UnixMilli(),
			CreatedAt:      now.UnixMilli(),
			Reason:         reason,
		}
		k := key(projectID, model)
		r.records[k] = rec
		r.scheduleLocked(k, rec)
	}
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		r.logger.Printf("[ERROR] cooldown: persist failed: %v", err)
	}
}

// scheduleLocked (re)arms the expiry timer for a record. Caller holds mu.
func (r *Registry) scheduleLocked(k string, rec Record) {
	if t, ok := r.timers[k]; ok {
		t.Stop()
	}
	if r.closed {
		return
	}
	d := time.Until(rec.ResetAt())
	if d < 0 {
		d = 0
	}
	r.timers[k] = time.AfterFunc(d, func() {
		r.expire(k)
	})
}

func (r *Registry) expire(k string) {
	r.mu.Lock()
	rec, ok := r.records[k]
	if ok && !rec.ResetAt().After(time.Now()) {
		delete(r.records, k)
		delete(r.timers, k)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Printf("[INFO] cooldown: expired project=%s model=%s, usable again", rec.ProjectID, rec.Model)
	if err := r.persist(); err != nil {
		r.logger.Printf("[ERROR] cooldown: persist failed: %v", err)
	}
}

// IsOn reports whether the pair is currently parked. Expired records are
// evicted lazily.
func (r *Registry) IsOn(projectID, model string) bool {
	k := key(projectID, model)
	r.mu.Lock()
	rec, ok := r.records[k]
	if ok && !rec.ResetAt().After(time.Now()) {
		delete(r.records, k)
		if t, exists := r.timers[k]; exists {
			t.Stop()
			delete(r.timers, k)
		}
		ok = false
	}
	r.mu.Unlock()
	return ok
}

// List enumerates live records.
func (r *Registry) List() []Record {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.ResetAt().After(now) {
			out = append(out, rec)
		}
	}
	return out
}

// ListForProject enumerates live records for one project.
func (r *Registry) ListForProject(projectID string) []Record {
	var out []Record
	for _, rec := range r.List() {
		if rec.ProjectID == projectID {
			out = append(out, rec)
		}
	}
	return out
}

// Remove clears one pair.
func (r *Registry) Remove(projectID, model string) {
	k := key(projectID, model)
	r.mu.Lock()
	delete(r.records, k)
	if t, ok := r.timers[k]; ok {
		t.Stop()
		delete(r.timers, k)
	}
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		r.logger.Printf("[ERROR] cooldown: persist failed: %v", err)
	}
}

// ClearAll drops every record.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
	r.records = make(map[string]Record)
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		r.logger.Printf("[ERROR] cooldown: persist failed: %v", err)
	}
}

// Close stops all pending timers. The registry stays readable.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
}

func (r *Registry) persist() error {
	r.mu.Lock()
	doc := persistedDoc{Cooldowns: make([]Record, 0, len(r.records))}
	for _, rec := range r.records {
		doc.Cooldowns = append(doc.Cooldowns, rec)
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cooldowns: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cooldowns directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cooldowns-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write cooldowns: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close cooldowns: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace cooldowns: %w", err)
	}
	return nil
}
