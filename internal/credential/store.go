package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
)

// ErrAuthDead marks a credential the upstream has rejected outright
// (OAuth 400/403 or an ineligible account). Callers disable and move on.
var ErrAuthDead = errors.New("credential authorization dead")

// expirySkew treats access tokens as expired this long before they are.
const expirySkew = 5 * time.Minute

// Credential is one persisted OAuth identity. The refresh token is the
// primary key. The embedded mutex synchronizes the accessor methods with
// the store's writers; callers outside this package read through the
// accessors, never the fields.
type Credential struct {
	RefreshToken   string   `json:"refresh_token"`
	AccessToken    string   `json:"access_token,omitempty"`
	ExpiresIn      int64    `json:"expires_in,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	ProjectID      string   `json:"projectId,omitempty"`
	Enable         *bool    `json:"enable,omitempty"`
	DisabledModels []string `json:"disabledModels,omitempty"`

	mu sync.RWMutex
	// sessionID lives exactly as long as the credential is in memory.
	sessionID string
}

// credentialState mirrors the persisted fields for lock-held marshalling.
type credentialState struct {
	RefreshToken   string   `json:"refresh_token"`
	AccessToken    string   `json:"access_token,omitempty"`
	ExpiresIn      int64    `json:"expires_in,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	ProjectID      string   `json:"projectId,omitempty"`
	Enable         *bool    `json:"enable,omitempty"`
	DisabledModels []string `json:"disabledModels,omitempty"`
}

// MarshalJSON snapshots the fields under the read lock so persistence
// does not race concurrent refresh writes.
func (c *Credential) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(credentialState{
		RefreshToken:   c.RefreshToken,
		AccessToken:    c.AccessToken,
		ExpiresIn:      c.ExpiresIn,
		Timestamp:      c.Timestamp,
		ProjectID:      c.ProjectID,
		Enable:         c.Enable,
		DisabledModels: append([]string(nil), c.DisabledModels...),
	})
}

// Enabled reports whether the credential is administratively alive.
func (c *Credential) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Enable == nil || *c.Enable
}

// ExpiresAt derives the access-token deadline from the last refresh.
func (c *Credential) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAtLocked()
}

func (c *Credential) expiresAtLocked() time.Time {
	if c.Timestamp == 0 || c.ExpiresIn == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.Timestamp).Add(time.Duration(c.ExpiresIn) * time.Second)
}

// Expired reports whether the token needs a refresh, applying the skew.
func (c *Credential) Expired(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AccessToken == "" {
		return true
	}
	at := c.expiresAtLocked()
	if at.IsZero() {
		return true
	}
	return !now.Add(expirySkew).Before(at)
}

// Token returns the current access token.
func (c *Credential) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccessToken
}

// Project returns the current project id, empty before discovery.
func (c *Credential) Project() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ProjectID
}

// RefreshKey returns the refresh token, the credential's primary key.
func (c *Credential) RefreshKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RefreshToken
}

// Key prefers the stable project id, falling back to the refresh token
// before discovery has run.
func (c *Credential) Key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ProjectID != "" {
		return c.ProjectID
	}
	return c.RefreshToken
}

// SessionID returns the ephemeral per-process session id.
func (c *Credential) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ModelDisabled reports whether the quota monitor has parked this model.
func (c *Credential) ModelDisabled(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.DisabledModels {
		if m == model {
			return true
		}
	}
	return false
}

// DisabledModelList returns a copy of the parked-model set.
func (c *Credential) DisabledModelList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.DisabledModels...)
}

// Store owns the credential pool and its JSON persistence.
type Store struct {
	path   string
	client *antigravity.Client
	logger *log.Logger

	// RandomProjectID substitutes a generated placeholder instead of
	// calling project discovery.
	RandomProjectID bool

	mu    sync.RWMutex
	creds []*Credential
}

// NewStore builds a store persisting to path.
func NewStore(path string, client *antigravity.Client, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{path: path, client: client, logger: logger}
}

// Load reads the credential array from disk, keeping only enabled entries.
// Each loaded credential gets a fresh session id.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("[WARN] credential: %s not found, starting with empty pool", s.path)
			return nil
		}
		return fmt.Errorf("read credentials: %w", err)
	}
	var all []*Credential
	if err := json.Unmarshal(raw, &all); err != nil {
		return fmt.Errorf("parse credentials %s: %w", s.path, err)
	}

	var live []*Credential
	seen := map[string]bool{}
	for _, cred := range all {
		if strings.TrimSpace(cred.RefreshToken) == "" || seen[cred.RefreshToken] {
			continue
		}
		seen[cred.RefreshToken] = true
		if !cred.Enabled() {
			continue
		}
		if cred.DisabledModels == nil {
			cred.DisabledModels = []string{}
		}
		cred.sessionID = newSessionID()
		live = append(live, cred)
	}

	s.mu.Lock()
	s.creds = live
	s.mu.Unlock()
	s.logger.Printf("[INFO] credential: loaded %d of %d credentials from %s", len(live), len(all), s.path)
	return nil
}

// List returns a snapshot of the live pool.
func (s *Store) List() []*Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// Len returns the live pool size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}

// ByProjectID finds a live credential by project id.
func (s *Store) ByProjectID(projectID string) *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cred := range s.creds {
		if cred.Project() == projectID {
			return cred
		}
	}
	return nil
}

// Refresh exchanges the refresh token for a new access token and persists.
// OAuth 400/403 returns ErrAuthDead; other failures are transient.
func (s *Store) Refresh(ctx context.Context, cred *Credential) error {
	token, err := s.client.RefreshToken(ctx, cred.RefreshKey())
	if err != nil {
		var statusErr *antigravity.StatusError
		if errors.As(err, &statusErr) && (statusErr.Code == 400 || statusErr.Code == 403) {
			return fmt.Errorf("%w: oauth refresh rejected: %v", ErrAuthDead, err)
		}
		return fmt.Errorf("oauth refresh: %w", err)
	}

	cred.mu.Lock()
	cred.AccessToken = token.AccessToken
	cred.ExpiresIn = token.ExpiresIn
	cred.Timestamp = time.Now().UnixMilli()
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.mu.Unlock()

	return s.Persist()
}

// EnsureProject fills in a missing project id, either by upstream
// discovery or by synthesizing a placeholder when RandomProjectID is set.
// An empty discovery reply means the account is ineligible.
func (s *Store) EnsureProject(ctx context.Context, cred *Credential) error {
	if strings.TrimSpace(cred.Project()) != "" {
		return nil
	}
	if s.RandomProjectID {
		cred.mu.Lock()
		cred.ProjectID = newProjectID()
		cred.mu.Unlock()
		return s.Persist()
	}
	projectID, err := s.client.LoadProject(ctx, cred.Token())
	if err != nil {
		var statusErr *antigravity.StatusError
		if errors.As(err, &statusErr) && (statusErr.Code == 400 || statusErr.Code == 403) {
			return fmt.Errorf("%w: project discovery rejected: %v", ErrAuthDead, err)
		}
		return fmt.Errorf("project discovery: %w", err)
	}
	if projectID == "" {
		return fmt.Errorf("%w: account has no project", ErrAuthDead)
	}

	cred.mu.Lock()
	cred.ProjectID = projectID
	cred.mu.Unlock()
	return s.Persist()
}

// Disable marks a credential dead, persists it, and drops it from the pool.
func (s *Store) Disable(cred *Credential) error {
	disabled := false
	cred.mu.Lock()
	cred.Enable = &disabled
	cred.mu.Unlock()
	s.mu.Lock()
	for i, c := range s.creds {
		if c == cred {
			s.creds = append(s.creds[:i], s.creds[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.logger.Printf("[WARN] credential: disabled project=%s", cred.Project())
	return s.persistWith(cred)
}

// SetModelDisabled adds or removes a model from the credential's disabled
// set and persists on change.
func (s *Store) SetModelDisabled(cred *Credential, model string, disabled bool) error {
	changed := false
	cred.mu.Lock()
	has := false
	for _, m := range cred.DisabledModels {
		if m == model {
			has = true
			break
		}
	}
	switch {
	case disabled && !has:
		cred.DisabledModels = append(cred.DisabledModels, model)
		changed = true
	case !disabled && has:
		kept := cred.DisabledModels[:0]
		for _, m := range cred.DisabledModels {
			if m != model {
				kept = append(kept, m)
			}
		}
		cred.DisabledModels = kept
		changed = true
	}
	cred.mu.Unlock()
	if !changed {
		return nil
	}
	return s.Persist()
}

// Persist writes the full array back to disk. The write is merge-style:
// the on-disk file is re-read first so entries added by hand survive.
func (s *Store) Persist() error {
	return s.persistWith(nil)
}

func (s *Store) persistWith(extra *Credential) error {
	merged := map[string]*Credential{}
	var order []string

	if raw, err := os.ReadFile(s.path); err == nil {
		var disk []*Credential
		if err := json.Unmarshal(raw, &disk); err == nil {
			for _, cred := range disk {
				if strings.TrimSpace(cred.RefreshToken) == "" {
					continue
				}
				if _, ok := merged[cred.RefreshToken]; !ok {
					order = append(order, cred.RefreshToken)
				}
				merged[cred.RefreshToken] = cred
			}
		}
	}

	s.mu.RLock()
	live := make([]*Credential, len(s.creds))
	copy(live, s.creds)
	s.mu.RUnlock()
	if extra != nil {
		live = append(live, extra)
	}
	for _, cred := range live {
		key := cred.RefreshKey()
		if _, ok := merged[key]; !ok {
			order = append(order, key)
		}
		merged[key] = cred
	}

	out := make([]*Credential, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	return atomicWrite(s.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

func newSessionID() string {
	return strconv.FormatInt(-rand.Int63(), 10)
}

var projectAdjectives = []string{"useful", "shiny", "brave", "calm", "swift", "quiet", "bright", "solid"}
var projectNouns = []string{"fuze", "delta", "ray", "spark", "prism", "vertex", "orbit", "relay"}

func newProjectID() string {
	const digits = "0123456789"
	suffix := make([]byte, 5)
	for i := range suffix {
		suffix[i] = digits[rand.Intn(len(digits))]
	}
	return fmt.Sprintf("%s-%s-%s",
		projectAdjectives[rand.Intn(len(projectAdjectives))],
		projectNouns[rand.Intn(len(projectNouns))],
		suffix)
}
