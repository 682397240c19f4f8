package selector

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/skyrelay/antigravity-gateway/internal/cooldown"
	"github.com/skyrelay/antigravity-gateway/internal/credential"
	"github.com/skyrelay/antigravity-gateway/internal/tokens"
)

// ErrPoolExhausted means no usable credential after one full round.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Selector hands out credentials round-robin, honoring disabled models,
// cooldowns, and the rolling hourly cap.
type Selector struct {
	store    *credential.Store
	registry *cooldown.Registry
	ledger   *tokens.Ledger
	logger   *log.Logger

	hourlyLimit int

	// usedCallback is set after the quota monitor exists; it breaks the
	// construction cycle between selector and monitor.
	usedCallback func(projectID string)

	mu           sync.Mutex
	currentIndex int
}

// New builds a selector. hourlyLimit caps successful selections per
// project per rolling hour.
func New(store *credential.Store, registry *cooldown.Registry, ledger *tokens.Ledger, hourlyLimit int, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.Default()
	}
	if hourlyLimit <= 0 {
		hourlyLimit = 20
	}
	return &Selector{
		store:       store,
		registry:    registry,
		ledger:      ledger,
		logger:      logger,
		hourlyLimit: hourlyLimit,
	}
}

// SetUsedCallback installs the monitor's markUsed hook.
func (s *Selector) SetUsedCallback(fn func(projectID string)) {
	s.mu.Lock()
	s.usedCallback = fn
	s.mu.Unlock()
}

// ByProjectID returns the live credential for a project, if any.
func (s *Selector) ByProjectID(projectID string) *credential.Credential {
	return s.store.ByProjectID(projectID)
}

// Pick returns the next usable credential for the model, or
// ErrPoolExhausted after one full round.
func (s *Selector) Pick(ctx context.Context, modelName string) (*credential.Credential, error) {
	attempts := s.store.Len()
	if attempts == 0 {
		return nil, ErrPoolExhausted
	}

	for i := 0; i < attempts; i++ {
		cred := s.next()
		if cred == nil {
			break
		}
		if modelName != "" && cred.ModelDisabled(modelName) {
			continue
		}
		if cred.Expired(time.Now()) {
			if err := s.store.Refresh(ctx, cred); err != nil {
				if errors.Is(err, credential.ErrAuthDead) {
					s.logger.Printf("[WARN] selector: refresh auth-dead, disabling project=%s", cred.Project())
					if derr := s.store.Disable(cred); derr != nil {
						s.logger.Printf("[ERROR] selector: disable persist failed: %v", derr)
					}
				} else {
					s.logger.Printf("[WARN] selector: refresh failed for project=%s: %v", cred.Project(), err)
				}
				continue
			}
		}
		if cred.Project() == "" {
			if err := s.store.EnsureProject(ctx, cred); err != nil {
				if errors.Is(err, credential.ErrAuthDead) {
					s.logger.Printf("[WARN] selector: project discovery auth-dead, disabling credential")
					if derr := s.store.Disable(cred); derr != nil {
						s.logger.Printf("[ERROR] selector: disable persist failed: %v", derr)
					}
				} else {
					s.logger.Printf("[WARN] selector: project discovery failed: %v", err)
				}
				continue
			}
		}
		projectID := cred.Project()
		if modelName != "" && s.registry.IsOn(projectID, modelName) {
			continue
		}
		if s.ledger.CountWithinWindow(projectID) >= s.hourlyLimit {
			s.logger.Printf("[DEBUG] selector: project=%s at hourly cap, skipping", projectID)
			continue
		}

		s.ledger.Record(projectID)
		s.mu.Lock()
		cb := s.usedCallback
		s.mu.Unlock()
		if cb != nil {
			cb(projectID)
		}
		return cred, nil
	}
	return nil, ErrPoolExhausted
}

// next advances the round-robin cursor and returns the credential under it.
func (s *Selector) next() *credential.Credential {
	pool := s.store.List()
	if len(pool) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred := pool[s.currentIndex%len(pool)]
	s.currentIndex = (s.currentIndex + 1) % len(pool)
	return cred
}
