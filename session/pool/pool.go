package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoCredentials means no active credential exists for the provider
	// and guest access is not permitted.
	ErrNoCredentials = errors.New("no credentials available")
)

// Config tunes the health state machine.
type Config struct {
	// Threshold is the consecutive-failure count that trips cool-down.
	Threshold int `yaml:"threshold" json:"threshold"`
	// RecoveryTimeout is how long a credential stays cooled down.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// TickInterval drives the background maintenance loop.
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
	// AllowGuest lists providers where anonymous sessions may substitute
	// for configured credentials.
	AllowGuest map[string]bool `yaml:"allow_guest" json:"allow_guest"`
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 1800 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	return c
}

type entry struct {
	cred           Credential
	state          State
	failureStreak  int
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
	insertion      int
	totalRequests  int64
	failedRequests int64
}

// Pool tracks credential health per provider and picks which credential a
// request should use. All state is in-memory; the session store owns the
// harvested bundles themselves.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	byProv  map[string][]*entry
	byKey   map[string]*entry // provider + "/" + id
	nextIdx int
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes pool construction.
type Option func(*Pool)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates an empty pool.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:    cfg.withDefaults(),
		byProv: make(map[string][]*entry),
		byKey:  make(map[string]*entry),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a configured credential in active state.
func (p *Pool) Add(cred Credential) error {
	if cred.Provider == "" || cred.ID == "" {
		return fmt.Errorf("credential needs provider and id")
	}
	if cred.Kind == "" {
		cred.Kind = KindPassword
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := entryKey(cred.Provider, cred.ID)
	if _, ok := p.byKey[key]; ok {
		return fmt.Errorf("credential %s already registered", key)
	}
	e := &entry{cred: cred, state: StateActive, insertion: p.nextIdx}
	p.nextIdx++
	p.byProv[cred.Provider] = append(p.byProv[cred.Provider], e)
	p.byKey[key] = e
	p.logger.Info("credential registered",
		zap.String("provider", cred.Provider),
		zap.String("credential_id", cred.ID),
		zap.String("kind", string(cred.Kind)),
		zap.Int("priority", cred.Priority))
	return nil
}

// Checkout picks the best active credential for the provider. When none is
// active and guest access is permitted, it synthesizes an ephemeral guest
// handle; otherwise it returns ErrNoCredentials.
func (p *Pool) Checkout(providerID string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.promoteLocked(now)

	var best *entry
	for _, e := range p.byProv[providerID] {
		if e.state != StateActive {
			continue
		}
		if best == nil || ranksBefore(e, best) {
			best = e
		}
	}
	if best != nil {
		h := &Handle{Credential: best.cred}
		return h, nil
	}

	if p.cfg.AllowGuest[providerID] {
		h := &Handle{
			Credential: Credential{
				ID:       "guest-" + uuid.NewString(),
				Provider: providerID,
				Kind:     KindGuest,
				Label:    "guest",
			},
			Ephemeral: true,
		}
		p.logger.Info("no active credential, synthesizing guest",
			zap.String("provider", providerID),
			zap.String("credential_id", h.ID))
		return h, nil
	}
	return nil, fmt.Errorf("provider %s: %w", providerID, ErrNoCredentials)
}

// ranksBefore orders active candidates: priority descending, most recent
// success first, then insertion order.
func ranksBefore(a, b *entry) bool {
	if a.cred.Priority != b.cred.Priority {
		return a.cred.Priority > b.cred.Priority
	}
	if !a.lastSuccessAt.Equal(b.lastSuccessAt) {
		return a.lastSuccessAt.After(b.lastSuccessAt)
	}
	return a.insertion < b.insertion
}

// Report returns a checked-out handle with its outcome. Ephemeral guest
// handles carry no pool state; an auth failure just discards them.
func (p *Pool) Report(h *Handle, outcome Outcome) {
	if h == nil {
		return
	}
	if h.Ephemeral {
		if outcome == OutcomeAuthFailure {
			p.logger.Warn("guest credential rejected upstream, discarding",
				zap.String("provider", h.Provider),
				zap.String("credential_id", h.ID))
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKey[entryKey(h.Provider, h.ID)]
	if !ok {
		return
	}
	now := p.now()
	e.totalRequests++
	switch outcome {
	case OutcomeSuccess:
		e.lastSuccessAt = now
		e.failureStreak = 0
	case OutcomeTransientFailure:
		e.failedRequests++
		e.lastFailureAt = now
		e.failureStreak++
		if e.failureStreak >= p.cfg.Threshold && e.state == StateActive {
			e.state = StateCooldown
			p.logger.Warn("credential cooled down after repeated failures",
				zap.String("provider", h.Provider),
				zap.String("credential_id", h.ID),
				zap.Int("failure_streak", e.failureStreak))
		}
	case OutcomeAuthFailure:
		e.failedRequests++
		e.lastFailureAt = now
		// One auth failure alone trips cool-down.
		e.failureStreak += p.cfg.Threshold
		if e.state == StateActive {
			e.state = StateCooldown
			p.logger.Warn("credential cooled down after auth failure",
				zap.String("provider", h.Provider),
				zap.String("credential_id", h.ID))
		}
	}
}

// Tick promotes credentials whose cool-down has expired. It is called by
// the background loop and also lazily on every checkout.
func (p *Pool) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoteLocked(now)
}

func (p *Pool) promoteLocked(now time.Time) {
	for _, entries := range p.byProv {
		for _, e := range entries {
			if e.state != StateCooldown {
				continue
			}
			if now.Sub(e.lastFailureAt) >= p.cfg.RecoveryTimeout {
				e.state = StateActive
				e.failureStreak = 0
				p.logger.Info("credential recovered from cooldown",
					zap.String("provider", e.cred.Provider),
					zap.String("credential_id", e.cred.ID))
			}
		}
	}
}

// Run drives periodic maintenance until the context is canceled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(p.now())
		}
	}
}

// Disable withdraws a credential until an operator re-enables it.
func (p *Pool) Disable(providerID, credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKey[entryKey(providerID, credentialID)]
	if !ok {
		return fmt.Errorf("credential %s not found", entryKey(providerID, credentialID))
	}
	e.state = StateDisabled
	p.logger.Info("credential disabled",
		zap.String("provider", providerID),
		zap.String("credential_id", credentialID))
	return nil
}

// Enable returns a disabled credential to active state with counters reset.
func (p *Pool) Enable(providerID, credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKey[entryKey(providerID, credentialID)]
	if !ok {
		return fmt.Errorf("credential %s not found", entryKey(providerID, credentialID))
	}
	e.state = StateActive
	e.failureStreak = 0
	p.logger.Info("credential enabled",
		zap.String("provider", providerID),
		zap.String("credential_id", credentialID))
	return nil
}

// ActiveCount reports how many credentials are currently active for the
// provider.
func (p *Pool) ActiveCount(providerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.byProv[providerID] {
		if e.state == StateActive {
			n++
		}
	}
	return n
}

// Providers returns the sorted provider ids that have configured
// credentials.
func (p *Pool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.byProv))
	for id := range p.byProv {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats returns a health snapshot per provider, ordered by insertion.
func (p *Pool) Stats() map[string][]CredentialStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]CredentialStats, len(p.byProv))
	for providerID, entries := range p.byProv {
		views := make([]CredentialStats, 0, len(entries))
		for _, e := range entries {
			views = append(views, CredentialStats{
				ID:             e.cred.ID,
				Label:          e.cred.Label,
				Kind:           e.cred.Kind,
				State:          e.state,
				Priority:       e.cred.Priority,
				FailureStreak:  e.failureStreak,
				TotalRequests:  e.totalRequests,
				FailedRequests: e.failedRequests,
				LastSuccessAt:  e.lastSuccessAt,
				LastFailureAt:  e.lastFailureAt,
			})
		}
		out[providerID] = views
	}
	return out
}

func entryKey(providerID, credentialID string) string {
	return providerID + "/" + credentialID
}
