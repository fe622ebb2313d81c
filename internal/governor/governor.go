// Package governor implements the per-provider rate accounting engine: RPM,
// TPM, RPD windows plus a failure-driven error ledger and cool-down.
package governor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	rpmWindow     = 60 * time.Second
	tpmWindow     = 60 * time.Second
	errorWindow   = 24 * time.Hour
	penaltyPerErr = 10 * time.Minute
	penaltyCap    = 24 * time.Hour
)

// Limits are the optional per-dimension ceilings for one provider. A nil
// field means unlimited on that dimension.
type Limits struct {
	RPM *int
	TPM *int
	RPD *int
	TPR *int
}

type tokenEvent struct {
	at     time.Time
	tokens int
}

type providerState struct {
	rpmWindow []time.Time
	tpmWindow []tokenEvent
	rpd       int
	rpdDay    string // local-date key the rpd counter belongs to
	errors    []time.Time
}

// DimensionUsage reports the current value and configured limit (0 means
// unlimited) for one rate dimension.
type DimensionUsage struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// ProviderUsage is one provider's entry in a Snapshot.
type ProviderUsage struct {
	RPM DimensionUsage `json:"rpm"`
	TPM DimensionUsage `json:"tpm"`
	RPD DimensionUsage `json:"rpd"`
}

// Snapshot is the Governor's point-in-time view across all known providers.
type Snapshot struct {
	Providers map[string]ProviderUsage `json:"providers"`
	Timestamp time.Time                `json:"timestamp"`
}

// LimitsLookup resolves a provider's configured limits. The Governor itself
// holds no knowledge of the provider table; that stays the registry's
// responsibility, keeping rate accounting decoupled from where the
// provider/model configuration actually lives.
type LimitsLookup func(providerID string) (Limits, bool)

// Governor is the sole shared mutable accounting resource. A single mutex
// guards every read-modify-write method; the critical section is always
// bounded by pruning plus O(1) arithmetic and never performs I/O.
type Governor struct {
	mu       sync.Mutex
	state    map[string]*providerState
	limits   LimitsLookup
	now      func() time.Time
	log      *zap.Logger
}

// New builds a Governor. limits resolves a provider's configured rate
// ceilings on demand; now defaults to time.Now and exists as a seam for
// deterministic tests.
func New(limits LimitsLookup, log *zap.Logger) *Governor {
	return &Governor{
		state:  make(map[string]*providerState),
		limits: limits,
		now:    time.Now,
		log:    log,
	}
}

// WithClock overrides the time source, for tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

func (g *Governor) stateFor(providerID string) *providerState {
	s, ok := g.state[providerID]
	if !ok {
		s = &providerState{}
		g.state[providerID] = s
	}
	return s
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// pruneLocked drops window entries older than their retention horizon.
// Pruning removes only the oldest prefix of each ordered slice.
func (g *Governor) pruneLocked(s *providerState, now time.Time) {
	rpmCut := now.Add(-rpmWindow)
	i := 0
	for i < len(s.rpmWindow) && s.rpmWindow[i].Before(rpmCut) {
		i++
	}
	s.rpmWindow = s.rpmWindow[i:]

	tpmCut := now.Add(-tpmWindow)
	j := 0
	for j < len(s.tpmWindow) && s.tpmWindow[j].at.Before(tpmCut) {
		j++
	}
	s.tpmWindow = s.tpmWindow[j:]

	errCut := now.Add(-errorWindow)
	k := 0
	for k < len(s.errors) && s.errors[k].Before(errCut) {
		k++
	}
	s.errors = s.errors[k:]

	today := dayKey(now)
	if s.rpdDay != today {
		s.rpdDay = today
		s.rpd = 0
	}
}

func sumTokens(events []tokenEvent) int {
	total := 0
	for _, e := range events {
		total += e.tokens
	}
	return total
}

// errorStateLocked computes the cool-down state from an already-pruned
// error ledger.
func errorStateLocked(s *providerState, now time.Time) (limited bool, remaining time.Duration) {
	n := len(s.errors)
	if n == 0 {
		return false, 0
	}
	lastErr := s.errors[n-1]
	cooldown := time.Duration(n) * penaltyPerErr
	if cooldown > penaltyCap {
		cooldown = penaltyCap
	}
	until := lastErr.Add(cooldown)
	if now.Before(until) {
		return true, until.Sub(now)
	}
	return false, 0
}

// Admit checks whether providerID has budget for tokenCount without
// recording any usage. Admission alone never mutates committed state; only
// pruning (a pure age-based cleanup) happens as a side effect.
func (g *Governor) Admit(providerID string, tokenCount int) (accept bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	accept, reason, _ = g.admitLocked(providerID, tokenCount)
	return accept, reason
}

func (g *Governor) admitLocked(providerID string, tokenCount int) (accept bool, reason string, s *providerState) {
	now := g.now()
	s = g.stateFor(providerID)
	g.pruneLocked(s, now)

	if limited, remaining := errorStateLocked(s, now); limited {
		mins := int(remaining.Round(time.Minute) / time.Minute)
		if mins < 1 {
			mins = 1
		}
		return false, fmt.Sprintf("error_limited:%d", mins), s
	}

	lim, _ := g.limits(providerID)

	if lim.RPM != nil && len(s.rpmWindow) >= *lim.RPM {
		return false, "rpm limit exceeded", s
	}
	if lim.TPM != nil && sumTokens(s.tpmWindow)+tokenCount > *lim.TPM {
		return false, "tpm limit exceeded", s
	}
	if lim.TPR != nil && tokenCount > *lim.TPR {
		return false, "tpr limit exceeded", s
	}
	if lim.RPD != nil && s.rpd >= *lim.RPD {
		return false, "rpd limit exceeded", s
	}
	return true, "", s
}

// Commit records a unit of usage against providerID. It must only be
// called after a successful Admit for the same request.
func (g *Governor) Commit(providerID string, tokenCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	s := g.stateFor(providerID)
	g.commitLocked(s, now, tokenCount)
}

func (g *Governor) commitLocked(s *providerState, now time.Time, tokenCount int) {
	s.rpmWindow = append(s.rpmWindow, now)
	s.tpmWindow = append(s.tpmWindow, tokenEvent{at: now, tokens: tokenCount})
	s.rpd++
	s.rpdDay = dayKey(now)
}

// TryAdmitAndCommit folds admit and commit into one atomic primitive: no
// other admission attempt against the same provider can observe the
// accepted-but-not-yet-committed state, because the Governor's single
// mutex is held across both steps.
func (g *Governor) TryAdmitAndCommit(providerID string, tokenCount int) (accepted bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	accepted, reason, s := g.admitLocked(providerID, tokenCount)
	if !accepted {
		return false, reason
	}
	g.commitLocked(s, g.now(), tokenCount)
	return true, ""
}

// RecordError appends a failure event to providerID's error ledger.
func (g *Governor) RecordError(providerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	s := g.stateFor(providerID)
	errCut := now.Add(-errorWindow)
	i := 0
	for i < len(s.errors) && s.errors[i].Before(errCut) {
		i++
	}
	s.errors = s.errors[i:]
	s.errors = append(s.errors, now)

	if g.log != nil {
		g.log.Warn("provider error recorded", zap.String("provider", providerID), zap.Int("ledger_size", len(s.errors)))
	}
}

// ErrorState reports whether providerID is currently in its penalty
// cool-down, and if so, roughly how many minutes remain.
func (g *Governor) ErrorState(providerID string) (limited bool, remainingMinutes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	s := g.stateFor(providerID)
	errCut := now.Add(-errorWindow)
	i := 0
	for i < len(s.errors) && s.errors[i].Before(errCut) {
		i++
	}
	s.errors = s.errors[i:]

	limited, remaining := errorStateLocked(s, now)
	if !limited {
		return false, 0
	}
	mins := int(remaining.Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return true, mins
}

// ResetDaily zeroes the rpd counter for every known provider. Scheduled at
// local midnight.
func (g *Governor) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	today := dayKey(g.now())
	for _, s := range g.state {
		s.rpd = 0
		s.rpdDay = today
	}
	if g.log != nil {
		g.log.Info("daily rpd counters reset", zap.Int("providers", len(g.state)))
	}
}

// SweepErrors prunes every provider's error ledger to entries within the
// last 24h. Scheduled periodically.
func (g *Governor) SweepErrors() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	errCut := now.Add(-errorWindow)
	for _, s := range g.state {
		i := 0
		for i < len(s.errors) && s.errors[i].Before(errCut) {
			i++
		}
		s.errors = s.errors[i:]
	}
}

// ResetAll clears every window, daily count, and error ledger for every
// provider. Used by POST /api/reset_rate_limits.
func (g *Governor) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = make(map[string]*providerState)
}

// Snapshot returns the current usage and configured limits across every
// provider the Governor has ever seen.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	ids := make([]string, 0, len(g.state))
	for id := range g.state {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]ProviderUsage, len(ids))
	for _, id := range ids {
		s := g.state[id]
		g.pruneLocked(s, now)
		lim, _ := g.limits(id)
		out[id] = ProviderUsage{
			RPM: DimensionUsage{Current: len(s.rpmWindow), Limit: intOrZero(lim.RPM)},
			TPM: DimensionUsage{Current: sumTokens(s.tpmWindow), Limit: intOrZero(lim.TPM)},
			RPD: DimensionUsage{Current: s.rpd, Limit: intOrZero(lim.RPD)},
		}
	}
	return Snapshot{Providers: out, Timestamp: now}
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
