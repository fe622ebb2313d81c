// Package registry holds the provider table and the model-to-provider
// binding list loaded from the gateway's configuration document.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Limits are the four optional rate-limit dimensions for a provider. A nil
// field means unlimited on that dimension.
type Limits struct {
	RPM *int
	TPM *int
	RPD *int
	TPR *int
}

// Provider is a concrete upstream chat-completion endpoint.
type Provider struct {
	ID      string
	BaseURL string
	APIKey  string
	Limits  Limits
}

// Binding is one (provider, alias, enabled) entry in a model's ordered
// failover list.
type Binding struct {
	ProviderID string
	Alias      string // empty means no rewrite
	Enabled    bool
}

// snapshot is the registry's immutable-at-request-time view: a provider
// table plus an ordered model name list and their binding lists. Readers
// take a copy of the pointer under RLock, then read the snapshot's fields
// without further locking — the snapshot itself is never mutated after
// publication.
type snapshot struct {
	providers map[string]Provider
	// modelOrder preserves the configuration document's insertion order,
	// which matters because auto-mode iterates models in this order when
	// no explicit model name was given.
	modelOrder []string
	bindings   map[string][]Binding
}

// Registry is the reader-guarded, writer-exclusive holder of the current
// snapshot. Writes (via Replace) swap in a whole new snapshot atomically;
// readers never observe a partially-updated table.
type Registry struct {
	mu   sync.RWMutex
	snap *snapshot
	log  *zap.Logger
}

// New builds a Registry from a decoded configuration document.
func New(doc Document, log *zap.Logger) *Registry {
	r := &Registry{log: log}
	r.replace(doc)
	return r
}

// Provider returns the provider with the given id.
func (r *Registry) Provider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snap.providers[id]
	return p, ok
}

// Bindings returns the ordered binding list for a model, and whether the
// model is known at all.
func (r *Registry) Bindings(model string) ([]Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.snap.bindings[model]
	return b, ok
}

// ModelNames returns the configured logical model names in configuration
// order, used for auto-mode iteration.
func (r *Registry) ModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.snap.modelOrder))
	copy(out, r.snap.modelOrder)
	return out
}

// Replace atomically swaps in a new snapshot built from doc, read from the
// admin API or a config file reload. Both the provider table and the model
// bindings are replaced by doc's contents: providers absent from doc are
// dropped, and existing providers take doc's endpoints, keys and limits.
func (r *Registry) Replace(doc Document) {
	r.replace(doc)
}

func (r *Registry) replace(doc Document) {
	providers := make(map[string]Provider, len(doc.APIProvider))
	for id, p := range doc.APIProvider {
		providers[id] = Provider{
			ID:      id,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Limits: Limits{
				RPM: p.Limits.RPM,
				TPM: p.Limits.TPM,
				RPD: p.Limits.RPD,
				TPR: p.Limits.TPR,
			},
		}
	}

	order := make([]string, 0, len(doc.ModelOrder))
	bindings := make(map[string][]Binding, len(doc.ModelConfig))
	for _, model := range doc.ModelOrder {
		providersForModel := doc.ModelConfig[model]
		list := make([]Binding, 0, len(providersForModel.Order))
		for _, pid := range providersForModel.Order {
			entry := providersForModel.Entries[pid]
			list = append(list, Binding{
				ProviderID: pid,
				Alias:      entry.Alias,
				Enabled:    entry.Enable,
			})
		}
		order = append(order, model)
		bindings[model] = list
	}

	next := &snapshot{providers: providers, modelOrder: order, bindings: bindings}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()

	if r.log != nil {
		r.log.Info("registry replaced",
			zap.Int("providers", len(providers)),
			zap.Int("models", len(order)))
	}
}

// Snapshot is a JSON-friendly copy of the current bindings table, used by
// the /api/config read endpoint.
func (r *Registry) Snapshot() Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc := Document{
		APIProvider: make(map[string]ProviderDoc, len(r.snap.providers)),
		ModelOrder:  append([]string(nil), r.snap.modelOrder...),
		ModelConfig: make(map[string]ModelEntry, len(r.snap.bindings)),
	}
	for id, p := range r.snap.providers {
		doc.APIProvider[id] = ProviderDoc{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Limits: LimitsDoc{
				RPM: p.Limits.RPM,
				TPM: p.Limits.TPM,
				RPD: p.Limits.RPD,
				TPR: p.Limits.TPR,
			},
		}
	}
	for model, list := range r.snap.bindings {
		entries := make(map[string]BindingDoc, len(list))
		order := make([]string, 0, len(list))
		for _, b := range list {
			entries[b.ProviderID] = BindingDoc{Enable: b.Enabled, Alias: b.Alias}
			order = append(order, b.ProviderID)
		}
		doc.ModelConfig[model] = ModelEntry{Order: order, Entries: entries}
	}
	return doc
}
