// Package selector walks a model's ordered provider bindings, asking the
// Governor to admit one, and implements "auto" mode's model fallback.
package selector

import (
	"strings"

	"go.uber.org/zap"

	"github.com/newrey/llm-gateway/internal/governor"
	"github.com/newrey/llm-gateway/internal/metrics"
	"github.com/newrey/llm-gateway/internal/registry"
	"github.com/newrey/llm-gateway/types"
)

const autoPrefix = "auto"

// Result is a successful selection: the chosen provider and the upstream
// model name to send (empty means "use the inbound model unchanged").
type Result struct {
	ProviderID    string
	UpstreamAlias string
}

// Selector ties a Registry (model → ordered providers) to a Governor
// (admission decisions).
type Selector struct {
	registry *registry.Registry
	gov      *governor.Governor
	log      *zap.Logger
	metrics  *metrics.Collector
}

// New builds a Selector.
func New(reg *registry.Registry, gov *governor.Governor, log *zap.Logger) *Selector {
	return &Selector{registry: reg, gov: gov, log: log}
}

// WithMetrics attaches a Collector so every admission decision is recorded
// as gateway_admissions_total{provider,result}. Optional: a Selector built
// without it simply skips recording.
func (s *Selector) WithMetrics(c *metrics.Collector) *Selector {
	s.metrics = c
	return s
}

func (s *Selector) recordAdmission(providerID, result string) {
	if s.metrics != nil {
		s.metrics.RecordAdmission(providerID, admissionResultLabel(result))
	}
}

// admissionResultLabel collapses the Governor's prose rejection reasons
// (e.g. "rpm limit exceeded", "error_limited:7") into the fixed small set
// of values gateway_admissions_total{result} is meant to carry, so a
// per-minute cool-down countdown never becomes a distinct label series.
func admissionResultLabel(reason string) string {
	switch {
	case reason == "accepted" || reason == "error_limited":
		return reason
	case strings.HasPrefix(reason, "error_limited"):
		return "error_limited"
	case strings.HasPrefix(reason, "rpm"):
		return "rpm"
	case strings.HasPrefix(reason, "tpm"):
		return "tpm"
	case strings.HasPrefix(reason, "tpr"):
		return "tpr"
	case strings.HasPrefix(reason, "rpd"):
		return "rpd"
	default:
		return "rejected"
	}
}

// Select resolves modelName (or, for the "auto" sentinel, the first
// admitting model in registry order) to an admitted provider binding. It
// commits usage against at most one provider per outer request: the
// auto-mode walk calls selectModel once per candidate model, selectModel
// calls the Governor's atomic admit-and-commit once per candidate binding
// it inspects, and the walk stops at the first accepted binding.
func (s *Selector) Select(modelName string, tokenCount int) (Result, error) {
	if strings.HasPrefix(modelName, autoPrefix) {
		return s.selectAuto(tokenCount)
	}
	return s.selectModel(modelName, tokenCount)
}

func (s *Selector) selectAuto(tokenCount int) (Result, error) {
	names := s.registry.ModelNames()
	var lastErr error
	for _, name := range names {
		res, err := s.selectModel(name, tokenCount)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if types.GetErrorCode(err) == types.ErrUnknownModel {
			continue
		}
	}
	if lastErr == nil {
		return Result{}, types.NewError(types.ErrUnknownModel, "no models configured").WithHTTPStatus(404)
	}
	if types.GetErrorCode(lastErr) == types.ErrUnknownModel {
		return Result{}, types.NewError(types.ErrNoCapacity, "no admitting provider for any configured model").WithHTTPStatus(429)
	}
	return Result{}, lastErr
}

func (s *Selector) selectModel(modelName string, tokenCount int) (Result, error) {
	bindings, ok := s.registry.Bindings(modelName)
	if !ok {
		return Result{}, types.NewError(types.ErrUnknownModel, "unknown model: "+modelName).WithHTTPStatus(404)
	}

	for _, b := range bindings {
		if !b.Enabled {
			continue
		}
		if limited, mins := s.gov.ErrorState(b.ProviderID); limited {
			if s.log != nil {
				s.log.Debug("skipping error-limited provider",
					zap.String("provider", b.ProviderID), zap.Int("remaining_minutes", mins))
			}
			s.recordAdmission(b.ProviderID, "error_limited")
			continue
		}

		accepted, reason := s.gov.TryAdmitAndCommit(b.ProviderID, tokenCount)
		if !accepted {
			if s.log != nil {
				s.log.Debug("provider rejected admission",
					zap.String("provider", b.ProviderID), zap.String("reason", reason))
			}
			s.recordAdmission(b.ProviderID, reason)
			continue
		}
		s.recordAdmission(b.ProviderID, "accepted")
		return Result{ProviderID: b.ProviderID, UpstreamAlias: b.Alias}, nil
	}

	return Result{}, types.NewError(types.ErrNoCapacity, "no admitting provider for model: "+modelName).WithHTTPStatus(429)
}
