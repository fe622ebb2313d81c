package selector

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/newrey/llm-gateway/internal/governor"
	"github.com/newrey/llm-gateway/internal/metrics"
	"github.com/newrey/llm-gateway/internal/registry"
	"github.com/newrey/llm-gateway/types"
)

var selectorMetricsNamespaceSeq uint64

func nextSelectorTestNamespace() string {
	seq := atomic.AddUint64(&selectorMetricsNamespaceSeq, 1)
	return fmt.Sprintf("selector_test_%d", seq)
}

func buildReg(t *testing.T, raw string) *registry.Registry {
	t.Helper()
	var doc registry.Document
	require.NoError(t, yaml.Unmarshal([]byte(raw), &doc))
	return registry.New(doc, zap.NewNop())
}

func govFor(reg *registry.Registry) *governor.Governor {
	lookup := func(id string) (governor.Limits, bool) {
		p, ok := reg.Provider(id)
		if !ok {
			return governor.Limits{}, false
		}
		return governor.Limits{RPM: p.Limits.RPM, TPM: p.Limits.TPM, RPD: p.Limits.RPD, TPR: p.Limits.TPR}, true
	}
	return governor.New(lookup, zap.NewNop())
}

func TestSelector_AutoRouting_FallsThroughOnRPM(t *testing.T) {
	reg := buildReg(t, `
api_provider:
  P1: { base_url: "https://p1", limits: { rpm: 1 } }
  P2: { base_url: "https://p2", limits: { rpm: 10 } }
model_config:
  A:
    P1: { enable: true }
  B:
    P2: { enable: true }
`)
	gov := govFor(reg)
	sel := New(reg, gov, zap.NewNop())

	r1, err := sel.Select("auto", 1)
	require.NoError(t, err)
	require.Equal(t, "P1", r1.ProviderID)

	r2, err := sel.Select("auto", 1)
	require.NoError(t, err)
	require.Equal(t, "P2", r2.ProviderID)
}

func TestSelector_UnknownModel(t *testing.T) {
	reg := buildReg(t, `
api_provider: {}
model_config: {}
`)
	gov := govFor(reg)
	sel := New(reg, gov, zap.NewNop())

	_, err := sel.Select("does-not-exist", 1)
	require.Equal(t, types.ErrUnknownModel, types.GetErrorCode(err))
}

func TestSelector_FailoverSkipsErrorLimitedProvider(t *testing.T) {
	reg := buildReg(t, `
api_provider:
  P1: { base_url: "https://p1", limits: {} }
  P2: { base_url: "https://p2", limits: {} }
model_config:
  M:
    P1: { enable: true }
    P2: { enable: true }
`)
	gov := govFor(reg)
	gov.RecordError("P1")
	sel := New(reg, gov, zap.NewNop())

	res, err := sel.Select("M", 5)
	require.NoError(t, err)
	require.Equal(t, "P2", res.ProviderID)

	snap := gov.Snapshot()
	require.Equal(t, 1, snap.Providers["P2"].RPM.Current)
	_, p1Seen := snap.Providers["P1"]
	if p1Seen {
		require.Equal(t, 0, snap.Providers["P1"].RPM.Current)
	}
}

func TestSelector_NoCapacity(t *testing.T) {
	rpmOne := 1
	_ = rpmOne
	reg := buildReg(t, `
api_provider:
  P1: { base_url: "https://p1", limits: { rpm: 1 } }
model_config:
  M:
    P1: { enable: true }
`)
	gov := govFor(reg)
	sel := New(reg, gov, zap.NewNop())

	_, err := sel.Select("M", 1)
	require.NoError(t, err)

	_, err = sel.Select("M", 1)
	require.Equal(t, types.ErrNoCapacity, types.GetErrorCode(err))
}

func TestSelector_AliasRewritePassthrough(t *testing.T) {
	reg := buildReg(t, `
api_provider:
  P1: { base_url: "https://p1", limits: {} }
model_config:
  M:
    P1: { enable: true, alias: "upstream-model-x" }
`)
	gov := govFor(reg)
	sel := New(reg, gov, zap.NewNop())

	res, err := sel.Select("M", 1)
	require.NoError(t, err)
	require.Equal(t, "upstream-model-x", res.UpstreamAlias)
}

func TestAdmissionResultLabel_CollapsesDynamicCooldownSuffix(t *testing.T) {
	require.Equal(t, "accepted", admissionResultLabel("accepted"))
	require.Equal(t, "rpm", admissionResultLabel("rpm limit exceeded"))
	require.Equal(t, "tpm", admissionResultLabel("tpm limit exceeded"))
	require.Equal(t, "tpr", admissionResultLabel("tpr limit exceeded"))
	require.Equal(t, "rpd", admissionResultLabel("rpd limit exceeded"))
	require.Equal(t, "error_limited", admissionResultLabel("error_limited:7"))
	require.Equal(t, "error_limited", admissionResultLabel("error_limited:42"))
}

func TestSelector_WithMetrics_RecordsAdmissionOutcome(t *testing.T) {
	reg := buildReg(t, `
api_provider:
  P1: { base_url: "https://p1", limits: { rpm: 1 } }
model_config:
  M:
    P1: { enable: true }
`)
	gov := govFor(reg)
	namespace := nextSelectorTestNamespace()
	collector := metrics.NewCollector(namespace, zap.NewNop())
	sel := New(reg, gov, zap.NewNop()).WithMetrics(collector)

	_, err := sel.Select("M", 1)
	require.NoError(t, err)

	_, err = sel.Select("M", 1)
	require.Equal(t, types.ErrNoCapacity, types.GetErrorCode(err))

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	byResult := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != namespace+"_admissions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" {
					byResult[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, float64(1), byResult["accepted"])
	require.Equal(t, float64(1), byResult["rpm"])
}
