package governor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func intp(i int) *int { return &i }

func fixedLimits(l Limits) LimitsLookup {
	return func(string) (Limits, bool) { return l, true }
}

func TestTryAdmitAndCommit_RPMCeiling(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	g := New(fixedLimits(Limits{RPM: intp(2)}), zap.NewNop()).WithClock(func() time.Time { return clock })

	ok, _ := g.TryAdmitAndCommit("p1", 1)
	require.True(t, ok)
	ok, _ = g.TryAdmitAndCommit("p1", 1)
	require.True(t, ok)

	ok, reason := g.TryAdmitAndCommit("p1", 1)
	require.False(t, ok)
	require.True(t, strings.Contains(strings.ToLower(reason), "rpm"))
}

func TestTryAdmitAndCommit_TPMCeiling(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	g := New(fixedLimits(Limits{TPM: intp(100)}), zap.NewNop()).WithClock(func() time.Time { return clock })

	ok, _ := g.TryAdmitAndCommit("p1", 60)
	require.True(t, ok)
	ok, reason := g.TryAdmitAndCommit("p1", 50)
	require.False(t, ok)
	require.Contains(t, strings.ToLower(reason), "tpm")

	ok, _ = g.TryAdmitAndCommit("p1", 40)
	require.True(t, ok)
}

func TestAdmit_TPRCeiling(t *testing.T) {
	g := New(fixedLimits(Limits{TPR: intp(10)}), zap.NewNop())
	ok, reason := g.Admit("p1", 11)
	require.False(t, ok)
	require.Contains(t, strings.ToLower(reason), "tpr")

	ok, _ = g.Admit("p1", 10)
	require.True(t, ok)
}

func TestResetDaily_ClearsRPDOnly(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	g := New(fixedLimits(Limits{RPD: intp(100)}), zap.NewNop()).WithClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		ok, _ := g.TryAdmitAndCommit("p1", 5)
		require.True(t, ok)
	}
	snap := g.Snapshot()
	require.Equal(t, 3, snap.Providers["p1"].RPD.Current)
	require.Equal(t, 3, snap.Providers["p1"].RPM.Current)

	g.ResetDaily()
	snap = g.Snapshot()
	require.Equal(t, 0, snap.Providers["p1"].RPD.Current)
	require.Equal(t, 3, snap.Providers["p1"].RPM.Current)
}

func TestErrorBackoff_GrowsLinearlyAndExpires(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	g := New(fixedLimits(Limits{}), zap.NewNop()).WithClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		g.RecordError("p1")
	}
	limited, mins := g.ErrorState("p1")
	require.True(t, limited)
	require.InDelta(t, 30, mins, 1)

	clock = clock.Add(31 * time.Minute)
	limited, _ = g.ErrorState("p1")
	require.False(t, limited)
}

func TestErrorBackoff_ClampedAt1440(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	g := New(fixedLimits(Limits{}), zap.NewNop()).WithClock(func() time.Time { return clock })

	for i := 0; i < 500; i++ {
		g.RecordError("p1")
	}
	limited, mins := g.ErrorState("p1")
	require.True(t, limited)
	require.LessOrEqual(t, mins, 1440)
}

func TestResetAll_ClearsEverything(t *testing.T) {
	g := New(fixedLimits(Limits{RPM: intp(5)}), zap.NewNop())
	g.TryAdmitAndCommit("p1", 10)
	g.RecordError("p1")
	g.ResetAll()

	snap := g.Snapshot()
	require.Empty(t, snap.Providers)
	limited, _ := g.ErrorState("p1")
	require.False(t, limited)
}

// TestAdmission_MonotonicityProperty checks testable property 1: after N
// successful commits within the window, the window sums match exactly.
func TestAdmission_MonotonicityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := time.Unix(1700000000, 0)
		g := New(fixedLimits(Limits{}), zap.NewNop()).WithClock(func() time.Time { return clock })

		n := rapid.IntRange(0, 50).Draw(rt, "n")
		total := 0
		for i := 0; i < n; i++ {
			tokens := rapid.IntRange(0, 100).Draw(rt, "tokens")
			ok, _ := g.TryAdmitAndCommit("p1", tokens)
			require.True(t, ok, "unexpected rejection with unlimited provider")
			total += tokens
		}

		snap := g.Snapshot()
		usage, ok := snap.Providers["p1"]
		if n == 0 {
			require.False(t, ok, "expected no state for zero commits")
			return
		}
		require.Equal(t, n, usage.RPM.Current)
		require.Equal(t, total, usage.TPM.Current)
	})
}

// TestTPMCeilingProperty checks testable property 3: admit rejects iff the
// sum would exceed the configured ceiling.
func TestTPMCeilingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 1000).Draw(rt, "limit")
		used := rapid.IntRange(0, limit).Draw(rt, "used")
		incoming := rapid.IntRange(0, limit*2).Draw(rt, "incoming")

		clock := time.Unix(1700000000, 0)
		g := New(fixedLimits(Limits{TPM: intp(limit)}), zap.NewNop()).WithClock(func() time.Time { return clock })
		if used > 0 {
			ok, _ := g.TryAdmitAndCommit("p1", used)
			require.True(t, ok, "setup commit of %d under limit %d should succeed", used, limit)
		}

		accept, _ := g.Admit("p1", incoming)
		want := used+incoming <= limit
		require.Equal(t, want, accept)
	})
}
