package compare

import (
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/ethereum/evmlab-fuzzer/internal/canon"
)

func steps(ops ...string) []canon.TraceStep {
	out := make([]canon.TraceStep, len(ops))
	for i, op := range ops {
		out[i] = canon.TraceStep{PC: uint64(i), Op: op, Gas: uint256.NewInt(uint64(100 - i)), Depth: 1}
	}
	return out
}

func TestCompare_IdenticalTracesAreEquivalent(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{
		"geth":   steps("PUSH1", "PUSH1", "STOP"),
		"parity": steps("PUSH1", "PUSH1", "STOP"),
	})
	require.True(t, res.Equivalent)
	require.Equal(t, -1, res.DivergenceIndex)
}

func TestCompare_DivergingStepIsNotEquivalent(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{
		"geth":   steps("PUSH1", "PUSH1", "STOP"),
		"parity": steps("PUSH1", "PUSH1", "JUMP"),
	})
	require.False(t, res.Equivalent)
	require.Equal(t, 2, res.DivergenceIndex)
}

func TestCompare_UnequalLengthsAreNotEquivalent(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{
		"geth":   steps("PUSH1", "PUSH1", "STOP"),
		"parity": steps("PUSH1", "PUSH1"),
	})
	require.False(t, res.Equivalent)
	require.Equal(t, 2, res.DivergenceIndex)
}

func TestCompare_SingleClientIsTriviallyEquivalent(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{
		"geth": steps("PUSH1", "STOP"),
	})
	require.True(t, res.Equivalent)
}

func TestCompare_ZeroClientsIsTriviallyEquivalent(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{})
	require.True(t, res.Equivalent)
}

func TestCombinedTrace_InsertsMarkerAtDivergence(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{
		"geth":   steps("PUSH1", "PUSH1", "STOP"),
		"parity": steps("PUSH1", "PUSH1", "JUMP"),
	})
	out := string(CombinedTrace(res, []string{"geth", "parity"}))
	require.Equal(t, 1, strings.Count(out, divergenceMarker))
}

func TestShortenedTrace_BoundsWindowAroundDivergence(t *testing.T) {
	ops := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		ops = append(ops, "PUSH1")
	}
	ops[25] = "JUMP"
	a := steps(ops...)
	b := append([]canon.TraceStep(nil), a...)
	b[25] = canon.TraceStep{PC: 25, Op: "STOP", Gas: uint256.NewInt(1), Depth: 1}

	res := Compare(map[string][]canon.TraceStep{"geth": a, "parity": b})
	require.Equal(t, 25, res.DivergenceIndex)

	out := string(ShortenedTrace(res, []string{"geth", "parity"}))
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	// 20 preceding + marker + the divergent step + the 4 steps left after it
	// (fewer than the 5-step following window) = 26 lines
	require.LessOrEqual(t, len(lines), 26)
	require.Contains(t, out, divergenceMarker)
}

func TestDedupCache_SecondLookIsSeen(t *testing.T) {
	d := NewDedupCache(1024)
	fp := Fingerprint("geth", "STOP", "parity", "JUMP", 2)
	require.False(t, d.Seen(fp))
	require.True(t, d.Seen(fp))
}

func TestCompare_LinesMatchExpectedShapeByClient(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{
		"geth": steps("PUSH1", "STOP"),
	})
	want := map[string][]string{
		"geth": {
			"PC=0 PUSH1 GAS=0x64 DEPTH=1",
			"PC=1 STOP GAS=0x63 DEPTH=1",
		},
	}
	if diff := pretty.Compare(want, res.Lines); diff != "" {
		t.Fatalf("unexpected trace lines (-want +got):\n%s", diff)
	}
}

func TestLogDivergence_DoesNotPanicOnEquivalentResult(t *testing.T) {
	res := Compare(map[string][]canon.TraceStep{
		"geth":   steps("STOP"),
		"parity": steps("STOP"),
	})
	require.NotPanics(t, func() {
		LogDivergence(nil, nil, "test-1", res, []string{"geth", "parity"})
	})
}
