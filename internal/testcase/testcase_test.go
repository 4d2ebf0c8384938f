package testcase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_IdsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		tc := New("alice-Mon_10_00_00-123", map[string]interface{}{})
		require.False(t, seen[tc.ID], "duplicate id %s", tc.ID)
		seen[tc.ID] = true
	}
}

func TestDispatchAndRecordCompletion(t *testing.T) {
	tc := New("alice-Mon_10_00_00-123", nil)
	tc.Dispatch([]ProcHandle{{ClientName: "geth"}, {ClientName: "parity"}})
	require.Equal(t, 2, tc.NumProcs)
	require.Equal(t, StateAwaiting, tc.State)

	done := tc.RecordCompletion(1)
	require.False(t, done)
	require.Equal(t, 1, tc.NumProcs)

	done = tc.RecordCompletion(1 << 4)
	require.True(t, done)
	require.Equal(t, 0, tc.NumProcs)
	require.Equal(t, StateComplete, tc.State)
	require.Contains(t, tc.EventSummary(), "[1]")
	require.Contains(t, tc.EventSummary(), "[16]")
}

func TestDispatchZeroClients(t *testing.T) {
	tc := New("alice-Mon_10_00_00-123", nil)
	tc.Dispatch(nil)
	require.Equal(t, 0, tc.NumProcs)
	require.Equal(t, StateDispatched, tc.State)
}
