package generator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/ethereum/evmlab-fuzzer/internal/store"
)

// fakeFactory produces gofuzz-randomized "pre"/"transaction" blobs under a
// fixed "randomStatetest" top-level key with a Byzantium post-state, the
// same shape spec.md §4.E's TestFactory contract describes.
type fakeFactory struct {
	f *fuzz.Fuzzer
}

func newFakeFactory(seed int64) *fakeFactory {
	return &fakeFactory{f: fuzz.NewWithSeed(seed)}
}

func (ff *fakeFactory) Fill() (map[string]interface{}, error) {
	var nonce uint64
	ff.f.Fuzz(&nonce)
	return map[string]interface{}{
		"randomStatetest": map[string]interface{}{
			"pre": map[string]interface{}{
				"0x00": map[string]interface{}{"balance": "0x0", "nonce": nonce},
			},
			"transaction": map[string]interface{}{
				"nonce": nonce,
			},
			"post": map[string]interface{}{
				"Byzantium": []interface{}{map[string]interface{}{"hash": "0xdead"}},
			},
		},
	}, nil
}

func newPipeline(t *testing.T, forkName string) (*Pipeline, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	testFiles := filepath.Join(dir, "tests")
	logFiles := filepath.Join(dir, "logs")
	artefacts := filepath.Join(dir, "artefacts")
	for _, d := range []string{testFiles, logFiles, artefacts} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	st, err := store.New(testFiles, logFiles, artefacts)
	require.NoError(t, err)

	p := New(newFakeFactory(1), st, "host-tag", forkName, nil)
	return p, st
}

func TestNext_RewritesTopLevelKeyAndAssignsID(t *testing.T) {
	p, _ := newPipeline(t, "Byzantium")
	tc, err := p.next()
	require.NoError(t, err)
	require.Contains(t, tc.ID, "host-tag-")

	var keys []string
	for k := range tc.Payload {
		keys = append(keys, k)
	}
	require.Len(t, keys, 1)
	require.Contains(t, keys[0], "randomStatetest"+tc.ID)
}

func TestNext_RekeysPostStateWhenForkDiffers(t *testing.T) {
	p, _ := newPipeline(t, "Constantinople")
	tc, err := p.next()
	require.NoError(t, err)

	var name string
	for k := range tc.Payload {
		name = k
	}
	entry := tc.Payload[name].(map[string]interface{})
	post := entry["post"].(map[string]interface{})
	require.Contains(t, post, "Constantinople")
	require.NotContains(t, post, "Byzantium")
}

func TestNext_LeavesByzantiumWhenForkMatches(t *testing.T) {
	p, _ := newPipeline(t, "Byzantium")
	tc, err := p.next()
	require.NoError(t, err)

	var name string
	for k := range tc.Payload {
		name = k
	}
	entry := tc.Payload[name].(map[string]interface{})
	post := entry["post"].(map[string]interface{})
	require.Contains(t, post, "Byzantium")
}

func TestNext_WritesTestFileToDisk(t *testing.T) {
	p, st := newPipeline(t, "Constantinople")
	tc, err := p.next()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(st.TestFilesPath, tc.Filename))
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 1)
}

func TestRun_PushesGeneratedTestCasesAndRespectsCancellation(t *testing.T) {
	p, _ := newPipeline(t, "Constantinople")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case tc := <-p.Out():
			got = append(got, tc.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for generated test case")
		}
	}
	require.Len(t, got, 3)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// channel is closed once Run returns
	_, open := <-p.Out()
	require.False(t, open)
}

func TestRewriteTopLevelKey_MissingKeySingleEntryIsRenamed(t *testing.T) {
	payload := map[string]interface{}{"someOtherKey": map[string]interface{}{"x": 1}}
	name, err := rewriteTopLevelKey(payload, "abc-1")
	require.NoError(t, err)
	require.Equal(t, "randomStatetestabc-1", name)
	require.Contains(t, payload, name)
}

func TestRewriteTopLevelKey_AmbiguousPayloadErrors(t *testing.T) {
	payload := map[string]interface{}{"a": 1, "b": 2}
	_, err := rewriteTopLevelKey(payload, "abc-1")
	require.Error(t, err)
}
