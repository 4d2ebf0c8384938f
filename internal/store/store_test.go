package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/evmlab-fuzzer/internal/testcase"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	testFiles := filepath.Join(root, "testfiles")
	logs := filepath.Join(root, "logs")
	artefacts := filepath.Join(root, "artefacts")
	for _, d := range []string{testFiles, logs, artefacts} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	s, err := New(testFiles, logs, artefacts)
	require.NoError(t, err)
	return s
}

func TestWriteThenDiscard(t *testing.T) {
	s := newStore(t)
	tc := testcase.New("alice-Mon_10_00_00-1", map[string]interface{}{"randomStatetest0": "x"})

	require.NoError(t, s.Write(tc))
	path := filepath.Join(s.TestFilesPath, tc.Filename)
	require.FileExists(t, path)

	tracePath := s.TracePath(tc, "geth")
	require.NoError(t, os.WriteFile(tracePath, []byte("trace"), 0o644))
	tc.TraceFiles = append(tc.TraceFiles, tracePath)

	require.NoError(t, s.Discard(tc))
	require.NoFileExists(t, path)
	require.NoFileExists(t, tracePath)
}

func TestWriteThenArchive(t *testing.T) {
	s := newStore(t)
	tc := testcase.New("alice-Mon_10_00_00-2", map[string]interface{}{"randomStatetest0": "x"})
	require.NoError(t, s.Write(tc))

	tracePath := s.TracePath(tc, "geth")
	require.NoError(t, os.WriteFile(tracePath, []byte("trace"), 0o644))
	tc.TraceFiles = append(tc.TraceFiles, tracePath)

	require.NoError(t, s.Archive(tc))

	require.NoFileExists(t, filepath.Join(s.TestFilesPath, tc.Filename))
	require.FileExists(t, filepath.Join(s.ArtefactsPath, tc.Filename))
	require.Len(t, tc.TraceFiles, 1)
	require.FileExists(t, tc.TraceFiles[0])
}

func TestArchiveIsIdempotent(t *testing.T) {
	s := newStore(t)
	tc := testcase.New("alice-Mon_10_00_00-3", map[string]interface{}{"randomStatetest0": "x"})
	require.NoError(t, s.Write(tc))

	require.NoError(t, s.Archive(tc))
	// Second call must not error even though the source file is already gone.
	require.NoError(t, s.Archive(tc))
}

func TestAddArtifact(t *testing.T) {
	s := newStore(t)
	tc := testcase.New("alice-Mon_10_00_00-4", nil)

	require.NoError(t, s.AddArtifact(tc, "combined_trace.log", []byte("line1\nline2\n")))
	require.Len(t, tc.Artifacts, 1)
	data, err := os.ReadFile(tc.Artifacts[0])
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\n", string(data))
}
