package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/evmlab-fuzzer/internal/container"
	"github.com/ethereum/evmlab-fuzzer/internal/runner"
	"github.com/ethereum/evmlab-fuzzer/internal/stats"
	"github.com/ethereum/evmlab-fuzzer/internal/store"
	"github.com/ethereum/evmlab-fuzzer/internal/testcase"
)

// fakeLauncher is a minimal ClientLauncher; its argv content is irrelevant
// to fakeHost below, which writes trace content keyed only by client name.
type fakeLauncher struct{ name string }

func (f fakeLauncher) Name() string { return f.name }
func (f fakeLauncher) BuildArgv(testFile, testName string) []string {
	return []string{"run", testFile, testName}
}

// fakeHost simulates a client daemon that, as a side effect of Exec,
// immediately writes pre-baked trace content to the log file the runner
// wrapped the command into, then reports completion.
type fakeHost struct {
	logFilesPath string
	content      map[string]string // client name -> trace file content
}

func (f *fakeHost) StartDaemon(ctx context.Context, name, image, testFilesPath, logFilesPath string) error {
	return nil
}

func (f *fakeHost) Exec(ctx context.Context, name string, argv []string) (*container.ExecHandle, error) {
	// argv is ["/bin/sh", "-c", "<cmd> &> /logs/<tracefile>"]; extract the
	// tracefile name written by runner.shWrap.
	shellCmd := argv[len(argv)-1]
	idx := strings.LastIndex(shellCmd, "/logs/")
	tracefile := shellCmd[idx+len("/logs/"):]

	if content, ok := f.content[name]; ok {
		_ = os.WriteFile(filepath.Join(f.logFilesPath, tracefile), []byte(content), 0o644)
	}

	done := make(chan container.Event, 1)
	done <- container.Event{ExitCode: 0}
	close(done)
	return &container.ExecHandle{Cmd: "docker exec " + name, Done: done}, nil
}

func (f *fakeHost) Kill(name string) error            { return nil }
func (f *fakeHost) RemoveImage(string, bool) error { return nil }

var _ container.Host = (*fakeHost)(nil)

func newTestStore(t *testing.T) *store.Store {
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
	return st
}

func newTestScheduler(t *testing.T, clients []string, content map[string]string, forceSave bool) (*Scheduler, *store.Store, *fakeHost) {
	t.Helper()
	st := newTestStore(t)
	host := &fakeHost{logFilesPath: st.LogFilesPath, content: content}

	launchers := make(map[string]runner.ClientLauncher, len(clients))
	containerNames := make(map[string]string, len(clients))
	for _, c := range clients {
		launchers[c] = fakeLauncher{name: c}
		containerNames[c] = c
	}

	sch, err := New(Config{
		Host:            host,
		Launchers:       launchers,
		ClientNames:     clients,
		ContainerNames:  containerNames,
		Store:           st,
		Stats:           stats.New(time.Now()),
		ForceSave:       forceSave,
		EnableReporting: false,
	})
	require.NoError(t, err)
	return sch, st, host
}

func TestScheduler_IdenticalTracesPassAndDiscard(t *testing.T) {
	content := map[string]string{
		"geth":   `{"pc":0,"op":"PUSH1","gas":"0x1","depth":1}` + "\n" + `{"pc":1,"op":"STOP","gas":"0x1","depth":1}` + "\n",
		"parity": `{"pc":0,"op":"PUSH1","gas":"0x1","depth":1}` + "\n" + `{"pc":1,"op":"STOP","gas":"0x1","depth":1}` + "\n",
	}
	sch, st, _ := newTestScheduler(t, []string{"geth", "parity"}, content, false)

	payload := map[string]interface{}{"randomStatetest": map[string]interface{}{"pre": map[string]interface{}{}}}
	tc := testcase.New("test-host", payload)
	require.NoError(t, st.Write(tc))

	in := make(chan *testcase.TestCase, 1)
	in <- tc
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sch.Run(ctx, in))

	snap := sch.stat.Snapshot(time.Now())
	require.EqualValues(t, 1, snap.Total)
	require.EqualValues(t, 1, snap.Passed)

	_, err := os.Stat(filepath.Join(st.TestFilesPath, tc.Filename))
	require.True(t, os.IsNotExist(err))
}

func TestScheduler_DivergingTracesFailAndArchive(t *testing.T) {
	content := map[string]string{
		"geth":   `{"pc":0,"op":"PUSH1","gas":"0x1","depth":1}` + "\n" + `{"pc":1,"op":"STOP","gas":"0x1","depth":1}` + "\n",
		"parity": `{"pc":0,"op":"PUSH1","gas":"0x1","depth":1}` + "\n" + `{"pc":1,"op":"JUMP","gas":"0x1","depth":1}` + "\n",
	}
	sch, st, _ := newTestScheduler(t, []string{"geth", "parity"}, content, false)

	payload := map[string]interface{}{"randomStatetest": map[string]interface{}{"pre": map[string]interface{}{}}}
	tc := testcase.New("test-host", payload)
	require.NoError(t, st.Write(tc))

	in := make(chan *testcase.TestCase, 1)
	in <- tc
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sch.Run(ctx, in))

	snap := sch.stat.Snapshot(time.Now())
	require.EqualValues(t, 1, snap.Failed)

	_, err := os.Stat(filepath.Join(st.ArtefactsPath, tc.Filename))
	require.NoError(t, err)
}

func TestScheduler_ZeroClientConfigurationPassesTrivially(t *testing.T) {
	sch, st, _ := newTestScheduler(t, nil, nil, false)

	payload := map[string]interface{}{"randomStatetest": map[string]interface{}{"pre": map[string]interface{}{}}}
	tc := testcase.New("test-host", payload)
	require.NoError(t, st.Write(tc))

	in := make(chan *testcase.TestCase, 1)
	in <- tc
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sch.Run(ctx, in))

	snap := sch.stat.Snapshot(time.Now())
	require.EqualValues(t, 1, snap.Passed)
}
