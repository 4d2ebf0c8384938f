// Package runner implements the Client Runner (spec.md §4.D): for one
// TestCase and one client, it builds the client-specific exec argv, wraps
// it so combined stdout+stderr lands in the right trace file, and starts
// it via a container.Host.
package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ethereum/evmlab-fuzzer/internal/container"
)

// Handle is what a Runner hands back to the scheduler: the recorded
// command string, the tracefile path it will write to, and the
// container-level completion handle to watch (spec.md §4.D).
type Handle struct {
	Cmd         string
	TraceFile   string
	ContainerOp *container.ExecHandle
}

// ClientLauncher builds the argv for one client kind. Spec.md §9's design
// note asks for "one interface, one implementation per client kind, the
// scheduler holds a list of launchers" in place of the source's
// switch-on-string; this generalizes core/vm's Executor/NewExecutor
// single-responsibility-interface idiom from the teacher.
type ClientLauncher interface {
	// Name is the client name this launcher builds argv for ("geth", …).
	Name() string
	// BuildArgv returns the argv to run *inside* the container for tc,
	// given the basename of its test file and its (re-keyed) test name.
	BuildArgv(testFileBasename, testName string) []string
}

// gethLauncher builds the argv documented in spec.md §4.D for geth.
type gethLauncher struct{}

func (gethLauncher) Name() string { return "geth" }
func (gethLauncher) BuildArgv(testFile, _ string) []string {
	return []string{"evm", "--json", "--nomemory", "statetest", "/testfiles/" + testFile}
}

// parityLauncher builds the argv documented in spec.md §4.D for parity.
type parityLauncher struct{}

func (parityLauncher) Name() string { return "parity" }
func (parityLauncher) BuildArgv(testFile, _ string) []string {
	return []string{"/parity-evm", "state-test", "--std-json", "/testfiles/" + testFile}
}

// cppLauncher builds the argv documented in spec.md §4.D for cpp (aleth).
type cppLauncher struct{}

func (cppLauncher) Name() string { return "cpp" }
func (cppLauncher) BuildArgv(testFile, testName string) []string {
	jsontrace := `'{"disableStorage":false,"disableMemory":false,"disableStack":false,"fullStorage":true}'`
	return []string{
		"/usr/bin/testeth", "-t", "GeneralStateTests", "--",
		"--singletest", "/testfiles/" + testFile, testName,
		"--jsontrace", jsontrace,
	}
}

// heraLauncher builds the argv documented in spec.md §4.D for hera.
type heraLauncher struct{}

func (heraLauncher) Name() string { return "hera" }
func (heraLauncher) BuildArgv(testFile, testName string) []string {
	return []string{
		"/build/test/testeth", "-t", "GeneralStateTests", "--",
		"--vm", "hera",
		"--evmc", "evm2wasm.js=true", "--evmc", "fallback=false",
		"--singletest", "/testfiles/" + testFile, testName,
	}
}

// Launchers returns the default table of one ClientLauncher per known
// client kind, keyed by name, for the scheduler to hold (spec.md §9).
func Launchers() map[string]ClientLauncher {
	all := []ClientLauncher{gethLauncher{}, parityLauncher{}, cppLauncher{}, heraLauncher{}}
	out := make(map[string]ClientLauncher, len(all))
	for _, l := range all {
		out[l.Name()] = l
	}
	return out
}

// shWrap wraps cmd in /bin/sh so combined stdout+stderr lands in
// /logs/<tracefile> — some clients emit the canonical trace on stderr, and
// redirecting both avoids the docker-exec stream-interleaving problem
// (spec.md §4.D).
func shWrap(argv []string, tracefile string) []string {
	joined := ""
	for i, a := range argv {
		if i > 0 {
			joined += " "
		}
		joined += a
	}
	return []string{"/bin/sh", "-c", fmt.Sprintf("%s &> /logs/%s", joined, tracefile)}
}

// Start launches client against tc inside its container daemon, returning a
// Handle the scheduler registers with its multiplexer.
//
// testFilename = testcase.tmpfile (spec.md §9: "test.tmpfile = test.filename")
// testName     = testcase.name    (spec.md §9: "test.name = the re-keyed top-level key")
func Start(ctx context.Context, host container.Host, containerName string, launcher ClientLauncher, testFilename, testName, tracefile string) (*Handle, error) {
	argv := launcher.BuildArgv(filepath.Base(testFilename), testName)
	wrapped := shWrap(argv, tracefile)

	execHandle, err := host.Exec(ctx, containerName, wrapped)
	if err != nil {
		return nil, err
	}
	return &Handle{
		Cmd:         execHandle.Cmd,
		TraceFile:   tracefile,
		ContainerOp: execHandle,
	}, nil
}
