// Package store implements the Test Artifact Store (spec.md §4.B): it
// writes generated test JSON, computes deterministic trace paths, and
// moves a finished test's files to the archive directory or deletes them,
// exclusively and idempotently (spec.md §8).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/cp"
	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/ethereum/evmlab-fuzzer/internal/testcase"
)

// Disposition names the terminal action for a TestCase's files: Archived or
// Discarded, with DispositionNone before either (spec.md §8 invariant),
// mirroring the enum+String() idiom the teacher uses for change reasons.
type Disposition int

const (
	DispositionNone Disposition = iota
	DispositionArchived
	DispositionDiscarded
)

func (d Disposition) String() string {
	switch d {
	case DispositionArchived:
		return "archived"
	case DispositionDiscarded:
		return "discarded"
	default:
		return "none"
	}
}

// Store is the filesystem-backed Test Artifact Store.
type Store struct {
	TestFilesPath string
	LogFilesPath  string
	ArtefactsPath string

	mu            sync.Mutex
	archivedCache *lru.Cache[string, struct{}]
}

// New constructs a Store rooted at the three configured directories. All
// three must already exist (internal/config.Load creates them).
func New(testFilesPath, logFilesPath, artefactsPath string) (*Store, error) {
	cache, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, errors.Wrap(err, "store: allocating archive cache")
	}
	return &Store{
		TestFilesPath: testFilesPath,
		LogFilesPath:  logFilesPath,
		ArtefactsPath: artefactsPath,
		archivedCache: cache,
	}, nil
}

// Write persists tc.Payload as JSON at TestFilesPath/tc.Filename
// (spec.md §4.B "write").
func (s *Store) Write(tc *testcase.TestCase) error {
	data, err := json.Marshal(tc.Payload)
	if err != nil {
		return errors.Wrapf(err, "store: marshaling test %s", tc.ID)
	}
	path := filepath.Join(s.TestFilesPath, tc.Filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "store: writing test file %s", path)
	}
	return nil
}

// TracePath returns the deterministic absolute path for a given test's
// client trace file: logFilesPath/<id>-<client>.trace.log (spec.md §4.B).
func (s *Store) TracePath(tc *testcase.TestCase, client string) string {
	return filepath.Join(s.LogFilesPath, fmt.Sprintf("%s-%s.trace.log", tc.ID, client))
}

func (s *Store) testFilePath(tc *testcase.TestCase) string {
	return filepath.Join(s.TestFilesPath, tc.Filename)
}

func (s *Store) lockPath(tc *testcase.TestCase) string {
	return filepath.Join(s.ArtefactsPath, "."+tc.ID+".lock")
}

// Archive moves the test JSON and every recorded trace file into
// ArtefactsPath. It is idempotent: calling it a second time for an id
// already archived is a no-op (spec.md §8).
func (s *Store) Archive(tc *testcase.TestCase) error {
	s.mu.Lock()
	if _, ok := s.archivedCache.Get(tc.ID); ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	lk := flock.New(s.lockPath(tc))
	locked, err := lk.TryLock()
	if err != nil {
		return errors.Wrapf(err, "store: locking test %s for archive", tc.ID)
	}
	if !locked {
		// Another goroutine is already archiving or discarding this id;
		// archive/discard are terminal and mutually exclusive, so there is
		// nothing left for us to do.
		return nil
	}
	defer lk.Unlock()
	defer os.Remove(s.lockPath(tc))

	src := s.testFilePath(tc)
	dst := filepath.Join(s.ArtefactsPath, tc.Filename)
	if err := moveFile(src, dst); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "store: archiving test file for %s", tc.ID)
	}

	newTraceFiles := make([]string, 0, len(tc.TraceFiles))
	for _, f := range tc.TraceFiles {
		newDst := filepath.Join(s.ArtefactsPath, filepath.Base(f))
		if err := moveFile(f, newDst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "store: archiving trace file %s for %s", f, tc.ID)
		}
		newTraceFiles = append(newTraceFiles, newDst)
	}
	tc.TraceFiles = newTraceFiles

	s.mu.Lock()
	s.archivedCache.Add(tc.ID, struct{}{})
	s.mu.Unlock()
	return nil
}

// Discard deletes the test JSON and all recorded trace files. Used on
// passes when force_save is false (spec.md §4.B).
func (s *Store) Discard(tc *testcase.TestCase) error {
	lk := flock.New(s.lockPath(tc))
	locked, err := lk.TryLock()
	if err != nil {
		return errors.Wrapf(err, "store: locking test %s for discard", tc.ID)
	}
	if !locked {
		// Another goroutine is already archiving or discarding this id.
		return nil
	}
	defer lk.Unlock()
	defer os.Remove(s.lockPath(tc))

	var firstErr error
	if err := os.Remove(s.testFilePath(tc)); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = errors.Wrapf(err, "store: removing test file for %s", tc.ID)
	}
	for _, f := range tc.TraceFiles {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errors.Wrapf(err, "store: removing trace file %s for %s", f, tc.ID)
		}
	}
	tc.TraceFiles = nil
	return firstErr
}

// AddArtifact writes an ancillary file (e.g. combined_trace.log) to
// ArtefactsPath/<id>-<suffix> and records it on the TestCase.
func (s *Store) AddArtifact(tc *testcase.TestCase, suffix string, data []byte) error {
	path := filepath.Join(s.ArtefactsPath, fmt.Sprintf("%s-%s", tc.ID, suffix))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "store: writing artifact %s", path)
	}
	tc.Artifacts = append(tc.Artifacts, path)
	return nil
}

// moveFile copies src to dst with cespare/cp (safe across filesystem/device
// boundaries, unlike a bare os.Rename) and then removes src.
func moveFile(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := cp.CopyFile(dst, src); err != nil {
		return err
	}
	return os.Remove(src)
}
