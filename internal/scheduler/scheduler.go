// Package scheduler implements the Scheduler / Executor (spec.md §4.F): a
// single cooperative loop that pulls generated TestCases off the generator
// queue, dispatches one runner per active client, multiplexes their
// completions, and hands finished tests to the comparator.
package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ethereum/evmlab-fuzzer/internal/canon"
	"github.com/ethereum/evmlab-fuzzer/internal/compare"
	"github.com/ethereum/evmlab-fuzzer/internal/container"
	"github.com/ethereum/evmlab-fuzzer/internal/logging"
	"github.com/ethereum/evmlab-fuzzer/internal/runner"
	"github.com/ethereum/evmlab-fuzzer/internal/stats"
	"github.com/ethereum/evmlab-fuzzer/internal/store"
	"github.com/ethereum/evmlab-fuzzer/internal/testcase"
)

// MaxParallel is the upper safety cap on concurrently in-flight tests
// spec.md §4.F fixes at 50.
const MaxParallel = 50

// saturationLogInterval throttles the "MAX_PARALLEL saturated" log line to
// at most once per interval, so a long saturated stretch doesn't spam the
// log while the loop keeps draining completions (spec.md §4.F's "rare
// guard").
const saturationLogInterval = 10 * time.Second

// dispatchRate rate-limits how often the dispatch worker pool is allowed to
// start new execs in the same tick, smoothing bursts against the docker
// daemon (spec.md §9's note on bounded-parallelism primitives).
const dispatchRate = 200 // execs per second

// traceFileWaitGrace bounds how long finish waits for a straggling trace
// file before treating it as missing. Kept small: finish runs inline on
// the scheduler's single loop, which must never block on anything but its
// own select (spec.md §5).
const traceFileWaitGrace = 50 * time.Millisecond

// completion is one runner's finished-exec notification, fanned into the
// scheduler's single aggregation channel — the Go-native equivalent of the
// source's pollable socket becoming readable.
type completion struct {
	testID   uuid.UUID
	client   string
	exitCode int
	err      error
}

// runningTest is the explicit stand-in for the source's dynamic
// numprocs/socketEvent/socketData attribute stash (spec.md §9): a TestCase
// plus its still-outstanding client set, keyed by a per-test uuid for the
// multiplexer map.
type runningTest struct {
	tc      *testcase.TestCase
	pending map[string]bool
}

// Scheduler is the Scheduler/Executor: one cooperative loop driven by Run.
type Scheduler struct {
	host      container.Host
	launchers map[string]runner.ClientLauncher
	clients   []string // active client names, dispatch order

	containerNames map[string]string // client name -> daemon container name

	st   *store.Store
	log  *logging.Logger
	stat *stats.Stats
	pool *ants.Pool

	enableReporting bool
	forceSave       bool

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	completions chan completion
	inflight    map[uuid.UUID]*runningTest

	dedup *compare.DedupCache

	lastSaturationLog time.Time
}

// Config carries everything Run needs beyond the generator's output queue.
type Config struct {
	Host            container.Host
	Launchers       map[string]runner.ClientLauncher
	ClientNames     []string
	ContainerNames  map[string]string // client name -> daemon container name
	Store           *store.Store
	Log             *logging.Logger
	Stats           *stats.Stats
	EnableReporting bool
	ForceSave       bool
	DedupCache      *compare.DedupCache
}

// New constructs a Scheduler. A panjf2000/ants pool bounds the number of
// concurrently running dispatch goroutines; a semaphore bounds in-flight
// tests at MaxParallel.
func New(cfg Config) (*Scheduler, error) {
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	st := cfg.Stats
	if st == nil {
		st = stats.New(time.Now())
	}

	pool, err := ants.NewPool(MaxParallel * 4)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		host:            cfg.Host,
		launchers:       cfg.Launchers,
		clients:         cfg.ClientNames,
		containerNames:  cfg.ContainerNames,
		st:              cfg.Store,
		log:             log,
		stat:            st,
		pool:            pool,
		enableReporting: cfg.EnableReporting,
		forceSave:       cfg.ForceSave,
		sem:             semaphore.NewWeighted(MaxParallel),
		limiter:         rate.NewLimiter(rate.Limit(dispatchRate), dispatchRate),
		completions:     make(chan completion, MaxParallel*8),
		inflight:        make(map[uuid.UUID]*runningTest),
		dedup:           cfg.DedupCache,
	}, nil
}

// Run is the scheduler's single cooperative loop (spec.md §4.F): pull,
// dispatch, multiplex completions, post-process. It returns when in is
// closed and every in-flight test has finished, or when ctx is canceled.
// snapshotInterval is how often Run renders a full stats table to stderr
// when reporting is enabled (SPEC_FULL.md §4.G).
const snapshotInterval = 30 * time.Second

// Run never blocks on the MAX_PARALLEL slot itself: the in-case is only
// armed when a slot is actually free (s.sem.TryAcquire), so completions,
// the ticker and ctx.Done stay selectable even while saturated. The
// original (original_source/utilities/fuzzer.py's startFuzzing) calls
// poller.poll() on every iteration, including right after its saturation
// sleep, for the same reason: a loop that stops draining completions while
// backing off can never release the slots it's waiting for.
func (s *Scheduler) Run(ctx context.Context, in <-chan *testcase.TestCase) error {
	defer s.pool.Release()

	var tick <-chan time.Time
	if s.enableReporting {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	closed := false
	for {
		if closed && len(s.inflight) == 0 {
			return nil
		}

		readIn := in
		acquired := false
		switch {
		case closed:
			readIn = nil
		case s.sem.TryAcquire(1):
			acquired = true
		default:
			readIn = nil
			s.logSaturation()
		}

		select {
		case <-ctx.Done():
			if acquired {
				s.sem.Release(1)
			}
			return ctx.Err()

		case tc, ok := <-readIn:
			if !ok {
				closed = true
				if acquired {
					s.sem.Release(1)
				}
				continue
			}
			// dispatch takes ownership of the permit acquired above: it is
			// released exactly once, by handleCompletion/finish once every
			// client for tc has reported.
			s.dispatch(ctx, tc)

		case c := <-s.completions:
			if acquired {
				s.sem.Release(1)
			}
			s.handleCompletion(ctx, c)

		case <-tick:
			if acquired {
				s.sem.Release(1)
			}
			stats.WriteTable(os.Stderr, s.stat.Snapshot(time.Now()))
		}
	}
}

// logSaturation logs the MAX_PARALLEL-saturated condition at most once per
// saturationLogInterval and samples host load alongside it.
func (s *Scheduler) logSaturation() {
	now := time.Now()
	if now.Sub(s.lastSaturationLog) < saturationLogInterval {
		return
	}
	s.lastSaturationLog = now
	s.log.Warn("scheduler: MAX_PARALLEL saturated, backing off", "max_parallel", MaxParallel)
	container.LogHostLoad(s.log)
}

// dispatch starts one runner per active client for tc, registering each
// under a fresh per-test key. The caller must already hold the MAX_PARALLEL
// permit for tc; dispatch guarantees exactly one completion (real or
// synthetic) per client registered in rt.pending, so that permit is always
// released exactly once by handleCompletion/finish — even when a client
// fails to start, dispatch never returns with a client registered but no
// completion ever coming for it.
func (s *Scheduler) dispatch(ctx context.Context, tc *testcase.TestCase) {
	id := uuid.New()
	rt := &runningTest{tc: tc, pending: make(map[string]bool, len(s.clients))}
	s.inflight[id] = rt

	var procs []testcase.ProcHandle
	for _, client := range s.clients {
		launcher, ok := s.launchers[client]
		if !ok {
			continue
		}
		rt.pending[client] = true
		procs = append(procs, testcase.ProcHandle{Handle: id, ClientName: client})

		containerName := s.containerNames[client]
		tracefile := tracefileName(tc.ID, client)
		client, launcher, tracefile := client, launcher, tracefile // capture

		if err := s.limiter.Wait(ctx); err != nil {
			s.completions <- completion{testID: id, client: client, exitCode: -1, err: err}
			continue
		}

		if err := s.pool.Submit(func() {
			h, err := runner.Start(ctx, s.host, containerName, launcher, tc.Filename, testName(tc), tracefile)
			if err != nil {
				s.completions <- completion{testID: id, client: client, exitCode: -1, err: err}
				return
			}
			go func() {
				ev := <-h.ContainerOp.Done
				s.completions <- completion{testID: id, client: client, exitCode: ev.ExitCode, err: ev.Err}
			}()
		}); err != nil {
			s.completions <- completion{testID: id, client: client, exitCode: -1, err: err}
		}
	}

	tc.Dispatch(procs)
	if len(procs) == 0 {
		// zero-client configuration: trivially complete, must not deadlock
		// (spec.md §8 boundary behavior).
		s.finish(ctx, id, rt)
		s.sem.Release(1)
	}
}

// handleCompletion is step 5 of spec.md §4.F: unregister the fired
// completion, fold its event bit into the test's accumulated mask, and
// when every client has reported, post-process the test.
func (s *Scheduler) handleCompletion(ctx context.Context, c completion) {
	rt, ok := s.inflight[c.testID]
	if !ok {
		return
	}
	delete(rt.pending, c.client)

	mask := completionMask(c)
	done := rt.tc.RecordCompletion(mask)
	if c.err != nil {
		s.log.Debug("runner completed with error", "test", rt.tc.ID, "client", c.client, "err", c.err)
	}

	if done {
		s.finish(ctx, c.testID, rt)
		s.sem.Release(1)
	}
}

// finish runs the post-processor (spec.md §4.G): canonicalize each client's
// trace file, compare, record stats, then archive or discard.
func (s *Scheduler) finish(ctx context.Context, id uuid.UUID, rt *runningTest) {
	delete(s.inflight, id)
	tc := rt.tc

	traces := make(map[string][]canon.TraceStep, len(s.clients))
	var statsAcc canon.Stats
	for _, client := range s.clients {
		tracePath := s.st.TracePath(tc, client)
		if !canon.WaitForFile(tracePath, traceFileWaitGrace) {
			s.log.Warn("missing trace file", "test", tc.ID, "client", client, "events", tc.EventSummary())
			traces[client] = nil
			tc.TraceFiles = append(tc.TraceFiles, tracePath)
			continue
		}
		tc.TraceFiles = append(tc.TraceFiles, tracePath)

		canonicalizer, ok := canon.Registry[client]
		if !ok {
			traces[client] = nil
			continue
		}
		f, err := os.Open(tracePath)
		if err != nil {
			s.log.Warn("failed to open trace file", "test", tc.ID, "client", client, "err", err)
			traces[client] = nil
			continue
		}
		steps, err := canonicalizer(f)
		f.Close()
		if err != nil {
			s.log.Warn("failed to canonicalize trace", "test", tc.ID, "client", client, "err", err)
			steps = nil
		}
		traces[client] = statsAcc.Observe(steps)
	}

	res := compare.Compare(traces)
	tc.State = testcase.StatePassed
	if !res.Equivalent {
		tc.State = testcase.StateFailed
	}

	s.stat.Record(stats.Observation{
		Passed:            res.Equivalent,
		TraceLength:       statsAcc.Length,
		MaxDepth:          statsAcc.MaxDepth,
		ConstantinopleOps: statsAcc.ConstantinopleOps,
	})

	if !res.Equivalent {
		compare.LogDivergence(s.log, s.dedup, tc.ID, res, s.clients)
	}

	shouldArchive := !res.Equivalent || s.forceSave
	if shouldArchive {
		if combined := compare.CombinedTrace(res, s.clients); len(combined) > 0 {
			_ = s.st.AddArtifact(tc, "combined_trace.log", combined)
		}
		if shortened := compare.ShortenedTrace(res, s.clients); len(shortened) > 0 {
			_ = s.st.AddArtifact(tc, "shortened_trace.log", shortened)
		}
		if err := s.st.Archive(tc); err != nil {
			s.log.Error("failed to archive test", "test", tc.ID, "err", err)
		}
	} else {
		if err := s.st.Discard(tc); err != nil {
			s.log.Error("failed to discard test", "test", tc.ID, "err", err)
		}
	}

	if s.enableReporting {
		snap := s.stat.Snapshot(time.Now())
		s.log.Info("test complete", "test", tc.ID, "passed", res.Equivalent,
			"total", snap.Total, "passed_total", snap.Passed, "failed_total", snap.Failed,
			"throughput", snap.Throughput, "mean_length", snap.MeanLength)
	}
}

// completionMask maps one runner's exit code into a single-bit event flag,
// the same style as the source's socketEvent bitmask (spec.md §9).
func completionMask(c completion) uint {
	if c.err != nil {
		return 1 << 4 // error/hangup
	}
	return 1 << 0 // readable
}

// tracefileName matches internal/store's TracePath convention so the
// scheduler and the store agree on where a client's trace lands.
func tracefileName(id, client string) string {
	return id + "-" + client + ".trace.log"
}

// testName returns the runner contract's clarified "test.name" (spec.md
// §9): the re-keyed top-level payload key. Since the TestCase only stores
// the full payload, this recovers that single key.
func testName(tc *testcase.TestCase) string {
	for k := range tc.Payload {
		return k
	}
	return ""
}
