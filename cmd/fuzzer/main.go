// Command fuzzer runs the differential consensus fuzzer: it generates
// random EVM state tests, dispatches each to every configured client
// daemon, canonicalizes and compares their execution traces, and archives
// any divergence as a candidate consensus bug.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum/evmlab-fuzzer/internal/compare"
	"github.com/ethereum/evmlab-fuzzer/internal/config"
	"github.com/ethereum/evmlab-fuzzer/internal/container"
	"github.com/ethereum/evmlab-fuzzer/internal/generator"
	"github.com/ethereum/evmlab-fuzzer/internal/logging"
	"github.com/ethereum/evmlab-fuzzer/internal/runner"
	"github.com/ethereum/evmlab-fuzzer/internal/scheduler"
	"github.com/ethereum/evmlab-fuzzer/internal/stats"
	"github.com/ethereum/evmlab-fuzzer/internal/store"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "fuzzer: automaxprocs: %v\n", err)
	}

	app := &cli.App{
		Name:  "fuzzer",
		Usage: "differential consensus fuzzer for EVM implementations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "configfile", Aliases: []string{"c"}, Required: true, Usage: "path to the INI configuration file"},
			&cli.StringFlag{Name: "verbosity", Aliases: []string{"v"}, Value: "info", Usage: "crit|error|warn|info|debug|trace"},
			&cli.BoolFlag{Name: "dry-run", Aliases: []string{"D"}, Usage: "generate tests and print their paths without executing any client"},
			&cli.BoolFlag{Name: "benchmark", Aliases: []string{"B"}, Usage: "measure generator throughput for a fixed duration, then exit"},
			&cli.BoolFlag{Name: "force-save", Aliases: []string{"x"}, Usage: "archive every test, including passes"},
			&cli.BoolFlag{Name: "enable-reporting", Aliases: []string{"r"}, Usage: "emit a per-test stats log line"},
			&cli.StringSliceFlag{Name: "docker-force-update-image", Aliases: []string{"y"}, Usage: "image to force-remove before daemons start (repeatable)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fuzzer: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ov := config.Overrides{
		ForceSave:               config.ParseBoolFlag(c.IsSet("force-save"), c.Bool("force-save")),
		EnableReporting:         config.ParseBoolFlag(c.IsSet("enable-reporting"), c.Bool("enable-reporting")),
		DockerForceUpdateImages: c.StringSlice("docker-force-update-image"),
		Verbosity:               c.String("verbosity"),
		DryRun:                  c.Bool("dry-run"),
		Benchmark:               c.Bool("benchmark"),
	}

	cfg, err := config.Load(c.String("configfile"), ov)
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), 2)
	}

	log, err := logging.New(logging.Options{Verbosity: ov.Verbosity})
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), 2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(cfg.TestFilesPath(), cfg.LogFilesPath(), cfg.Artefacts)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}

	host := container.NewDockerHost(log)

	for _, image := range cfg.DockerForceUpdateImages {
		if err := host.RemoveImage(image, true); err != nil {
			log.Warn("failed to force-remove image before startup", "image", image, "err", err)
		}
	}

	containerNames := make(map[string]string, len(cfg.ActiveClients))
	for _, cs := range cfg.ActiveClients {
		name := fmt.Sprintf("%s-%s", cfg.HostTag, cs.Name)
		containerNames[cs.Name] = name
		if cs.Kind != config.Container {
			continue
		}
		if err := host.StartDaemon(ctx, name, cs.Endpoint, cfg.TestFilesPath(), cfg.LogFilesPath()); err != nil {
			return fmt.Errorf("starting daemon for client %q: %w", cs.Name, err)
		}
	}

	defer func() {
		for _, name := range containerNames {
			_ = host.Kill(name)
		}
	}()

	factory := &placeholderFactory{forkConfig: cfg.ForkConfig}
	pipeline := generator.New(factory, st, cfg.HostTag, cfg.ForkConfig, log)

	if ov.DryRun {
		return dryRun(ctx, pipeline, cfg.TestFilesPath(), log)
	}

	if ov.Benchmark {
		return benchmark(ctx, pipeline, log)
	}

	sched, err := scheduler.New(scheduler.Config{
		Host:            host,
		Launchers:       runner.Launchers(),
		ClientNames:     cfg.ClientNames(),
		ContainerNames:  containerNames,
		Store:           st,
		Log:             log,
		Stats:           stats.New(time.Now()),
		EnableReporting: cfg.EnableReporting,
		ForceSave:       cfg.ForceSave,
		DedupCache:      compare.NewDedupCache(8 * 1024 * 1024),
	})
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	// errgroup ties the generator producer and the scheduler loop to one
	// lifecycle: either returning (or SIGINT firing) cancels both.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx, pipeline.Out()) })

	interrupted := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			log.Info("received interrupt, shutting down")
			close(interrupted)
			cancel()
		case <-gctx.Done():
		}
	}()

	err = g.Wait()

	select {
	case <-interrupted:
		return cli.Exit("interrupted", 1)
	default:
	}
	if err != nil && err != context.Canceled {
		return fmt.Errorf("fuzzer exited: %w", err)
	}
	return nil
}

// dryRun implements the supplemented `-D/--dry-run` mode (SPEC_FULL.md §5):
// generate tests and print their paths without executing any client.
func dryRun(ctx context.Context, pipeline *generator.Pipeline, testFilesPath string, log *logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	go pipeline.Run(ctx)

	count := 0
	for {
		select {
		case tc, ok := <-pipeline.Out():
			if !ok {
				return nil
			}
			fmt.Println(filepath.Join(testFilesPath, tc.Filename))
			count++
			if count >= 20 {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// benchmark implements the supplemented `-B/--benchmark` mode (SPEC_FULL.md
// §5): measure generator throughput for a fixed duration.
func benchmark(ctx context.Context, pipeline *generator.Pipeline, log *logging.Logger) error {
	const duration = 10 * time.Second
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	go pipeline.Run(ctx)

	count := 0
loop:
	for {
		select {
		case _, ok := <-pipeline.Out():
			if !ok {
				break loop
			}
			count++
		case <-ctx.Done():
			break loop
		}
	}

	elapsed := time.Since(start).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(count) / elapsed
	}
	log.Info("benchmark complete", "generated", count, "elapsed_seconds", elapsed, "tests_per_second", rate)
	return nil
}

// placeholderFactory is a minimal TestFactory used until a real generator
// engine (spec.md's opaque, out-of-scope `TestFactory`) is wired in; it
// produces a trivially empty state test so the pipeline is exercisable
// end-to-end in dry-run and benchmark modes.
type placeholderFactory struct {
	forkConfig string
}

func (p *placeholderFactory) Fill() (map[string]interface{}, error) {
	return map[string]interface{}{
		"randomStatetest": map[string]interface{}{
			"pre":         map[string]interface{}{},
			"transaction": map[string]interface{}{},
			"post": map[string]interface{}{
				"Byzantium": []interface{}{},
			},
		},
	}, nil
}
