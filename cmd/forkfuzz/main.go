// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// forkfuzz fuzzes an instrumented program through the fork server protocol.
//
//	forkfuzz [flags] executable [seed_dir [target args...]]
//
// A "@@" target argument is replaced by the path of the input file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/bradleyjkemp/forkfuzz/config"
	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/feedback"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
	"github.com/bradleyjkemp/forkfuzz/fuzzer"
	"github.com/bradleyjkemp/forkfuzz/log"
	"github.com/bradleyjkemp/forkfuzz/stats"
	"github.com/bradleyjkemp/forkfuzz/tokens"
)

var (
	flagConfig     = flag.String("config", "", "YAML campaign config, flags given explicitly override it")
	flagTimeout    = flag.Int("timeout", 10000, "timeout for each individual execution, in milliseconds")
	flagDebugChild = flag.Bool("debug-child", false, "forward the target's stdout and stderr instead of capturing them")
	flagSignal     = flag.String("signal", "SIGKILL", "signal used to stop a timed out child")
	flagRunName    = flag.String("run_name", "", "the fuzzing run name, artifacts go to workdir/run_name")
	flagIters      = flag.Uint64("iters", 60000, "number of fuzzing iterations")
	flagWorkdir    = flag.String("workdir", ".", "dir with persistent work data")
	flagFeedback   = flag.String("feedback", "AflEdges", "corpus feedback, one of "+strings.Join(feedback.Presets, ", "))
	flagScheduler  = flag.String("scheduler", "queue", "corpus scheduler: queue or minimizer")
	flagShmem      = flag.Bool("shmem", false, "deliver inputs through shared memory instead of a file")
	flagPersistent = flag.Bool("persistent", false, "tell the target it may run in persistent mode")
	flagSeed       = flag.Int64("seed", 0, "random seed, 0 picks one from the clock")
	flagMetrics    = flag.String("metrics", "", "address to serve prometheus metrics on")
	flagV          = flag.Int("v", 0, "verbosity level")
	flagDicts      stringList
	flagGoPackages stringList
)

func init() {
	flag.Var(&flagDicts, "dict", "AFL-style dictionary file (can be repeated)")
	flag.Var(&flagGoPackages, "go-packages", "Go package pattern whose literals seed the dictionary (can be repeated)")
}

type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %v [flags] executable [seed_dir [target args...]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	log.SetVerbosity(*flagV)
	cfg, err := loadConfig(flag.Args())
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdown, shutdownCancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		log.Logf(0, "shutting down...")
		shutdownCancel()
		<-c
		os.Exit(1)
	}()

	debug.SetGCPercent(50) // most memory is in large binary blobs

	if err := run(shutdown, cfg); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file, if any, and applies the flags that were
// set explicitly and the positional arguments on top of it.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.Default()
	if *flagConfig != "" {
		var err error
		if cfg, err = config.Load(expandHomeDir(*flagConfig)); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "timeout":
			cfg.Timeout = time.Duration(*flagTimeout) * time.Millisecond
		case "debug-child":
			cfg.DebugChild = *flagDebugChild
		case "signal":
			cfg.KillSignal = *flagSignal
		case "run_name":
			cfg.RunName = *flagRunName
		case "iters":
			cfg.Iters = *flagIters
		case "workdir":
			cfg.Workdir = *flagWorkdir
		case "feedback":
			cfg.Feedback = *flagFeedback
		case "scheduler":
			cfg.Scheduler = *flagScheduler
		case "shmem":
			cfg.Delivery = "file"
			if *flagShmem {
				cfg.Delivery = "shmem"
			}
		case "persistent":
			cfg.Persistent = *flagPersistent
		case "seed":
			cfg.RandomSeed = *flagSeed
		case "metrics":
			cfg.MetricsAddr = *flagMetrics
		case "dict":
			cfg.Dictionaries = append(cfg.Dictionaries, flagDicts...)
		case "go-packages":
			cfg.GoPackages = append(cfg.GoPackages, flagGoPackages...)
		}
	})
	if len(args) > 0 {
		cfg.Target = args[0]
	}
	if len(args) > 1 {
		cfg.Seeds = []string{args[1]}
	}
	if len(args) > 2 {
		cfg.Args = args[2:]
	}
	if len(cfg.Seeds) == 0 {
		cfg.Seeds = []string{"./corpus"}
	}
	cfg.Target = expandHomeDir(cfg.Target)
	cfg.Workdir = expandHomeDir(cfg.Workdir)
	for i, dir := range cfg.Seeds {
		cfg.Seeds[i] = expandHomeDir(dir)
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	sig, err := cfg.Signal()
	if err != nil {
		return err
	}
	delivery := forkserver.DeliverFile
	if cfg.Delivery == "shmem" {
		delivery = forkserver.DeliverSharedMemory
	}
	exec, err := forkserver.New(forkserver.Config{
		Program:       cfg.Target,
		Args:          cfg.Args,
		Env:           cfg.Env,
		Timeout:       cfg.Timeout,
		KillSignal:    sig,
		Delivery:      delivery,
		DebugChild:    cfg.DebugChild,
		CaptureOutput: cfg.CaptureOutput,
		Persistent:    cfg.Persistent,
		MapSize:       cfg.MapSize,
		AutoTokens:    cfg.AutoTokens,
	})
	if err != nil {
		return err
	}
	defer exec.Close()
	log.Logf(0, "forkserver is up: %v, map size %v", cfg.Target, exec.MapSize())

	runDir := cfg.RunDir()
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	monitor, err := stats.NewMonitor(filepath.Join(runDir, "coverage.csv"), cfg.StatsPeriod, func(s string) {
		log.Logf(0, "%v", s)
	})
	if err != nil {
		return err
	}
	defer monitor.Close()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := monitor.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	dict, err := loadTokens(cfg, exec.Tokens())
	if err != nil {
		return err
	}
	solutions, err := corpus.NewSolutionStore(cfg.SolutionsDir())
	if err != nil {
		return err
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Logf(0, "random seed %v", seed)
	f, err := fuzzer.New(fuzzer.Config{
		Feedback:          cfg.Feedback,
		ObjectiveTimeouts: cfg.ObjectiveTimeouts,
		Scheduler:         cfg.Scheduler,
		MaxStackPow:       cfg.MaxStackPow,
		StageIterations:   cfg.StageIterations,
		Seed:              seed,
		Dict:              dict,
		Monitor:           monitor,
	}, exec, solutions)
	if err != nil {
		return err
	}

	if err := f.LoadInitialInputs(ctx, cfg.Seeds, cfg.ForcedLoad); err != nil && ctx.Err() == nil {
		return fmt.Errorf("corpus load: %w", err)
	}
	if err := f.FuzzLoopFor(ctx, cfg.Iters); err != nil {
		return fmt.Errorf("fuzz loop: %w", err)
	}
	if err := f.WriteArtifacts(runDir); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	log.Logf(0, "done: corpus %v, solutions %v in %v", f.Corpus().Count(), f.Solutions().Count(), solutions.Dir())
	return nil
}

// loadTokens merges the tokens offered by the target, the dictionary files
// and the literals of the configured Go packages.
func loadTokens(cfg *config.Config, auto [][]byte) (*tokens.Dictionary, error) {
	dict := tokens.New()
	if n := dict.AddAll(auto); n != 0 {
		log.Logf(0, "target offered %v tokens", n)
	}
	for _, path := range cfg.Dictionaries {
		n, err := dict.LoadFile(expandHomeDir(path))
		if err != nil {
			return nil, err
		}
		log.Logf(0, "loaded %v tokens from %v", n, path)
	}
	if len(cfg.GoPackages) != 0 {
		lits, err := tokens.GatherGoLiterals(cfg.GoPackages...)
		if err != nil {
			return nil, fmt.Errorf("failed to gather literals: %w", err)
		}
		log.Logf(0, "gathered %v literals from %v", dict.AddAll(lits), cfg.GoPackages)
	}
	return dict, nil
}

// expandHomeDir expands the tilde sign and replaces it
// with current users home directory and returns it.
func expandHomeDir(path string) string {
	if len(path) > 2 && path[:2] == "~/" {
		usr, _ := user.Current()
		path = filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}
