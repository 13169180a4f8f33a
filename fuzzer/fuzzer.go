// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer drives a campaign: it schedules corpus entries, mutates
// them, runs the mutants and routes them to the corpus or the solution store.
package fuzzer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/feedback"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
	"github.com/bradleyjkemp/forkfuzz/grammar"
	"github.com/bradleyjkemp/forkfuzz/log"
	"github.com/bradleyjkemp/forkfuzz/mutator"
	"github.com/bradleyjkemp/forkfuzz/observer"
	"github.com/bradleyjkemp/forkfuzz/scheduler"
	"github.com/bradleyjkemp/forkfuzz/stats"
	"github.com/bradleyjkemp/forkfuzz/tokens"
)

// Executor runs one input at a time; *forkserver.Executor implements it.
type Executor interface {
	Run(data []byte) (*forkserver.Result, error)
	// CoverageMap is written by Run and stays valid until the next Run.
	CoverageMap() []byte
	Stats() forkserver.Stats
}

// ExecuteResult tells where an evaluated input went.
type ExecuteResult int

const (
	ResultNone ExecuteResult = iota
	ResultCorpus
	ResultSolution
)

func (r ExecuteResult) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultCorpus:
		return "corpus"
	case ResultSolution:
		return "solution"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// EdgesObserver is the name of the coverage map observer and its history.
const EdgesObserver = "shared_mem"

type Config struct {
	// Feedback is one of feedback.Presets.
	Feedback          string
	ObjectiveTimeouts bool
	// Scheduler is "queue" or "minimizer".
	Scheduler   string
	MaxStackPow int
	// StageIterations is the number of mutants per scheduled entry.
	StageIterations int
	// Seed makes the run reproducible for a deterministic target.
	Seed    int64
	Grammar grammar.Grammar
	Dict    *tokens.Dictionary
	// Monitor is optional.
	Monitor *stats.Monitor
}

type Fuzzer struct {
	exec       Executor
	observers  observer.Set
	obs        feedback.Observers
	state      *feedback.State
	feedback   *feedback.Node
	objective  *feedback.Node
	corpus     *corpus.Corpus
	solutions  *corpus.SolutionStore
	sched      scheduler.Scheduler
	mut        *mutator.Mutator
	dict       *tokens.Dictionary
	stageIters int
	monitor    *stats.Monitor
	lastInput  time.Time
}

// New assembles the observers, feedbacks, scheduler and mutator of a run
// around exec. All randomness is derived from cfg.Seed.
func New(cfg Config, exec Executor, solutions *corpus.SolutionStore) (*Fuzzer, error) {
	if cfg.Grammar == nil {
		cfg.Grammar = grammar.ByteClass{}
	}
	if cfg.Dict == nil {
		cfg.Dict = tokens.New()
	}
	if cfg.StageIterations <= 0 {
		cfg.StageIterations = 1
	}
	if cfg.Feedback == "" {
		cfg.Feedback = "AflEdges"
	}
	r := rand.New(rand.NewSource(cfg.Seed))
	fbSrc, schedSrc, mutSrc := rand.NewSource(r.Int63()), rand.NewSource(r.Int63()), rand.NewSource(r.Int63())
	f := &Fuzzer{
		exec: exec,
		obs: feedback.Observers{
			Edges:  observer.NewMap(EdgesObserver, exec.CoverageMap(), true),
			Time:   observer.NewTime("time"),
			Input:  observer.NewInput("input"),
			Output: observer.NewOutput("output"),
		},
		state:      feedback.NewState(),
		corpus:     corpus.New(),
		solutions:  solutions,
		dict:       cfg.Dict,
		stageIters: cfg.StageIterations,
		monitor:    cfg.Monitor,
	}
	f.observers = observer.Set{f.obs.Time, f.obs.Edges, f.obs.Input, f.obs.Output}
	var err error
	f.feedback, err = feedback.Build(cfg.Feedback, f.obs, f.state, cfg.Grammar, fbSrc)
	if err != nil {
		return nil, err
	}
	f.objective = feedback.Objective(f.obs, f.state, cfg.ObjectiveTimeouts)
	switch cfg.Scheduler {
	case "", "queue":
		f.sched = scheduler.NewQueue(f.corpus)
	case "minimizer":
		f.sched = scheduler.NewMinimizer(scheduler.NewQueue(f.corpus), f.corpus, schedSrc)
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Scheduler)
	}
	f.mut = mutator.New(mutSrc, cfg.MaxStackPow, f.dict, f.corpus)
	log.Logf(1, "feedback: %v", f.feedback)
	log.Logf(1, "objective: %v", f.objective)
	return f, nil
}

func (f *Fuzzer) Corpus() *corpus.Corpus {
	return f.corpus
}

func (f *Fuzzer) Solutions() *corpus.SolutionStore {
	return f.solutions
}

func (f *Fuzzer) State() *feedback.State {
	return f.state
}

func (f *Fuzzer) Tokens() *tokens.Dictionary {
	return f.dict
}

// Evaluate runs data and stores it where it belongs. Solutions are checked
// first and never enter the corpus.
func (f *Fuzzer) Evaluate(data []byte, parent int, origin corpus.Origin) (ExecuteResult, error) {
	res, err := f.execute(data)
	if err != nil {
		return ResultNone, err
	}
	return f.process(data, parent, origin, res, false)
}

func (f *Fuzzer) execute(data []byte) (*forkserver.Result, error) {
	f.observers.PreExec(data)
	res, err := f.exec.Run(data)
	if err != nil {
		return nil, err
	}
	f.observers.PostExec(data, res)
	if f.monitor != nil {
		f.monitor.ObserveExec(res.Elapsed)
	}
	if res.Kind == forkserver.ExitTimeout {
		log.Logf(1, "execution timed out after %v", res.Elapsed)
	}
	return res, nil
}

// process judges the last execution of data. A forced input is added to the
// corpus whatever the verdict; the feedbacks still run for their history.
func (f *Fuzzer) process(data []byte, parent int, origin corpus.Origin, res *forkserver.Result, forced bool) (ExecuteResult, error) {
	tc := corpus.NewTestCase(data, parent, origin)
	if parent >= 0 {
		tc.Depth = f.corpus.Get(parent).Depth + 1
	}
	isSolution, err := feedback.Eval(f.objective, res)
	if err != nil {
		return ResultNone, fmt.Errorf("objective: %w", err)
	}
	if isSolution {
		f.objective.AppendMetadata(tc)
		added, err := f.solutions.Add(tc, res.Output)
		if err != nil {
			return ResultNone, err
		}
		if added {
			log.With(log.Fields{"sig": corpus.Sig(data), "exit": res.Kind}).Logf(0, "new solution, %v in total", f.solutions.Count())
		}
		if !forced {
			return ResultSolution, nil
		}
	} else {
		f.objective.Discard()
	}
	isCorpus, err := feedback.Eval(f.feedback, res)
	if err != nil {
		return ResultNone, fmt.Errorf("feedback: %w", err)
	}
	if !isCorpus && !forced {
		f.feedback.Discard()
		return ResultNone, nil
	}
	f.feedback.AppendMetadata(tc)
	idx := f.corpus.Add(tc)
	if err := f.sched.OnAdd(idx); err != nil {
		return ResultNone, err
	}
	f.lastInput = time.Now()
	log.Logf(2, "new input #%v [%v] from %v", idx, tc.Len(), origin)
	if isSolution {
		return ResultSolution, nil
	}
	return ResultCorpus, nil
}

// FuzzOne schedules one corpus entry and evaluates StageIterations of its
// mutants in order.
func (f *Fuzzer) FuzzOne(ctx context.Context) error {
	idx, err := f.sched.Next()
	if err != nil {
		return err
	}
	parent := f.corpus.Get(idx)
	for i := 0; i < f.stageIters && ctx.Err() == nil; i++ {
		if _, err := f.Evaluate(f.mut.Mutate(parent.Data()), idx, corpus.OriginHavoc); err != nil {
			return err
		}
	}
	return nil
}

// FuzzLoopFor runs iters rounds of FuzzOne, or fewer if ctx is done.
func (f *Fuzzer) FuzzLoopFor(ctx context.Context, iters uint64) error {
	for i := uint64(0); i < iters; i++ {
		if ctx.Err() != nil {
			log.Logf(0, "stopping after %v iterations", i)
			break
		}
		if err := f.FuzzOne(ctx); err != nil {
			return err
		}
		if f.monitor != nil {
			if err := f.monitor.Update(f.Snapshot()); err != nil {
				log.Errorf("failed to write stats: %v", err)
			}
		}
	}
	if f.monitor != nil {
		return f.monitor.Report(f.Snapshot())
	}
	return nil
}

// Snapshot returns the current run statistics.
func (f *Fuzzer) Snapshot() stats.Snapshot {
	st := f.exec.Stats()
	hist := f.state.Map(EdgesObserver, len(f.obs.Edges.Map()))
	return stats.Snapshot{
		Corpus:       f.corpus.Count(),
		Solutions:    f.solutions.Count(),
		Execs:        st.Execs,
		Restarts:     st.Restarts,
		Timeouts:     st.Timeouts,
		Edges:        hist.Count,
		MapSize:      len(hist.Map),
		LastNewInput: f.lastInput,
	}
}
