// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
	"github.com/bradleyjkemp/forkfuzz/tokens"
)

type fakeTarget func(data, cover []byte) forkserver.ExitKind

type fakeExecutor struct {
	cover  []byte
	target fakeTarget
	stats  forkserver.Stats
	inputs [][]byte
	err    error
	failOn string // Run fails with err only on this input when set
}

func newFakeExecutor(target fakeTarget) *fakeExecutor {
	return &fakeExecutor{cover: make([]byte, 64), target: target}
}

func (e *fakeExecutor) Run(data []byte) (*forkserver.Result, error) {
	if e.err != nil && (e.failOn == "" || e.failOn == string(data)) {
		return nil, e.err
	}
	e.inputs = append(e.inputs, append([]byte{}, data...))
	clear(e.cover)
	res := &forkserver.Result{Kind: e.target(data, e.cover), Elapsed: time.Millisecond}
	e.stats.Execs++
	switch res.Kind {
	case forkserver.ExitCrash:
		e.stats.Crashes++
		res.Output = []byte("panic: boom\n")
	case forkserver.ExitTimeout:
		e.stats.Timeouts++
	}
	return res, nil
}

func (e *fakeExecutor) CoverageMap() []byte {
	return e.cover
}

func (e *fakeExecutor) Stats() forkserver.Stats {
	return e.stats
}

func newFuzzer(t *testing.T, exec Executor, cfg Config) *Fuzzer {
	solutions, err := corpus.NewSolutionStore(filepath.Join(t.TempDir(), "crashes"))
	require.NoError(t, err)
	if cfg.StageIterations == 0 {
		cfg.StageIterations = 1
	}
	f, err := New(cfg, exec, solutions)
	require.NoError(t, err)
	return f
}

func seedDir(t *testing.T, seeds ...string) string {
	dir := t.TempDir()
	for i, seed := range seeds {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("seed%02d", i)), []byte(seed), 0644))
	}
	return dir
}

func TestEdgeNovelty(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[3] = 1
		if bytes.IndexByte(data, 'Z') != -1 {
			cover[7] = 1
		}
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "AAAA")}, false))
	assert.Equal(t, 1, f.Corpus().Count())
	assert.Equal(t, 0, f.Solutions().Count())

	res, err := f.Evaluate([]byte("AAAB"), 0, corpus.OriginHavoc)
	require.NoError(t, err)
	assert.Equal(t, ResultNone, res)
	assert.Equal(t, 1, f.Corpus().Count())

	res, err = f.Evaluate([]byte("AZAA"), 0, corpus.OriginHavoc)
	require.NoError(t, err)
	assert.Equal(t, ResultCorpus, res)
	require.Equal(t, 2, f.Corpus().Count())
	tc := f.Corpus().Get(1)
	assert.Equal(t, []byte("AZAA"), tc.Data())
	assert.Equal(t, 0, tc.Parent)
	assert.Equal(t, 1, tc.Depth)
	assert.Equal(t, []int{3, 7}, tc.Indexes)
	assert.Equal(t, 2, f.Snapshot().Edges)
}

func TestCrashDedup(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[1] = 1
		if strings.HasPrefix(string(data), "bad") {
			cover[2] = 1
			return forkserver.ExitCrash
		}
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "good")}, false))

	res, err := f.Evaluate([]byte("bad1"), 0, corpus.OriginHavoc)
	require.NoError(t, err)
	assert.Equal(t, ResultSolution, res)
	assert.Equal(t, 1, f.Solutions().Count())
	assert.Equal(t, 1, f.Corpus().Count())

	res, err = f.Evaluate([]byte("bad2"), 0, corpus.OriginHavoc)
	require.NoError(t, err)
	assert.NotEqual(t, ResultSolution, res)
	assert.Equal(t, 1, f.Solutions().Count())

	_, err = os.Stat(filepath.Join(f.Solutions().Dir(), corpus.Sig([]byte("bad1"))))
	assert.NoError(t, err)
}

func TestForcedLoad(t *testing.T) {
	seeds := []string{"a", "b", "c", "d", "e"}
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[0] = 1
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, seeds...)}, true))
	require.Equal(t, len(seeds), f.Corpus().Count())
	for i, seed := range seeds {
		assert.Equal(t, []byte(seed), f.Corpus().Get(i).Data())
		assert.Equal(t, corpus.OriginSeed, f.Corpus().Get(i).Origin)
	}
}

func TestNonForcedLoadSkipsUninteresting(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[0] = 1
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "a", "b", "c")}, false))
	assert.Equal(t, 1, f.Corpus().Count())
	assert.Len(t, exec.inputs, 3)
}

func TestLoadCrashingSeed(t *testing.T) {
	target := func(data, cover []byte) forkserver.ExitKind {
		cover[0] = 1
		if string(data) == "bad" {
			cover[1] = 1
			return forkserver.ExitCrash
		}
		return forkserver.ExitOk
	}
	f := newFuzzer(t, newFakeExecutor(target), Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "bad", "ok")}, false))
	assert.Equal(t, 1, f.Solutions().Count())
	require.Equal(t, 1, f.Corpus().Count())
	assert.Equal(t, []byte("ok"), f.Corpus().Get(0).Data())

	f = newFuzzer(t, newFakeExecutor(target), Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "bad", "ok")}, true))
	assert.Equal(t, 1, f.Solutions().Count())
	assert.Equal(t, 2, f.Corpus().Count())
}

func TestLoadMissingDir(t *testing.T) {
	f := newFuzzer(t, newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		return forkserver.ExitOk
	}), Config{})
	err := f.LoadInitialInputs(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, true)
	assert.Error(t, err)
}

func TestLoadEmptyCorpus(t *testing.T) {
	f := newFuzzer(t, newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		return forkserver.ExitOk
	}), Config{})
	err := f.LoadInitialInputs(context.Background(), []string{seedDir(t, "a")}, false)
	assert.Error(t, err)
}

func TestLoadSeedsRecursively(t *testing.T) {
	dir := seedDir(t, "top")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested"), []byte("nested"), 0644))
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{dir}, true))
	assert.Equal(t, [][]byte{[]byte("top"), []byte("nested")}, exec.inputs)
}

func TestExecutorErrorAborts(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		return forkserver.ExitOk
	})
	exec.err = errors.New("forkserver died")
	f := newFuzzer(t, exec, Config{})
	err := f.LoadInitialInputs(context.Background(), []string{seedDir(t, "a")}, true)
	assert.ErrorIs(t, err, exec.err)
}

func TestNonForcedLoadSkipsFailingSeed(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[data[0]%64] = 1
		return forkserver.ExitOk
	})
	exec.err = errors.New("forkserver did not recover")
	exec.failOn = "b"
	f := newFuzzer(t, exec, Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "a", "b", "c")}, false))
	assert.Equal(t, 2, f.Corpus().Count())
	assert.Equal(t, [][]byte{[]byte("a"), []byte("c")}, exec.inputs)
}

func TestNonForcedLoadAbortsWhenUnusable(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[data[0]%64] = 1
		return forkserver.ExitOk
	})
	exec.err = &forkserver.Error{Kind: forkserver.KindFatal, Stage: "spawn", Err: errors.New("no such file")}
	exec.failOn = "b"
	f := newFuzzer(t, exec, Config{})
	err := f.LoadInitialInputs(context.Background(), []string{seedDir(t, "a", "b", "c")}, false)
	assert.ErrorIs(t, err, exec.err)
	assert.Equal(t, [][]byte{[]byte("a")}, exec.inputs)
}

func mutationRun(t *testing.T, seed int64) [][]byte {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		for _, c := range data {
			cover[c%64]++
		}
		return forkserver.ExitOk
	})
	dict := tokens.New()
	dict.Add([]byte("magic"))
	f := newFuzzer(t, exec, Config{Seed: seed, StageIterations: 8, Dict: dict, Scheduler: "minimizer"})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "hello", "world")}, true))
	require.NoError(t, f.FuzzLoopFor(context.Background(), 50))
	return exec.inputs
}

func TestDeterministic(t *testing.T) {
	first := mutationRun(t, 42)
	second := mutationRun(t, 42)
	assert.Len(t, first, 2+50*8)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("runs with the same seed differ:\n%s", diff)
	}
	assert.NotEqual(t, first, mutationRun(t, 43))
}

func TestFuzzLoopFindsEdge(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[3] = 1
		if len(data) > 4 {
			cover[7] = 1
		}
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{StageIterations: 16})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "AAAA")}, true))
	require.NoError(t, f.FuzzLoopFor(context.Background(), 100))
	assert.Equal(t, 2, f.Corpus().Count())
	assert.Equal(t, uint64(1+100*16), f.Snapshot().Execs)
}

func TestFuzzLoopStopsOnCancel(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[0] = 1
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "a")}, false))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.FuzzLoopFor(ctx, 1000))
	assert.Len(t, exec.inputs, 1)
}

func TestFuzzOneEmptyCorpus(t *testing.T) {
	f := newFuzzer(t, newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		return forkserver.ExitOk
	}), Config{})
	assert.Error(t, f.FuzzOne(context.Background()))
}

func TestTimeoutsCounted(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[0] = 1
		if bytes.HasPrefix(data, []byte("slow")) {
			cover[5] = 1
			return forkserver.ExitTimeout
		}
		return forkserver.ExitOk
	})
	f := newFuzzer(t, exec, Config{ObjectiveTimeouts: true})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "fast")}, false))
	res, err := f.Evaluate([]byte("slow1"), 0, corpus.OriginHavoc)
	require.NoError(t, err)
	assert.Equal(t, ResultSolution, res)
	res, err = f.Evaluate([]byte("slow2"), 0, corpus.OriginHavoc)
	require.NoError(t, err)
	assert.NotEqual(t, ResultSolution, res)
	assert.Equal(t, uint64(2), f.Snapshot().Timeouts)
	assert.Equal(t, 1, f.Solutions().Count())
}

func TestUnknownConfig(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		return forkserver.ExitOk
	})
	solutions, err := corpus.NewSolutionStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(Config{Feedback: "Nope"}, exec, solutions)
	assert.Error(t, err)
	_, err = New(Config{Scheduler: "nope"}, exec, solutions)
	assert.Error(t, err)
}

func TestWriteArtifacts(t *testing.T) {
	exec := newFakeExecutor(func(data, cover []byte) forkserver.ExitKind {
		cover[2] = 1
		if len(data) > 2 {
			cover[9] = 3
		}
		return forkserver.ExitOk
	})
	dict := tokens.New()
	dict.Add([]byte("tok"))
	f := newFuzzer(t, exec, Config{Dict: dict})
	require.NoError(t, f.LoadInitialInputs(context.Background(), []string{seedDir(t, "ab", "abc")}, false))

	dir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, f.WriteArtifacts(dir))
	read := func(name string) []byte {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return data
	}
	edges := read("edge_final_coverage")
	require.Len(t, edges, 64)
	assert.Equal(t, byte(1), edges[2])
	assert.Equal(t, byte(4), edges[9])
	assert.Len(t, read("crashes_final_coverage"), 64)
	assert.Equal(t, "2\n3\n", string(read("sizes_of_corpus_elements")))
	assert.Equal(t, "num_elements_in_corpus: 2\n", string(read("num_elements_in_corpus")))
	assert.Equal(t, "token_0=\"tok\"\n", string(read("tokens")))
	input := strings.Fields(string(read("input_grammar_coverage")))
	assert.NotEmpty(t, input)
	assert.Empty(t, read("output_grammar_coverage"))
}
