// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
	"github.com/bradleyjkemp/forkfuzz/grammar"
	"github.com/bradleyjkemp/forkfuzz/observer"
)

// counting is a leaf with a fixed verdict that counts its evaluations.
type counting struct {
	name     string
	verdict  bool
	evals    int
	appended int
}

func (c *counting) Name() string { return c.name }

func (c *counting) IsInteresting(res *forkserver.Result) (bool, error) {
	c.evals++
	return c.verdict, nil
}

func (c *counting) AppendMetadata(tc *corpus.TestCase) { c.appended++ }
func (c *counting) Discard()                           {}

func leaves(verdicts ...bool) ([]*counting, []*Node) {
	var cs []*counting
	var ns []*Node
	for i, v := range verdicts {
		c := &counting{name: string(rune('a' + i)), verdict: v}
		cs = append(cs, c)
		ns = append(ns, Leaf(c))
	}
	return cs, ns
}

func evals(cs []*counting) []int {
	var res []int
	for _, c := range cs {
		res = append(res, c.evals)
	}
	return res
}

func TestCombinators(t *testing.T) {
	tests := []struct {
		name     string
		build    func(...*Node) *Node
		verdicts []bool
		result   bool
		evals    []int
	}{
		{"and all true", And, []bool{true, true, true}, true, []int{1, 1, 1}},
		{"and eager", And, []bool{false, true, true}, false, []int{1, 1, 1}},
		{"and fast stops", AndFast, []bool{true, false, true}, false, []int{1, 1, 0}},
		{"and fast all", AndFast, []bool{true, true}, true, []int{1, 1}},
		{"or eager", Or, []bool{true, false, true}, true, []int{1, 1, 1}},
		{"or none", Or, []bool{false, false}, false, []int{1, 1}},
		{"or fast stops", OrFast, []bool{false, true, true}, true, []int{1, 1, 0}},
		{"or fast none", OrFast, []bool{false, false}, false, []int{1, 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cs, ns := leaves(test.verdicts...)
			ok, err := Eval(test.build(ns...), &forkserver.Result{})
			require.NoError(t, err)
			assert.Equal(t, test.result, ok)
			assert.Equal(t, test.evals, evals(cs))
		})
	}
}

func TestOrEvaluatesEveryChildOnce(t *testing.T) {
	cs, ns := leaves(true, false, true, true, false)
	// Or(AndFast(a, b, c), d, AndFast(e)) : c is skipped by the nested AndFast,
	// every direct child of Or runs exactly once.
	tree := Or(AndFast(ns[0], ns[1], ns[2]), ns[3], AndFast(ns[4]))
	for i := 1; i <= 3; i++ {
		ok, err := Eval(tree, &forkserver.Result{})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []int{i, i, 0, i, i}, evals(cs))
	}
	tree.AppendMetadata(corpus.NewTestCase(nil, -1, corpus.OriginSeed))
	for _, c := range cs {
		assert.Equal(t, 1, c.appended, c.name)
	}
	assert.Equal(t, "Or(AndFast(a, b, c), d, AndFast(e))", tree.String())
}

func newEdges(size int) (*observer.MapObserver, []byte) {
	m := make([]byte, size)
	return observer.NewMap("shared_mem", m, true), m
}

func hit(m []byte, slots ...int) {
	clear(m)
	for _, s := range slots {
		m[s]++
	}
}

func TestMaxMap(t *testing.T) {
	state := NewState()
	obs, m := newEdges(16)
	f := NewMaxMap(state, "shared_mem", obs, true)
	res := &forkserver.Result{}

	hit(m, 3)
	ok, err := f.IsInteresting(res)
	require.NoError(t, err)
	assert.True(t, ok, "first hit of an edge is novel")
	tc := corpus.NewTestCase([]byte("a"), -1, corpus.OriginSeed)
	f.AppendMetadata(tc)
	assert.Equal(t, []int{3}, tc.Indexes)
	assert.Equal(t, 1, f.History().Count)

	ok, _ = f.IsInteresting(res)
	assert.False(t, ok, "same coverage is not novel")

	m[3] = 4 // a higher hit-count bucket
	ok, _ = f.IsInteresting(res)
	assert.True(t, ok)
	f.Discard()
	tc = corpus.NewTestCase([]byte("b"), -1, corpus.OriginSeed)
	f.AppendMetadata(tc)
	assert.Nil(t, tc.Indexes)

	hit(m, 3)
	ok, _ = f.IsInteresting(res)
	assert.False(t, ok, "a lower count is not novel")
	assert.Equal(t, byte(4), f.History().Map[3])

	hit(m, 3, 7)
	ok, _ = f.IsInteresting(res)
	assert.True(t, ok)
	assert.Equal(t, 2, f.History().Count)
	assert.Same(t, f.History(), state.Map("shared_mem", 16))
}

func TestMaxMapMonotonic(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed=%v", seed)
	r := rand.New(rand.NewSource(seed))
	obs, m := newEdges(64)
	f := NewMaxMap(NewState(), "shared_mem", obs, false)
	for i := 0; i < 1000; i++ {
		prev := append([]byte{}, f.History().Map...)
		for j := range m {
			m[j] = 0
			if r.Intn(8) == 0 {
				m[j] = byte(r.Intn(256))
			}
		}
		obs.PostExec(nil, &forkserver.Result{})
		ok, err := f.IsInteresting(&forkserver.Result{})
		require.NoError(t, err)
		changed := false
		for j, v := range f.History().Map {
			if v < prev[j] {
				t.Fatalf("iter %v: slot %v decreased from %v to %v", i, j, prev[j], v)
			}
			if v != prev[j] {
				changed = true
			}
			if ok && v < m[j] {
				t.Fatalf("iter %v: slot %v below accepted value %v", i, j, m[j])
			}
		}
		assert.Equal(t, ok, changed)
	}
}

func TestMaxMapSizeMismatch(t *testing.T) {
	state := NewState()
	obs, _ := newEdges(16)
	f := NewMaxMap(state, "shared_mem", obs, false)
	obs.Downsize(8)
	_, err := f.IsInteresting(&forkserver.Result{})
	assert.Error(t, err)
}

func TestObjectiveDedup(t *testing.T) {
	state := NewState()
	obs, m := newEdges(16)
	objective := Objective(Observers{Edges: obs}, state, false)
	crash := &forkserver.Result{Kind: forkserver.ExitCrash}

	hit(m, 1, 2)
	ok, err := Eval(objective, crash)
	require.NoError(t, err)
	assert.True(t, ok, "first crash with this coverage")

	ok, _ = Eval(objective, crash)
	assert.False(t, ok, "same crash coverage is a duplicate")

	hit(m, 5)
	ok, _ = Eval(objective, &forkserver.Result{Kind: forkserver.ExitOk})
	assert.False(t, ok)
	hist, _ := state.LookupMap(CrashHistory)
	assert.Zero(t, hist.Map[5], "non-crashing runs do not touch crash history")

	hit(m, 1, 2, 5)
	ok, _ = Eval(objective, crash)
	assert.True(t, ok)

	ok, _ = Eval(objective, &forkserver.Result{Kind: forkserver.ExitTimeout})
	assert.False(t, ok, "timeouts are not solutions by default")
}

func TestObjectiveTimeouts(t *testing.T) {
	state := NewState()
	obs, m := newEdges(16)
	objective := Objective(Observers{Edges: obs}, state, true)
	hit(m, 4)
	ok, _ := Eval(objective, &forkserver.Result{Kind: forkserver.ExitTimeout})
	assert.True(t, ok)
	ok, _ = Eval(objective, &forkserver.Result{Kind: forkserver.ExitTimeout})
	assert.False(t, ok)
	ok, _ = Eval(objective, &forkserver.Result{Kind: forkserver.ExitCrash})
	assert.True(t, ok, "crash and timeout histories are separate")
}

func TestCrashHistoryIndependent(t *testing.T) {
	state := NewState()
	obs, m := newEdges(16)
	edges := NewMaxMap(state, obs.Name(), obs, false)
	objective := Objective(Observers{Edges: obs}, state, false)

	hit(m, 1, 2)
	ok, _ := edges.IsInteresting(&forkserver.Result{})
	assert.True(t, ok)
	ok, _ = Eval(objective, &forkserver.Result{Kind: forkserver.ExitCrash})
	assert.True(t, ok, "corpus coverage does not suppress crashes")
}

func TestTimeFeedback(t *testing.T) {
	state := NewState()
	tobs := observer.NewTime("time")
	f := NewTime(state, tobs)
	for _, ms := range []int{1, 2, 3} {
		res := &forkserver.Result{Elapsed: time.Duration(ms) * time.Millisecond}
		tobs.PostExec(nil, res)
		ok, err := f.IsInteresting(res)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	tc := corpus.NewTestCase(nil, -1, corpus.OriginSeed)
	f.AppendMetadata(tc)
	assert.Equal(t, 3*time.Millisecond, tc.ExecTime)
	h := state.Time("time")
	assert.Equal(t, 3, h.Count())
	assert.Equal(t, 3*time.Millisecond, h.Max())
	assert.Equal(t, 2*time.Millisecond, h.Mean())
}

func TestGrammarFeedback(t *testing.T) {
	state := NewState()
	in := observer.NewInput("input")
	f := NewGrammar(state, in, grammar.ByteClass{})

	in.PreExec([]byte("abc"))
	ok, _ := f.IsInteresting(&forkserver.Result{})
	assert.True(t, ok)
	in.PreExec([]byte("xyz"))
	ok, _ = f.IsInteresting(&forkserver.Result{})
	assert.False(t, ok, "same class structure")
	in.PreExec([]byte("abc:1"))
	ok, _ = f.IsInteresting(&forkserver.Result{})
	assert.True(t, ok)

	hist, found := state.LookupFeatures("input")
	require.True(t, found)
	assert.Equal(t, grammar.ByteClass{}.Features([]byte("abc:1")), hist.IDs())
}

func TestRandomFeedback(t *testing.T) {
	always := NewRandom(1, rand.NewSource(1))
	never := NewRandom(0, rand.NewSource(1))
	for i := 0; i < 100; i++ {
		ok, _ := always.IsInteresting(&forkserver.Result{})
		assert.True(t, ok)
		ok, _ = never.IsInteresting(&forkserver.Result{})
		assert.False(t, ok)
	}
	a := NewRandom(0.5, rand.NewSource(7))
	b := NewRandom(0.5, rand.NewSource(7))
	for i := 0; i < 100; i++ {
		va, _ := a.IsInteresting(&forkserver.Result{})
		vb, _ := b.IsInteresting(&forkserver.Result{})
		require.Equal(t, va, vb)
	}
}

func testObservers() (Observers, []byte) {
	edges, m := newEdges(16)
	return Observers{
		Edges:  edges,
		Time:   observer.NewTime("time"),
		Input:  observer.NewInput("input"),
		Output: observer.NewOutput("output"),
	}, m
}

func TestPresets(t *testing.T) {
	for _, preset := range Presets {
		obs, _ := testObservers()
		state := NewState()
		node, err := Build(preset, obs, state, grammar.ByteClass{}, rand.NewSource(0))
		require.NoError(t, err, preset)
		require.NotNil(t, node)
		_, ok := state.LookupMap("shared_mem")
		assert.True(t, ok, "%v records edges", preset)
		_, ok = state.LookupFeatures("input")
		assert.True(t, ok, "%v records input grammar", preset)
		_, ok = state.LookupFeatures("output")
		assert.True(t, ok, "%v records output grammar", preset)
	}
	obs, _ := testObservers()
	_, err := Build("nonexistent", obs, NewState(), grammar.ByteClass{}, rand.NewSource(0))
	assert.Error(t, err)
}

func TestPresetVerdicts(t *testing.T) {
	tests := []struct {
		preset string
		// verdicts for: new edge, same edge with new input grammar, nothing new
		want [3]bool
	}{
		{"AflEdges", [3]bool{true, false, false}},
		{"ConstTrue", [3]bool{true, true, true}},
		{"ConstFalse", [3]bool{false, false, false}},
		{"GrammarInput", [3]bool{true, true, false}},
		{"GrammarFull", [3]bool{true, true, false}},
	}
	for _, test := range tests {
		t.Run(test.preset, func(t *testing.T) {
			obs, m := testObservers()
			state := NewState()
			node, err := Build(test.preset, obs, state, grammar.ByteClass{}, rand.NewSource(0))
			require.NoError(t, err)
			run := func(input string, slots ...int) bool {
				hit(m, slots...)
				obs.Input.PreExec([]byte(input))
				obs.Output.PreExec([]byte(input))
				res := &forkserver.Result{Elapsed: time.Millisecond}
				obs.Time.PostExec([]byte(input), res)
				ok, err := Eval(node, res)
				require.NoError(t, err)
				node.Discard()
				return ok
			}
			got := [3]bool{
				run("aaa", 1),
				run("aaa:1", 1),
				run("bbb:2", 1),
			}
			assert.Equal(t, test.want, got)
			hist, _ := state.LookupMap("shared_mem")
			assert.Equal(t, byte(1), hist.Map[1], "edges are recorded even when they do not decide")
			assert.Equal(t, 3, state.Time("time").Count())
		})
	}
}
