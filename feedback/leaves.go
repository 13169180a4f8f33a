// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"fmt"
	"math/rand"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/coverage"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
	"github.com/bradleyjkemp/forkfuzz/grammar"
	"github.com/bradleyjkemp/forkfuzz/observer"
)

// MaxMap accepts an execution whose map has a slot above the history, and
// then raises the history to the elementwise max.
type MaxMap struct {
	obs     *observer.MapObserver
	name    string
	hist    *MapHistory
	track   bool
	pending []int
}

// NewMaxMap creates a feedback over obs with the history called name.
// With track set, accepted test cases get the list of nonzero slots.
func NewMaxMap(state *State, name string, obs *observer.MapObserver, track bool) *MaxMap {
	return &MaxMap{
		obs:   obs,
		name:  name,
		hist:  state.Map(name, len(obs.Map())),
		track: track,
	}
}

func (f *MaxMap) Name() string {
	return "MaxMap(" + f.name + ")"
}

func (f *MaxMap) History() *MapHistory {
	return f.hist
}

func (f *MaxMap) IsInteresting(res *forkserver.Result) (bool, error) {
	f.pending = nil
	cur := f.obs.Map()
	if len(cur) != len(f.hist.Map) {
		return false, fmt.Errorf("%v: map size %v, history size %v", f.Name(), len(cur), len(f.hist.Map))
	}
	if !coverage.HasNewMax(f.hist.Map, cur) {
		return false, nil
	}
	if f.track {
		f.pending = coverage.NonZero(cur)
	}
	f.hist.Count = coverage.UpdateMax(f.hist.Map, cur)
	return true, nil
}

func (f *MaxMap) AppendMetadata(tc *corpus.TestCase) {
	if f.pending != nil {
		tc.Indexes = f.pending
		f.pending = nil
	}
}

func (f *MaxMap) Discard() {
	f.pending = nil
}

type stateless struct{}

func (stateless) AppendMetadata(tc *corpus.TestCase) {}
func (stateless) Discard()                           {}

// Crash accepts executions terminated by a signal.
type Crash struct{ stateless }

func (Crash) Name() string { return "Crash" }

func (Crash) IsInteresting(res *forkserver.Result) (bool, error) {
	return res.Kind == forkserver.ExitCrash, nil
}

// Timeout accepts executions that were killed for running too long.
type Timeout struct{ stateless }

func (Timeout) Name() string { return "Timeout" }

func (Timeout) IsInteresting(res *forkserver.Result) (bool, error) {
	return res.Kind == forkserver.ExitTimeout, nil
}

// Const always returns its value. It pins one branch of a combinator so
// that the other leaves there run only for their history.
type Const struct {
	stateless
	Value bool
}

func (f Const) Name() string {
	if f.Value {
		return "True"
	}
	return "False"
}

func (f Const) IsInteresting(res *forkserver.Result) (bool, error) {
	return f.Value, nil
}

// DefaultRandomProbability is the acceptance probability of the Random preset.
const DefaultRandomProbability = 200.0 / 1000000.0

// Random accepts with a fixed probability.
type Random struct {
	stateless
	p float64
	r *rand.Rand
}

func NewRandom(p float64, src rand.Source) *Random {
	return &Random{p: p, r: rand.New(src)}
}

func (f *Random) Name() string {
	return fmt.Sprintf("Random(%v)", f.p)
}

func (f *Random) IsInteresting(res *forkserver.Result) (bool, error) {
	return f.r.Float64() < f.p, nil
}

// Time never accepts. It records every execution time and stamps accepted
// test cases with theirs.
type Time struct {
	obs  *observer.TimeObserver
	hist *TimeHistory
}

func NewTime(state *State, obs *observer.TimeObserver) *Time {
	return &Time{obs: obs, hist: state.Time(obs.Name())}
}

func (f *Time) Name() string {
	return "Time"
}

func (f *Time) IsInteresting(res *forkserver.Result) (bool, error) {
	f.hist.Add(f.obs.LastRuntime())
	return false, nil
}

func (f *Time) AppendMetadata(tc *corpus.TestCase) {
	tc.ExecTime = f.obs.LastRuntime()
}

func (f *Time) Discard() {}

// Grammar accepts an execution whose observed bytes exhibit a feature not
// in its history.
type Grammar struct {
	stateless
	obs  observer.Bytes
	g    grammar.Grammar
	hist *FeatureHistory
}

// NewGrammar tracks the features of obs under the history named after obs.
func NewGrammar(state *State, obs observer.Bytes, g grammar.Grammar) *Grammar {
	return &Grammar{obs: obs, g: g, hist: state.Features(obs.Name())}
}

func (f *Grammar) Name() string {
	return fmt.Sprintf("Grammar(%v, %v)", f.obs.Name(), f.g.Name())
}

func (f *Grammar) History() *FeatureHistory {
	return f.hist
}

func (f *Grammar) IsInteresting(res *forkserver.Result) (bool, error) {
	return f.hist.Add(f.g.Features(f.obs.Bytes())) != 0, nil
}
