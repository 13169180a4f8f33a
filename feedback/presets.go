// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"fmt"
	"math/rand"

	"github.com/bradleyjkemp/forkfuzz/grammar"
	"github.com/bradleyjkemp/forkfuzz/observer"
)

// Names of the histories that outlive a run as artifacts.
const (
	CrashHistory   = "crashes"
	TimeoutHistory = "timeouts"
)

// Observers are the observers a preset is built over.
type Observers struct {
	Edges  *observer.MapObserver
	Time   *observer.TimeObserver
	Input  *observer.InputObserver
	Output *observer.OutputObserver
}

// Presets lists the names accepted by Build.
var Presets = []string{
	"AflEdges",
	"Random",
	"ConstTrue",
	"ConstFalse",
	"GrammarInput",
	"GrammarOutput",
	"GrammarFull",
}

// Build returns the corpus feedback called preset. Every preset records
// edge, input grammar and output grammar histories, whether or not they
// take part in the verdict; src drives the Random preset.
func Build(preset string, obs Observers, state *State, g grammar.Grammar, src rand.Source) (*Node, error) {
	edges := func() *Node { return Leaf(NewMaxMap(state, obs.Edges.Name(), obs.Edges, true)) }
	input := func() *Node { return Leaf(NewGrammar(state, obs.Input, g)) }
	output := func() *Node { return Leaf(NewGrammar(state, obs.Output, g)) }
	timing := func() *Node { return Leaf(NewTime(state, obs.Time)) }
	never := func() *Node { return Leaf(Const{Value: false}) }

	switch preset {
	case "AflEdges":
		return Or(And(input(), output(), never()), edges(), timing()), nil
	case "Random":
		return Or(And(edges(), input(), output(), never()), Leaf(NewRandom(DefaultRandomProbability, src)), timing()), nil
	case "ConstTrue":
		return Or(And(input(), output(), never()), edges(), Leaf(Const{Value: true}), timing()), nil
	case "ConstFalse":
		return Or(And(edges(), input(), output(), never()), timing()), nil
	case "GrammarInput":
		return Or(And(edges(), output(), never()), input(), timing()), nil
	case "GrammarOutput":
		return Or(And(edges(), input(), never()), output(), timing()), nil
	case "GrammarFull":
		return Or(And(edges(), never()), input(), output(), timing()), nil
	}
	return nil, fmt.Errorf("unknown feedback %q, want one of %v", preset, Presets)
}

// Objective returns the solution feedback: a crash that reaches coverage no
// previous crash reached. Crash coverage has its own history. With timeouts
// set, timeouts with new coverage among timeouts are solutions too.
func Objective(obs Observers, state *State, timeouts bool) *Node {
	crash := AndFast(Leaf(Crash{}), Leaf(NewMaxMap(state, CrashHistory, obs.Edges, false)))
	if !timeouts {
		return crash
	}
	return OrFast(crash, AndFast(Leaf(Timeout{}), Leaf(NewMaxMap(state, TimeoutHistory, obs.Edges, false))))
}
