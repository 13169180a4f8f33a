// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package observer provides views over the raw signals of one execution.
// Observers borrow the data they expose; it is only valid until the next
// execution starts.
package observer

import (
	"time"

	"github.com/bradleyjkemp/forkfuzz/coverage"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
)

type Observer interface {
	Name() string
	// PreExec is called with the input before it is run.
	PreExec(input []byte)
	// PostExec is called once the target reported the execution status.
	PostExec(input []byte, res *forkserver.Result)
}

// Bytes is implemented by observers that expose a byte sequence.
type Bytes interface {
	Observer
	Bytes() []byte
}

// MapObserver exposes the coverage map of the executor. With hit counts
// enabled, counters are bucketed in place after every execution.
type MapObserver struct {
	name      string
	m         []byte
	hitcounts bool
}

func NewMap(name string, m []byte, hitcounts bool) *MapObserver {
	return &MapObserver{name: name, m: m, hitcounts: hitcounts}
}

func (o *MapObserver) Name() string { return o.name }

// Map returns the borrowed coverage map.
func (o *MapObserver) Map() []byte { return o.m }

// Downsize restricts the view to the first size counters.
func (o *MapObserver) Downsize(size int) {
	if size < len(o.m) {
		o.m = o.m[:size]
	}
}

func (o *MapObserver) PreExec(input []byte) {}

func (o *MapObserver) PostExec(input []byte, res *forkserver.Result) {
	if o.hitcounts {
		coverage.Classify(o.m)
	}
}

// TimeObserver records the duration of the last execution.
type TimeObserver struct {
	name string
	last time.Duration
}

func NewTime(name string) *TimeObserver {
	return &TimeObserver{name: name}
}

func (o *TimeObserver) Name() string { return o.name }

func (o *TimeObserver) LastRuntime() time.Duration { return o.last }

func (o *TimeObserver) PreExec(input []byte) {
	o.last = 0
}

func (o *TimeObserver) PostExec(input []byte, res *forkserver.Result) {
	o.last = res.Elapsed
}

// InputObserver exposes the input of the last execution.
type InputObserver struct {
	name string
	data []byte
}

func NewInput(name string) *InputObserver {
	return &InputObserver{name: name}
}

func (o *InputObserver) Name() string { return o.name }

func (o *InputObserver) Bytes() []byte { return o.data }

func (o *InputObserver) PreExec(input []byte) {
	o.data = input
}

func (o *InputObserver) PostExec(input []byte, res *forkserver.Result) {}

// OutputObserver exposes the output captured from the target.
type OutputObserver struct {
	name string
	data []byte
}

func NewOutput(name string) *OutputObserver {
	return &OutputObserver{name: name}
}

func (o *OutputObserver) Name() string { return o.name }

func (o *OutputObserver) Bytes() []byte { return o.data }

func (o *OutputObserver) PreExec(input []byte) {
	o.data = nil
}

func (o *OutputObserver) PostExec(input []byte, res *forkserver.Result) {
	o.data = res.Output
}

// Set is the ordered list of observers attached to an executor.
type Set []Observer

func (s Set) PreExec(input []byte) {
	for _, o := range s {
		o.PreExec(input)
	}
}

func (s Set) PostExec(input []byte, res *forkserver.Result) {
	for _, o := range s {
		o.PostExec(input, res)
	}
}
