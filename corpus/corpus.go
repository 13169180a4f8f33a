// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus holds the in-memory corpus of interesting inputs and the
// on-disk store of solutions.
package corpus

import (
	"fmt"
	"time"
)

// Origin records how a test case was produced.
type Origin int

const (
	OriginSeed Origin = iota
	OriginHavoc
)

func (o Origin) String() string {
	switch o {
	case OriginSeed:
		return "seed"
	case OriginHavoc:
		return "havoc"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// TestCase is one executed input. The data is immutable, the metadata is
// filled in by feedbacks when the test case is accepted.
type TestCase struct {
	data []byte

	// ExecTime is the duration of the execution that produced the test case.
	ExecTime time.Duration
	// Indexes are the nonzero coverage slots, when tracked.
	Indexes []int
	// Parent is the corpus index of the entry this one was mutated from, or -1.
	Parent int
	Depth  int
	Origin Origin
}

// NewTestCase copies data.
func NewTestCase(data []byte, parent int, origin Origin) *TestCase {
	return &TestCase{
		data:   append([]byte{}, data...),
		Parent: parent,
		Origin: origin,
	}
}

// Data returns the input. It must not be modified.
func (tc *TestCase) Data() []byte {
	return tc.data
}

func (tc *TestCase) Len() int {
	return len(tc.data)
}

// Corpus is an ordered collection of test cases. Entries are never removed.
type Corpus struct {
	entries []*TestCase
}

func New() *Corpus {
	return &Corpus{}
}

// Add appends tc and returns its index.
func (c *Corpus) Add(tc *TestCase) int {
	c.entries = append(c.entries, tc)
	return len(c.entries) - 1
}

func (c *Corpus) Count() int {
	return len(c.entries)
}

func (c *Corpus) Get(i int) *TestCase {
	return c.entries[i]
}

// Sizes returns the input length of every entry in order.
func (c *Corpus) Sizes() []int {
	res := make([]int, len(c.entries))
	for i, tc := range c.entries {
		res[i] = tc.Len()
	}
	return res
}
