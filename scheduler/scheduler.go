// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scheduler picks the corpus entry to mutate next. Schedulers only
// order visits; they never remove entries.
package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/bradleyjkemp/forkfuzz/corpus"
)

var ErrEmpty = errors.New("corpus is empty")

type Scheduler interface {
	// OnAdd is called after entry idx was added to the corpus.
	OnAdd(idx int) error
	Next() (int, error)
}

// Queue visits the corpus round-robin in insertion order.
type Queue struct {
	c   *corpus.Corpus
	cur int
}

func NewQueue(c *corpus.Corpus) *Queue {
	return &Queue{c: c, cur: -1}
}

func (q *Queue) OnAdd(idx int) error {
	if idx < 0 || idx >= q.c.Count() {
		return fmt.Errorf("entry %v is not in the corpus", idx)
	}
	return nil
}

func (q *Queue) Next() (int, error) {
	n := q.c.Count()
	if n == 0 {
		return 0, ErrEmpty
	}
	q.cur = (q.cur + 1) % n
	return q.cur, nil
}

// DefaultSkipProb is the probability with which Minimizer skips an entry
// that is not favored.
const DefaultSkipProb = 0.95

// Minimizer wraps a scheduler and prefers, for every covered slot, the entry
// with the smallest len(data) * execTime. Entries that are best for at least
// one slot are favored; others are skipped with probability SkipProb.
// Entries without tracked indexes never become favored.
type Minimizer struct {
	base     Scheduler
	c        *corpus.Corpus
	r        *rand.Rand
	SkipProb float64
	topRated map[int]int
	favored  map[int]bool
}

func NewMinimizer(base Scheduler, c *corpus.Corpus, src rand.Source) *Minimizer {
	return &Minimizer{
		base:     base,
		c:        c,
		r:        rand.New(src),
		SkipProb: DefaultSkipProb,
		topRated: make(map[int]int),
		favored:  make(map[int]bool),
	}
}

func factor(tc *corpus.TestCase) int64 {
	t := int64(tc.ExecTime)
	if t <= 0 {
		t = 1
	}
	return int64(tc.Len()+1) * t
}

func (m *Minimizer) OnAdd(idx int) error {
	if err := m.base.OnAdd(idx); err != nil {
		return err
	}
	tc := m.c.Get(idx)
	f := factor(tc)
	changed := false
	for _, slot := range tc.Indexes {
		old, ok := m.topRated[slot]
		if !ok || f < factor(m.c.Get(old)) {
			m.topRated[slot] = idx
			changed = true
		}
	}
	if changed {
		m.cull()
	}
	return nil
}

// cull recomputes the favored set: slots are visited in order and the top
// rated entry of every slot not yet covered by a favored entry is favored.
func (m *Minimizer) cull() {
	slots := make([]int, 0, len(m.topRated))
	for slot := range m.topRated {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	covered := make(map[int]bool)
	m.favored = make(map[int]bool)
	for _, slot := range slots {
		if covered[slot] {
			continue
		}
		idx := m.topRated[slot]
		m.favored[idx] = true
		for _, s := range m.c.Get(idx).Indexes {
			covered[s] = true
		}
	}
}

// Favored reports whether entry idx is currently favored.
func (m *Minimizer) Favored(idx int) bool {
	return m.favored[idx]
}

func (m *Minimizer) Next() (int, error) {
	n := m.c.Count()
	for attempt := 0; ; attempt++ {
		idx, err := m.base.Next()
		if err != nil {
			return 0, err
		}
		if len(m.favored) == 0 || m.favored[idx] || attempt >= 4*n || m.r.Float64() >= m.SkipProb {
			return idx, nil
		}
	}
}
