// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"sort"
	"time"

	"github.com/VividCortex/gohistogram"
)

// State holds the named histories of all feedbacks of a run.
type State struct {
	maps     map[string]*MapHistory
	features map[string]*FeatureHistory
	times    map[string]*TimeHistory
}

func NewState() *State {
	return &State{
		maps:     make(map[string]*MapHistory),
		features: make(map[string]*FeatureHistory),
		times:    make(map[string]*TimeHistory),
	}
}

// MapHistory is the running elementwise max of the accepted maps.
type MapHistory struct {
	Map []byte
	// Count is the number of nonzero slots of Map.
	Count int
}

// FeatureHistory is the set of accepted feature ids in first-seen order.
type FeatureHistory struct {
	ids  []uint64
	seen map[uint64]struct{}
}

// Add merges ids into the history and returns the number of new features.
func (h *FeatureHistory) Add(ids []uint64) int {
	n := 0
	for _, id := range ids {
		if _, ok := h.seen[id]; !ok {
			h.seen[id] = struct{}{}
			h.ids = append(h.ids, id)
			n++
		}
	}
	return n
}

// IDs returns the features in the order they were first accepted.
func (h *FeatureHistory) IDs() []uint64 {
	return h.ids
}

func (h *FeatureHistory) Len() int {
	return len(h.ids)
}

// TimeHistory summarizes execution times.
type TimeHistory struct {
	hist  *gohistogram.NumericHistogram
	count int
	max   time.Duration
}

func (h *TimeHistory) Add(d time.Duration) {
	h.hist.Add(float64(d))
	h.count++
	if d > h.max {
		h.max = d
	}
}

func (h *TimeHistory) Count() int {
	return h.count
}

func (h *TimeHistory) Max() time.Duration {
	return h.max
}

func (h *TimeHistory) Mean() time.Duration {
	if h.count == 0 {
		return 0
	}
	return time.Duration(h.hist.Mean())
}

// Quantile returns an approximation of the q-quantile.
func (h *TimeHistory) Quantile(q float64) time.Duration {
	if h.count == 0 {
		return 0
	}
	return time.Duration(h.hist.Quantile(q))
}

// Map returns the map history called name, creating it with size slots.
func (s *State) Map(name string, size int) *MapHistory {
	h := s.maps[name]
	if h == nil {
		h = &MapHistory{Map: make([]byte, size)}
		s.maps[name] = h
	}
	return h
}

// Features returns the feature history called name, creating it if needed.
func (s *State) Features(name string) *FeatureHistory {
	h := s.features[name]
	if h == nil {
		h = &FeatureHistory{seen: make(map[uint64]struct{})}
		s.features[name] = h
	}
	return h
}

// Time returns the time history called name, creating it if needed.
func (s *State) Time(name string) *TimeHistory {
	h := s.times[name]
	if h == nil {
		h = &TimeHistory{hist: gohistogram.NewHistogram(80)}
		s.times[name] = h
	}
	return h
}

// LookupMap returns an existing map history.
func (s *State) LookupMap(name string) (*MapHistory, bool) {
	h, ok := s.maps[name]
	return h, ok
}

// LookupFeatures returns an existing feature history.
func (s *State) LookupFeatures(name string) (*FeatureHistory, bool) {
	h, ok := s.features[name]
	return h, ok
}

// MapNames returns the names of all map histories, sorted.
func (s *State) MapNames() []string {
	var names []string
	for name := range s.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
