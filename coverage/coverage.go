// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package coverage holds the layout of the edge coverage map shared with
// the target and the helpers used to compare and merge such maps.
package coverage

const (
	// MapSize is the default number of edge counters in the coverage region.
	MapSize = 64 << 10
	// MaxInputSize bounds every input handed to the target.
	MaxInputSize = 1 << 20
)

// countClass maps a raw hit counter to its bucket so that loop iteration
// counts do not inflate the corpus. Buckets are 0, 1, 2, 3→4, 4-7→8,
// 8-15→16, 16-31→32, 32-127→64, 128-255→128.
var countClass [256]byte

func init() {
	for i := range countClass {
		switch {
		case i <= 2:
			countClass[i] = byte(i)
		case i == 3:
			countClass[i] = 4
		case i <= 7:
			countClass[i] = 8
		case i <= 15:
			countClass[i] = 16
		case i <= 31:
			countClass[i] = 32
		case i <= 127:
			countClass[i] = 64
		default:
			countClass[i] = 128
		}
	}
}

// Bucket returns the hit-count class of a single counter.
func Bucket(x byte) byte {
	return countClass[x]
}

// Classify quantizes every counter of m in place.
func Classify(m []byte) {
	for i, x := range m {
		if x != 0 {
			m[i] = countClass[x]
		}
	}
}

// HasNewMax reports whether any slot of cur is above the same slot of base.
// Since counters are unsigned, such a slot is necessarily nonzero.
func HasNewMax(base, cur []byte) bool {
	if len(base) != len(cur) {
		panic("coverage map size mismatch")
	}
	for i, v := range cur {
		if v > base[i] {
			return true
		}
	}
	return false
}

// UpdateMax raises every slot of base to the max of itself and cur
// and returns the number of nonzero slots in the result.
func UpdateMax(base, cur []byte) int {
	if len(base) != len(cur) {
		panic("coverage map size mismatch")
	}
	cnt := 0
	for i, x := range cur {
		v := base[i]
		if v != 0 || x > 0 {
			cnt++
		}
		if v < x {
			base[i] = x
		}
	}
	return cnt
}

// NonZero returns the indexes of all nonzero slots of m.
func NonZero(m []byte) []int {
	var res []int
	for i, v := range m {
		if v != 0 {
			res = append(res, i)
		}
	}
	return res
}

// Count returns the number of nonzero slots of m.
func Count(m []byte) int {
	cnt := 0
	for _, v := range m {
		if v != 0 {
			cnt++
		}
	}
	return cnt
}
