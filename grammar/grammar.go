// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package grammar extracts coarse structural features from byte sequences.
// Feature ids are stable across runs so that the accumulated feature sets of
// different runs can be compared.
package grammar

// Grammar maps a byte sequence to the set of feature ids it exhibits,
// in first-occurrence order and without duplicates.
type Grammar interface {
	Name() string
	Features(data []byte) []uint64
}

// Byte classes of ByteClass.
const (
	ClassControl = iota
	ClassSpace
	ClassDigit
	ClassLower
	ClassUpper
	ClassPunct
	ClassHigh
	numClasses
)

// ByteClass tokenizes data into maximal runs of one byte class and emits
// one feature per pair and per triple of adjacent runs. The first token is
// paired with an implicit start token so that single-run inputs still have
// features.
type ByteClass struct{}

func (ByteClass) Name() string {
	return "byteclass"
}

const (
	startToken   = numClasses
	numTokens    = numClasses + 1
	trigramsBase = numTokens * numTokens
)

func classOf(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return ClassDigit
	case c >= 'a' && c <= 'z':
		return ClassLower
	case c >= 'A' && c <= 'Z':
		return ClassUpper
	case c == ' ' || c == '\t' || c == '\n' || c == '\r':
		return ClassSpace
	case c >= 0x80:
		return ClassHigh
	case c < 0x20 || c == 0x7f:
		return ClassControl
	default:
		return ClassPunct
	}
}

func (ByteClass) Features(data []byte) []uint64 {
	var res []uint64
	seen := make(map[uint64]bool)
	add := func(f uint64) {
		if !seen[f] {
			seen[f] = true
			res = append(res, f)
		}
	}
	prev2, prev := -1, startToken
	for i := 0; i < len(data); {
		cls := classOf(data[i])
		for i < len(data) && classOf(data[i]) == cls {
			i++
		}
		add(uint64(prev*numTokens + cls))
		if prev2 != -1 {
			add(uint64(trigramsBase + (prev2*numTokens+prev)*numTokens + cls))
		}
		prev2, prev = prev, cls
	}
	return res
}
