// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator produces new candidate inputs by stacking random
// byte-level mutations, splices and dictionary tokens.
package mutator

import (
	"encoding/binary"
	"math/rand"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/coverage"
	"github.com/bradleyjkemp/forkfuzz/tokens"
)

// DefaultMaxStackPow bounds the number of stacked operations to 1<<6.
const DefaultMaxStackPow = 6

// Source provides entries to splice with; *corpus.Corpus implements it.
type Source interface {
	Count() int
	Get(i int) *corpus.TestCase
}

// Mutator is deterministic: the same random source, dictionary and corpus
// produce the same sequence of candidates.
type Mutator struct {
	r           *rand.Rand
	maxStackPow int
	dict        *tokens.Dictionary
	splice      Source
}

// New creates a mutator. dict and splice may be nil.
func New(src rand.Source, maxStackPow int, dict *tokens.Dictionary, splice Source) *Mutator {
	if maxStackPow < 0 {
		maxStackPow = 0
	}
	return &Mutator{
		r:           rand.New(src),
		maxStackPow: maxStackPow,
		dict:        dict,
		splice:      splice,
	}
}

func (m *Mutator) rand(n int) int {
	if n <= 0 {
		return 0
	}
	return m.r.Intn(n)
}

func (m *Mutator) randbool() bool {
	return m.r.Intn(2) == 0
}

// StackSize draws the number of operations applied to one candidate,
// a power of two in [1, 1<<maxStackPow].
func (m *Mutator) StackSize() int {
	return 1 << m.r.Intn(m.maxStackPow+1)
}

// Mutate returns a new candidate derived from data; data is not modified.
// The result is never empty and never longer than coverage.MaxInputSize.
func (m *Mutator) Mutate(data []byte) []byte {
	res := make([]byte, len(data), len(data)+16)
	copy(res, data)
	n := m.StackSize()
	for i := 0; i < n; i++ {
		res = ops[m.rand(len(ops))](m, res)
	}
	if len(res) == 0 {
		res = append(res, byte(m.rand(256)))
	}
	if len(res) > coverage.MaxInputSize {
		res = res[:coverage.MaxInputSize]
	}
	return res
}

// chooseLen picks a block length, biased toward short blocks.
func (m *Mutator) chooseLen(n int) int {
	switch x := m.rand(100); {
	case x < 90:
		return m.rand(min(8, n)) + 1
	case x < 99:
		return m.rand(min(32, n)) + 1
	default:
		return m.rand(n) + 1
	}
}

var ops = []func(m *Mutator, res []byte) []byte{
	bitFlip,
	byteFlip,
	byteInc,
	byteDec,
	byteNeg,
	byteRand,
	arith(1),
	arith(2),
	arith(4),
	arith(8),
	interesting(1),
	interesting(2),
	interesting(4),
	deleteBlock,
	insertRandomBlock,
	insertRepeatedBlock,
	duplicateBlock,
	copyBlock,
	swapBlocks,
	spliceEntry,
	insertToken,
	overwriteToken,
}

func bitFlip(m *Mutator, res []byte) []byte {
	if len(res) == 0 {
		return res
	}
	pos := m.rand(len(res))
	res[pos] ^= 1 << uint(m.rand(8))
	return res
}

func byteFlip(m *Mutator, res []byte) []byte {
	if len(res) == 0 {
		return res
	}
	res[m.rand(len(res))] ^= 0xff
	return res
}

func byteInc(m *Mutator, res []byte) []byte {
	if len(res) == 0 {
		return res
	}
	res[m.rand(len(res))]++
	return res
}

func byteDec(m *Mutator, res []byte) []byte {
	if len(res) == 0 {
		return res
	}
	res[m.rand(len(res))]--
	return res
}

func byteNeg(m *Mutator, res []byte) []byte {
	if len(res) == 0 {
		return res
	}
	pos := m.rand(len(res))
	res[pos] = -res[pos]
	return res
}

func byteRand(m *Mutator, res []byte) []byte {
	if len(res) == 0 {
		return res
	}
	pos := m.rand(len(res))
	res[pos] ^= byte(m.rand(255)) + 1
	return res
}

func endianness(m *Mutator) binary.ByteOrder {
	if m.randbool() {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func get(order binary.ByteOrder, b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

func put(order binary.ByteOrder, b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, v)
	}
}

// arith adds a small signed delta to a width-byte integer.
func arith(width int) func(m *Mutator, res []byte) []byte {
	return func(m *Mutator, res []byte) []byte {
		if len(res) < width {
			return res
		}
		pos := m.rand(len(res) - width + 1)
		b := res[pos : pos+width]
		order := endianness(m)
		v := int64(m.rand(35)) + 1
		if m.randbool() {
			v = -v
		}
		put(order, b, get(order, b)+uint64(v))
		return res
	}
}

// interesting overwrites a width-byte integer with a boundary value.
func interesting(width int) func(m *Mutator, res []byte) []byte {
	return func(m *Mutator, res []byte) []byte {
		if len(res) < width {
			return res
		}
		pos := m.rand(len(res) - width + 1)
		var v int64
		switch width {
		case 1:
			v = int64(interesting8[m.rand(len(interesting8))])
		case 2:
			v = int64(interesting16[m.rand(len(interesting16))])
		default:
			v = int64(interesting32[m.rand(len(interesting32))])
		}
		put(endianness(m), res[pos:pos+width], uint64(v))
		return res
	}
}

func deleteBlock(m *Mutator, res []byte) []byte {
	if len(res) <= 1 {
		return res
	}
	pos0 := m.rand(len(res))
	pos1 := pos0 + m.chooseLen(len(res)-pos0)
	copy(res[pos0:], res[pos1:])
	return res[:len(res)-(pos1-pos0)]
}

func insertBlock(m *Mutator, res []byte, n int) ([]byte, []byte) {
	pos := m.rand(len(res) + 1)
	for k := 0; k < n; k++ {
		res = append(res, 0)
	}
	copy(res[pos+n:], res[pos:])
	return res, res[pos : pos+n]
}

func insertRandomBlock(m *Mutator, res []byte) []byte {
	n := m.chooseLen(10)
	if len(res)+n > coverage.MaxInputSize {
		return res
	}
	res, block := insertBlock(m, res, n)
	for i := range block {
		block[i] = byte(m.rand(256))
	}
	return res
}

func insertRepeatedBlock(m *Mutator, res []byte) []byte {
	n := m.chooseLen(32)
	if len(res)+n > coverage.MaxInputSize {
		return res
	}
	var c byte
	if len(res) != 0 && m.randbool() {
		c = res[m.rand(len(res))]
	} else {
		c = byte(m.rand(256))
	}
	res, block := insertBlock(m, res, n)
	for i := range block {
		block[i] = c
	}
	return res
}

// duplicateBlock inserts a copy of a block of the input at a random position.
func duplicateBlock(m *Mutator, res []byte) []byte {
	if len(res) < 1 {
		return res
	}
	src := m.rand(len(res))
	n := m.chooseLen(len(res) - src)
	if len(res)+n > coverage.MaxInputSize {
		return res
	}
	tmp := make([]byte, n)
	copy(tmp, res[src:])
	res, block := insertBlock(m, res, n)
	copy(block, tmp)
	return res
}

// copyBlock overwrites one block of the input with another.
func copyBlock(m *Mutator, res []byte) []byte {
	if len(res) < 2 {
		return res
	}
	src := m.rand(len(res))
	dst := m.rand(len(res))
	for dst == src {
		dst = m.rand(len(res))
	}
	n := m.chooseLen(len(res) - max(src, dst))
	copy(res[dst:dst+n], res[src:src+n])
	return res
}

func swapBlocks(m *Mutator, res []byte) []byte {
	if len(res) < 2 {
		return res
	}
	n := m.chooseLen(len(res) / 2)
	if 2*n > len(res) {
		return res
	}
	a := m.rand(len(res) - 2*n + 1)
	b := a + n + m.rand(len(res)-a-2*n+1)
	for i := 0; i < n; i++ {
		res[a+i], res[b+i] = res[b+i], res[a+i]
	}
	return res
}

// spliceEntry keeps a prefix of the input and takes the rest from a random
// corpus entry.
func spliceEntry(m *Mutator, res []byte) []byte {
	if m.splice == nil || m.splice.Count() == 0 {
		return res
	}
	other := m.splice.Get(m.rand(m.splice.Count())).Data()
	if len(other) == 0 {
		return res
	}
	pos := m.rand(min(len(res), len(other)) + 1)
	return append(res[:pos], other[pos:]...)
}

func insertToken(m *Mutator, res []byte) []byte {
	if m.dict.Len() == 0 {
		return res
	}
	tok := m.dict.Get(m.rand(m.dict.Len()))
	if len(res)+len(tok) > coverage.MaxInputSize {
		return res
	}
	res, block := insertBlock(m, res, len(tok))
	copy(block, tok)
	return res
}

func overwriteToken(m *Mutator, res []byte) []byte {
	if m.dict.Len() == 0 {
		return res
	}
	tok := m.dict.Get(m.rand(m.dict.Len()))
	if len(tok) > len(res) {
		return res
	}
	pos := m.rand(len(res) - len(tok) + 1)
	copy(res[pos:], tok)
	return res
}

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

func init() {
	for _, v := range interesting8 {
		interesting16 = append(interesting16, int16(v))
	}
	for _, v := range interesting16 {
		interesting32 = append(interesting32, int32(v))
	}
}
