// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/coverage"
	"github.com/bradleyjkemp/forkfuzz/tokens"
)

func testDeps() (*tokens.Dictionary, *corpus.Corpus) {
	dict := tokens.New()
	dict.AddAll([][]byte{[]byte("MAGIC"), []byte("vuln"), {0xde, 0xad}})
	c := corpus.New()
	c.Add(corpus.NewTestCase([]byte("splice source entry"), -1, corpus.OriginSeed))
	c.Add(corpus.NewTestCase([]byte("x"), -1, corpus.OriginSeed))
	return dict, c
}

func sequence(seed int64, n int) [][]byte {
	dict, c := testDeps()
	m := New(rand.NewSource(seed), DefaultMaxStackPow, dict, c)
	data := []byte("seed")
	var res [][]byte
	for i := 0; i < n; i++ {
		data = m.Mutate(data)
		res = append(res, data)
	}
	return res
}

func TestDeterministic(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed=%v", seed)
	a := sequence(seed, 500)
	b := sequence(seed, 500)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("mutation sequences differ (-first +second):\n%s", diff)
	}
	assert.NotEqual(t, a, sequence(seed+1, 500))
}

func TestMutateContract(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed=%v", seed)
	dict, c := testDeps()
	m := New(rand.NewSource(seed), DefaultMaxStackPow, dict, c)
	for _, in := range [][]byte{nil, {}, []byte("a"), []byte("hello world")} {
		orig := append([]byte{}, in...)
		changed := 0
		for i := 0; i < 1000; i++ {
			out := m.Mutate(in)
			require.NotEmpty(t, out)
			require.LessOrEqual(t, len(out), coverage.MaxInputSize)
			if !bytes.Equal(out, in) {
				changed++
			}
		}
		assert.Equal(t, orig, append([]byte{}, in...), "input is not modified")
		assert.Greater(t, changed, 700, "input %q", in)
	}
}

func TestMutateMaxSize(t *testing.T) {
	m := New(rand.NewSource(1), DefaultMaxStackPow, nil, nil)
	in := bytes.Repeat([]byte{'a'}, coverage.MaxInputSize)
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, len(m.Mutate(in)), coverage.MaxInputSize)
	}
}

func TestStackSize(t *testing.T) {
	m := New(rand.NewSource(1), 6, nil, nil)
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		n := m.StackSize()
		require.True(t, n >= 1 && n <= 64 && n&(n-1) == 0, "stack size %v", n)
		seen[n] = true
	}
	assert.Len(t, seen, 7)

	m = New(rand.NewSource(1), 0, nil, nil)
	assert.Equal(t, 1, m.StackSize())
}

func TestTokenOps(t *testing.T) {
	dict := tokens.New()
	dict.Add([]byte("MAGIC"))
	m := New(rand.NewSource(1), 0, dict, nil)
	for i := 0; i < 100; i++ {
		out := insertToken(m, []byte("abcdef"))
		assert.Len(t, out, 11)
		assert.Contains(t, string(out), "MAGIC")
		out = overwriteToken(m, []byte("abcdef"))
		assert.Len(t, out, 6)
		assert.Contains(t, string(out), "MAGIC")
	}
	assert.Equal(t, []byte("abc"), overwriteToken(m, []byte("abc")), "token longer than input")
	m = New(rand.NewSource(1), 0, nil, nil)
	assert.Equal(t, []byte("abc"), insertToken(m, []byte("abc")), "no dictionary")
}

func TestSplice(t *testing.T) {
	c := corpus.New()
	c.Add(corpus.NewTestCase([]byte("0123456789"), -1, corpus.OriginSeed))
	m := New(rand.NewSource(1), 0, nil, c)
	for i := 0; i < 100; i++ {
		out := spliceEntry(m, []byte("abcdefghij"))
		require.Len(t, out, 10)
		pos := bytes.IndexAny(out, "0123456789")
		if pos == -1 {
			pos = len(out)
		}
		assert.Equal(t, "abcdefghij"[:pos], string(out[:pos]))
		assert.Equal(t, "0123456789"[pos:], string(out[pos:]))
	}
}

func TestBlockOps(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed=%v", seed)
	m := New(rand.NewSource(seed), 0, nil, nil)
	for i := 0; i < 1000; i++ {
		in := []byte("0123456789abcdef")
		out := swapBlocks(m, append([]byte{}, in...))
		assert.ElementsMatch(t, in, out)
		out = copyBlock(m, append([]byte{}, in...))
		assert.Len(t, out, len(in))
		out = deleteBlock(m, append([]byte{}, in...))
		assert.Less(t, len(out), len(in))
		out = duplicateBlock(m, append([]byte{}, in...))
		assert.Greater(t, len(out), len(in))
	}
}
