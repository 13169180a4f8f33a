// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tokens

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDictionaryAdd(t *testing.T) {
	d := New()
	assert.True(t, d.Add([]byte("abc")))
	assert.False(t, d.Add([]byte("abc")))
	assert.False(t, d.Add(nil))
	assert.False(t, d.Add(make([]byte, MaxTokenLen+1)))
	assert.Equal(t, 2, d.AddAll([][]byte{[]byte("x"), []byte("abc"), []byte("y")}))
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []byte("x"), d.Get(1))
}

func TestParseAutodict(t *testing.T) {
	toks, err := ParseAutodict([]byte("\x03abc\x01z"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("abc"), []byte("z")}, toks)

	_, err = ParseAutodict([]byte("\x05ab"))
	assert.Error(t, err)
	_, err = ParseAutodict([]byte("\x00"))
	assert.Error(t, err)
}

func TestParseDictFile(t *testing.T) {
	data := []byte(`
# comment
kw_if="if"
kw_esc@2="a\"b\\c"
"\x00\xff"
`)
	toks, err := ParseDictFile(data)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("if"), []byte(`a"b\c`), {0x00, 0xff}}, toks)

	for _, bad := range []string{"noquote", `x="\q"`, `x="\x4"`, `x="abc\"`} {
		_, err := ParseDictFile([]byte(bad))
		assert.Error(t, err, "input %q", bad)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	d := New()
	d.AddAll([][]byte{[]byte("plain"), []byte("q\"\\"), {0, 1, 0x7f, 0x80}})
	path := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, d.WriteFile(path))

	d2 := New()
	n, err := d2.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, d.Format(), d2.Format())
	assert.Equal(t, []byte{0, 1, 0x7f, 0x80}, d2.Get(2))
}

func TestCollectLiterals(t *testing.T) {
	const src = `package p

import "fmt"

type T struct {
	F int ` + "`json:\"f\"`" + `
}

func f(x string, n int) {
	if x == "magic" || n == 0x1234 || x[0] == 'Z' {
		fmt.Println("ignored")
		panic("also ignored")
	}
}
`
	f, err := parser.ParseFile(token.NewFileSet(), "p.go", src, 0)
	require.NoError(t, err)
	lits := make(map[string]struct{})
	collectLiterals(f, lits)
	got := sortedLiterals(lits)
	assert.Equal(t, [][]byte{{0x00}, {0x34, 0x12}, []byte("Z"), []byte("magic")}, got)
}
