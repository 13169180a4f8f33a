// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tokens maintains the dictionary of literal byte strings used to
// bias mutation toward values the target compares against.
package tokens

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MaxTokenLen is the longest token kept in a dictionary.
const MaxTokenLen = 128

// Dictionary is an ordered set of tokens. Insertion order is kept so that
// mutation stays deterministic for a fixed random seed.
type Dictionary struct {
	toks [][]byte
	seen map[string]struct{}
}

func New() *Dictionary {
	return &Dictionary{seen: make(map[string]struct{})}
}

// Add inserts a copy of tok. Empty, oversized and duplicate tokens are ignored.
func (d *Dictionary) Add(tok []byte) bool {
	if len(tok) == 0 || len(tok) > MaxTokenLen {
		return false
	}
	if _, ok := d.seen[string(tok)]; ok {
		return false
	}
	d.seen[string(tok)] = struct{}{}
	d.toks = append(d.toks, append([]byte{}, tok...))
	return true
}

// AddAll inserts every token and returns how many were new.
func (d *Dictionary) AddAll(toks [][]byte) int {
	n := 0
	for _, tok := range toks {
		if d.Add(tok) {
			n++
		}
	}
	return n
}

func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.toks)
}

// Get returns the i-th token. The result must not be modified.
func (d *Dictionary) Get(i int) []byte {
	return d.toks[i]
}

// ParseAutodict decodes the dictionary a target sends during the forkserver
// handshake: a sequence of one length byte followed by that many bytes.
func ParseAutodict(buf []byte) ([][]byte, error) {
	var res [][]byte
	for pos := 0; pos < len(buf); {
		n := int(buf[pos])
		pos++
		if n == 0 || pos+n > len(buf) {
			return nil, fmt.Errorf("malformed autodict: token at offset %v has length %v, %v bytes left",
				pos-1, n, len(buf)-pos)
		}
		res = append(res, buf[pos:pos+n])
		pos += n
	}
	return res, nil
}

// LoadFile adds the tokens of an AFL-style dictionary file and returns the
// number of new tokens.
func (d *Dictionary) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read dictionary: %w", err)
	}
	toks, err := ParseDictFile(data)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", path, err)
	}
	return d.AddAll(toks), nil
}

// ParseDictFile parses lines of the form
//
//	name="value"
//	name@level="value"
//	"value"
//
// Blank lines and lines starting with '#' are skipped. Values support the
// \\, \" and \xNN escapes.
func ParseDictFile(data []byte) ([][]byte, error) {
	var res [][]byte
	s := bufio.NewScanner(bytes.NewReader(data))
	for lineno := 1; s.Scan(); lineno++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		start := strings.IndexByte(line, '"')
		end := strings.LastIndexByte(line, '"')
		if start == -1 || end == start {
			return nil, fmt.Errorf("line %v: value is not quoted", lineno)
		}
		tok, err := unescape(line[start+1 : end])
		if err != nil {
			return nil, fmt.Errorf("line %v: %w", lineno, err)
		}
		res = append(res, tok)
	}
	return res, s.Err()
}

func unescape(s string) ([]byte, error) {
	var res []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			res = append(res, c)
			continue
		}
		if i+1 == len(s) {
			return nil, fmt.Errorf("trailing backslash")
		}
		i++
		switch s[i] {
		case '\\', '"':
			res = append(res, s[i])
		case 'x':
			if i+3 > len(s) {
				return nil, fmt.Errorf("short \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad \\x escape %q", s[i+1:i+3])
			}
			res = append(res, byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return res, nil
}

// Format renders the dictionary in the format read by ParseDictFile.
func (d *Dictionary) Format() []byte {
	buf := new(bytes.Buffer)
	for i, tok := range d.toks {
		fmt.Fprintf(buf, "token_%v=\"", i)
		for _, c := range tok {
			switch {
			case c == '"' || c == '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case c >= 0x20 && c < 0x7f:
				buf.WriteByte(c)
			default:
				fmt.Fprintf(buf, "\\x%02x", c)
			}
		}
		buf.WriteString("\"\n")
	}
	return buf.Bytes()
}

// WriteFile persists the dictionary as run metadata.
func (d *Dictionary) WriteFile(path string) error {
	return os.WriteFile(path, d.Format(), 0644)
}
