// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tokens

import (
	"fmt"
	"go/ast"
	"go/token"
	"sort"
	"strconv"

	"golang.org/x/tools/go/packages"
)

// GatherGoLiterals loads the Go packages matching patterns and returns the
// string, char and integer literals of their sources, sorted.
// Integers are encoded little-endian in the smallest width that holds them.
func GatherGoLiterals(patterns ...string) ([][]byte, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load packages: %w", err)
	}
	if packages.PrintErrors(pkgs) != 0 {
		return nil, fmt.Errorf("packages %v contain errors", patterns)
	}
	nolits := map[string]bool{
		"math":    true,
		"os":      true,
		"unicode": true,
	}
	lits := make(map[string]struct{})
	for _, pkg := range pkgs {
		if nolits[pkg.PkgPath] {
			continue
		}
		for _, f := range pkg.Syntax {
			collectLiterals(f, lits)
		}
	}
	return sortedLiterals(lits), nil
}

func collectLiterals(f *ast.File, lits map[string]struct{}) {
	ast.Walk(&literalCollector{lits: lits}, f)
}

func sortedLiterals(lits map[string]struct{}) [][]byte {
	keys := make([]string, 0, len(lits))
	for lit := range lits {
		keys = append(keys, lit)
	}
	sort.Strings(keys)
	res := make([][]byte, len(keys))
	for i, k := range keys {
		res[i] = []byte(k)
	}
	return res
}

type literalCollector struct {
	lits map[string]struct{}
}

func (lc *literalCollector) Visit(n ast.Node) (w ast.Visitor) {
	switch nn := n.(type) {
	default:
		return lc // recurse
	case *ast.ImportSpec:
		return nil
	case *ast.Field:
		return nil // ignore field tags
	case *ast.CallExpr:
		switch fn := nn.Fun.(type) {
		case *ast.Ident:
			if fn.Name == "panic" {
				return nil
			}
		case *ast.SelectorExpr:
			if id, ok := fn.X.(*ast.Ident); ok && (id.Name == "fmt" || id.Name == "errors" || id.Name == "log") {
				return nil
			}
		}
		return lc
	case *ast.BasicLit:
		switch nn.Kind {
		case token.CHAR, token.STRING:
			if s, err := strconv.Unquote(nn.Value); err == nil && s != "" && len(s) <= MaxTokenLen {
				lc.lits[s] = struct{}{}
			}
		case token.INT:
			if val, ok := intLiteral(nn.Value); ok {
				lc.lits[string(val)] = struct{}{}
			}
		}
		return nil
	}
}

func intLiteral(lit string) ([]byte, bool) {
	if lit[0] < '0' || lit[0] > '9' {
		return nil, false
	}
	v, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		u, err := strconv.ParseUint(lit, 0, 64)
		if err != nil {
			return nil, false
		}
		v = int64(u)
	}
	var val []byte
	if v >= -(1<<7) && v < 1<<8 {
		val = append(val, byte(v))
	} else if v >= -(1<<15) && v < 1<<16 {
		val = append(val, byte(v), byte(v>>8))
	} else if v >= -(1<<31) && v < 1<<32 {
		val = append(val, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	} else {
		val = append(val, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
	}
	return val, true
}
