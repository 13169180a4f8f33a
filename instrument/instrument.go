// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package instrument rewrites Go source so that function entries and both
// arms of every if statement bump an edge counter of package target.
package instrument

import (
	"crypto/sha1"
	"fmt"
	"go/ast"
	"go/printer"
	"go/token"
	"io"
	"strconv"
	"strings"
)

// TargetPkg is the package providing the counters.
const TargetPkg = "github.com/bradleyjkemp/forkfuzz/target"

const targetName = "_forkfuzz_target_"

// Instrumenter assigns edge ids. Ids depend only on the order in which
// sites are instrumented, so rebuilding the same sources yields the same map.
type Instrumenter struct {
	counterGen uint32
	// Sites is the number of counters inserted so far.
	Sites int
}

// File instruments f in place and prints the result to out. Line
// information of the input is kept for stack traces.
func (in *Instrumenter) File(fset *token.FileSet, f *ast.File, out io.Writer) error {
	f.Comments = trimComments(f, fset)
	before := in.Sites
	ast.Inspect(f, in.instrumentAST)
	if in.Sites != before {
		addImport(f, TargetPkg, targetName, "Hit")
	}
	cfg := printer.Config{
		Mode:     printer.SourcePos,
		Tabwidth: 8,
		Indent:   0,
	}
	return cfg.Fprint(out, fset, f)
}

func (in *Instrumenter) instrumentAST(node ast.Node) bool {
	switch n := node.(type) {
	case *ast.IfStmt:
		in.instrumentIf(n)
	case *ast.FuncDecl:
		if n.Body == nil {
			// implemented elsewhere
			return false
		}
		n.Body.List = append([]ast.Stmt{in.newCounter()}, n.Body.List...)
	case *ast.FuncLit:
		n.Body.List = append([]ast.Stmt{in.newCounter()}, n.Body.List...)
	}
	return true
}

func (in *Instrumenter) instrumentIf(n *ast.IfStmt) {
	n.Body.List = append([]ast.Stmt{in.newCounter()}, n.Body.List...)
	if n.Else == nil {
		n.Else = &ast.BlockStmt{}
	}
	switch e := n.Else.(type) {
	case *ast.BlockStmt:
		e.List = append([]ast.Stmt{in.newCounter()}, e.List...)
	case *ast.IfStmt:
		// The nested if is visited by ast.Inspect on its own.
	default:
		panic(fmt.Sprintf("unexpected else type %T", e))
	}
}

// trimComments drops everything but build directives, which printing
// with rewritten positions would otherwise scatter.
func trimComments(file *ast.File, fset *token.FileSet) []*ast.CommentGroup {
	var comments []*ast.CommentGroup
	for _, group := range file.Comments {
		var list []*ast.Comment
		for _, comment := range group.List {
			if strings.HasPrefix(comment.Text, "//go:") && fset.Position(comment.Slash).Column == 1 {
				list = append(list, comment)
			}
		}
		if list != nil {
			comments = append(comments, &ast.CommentGroup{List: list})
		}
	}
	return comments
}

func addImport(f *ast.File, path, name, anyIdent string) {
	newImport := &ast.ImportSpec{
		Name: ast.NewIdent(name),
		Path: &ast.BasicLit{
			Kind:  token.STRING,
			Value: strconv.Quote(path),
		},
	}
	impDecl := &ast.GenDecl{
		Tok:   token.IMPORT,
		Specs: []ast.Spec{newImport},
	}
	f.Decls = append([]ast.Decl{impDecl}, f.Decls...)
	f.Imports = append(f.Imports, newImport)

	// var _ = _forkfuzz_target_.Hit
	f.Decls = append(f.Decls, &ast.GenDecl{
		Tok: token.VAR,
		Specs: []ast.Spec{
			&ast.ValueSpec{
				Names: []*ast.Ident{ast.NewIdent("_")},
				Values: []ast.Expr{
					&ast.SelectorExpr{X: ast.NewIdent(name), Sel: ast.NewIdent(anyIdent)},
				},
			},
		},
	})
}

func (in *Instrumenter) genCounter() int {
	in.counterGen++
	id := in.counterGen
	buf := []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}
	hash := sha1.Sum(buf)
	return int(uint16(hash[0]) | uint16(hash[1])<<8)
}

// newCounter returns the statement _forkfuzz_target_.Hit(id).
func (in *Instrumenter) newCounter() ast.Stmt {
	in.Sites++
	return &ast.ExprStmt{
		X: &ast.CallExpr{
			Fun: &ast.SelectorExpr{X: ast.NewIdent(targetName), Sel: ast.NewIdent("Hit")},
			Args: []ast.Expr{
				&ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(in.genCounter())},
			},
		},
	}
}
