// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// forkfuzz-build builds a Go program whose main calls target.Main with edge
// counters inserted into the packages of its main module:
//
//	forkfuzz-build -o prog -dict prog.dict ./cmd/prog
//
// The sources are not modified: instrumented copies are passed to
// go build through an overlay.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"go/ast"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"

	"github.com/bradleyjkemp/forkfuzz/instrument"
	"github.com/bradleyjkemp/forkfuzz/log"
	"github.com/bradleyjkemp/forkfuzz/tokens"
)

var (
	flagOut      = flag.String("o", "", "output binary (default: package name with -fuzz suffix)")
	flagDict     = flag.String("dict", "", "if set, write the literals of the instrumented packages to this dictionary")
	flagPreserve = flag.String("preserve", "", "a comma-separated list of import paths not to instrument")
	flagV        = flag.Int("v", 0, "verbosity level")
)

func main() {
	flag.Parse()
	log.SetVerbosity(*flagV)
	if flag.NArg() > 1 {
		log.Fatalf("usage: forkfuzz-build [flags] [pkg]")
	}
	pkg := "."
	if flag.NArg() == 1 {
		pkg = flag.Arg(0)
	}
	c := &Context{preserve: make(map[string]bool)}
	for _, path := range strings.Split(*flagPreserve, ",") {
		if path != "" {
			c.preserve[path] = true
		}
	}
	if err := c.build(pkg); err != nil {
		log.Fatal(err)
	}
}

// Context holds state for a forkfuzz-build run.
type Context struct {
	preserve map[string]bool
	workdir  string
	overlay  map[string]string
	npkgs    int
	in       instrument.Instrumenter
}

func (c *Context) build(pkg string) error {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedDeps | packages.NeedSyntax | packages.NeedModule,
		Env: os.Environ(),
	}
	pkgs, err := packages.Load(cfg, pkg)
	if err != nil {
		return fmt.Errorf("could not load packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("typechecking of %v failed", pkg)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "main" {
		return fmt.Errorf("%v must be a single main package", pkg)
	}

	if c.workdir, err = os.MkdirTemp("", "forkfuzz-build"); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(c.workdir)
	c.overlay = make(map[string]string)

	// Literals are gathered before instrumentation modifies the syntax trees.
	var instrumented []*packages.Package
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if c.shouldInstrument(p) {
			instrumented = append(instrumented, p)
		}
	})
	if *flagDict != "" {
		if err := c.writeDict(instrumented); err != nil {
			return err
		}
	}
	for _, p := range instrumented {
		if err := c.instrumentPackage(p); err != nil {
			return err
		}
	}
	log.Logf(0, "instrumented %v packages with %v counters", len(instrumented), c.in.Sites)

	overlay, err := json.Marshal(struct{ Replace map[string]string }{c.overlay})
	if err != nil {
		return err
	}
	overlayFile := filepath.Join(c.workdir, "overlay.json")
	if err := os.WriteFile(overlayFile, overlay, 0600); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}
	out := *flagOut
	if out == "" {
		out = filepath.Base(pkgs[0].PkgPath) + "-fuzz"
	}
	cmd := exec.Command("go", "build", "-trimpath", "-overlay", overlayFile, "-o", out, pkg)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to execute go build: %w\n%s", err, output)
	}
	log.Logf(0, "built %v", out)
	return nil
}

// shouldInstrument selects the packages of the main module, except the
// fuzzer's own packages and those the user asked to preserve.
func (c *Context) shouldInstrument(p *packages.Package) bool {
	if p.Module == nil || !p.Module.Main || c.preserve[p.PkgPath] {
		return false
	}
	return !strings.HasPrefix(p.PkgPath, "github.com/bradleyjkemp/forkfuzz/") || strings.Contains(p.PkgPath, "/cmd/")
}

func usesCgo(imports []*ast.ImportSpec) bool {
	for _, imp := range imports {
		if imp.Path.Value == `"C"` {
			return true
		}
	}
	return false
}

func (c *Context) instrumentPackage(p *packages.Package) error {
	c.npkgs++
	dir := filepath.Join(c.workdir, fmt.Sprint(c.npkgs))
	for i, fullName := range p.CompiledGoFiles {
		if !strings.HasSuffix(fullName, ".go") || i >= len(p.Syntax) || usesCgo(p.Syntax[i].Imports) {
			// cgo-generated files are built as is.
			continue
		}
		buf := new(bytes.Buffer)
		if err := c.in.File(p.Fset, p.Syntax[i], buf); err != nil {
			return fmt.Errorf("failed to instrument %v: %w", fullName, err)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.Base(fullName))
		if err := os.WriteFile(dst, buf.Bytes(), 0600); err != nil {
			return fmt.Errorf("failed to write temp file: %w", err)
		}
		c.overlay[fullName] = dst
		log.Logf(1, "instrumented %v", fullName)
	}
	return nil
}

func (c *Context) writeDict(pkgs []*packages.Package) error {
	var paths []string
	for _, p := range pkgs {
		paths = append(paths, p.PkgPath)
	}
	lits, err := tokens.GatherGoLiterals(paths...)
	if err != nil {
		return err
	}
	dict := tokens.New()
	dict.AddAll(lits)
	if err := dict.WriteFile(*flagDict); err != nil {
		return fmt.Errorf("failed to write dictionary: %w", err)
	}
	log.Logf(0, "wrote %v tokens to %v", dict.Len(), *flagDict)
	return nil
}
