// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/coverage"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
	"github.com/bradleyjkemp/forkfuzz/log"
)

// LoadInitialInputs evaluates every file found under dirs, in sorted path
// order. Without forced, files that are unreadable or uninteresting are
// skipped, as are files the executor fails to run unless it can no longer
// run anything. With forced, every file becomes a corpus entry and any
// failure aborts the load. Crashing seeds are stored as solutions in both
// modes. The load fails if the corpus is still empty afterwards.
func (f *Fuzzer) LoadInitialInputs(ctx context.Context, dirs []string, forced bool) error {
	var files []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			if f.corpus.Count() == 0 {
				return fmt.Errorf("failed to read seed directory: %w", err)
			}
			log.Errorf("failed to read seed directory: %v", err)
		}
	}
	sort.Strings(files)
	imported := 0
	for _, path := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if forced {
				return fmt.Errorf("failed to read seed: %w", err)
			}
			log.Errorf("skipping seed: %v", err)
			continue
		}
		if len(data) > coverage.MaxInputSize {
			log.Logf(0, "seed %v is %v bytes, truncating to %v", path, len(data), coverage.MaxInputSize)
			data = data[:coverage.MaxInputSize]
		}
		res, err := f.execute(data)
		if err != nil {
			if forced || forkserver.IsUnusable(err) {
				return fmt.Errorf("failed to run seed %v: %w", path, err)
			}
			log.Errorf("skipping seed %v: %v", path, err)
			continue
		}
		verdict, err := f.process(data, -1, corpus.OriginSeed, res, forced)
		if err != nil {
			return err
		}
		log.Logf(2, "seed %v: %v", path, verdict)
		if verdict == ResultCorpus || forced {
			imported++
		}
	}
	log.Logf(0, "imported %v inputs from disk", imported)
	if f.corpus.Count() == 0 {
		return fmt.Errorf("corpus is empty after loading %v files from %v", len(files), dirs)
	}
	return nil
}

// WriteArtifacts dumps the end-of-run state into dir. Every map history is
// written as <name>_final_coverage, except the edge history which is
// edge_final_coverage.
func (f *Fuzzer) WriteArtifacts(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	f.state.Map(EdgesObserver, len(f.obs.Edges.Map()))
	sizes := new(bytes.Buffer)
	for _, n := range f.corpus.Sizes() {
		fmt.Fprintf(sizes, "%v\n", n)
	}
	type artifact struct {
		name string
		data []byte
	}
	files := []artifact{
		{"input_grammar_coverage", f.featureList(f.obs.Input.Name())},
		{"output_grammar_coverage", f.featureList(f.obs.Output.Name())},
		{"sizes_of_corpus_elements", sizes.Bytes()},
		{"num_elements_in_corpus", []byte(fmt.Sprintf("num_elements_in_corpus: %v\n", f.corpus.Count()))},
		{"tokens", f.dict.Format()},
	}
	for _, name := range f.state.MapNames() {
		hist, _ := f.state.LookupMap(name)
		file := name + "_final_coverage"
		if name == EdgesObserver {
			file = "edge_final_coverage"
		}
		log.Logf(1, "%v: %v slots covered", name, coverage.Count(hist.Map))
		files = append(files, artifact{file, hist.Map})
	}
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file.name), file.data, 0644); err != nil {
			return fmt.Errorf("failed to write %v: %w", file.name, err)
		}
	}
	return nil
}

func (f *Fuzzer) featureList(name string) []byte {
	buf := new(bytes.Buffer)
	if hist, ok := f.state.LookupFeatures(name); ok {
		for _, id := range hist.IDs() {
			buf.WriteString(strconv.FormatUint(id, 10))
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}
