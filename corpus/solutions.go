// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/maruel/panicparse/stack"
)

// SolutionStore persists solutions, one file per input named by the sha1
// of its content. Every file is durable before Add returns.
type SolutionStore struct {
	dir  string
	sigs map[string]struct{}
}

// NewSolutionStore creates dir if needed and indexes the solutions already
// stored there.
func NewSolutionStore(dir string) (*SolutionStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create solutions dir: %w", err)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read solutions dir: %w", err)
	}
	s := &SolutionStore{
		dir:  dir,
		sigs: make(map[string]struct{}),
	}
	for _, ent := range ents {
		if ent.Type().IsRegular() && isSig(ent.Name()) {
			s.sigs[ent.Name()] = struct{}{}
		}
	}
	return s, nil
}

func isSig(name string) bool {
	if len(name) != 2*sha1.Size {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

// Sig returns the name a solution with this content is stored under.
func Sig(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (s *SolutionStore) Dir() string {
	return s.dir
}

func (s *SolutionStore) Count() int {
	return len(s.sigs)
}

// Add stores tc with the target output that accompanied it. It returns false
// if a solution with the same content is already stored.
func (s *SolutionStore) Add(tc *TestCase, output []byte) (bool, error) {
	sig := Sig(tc.Data())
	if _, ok := s.sigs[sig]; ok {
		return false, nil
	}
	if err := s.write(sig, tc.Data()); err != nil {
		return false, err
	}
	s.sigs[sig] = struct{}{}

	// Prepare quoted version of input to simplify creation of standalone reproducers.
	if err := s.write(sig+".quoted", quote(tc.Data())); err != nil {
		return true, err
	}
	if len(output) != 0 {
		if err := s.write(sig+".output", output); err != nil {
			return true, err
		}
		if supp := extractSuppression(output); supp != nil {
			if err := s.write(sig+".stack", supp); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

func quote(data []byte) []byte {
	var buf bytes.Buffer
	for i := 0; i < len(data); i += 20 {
		e := i + 20
		if e > len(data) {
			e = len(data)
		}
		fmt.Fprintf(&buf, "\t%q", data[i:e])
		if e != len(data) {
			fmt.Fprintf(&buf, " +")
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.Bytes()
}

// write replaces name atomically: the data is synced to a temp file that is
// then renamed over the destination.
func (s *SolutionStore) write(name string, data []byte) error {
	f, err := os.CreateTemp(s.dir, ".tmp-"+name)
	if err != nil {
		return fmt.Errorf("failed to store solution: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(s.dir, name))
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to store solution %v: %w", name, err)
	}
	return nil
}

// extractSuppression returns a signature of the first goroutine's stack if
// output contains a Go traceback: the source line of the innermost frame
// followed by the names of its callers, runtime frames excluded.
func extractSuppression(out []byte) []byte {
	ctx, err := stack.ParseDump(bytes.NewReader(out), io.Discard, false)
	if err != nil || ctx == nil {
		return nil
	}
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		var suppression []byte
		for _, c := range gr.Stack.Calls {
			name := c.Func.PkgDotName()
			if strings.HasPrefix(name, "runtime.") || strings.HasPrefix(name, "debug.") {
				continue
			}
			if strings.Contains(c.Func.Raw, "forkfuzz/target.") {
				// no longer in the target code
				break
			}
			if suppression == nil {
				// first part of suppression should include line number
				suppression = append(suppression, c.FullSrcLine()...)
				continue
			}
			suppression = append(suppression, "\n"+name...)
		}
		return suppression
	}
	return nil
}
