// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// demotarget is a small instrumented program for trying out forkfuzz.
// It aborts on the inputs "bad" and "vuln":
//
//	forkfuzz ./demotarget ./corpus @@
package main

import (
	"bytes"
	"fmt"

	"github.com/bradleyjkemp/forkfuzz/target"
)

func main() {
	target.Main(parse, []byte("bad"), []byte("vuln"))
}

func parse(data []byte) {
	// Only the first line, up to 15 bytes, is considered.
	if len(data) > 15 {
		data = data[:15]
	}
	if i := bytes.IndexByte(data, '\n'); i != -1 {
		data = data[:i+1]
	}
	target.Hit(1)
	fmt.Printf("input: %s\n", data)
	if len(data) > 0 && data[0] == 'b' {
		target.Hit(2)
		if len(data) > 1 && data[1] == 'a' {
			target.Hit(3)
			if len(data) > 2 && data[2] == 'd' {
				target.Hit(4)
				panic("bad input")
			}
		}
	}
	vuln(data)
}

func vuln(buf []byte) {
	if string(buf) == "vuln" {
		target.Hit(5)
		panic("vuln")
	}
	target.Hit(6)
}
