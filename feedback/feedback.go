// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package feedback decides whether an execution is interesting.
//
// A feedback is a tree of leaves joined by boolean combinators. Leaves keep
// their history in a State and update it only when they themselves accept
// an execution, whatever the verdict of the tree. Eval is the only place
// where evaluation order is decided:
//   - And and Or evaluate every child
//   - AndFast stops at the first rejection, OrFast at the first acceptance
package feedback

import (
	"fmt"
	"strings"

	"github.com/bradleyjkemp/forkfuzz/corpus"
	"github.com/bradleyjkemp/forkfuzz/forkserver"
)

// Feedback is a leaf of the tree.
type Feedback interface {
	Name() string
	// IsInteresting judges the last execution. Observers have already seen it.
	IsInteresting(res *forkserver.Result) (bool, error)
	// AppendMetadata attaches data gathered by the last IsInteresting call
	// to a test case that is being stored.
	AppendMetadata(tc *corpus.TestCase)
	// Discard drops data gathered by the last IsInteresting call.
	Discard()
}

type Kind int

const (
	KindLeaf Kind = iota
	KindAnd
	KindAndFast
	KindOr
	KindOrFast
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "Leaf"
	case KindAnd:
		return "And"
	case KindAndFast:
		return "AndFast"
	case KindOr:
		return "Or"
	case KindOrFast:
		return "OrFast"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Node is a feedback expression. Leaf is set for KindLeaf nodes only,
// Children for all other kinds.
type Node struct {
	Kind     Kind
	Leaf     Feedback
	Children []*Node
}

func Leaf(f Feedback) *Node {
	return &Node{Kind: KindLeaf, Leaf: f}
}

func And(children ...*Node) *Node {
	return &Node{Kind: KindAnd, Children: children}
}

func AndFast(children ...*Node) *Node {
	return &Node{Kind: KindAndFast, Children: children}
}

func Or(children ...*Node) *Node {
	return &Node{Kind: KindOr, Children: children}
}

func OrFast(children ...*Node) *Node {
	return &Node{Kind: KindOrFast, Children: children}
}

// Eval judges the last execution.
func Eval(n *Node, res *forkserver.Result) (bool, error) {
	switch n.Kind {
	case KindLeaf:
		return n.Leaf.IsInteresting(res)
	case KindAnd, KindOr:
		all, any := true, false
		for _, c := range n.Children {
			ok, err := Eval(c, res)
			if err != nil {
				return false, err
			}
			all = all && ok
			any = any || ok
		}
		if n.Kind == KindAnd {
			return all && len(n.Children) != 0, nil
		}
		return any, nil
	case KindAndFast:
		for _, c := range n.Children {
			ok, err := Eval(c, res)
			if err != nil || !ok {
				return false, err
			}
		}
		return len(n.Children) != 0, nil
	case KindOrFast:
		for _, c := range n.Children {
			ok, err := Eval(c, res)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown feedback node kind %v", n.Kind)
}

// AppendMetadata lets every leaf attach its data to tc.
func (n *Node) AppendMetadata(tc *corpus.TestCase) {
	n.Walk(func(f Feedback) { f.AppendMetadata(tc) })
}

// Discard drops the pending data of every leaf.
func (n *Node) Discard() {
	n.Walk(func(f Feedback) { f.Discard() })
}

// Walk calls fn for every leaf in evaluation order.
func (n *Node) Walk(fn func(Feedback)) {
	if n.Kind == KindLeaf {
		fn(n.Leaf)
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

func (n *Node) String() string {
	if n.Kind == KindLeaf {
		return n.Leaf.Name()
	}
	var parts []string
	for _, c := range n.Children {
		parts = append(parts, c.String())
	}
	return fmt.Sprintf("%v(%v)", n.Kind, strings.Join(parts, ", "))
}
