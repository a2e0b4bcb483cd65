// Copyright (c) 2023 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package document

import "sort"

// MinMax tracks the field-wise minimum and maximum of the measurements folded
// into a bucket. Objects are summarized per field, recursively; every other
// type is compared as a whole value. Each bound remembers which parts changed
// since it was last extracted, so commits after the first can carry only the
// changed fields.
type MinMax struct {
	min boundNode
	max boundNode
}

type boundNode struct {
	set    bool
	val    Value
	fields []boundField
	dirty  bool
}

type boundField struct {
	name string
	node *boundNode
}

// NewMinMax returns an empty summary.
func NewMinMax() *MinMax {
	return &MinMax{}
}

// Update folds a measurement into both bounds. Fields named by skip are not
// tracked.
func (m *MinMax) Update(doc Document, skip ...string) {
	v := Object(pruneFields(doc, skip))
	m.min.update(v, -1)
	m.max.update(v, 1)
}

func pruneFields(doc Document, skip []string) Document {
	if len(skip) == 0 {
		return doc
	}
	out := make(Document, 0, len(doc))
	for _, f := range doc {
		if !skipField(skip, f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// Min returns the full minimum document and marks the bound clean.
func (m *MinMax) Min() Document {
	d := boundDocument(&m.min)
	m.min.markClean()
	return d
}

// Max returns the full maximum document and marks the bound clean.
func (m *MinMax) Max() Document {
	d := boundDocument(&m.max)
	m.max.markClean()
	return d
}

// MinUpdates returns only the parts of the minimum that changed since the
// bound was last extracted, and marks the bound clean. A nil result means
// nothing changed.
func (m *MinMax) MinUpdates() Document {
	d := boundUpdates(&m.min)
	m.min.markClean()
	return d
}

// MaxUpdates returns only the parts of the maximum that changed since the
// bound was last extracted, and marks the bound clean.
func (m *MinMax) MaxUpdates() Document {
	d := boundUpdates(&m.max)
	m.max.markClean()
	return d
}

// update folds v into the bound. dir is -1 for the minimum and 1 for the
// maximum.
func (n *boundNode) update(v Value, dir int) {
	if !n.set {
		n.replace(v)
		return
	}
	if v.Type == TypeObject && n.val.Type == TypeObject {
		for _, f := range v.Doc {
			child := n.field(f.Name)
			if child == nil {
				child = &boundNode{}
				child.replace(f.Value)
				n.insertField(f.Name, child)
				continue
			}
			child.update(f.Value, dir)
		}
		return
	}
	cur := n.materialize()
	if c := Compare(v, cur); (dir < 0 && c < 0) || (dir > 0 && c > 0) {
		n.replace(v)
	}
}

// replace sets the node to v, expanding objects into child nodes, and marks
// the whole subtree dirty.
func (n *boundNode) replace(v Value) {
	n.set = true
	n.dirty = true
	n.fields = nil
	n.val = v
	if v.Type == TypeObject {
		n.val = Value{Type: TypeObject}
		for _, f := range v.Doc {
			child := &boundNode{}
			child.replace(f.Value)
			n.insertField(f.Name, child)
		}
	}
}

func (n *boundNode) field(name string) *boundNode {
	i := sort.Search(len(n.fields), func(i int) bool {
		return n.fields[i].name >= name
	})
	if i < len(n.fields) && n.fields[i].name == name {
		return n.fields[i].node
	}
	return nil
}

func (n *boundNode) insertField(name string, child *boundNode) {
	i := sort.Search(len(n.fields), func(i int) bool {
		return n.fields[i].name >= name
	})
	n.fields = append(n.fields, boundField{})
	copy(n.fields[i+1:], n.fields[i:])
	n.fields[i] = boundField{name: name, node: child}
}

// materialize rebuilds the node's value, collapsing child nodes back into an
// object.
func (n *boundNode) materialize() Value {
	if n.val.Type != TypeObject {
		return n.val
	}
	doc := make(Document, 0, len(n.fields))
	for _, f := range n.fields {
		doc = append(doc, Field{Name: f.name, Value: f.node.materialize()})
	}
	return Object(doc)
}

func (n *boundNode) markClean() {
	n.dirty = false
	for _, f := range n.fields {
		f.node.markClean()
	}
}

func (n *boundNode) anyDirty() bool {
	if n.dirty {
		return true
	}
	for _, f := range n.fields {
		if f.node.anyDirty() {
			return true
		}
	}
	return false
}

func boundDocument(n *boundNode) Document {
	if !n.set {
		return nil
	}
	v := n.materialize()
	if v.Type != TypeObject {
		return Document{{Name: "", Value: v}}
	}
	return v.Doc
}

func boundUpdates(n *boundNode) Document {
	if !n.set || !n.anyDirty() {
		return nil
	}
	v, ok := n.updatesValue()
	if !ok {
		return nil
	}
	if v.Type != TypeObject {
		return Document{{Name: "", Value: v}}
	}
	return v.Doc
}

// updatesValue returns the changed portion of the subtree. A node whose own
// value was replaced contributes its whole subtree; an object node with
// changed children contributes only those children.
func (n *boundNode) updatesValue() (Value, bool) {
	if n.val.Type != TypeObject {
		if n.dirty {
			return n.val, true
		}
		return Value{}, false
	}
	if n.dirty {
		// The object itself was installed or replaced since the last
		// extraction, so every field is new to the reader.
		return n.materialize(), true
	}
	doc := make(Document, 0, len(n.fields))
	for _, f := range n.fields {
		if v, ok := f.node.updatesValue(); ok {
			doc = append(doc, Field{Name: f.name, Value: v})
		}
	}
	if len(doc) == 0 {
		return Value{}, false
	}
	return Object(doc), true
}
