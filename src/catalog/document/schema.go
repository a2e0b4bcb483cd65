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

// UpdateStatus reports the effect of folding a measurement into a schema or
// min/max summary.
type UpdateStatus uint8

// Update statuses.
const (
	// UpdateNoChange means the measurement was already covered.
	UpdateNoChange UpdateStatus = iota
	// Updated means the summary grew to cover the measurement.
	Updated
	// UpdateFailed means the measurement's types are incompatible with
	// what the summary has already recorded.
	UpdateFailed
)

type schemaNode struct {
	typ      Type
	fields   map[string]*schemaNode
	elements []*schemaNode
}

// Schema tracks the per-field type structure of the measurements folded into
// a bucket. A measurement whose field carries a different type than an
// earlier measurement recorded for the same field fails the update; the
// caller then rolls the bucket over.
type Schema struct {
	root schemaNode
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{root: schemaNode{typ: TypeObject}}
}

// Update folds a measurement's types into the schema. Fields named by skip
// (the time and metadata fields) are not tracked. The schema is unchanged
// when UpdateFailed is returned.
func (s *Schema) Update(doc Document, skip ...string) UpdateStatus {
	if status := checkDocument(&s.root, doc, skip, false); status != Updated {
		return status
	}
	return checkDocument(&s.root, doc, skip, true)
}

// checkDocument walks the document against the node. With apply false it only
// classifies the update; with apply true it records new fields. The two-pass
// split keeps a failed update from partially mutating the schema.
func checkDocument(node *schemaNode, doc Document, skip []string, apply bool) UpdateStatus {
	status := UpdateNoChange
	for _, f := range doc {
		if skipField(skip, f.Name) {
			continue
		}
		child, ok := node.fields[f.Name]
		if !ok {
			status = Updated
			if !apply {
				continue
			}
			if node.fields == nil {
				node.fields = make(map[string]*schemaNode)
			}
			child = &schemaNode{typ: f.Value.Type}
			node.fields[f.Name] = child
		}
		switch checkValue(child, f.Value, apply) {
		case UpdateFailed:
			return UpdateFailed
		case Updated:
			status = Updated
		}
	}
	return status
}

func checkValue(node *schemaNode, v Value, apply bool) UpdateStatus {
	if node.typ != v.Type {
		return UpdateFailed
	}
	switch v.Type {
	case TypeObject:
		return checkDocument(node, v.Doc, nil, apply)
	case TypeArray:
		status := UpdateNoChange
		for i, elem := range v.Arr {
			if i >= len(node.elements) {
				status = Updated
				if !apply {
					continue
				}
				node.elements = append(node.elements, &schemaNode{typ: elem.Type})
			}
			switch checkValue(node.elements[i], elem, apply) {
			case UpdateFailed:
				return UpdateFailed
			case Updated:
				status = Updated
			}
		}
		return status
	}
	return UpdateNoChange
}

func skipField(skip []string, name string) bool {
	for _, s := range skip {
		if s == name {
			return true
		}
	}
	return false
}
