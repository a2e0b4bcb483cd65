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

package catalog

import (
	"github.com/pkg/errors"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
	"github.com/m3db/bucketcatalog/src/catalog/document"
)

// Field names of the stored bucket document.
const (
	bucketFieldID      = "_id"
	bucketFieldControl = "control"
	bucketFieldMeta    = "meta"
	bucketFieldData    = "data"
	controlFieldMin    = "min"
	controlFieldMax    = "max"
	controlFieldClosed = "closed"
)

// rehydratedBucket is the parsed, validated form of an on-disk bucket
// document, ready to be installed as a live bucket.
type rehydratedBucket struct {
	id              bucketid.BucketID
	minTime         document.Value
	numMeasurements int
	fieldNames      []string
	size            int
	minmax          *document.MinMax
	schema          *document.Schema
}

// rehydrateBucket parses and validates a candidate bucket document. Any
// defect is reported as ErrBadBucketDocument so the caller falls back to
// allocating a fresh bucket.
func (c *BucketCatalog) rehydrateBucket(
	raw []byte,
	key bucketid.BucketKey,
	series SeriesOptions,
) (*rehydratedBucket, error) {
	if validator := c.opts.Validator(); validator != nil {
		if err := validator.Validate(raw); err != nil {
			return nil, errors.Wrapf(ErrBadBucketDocument, "validation failed: %v", err)
		}
	}
	doc, err := document.ParseDocument(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrBadBucketDocument, "unparseable candidate: %v", err)
	}

	idValue, ok := doc.Get(bucketFieldID)
	if !ok || idValue.Type != document.TypeString {
		return nil, errors.Wrap(ErrBadBucketDocument, "missing identifier")
	}
	oid, err := bucketid.ParseOID(idValue.Str)
	if err != nil {
		return nil, errors.Wrapf(ErrBadBucketDocument, "bad identifier: %v", err)
	}

	controlValue, ok := doc.Get(bucketFieldControl)
	if !ok || controlValue.Type != document.TypeObject {
		return nil, errors.Wrap(ErrBadBucketDocument, "missing control block")
	}
	control := controlValue.Doc
	if closed, ok := control.Get(controlFieldClosed); ok &&
		closed.Type == document.TypeBool && closed.Bool {
		return nil, errors.Wrap(ErrBadBucketDocument, "bucket is closed")
	}
	minValue, ok := control.Get(controlFieldMin)
	if !ok || minValue.Type != document.TypeObject {
		return nil, errors.Wrap(ErrBadBucketDocument, "missing control.min")
	}
	maxValue, ok := control.Get(controlFieldMax)
	if !ok || maxValue.Type != document.TypeObject {
		return nil, errors.Wrap(ErrBadBucketDocument, "missing control.max")
	}

	if series.MetaField != "" {
		metaValue, _ := doc.Get(bucketFieldMeta)
		if !document.NewMetadata(series.MetaField, metaValue).Equal(key.Metadata) {
			return nil, errors.Wrap(ErrBadBucketDocument, "metadata mismatch")
		}
	}

	minTime, ok := minValue.Doc.Timestamp(series.TimeField)
	if !ok {
		return nil, errors.Wrap(ErrBadBucketDocument, "control.min has no time")
	}

	dataValue, ok := doc.Get(bucketFieldData)
	if !ok || dataValue.Type != document.TypeObject {
		return nil, errors.Wrap(ErrBadBucketDocument, "missing data block")
	}
	timeColumn, ok := dataValue.Doc.Get(series.TimeField)
	if !ok || timeColumn.Type != document.TypeObject {
		return nil, errors.Wrap(ErrBadBucketDocument, "missing time column")
	}

	fieldNames := make([]string, 0, len(dataValue.Doc))
	for _, column := range dataValue.Doc {
		if column.Value.Type != document.TypeObject {
			return nil, errors.Wrapf(ErrBadBucketDocument,
				"data column %q is not an object", column.Name)
		}
		fieldNames = append(fieldNames, column.Name)
	}

	minmax := document.NewMinMax()
	minmax.Update(minValue.Doc)
	minmax.Update(maxValue.Doc)
	// Bounds were just rehydrated from storage, nothing is pending.
	minmax.Min()
	minmax.Max()

	schema := document.NewSchema()
	if schema.Update(minValue.Doc, series.TimeField, series.MetaField) == document.UpdateFailed ||
		schema.Update(maxValue.Doc, series.TimeField, series.MetaField) == document.UpdateFailed {
		return nil, errors.Wrap(ErrBadBucketDocument, "control bounds have incompatible types")
	}

	return &rehydratedBucket{
		id:              bucketid.BucketID{Namespace: key.Namespace, OID: oid},
		minTime:         minTime,
		numMeasurements: len(timeColumn.Doc),
		fieldNames:      fieldNames,
		size:            len(raw),
		minmax:          minmax,
		schema:          schema,
	}, nil
}
