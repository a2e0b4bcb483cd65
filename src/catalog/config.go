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

	"github.com/m3db/bucketcatalog/src/x/instrument"
)

// Configuration is the YAML-taggable form of the catalog options, so an
// embedding server can configure the catalog from its config file. Zero
// values fall back to the option defaults.
type Configuration struct {
	// Stripes is the number of lock stripes, a power of two.
	Stripes int `yaml:"stripes"`

	// BucketMaxCount is the measurement count at which a bucket closes.
	BucketMaxCount int `yaml:"bucketMaxCount"`

	// BucketMaxSize is the byte size cap of a bucket.
	BucketMaxSize int `yaml:"bucketMaxSize"`

	// BucketMinCount is the count below which a bucket is kept open past
	// the size cap.
	BucketMinCount int `yaml:"bucketMinCount"`

	// IdleMemoryThreshold is the catalog memory usage above which idle
	// buckets are expired.
	IdleMemoryThreshold int64 `yaml:"idleMemoryThreshold"`

	// MaxIdleExpiryPerAttempt bounds how many idle buckets one
	// allocation may expire.
	MaxIdleExpiryPerAttempt int `yaml:"maxIdleExpiryPerAttempt"`

	// StorageCacheSize derives the cache-pressure size cap; zero
	// disables it.
	StorageCacheSize int64 `yaml:"storageCacheSize"`

	// ArchivingEnabled toggles archiving of superseded and idle buckets.
	ArchivingEnabled *bool `yaml:"archivingEnabled"`
}

// UnmarshalYAML unmarshals a granularity from its config name.
func (g *Granularity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	switch str {
	case "", "seconds":
		*g = GranularitySeconds
	case "minutes":
		*g = GranularityMinutes
	case "hours":
		*g = GranularityHours
	default:
		return errors.Errorf("invalid granularity %q", str)
	}
	return nil
}

// NewOptions converts the configuration into catalog options.
func (c Configuration) NewOptions(iopts instrument.Options) (Options, error) {
	opts := NewOptions().SetInstrumentOptions(iopts)
	if c.Stripes != 0 {
		opts = opts.SetStripes(c.Stripes)
	}
	if c.BucketMaxCount != 0 {
		opts = opts.SetBucketMaxCount(c.BucketMaxCount)
	}
	if c.BucketMaxSize != 0 {
		opts = opts.SetBucketMaxSize(c.BucketMaxSize)
	}
	if c.BucketMinCount != 0 {
		opts = opts.SetBucketMinCount(c.BucketMinCount)
	}
	if c.IdleMemoryThreshold != 0 {
		opts = opts.SetIdleMemoryThreshold(c.IdleMemoryThreshold)
	}
	if c.MaxIdleExpiryPerAttempt != 0 {
		opts = opts.SetMaxIdleExpiryPerAttempt(c.MaxIdleExpiryPerAttempt)
	}
	if c.StorageCacheSize != 0 {
		opts = opts.SetStorageCacheSize(c.StorageCacheSize)
	}
	if c.ArchivingEnabled != nil {
		opts = opts.SetArchivingEnabled(*c.ArchivingEnabled)
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid bucket catalog configuration")
	}
	return opts, nil
}
