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
	"errors"

	"github.com/m3db/bucketcatalog/src/x/clock"
	"github.com/m3db/bucketcatalog/src/x/instrument"
)

const (
	defaultStripes                 = 32
	defaultBucketMaxCount          = 1000
	defaultBucketMaxSize           = 128 * 1000
	defaultBucketMinCount          = 10
	defaultIdleMemoryThreshold     = 100 * 1024 * 1024
	defaultMaxIdleExpiryPerAttempt = 3

	// largeMeasurementsMaxSize is the absolute ceiling a bucket kept open
	// for large measurements may grow to.
	largeMeasurementsMaxSize = 12 * 1024 * 1024
)

var (
	errStripesNotPowerOfTwo = errors.New("stripe count must be a positive power of two")
	errBucketLimitsInvalid  = errors.New("bucket count and size limits must be positive")
)

// Options configures a bucket catalog.
type Options interface {
	// Validate checks the options are usable.
	Validate() error

	// SetClockOptions sets the clock options.
	SetClockOptions(value clock.Options) Options

	// ClockOptions returns the clock options.
	ClockOptions() clock.Options

	// SetInstrumentOptions sets the instrument options.
	SetInstrumentOptions(value instrument.Options) Options

	// InstrumentOptions returns the instrument options.
	InstrumentOptions() instrument.Options

	// SetStripes sets the number of lock stripes, which must be a power
	// of two.
	SetStripes(value int) Options

	// Stripes returns the number of lock stripes.
	Stripes() int

	// SetBucketMaxCount sets the measurement count at which a bucket
	// hard-closes.
	SetBucketMaxCount(value int) Options

	// BucketMaxCount returns the measurement count limit.
	BucketMaxCount() int

	// SetBucketMaxSize sets the byte size cap of a bucket.
	SetBucketMaxSize(value int) Options

	// BucketMaxSize returns the byte size cap of a bucket.
	BucketMaxSize() int

	// SetBucketMinCount sets the measurement count below which a bucket
	// is kept open past the size cap to avoid pathologically small
	// buckets for large measurements.
	SetBucketMinCount(value int) Options

	// BucketMinCount returns the keep-open measurement count.
	BucketMinCount() int

	// SetIdleMemoryThreshold sets the catalog memory usage above which
	// idle buckets are expired.
	SetIdleMemoryThreshold(value int64) Options

	// IdleMemoryThreshold returns the idle expiry memory threshold.
	IdleMemoryThreshold() int64

	// SetMaxIdleExpiryPerAttempt sets how many idle buckets one
	// allocation may expire.
	SetMaxIdleExpiryPerAttempt(value int) Options

	// MaxIdleExpiryPerAttempt returns the per-allocation expiry budget.
	MaxIdleExpiryPerAttempt() int

	// SetStorageCacheSize sets the durable storage cache size used to
	// derive a cache-pressure bucket size cap. Zero disables the derived
	// cap.
	SetStorageCacheSize(value int64) Options

	// StorageCacheSize returns the storage cache size.
	StorageCacheSize() int64

	// SetArchivingEnabled sets whether superseded and idle buckets are
	// archived for cheap reopening rather than closed outright.
	SetArchivingEnabled(value bool) Options

	// ArchivingEnabled returns whether archiving is enabled.
	ArchivingEnabled() bool

	// SetStorageReader sets the optional storage reader used by
	// InsertWithReopening to materialize candidates.
	SetStorageReader(value StorageReader) Options

	// StorageReader returns the storage reader, possibly nil.
	StorageReader() StorageReader

	// SetValidator sets the optional validator applied to on-disk
	// candidates before rehydration.
	SetValidator(value Validator) Options

	// Validator returns the validator, possibly nil.
	Validator() Validator

	// SetCompressor sets the compressor handed to closed buckets.
	SetCompressor(value Compressor) Options

	// Compressor returns the compressor.
	Compressor() Compressor
}

type options struct {
	clockOpts               clock.Options
	instrumentOpts          instrument.Options
	stripes                 int
	bucketMaxCount          int
	bucketMaxSize           int
	bucketMinCount          int
	idleMemoryThreshold     int64
	maxIdleExpiryPerAttempt int
	storageCacheSize        int64
	archivingEnabled        bool
	storageReader           StorageReader
	validator               Validator
	compressor              Compressor
}

// NewOptions returns catalog options with defaults applied.
func NewOptions() Options {
	return &options{
		clockOpts:               clock.NewOptions(),
		instrumentOpts:          instrument.NewOptions(),
		stripes:                 defaultStripes,
		bucketMaxCount:          defaultBucketMaxCount,
		bucketMaxSize:           defaultBucketMaxSize,
		bucketMinCount:          defaultBucketMinCount,
		idleMemoryThreshold:     defaultIdleMemoryThreshold,
		maxIdleExpiryPerAttempt: defaultMaxIdleExpiryPerAttempt,
		archivingEnabled:        true,
		compressor:              NewSnappyCompressor(),
	}
}

func (o *options) Validate() error {
	if o.stripes <= 0 || o.stripes&(o.stripes-1) != 0 {
		return errStripesNotPowerOfTwo
	}
	if o.bucketMaxCount <= 0 || o.bucketMaxSize <= 0 {
		return errBucketLimitsInvalid
	}
	return nil
}

func (o *options) SetClockOptions(value clock.Options) Options {
	opts := *o
	opts.clockOpts = value
	return &opts
}

func (o *options) ClockOptions() clock.Options {
	return o.clockOpts
}

func (o *options) SetInstrumentOptions(value instrument.Options) Options {
	opts := *o
	opts.instrumentOpts = value
	return &opts
}

func (o *options) InstrumentOptions() instrument.Options {
	return o.instrumentOpts
}

func (o *options) SetStripes(value int) Options {
	opts := *o
	opts.stripes = value
	return &opts
}

func (o *options) Stripes() int {
	return o.stripes
}

func (o *options) SetBucketMaxCount(value int) Options {
	opts := *o
	opts.bucketMaxCount = value
	return &opts
}

func (o *options) BucketMaxCount() int {
	return o.bucketMaxCount
}

func (o *options) SetBucketMaxSize(value int) Options {
	opts := *o
	opts.bucketMaxSize = value
	return &opts
}

func (o *options) BucketMaxSize() int {
	return o.bucketMaxSize
}

func (o *options) SetBucketMinCount(value int) Options {
	opts := *o
	opts.bucketMinCount = value
	return &opts
}

func (o *options) BucketMinCount() int {
	return o.bucketMinCount
}

func (o *options) SetIdleMemoryThreshold(value int64) Options {
	opts := *o
	opts.idleMemoryThreshold = value
	return &opts
}

func (o *options) IdleMemoryThreshold() int64 {
	return o.idleMemoryThreshold
}

func (o *options) SetMaxIdleExpiryPerAttempt(value int) Options {
	opts := *o
	opts.maxIdleExpiryPerAttempt = value
	return &opts
}

func (o *options) MaxIdleExpiryPerAttempt() int {
	return o.maxIdleExpiryPerAttempt
}

func (o *options) SetStorageCacheSize(value int64) Options {
	opts := *o
	opts.storageCacheSize = value
	return &opts
}

func (o *options) StorageCacheSize() int64 {
	return o.storageCacheSize
}

func (o *options) SetArchivingEnabled(value bool) Options {
	opts := *o
	opts.archivingEnabled = value
	return &opts
}

func (o *options) ArchivingEnabled() bool {
	return o.archivingEnabled
}

func (o *options) SetStorageReader(value StorageReader) Options {
	opts := *o
	opts.storageReader = value
	return &opts
}

func (o *options) StorageReader() StorageReader {
	return o.storageReader
}

func (o *options) SetValidator(value Validator) Options {
	opts := *o
	opts.validator = value
	return &opts
}

func (o *options) Validator() Validator {
	return o.validator
}

func (o *options) SetCompressor(value Compressor) Options {
	opts := *o
	opts.compressor = value
	return &opts
}

func (o *options) Compressor() Compressor {
	return o.compressor
}
