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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"

	"github.com/m3db/bucketcatalog/src/x/instrument"
)

func TestConfigurationNewOptions(t *testing.T) {
	in := `
stripes: 16
bucketMaxCount: 500
bucketMaxSize: 64000
bucketMinCount: 5
idleMemoryThreshold: 52428800
maxIdleExpiryPerAttempt: 2
storageCacheSize: 1073741824
archivingEnabled: false
`
	var cfg Configuration
	require.NoError(t, yaml.Unmarshal([]byte(in), &cfg))

	opts, err := cfg.NewOptions(instrument.NewOptions())
	require.NoError(t, err)
	assert.Equal(t, 16, opts.Stripes())
	assert.Equal(t, 500, opts.BucketMaxCount())
	assert.Equal(t, 64000, opts.BucketMaxSize())
	assert.Equal(t, 5, opts.BucketMinCount())
	assert.Equal(t, int64(52428800), opts.IdleMemoryThreshold())
	assert.Equal(t, 2, opts.MaxIdleExpiryPerAttempt())
	assert.Equal(t, int64(1073741824), opts.StorageCacheSize())
	assert.False(t, opts.ArchivingEnabled())
}

func TestConfigurationDefaults(t *testing.T) {
	var cfg Configuration
	require.NoError(t, yaml.Unmarshal([]byte(""), &cfg))

	opts, err := cfg.NewOptions(instrument.NewOptions())
	require.NoError(t, err)
	assert.Equal(t, 32, opts.Stripes())
	assert.Equal(t, 1000, opts.BucketMaxCount())
	assert.Equal(t, 128000, opts.BucketMaxSize())
	assert.Equal(t, 10, opts.BucketMinCount())
	assert.True(t, opts.ArchivingEnabled())
}

func TestConfigurationRejectsBadStripes(t *testing.T) {
	var cfg Configuration
	require.NoError(t, yaml.Unmarshal([]byte("stripes: 3"), &cfg))

	_, err := cfg.NewOptions(instrument.NewOptions())
	assert.Error(t, err)
}

func TestGranularityUnmarshalYAML(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Granularity
	}{
		{in: `""`, want: GranularitySeconds},
		{in: "seconds", want: GranularitySeconds},
		{in: "minutes", want: GranularityMinutes},
		{in: "hours", want: GranularityHours},
	} {
		var g Granularity
		require.NoError(t, yaml.Unmarshal([]byte(tc.in), &g), tc.in)
		assert.Equal(t, tc.want, g, tc.in)
	}

	var g Granularity
	assert.Error(t, yaml.Unmarshal([]byte("fortnights"), &g))
}
