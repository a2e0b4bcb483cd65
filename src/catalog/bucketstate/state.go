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

// Package bucketstate tracks the lifecycle state of every bucket the catalog
// knows about, in a registry shared across all stripes.
package bucketstate

import "strings"

// Flag is a single bucket lifecycle flag.
type Flag uint8

// Lifecycle flags. Several may be set at once; in particular a bucket can be
// Prepared and Cleared at the same time while a clear lands between prepare
// and finish.
const (
	// FlagPrepared marks a bucket with a batch prepared for commit.
	FlagPrepared Flag = 1 << iota
	// FlagCleared marks a bucket invalidated by a clear operation.
	FlagCleared
	// FlagPendingCompression marks a closed bucket handed off for
	// compression.
	FlagPendingCompression
	// FlagPendingDirectWrite marks a bucket with outstanding direct
	// writes bypassing the catalog.
	FlagPendingDirectWrite
	// FlagUntracked marks state retained only for an in-flight direct
	// write on a bucket the catalog no longer manages.
	FlagUntracked
)

// State is a bucket's lifecycle state: its flag set plus the number of
// outstanding direct writes. The zero value is the clean, insertable state.
type State struct {
	flags        Flag
	directWrites int32
}

// SetFlag returns the state with the flag set.
func (s State) SetFlag(f Flag) State {
	s.flags |= f
	return s
}

// UnsetFlag returns the state with the flag cleared.
func (s State) UnsetFlag(f Flag) State {
	s.flags &^= f
	return s
}

// Reset returns the zero state.
func (s State) Reset() State {
	return State{}
}

// IsSet reports whether the flag is set.
func (s State) IsSet(f Flag) bool {
	return s.flags&f != 0
}

// IsPrepared reports whether a batch is prepared for commit on the bucket.
func (s State) IsPrepared() bool {
	return s.IsSet(FlagPrepared)
}

// ConflictsWithInsertion reports whether the state forbids inserting into the
// bucket.
func (s State) ConflictsWithInsertion() bool {
	return s.IsSet(FlagCleared | FlagPendingCompression | FlagPendingDirectWrite)
}

// ConflictsWithReopening reports whether the state forbids reopening the
// bucket. Unlike insertion, a cleared bucket may be reopened.
func (s State) ConflictsWithReopening() bool {
	return s.IsSet(FlagPendingCompression | FlagPendingDirectWrite)
}

// NumberOfDirectWrites returns the outstanding direct write count.
func (s State) NumberOfDirectWrites() int {
	return int(s.directWrites)
}

func (s State) addDirectWrite() State {
	s.directWrites++
	return s
}

func (s State) removeDirectWrite() State {
	s.directWrites--
	return s
}

// String renders the state for logs and invariant messages.
func (s State) String() string {
	var parts []string
	for _, f := range []struct {
		flag Flag
		name string
	}{
		{FlagPrepared, "prepared"},
		{FlagCleared, "cleared"},
		{FlagPendingCompression, "pendingCompression"},
		{FlagPendingDirectWrite, "pendingDirectWrite"},
		{FlagUntracked, "untracked"},
	} {
		if s.IsSet(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "clean"
	}
	return strings.Join(parts, "+")
}
