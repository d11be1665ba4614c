// Copyright 2024 The Timescope Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testthread

import (
	"strings"
	"testing"
	"time"
)

func TestNewAssignsDistinctIDs(t *testing.T) {
	a := New(0, nil)
	b := New(0, nil)
	if a.ID() == b.ID() {
		t.Fatalf("want distinct ids, both got %d", a.ID())
	}
}

func TestDoneDefaultsFalse(t *testing.T) {
	a := New(0, nil)
	if a.Done() {
		t.Fatalf("a freshly constructed thread must not be Done")
	}
	a.MarkDone()
	if !a.Done() {
		t.Fatalf("MarkDone must set Done")
	}
}

// Block must not return until a matching Unblock is issued.
func TestBlockWaitsForUnblock(t *testing.T) {
	a := New(0, nil)
	unblocked := make(chan struct{})
	go func() {
		a.Block()
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatalf("Block returned before Unblock was called")
	case <-time.After(20 * time.Millisecond):
	}

	a.Unblock()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatalf("Block did not return after Unblock")
	}
}

func TestOwnerIDIncludesLevel(t *testing.T) {
	a := New(3, nil)
	if got := a.OwnerLevel(); got != 3 {
		t.Fatalf("OwnerLevel: want 3, got %d", got)
	}
	if !strings.HasSuffix(a.OwnerID(), "@L3") {
		t.Fatalf("OwnerID must include the level, got %q", a.OwnerID())
	}
	if a.OwnerID() == "" || a.String() != a.OwnerID() {
		t.Fatalf("String must match OwnerID")
	}
}
