// Copyright 2026 fanjia1024
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

package tooltrack

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicator_FirstSeenPreserved(t *testing.T) {
	d := NewDeduplicator()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return t0 }

	first := d.CheckAndMark("tu-1")
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, t0, first.FirstSeenAt)

	d.now = func() time.Time { return t0.Add(time.Hour) }
	for i := 0; i < 3; i++ {
		again := d.CheckAndMark("tu-1")
		assert.True(t, again.IsDuplicate)
		assert.Equal(t, "tu-1", again.ToolUseID)
		assert.Equal(t, t0, again.FirstSeenAt)
	}
	assert.Equal(t, DedupStats{TotalTracked: 1, DuplicatesPrevented: 3}, d.GetStats())
}

func TestDeduplicator_HasSeenDoesNotMark(t *testing.T) {
	d := NewDeduplicator()
	assert.False(t, d.HasSeen("tu-1"))
	assert.False(t, d.HasSeen("tu-1"))
	assert.False(t, d.CheckAndMark("tu-1").IsDuplicate)
	assert.True(t, d.HasSeen("tu-1"))
	assert.Equal(t, int64(0), d.GetStats().DuplicatesPrevented)
}

func TestDeduplicator_Reset(t *testing.T) {
	d := NewDeduplicator()
	d.Reset()
	d.CheckAndMark("a")
	d.CheckAndMark("a")
	d.CheckAndMark("b")
	d.Reset()
	d.Reset()
	assert.Equal(t, DedupStats{}, d.GetStats())
	assert.False(t, d.HasSeen("a"))
	assert.False(t, d.CheckAndMark("a").IsDuplicate)
}

func TestDeduplicator_ConcurrentOnlyOneWins(t *testing.T) {
	d := NewDeduplicator()
	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.CheckAndMark("tu-x").IsDuplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, fresh)
	assert.Equal(t, DedupStats{TotalTracked: 1, DuplicatesPrevented: n - 1}, d.GetStats())
}
