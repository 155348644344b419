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
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	calls []sinkCall
	err   error
}

type sinkCall struct {
	sessionID string
	events    []ToolEvent
}

func (r *recordingSink) PersistToolEventsAsync(ctx context.Context, sessionID string, events []ToolEvent) error {
	r.calls = append(r.calls, sinkCall{sessionID: sessionID, events: events})
	return r.err
}

func TestTracker_RequestIsIdempotent(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "tu-1", "erp.create_invoice", json.RawMessage(`{"amount":10}`))
	tr.OnToolRequested("s1", "tu-1", "other", json.RawMessage(`{"amount":99}`))

	st := tr.OnToolCompleted("s1", "tu-1", json.RawMessage(`"ok"`), true, "")
	require.NotNil(t, st)
	assert.Equal(t, "erp.create_invoice", st.ToolName)
	assert.JSONEq(t, `{"amount":10}`, string(st.Args))
	assert.Equal(t, StateCompleted, st.State)
	require.NotNil(t, st.CompletedAt)
	assert.False(t, tr.HasPendingTool("tu-1"))
	assert.Equal(t, Stats{Completed: 1}, tr.GetStats())
}

func TestTracker_CompletedFailure(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "tu-1", "erp.lookup", nil)
	st := tr.OnToolCompleted("s1", "tu-1", nil, false, "timeout")
	require.NotNil(t, st)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "timeout", st.Error)
	assert.Equal(t, Stats{Failed: 1}, tr.GetStats())
}

func TestTracker_OrphanResponsesIgnored(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "tu-1", "erp.lookup", nil)
	before := tr.GetStats()

	assert.Nil(t, tr.OnToolCompleted("s1", "never-requested", nil, true, ""))
	assert.Nil(t, tr.OnToolCompleted("s2", "tu-1", nil, true, ""))

	assert.Equal(t, before, tr.GetStats())
	assert.True(t, tr.HasPendingTool("tu-1"))
}

func TestTracker_FinalizeOnlyTouchesSession(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "a", "erp.lookup", json.RawMessage(`{"q":"x"}`))
	tr.OnToolRequested("s1", "b", "erp.update", nil)
	tr.OnToolRequested("s2", "c", "erp.lookup", nil)

	sink := &recordingSink{}
	require.NoError(t, tr.FinalizeAndPersistOrphans(context.Background(), "s1", sink))

	require.Len(t, sink.calls, 1)
	assert.Equal(t, "s1", sink.calls[0].sessionID)
	require.Len(t, sink.calls[0].events, 2)
	for _, ev := range sink.calls[0].events {
		assert.False(t, ev.Success)
		assert.Equal(t, StateOrphaned, ev.State)
		assert.Equal(t, OrphanOutput, ev.Output)
		assert.NotEmpty(t, ev.Error)
	}
	assert.False(t, tr.HasPendingTool("a"))
	assert.False(t, tr.HasPendingTool("b"))
	assert.True(t, tr.HasPendingTool("c"))
	assert.Equal(t, Stats{Pending: 1, Orphaned: 2}, tr.GetStats())
}

func TestTracker_FinalizeWithoutOrphansSkipsSink(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s2", "c", "erp.lookup", nil)
	sink := &recordingSink{}
	require.NoError(t, tr.FinalizeAndPersistOrphans(context.Background(), "s1", sink))
	assert.Empty(t, sink.calls)
}

func TestTracker_FinalizeSinkFailureKeepsPending(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "a", "erp.lookup", nil)
	sink := &recordingSink{err: errors.New("db down")}

	err := tr.FinalizeAndPersistOrphans(context.Background(), "s1", sink)
	require.Error(t, err)
	assert.True(t, tr.HasPendingTool("a"))
	assert.Equal(t, int64(0), tr.GetStats().Orphaned)

	sink.err = nil
	require.NoError(t, tr.FinalizeAndPersistOrphans(context.Background(), "s1", sink))
	assert.Equal(t, int64(1), tr.GetStats().Orphaned)
	assert.Len(t, sink.calls, 2)
}

func TestTracker_StatsIsCopy(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "a", "x", nil)
	s := tr.GetStats()
	s.Pending = 100
	s.Orphaned = 7
	assert.Equal(t, Stats{Pending: 1}, tr.GetStats())
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "a", "x", nil)
	tr.OnToolRequested("s1", "b", "x", nil)
	tr.OnToolCompleted("s1", "b", nil, true, "")
	tr.Reset()
	tr.Reset()
	assert.Equal(t, Stats{}, tr.GetStats())
	assert.False(t, tr.HasPendingTool("a"))
	assert.Empty(t, tr.PendingForSession("s1"))
}

type sinkFunc func(ctx context.Context, sessionID string, events []ToolEvent) error

func (f sinkFunc) PersistToolEventsAsync(ctx context.Context, sessionID string, events []ToolEvent) error {
	return f(ctx, sessionID, events)
}

func TestTracker_CompletionDuringFinalizeWins(t *testing.T) {
	for _, sinkErr := range []error{nil, errors.New("db down")} {
		tr := NewTracker(nil)
		tr.OnToolRequested("s1", "a", "erp.lookup", nil)
		tr.OnToolRequested("s1", "b", "erp.stock", nil)

		var late *ToolCallState
		sink := sinkFunc(func(ctx context.Context, sessionID string, events []ToolEvent) error {
			assert.Len(t, events, 2)
			assert.True(t, tr.HasPendingTool("a"))
			late = tr.OnToolCompleted("s1", "a", json.RawMessage(`"ok"`), true, "")
			return sinkErr
		})

		err := tr.FinalizeAndPersistOrphans(context.Background(), "s1", sink)
		require.NotNil(t, late)
		assert.Equal(t, StateCompleted, late.State)
		assert.False(t, tr.HasPendingTool("a"))

		stats := tr.GetStats()
		assert.Equal(t, int64(1), stats.Completed)
		if sinkErr == nil {
			require.NoError(t, err)
			assert.Equal(t, Stats{Pending: 0, Completed: 1, Orphaned: 1}, stats)
		} else {
			require.Error(t, err)
			assert.True(t, tr.HasPendingTool("b"))
			assert.Equal(t, Stats{Pending: 1, Completed: 1}, stats)
		}
	}
}

func TestTracker_ConcurrentFinalizeDoesNotDoubleSend(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnToolRequested("s1", "a", "erp.lookup", nil)

	inner := &recordingSink{}
	outer := sinkFunc(func(ctx context.Context, sessionID string, events []ToolEvent) error {
		require.NoError(t, tr.FinalizeAndPersistOrphans(ctx, sessionID, inner))
		return nil
	})
	require.NoError(t, tr.FinalizeAndPersistOrphans(context.Background(), "s1", outer))
	assert.Empty(t, inner.calls)
	assert.Equal(t, Stats{Orphaned: 1}, tr.GetStats())
}
