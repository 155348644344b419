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

package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLog_SequenceIncreasesPerSession(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	a1, err := log.AppendEvent(ctx, "s1", ApprovalRequested, map[string]string{"approvalId": "a1"})
	require.NoError(t, err)
	a2, err := log.AppendEvent(ctx, "s1", ApprovalResolved, map[string]string{"approvalId": "a1"})
	require.NoError(t, err)
	b1, err := log.AppendEvent(ctx, "s2", ToolUseRequested, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1.SequenceNumber)
	assert.Equal(t, int64(2), a2.SequenceNumber)
	assert.Equal(t, int64(1), b1.SequenceNumber)
	assert.NotEqual(t, a1.ID, a2.ID)

	events, err := log.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ApprovalRequested, events[0].EventType)
	assert.JSONEq(t, `{"approvalId":"a1"}`, string(events[0].Data))

	after, err := log.ListEvents(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(2), after[0].SequenceNumber)
}

func TestMemoryLog_EmptySessionRejected(t *testing.T) {
	_, err := NewMemoryLog().AppendEvent(context.Background(), "", ToolUseRequested, nil)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestMemoryLog_ConcurrentAppendsAreGapFree(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := log.AppendEvent(ctx, "s1", ToolUseRequested, map[string]int{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	events, err := log.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
	}
}

func TestEncodeData_RawPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	out, err := encodeData(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = encodeData(make(chan int))
	assert.Error(t, err)
}
