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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLog_AppendAndList(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/sessions/s1/events", r.URL.Path)
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"ev-1","sequenceNumber":7}`))
		case http.MethodGet:
			assert.Equal(t, "3", r.URL.Query().Get("after"))
			_, _ = w.Write([]byte(`{"events":[{"id":"ev-1","sessionId":"s1","sequenceNumber":7,"eventType":"tool_use"}]}`))
		}
	}))
	defer srv.Close()

	log := NewHTTPLog(srv.URL, time.Second)
	ctx := context.Background()
	app, err := log.AppendEvent(ctx, "s1", ToolUseRequested, map[string]string{"toolUseId": "t1"})
	require.NoError(t, err)
	assert.Equal(t, Appended{ID: "ev-1", SequenceNumber: 7}, app)
	assert.Equal(t, "tool_use", gotBody["eventType"])

	events, err := log.ListEvents(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ToolUseRequested, events[0].EventType)
}

func TestHTTPLog_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPLog(srv.URL, time.Second).AppendEvent(context.Background(), "s1", ApprovalRequested, nil)
	assert.Error(t, err)
}

func TestHTTPLog_DecodesWithoutJSONContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id":"ev-2","sequenceNumber":1}`))
			return
		}
		_, _ = w.Write([]byte(`{"events":[{"id":"ev-2","sessionId":"s1","sequenceNumber":1,"eventType":"tool_use"}]}`))
	}))
	defer srv.Close()

	log := NewHTTPLog(srv.URL, time.Second)
	app, err := log.AppendEvent(context.Background(), "s1", ToolUseRequested, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), app.SequenceNumber)

	events, err := log.ListEvents(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
