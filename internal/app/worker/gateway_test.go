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

package worker

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

func TestHTTPToolGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tu-1", r.Header.Get("Idempotency-Key"))
		switch r.URL.Path {
		case "/tools/erp.stock/invoke":
			var call ToolCall
			require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
			assert.Equal(t, "s1", call.SessionID)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_ = json.NewEncoder(w).Encode(ToolResult{Success: true, Output: json.RawMessage(`{"qty":3}`)})
		case "/tools/erp.bad/invoke":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`sku missing`))
		case "/tools/erp.garbled/invoke":
			_, _ = w.Write([]byte(`<html>ok</html>`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	gw := NewHTTPToolGateway(srv.URL, time.Second)
	ctx := context.Background()

	res, err := gw.Invoke(ctx, ToolCall{SessionID: "s1", ToolUseID: "tu-1", ToolName: "erp.stock"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"qty":3}`, string(res.Output))

	res, err = gw.Invoke(ctx, ToolCall{SessionID: "s1", ToolUseID: "tu-1", ToolName: "erp.bad"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "sku missing")

	_, err = gw.Invoke(ctx, ToolCall{SessionID: "s1", ToolUseID: "tu-1", ToolName: "erp.down"})
	assert.Error(t, err)

	_, err = gw.Invoke(ctx, ToolCall{SessionID: "s1", ToolUseID: "tu-1", ToolName: "erp.garbled"})
	assert.Error(t, err)
}
