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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizassist/internal/agent/approval"
	"bizassist/internal/agent/jobqueue"
	"bizassist/internal/api/http/middleware"
	"bizassist/internal/runtime/eventlog"
	"bizassist/internal/runtime/session"
	"bizassist/pkg/auth"
	"bizassist/pkg/config"
)

type apiHarness struct {
	h         *server.Hertz
	approvals *approval.Coordinator
	queues    *jobqueue.Manager
	events    eventlog.EventLog
	router    *Router
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctx := context.Background()
	sessions := session.NewMemoryStore()
	require.NoError(t, sessions.Put(ctx, session.New("s1", "u1")))
	events := eventlog.NewMemoryLog()
	coord := approval.NewCoordinator(approval.Deps{Store: approval.NewMemoryStore(sessions), EventLog: events})
	queues, err := jobqueue.NewManager(ctx, jobqueue.Deps{Broker: jobqueue.NewMemoryBroker()}, jobqueue.Config{
		RateLimit: jobqueue.RateLimit{Limit: 2, Window: time.Hour, FailOpen: true},
		Queues: []jobqueue.QueueConfig{
			{Name: config.QueueMessagePersistence, Attempts: 1},
			{Name: config.QueueToolExecution, Attempts: 1},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		coord.Reset()
		_ = queues.Close(context.Background())
	})

	router := NewRouter(NewHandler(coord, queues, sessions, events, nil), nil)
	return &apiHarness{approvals: coord, queues: queues, events: events, router: router}
}

func (a *apiHarness) build() *server.Hertz {
	if a.h == nil {
		a.h = a.router.Build(":0")
	}
	return a.h
}

func (a *apiHarness) do(method, url string, body any, headers ...ut.Header) (int, map[string]any) {
	var b *ut.Body
	if body != nil {
		raw, _ := json.Marshal(body)
		b = &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}
		headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	}
	w := ut.PerformRequest(a.build().Engine, method, url, b, headers...)
	resp := w.Result()
	out := map[string]any{}
	_ = json.Unmarshal(resp.Body(), &out)
	return resp.StatusCode(), out
}

func as(userID string, role auth.Role) []ut.Header {
	return []ut.Header{
		{Key: middleware.HeaderUserID, Value: userID},
		{Key: middleware.HeaderRole, Value: string(role)},
	}
}

func (a *apiHarness) request(t *testing.T) *approval.Ticket {
	t.Helper()
	ticket, err := a.approvals.Request(context.Background(), approval.RequestInput{
		SessionID: "s1",
		ToolName:  "create_invoice",
		ToolArgs:  approval.ParseToolArgs(`{"amount":120}`),
	})
	require.NoError(t, err)
	return ticket
}

func TestRespondToApproval_ApproveWakesWaiter(t *testing.T) {
	a := newAPIHarness(t)
	ticket := a.request(t)

	status, body := a.do(consts.MethodPost, "/api/approvals/"+ticket.ID+"/respond",
		map[string]string{"decision": "approve"}, as("u1", auth.RoleUser)...)
	require.Equal(t, consts.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "s1", body["sessionId"])

	select {
	case <-ticket.Done():
		assert.True(t, ticket.Approved())
	case <-time.After(time.Second):
		t.Fatal("waiter not settled")
	}

	status, body = a.do(consts.MethodPost, "/api/approvals/"+ticket.ID+"/respond",
		map[string]string{"decision": "reject"}, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusConflict, status)
	assert.Equal(t, string(approval.CodeAlreadyResolved), body["error"])
	assert.Equal(t, string(approval.StatusApproved), body["previousStatus"])
}

func TestRespondToApproval_Errors(t *testing.T) {
	a := newAPIHarness(t)
	ticket := a.request(t)
	url := "/api/approvals/" + ticket.ID + "/respond"

	status, _ := a.do(consts.MethodPost, url, map[string]string{"decision": "maybe"}, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusBadRequest, status)

	status, body := a.do(consts.MethodPost, url, map[string]string{"decision": "approve"}, as("u2", auth.RoleUser)...)
	assert.Equal(t, consts.StatusForbidden, status)
	assert.Equal(t, string(approval.CodeUnauthorized), body["code"])

	status, body = a.do(consts.MethodPost, "/api/approvals/missing/respond", map[string]string{"decision": "approve"}, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusNotFound, status)
	assert.Equal(t, string(approval.CodeApprovalNotFound), body["code"])

	// 运维角色没有应答权限
	status, _ = a.do(consts.MethodPost, url, map[string]string{"decision": "approve"}, as("u1", auth.RoleOperator)...)
	assert.Equal(t, consts.StatusForbidden, status)

	status, _ = a.do(consts.MethodPost, url, map[string]string{"decision": "approve"})
	assert.Equal(t, consts.StatusUnauthorized, status)

	assert.True(t, a.approvals.HasPending(ticket.ID))
}

func TestListPendingApprovalsAndEvents(t *testing.T) {
	a := newAPIHarness(t)
	ticket := a.request(t)

	status, body := a.do(consts.MethodGet, "/api/sessions/s1/approvals", nil, as("u1", auth.RoleUser)...)
	require.Equal(t, consts.StatusOK, status)
	list, ok := body["approvals"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, ticket.ID, list[0].(map[string]any)["id"])

	status, _ = a.do(consts.MethodGet, "/api/sessions/s1/approvals", nil, as("u2", auth.RoleUser)...)
	assert.Equal(t, consts.StatusForbidden, status)
	status, _ = a.do(consts.MethodGet, "/api/sessions/s1/approvals", nil, as("ops", auth.RoleOperator)...)
	assert.Equal(t, consts.StatusOK, status)
	status, _ = a.do(consts.MethodGet, "/api/sessions/nope/approvals", nil, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusNotFound, status)

	status, body = a.do(consts.MethodGet, "/api/sessions/s1/events?after=0", nil, as("u1", auth.RoleUser)...)
	require.Equal(t, consts.StatusOK, status)
	events, _ := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, string(eventlog.ApprovalRequested), events[0].(map[string]any)["eventType"])

	status, body = a.do(consts.MethodGet, "/api/sessions/s1/events?after=1", nil, as("u1", auth.RoleUser)...)
	require.Equal(t, consts.StatusOK, status)
	assert.Empty(t, body["events"])

	status, _ = a.do(consts.MethodGet, "/api/sessions/s1/events?after=-1", nil, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusBadRequest, status)
}

func TestEnqueueMessage_RateLimited(t *testing.T) {
	a := newAPIHarness(t)
	msg := map[string]string{"messageId": "m1", "content": "月度对账"}

	for i := 0; i < 2; i++ {
		status, body := a.do(consts.MethodPost, "/api/sessions/s1/messages", msg, as("u1", auth.RoleUser)...)
		require.Equal(t, consts.StatusAccepted, status)
		assert.NotEmpty(t, body["jobId"])
	}
	status, body := a.do(consts.MethodPost, "/api/sessions/s1/messages", msg, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", body["code"])

	status, _ = a.do(consts.MethodPost, "/api/sessions/s1/messages", map[string]string{}, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusBadRequest, status)

	status, body = a.do(consts.MethodGet, "/api/sessions/s1/rate-limit", nil, as("u1", auth.RoleUser)...)
	require.Equal(t, consts.StatusOK, status)
	assert.EqualValues(t, 3, body["count"])
	assert.EqualValues(t, 2, body["limit"])
	assert.Equal(t, false, body["withinLimit"])

	stats, err := a.queues.GetQueueStats(context.Background(), config.QueueMessagePersistence)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Waiting)
}

func TestQueueAdministration(t *testing.T) {
	a := newAPIHarness(t)
	ops := as("ops", auth.RoleOperator)

	status, _ := a.do(consts.MethodGet, "/api/queues/tool-execution/stats", nil, as("u1", auth.RoleUser)...)
	assert.Equal(t, consts.StatusForbidden, status)

	status, body := a.do(consts.MethodGet, "/api/queues/tool-execution/stats", nil, ops...)
	require.Equal(t, consts.StatusOK, status)
	assert.Equal(t, "tool-execution", body["queue"])

	status, body = a.do(consts.MethodPost, "/api/queues/tool-execution/pause", nil, ops...)
	require.Equal(t, consts.StatusOK, status)
	assert.Equal(t, true, body["paused"])
	status, body = a.do(consts.MethodPost, "/api/queues/tool-execution/resume", nil, ops...)
	require.Equal(t, consts.StatusOK, status)
	assert.Equal(t, false, body["paused"])

	status, _ = a.do(consts.MethodGet, "/api/queues/unknown/stats", nil, ops...)
	assert.Equal(t, consts.StatusNotFound, status)
	status, _ = a.do(consts.MethodPost, "/api/queues/unknown/pause", nil, ops...)
	assert.Equal(t, consts.StatusNotFound, status)
}

func TestPublicRoutes(t *testing.T) {
	a := newAPIHarness(t)
	status, body := a.do(consts.MethodGet, "/api/health", nil)
	assert.Equal(t, consts.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	w := ut.PerformRequest(a.build().Engine, consts.MethodGet, "/metrics", nil)
	assert.Equal(t, consts.StatusOK, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "# TYPE")
}

func TestJWTRoutes(t *testing.T) {
	a := newAPIHarness(t)
	mw, err := middleware.NewJWTAuth([]byte("test-key"), time.Hour, time.Hour)
	require.NoError(t, err)
	a.router.SetJWT(mw)
	ticket := a.request(t)

	status, _ := a.do(consts.MethodGet, "/api/sessions/s1/approvals", nil)
	assert.Equal(t, consts.StatusUnauthorized, status)

	token, _, err := mw.TokenGenerator(middleware.Identity{UserID: "u1", Role: auth.RoleUser})
	require.NoError(t, err)
	bearer := ut.Header{Key: "Authorization", Value: "Bearer " + token}

	status, _ = a.do(consts.MethodGet, "/api/sessions/s1/approvals", nil, bearer)
	assert.Equal(t, consts.StatusOK, status)

	// JWT 模式下忽略身份请求头
	status, _ = a.do(consts.MethodGet, "/api/queues/tool-execution/stats", nil, bearer,
		ut.Header{Key: middleware.HeaderRole, Value: string(auth.RoleAdmin)})
	assert.Equal(t, consts.StatusForbidden, status)

	status, _ = a.do(consts.MethodPost, "/api/approvals/"+ticket.ID+"/respond", map[string]string{"decision": "reject"}, bearer)
	require.Equal(t, consts.StatusOK, status)
	select {
	case <-ticket.Done():
		assert.False(t, ticket.Approved())
	case <-time.After(time.Second):
		t.Fatal("waiter not settled")
	}
}
