// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/noldarim/launchpad/internal/bus"
	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/orchestrator/services"
	"github.com/noldarim/launchpad/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	adminEmail = "admin@example.com"
	devEmail   = "dev@example.com"
)

type apiFixture struct {
	URL        string
	Pipelines  *services.PipelineService
	Users      *services.UserService
	Data       *services.DataService
	Dispatcher *services.MockDispatcher
	Bus        *bus.Bus
}

func withAPI(t *testing.T) *apiFixture {
	t.Helper()
	pf := services.WithPipelineService(t)
	pf.Config.Auth = config.AuthConfig{BootstrapAdminEmail: adminEmail, DefaultRole: "dev"}

	users := services.NewUserService(pf.Data, pf.Config.Auth)
	b := bus.New(100)
	srv := New(pf.Config, Deps{Pipelines: pf.Service, Users: users, Bus: b, Version: "test"})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{
		URL:        ts.URL,
		Pipelines:  pf.Service,
		Users:      users,
		Data:       pf.Data,
		Dispatcher: pf.Dispatcher,
		Bus:        b,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, email string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.URL+path, r)
	require.NoError(t, err)
	if email != "" {
		req.Header.Set("X-Forwarded-Email", email)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *apiFixture) createPipeline(t *testing.T, name string) *models.Pipeline {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/pipelines", devEmail, map[string]any{
		"name":     name,
		"repo_url": "https://git.example.com/" + name + ".git",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*models.Pipeline](t, resp)
}

func (f *apiFixture) triggerRun(t *testing.T, p *models.Pipeline) TriggerResponse {
	t.Helper()
	f.Dispatcher.On("Start", mock.Anything).Return(nil).Maybe()
	resp := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/pipelines/%d/runs", p.ID), devEmail, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[TriggerResponse](t, resp)
}

func publishRun(b *bus.Bus, runID uint, terminal protocol.Event) {
	b.Publish(runID, protocol.RunStart{})
	b.Publish(runID, protocol.StepStart{Step: protocol.StepCheckout})
	b.Publish(runID, protocol.Log{Step: protocol.StepCheckout, Message: "Cloning"})
	b.Publish(runID, protocol.StepSuccess{Step: protocol.StepCheckout})
	b.Publish(runID, terminal)
}

func readSSE(t *testing.T, body io.Reader) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev, err := protocol.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")))
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func types(events []protocol.Event) []protocol.Type {
	out := make([]protocol.Type, len(events))
	for i, ev := range events {
		out[i] = ev.EventType()
	}
	return out
}

func TestHealth_NoIdentityRequired(t *testing.T) {
	f := withAPI(t)
	resp := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
}

func TestIdentity(t *testing.T) {
	f := withAPI(t)

	resp := f.do(t, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/me", "Dev@Example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[models.User](t, resp)
	assert.Equal(t, devEmail, me.Email)
	assert.Equal(t, models.RoleDev, me.Role)

	resp = f.do(t, http.MethodGet, "/api/v1/me", adminEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.RoleAdmin, decode[models.User](t, resp).Role)
}

func TestRoles(t *testing.T) {
	f := withAPI(t)
	ctx := context.Background()

	viewer, err := f.Users.Resolve(ctx, "viewer@example.com", "")
	require.NoError(t, err)
	_, err = f.Users.SetRole(ctx, viewer.ID, models.RoleViewer)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/v1/pipelines", viewer.Email, map[string]any{
		"name": "api", "repo_url": "https://git.example.com/api.git",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/pipelines", viewer.Email, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/admin/users", devEmail, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/admin/users", adminEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.User](t, resp), 3)

	resp = f.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d/role", viewer.ID), adminEmail,
		map[string]string{"role": "dev"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.RoleDev, decode[models.User](t, resp).Role)

	resp = f.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d/role", viewer.ID), adminEmail,
		map[string]string{"role": "root"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPipelineCRUD(t *testing.T) {
	f := withAPI(t)

	p := f.createPipeline(t, "Shop API")
	assert.Equal(t, "shop-api", p.Slug)
	assert.Equal(t, models.StatusPending, p.Status)

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/pipelines/%d", p.ID), devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, p.ID, decode[models.Pipeline](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/api/v1/pipelines", devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Pipeline](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/v1/pipelines?status=running", devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]models.Pipeline](t, resp))

	resp = f.do(t, http.MethodPost, "/api/v1/pipelines", devEmail, map[string]any{
		"name": "shop_api", "repo_url": "https://git.example.com/x.git",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/pipelines/%d", p.ID), devEmail, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/pipelines/%d", p.ID), devEmail, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePipeline_Validation(t *testing.T) {
	f := withAPI(t)

	resp := f.do(t, http.MethodPost, "/api/v1/pipelines", devEmail, map[string]any{
		"name": "api", "repo_url": "https://git.example.com/api.git", "ports": "8080",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ports", decode[errorResponse](t, resp).Field)

	resp = f.do(t, http.MethodPost, "/api/v1/pipelines", devEmail, map[string]any{
		"name": "api", "repo_url": "https://git.example.com/api.git", "colour": "blue",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "body", decode[errorResponse](t, resp).Field)

	resp = f.do(t, http.MethodGet, "/api/v1/pipelines/abc", devEmail, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerRun(t *testing.T) {
	f := withAPI(t)
	p := f.createPipeline(t, "api")

	tr := f.triggerRun(t, p)
	assert.NotZero(t, tr.RunID)
	assert.Equal(t, models.StatusRunning, tr.Status)
	assert.Equal(t, fmt.Sprintf("/api/v1/runs/%d/events", tr.RunID), tr.EventsURL)
	f.Dispatcher.AssertCalled(t, "Start", tr.RunID)

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/runs/%d", tr.RunID), devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[models.Run](t, resp)
	assert.Equal(t, devEmail, run.TriggeredBy)

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/pipelines/%d/runs?limit=5", p.ID), devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Run](t, resp), 1)

	// A running pipeline cannot be deleted.
	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/pipelines/%d", p.ID), devEmail, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/pipelines/999/runs", devEmail, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPipelineLogs_NotFoundBeforeFirstRun(t *testing.T) {
	f := withAPI(t)
	p := f.createPipeline(t, "api")
	resp := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/pipelines/%d/logs", p.ID), devEmail, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunEvents_ReplaysFinishedRun(t *testing.T) {
	f := withAPI(t)
	p := f.createPipeline(t, "api")
	tr := f.triggerRun(t, p)

	publishRun(f.Bus, tr.RunID, protocol.RunSuccess{})
	require.NoError(t, f.Data.FinalizeRun(context.Background(), tr.RunID, models.StatusSuccess, ""))
	f.Bus.Close(tr.RunID)

	resp := f.do(t, http.MethodGet, tr.EventsURL, devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	assert.Equal(t, []protocol.Type{
		protocol.TypeRunStart, protocol.TypeStepStart, protocol.TypeLog,
		protocol.TypeStepSuccess, protocol.TypeRunSuccess,
	}, types(events))
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.GetMetadata().Seq)
	}
}

func TestRunEvents_FollowsLiveRun(t *testing.T) {
	f := withAPI(t)
	p := f.createPipeline(t, "api")
	tr := f.triggerRun(t, p)

	f.Bus.Publish(tr.RunID, protocol.RunStart{})

	done := make(chan []protocol.Event, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, f.URL+tr.EventsURL, nil)
		req.Header.Set("X-Forwarded-Email", devEmail)
		resp, err := http.DefaultClient.Do(req)
		if !assert.NoError(t, err) {
			done <- nil
			return
		}
		defer resp.Body.Close()
		done <- readSSE(t, resp.Body)
	}()

	time.Sleep(50 * time.Millisecond)
	f.Bus.Publish(tr.RunID, protocol.StepStart{Step: protocol.StepCheckout})
	f.Bus.Publish(tr.RunID, protocol.RunFailed{Message: "checkout failed: boom"})
	f.Bus.Close(tr.RunID)

	select {
	case events := <-done:
		require.Len(t, events, 3)
		assert.Equal(t, protocol.TypeRunStart, events[0].EventType())
		failed, ok := events[2].(protocol.RunFailed)
		require.True(t, ok)
		assert.Equal(t, "checkout failed: boom", failed.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after the terminal event")
	}
}

func TestRunEvents_SynthesizesTerminalForForgottenRun(t *testing.T) {
	f := withAPI(t)
	p := f.createPipeline(t, "api")
	tr := f.triggerRun(t, p)
	require.NoError(t, f.Data.FinalizeRun(context.Background(), tr.RunID, models.StatusFailed, "healthcheck failed: 503"))

	resp := f.do(t, http.MethodGet, tr.EventsURL, devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp.Body)
	require.Len(t, events, 1)
	failed, ok := events[0].(protocol.RunFailed)
	require.True(t, ok)
	assert.Equal(t, "healthcheck failed: 503", failed.Message)
	assert.Equal(t, tr.RunID, failed.RunID)

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/runs/%d/history", tr.RunID), devEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.Len(t, raw, 1)
	ev, err := protocol.Unmarshal(raw[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRunFailed, ev.EventType())
}

func TestRunEvents_UnknownRun(t *testing.T) {
	f := withAPI(t)
	resp := f.do(t, http.MethodGet, "/api/v1/runs/42/events", devEmail, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialWS(t *testing.T, f *apiFixture) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"X-Forwarded-Email": {devEmail}})
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_SubscribeReplaysAndFollows(t *testing.T) {
	f := withAPI(t)
	p := f.createPipeline(t, "api")
	tr := f.triggerRun(t, p)
	f.Bus.Publish(tr.RunID, protocol.RunStart{})

	conn := dialWS(t, f)
	require.NoError(t, conn.WriteJSON(WSRequest{Action: "subscribe", RunID: tr.RunID}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.Bus.Publish(tr.RunID, protocol.StepStart{Step: protocol.StepCheckout})
		f.Bus.Publish(tr.RunID, protocol.RunSuccess{})
		f.Bus.Close(tr.RunID)
	}()

	var got []protocol.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < 3 {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "event", msg.Type, msg.Message)
		assert.Equal(t, tr.RunID, msg.RunID)
		ev, err := protocol.Unmarshal(msg.Event)
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, []protocol.Type{protocol.TypeRunStart, protocol.TypeStepStart, protocol.TypeRunSuccess}, types(got))
}

func TestWebSocket_Errors(t *testing.T) {
	f := withAPI(t)
	conn := dialWS(t, f)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(WSRequest{Action: "subscribe", RunID: 77}))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, uint(77), msg.RunID)

	require.NoError(t, conn.WriteJSON(WSRequest{Action: "shout", RunID: 1}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Message, "unknown action")
}

func TestWebSocket_RequiresIdentity(t *testing.T) {
	f := withAPI(t)
	u := "ws" + strings.TrimPrefix(f.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
