// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"flag"
	"fmt"
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
	"github.com/noldarim/launchpad/internal/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type clientFixture struct {
	URL        string
	Client     *Client
	Bus        *bus.Bus
	Data       *services.DataService
	Dispatcher *services.MockDispatcher
}

func withServer(t *testing.T) *clientFixture {
	t.Helper()
	pf := services.WithPipelineService(t)
	pf.Config.Auth = config.AuthConfig{DefaultRole: "dev"}
	users := services.NewUserService(pf.Data, pf.Config.Auth)
	b := bus.New(100)
	srv := server.New(pf.Config, server.Deps{Pipelines: pf.Service, Users: users, Bus: b, Version: "test"})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	pf.Dispatcher.On("Start", mock.Anything).Return(nil).Maybe()

	c, err := NewClient(ts.URL+"/", "dev@example.com")
	require.NoError(t, err)
	return &clientFixture{URL: ts.URL, Client: c, Bus: b, Data: pf.Data, Dispatcher: pf.Dispatcher}
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com", "")
	assert.Error(t, err)
	_, err = NewClient("localhost:8080", "")
	assert.Error(t, err)
}

func TestClient_PipelineLifecycle(t *testing.T) {
	f := withServer(t)
	ctx := context.Background()

	me, err := f.Client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", me.Email)

	p, err := f.Client.CreatePipeline(ctx, services.CreatePipelineParams{
		Name: "shop-api", RepoURL: "https://git.example.com/shop/api.git",
	})
	require.NoError(t, err)
	assert.Equal(t, "shop-api", p.Slug)

	list, err := f.Client.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	tr, err := f.Client.TriggerRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, tr.Status)

	runs, err := f.Client.ListRuns(ctx, p.ID, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run, err := f.Client.GetRun(ctx, tr.RunID)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", run.TriggeredBy)

	_, err = f.Client.PipelineLog(ctx, p.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	require.NoError(t, f.Data.FinalizeRun(ctx, tr.RunID, models.StatusSuccess, ""))
	require.NoError(t, f.Client.DeletePipeline(ctx, p.ID))
	_, err = f.Client.GetPipeline(ctx, p.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_ValidationErrorCarriesField(t *testing.T) {
	f := withServer(t)
	_, err := f.Client.CreatePipeline(context.Background(), services.CreatePipelineParams{Name: "api"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "repo_url", apiErr.Field)
}

func TestClient_Watch(t *testing.T) {
	f := withServer(t)
	ctx := context.Background()
	p, err := f.Client.CreatePipeline(ctx, services.CreatePipelineParams{Name: "api", RepoURL: "https://x/api.git"})
	require.NoError(t, err)
	tr, err := f.Client.TriggerRun(ctx, p.ID)
	require.NoError(t, err)

	f.Bus.Publish(tr.RunID, protocol.RunStart{})
	f.Bus.Publish(tr.RunID, protocol.StepStart{Step: protocol.StepCheckout})

	stream, err := f.Client.Watch(ctx, tr.RunID)
	require.NoError(t, err)
	defer stream.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.Bus.Publish(tr.RunID, protocol.RunFailed{Message: "checkout failed: no such branch"})
		f.Bus.Close(tr.RunID)
	}()

	var out bytes.Buffer
	err = followPlain(ctx, stream, &out)
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "checkout failed: no such branch")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], fmt.Sprintf("run %d started", tr.RunID))
	assert.Contains(t, lines[1], "▸ checkout")
	assert.Contains(t, lines[2], "✗ run failed")
}

func TestClient_WatchUnknownRun(t *testing.T) {
	f := withServer(t)
	stream, err := f.Client.Watch(context.Background(), 404)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server:")
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out))
	assert.Equal(t, "launchpad version "+Version+"\n", out.String())

	err := run([]string{"frobnicate"}, &out)
	assert.Error(t, err)
}

func TestRun_PipelinesAgainstServer(t *testing.T) {
	f := withServer(t)
	_, err := f.Client.CreatePipeline(context.Background(), services.CreatePipelineParams{
		Name: "billing", RepoURL: "https://git.example.com/billing.git", DeployHost: "10.0.0.7", DeployUser: "ops",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run([]string{"pipelines", "--server", f.URL, "--email", "dev@example.com"}, &out))
	assert.Contains(t, out.String(), "billing")
	assert.Contains(t, out.String(), "ops@10.0.0.7")
}

func TestParseInterspersed(t *testing.T) {
	var g globalOptions
	var watch bool
	fs := newTestFlagSet(&g, &watch)
	require.NoError(t, parseInterspersed(fs, []string{"7", "--watch", "--server", "http://h:1"}))
	id, err := parseID(fs, "pipeline id")
	require.NoError(t, err)
	assert.Equal(t, uint(7), id)
	assert.True(t, watch)
	assert.Equal(t, "http://h:1", g.server)

	fs = newTestFlagSet(&g, &watch)
	require.NoError(t, parseInterspersed(fs, []string{"zero"}))
	_, err = parseID(fs, "pipeline id")
	assert.ErrorContains(t, err, `invalid pipeline id "zero"`)
}

func newTestFlagSet(g *globalOptions, watch *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	g.register(fs)
	fs.BoolVar(watch, "watch", false, "")
	return fs
}
