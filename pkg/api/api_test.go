package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roastops/company-kernel/pkg/api"
	"github.com/roastops/company-kernel/pkg/command"
	"github.com/roastops/company-kernel/pkg/governance"
	"github.com/roastops/company-kernel/pkg/governor"
	"github.com/roastops/company-kernel/pkg/mission"
	"github.com/roastops/company-kernel/pkg/ratelimit"
	"github.com/roastops/company-kernel/pkg/registry"
	"github.com/roastops/company-kernel/pkg/store"
	"github.com/roastops/company-kernel/pkg/trace"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testServer struct {
	handler  http.Handler
	server   *api.Server
	clock    *fakeClock
	db       *store.Store
	governor *governor.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gov, err := governor.NewStore(db, logger)
	require.NoError(t, err)
	engine := governance.NewEngine(gov, ratelimit.NewLimiter(db), logger)

	clk := &fakeClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	missions := mission.NewService(mission.NewRepo(db), engine, logger, mission.WithClock(clk))
	commands := command.NewService(command.NewRepo(db), command.NewTrail(db), engine, gov, logger,
		command.WithClock(clk))

	srv := api.NewServer(api.ServerDeps{
		Missions: missions,
		Commands: commands,
		Engine:   engine,
		Governor: gov,
		Agents:   registry.New(),
		Traces:   trace.NewStore(0),
		DB:       db,
		Logger:   logger,
		Clock:    clk.Now,
	})

	return &testServer{
		handler:  srv.Handler(api.HandlerConfig{AuthMode: "dev"}),
		server:   srv,
		clock:    clk,
		db:       db,
		governor: gov,
	}
}

// do sends a request as the default operator unless headers override the
// actor. A nil body sends no payload.
func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "op-1")
	req.Header.Set("X-Actor-Kind", "USER")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func goodSignals() map[string]any {
	return map[string]any{
		"session": map[string]any{
			"telemetryPoints": 120,
			"durationSec":     300,
			"hasBT":           true,
			"hasET":           true,
		},
	}
}

func missionBody(overrides map[string]any) map[string]any {
	body := map[string]any{
		"goal":    "generate-roast-report",
		"params":  map[string]any{"sessionId": "sess-1"},
		"context": map[string]any{"orgId": "org-a", "siteId": "site-1", "machineId": "mx-1"},
		"signals": goodSignals(),
	}
	for k, v := range overrides {
		body[k] = v
	}
	return body
}

func errorField(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error
}
