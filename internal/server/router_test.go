package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcvisor/internal/bootstrap"
	"github.com/loykin/svcvisor/internal/history"
	"github.com/loykin/svcvisor/internal/supervisor"
	"github.com/loykin/svcvisor/internal/watchdog"
)

type fakeServices struct {
	statuses  []bootstrap.Status
	restarted []string
	err       error
}

func (f *fakeServices) Status() []bootstrap.Status { return f.statuses }

func (f *fakeServices) Restart(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.restarted = append(f.restarted, name)
	return nil
}

func newFake() *fakeServices {
	return &fakeServices{statuses: []bootstrap.Status{
		{Service: "postgres", Port: 5432, ExternallyManaged: true, Detector: "postgres 127.0.0.1:5432"},
		{Service: "backend", Port: 7778, Watchdog: &watchdog.Status{Name: "backend", State: watchdog.StateRunning, PID: 99}},
	}}
}

func setupRouter(t *testing.T, svcs Services, reader history.Reader, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(svcs, reader, base, nil).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatusAll(t *testing.T) {
	h := setupRouter(t, newFake(), nil, "/api/")
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "postgres", got[0]["service"])
	assert.Equal(t, true, got[0]["externally_managed"])
	wd := got[1]["watchdog"].(map[string]any)
	assert.Equal(t, "running", wd["state"])
}

func TestStatusByName(t *testing.T) {
	h := setupRouter(t, newFake(), nil, "")
	rec := doReq(t, h, http.MethodGet, "/status/backend")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"port":7778`)

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status/nope").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/status/a..b").Code)
}

func TestRestart(t *testing.T) {
	f := newFake()
	h := setupRouter(t, f, nil, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/restart/backend")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"backend"}, f.restarted)

	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: x", supervisor.ErrUnknownService), http.StatusNotFound},
		{fmt.Errorf("%w: postgres", supervisor.ErrExternal), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		f.err = c.err
		rec := doReq(t, h, http.MethodPost, "/api/restart/backend")
		assert.Equal(t, c.code, rec.Code, c.err.Error())
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	mem := history.NewMemory(0)
	ctx := context.Background()
	require.NoError(t, mem.Send(ctx, history.Event{Type: history.EventStart, Service: "backend", PID: 1}))
	require.NoError(t, mem.Send(ctx, history.Event{Type: history.EventRestart, Service: "backend", PID: 2}))
	require.NoError(t, mem.Send(ctx, history.Event{Type: history.EventStart, Service: "ollama", PID: 3}))

	h := setupRouter(t, newFake(), mem, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/history/backend?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []history.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, history.EventRestart, got[0].Type)

	rec = doReq(t, h, http.MethodGet, "/api/history/postgres")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/history/backend?limit=0").Code)
}

func TestHistoryRouteAbsentWithoutReader(t *testing.T) {
	h := setupRouter(t, newFake(), nil, "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/history/backend").Code)
}

func TestMetricsRoute(t *testing.T) {
	h := setupRouter(t, newFake(), nil, "/api")
	rec := doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
