package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/uplinkd/internal/coordinator"
	"github.com/Sh00ty/uplinkd/internal/metrics"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

type fakeBackend struct {
	ready  bool
	status coordinator.Status
	resets []string
	err    error
}

func (f *fakeBackend) Ready() bool                { return f.ready }
func (f *fakeBackend) Status() coordinator.Status { return f.status }

func (f *fakeBackend) Reset(ctx context.Context, name string) error {
	f.resets = append(f.resets, name)
	return f.err
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestProbes(t *testing.T) {
	backend := &fakeBackend{}
	h := New(backend, nil, zerolog.Nop()).Handler()

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodGet, "/ready").Code)

	backend.ready = true
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/ready").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/metrics").Code)
}

func TestStatus(t *testing.T) {
	backend := &fakeBackend{status: coordinator.Status{
		Cycle:     7,
		Epoch:     2,
		Conflicts: []string{"radio0"},
		Route:     coordinator.RouteStatus{Interface: "eth0", Gateway: "192.168.1.1"},
	}}
	h := New(backend, nil, zerolog.Nop()).Handler()

	rec := serve(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got coordinator.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, uint64(7), got.Cycle)
	assert.Equal(t, []string{"radio0"}, got.Conflicts)
	assert.Equal(t, "eth0", got.Route.Interface)
}

func TestReset(t *testing.T) {
	backend := &fakeBackend{}
	h := New(backend, nil, zerolog.Nop()).Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodGet, "/reset?iface=wlan0").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/reset").Code)

	assert.Equal(t, http.StatusNoContent, serve(t, h, http.MethodPost, "/reset?iface=wlan0").Code)
	assert.Equal(t, []string{"wlan0"}, backend.resets)

	backend.err = &netrole.InvariantViolation{Interface: "eth0", Detail: "reset requested while role is wired-uplink"}
	assert.Equal(t, http.StatusConflict, serve(t, h, http.MethodPost, "/reset?iface=eth0").Code)

	backend.err = errors.New("fault journal is read-only")
	assert.Equal(t, http.StatusInternalServerError, serve(t, h, http.MethodPost, "/reset?iface=wlan0").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	p := metrics.NewPrometheus("uplinkd", prometheus.NewRegistry())
	p.Increment("switcher.switches")
	h := New(&fakeBackend{}, p.Handler(), zerolog.Nop()).Handler()

	rec := serve(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uplinkd_switcher_switches_total 1")
}
