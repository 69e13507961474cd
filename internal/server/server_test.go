package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rconbridge-go/internal/config"
	"rconbridge-go/internal/events"
	"rconbridge-go/internal/health"
	"rconbridge-go/internal/metrics"
	"rconbridge-go/internal/rcon"
	"rconbridge-go/internal/rcon/rcontest"
	"rconbridge-go/internal/upstream"
	"rconbridge-go/internal/upstream/managed"
)

func gameHandler(cmd string) rcontest.Reply {
	switch cmd {
	case "/players online":
		return rcontest.Reply{Body: "Online players (1):\n  alice (online)"}
	case "/tick":
		return rcontest.Reply{Body: strconv.FormatInt(time.Now().UnixMilli()*60/1000, 10)}
	case "/evo":
		return rcontest.Reply{Body: "0.25"}
	case "/hang":
		return rcontest.Reply{Silent: true}
	default:
		return rcontest.Reply{Body: cmd}
	}
}

type fixture struct {
	registry *upstream.Registry
	monitor  *health.Monitor
	exporter *metrics.Exporter
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T, autoConnect bool) (*fixture, *rcontest.Server) {
	t.Helper()
	game := rcontest.NewServer(t, "secret", gameHandler)

	exporter := metrics.NewExporter(false)
	bus := events.NewBus()
	registry := upstream.NewRegistry(upstream.Options{
		Client: managed.Options{
			DialTimeout:    time.Second,
			RequestTimeout: 300 * time.Millisecond,
			BackoffBase:    20 * time.Millisecond,
			BackoffMax:     100 * time.Millisecond,
		},
		Metrics: metrics.Options{
			Commands: metrics.Commands{Players: "/players online", Tick: "/tick", Evolution: "/evo"},
			Alpha:    0.5,
		},
		AutoConnect: autoConnect,
		Logger:      zap.NewNop(),
		EventBus:    bus,
		Exporter:    exporter,
	})
	monitor := health.NewMonitor(registry, nil, health.Options{Debounce: 1, Logger: zap.NewNop()})
	registry.SetHealth(monitor)

	require.NoError(t, registry.Register(&config.ServerConfig{
		Tag: "prod", Name: "Production", Host: game.Host(), Port: game.Port(), Password: "secret",
	}))

	srv := New(Options{
		Registry: registry,
		Monitor:  monitor,
		Exporter: exporter,
		EventBus: bus,
		Logger:   zap.NewNop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = registry.Close(ctx)
	})

	if autoConnect {
		require.Eventually(t, func() bool {
			return registry.ClientFor("prod").IsConnected()
		}, 3*time.Second, 10*time.Millisecond)
	}
	return &fixture{registry: registry, monitor: monitor, exporter: exporter, server: srv, http: ts}, game
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postExec(t *testing.T, url, body string) (int, execResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out execResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	f, _ := newFixture(t, true)

	var body map[string]interface{}
	status := getJSON(t, f.http.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["servers"])
	assert.EqualValues(t, 1, body["connected"])
}

func TestServersListing(t *testing.T) {
	f, _ := newFixture(t, true)
	f.monitor.Poll(context.Background())

	resp, err := http.Get(f.http.URL + "/api/servers?refresh=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	var body struct {
		Servers []ServerStatus `json:"servers"`
		Total   int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, 1, body.Total)

	st := body.Servers[0]
	assert.Equal(t, "prod", st.Tag)
	assert.Equal(t, "Production", st.Name)
	assert.True(t, st.Connected)
	require.NotNil(t, st.Metrics)
	require.NotNil(t, st.Metrics.PlayerCount)
	assert.Equal(t, 1, *st.Metrics.PlayerCount)
	require.NotNil(t, st.Metrics.EvolutionFactor)
	assert.InDelta(t, 0.25, *st.Metrics.EvolutionFactor, 1e-9)
	require.NotNil(t, st.Health)
	assert.True(t, st.Health.IsConnected)
}

func TestServerByTag(t *testing.T) {
	f, _ := newFixture(t, true)

	var st ServerStatus
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/api/servers/prod", &st))
	assert.Equal(t, "prod", st.Tag)
	assert.Nil(t, st.Metrics, "no poll has run yet")

	var missing map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.http.URL+"/api/servers/nope", &missing))
	assert.Contains(t, missing["error"], "nope")
}

func TestExecSuccess(t *testing.T) {
	f, game := newFixture(t, true)

	status, out := postExec(t, f.http.URL+"/api/servers/prod/exec", `{"command":"/say hi"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/say hi", out.Output)
	assert.Empty(t, out.Error)
	assert.Contains(t, game.Commands(), "/say hi")
}

func TestExecErrors(t *testing.T) {
	t.Run("unknown server", func(t *testing.T) {
		f, _ := newFixture(t, true)
		status, out := postExec(t, f.http.URL+"/api/servers/ghost/exec", `{"command":"/x"}`)
		assert.Equal(t, http.StatusNotFound, status)
		assert.NotEmpty(t, out.Message)
	})

	t.Run("not connected", func(t *testing.T) {
		f, game := newFixture(t, false)
		status, out := postExec(t, f.http.URL+"/api/servers/prod/exec", `{"command":"/x"}`)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Equal(t, rcon.Describe(rcon.ErrNotConnected), out.Message)
		assert.Zero(t, game.Accepted())
	})

	t.Run("timeout", func(t *testing.T) {
		f, _ := newFixture(t, true)
		status, _ := postExec(t, f.http.URL+"/api/servers/prod/exec", `{"command":"/hang"}`)
		assert.Equal(t, http.StatusGatewayTimeout, status)
	})

	t.Run("bad body", func(t *testing.T) {
		f, _ := newFixture(t, true)
		status, _ := postExec(t, f.http.URL+"/api/servers/prod/exec", `{`)
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = postExec(t, f.http.URL+"/api/servers/prod/exec", `{"command":""}`)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("wrong method", func(t *testing.T) {
		f, _ := newFixture(t, true)
		resp, err := http.Get(f.http.URL + "/api/servers/prod/exec")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	f, _ := newFixture(t, true)
	_, _ = postExec(t, f.http.URL+"/api/servers/prod/exec", `{"command":"/say hi"}`)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `rconbridge_rcon_requests_total{result="ok",server="prod"}`)
}

func TestExecStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w %q: %w", upstream.ErrUnknownServer, "x", rcon.ErrNotConnected), http.StatusNotFound},
		{rcon.ErrNotConnected, http.StatusServiceUnavailable},
		{rcon.ErrConnectionClosed, http.StatusServiceUnavailable},
		{rcon.ErrRequestTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{rcon.ErrProtocol, http.StatusBadGateway},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, execStatus(tt.err), "%v", tt.err)
	}
}

func TestStartAndShutdown(t *testing.T) {
	registry := upstream.NewRegistry(upstream.Options{Logger: zap.NewNop()})
	srv := New(Options{Listen: "127.0.0.1:0", Registry: registry, Logger: zap.NewNop()})

	assert.Empty(t, srv.Addr())
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start(), "second start is a no-op")
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), config.HTTPShutdownTimeout)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	assert.Error(t, srv.Start())

	_, err = http.Post("http://"+addr+"/api/servers/x/exec", "application/json", bytes.NewReader(nil))
	assert.Error(t, err)
}
