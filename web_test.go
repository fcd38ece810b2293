package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/whoisit/internal/broker"
	"github.com/Seednode/whoisit/internal/metrics"
)

func newTestBroker(t *testing.T, cfg *Config, withMetrics bool) (*httptest.Server, *broker.Registry) {
	t.Helper()

	var promReg *prometheus.Registry
	if withMetrics {
		promReg = prometheus.NewRegistry()
	}

	reg := broker.NewRegistry(time.Minute, metrics.New(promReg))
	errs := make(chan error, 8)

	srv := httptest.NewServer(newBrokerRouter(cfg, reg, promReg, errs))
	t.Cleanup(srv.Close)

	return srv, reg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestBrokerStaticRoutes(t *testing.T) {
	srv, _ := newTestBroker(t, &Config{}, false)

	code, body := get(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Ok\n", body)

	code, body = get(t, srv.URL+"/version")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "whoisit v"+releaseVersion+"\n", body)

	code, body = get(t, srv.URL+"/robots.txt")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "Disallow: /")

	code, _ = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusNotFound, code, "metrics are opt-in")

	code, _ = get(t, srv.URL+"/pprof/heap")
	require.Equal(t, http.StatusNotFound, code, "profiling is opt-in")
}

func TestBrokerUnderPrefix(t *testing.T) {
	srv, reg := newTestBroker(t, &Config{prefix: "/whoisit/"}, false)

	client := broker.NewClient(srv.URL+"/whoisit", nil)
	ctx := context.Background()

	lease, err := client.Claim(ctx, "", "127.0.0.1:7000")
	require.NoError(t, err)
	require.Len(t, lease.ID, 8)
	require.Equal(t, 1, reg.Len())

	addr, err := client.Lookup(ctx, lease.ID)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", addr)

	code, body := get(t, client.QRURL(lease.ID))
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.HasPrefix(body, "\x89PNG"))

	require.NoError(t, client.Release(ctx, lease.ID, lease.Token))
	require.Zero(t, reg.Len())
}

func TestBrokerMetrics(t *testing.T) {
	srv, _ := newTestBroker(t, &Config{}, true)

	client := broker.NewClient(srv.URL, nil)
	_, err := client.Claim(context.Background(), "alice", "127.0.0.1:7000")
	require.NoError(t, err)

	code, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "whoisit_broker_leases 1")
}

func TestBrokerProfiling(t *testing.T) {
	srv, _ := newTestBroker(t, &Config{profile: true}, false)

	code, _ := get(t, srv.URL+"/pprof/cmdline")
	require.Equal(t, http.StatusOK, code)
}

func TestHumanReadableSize(t *testing.T) {
	require.Equal(t, "999 B", humanReadableSize(999))
	require.Equal(t, "1.5 kB", humanReadableSize(1500))
	require.Equal(t, "2.0 MB", humanReadableSize(2_000_000))
}
