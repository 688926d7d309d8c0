package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/netopt/pkg/config"
	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/storage"
)

const testPolicies = `
policies:
  - id: tight-latency
    name: tight latency
    priority: 10
    enabled: true
    actions:
      - type: thresholds
        parameters:
          latency_ms: 20
`

const testTopology = `
nodes:
  - id: s1
  - id: h1
    kind: host
    attributes:
      ip: 127.0.0.1
      switch: s1
  - id: h2
    kind: host
    attributes:
      ip: 127.0.0.2
      switch: s1
links:
  - src: h1
    dst: s1
    dst_port: "1"
  - src: h2
    dst: s1
    dst_port: "2"
`

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "netopt dev (unknown)\n", out)
}

func TestPolicyValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeTestFile(t, dir, "good.yaml", testPolicies)

	out, err := execute(t, "policy", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "good.yaml: 1 policies OK")

	bad := writeTestFile(t, dir, "bad.yaml", "- name: no id\n")
	_, err = execute(t, "policy", "validate", bad)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = execute(t, "policy", "validate")
	assert.Error(t, err)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.AdminAddress = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Policies.SeedFile = writeTestFile(t, dir, "policies.yaml", testPolicies)
	cfg.Southbound.StaticTopologyFile = writeTestFile(t, dir, "topology.yaml", testTopology)
	cfg.Monitor.ProbeTimeout = 100 * time.Millisecond
	cfg.Monitor.Endpoints = []domain.Endpoint{
		{ID: "server", IP: "127.0.0.1", Role: domain.RoleServer},
		{ID: "client", IP: "127.0.0.2", Role: domain.RoleClient},
	}
	return cfg
}

func TestBuildAppWiresStaticSouthbound(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)

	policies, err := a.store.List(context.Background(), storage.Filter{})
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "tight-latency", policies[0].ID)
	assert.Nil(t, a.forwarder)

	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "127.0.0.2")
}

func TestBuildAppRejectsBadSeedFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies.SeedFile = writeTestFile(t, t.TempDir(), "bad.yaml", "- name: no id\n")

	_, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestRunPublishesAndStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies.Watch = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool {
		return len(a.feed.Latest()) == 2
	}, 5*time.Second, 20*time.Millisecond)
	latest := a.feed.Latest()
	assert.Equal(t, domain.PairKey("127.0.0.1", "127.0.0.2"), latest[0].Pair)
	assert.Equal(t, domain.PairKey("127.0.0.2", "127.0.0.1"), latest[1].Pair)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
