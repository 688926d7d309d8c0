package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/netopt/internal/governance"
	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/feed"
	"github.com/polisai/netopt/pkg/monitor"
	"github.com/polisai/netopt/pkg/storage"
	"github.com/polisai/netopt/pkg/topology"
)

type staticFlows []domain.InstalledFlow

func (f staticFlows) List() []domain.InstalledFlow { return f }

type harness struct {
	srv     *httptest.Server
	store   *storage.MemoryPolicyStore
	feed    *feed.Feed
	model   *topology.Model
	metrics *Metrics
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemoryPolicyStore(),
		feed:    feed.New(16, nil),
		model:   topology.NewModel(),
		metrics: NewMetrics(),
	}
	deps := Deps{
		Store:     h.store,
		Feed:      h.feed,
		Flows:     staticFlows{{Key: "reroute:abc", DeviceID: "s1", RuleID: "7"}},
		Model:     h.model,
		Endpoints: monitor.NewRegistry(),
		Metrics:   h.metrics,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	h.srv = httptest.NewServer(New(deps).Handler())
	t.Cleanup(h.srv.Close)
	t.Cleanup(h.feed.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func latencyPolicy() domain.Policy {
	return domain.Policy{
		Name:     "fl-latency",
		Domain:   "federated",
		Priority: 10,
		Enabled:  true,
		Tags:     []string{"fl"},
		Conditions: []domain.Condition{
			{Field: "latency_ms", Operator: domain.OpGt, Value: 40.0},
		},
		Actions: []domain.Action{
			{Type: "thresholds", Parameters: map[string]any{"latency_ms": 40.0}},
		},
	}
}

var ignoreStoreFields = cmpopts.IgnoreFields(domain.Policy{}, "ID", "CreatedAt", "UpdatedAt", "Seq")

func TestPolicyCRUDRoundTrip(t *testing.T) {
	h := newHarness(t)
	want := latencyPolicy()

	resp := h.do(t, http.MethodPost, "/policies", want)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[domain.Policy](t, resp)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "/policies/"+created.ID, resp.Header.Get("Location"))
	if diff := cmp.Diff(want, created, ignoreStoreFields); diff != "" {
		t.Fatalf("created policy mismatch (-want +got):\n%s", diff)
	}

	resp = h.do(t, http.MethodGet, "/policies/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	if diff := cmp.Diff(created, decode[domain.Policy](t, resp)); diff != "" {
		t.Fatalf("fetched policy mismatch (-want +got):\n%s", diff)
	}

	priority := 99
	resp = h.do(t, http.MethodPut, "/policies/"+created.ID, domain.PolicyPatch{Priority: &priority})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[domain.Policy](t, resp)
	want.Priority = 99
	if diff := cmp.Diff(want, updated, ignoreStoreFields); diff != "" {
		t.Fatalf("updated policy mismatch (-want +got):\n%s", diff)
	}

	resp = h.do(t, http.MethodPost, "/policies/"+created.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[domain.Policy](t, resp).Enabled)

	resp = h.do(t, http.MethodGet, "/policies?enabled=true", nil)
	list := decode[map[string][]domain.Policy](t, resp)
	assert.Empty(t, list["policies"])

	resp = h.do(t, http.MethodPost, "/policies/"+created.ID+"/enable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/policies?domain=federated&tag=fl", nil)
	list = decode[map[string][]domain.Policy](t, resp)
	require.Len(t, list["policies"], 1)

	resp = h.do(t, http.MethodDelete, "/policies/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/policies/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/policies/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errResp := decode[domain.ErrorResponse](t, resp)
	assert.Equal(t, "POLICY_NOT_FOUND", errResp.Code)
}

func TestCreatePolicyValidation(t *testing.T) {
	h := newHarness(t)

	bad := latencyPolicy()
	bad.Conditions[0].Operator = "regex"
	resp := h.do(t, http.MethodPost, "/policies", bad)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_POLICY", decode[domain.ErrorResponse](t, resp).Code)

	resp = h.do(t, http.MethodPost, "/policies", map[string]any{"name": "x", "bogus": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", decode[domain.ErrorResponse](t, resp).Code)

	dup := latencyPolicy()
	dup.ID = "fixed"
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/policies", dup).StatusCode)
	resp = h.do(t, http.MethodPost, "/policies", dup)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestVersionAndCacheCheck(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/policies/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decode[map[string]int64](t, resp)["version"])

	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/policies", latencyPolicy()).StatusCode)

	resp = h.do(t, http.MethodPost, "/cache-check", map[string]int64{"policy_version": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cacheCheckResponse{Valid: false, CurrentVersion: 1}, decode[cacheCheckResponse](t, resp))

	resp = h.do(t, http.MethodPost, "/cache-check", map[string]int64{"policy_version": 1})
	assert.Equal(t, cacheCheckResponse{Valid: true, CurrentVersion: 1}, decode[cacheCheckResponse](t, resp))
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Limiter = governance.NewRateLimiter(governance.RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})
	})

	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/policies", latencyPolicy()).StatusCode)
	resp := h.do(t, http.MethodPost, "/policies", latencyPolicy())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Reads bypass the limiter.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/policies", nil).StatusCode)
	}
}

func TestStatusEndpoints(t *testing.T) {
	h := newHarness(t)
	h.feed.Publish(domain.StatusRecord{Pair: "10.0.0.1->10.0.0.2", State: domain.StateNominal, LastResult: domain.ResultOK})
	h.feed.Publish(domain.StatusRecord{Pair: "10.0.0.1->10.0.0.2", State: domain.StateCongested, LastResult: domain.ResultCooldown})
	h.feed.Publish(domain.StatusRecord{Pair: "10.0.0.2->10.0.0.1", State: domain.StateNominal, LastResult: domain.ResultOK})

	type statusResponse struct {
		Sequence uint64                `json:"sequence"`
		Records  []domain.StatusRecord `json:"records"`
	}

	resp := h.do(t, http.MethodGet, "/status", nil)
	latest := decode[statusResponse](t, resp)
	assert.Equal(t, uint64(3), latest.Sequence)
	require.Len(t, latest.Records, 2)
	assert.Equal(t, domain.StateCongested, latest.Records[0].State)

	resp = h.do(t, http.MethodGet, "/status?since=1", nil)
	since := decode[statusResponse](t, resp)
	require.Len(t, since.Records, 2)
	assert.Equal(t, uint64(2), since.Records[0].Sequence)

	resp = h.do(t, http.MethodGet, "/status?pair=10.0.0.2->10.0.0.1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(3), decode[domain.StatusRecord](t, resp).Sequence)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/status?pair=nope", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/status?since=x", nil).StatusCode)
}

func TestStatusStream(t *testing.T) {
	h := newHarness(t)
	h.feed.Publish(domain.StatusRecord{Pair: "a->b", State: domain.StateNominal})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/status/stream?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var replayed domain.StatusRecord
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, uint64(1), replayed.Sequence)

	h.feed.Publish(domain.StatusRecord{Pair: "a->b", State: domain.StateRemediating})

	var live domain.StatusRecord
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, domain.StateRemediating, live.State)
	assert.Greater(t, live.Sequence, replayed.Sequence)
}

func TestEndpointsAndTopology(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/endpoints", domain.Endpoint{IP: "10.0.0.1", Role: domain.RoleServer})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "10.0.0.1", decode[domain.Endpoint](t, resp).ID)

	resp = h.do(t, http.MethodPost, "/endpoints", domain.Endpoint{IP: "10.0.0.2", Role: domain.RoleClient})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/endpoints", domain.Endpoint{IP: "not-an-ip", Role: domain.RoleClient})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/endpoints", nil)
	var listed struct {
		Endpoints []domain.Endpoint `json:"endpoints"`
		Pairs     int               `json:"pairs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Len(t, listed.Endpoints, 2)
	assert.Equal(t, 2, listed.Pairs)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/endpoints/10.0.0.2", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/endpoints/10.0.0.2", nil).StatusCode)

	require.NoError(t, h.model.UpsertNode(domain.NetworkNode{ID: "s2", Kind: domain.NodeSwitch}))
	require.NoError(t, h.model.UpsertNode(domain.NetworkNode{ID: "s1", Kind: domain.NodeSwitch}))
	require.NoError(t, h.model.UpsertLink(domain.NetworkLink{SrcNode: "s1", DstNode: "s2", SrcPort: "1", DstPort: "2"}))

	resp = h.do(t, http.MethodGet, "/topology", nil)
	topo := decode[topologyResponse](t, resp)
	require.Len(t, topo.Nodes, 2)
	assert.Equal(t, "s1", topo.Nodes[0].ID)
	require.Len(t, topo.Links, 1)
	assert.Empty(t, topo.Samples)

	resp = h.do(t, http.MethodGet, "/flows", nil)
	flows := decode[map[string][]domain.InstalledFlow](t, resp)
	require.Len(t, flows["flows"], 1)
	assert.Equal(t, "7", flows["flows"][0].RuleID)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	h.metrics.ObservePairState("a->b", domain.StateCongested)

	resp := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]any](t, resp)
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, "up", health["store"])

	// Request metrics are recorded after the response is written.
	var text string
	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/metrics", nil)
		body, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		text = string(body)
		return strings.Contains(text, `netopt_http_requests_total{method="GET",route="/healthz",status_code="200"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, text, `netopt_pair_state{pair="a->b",state="congested"} 1`)
	assert.Contains(t, text, `netopt_pair_state{pair="a->b",state="nominal"} 0`)
}

func TestMissingComponentsReturnUnavailable(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Store = nil
		d.Feed = nil
		d.Flows = nil
		d.Model = nil
		d.Endpoints = nil
	})
	for _, path := range []string{"/policies", "/status", "/flows", "/topology", "/endpoints"} {
		resp := h.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}
