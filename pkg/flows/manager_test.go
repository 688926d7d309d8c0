package flows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/netopt/internal/governance"
	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/policy"
)

type installCall struct {
	DeviceID string
	Match    domain.FlowMatch
	Actions  []domain.FlowRuleAction
	Priority int
	TTL      time.Duration
}

type fakeInstaller struct {
	mu        sync.Mutex
	installs  []installCall
	removes   []string
	failFirst int
	failAll   error
	seq       int
}

func (f *fakeInstaller) Install(_ context.Context, deviceID string, match domain.FlowMatch, actions []domain.FlowRuleAction, priority int, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, installCall{deviceID, match, actions, priority, ttl})
	if f.failAll != nil {
		return "", f.failAll
	}
	if f.failFirst > 0 {
		f.failFirst--
		return "", errors.New("device busy")
	}
	f.seq++
	return fmt.Sprintf("rule-%d", f.seq), nil
}

func (f *fakeInstaller) Remove(_ context.Context, deviceID, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, deviceID+"/"+ruleID)
	return nil
}

func (f *fakeInstaller) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.installs)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(installer domain.FlowInstaller) (*Manager, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(installer, Config{
		Retry: governance.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Now:   clock.Now,
	})
	return m, clock
}

func rerouteIntent(device, outPort string) domain.FlowIntent {
	return domain.FlowIntent{
		Match:      domain.FlowMatch{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"},
		Action:     domain.IntentReroute,
		DeviceID:   device,
		Path:       []string{device, "s4"},
		OutPort:    outPort,
		Priority:   40000,
		TTLSeconds: 30,
		Pair:       "10.0.0.1->10.0.0.2",
	}
}

func TestInstallOrRefreshIsIdempotent(t *testing.T) {
	installer := &fakeInstaller{}
	m, clock := newTestManager(installer)
	ctx := context.Background()

	first, err := m.InstallOrRefresh(ctx, rerouteIntent("s1", "2"))
	require.NoError(t, err)
	assert.Equal(t, 1, installer.installCount())
	assert.Equal(t, "rule-1", first.RuleID)
	assert.Equal(t, clock.Now().Add(30*time.Second), first.ExpiresAt)

	clock.Advance(10 * time.Second)
	second, err := m.InstallOrRefresh(ctx, rerouteIntent("s1", "2"))
	require.NoError(t, err)
	assert.Equal(t, 1, installer.installCount(), "identical intent must not reinstall")
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, second.Refreshes)
	assert.Equal(t, clock.Now().Add(30*time.Second), second.ExpiresAt)
	assert.Len(t, m.List(), 1)
}

func TestInstallOrRefreshReinstallsOnChange(t *testing.T) {
	installer := &fakeInstaller{}
	m, clock := newTestManager(installer)
	ctx := context.Background()

	_, err := m.InstallOrRefresh(ctx, rerouteIntent("s1", "2"))
	require.NoError(t, err)

	_, err = m.InstallOrRefresh(ctx, rerouteIntent("s1", "3"))
	require.NoError(t, err)
	assert.Equal(t, 2, installer.installCount(), "fingerprint change reinstalls")

	clock.Advance(31 * time.Second)
	_, err = m.InstallOrRefresh(ctx, rerouteIntent("s1", "3"))
	require.NoError(t, err)
	assert.Equal(t, 3, installer.installCount(), "expired flow reinstalls")
	assert.Len(t, m.List(), 1)
}

func TestInstallOrRefreshRemovesRuleOnOldDevice(t *testing.T) {
	installer := &fakeInstaller{}
	m, _ := newTestManager(installer)
	ctx := context.Background()

	_, err := m.InstallOrRefresh(ctx, rerouteIntent("s1", "2"))
	require.NoError(t, err)
	flow, err := m.InstallOrRefresh(ctx, rerouteIntent("s5", "1"))
	require.NoError(t, err)

	assert.Equal(t, "s5", flow.DeviceID)
	assert.Equal(t, []string{"s1/rule-1"}, installer.removes)
}

func TestInstallRetriesBoundedAttempts(t *testing.T) {
	installer := &fakeInstaller{failAll: errors.New("connection refused")}
	m, _ := newTestManager(installer)

	_, err := m.InstallOrRefresh(context.Background(), rerouteIntent("s1", "2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInstaller)
	assert.Equal(t, 3, installer.installCount())
	assert.Empty(t, m.List(), "failed installs are not recorded")
}

func TestInstallRecoversFromTransientFailure(t *testing.T) {
	installer := &fakeInstaller{failFirst: 2}
	m, _ := newTestManager(installer)

	flow, err := m.InstallOrRefresh(context.Background(), rerouteIntent("s1", "2"))
	require.NoError(t, err)
	assert.Equal(t, 3, installer.installCount())
	assert.Equal(t, "rule-1", flow.RuleID)
}

func TestInstallRequiresDevice(t *testing.T) {
	m, _ := newTestManager(&fakeInstaller{})
	_, err := m.InstallOrRefresh(context.Background(), rerouteIntent("", "2"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestDefaultTTLApplied(t *testing.T) {
	installer := &fakeInstaller{}
	m, clock := newTestManager(installer)
	intent := rerouteIntent("s1", "2")
	intent.TTLSeconds = 0

	flow, err := m.InstallOrRefresh(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultTTL), flow.ExpiresAt)
	assert.Equal(t, DefaultTTL, installer.installs[0].TTL)
}

func TestReapAndRemove(t *testing.T) {
	installer := &fakeInstaller{}
	m, clock := newTestManager(installer)
	ctx := context.Background()

	a, err := m.InstallOrRefresh(ctx, rerouteIntent("s1", "2"))
	require.NoError(t, err)
	qos := domain.FlowIntent{
		Match:      domain.FlowMatch{SrcIP: "10.0.0.2", DstIP: "10.0.0.1"},
		Action:     domain.IntentQoS,
		DeviceID:   "s2",
		QueueID:    1,
		TTLSeconds: 120,
	}
	b, err := m.InstallOrRefresh(ctx, qos)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, m.Reap(ctx))
	_, ok := m.Get(a.Key)
	assert.False(t, ok)

	require.NoError(t, m.Remove(ctx, b.Key))
	assert.Equal(t, []string{"s2/" + b.RuleID}, installer.removes)
	assert.ErrorIs(t, m.Remove(ctx, b.Key), domain.ErrNotFound)
	assert.Empty(t, m.List())
}

func TestConcurrentInstallsSerialisePerKey(t *testing.T) {
	installer := &fakeInstaller{}
	m, _ := newTestManager(installer)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InstallOrRefresh(context.Background(), rerouteIntent("s1", "2"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, installer.installCount())
}

func TestFlowKeyIgnoresDevice(t *testing.T) {
	a := rerouteIntent("s1", "2")
	b := rerouteIntent("s9", "7")
	assert.Equal(t, FlowKey(a.Match, a.Action), FlowKey(b.Match, b.Action))
	assert.NotEqual(t, FlowKey(a.Match, domain.IntentReroute), FlowKey(a.Match, domain.IntentQoS))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestHandlerExecutesThroughEvaluator(t *testing.T) {
	installer := &fakeInstaller{}
	m, _ := newTestManager(installer)
	eval := policy.NewEvaluator()
	eval.RegisterActionHandler(policy.ActionSDN, NewHandler(m))

	intent := rerouteIntent("s1", "2")
	res := eval.Execute(context.Background(), domain.Action{
		Type:       policy.ActionSDN,
		Target:     intent.Pair,
		Parameters: map[string]any{ParamIntent: intent},
	}, nil)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "s1", res.Output["device_id"])
	assert.Equal(t, FlowKey(intent.Match, intent.Action), res.Output["flow_key"])

	res = eval.Execute(context.Background(), domain.Action{Type: policy.ActionSDN}, nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, domain.ErrActionFailed.Error())
}
