package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/netopt/pkg/domain"
)

const admissionModule = `package netopt.admission

default decision := {"action": "allow"}

decision := {"action": "deny", "reason": "healthcare traffic must stay encrypted"} if {
	input.domain == "healthcare"
	input.action == "reroute"
}
`

func newTestGuard(t *testing.T, opts RegoOptions) *RegoGuard {
	t.Helper()
	if opts.Modules == nil {
		opts.Modules = map[string]string{"admission.rego": admissionModule}
	}
	guard, err := NewRegoGuard(context.Background(), opts)
	require.NoError(t, err)
	return guard
}

func TestRegoGuardEvaluate(t *testing.T) {
	guard := newTestGuard(t, RegoOptions{})
	ctx := context.Background()

	decision, err := guard.Evaluate(ctx, "", map[string]any{"domain": "healthcare", "action": "reroute"})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "healthcare traffic must stay encrypted", decision.Reason)

	decision, err = guard.Evaluate(ctx, "", map[string]any{"domain": "general", "action": "reroute"})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, 2, guard.cache.Len())

	_, err = guard.Evaluate(ctx, "", map[string]any{"domain": "general", "action": "reroute"})
	require.NoError(t, err)
	assert.Equal(t, 2, guard.cache.Len())

	guard.FlushCache()
	assert.Equal(t, 0, guard.cache.Len())
}

func TestRegoGuardAsActionHandler(t *testing.T) {
	ev := NewEvaluator()
	ev.RegisterActionHandler(ActionRego, newTestGuard(t, RegoOptions{}))

	policies := []domain.Policy{{
		ID: "guard", Name: "guard", Enabled: true, Priority: 1,
		Actions: []domain.Action{{Type: ActionRego}},
	}}

	v := Summarize(ev.ApplyPoliciesOrdered(context.Background(), policies, domain.EvalContext{
		"domain": "healthcare", "action": "reroute",
	}))
	assert.True(t, v.Denied)
	assert.Equal(t, "guard", v.DeniedBy)

	v = Summarize(ev.ApplyPoliciesOrdered(context.Background(), policies, domain.EvalContext{
		"domain": "healthcare", "action": "qos",
	}))
	assert.False(t, v.Denied)
}

func TestRegoGuardFailurePosture(t *testing.T) {
	postures := DefaultPostureSet()
	require.NoError(t, postures.ApplyOverrideStrings(map[string]string{"healthcare": "fail-closed"}))
	guard := newTestGuard(t, RegoOptions{Postures: postures})

	action := domain.Action{Type: ActionRego, Parameters: map[string]any{"entrypoint": "netopt/missing/rule/with/bad path"}}

	out, err := guard.Handle(context.Background(), action, domain.EvalContext{"domain": "healthcare"})
	require.NoError(t, err)
	assert.Equal(t, "deny", out["verdict"])

	out, err = guard.Handle(context.Background(), action, domain.EvalContext{"domain": "general"})
	require.NoError(t, err)
	assert.Equal(t, "allow", out["verdict"])
}

func TestNewRegoGuardRejectsInvalidModules(t *testing.T) {
	_, err := NewRegoGuard(context.Background(), RegoOptions{})
	require.Error(t, err)

	_, err = NewRegoGuard(context.Background(), RegoOptions{Modules: map[string]string{"bad.rego": "package x\n\ndecision := {"}})
	require.Error(t, err)
}

func TestLoadRegoModules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "admission.rego"), []byte(admissionModule), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	modules, err := LoadRegoModules(dir)
	require.NoError(t, err)
	assert.Len(t, modules, 1)
	assert.Contains(t, modules, "admission.rego")
}

func TestPostureSet(t *testing.T) {
	set := DefaultPostureSet()
	assert.Equal(t, ModeFailOpen, set.Mode("anything"))

	require.NoError(t, set.ApplyOverrideStrings(map[string]string{"Healthcare": "FAIL-CLOSED"}))
	assert.Equal(t, ModeFailClosed, set.Mode("healthcare"))

	clone := set.Clone()
	require.NoError(t, clone.SetDefault(ModeFailClosed))
	assert.Equal(t, ModeFailOpen, set.Mode("general"))
	assert.Equal(t, ModeFailClosed, clone.Mode("general"))

	assert.Error(t, set.ApplyOverrideStrings(map[string]string{"general": "maybe"}))
	_, err := ParseMode("")
	assert.Error(t, err)
}
