package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dueline/internal/config"
	"dueline/internal/domain"
	"dueline/internal/engine"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("workspace", t.TempDir())
	v.Set("log.level", "error")
	s, err := config.LoadSettings(v)
	require.NoError(t, err)
	return s
}

func TestOpenWiresEngineAndDispatcher(t *testing.T) {
	s := testSettings(t)
	s.Escalation.Actor = "system:test"
	ctx := context.Background()

	a, err := Open(ctx, s, Options{Dispatch: true})
	require.NoError(t, err)
	require.NotNil(t, a.Dispatcher)
	assert.Equal(t, a.Dispatcher, a.Engine.Notifier)

	it, err := a.Engine.Create(ctx, engine.CreateOptions{
		Kind: domain.KindIncident, Severity: domain.SeverityCritical,
		DueAt: time.Now().Add(-time.Minute), Actor: "tester",
	})
	require.NoError(t, err)
	out, err := a.Engine.Escalate(ctx, it.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, engine.EscalationRaised, out.Action)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(closeCtx))

	// the log channel delivery is recorded before Close returns
	b, err := Open(ctx, s, Options{})
	require.NoError(t, err)
	defer b.Close(ctx)
	ds, err := b.Engine.Repo.ListDeliveries(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "log", ds[0].Channel)
	assert.Equal(t, domain.DeliveryDelivered, ds[0].Status)

	trail, err := b.Engine.AuditTrail(ctx, it.ID)
	require.NoError(t, err)
	var actors []string
	for e, err := range trail {
		require.NoError(t, err)
		actors = append(actors, e.Actor)
	}
	assert.Equal(t, []string{"tester", "system:test"}, actors)
}

func TestLoadPolicies(t *testing.T) {
	s := testSettings(t)
	cfg, err := LoadPolicies(s)
	require.NoError(t, err)
	assert.Len(t, cfg.Policies, 12)

	custom := filepath.Join(s.Workspace, "custom.yml")
	require.NoError(t, os.WriteFile(custom, []byte(`policies:
  - {kind: task, severity: low, at_risk_window: 1h, escalation_chain: [a, b], max_level: 1}
`), 0o644))
	s.PolicyFile = custom
	cfg, err = LoadPolicies(s)
	require.NoError(t, err)
	assert.Len(t, cfg.Policies, 1)

	s.PolicyFile = filepath.Join(s.Workspace, "nope.yml")
	_, err = LoadPolicies(s)
	assert.Error(t, err)
}

func TestUnknownChannelFailsOpen(t *testing.T) {
	s := testSettings(t)
	s.Dispatch.Channels = []string{"carrier-pigeon"}
	_, err := Open(context.Background(), s, Options{Dispatch: true})
	assert.Error(t, err)
}
