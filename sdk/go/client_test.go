package duelinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dueline/internal/config"
	"dueline/internal/db"
	"dueline/internal/engine"
	"dueline/internal/migrate"
	"dueline/internal/server"
	duelinesdk "dueline/sdk/go"
)

func newClient(t *testing.T) *duelinesdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn)
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine: engine.New(conn, config.Default()),
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret"},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.SignToken("sdk-secret", "sdk-user", time.Hour)
	require.NoError(t, err)
	c := duelinesdk.New(srv.URL)
	c.BearerToken = token
	return c
}

func TestClientRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(30 * time.Minute).Truncate(time.Second)

	it, err := c.CreateItem(ctx, duelinesdk.CreateItem{ID: "inc-7", Kind: "incident", Severity: "high", DueAt: due})
	require.NoError(t, err)
	assert.Equal(t, "new", it.Status)
	assert.Equal(t, int64(1), it.Version)

	it, err = c.Transition(ctx, it.ID, "assigned", it.Version)
	require.NoError(t, err)
	it, err = c.Reassign(ctx, it.ID, "oncall-b", it.Version)
	require.NoError(t, err)
	assert.Equal(t, "oncall-b", it.Owner)

	st, err := c.Status(ctx, it.ID, due.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "breached", st.SLAStatus)

	exc, err := c.RequestException(ctx, it.ID, duelinesdk.ExceptionRequest{
		Reason: "waiting on vendor", ValidFrom: due, ValidTo: due.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = c.DecideException(ctx, exc.ID, true)
	require.NoError(t, err)

	st, err = c.Status(ctx, it.ID, due.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "exempt", st.SLAStatus)

	trail, err := c.Audit(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, trail, 5)
	assert.Equal(t, "sdk-user", trail[0].Actor)
	assert.Equal(t, "exception_approved", trail[4].Action)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	it, err := c.CreateItem(ctx, duelinesdk.CreateItem{Kind: "task", Severity: "low", DueAt: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)

	_, err = c.Transition(ctx, it.ID, "assigned", 7)
	var apiErr *duelinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "version_conflict", apiErr.Code)

	_, err = c.GetItem(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
