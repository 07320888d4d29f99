package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapguard/guardrail/pkg/api"
	"github.com/zapguard/guardrail/pkg/config"
	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/intent"
)

// liteEnv points the process at a fresh lite-mode data directory.
func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for k, v := range map[string]string{
		"DATA_DIR":           dir,
		"DATABASE_URL":       "",
		"REDIS_ADDR":         "",
		"BRIDGE_URL":         "",
		"OTEL_ENABLED":       "",
		"MEDIA_STORAGE_TYPE": "",
		"POLICY_FILE":        "",
		"WARMUP_PACK":        "",
		"JWT_SECRET":         "",
	} {
		t.Setenv(k, v)
	}
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "zapguard "+version)
}

func TestToken(t *testing.T) {
	liteEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	out, err := run(t, "token", "--org", "org-1")
	require.NoError(t, err)

	claims, err := api.ParseToken([]byte("s3cret"), string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, "org-1", claims.OrganizationID)

	_, err = run(t, "token")
	assert.Error(t, err)
}

func TestSweep_LiteMode(t *testing.T) {
	liteEnv(t)
	out, err := run(t, "sweep")
	require.NoError(t, err)
	for _, name := range []string{"health_sweep", "intent_sweep", "job_runner", "followup_sweep", "warm_up"} {
		assert.Contains(t, out, name)
	}
}

func TestGate_RequiresOrg(t *testing.T) {
	liteEnv(t)
	_, err := run(t, "gate")
	assert.Error(t, err)

	out, err := run(t, "gate", "--org", "org-1")
	require.NoError(t, err)
	assert.Contains(t, out, "NO_INSTANCE")
}

func TestBadPolicyFails(t *testing.T) {
	liteEnv(t)
	_, err := run(t, "--policy", filepath.Join(t.TempDir(), "missing.yaml"), "sweep")
	assert.Error(t, err)
}

// TestLiteMode_EndToEnd drives the wired app over SQLite: provision, connect,
// evaluate, decide, dispatch.
func TestLiteMode_EndToEnd(t *testing.T) {
	liteEnv(t)
	ctx := context.Background()
	cfg := config.Load()
	require.True(t, cfg.LiteMode())

	a, err := buildApp(ctx, cfg, config.DefaultPolicy())
	require.NoError(t, err)
	defer a.close(ctx)
	h := a.apiServer(cfg).Handler()

	call := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set(api.OrganizationHeader, "org-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/api/v1/instances", map[string]string{
		"display_name": "Sales", "phone": "+5511999998888", "engine": "TURBOZAP", "purpose": "DISPATCH",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view instance.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))

	for _, ev := range []string{"CONNECT", "CONNECTED"} {
		rec = call(http.MethodPost, "/api/v1/instances/"+view.ID+"/connection", map[string]string{"event": ev})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = call(http.MethodPost, "/api/v1/instances/"+view.ID+"/evaluate", map[string]any{"signals": health.Signals{}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(http.MethodPost, "/api/v1/intents", map[string]any{
		"purpose": "DISPATCH",
		"type":    "TEXT",
		"target":  map[string]string{"kind": "PHONE", "value": "+5511988887777"},
		"payload": map[string]string{"text": "Olá!"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m intent.MessageIntent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, intent.StatusApproved, m.Status, m.BlockedReason+m.QueuedReason)

	counts, err := a.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["job_runner"])

	got, err := a.pipeline.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusSent, got.Status)

	view2, err := a.pipeline.Timeline(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, view2.Job)
	assert.NotEmpty(t, view2.Events)
}
