package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tenantdb/internal/config"
	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/server"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.Database.Driver = "sqlite"
	cfg.Database.DefaultURL = fmt.Sprintf("file:srv_%s?mode=memory", uuid.NewString())
	cfg.ControlPlane.APIKey = ""
	cfg.Redis.Addr = ""
	cfg.Session.JWTSecret = "test-secret"
	cfg.Server.BootstrapToken = "boot"
	cfg.Server.RateLimitRPS = 0
	cfg.Embedding.Dimension = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func post(t *testing.T, url, token string, body interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Less(t, resp.StatusCode, 300, "POST %s", url)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestBuild_LocalModeServesSharedDatabase(t *testing.T) {
	cfg := localConfig(t)
	deps, cleanup, err := build(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	assert.Nil(t, deps.Provisioner)

	srv := httptest.NewServer(server.NewHandler(cfg, deps))
	t.Cleanup(srv.Close)

	sess := post(t, srv.URL+"/api/v1/sessions", "boot", map[string]interface{}{"user_id": "alice", "is_admin": true})
	assert.Equal(t, true, sess["degraded"])
	token := sess["token"].(string)

	ingest := post(t, srv.URL+"/api/v1/documents", token, map[string]interface{}{
		"file_name": "notes.txt",
		"chunks": []map[string]interface{}{
			{"content": "Tenant databases are created lazily", "embedding": []float32{0.1, 0.2}},
		},
	})
	assert.Equal(t, float64(1), ingest["indexed"])

	found := post(t, srv.URL+"/api/v1/search", token, map[string]interface{}{"query": "LAZILY", "mode": "text"})
	assert.Len(t, found["results"], 1)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/schema/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, true, status["ok"])
	assert.Equal(t, "default", status["source"])
}

func TestBuild_UnreachableRedisFails(t *testing.T) {
	cfg := localConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"
	_, _, err := build(context.Background(), cfg, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}
