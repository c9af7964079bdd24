package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/confluence"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/jira"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/policy"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

func testRegistry() *Registry {
	reg := &Registry{
		Callers: []Caller{
			{Name: "chat-bot", APIKey: "key-chat", ChannelID: "chan-1"},
			{Name: "reporting-bot", APIKey: "key-report", ChannelID: "chan-2", CrossTenant: true},
			{Name: "admin-tool", APIKey: "key-admin", ChannelID: "chan-3", CrossTenant: true, CrossTenantWrite: true},
		},
	}
	reg.ApplyDefaults()
	return reg
}

func testServer(t *testing.T, upstream string) *Server {
	t.Helper()
	resolver := tenant.StaticResolver{
		tenant.ServiceConfluence: {BaseURL: upstream, Identity: "bot", Secret: "s", DefaultTenantKey: "DOCS"},
		tenant.ServiceJira:       {BaseURL: upstream, Identity: "bot", Secret: "s", DefaultTenantKey: "ENG"},
	}
	exec := rest.NewExecutor(rest.ExecutorConfig{}, nil)
	eng, err := policy.NewEngine(context.Background(), "")
	require.NoError(t, err)
	return NewServer(
		testRegistry(),
		eng,
		confluence.NewService(resolver, exec, nil),
		jira.NewService(resolver, exec, nil),
	)
}

func postExecute(t *testing.T, h http.Handler, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := testServer(t, "https://example.invalid").Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestExecute_RequiresAPIKey(t *testing.T) {
	h := testServer(t, "https://example.invalid").Routes()

	rec := postExecute(t, h, "/v1/jira/execute", "", `{"method":"GET","path":"/rest/api/2/myself"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postExecute(t, h, "/v1/jira/execute", "wrong-key", `{"method":"GET","path":"/rest/api/2/myself"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecute_InvalidJSON(t *testing.T) {
	h := testServer(t, "https://example.invalid").Routes()

	rec := postExecute(t, h, "/v1/confluence/execute", "key-chat", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestExecute_ProxiesToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"atlasgate"}`))
	}))
	defer upstream.Close()

	h := testServer(t, upstream.URL).Routes()
	rec := postExecute(t, h, "/v1/jira/execute", "key-chat", `{"method":"GET","path":"/rest/api/2/myself"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var env rest.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.OK)
	assert.Equal(t, http.StatusOK, env.Status)
}

func TestExecute_PipelineFailureStillAnswers200(t *testing.T) {
	// Unresolvable host: the envelope carries the failure, HTTP layer stays 200.
	h := testServer(t, "http://127.0.0.1:1").Routes()
	rec := postExecute(t, h, "/v1/jira/execute", "key-chat", `{"method":"GET","path":"/rest/api/2/myself"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var env rest.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.OK)
	assert.Equal(t, rest.CodeTransport, env.Code)
}

func TestExecute_CrossTenantDeniedForUngrantedCaller(t *testing.T) {
	upstreamCalls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
	}))
	defer upstream.Close()

	h := testServer(t, upstream.URL).Routes()
	body := `{"method":"GET","path":"/rest/api/2/issue/OTHER-1","meta":{"allowCrossTenant":true}}`
	rec := postExecute(t, h, "/v1/jira/execute", "key-chat", body)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "cross_tenant_denied")
	assert.Zero(t, upstreamCalls)
}

func TestExecute_CrossTenantReadAllowedForGrantedCaller(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":"OTHER-1"}`))
	}))
	defer upstream.Close()

	h := testServer(t, upstream.URL).Routes()
	body := `{"method":"GET","path":"/rest/api/2/issue/OTHER-1","meta":{"allowCrossTenant":true}}`
	rec := postExecute(t, h, "/v1/jira/execute", "key-report", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var env rest.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.OK)
}

func TestExecute_CrossTenantWriteNeedsWriteGrant(t *testing.T) {
	h := testServer(t, "https://example.invalid").Routes()
	body := `{"method":"PUT","path":"/rest/api/2/issue/OTHER-1","body":{"fields":{"summary":"x"}},"meta":{"allowCrossTenant":true}}`

	rec := postExecute(t, h, "/v1/jira/execute", "key-report", body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "cross-tenant reads")
}

func TestRateLimit(t *testing.T) {
	srv := NewServerForRateLimitTest(t)
	h := srv.Routes()

	rec := postExecute(t, h, "/v1/jira/execute", "key-chat", `{"method":"GET","path":"/rest/api/2/myself"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postExecute(t, h, "/v1/jira/execute", "key-chat", `{"method":"GET","path":"/rest/api/2/myself"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	// One token per minute and the bucket just drained, so the hint is the
	// full refill interval.
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

// NewServerForRateLimitTest builds a server whose per-caller bucket holds a
// single token, backed by an always-200 upstream.
func NewServerForRateLimitTest(t *testing.T) *Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(upstream.Close)

	resolver := tenant.StaticResolver{
		tenant.ServiceJira: {BaseURL: upstream.URL, Identity: "bot", Secret: "s", DefaultTenantKey: "ENG"},
	}
	exec := rest.NewExecutor(rest.ExecutorConfig{}, nil)
	eng, err := policy.NewEngine(context.Background(), "")
	require.NoError(t, err)
	return NewServer(
		testRegistry(),
		eng,
		confluence.NewService(resolver, exec, nil),
		jira.NewService(resolver, exec, nil),
		WithRateLimiter(NewRateLimiter(1000, 1)),
	)
}
