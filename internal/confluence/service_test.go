package confluence

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

type recordingSink struct {
	errs []error
	tags []string
}

func (r *recordingSink) Report(err error, _, tag string) {
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tag)
}

func newTestService(baseURL, parentID string) (*Service, *recordingSink) {
	resolver := tenant.StaticResolver{
		tenant.ServiceConfluence: {
			BaseURL:          baseURL,
			Identity:         "bot@example.com",
			Secret:           "tok",
			DefaultTenantKey: "DOCS",
			DefaultParentID:  parentID,
		},
	}
	sink := &recordingSink{}
	exec := rest.NewExecutor(rest.ExecutorConfig{BaseBackoff: time.Millisecond}, nil)
	return NewService(resolver, exec, sink), sink
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method, path string
		shape        rest.Shape
		id           string
	}{
		{"GET", "/rest/api/content/search", rest.ShapeSearch, ""},
		{"GET", "/rest/api/search", rest.ShapeSearch, ""},
		{"POST", "/rest/api/content", rest.ShapeCreate, ""},
		{"GET", "/rest/api/content", rest.ShapeList, ""},
		{"PUT", "/rest/api/content/12345", rest.ShapeByID, "12345"},
		{"DELETE", "/rest/api/content/12345", rest.ShapeByID, "12345"},
		{"GET", "/rest/api/content/12345/child/page", rest.ShapeByID, "12345"},
		{"GET", "/rest/api/space", rest.ShapeOther, ""},
	}
	for _, tt := range tests {
		shape, id := Classify(rest.Descriptor{Method: tt.method, Path: tt.path})
		assert.Equal(t, tt.shape, shape, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.id, id)
	}
}

func TestExecute_SearchRewrittenToCanonicalEndpoint(t *testing.T) {
	var gotPath, gotCQL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCQL = r.URL.Query().Get("cql")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "GET",
		Path:   "/rest/api/search",
		Query:  map[string]string{"cql": "type = page"},
	})
	require.True(t, env.OK)
	assert.Equal(t, "/rest/api/content/search", gotPath)
	assert.Equal(t, "space = DOCS AND (type = page)", gotCQL)
}

func TestExecute_CreateInjectsDefaults(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "777")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "POST",
		Path:   "/rest/api/content",
		Body:   json.RawMessage(`{"title":"Notes","space":{"key":"OTHER"},"body":{"storage":{"value":"plain text"}}}`),
	})
	require.True(t, env.OK)
	assert.Equal(t, "DOCS", gjson.GetBytes(gotBody, "space.key").String(), "space key is overwritten, not merely filled")
	assert.Equal(t, "page", gjson.GetBytes(gotBody, "type").String())
	assert.Equal(t, "777", gjson.GetBytes(gotBody, "ancestors.0.id").String())
	assert.Equal(t, "<p>plain text</p>", gjson.GetBytes(gotBody, "body.storage.value").String())
	assert.Equal(t, "storage", gjson.GetBytes(gotBody, "body.storage.representation").String())
}

func TestExecute_CreateKeepsExistingMarkupAndParent(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "777")
	body := `{"title":"N","ancestors":[{"id":"42"}],"body":{"storage":{"value":"<h1>Hi</h1>","representation":"storage"}}}`
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "POST",
		Path:   "/rest/api/content",
		Body:   json.RawMessage(body),
	})
	require.True(t, env.OK)
	assert.Equal(t, "42", gjson.GetBytes(gotBody, "ancestors.0.id").String(), "existing parent is kept")
	assert.Equal(t, "<h1>Hi</h1>", gjson.GetBytes(gotBody, "body.storage.value").String())
}

func TestExecute_CreateInjectionDisabledViaMeta(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	off := false
	svc, _ := newTestService(upstream.URL, "777")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "POST",
		Path:   "/rest/api/content",
		Body:   json.RawMessage(`{"title":"N","space":{"key":"OTHER"}}`),
		Meta:   rest.Meta{InjectDefaultTenant: &off, InjectDefaultParent: &off},
	})
	require.True(t, env.OK)
	assert.Equal(t, "OTHER", gjson.GetBytes(gotBody, "space.key").String())
	assert.False(t, gjson.GetBytes(gotBody, "ancestors").Exists())
}

func TestExecute_ListScopedToSpace(t *testing.T) {
	var gotSpaceKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSpaceKey = r.URL.Query().Get("spaceKey")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "GET",
		Path:   "/rest/api/content",
		Query:  map[string]string{"spaceKey": "OTHER"},
	})
	require.True(t, env.OK)
	assert.Equal(t, "DOCS", gotSpaceKey)
}

func TestExecute_ForbiddenTenantBlocksPrimaryCall(t *testing.T) {
	var primaryCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/content/999", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"999","space":{"key":"OTHER"}}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryCalls, 1)
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	svc, sink := newTestService(upstream.URL, "")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "PUT",
		Path:   "/rest/api/content/999",
		Body:   json.RawMessage(`{"title":"x"}`),
	})
	require.False(t, env.OK)
	assert.Equal(t, rest.CodeForbiddenTenant, env.Code)
	assert.Contains(t, env.Message, "OTHER")
	assert.Contains(t, env.Message, "DOCS")
	require.Len(t, sink.errs, 1)
	var fe *rest.ForbiddenTenantError
	require.ErrorAs(t, sink.errs[0], &fe)
	assert.Equal(t, "DOCS", fe.Expected)
	assert.Equal(t, "OTHER", fe.Got)
	assert.Equal(t, "999", fe.ResourceID)
	// Only the verification lookup reached the server.
	assert.EqualValues(t, 0, atomic.LoadInt32(&primaryCalls), "primary call must never be attempted")
}

func TestExecute_MatchingTenantProceeds(t *testing.T) {
	var primaryCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/content/42", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"42","space":{"key":"docs"}}`)) // case-insensitive match
	})
	mux.HandleFunc("PUT /rest/api/content/42", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryCalls, 1)
		_, _ = w.Write([]byte(`{"id":"42"}`))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "PUT",
		Path:   "/rest/api/content/42",
		Body:   json.RawMessage(`{"title":"x"}`),
	})
	require.True(t, env.OK)
	assert.EqualValues(t, 1, atomic.LoadInt32(&primaryCalls))
}

func TestExecute_LookupFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "DELETE",
		Path:   "/rest/api/content/7",
	})
	require.False(t, env.OK)
	assert.Equal(t, rest.CodeLookupFailed, env.Code)
	assert.Equal(t, http.StatusBadGateway, env.Status)
}

func TestExecute_CrossTenantSkipsEnforcement(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "PUT",
		Path:   "/rest/api/content/999",
		Body:   json.RawMessage(`{"title":"x"}`),
		Meta:   rest.Meta{AllowCrossTenant: true},
	})
	require.True(t, env.OK)
	assert.Equal(t, "/rest/api/content/999", gotPath, "no verification lookup, straight to the primary call")
}

func TestExecute_NoCredentialsIsConfigError(t *testing.T) {
	exec := rest.NewExecutor(rest.ExecutorConfig{}, nil)
	svc := NewService(tenant.StaticResolver{}, exec, nil)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{Method: "GET", Path: "/rest/api/content"})
	require.False(t, env.OK)
	assert.Equal(t, rest.CodeConfig, env.Code)
}

func TestExecute_InvalidDescriptorNoRemoteCall(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL, "")
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{Method: "GET"})
	require.False(t, env.OK)
	assert.Equal(t, rest.CodeValidation, env.Code)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}
