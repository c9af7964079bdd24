package jira

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

func newTestService(baseURL string) (*Service, *recordingSink) {
	resolver := tenant.StaticResolver{
		tenant.ServiceJira: {
			BaseURL:          baseURL,
			Identity:         "bot@example.com",
			Secret:           "tok",
			DefaultTenantKey: "ENG",
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
		key          string
	}{
		{"GET", "/rest/api/2/search", rest.ShapeSearch, ""},
		{"POST", "/rest/api/latest/search", rest.ShapeSearch, ""},
		{"POST", "/rest/api/2/issue", rest.ShapeCreate, ""},
		{"PUT", "/rest/api/2/issue/ENG-12", rest.ShapeByID, "ENG-12"},
		{"GET", "/rest/api/2/issue/10001", rest.ShapeByID, "10001"},
		{"GET", "/rest/api/2/issue/ENG-12/comment", rest.ShapeByID, "ENG-12"},
		{"POST", "/rest/api/2/issue/ENG-12/transitions", rest.ShapeTransition, "ENG-12"},
		{"GET", "/rest/api/2/project", rest.ShapeOther, ""},
	}
	for _, tt := range tests {
		shape, key := Classify(rest.Descriptor{Method: tt.method, Path: tt.path})
		assert.Equal(t, tt.shape, shape, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.key, key)
	}
}

func TestExecute_SearchCanonicalEndpointGET(t *testing.T) {
	var gotPath, gotJQL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotJQL = r.URL.Query().Get("jql")
		_, _ = w.Write([]byte(`{"issues":[]}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "GET",
		Path:   "/rest/api/latest/search",
		Query:  map[string]string{"jql": "status = Open"},
	})
	require.True(t, env.OK)
	assert.Equal(t, "/rest/api/2/search", gotPath, "legacy search endpoints are normalized")
	assert.Equal(t, "project = ENG AND (status = Open)", gotJQL)
}

func TestExecute_SearchCanonicalEndpointPOSTBody(t *testing.T) {
	var gotPath string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"issues":[]}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "POST",
		Path:   "/rest/api/2/search",
		Body:   json.RawMessage(`{"jql":"status = Open ORDER BY created DESC","maxResults":5}`),
	})
	require.True(t, env.OK)
	assert.Equal(t, "/rest/api/2/search", gotPath)
	assert.Equal(t, "project = ENG AND (status = Open) ORDER BY created DESC", gjson.GetBytes(gotBody, "jql").String())
	assert.EqualValues(t, 5, gjson.GetBytes(gotBody, "maxResults").Int(), "other body fields survive the rewrite")
}

func TestExecute_EmptySearchGetsDefaultOrdering(t *testing.T) {
	var gotJQL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotJQL = r.URL.Query().Get("jql")
		_, _ = w.Write([]byte(`{"issues":[]}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "GET",
		Path:   "/rest/api/2/search",
	})
	require.True(t, env.OK)
	assert.Equal(t, "project = ENG ORDER BY created DESC", gotJQL)
}

func TestExecute_CreateOverwritesProject(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"key":"ENG-77"}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "POST",
		Path:   "/rest/api/2/issue",
		Body:   json.RawMessage(`{"fields":{"project":{"key":"OPS"},"summary":"crash"}}`),
	})
	require.True(t, env.OK)
	assert.Equal(t, "ENG", gjson.GetBytes(gotBody, "fields.project.key").String())
	assert.Equal(t, "crash", gjson.GetBytes(gotBody, "fields.summary").String())
}

func issueServer(t *testing.T, projectKey string, transitions string, primary http.HandlerFunc, primaryCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/2/issue/ENG-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"key":"ENG-1","fields":{"project":{"key":"` + projectKey + `"}}}`))
	})
	mux.HandleFunc("GET /rest/api/2/issue/ENG-1/transitions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(transitions))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if primaryCalls != nil {
			atomic.AddInt32(primaryCalls, 1)
		}
		if primary != nil {
			primary(w, r)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	return httptest.NewServer(mux)
}

func TestExecute_ForbiddenTenantBlocksPrimaryCall(t *testing.T) {
	var primaryCalls int32
	upstream := issueServer(t, "OPS", `{"transitions":[]}`, nil, &primaryCalls)
	defer upstream.Close()

	svc, sink := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "PUT",
		Path:   "/rest/api/2/issue/ENG-1",
		Body:   json.RawMessage(`{"fields":{"summary":"x"}}`),
	})
	require.False(t, env.OK)
	assert.Equal(t, rest.CodeForbiddenTenant, env.Code)
	var fe *rest.ForbiddenTenantError
	require.Len(t, sink.errs, 1)
	require.ErrorAs(t, sink.errs[0], &fe)
	assert.Equal(t, "ENG", fe.Expected)
	assert.Equal(t, "OPS", fe.Got)
	assert.Equal(t, "ENG-1", fe.ResourceID)
	assert.EqualValues(t, 0, atomic.LoadInt32(&primaryCalls), "primary call must never be attempted")
}

func TestExecute_StatusUpdateInterceptedAsTransition(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody []byte
	var primaryCalls int32
	upstream := issueServer(t, "ENG",
		`{"transitions":[{"id":"11","name":"To Do"},{"id":"31","name":"Done"}]}`,
		func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotMethod = r.Method
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		}, &primaryCalls)
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "PUT",
		Path:   "/rest/api/2/issue/ENG-1",
		Body:   json.RawMessage(`{"fields":{"status":"done","assignee":{"name":"kim"}}}`),
	})
	require.True(t, env.OK)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/rest/api/2/issue/ENG-1/transitions", gotPath)
	assert.Equal(t, "31", gjson.GetBytes(gotBody, "transition.id").String())
	assert.False(t, gjson.GetBytes(gotBody, "fields.status").Exists(), "status must be stripped from the field set")
	assert.Equal(t, "kim", gjson.GetBytes(gotBody, "fields.assignee.name").String(), "remaining fields ride along")
}

func TestExecute_TransitionByNameResolved(t *testing.T) {
	var gotBody []byte
	upstream := issueServer(t, "ENG",
		`{"transitions":[{"id":"21","name":" In Progress "}]}`,
		func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		}, nil)
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "POST",
		Path:   "/rest/api/2/issue/ENG-1/transitions",
		Body:   json.RawMessage(`{"transition":{"name":"in progress"}}`),
	})
	require.True(t, env.OK)
	assert.Equal(t, "21", gjson.GetBytes(gotBody, "transition.id").String())
}

func TestExecute_TransitionByIDPassesThrough(t *testing.T) {
	var gotBody []byte
	upstream := issueServer(t, "ENG", `{"transitions":[]}`,
		func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		}, nil)
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "POST",
		Path:   "/rest/api/2/issue/ENG-1/transitions",
		Body:   json.RawMessage(`{"transition":{"id":"41"}}`),
	})
	require.True(t, env.OK)
	assert.Equal(t, "41", gjson.GetBytes(gotBody, "transition.id").String())
}

func TestExecute_TransitionNotFoundNoMutatingCall(t *testing.T) {
	var primaryCalls int32
	upstream := issueServer(t, "ENG",
		`{"transitions":[{"id":"11","name":"To Do"}]}`, nil, &primaryCalls)
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "PUT",
		Path:   "/rest/api/2/issue/ENG-1",
		Body:   json.RawMessage(`{"fields":{"status":"Shipped"}}`),
	})
	require.False(t, env.OK)
	assert.Equal(t, rest.CodeTransitionNotFound, env.Code)
	assert.Contains(t, env.Message, "Shipped")
	assert.Contains(t, env.Message, "ENG-1")
	assert.EqualValues(t, 0, atomic.LoadInt32(&primaryCalls), "no mutating call on unresolved transition")
}

func TestExecute_PlainUpdateWithoutStatusUntouched(t *testing.T) {
	var gotMethod, gotPath string
	var primaryCalls int32
	upstream := issueServer(t, "ENG", `{"transitions":[]}`,
		func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}, &primaryCalls)
	defer upstream.Close()

	svc, _ := newTestService(upstream.URL)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{
		Method: "PUT",
		Path:   "/rest/api/2/issue/ENG-1",
		Body:   json.RawMessage(`{"fields":{"summary":"new title"}}`),
	})
	require.True(t, env.OK)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/rest/api/2/issue/ENG-1", gotPath)
	assert.EqualValues(t, 1, atomic.LoadInt32(&primaryCalls))
}

func TestExecute_NoCredentialsIsConfigError(t *testing.T) {
	exec := rest.NewExecutor(rest.ExecutorConfig{}, nil)
	svc := NewService(tenant.StaticResolver{}, exec, nil)
	env := svc.Execute(context.Background(), "chan-1", rest.Descriptor{Method: "GET", Path: "/rest/api/2/search"})
	require.False(t, env.OK)
	assert.Equal(t, rest.CodeConfig, env.Code)
}
