package jira

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

// enforce applies the tenant restriction for one classified request and
// returns the transformed descriptor.
func (s *Service) enforce(ctx context.Context, creds *tenant.Credentials, d rest.Descriptor, shape rest.Shape, issueKey string) (rest.Descriptor, error) {
	switch shape {
	case rest.ShapeSearch:
		return s.rewriteSearch(d, creds)
	case rest.ShapeCreate:
		return s.injectCreateDefaults(d, creds)
	case rest.ShapeByID, rest.ShapeTransition:
		if err := s.verifyScope(ctx, creds, issueKey); err != nil {
			return d, err
		}
		return d, nil
	default:
		return d, nil
	}
}

// rewriteSearch normalizes any search-shaped request onto the canonical
// search endpoint, preserving the caller's verb: query parameters for a
// read-style call, a JSON body for a write-style call.
func (s *Service) rewriteSearch(d rest.Descriptor, creds *tenant.Credentials) (rest.Descriptor, error) {
	d.Path = searchPath
	d.URL = ""
	if strings.ToUpper(d.Method) == "POST" {
		raw := gjson.GetBytes(d.Body, "jql").String()
		body := []byte(d.Body)
		if len(body) == 0 {
			body = []byte(`{}`)
		}
		body, err := sjson.SetBytes(body, "jql", s.rewriter.Rewrite(raw, creds.DefaultTenantKey))
		if err != nil {
			return d, &rest.ValidationError{Msg: "search body is not a JSON object"}
		}
		d.Body = body
		return d, nil
	}
	if d.Query == nil {
		d.Query = map[string]string{}
	}
	d.Query["jql"] = s.rewriter.Rewrite(d.Query["jql"], creds.DefaultTenantKey)
	return d, nil
}

// injectCreateDefaults sets the project on an issue creation body. The
// project key is overwritten unconditionally unless injection is disabled
// via the meta flag.
func (s *Service) injectCreateDefaults(d rest.Descriptor, creds *tenant.Credentials) (rest.Descriptor, error) {
	if !d.Meta.TenantInjectionEnabled() {
		return d, nil
	}
	body := []byte(d.Body)
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	body, err := sjson.SetBytes(body, "fields.project.key", creds.DefaultTenantKey)
	if err != nil {
		return d, &rest.ValidationError{Msg: "create body is not a JSON object"}
	}
	d.Body = body
	return d, nil
}

// verifyScope fetches the referenced issue selecting only its project and
// checks the project key against the configured tenant. The primary call
// never proceeds on failure.
func (s *Service) verifyScope(ctx context.Context, creds *tenant.Credentials, issueKey string) error {
	lookupURL := rest.BuildURL(creds.BaseURL, issuePath+"/"+issueKey, "", map[string]string{"fields": "project"})

	body, status, err := s.lookupJSON(ctx, creds, lookupURL)
	if err != nil {
		return &rest.LookupError{ResourceID: issueKey, Err: err}
	}
	if status >= 300 {
		return &rest.LookupError{ResourceID: issueKey, Status: status}
	}

	projectKey := gjson.GetBytes(body, "fields.project.key").String()
	if projectKey == "" {
		return &rest.LookupError{ResourceID: issueKey, Status: status}
	}
	if !strings.EqualFold(projectKey, creds.DefaultTenantKey) {
		return &rest.ForbiddenTenantError{Expected: creds.DefaultTenantKey, Got: projectKey, ResourceID: issueKey}
	}
	return nil
}

// lookupJSON performs one authenticated GET on its own short timeout.
func (s *Service) lookupJSON(ctx context.Context, creds *tenant.Credentials, url string) ([]byte, int, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(lookupCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", creds.BasicAuth())
	req.Header.Set("Accept", "application/json")

	resp, err := s.lookup.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
