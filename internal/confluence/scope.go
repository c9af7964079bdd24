package confluence

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
// returns the transformed descriptor. The caller has already handled the
// cross-tenant escape hatch.
func (s *Service) enforce(ctx context.Context, creds *tenant.Credentials, d rest.Descriptor, shape rest.Shape, contentID string) (rest.Descriptor, error) {
	switch shape {
	case rest.ShapeSearch:
		return s.rewriteSearch(d, creds), nil
	case rest.ShapeCreate:
		return s.injectCreateDefaults(d, creds)
	case rest.ShapeList:
		if d.Query == nil {
			d.Query = map[string]string{}
		}
		d.Query["spaceKey"] = creds.DefaultTenantKey
		return d, nil
	case rest.ShapeByID:
		if err := s.verifyScope(ctx, creds, contentID); err != nil {
			return d, err
		}
		return d, nil
	default:
		return d, nil
	}
}

// rewriteSearch normalizes any search-shaped request onto the canonical
// search endpoint with a space-scoped CQL string.
func (s *Service) rewriteSearch(d rest.Descriptor, creds *tenant.Credentials) rest.Descriptor {
	d.Path = searchPath
	d.URL = ""
	if d.Query == nil {
		d.Query = map[string]string{}
	}
	d.Query["cql"] = s.rewriter.Rewrite(d.Query["cql"], creds.DefaultTenantKey)
	return d
}

// injectCreateDefaults fills the tenant and parent identifiers on a page
// creation body. The space key is overwritten unconditionally: the
// restriction holds regardless of what the caller supplied. The parent is
// only filled when absent. Bare text content is wrapped in minimal storage
// markup so simple payloads are well-formed.
func (s *Service) injectCreateDefaults(d rest.Descriptor, creds *tenant.Credentials) (rest.Descriptor, error) {
	body := []byte(d.Body)
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	var err error

	if d.Meta.TenantInjectionEnabled() {
		if body, err = sjson.SetBytes(body, "space.key", creds.DefaultTenantKey); err != nil {
			return d, &rest.ValidationError{Msg: "create body is not a JSON object"}
		}
	}
	if !gjson.GetBytes(body, "type").Exists() {
		body, _ = sjson.SetBytes(body, "type", "page")
	}
	if creds.DefaultParentID != "" && d.Meta.ParentInjectionEnabled() && !gjson.GetBytes(body, "ancestors").Exists() {
		body, _ = sjson.SetRawBytes(body, "ancestors", []byte(`[{"id":"`+creds.DefaultParentID+`"}]`))
	}

	if v := gjson.GetBytes(body, "body.storage.value"); v.Exists() && v.Type == gjson.String {
		if !strings.Contains(v.String(), "<") {
			body, _ = sjson.SetBytes(body, "body.storage.value", "<p>"+v.String()+"</p>")
		}
		if !gjson.GetBytes(body, "body.storage.representation").Exists() {
			body, _ = sjson.SetBytes(body, "body.storage.representation", "storage")
		}
	}

	d.Body = body
	return d, nil
}

// verifyScope fetches the referenced content expanding only its space and
// checks the space key against the configured tenant. Runs strictly before
// the primary call; the primary call never proceeds on failure.
func (s *Service) verifyScope(ctx context.Context, creds *tenant.Credentials, contentID string) error {
	lookupURL := rest.BuildURL(creds.BaseURL, "/rest/api/content/"+contentID, "", map[string]string{"expand": "space"})

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(lookupCtx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return &rest.LookupError{ResourceID: contentID, Err: err}
	}
	req.Header.Set("Authorization", creds.BasicAuth())
	req.Header.Set("Accept", "application/json")

	resp, err := s.lookup.Do(req)
	if err != nil {
		return &rest.LookupError{ResourceID: contentID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &rest.LookupError{ResourceID: contentID, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &rest.LookupError{ResourceID: contentID, Err: err}
	}

	spaceKey := gjson.GetBytes(body, "space.key").String()
	if spaceKey == "" {
		return &rest.LookupError{ResourceID: contentID, Status: resp.StatusCode}
	}
	if !strings.EqualFold(spaceKey, creds.DefaultTenantKey) {
		return &rest.ForbiddenTenantError{Expected: creds.DefaultTenantKey, Got: spaceKey, ResourceID: contentID}
	}
	return nil
}
