// Package tenant defines the per-channel credential context that scopes
// every outbound Atlassian call to one space or project.
package tenant

import (
	"context"
	"encoding/base64"
	"errors"
)

// Service names a remote integration for credential resolution.
type Service string

const (
	ServiceConfluence Service = "confluence"
	ServiceJira       Service = "jira"
)

// ErrNotConfigured is returned when no credentials exist for a channel/service pair.
var ErrNotConfigured = errors.New("no credentials configured for channel")

// Credentials holds the resolved connection context for one invocation.
// Resolved fresh on every call, never cached across calls, read-only.
type Credentials struct {
	BaseURL          string `json:"base_url"`
	Identity         string `json:"identity"`
	Secret           string `json:"secret"`
	DefaultTenantKey string `json:"default_tenant_key"` // space key or project key
	DefaultParentID  string `json:"default_parent_id,omitempty"`
}

// BasicAuth returns the value for the Authorization header. The gateway
// always overwrites any caller-supplied Authorization with this.
func (c *Credentials) BasicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Identity+":"+c.Secret))
}

// Resolver looks up credentials for a caller context. Implementations are
// injected into the service layer; there is no package-level default.
type Resolver interface {
	Resolve(ctx context.Context, channelID string, service Service) (*Credentials, error)
}

// StaticResolver serves a fixed credential set for every channel. Used in
// single-tenant deployments and tests.
type StaticResolver map[Service]*Credentials

// Resolve returns the static credentials for the service, or ErrNotConfigured.
func (r StaticResolver) Resolve(_ context.Context, _ string, service Service) (*Credentials, error) {
	c, ok := r[service]
	if !ok || c == nil {
		return nil, ErrNotConfigured
	}
	return c, nil
}
