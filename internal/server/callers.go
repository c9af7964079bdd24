// Package server provides the HTTP surface: caller auth, rate limiting,
// and the execute endpoints for the wiki and issue-tracker services.
package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrCallerNotFound   = errors.New("caller not found")
	ErrCallerIDRequired = errors.New("caller identification required")
)

// Caller identifies an application or team allowed to use the API.
type Caller struct {
	Name      string `yaml:"name" json:"name"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	ChannelID string `yaml:"channel_id" json:"channel_id"`
	Team      string `yaml:"team,omitempty" json:"team,omitempty"`
	// CrossTenant grants the meta.allowCrossTenant escape; CrossTenantWrite
	// extends the grant to mutating methods. Both feed the policy engine.
	CrossTenant      bool `yaml:"cross_tenant,omitempty" json:"cross_tenant,omitempty"`
	CrossTenantWrite bool `yaml:"cross_tenant_write,omitempty" json:"cross_tenant_write,omitempty"`
}

// RateLimits holds request rate limits.
type RateLimits struct {
	GlobalRequestsPerMin    int `yaml:"global_requests_per_min" json:"global_requests_per_min"`
	PerCallerRequestsPerMin int `yaml:"per_caller_requests_per_min" json:"per_caller_requests_per_min"`
}

// Registry is the caller registry loaded from YAML.
type Registry struct {
	Callers    []Caller   `yaml:"callers" json:"callers"`
	RateLimits RateLimits `yaml:"rate_limits" json:"rate_limits"`
}

// Default rate limit values.
const (
	DefaultGlobalRPM    = 300
	DefaultPerCallerRPM = 60
)

// LoadRegistry loads the caller registry from a YAML file. A top-level
// "callers" list is required; rate limits default when absent.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading caller registry %s: %w", path, err)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing caller registry: %w", err)
	}
	reg.ApplyDefaults()
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// ApplyDefaults sets default values for missing fields.
func (r *Registry) ApplyDefaults() {
	if r.Callers == nil {
		r.Callers = []Caller{}
	}
	if r.RateLimits.GlobalRequestsPerMin == 0 {
		r.RateLimits.GlobalRequestsPerMin = DefaultGlobalRPM
	}
	if r.RateLimits.PerCallerRequestsPerMin == 0 {
		r.RateLimits.PerCallerRequestsPerMin = DefaultPerCallerRPM
	}
}

// Validate checks that the registry is usable.
func (r *Registry) Validate() error {
	seen := make(map[string]struct{}, len(r.Callers))
	for i := range r.Callers {
		c := &r.Callers[i]
		if c.Name == "" {
			return fmt.Errorf("caller at index %d: name is required", i)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("caller %q: duplicate name", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.APIKey == "" {
			return fmt.Errorf("caller %q: api_key is required", c.Name)
		}
		if c.ChannelID == "" {
			return fmt.Errorf("caller %q: channel_id is required", c.Name)
		}
	}
	return nil
}

// ResolveCaller identifies the caller from the request API key using a
// timing-safe comparison. Every configured key is compared so lookup time
// does not depend on match position.
func (r *Registry) ResolveCaller(req *http.Request) (*Caller, error) {
	apiKey := extractAPIKey(req)
	if apiKey == "" {
		return nil, ErrCallerIDRequired
	}
	var match *Caller
	for i := range r.Callers {
		c := &r.Callers[i]
		if subtle.ConstantTimeCompare([]byte(c.APIKey), []byte(apiKey)) == 1 && match == nil {
			match = c
		}
	}
	if match == nil {
		return nil, ErrCallerNotFound
	}
	return match, nil
}

// CallerByName returns the caller config by name.
func (r *Registry) CallerByName(name string) *Caller {
	for i := range r.Callers {
		if r.Callers[i].Name == name {
			return &r.Callers[i]
		}
	}
	return nil
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	return ""
}
