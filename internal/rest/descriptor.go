// Package rest implements the generic request pipeline shared by both
// Atlassian integrations: the request descriptor, the resilient executor
// with bounded retry and multipart assembly, and the response envelope.
package rest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Meta carries per-request escape hatches. Injection flags default to
// enabled when absent.
type Meta struct {
	AllowCrossTenant    bool  `json:"allowCrossTenant,omitempty"`
	InjectDefaultTenant *bool `json:"injectDefaultTenant,omitempty"`
	InjectDefaultParent *bool `json:"injectDefaultParent,omitempty"`
}

// TenantInjectionEnabled reports whether the default tenant key may be set
// on creation requests. Unset means enabled.
func (m Meta) TenantInjectionEnabled() bool {
	return m.InjectDefaultTenant == nil || *m.InjectDefaultTenant
}

// ParentInjectionEnabled reports whether the default parent reference may be
// set on creation requests. Unset means enabled.
func (m Meta) ParentInjectionEnabled() bool {
	return m.InjectDefaultParent == nil || *m.InjectDefaultParent
}

// FileSpec names one attachment to fetch and append to a multipart body.
type FileSpec struct {
	URL      string `json:"url" validate:"required,url"`
	Name     string `json:"name,omitempty"`
	Field    string `json:"field,omitempty"` // multipart field name, default "file"
	MimeType string `json:"mimeType,omitempty"`
}

// Descriptor is the unit of work submitted by the calling agent. Descriptors
// are immutable inputs: every transformation stage works on a Clone and the
// caller's value is never mutated.
type Descriptor struct {
	Method       string            `json:"method" validate:"required"`
	Path         string            `json:"path,omitempty"`
	URL          string            `json:"url,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ResponseType string            `json:"responseType,omitempty" validate:"omitempty,oneof=json text binary"`
	TimeoutMS    int               `json:"timeoutMs,omitempty" validate:"omitempty,gte=0"`
	Multipart    bool              `json:"multipart,omitempty"`
	Form         map[string]string `json:"form,omitempty"`
	Files        []FileSpec        `json:"files,omitempty"`
	Meta         Meta              `json:"meta,omitempty"`
}

// Validate checks the descriptor before any remote call is attempted.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	if d.Path == "" && d.URL == "" {
		return &ValidationError{Msg: "descriptor requires path or url"}
	}
	switch strings.ToUpper(d.Method) {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	default:
		return &ValidationError{Msg: fmt.Sprintf("unsupported method %q", d.Method)}
	}
	if d.Multipart && len(d.Files) == 0 && len(d.Form) == 0 {
		return &ValidationError{Msg: "multipart request has no files or form fields"}
	}
	return nil
}

// Clone returns a deep copy. Transformation stages derive new descriptors
// from the copy so concurrent calls never share state.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Query = cloneMap(d.Query)
	out.Headers = cloneMap(d.Headers)
	out.Form = cloneMap(d.Form)
	if d.Body != nil {
		out.Body = append(json.RawMessage(nil), d.Body...)
	}
	if d.Files != nil {
		out.Files = append([]FileSpec(nil), d.Files...)
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Shape is the classified form of a request, produced once per call by the
// integration's classifier so enforcement and rewriting switch on a typed
// tag instead of re-matching path patterns.
type Shape int

const (
	ShapeOther Shape = iota
	ShapeSearch
	ShapeCreate
	ShapeList
	ShapeByID
	ShapeTransition
)

// String returns the shape name for logs.
func (s Shape) String() string {
	switch s {
	case ShapeSearch:
		return "search"
	case ShapeCreate:
		return "create"
	case ShapeList:
		return "list"
	case ShapeByID:
		return "by_id"
	case ShapeTransition:
		return "transition"
	default:
		return "other"
	}
}
