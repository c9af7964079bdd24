package jira

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

// TransitionCandidate is one valid transition the remote workflow offers
// for an issue. The set of states is defined by the remote service per
// issue type, so resolution matches on names rather than a local enum.
type TransitionCandidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// listTransitions fetches the valid transitions for one issue.
func (s *Service) listTransitions(ctx context.Context, creds *tenant.Credentials, issueKey string) ([]TransitionCandidate, error) {
	url := rest.BuildURL(creds.BaseURL, issuePath+"/"+issueKey+"/transitions", "", nil)
	body, status, err := s.lookupJSON(ctx, creds, url)
	if err != nil {
		return nil, &rest.LookupError{ResourceID: issueKey, Err: err}
	}
	if status >= 300 {
		return nil, &rest.LookupError{ResourceID: issueKey, Status: status}
	}

	var out []TransitionCandidate
	for _, t := range gjson.GetBytes(body, "transitions").Array() {
		out = append(out, TransitionCandidate{
			ID:   t.Get("id").String(),
			Name: t.Get("name").String(),
		})
	}
	return out, nil
}

// resolveTransition maps a human-readable target state to the transition id
// the API requires: case-insensitive equality on trimmed names, first match
// wins.
func (s *Service) resolveTransition(ctx context.Context, creds *tenant.Credentials, issueKey, state string) (string, error) {
	candidates, err := s.listTransitions(ctx, creds, issueKey)
	if err != nil {
		return "", err
	}
	want := strings.TrimSpace(state)
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c.Name), want) {
			return c.ID, nil
		}
		names = append(names, c.Name)
	}
	return "", &rest.TransitionNotFoundError{State: state, IssueKey: issueKey, Available: names}
}

// prepareTransition rewrites a transition request so it always carries a
// transition id. Callers may specify the id directly, or a target state
// name that is resolved against the remote workflow first.
func (s *Service) prepareTransition(ctx context.Context, creds *tenant.Credentials, d rest.Descriptor, issueKey string) (rest.Descriptor, error) {
	if gjson.GetBytes(d.Body, "transition.id").Exists() {
		return d, nil
	}

	name := gjson.GetBytes(d.Body, "transition.name").String()
	if name == "" {
		if t := gjson.GetBytes(d.Body, "transition"); t.Type == gjson.String {
			name = t.String()
		}
	}
	if name == "" {
		return d, &rest.ValidationError{Msg: "transition request needs transition.id or a target state name"}
	}

	id, err := s.resolveTransition(ctx, creds, issueKey, name)
	if err != nil {
		return d, err
	}
	body, err := sjson.SetRawBytes(d.Body, "transition", []byte(`{"id":"`+id+`"}`))
	if err != nil {
		return d, &rest.ValidationError{Msg: "transition body is not a JSON object"}
	}
	d.Body = body
	return d, nil
}

// interceptStatusUpdate converts a plain field update carrying a desired
// status into the two-step transition protocol: the status is resolved to a
// transition id and stripped from the field set, and the remaining fields
// ride along on the transition call. The API forbids setting status via
// ordinary field update once a transition exists for it.
func (s *Service) interceptStatusUpdate(ctx context.Context, creds *tenant.Credentials, d rest.Descriptor, issueKey string) (rest.Descriptor, bool, error) {
	status := gjson.GetBytes(d.Body, "fields.status")
	if !status.Exists() {
		return d, false, nil
	}
	name := status.String()
	if status.IsObject() {
		name = status.Get("name").String()
	}
	if name == "" {
		return d, false, nil
	}

	id, err := s.resolveTransition(ctx, creds, issueKey, name)
	if err != nil {
		return d, false, err
	}

	body, err := sjson.DeleteBytes(d.Body, "fields.status")
	if err != nil {
		return d, false, &rest.ValidationError{Msg: "update body is not a JSON object"}
	}
	if fields := gjson.GetBytes(body, "fields"); fields.IsObject() && len(fields.Map()) == 0 {
		body, _ = sjson.DeleteBytes(body, "fields")
	}
	body, err = sjson.SetRawBytes(body, "transition", []byte(`{"id":"`+id+`"}`))
	if err != nil {
		return d, false, &rest.ValidationError{Msg: "update body is not a JSON object"}
	}

	d.Method = "POST"
	d.Path = issuePath + "/" + issueKey + "/transitions"
	d.URL = ""
	d.Body = body
	return d, true, nil
}
