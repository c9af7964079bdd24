package jira

import (
	"regexp"
	"strings"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
)

var (
	reIssueByID   = regexp.MustCompile(`/rest/api/(?:2|3|latest)/issue/([A-Za-z][A-Za-z0-9_]*-\d+|\d+)`)
	reIssueExact  = regexp.MustCompile(`/rest/api/(?:2|3|latest)/issue/([A-Za-z][A-Za-z0-9_]*-\d+|\d+)/?$`)
	reTransitions = regexp.MustCompile(`/rest/api/(?:2|3|latest)/issue/([A-Za-z][A-Za-z0-9_]*-\d+|\d+)/transitions/?$`)
	reIssueRoot   = regexp.MustCompile(`/rest/api/(?:2|3|latest)/issue/?$`)
	reSearchPath  = regexp.MustCompile(`/rest/api/(?:2|3|latest)/search/?$|/search/?$`)
)

// Classify maps a descriptor onto its request shape once. For by-id and
// transition shapes the extracted issue key is returned alongside.
func Classify(d rest.Descriptor) (rest.Shape, string) {
	p := pathOf(d)
	method := strings.ToUpper(d.Method)

	if m := reTransitions.FindStringSubmatch(p); m != nil {
		return rest.ShapeTransition, m[1]
	}
	if reSearchPath.MatchString(p) || d.Query["jql"] != "" {
		return rest.ShapeSearch, ""
	}
	if reIssueRoot.MatchString(p) && method == "POST" {
		return rest.ShapeCreate, ""
	}
	if m := reIssueByID.FindStringSubmatch(p); m != nil {
		return rest.ShapeByID, m[1]
	}
	return rest.ShapeOther, ""
}

// isIssueUpdate reports whether the descriptor is a plain field update on
// the issue itself (not a sub-resource).
func isIssueUpdate(d rest.Descriptor) bool {
	return strings.ToUpper(d.Method) == "PUT" && reIssueExact.MatchString(pathOf(d))
}

func pathOf(d rest.Descriptor) string {
	p := d.Path
	if p == "" {
		p = d.URL
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}
