package confluence

import (
	"regexp"
	"strings"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
)

var (
	reContentByID = regexp.MustCompile(`/rest/api/content/(\d+)`)
	reContentRoot = regexp.MustCompile(`/rest/api/content/?$`)
	reSearchPath  = regexp.MustCompile(`/rest/api/(content/)?search/?$`)
)

// Classify maps a descriptor onto its request shape once, so enforcement
// switches on a typed tag instead of re-matching path patterns. For by-id
// shapes the extracted content id is returned alongside.
func Classify(d rest.Descriptor) (rest.Shape, string) {
	p := pathOf(d)
	method := strings.ToUpper(d.Method)

	if reSearchPath.MatchString(p) || d.Query["cql"] != "" {
		return rest.ShapeSearch, ""
	}
	if m := reContentByID.FindStringSubmatch(p); m != nil {
		return rest.ShapeByID, m[1]
	}
	if reContentRoot.MatchString(p) {
		if method == "POST" {
			return rest.ShapeCreate, ""
		}
		if method == "GET" {
			return rest.ShapeList, ""
		}
	}
	return rest.ShapeOther, ""
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
