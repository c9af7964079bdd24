// Package query rewrites free-form CQL/JQL strings into the canonical form
// required by the Atlassian search endpoints, injecting a tenant filter
// while keeping any ordering clause as a verbatim suffix.
package query

import (
	"regexp"
	"strconv"
	"strings"
)

// Placeholder tokens template authors use as stand-ins for the real key.
// Substituted before any other rewriting.
var rePlaceholder = regexp.MustCompile(`\b(YOUR_PROJECT_KEY|YOUR_SPACE_KEY|PROJECT_KEY|SPACE_KEY|KEY)\b`)

var reOrderBy = regexp.MustCompile(`(?i)\border\s+by\b`)

var (
	reEmptyParens     = regexp.MustCompile(`\(\s*\)`)
	reDupConnective   = regexp.MustCompile(`(?i)\b(AND|OR)\s+(AND|OR)\b`)
	reLeadConnective  = regexp.MustCompile(`(?i)^\s*(AND|OR)\b`)
	reTrailConnective = regexp.MustCompile(`(?i)\b(AND|OR)\s*$`)
	reOpenConnective  = regexp.MustCompile(`(?i)\(\s*(AND|OR)\b`)
	reCloseConnective = regexp.MustCompile(`(?i)\b(AND|OR)\s*\)`)
	reSpaces          = regexp.MustCompile(`\s+`)
	reQuotedLiteral   = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// Rewriter injects a tenant filter for one scope field ("project" for Jira,
// "space" for Confluence).
type Rewriter struct {
	Field        string
	DefaultOrder string // used when the input is empty
}

// Rewrite returns a query that contains a tenant filter for key, with any
// ordering clause kept byte-for-byte as the suffix. Rewriting a query that
// already filters on key is a no-op up to whitespace normalization.
func (r Rewriter) Rewrite(raw, key string) string {
	q := SubstitutePlaceholders(raw, key)

	// Split before connective cleanup: the ordering clause must survive
	// untouched, and a connective dangling right before ORDER BY only sits
	// at string end once the core stands alone.
	core, order := SplitOrder(q)
	core = CleanConnectives(core)
	if core == "" && order == "" {
		order = r.DefaultOrder
	}

	filter := r.Field + " = " + key
	switch {
	case core == "":
		core = filter
	case r.scoped(core, key):
		// Already filtered to this key; leave the core untouched.
	default:
		core = filter + " AND (" + core + ")"
	}

	if order == "" {
		return core
	}
	return core + " " + order
}

func (r Rewriter) scoped(core, key string) bool {
	re := regexp.MustCompile(`(?i)\b` + r.Field + `\s*=\s*["']?` + regexp.QuoteMeta(key) + `["']?(\s|$|\)|,)`)
	return re.MatchString(core + " ")
}

// SplitOrder splits a query on the first case-insensitive ORDER BY keyword.
// Everything before is the filterable core; everything from the keyword
// onward is the ordering clause, carried verbatim.
func SplitOrder(q string) (core, order string) {
	loc := reOrderBy.FindStringIndex(q)
	if loc == nil {
		return strings.TrimSpace(q), ""
	}
	return strings.TrimSpace(q[:loc[0]]), strings.TrimSpace(q[loc[0]:])
}

// SubstitutePlaceholders replaces stand-in key tokens with the real tenant key.
func SubstitutePlaceholders(q, key string) string {
	return rePlaceholder.ReplaceAllString(q, key)
}

// CleanConnectives removes dangling boolean connectives: leading/trailing
// AND/OR, connectives against parentheses, duplicated connectives, and empty
// parenthesized groups. Runs to a fixed point. Quoted string literals are
// masked out first so their contents are never rewritten.
func CleanConnectives(q string) string {
	q = strings.TrimSpace(q)

	var literals []string
	q = reQuotedLiteral.ReplaceAllStringFunc(q, func(lit string) string {
		literals = append(literals, lit)
		return literalMark(len(literals) - 1)
	})

	for {
		prev := q
		q = reEmptyParens.ReplaceAllString(q, "")
		q = reDupConnective.ReplaceAllString(q, "$2")
		q = reOpenConnective.ReplaceAllString(q, "(")
		q = reCloseConnective.ReplaceAllString(q, ")")
		q = reLeadConnective.ReplaceAllString(q, "")
		q = reTrailConnective.ReplaceAllString(q, "")
		q = strings.TrimSpace(reSpaces.ReplaceAllString(q, " "))
		if q == prev {
			break
		}
	}

	for i, lit := range literals {
		q = strings.Replace(q, literalMark(i), lit, 1)
	}
	return q
}

// literalMark builds an opaque stand-in for a quoted literal. NUL never
// occurs in CQL/JQL text, so the mark cannot collide with query content.
func literalMark(i int) string {
	return "\x00" + strconv.Itoa(i) + "\x00"
}
