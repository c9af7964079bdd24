// Package policy gates the cross-tenant escape hatch behind an embedded
// OPA policy. Callers that are not granted the escape by the policy get
// their request rejected before any scoping decision is skipped.
package policy

import (
	"context"
	"embed"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	agotel "github.com/Bullseye1979/ai-discord-bot-sub001/internal/otel"
)

var tracer = agotel.Tracer("github.com/Bullseye1979/ai-discord-bot-sub001/internal/policy")

//go:embed rego/cross_tenant.rego
var embeddedPolicy embed.FS

const (
	policyFile  = "rego/cross_tenant.rego"
	policyQuery = "data.atlasgate.policy.cross_tenant.deny"
)

// Engine evaluates the cross-tenant access policy.
type Engine struct {
	prepared rego.PreparedEvalQuery
}

// NewEngine compiles the embedded cross-tenant policy. When overridePath is
// non-empty the file at that path replaces the embedded module, keeping the
// same package and query.
func NewEngine(ctx context.Context, overridePath string) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new",
		trace.WithAttributes(attribute.Bool("policy.override", overridePath != "")))
	defer span.End()

	content, err := embeddedPolicy.ReadFile(policyFile)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", policyFile, err)
	}
	if overridePath != "" {
		content, err = os.ReadFile(overridePath)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("reading policy override %s: %w", overridePath, err)
		}
	}

	prepared, err := rego.New(
		rego.Query(policyQuery),
		rego.Module(policyFile, string(content)),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing policy %s: %w", policyFile, err)
	}
	return &Engine{prepared: prepared}, nil
}

// EvaluateCrossTenant runs the cross-tenant policy and returns whether the
// escape is allowed plus the deny reasons when it is not.
func (e *Engine) EvaluateCrossTenant(ctx context.Context, input map[string]interface{}) (allowed bool, reasons []string, err error) {
	ctx, span := tracer.Start(ctx, "policy.cross_tenant.evaluate",
		trace.WithAttributes(
			attribute.String("input.caller_name", stringOr(input["caller_name"])),
			attribute.String("input.service", stringOr(input["service"])),
			attribute.String("input.method", stringOr(input["method"])),
		))
	defer span.End()

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, nil, fmt.Errorf("evaluating %s: %w", policyFile, err)
	}

	if len(results) > 0 && len(results[0].Expressions) > 0 {
		// Querying a deny rule yields a set of strings; OPA hands it
		// back as []interface{} or map[string]interface{}.
		switch v := results[0].Expressions[0].Value.(type) {
		case []interface{}:
			for _, msg := range v {
				if s, ok := msg.(string); ok {
					reasons = append(reasons, s)
				}
			}
		case map[string]interface{}:
			for _, msg := range v {
				if s, ok := msg.(string); ok {
					reasons = append(reasons, s)
				}
			}
		}
	}

	allowed = len(reasons) == 0
	span.SetAttributes(
		attribute.Bool("policy.allowed", allowed),
		attribute.Int("policy.deny_reasons", len(reasons)),
	)
	if allowed {
		span.SetStatus(codes.Ok, "cross-tenant policy passed")
	}
	return allowed, reasons, nil
}

func stringOr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
