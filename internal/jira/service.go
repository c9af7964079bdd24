// Package jira guards REST calls against the Jira issue API, confining
// every call to one configured project and translating status updates into
// the workflow transition protocol.
package jira

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/otel"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/query"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

var tracer = otel.Tracer("github.com/Bullseye1979/ai-discord-bot-sub001/internal/jira")

const (
	searchPath = "/rest/api/2/search"
	issuePath  = "/rest/api/2/issue"

	defaultLookupTimeout = 5 * time.Second
)

// Service executes guarded Jira requests.
type Service struct {
	resolver      tenant.Resolver
	exec          *rest.Executor
	sink          rest.ErrorSink
	lookup        *http.Client
	lookupTimeout time.Duration
	rewriter      query.Rewriter
}

// NewService creates a Service. All collaborators are injected; sink may be
// nil for the default log sink.
func NewService(resolver tenant.Resolver, exec *rest.Executor, sink rest.ErrorSink) *Service {
	if sink == nil {
		sink = rest.LogSink{}
	}
	return &Service{
		resolver:      resolver,
		exec:          exec,
		sink:          sink,
		lookup:        &http.Client{Timeout: defaultLookupTimeout},
		lookupTimeout: defaultLookupTimeout,
		rewriter:      query.Rewriter{Field: "project", DefaultOrder: "ORDER BY created DESC"},
	}
}

// Execute runs one guarded call and always returns an envelope.
func (s *Service) Execute(ctx context.Context, channelID string, d rest.Descriptor) *rest.Envelope {
	ctx, span := tracer.Start(ctx, "jira.execute")
	defer span.End()
	start := time.Now()

	if err := d.Validate(); err != nil {
		return s.fail(ctx, channelID, "jira_validate", err, start)
	}
	creds, err := s.resolver.Resolve(ctx, channelID, tenant.ServiceJira)
	if err != nil {
		return s.fail(ctx, channelID, "jira_credentials", err, start)
	}

	d = d.Clone()
	shape, issueKey := Classify(d)
	if d.Meta.AllowCrossTenant {
		log.Info().
			Str("channel", channelID).
			Str("shape", shape.String()).
			Func(otel.LogTraceFields(ctx)).
			Msg("jira_cross_tenant_passthrough")
	} else {
		if shape == rest.ShapeOther {
			log.Warn().
				Str("channel", channelID).
				Str("method", d.Method).
				Str("path", d.Path).
				Func(otel.LogTraceFields(ctx)).
				Msg("jira_unrestricted_shape")
		}
		d, err = s.enforce(ctx, creds, d, shape, issueKey)
		if err != nil {
			return s.fail(ctx, channelID, "jira_enforce", err, start)
		}
	}

	// Status handling applies to scoped and cross-tenant calls alike: the
	// remote API rejects status set via plain field update either way.
	switch {
	case shape == rest.ShapeTransition:
		d, err = s.prepareTransition(ctx, creds, d, issueKey)
		if err != nil {
			return s.fail(ctx, channelID, "jira_transition", err, start)
		}
	case shape == rest.ShapeByID && isIssueUpdate(d):
		var intercepted bool
		d, intercepted, err = s.interceptStatusUpdate(ctx, creds, d, issueKey)
		if err != nil {
			return s.fail(ctx, channelID, "jira_transition", err, start)
		}
		if intercepted {
			log.Debug().
				Str("issue", issueKey).
				Func(otel.LogTraceFields(ctx)).
				Msg("jira_status_update_intercepted")
		}
	}

	env, err := s.exec.Do(ctx, creds, d)
	if err != nil {
		return s.fail(ctx, channelID, "jira_request", err, start)
	}
	return env
}

func (s *Service) fail(ctx context.Context, channelID, tag string, err error, start time.Time) *rest.Envelope {
	s.sink.Report(err, channelID, tag)
	log.Debug().Err(err).Str("tag", tag).Func(otel.LogTraceFields(ctx)).Msg("jira_call_failed")
	return rest.ErrorEnvelope(err, time.Since(start).Milliseconds())
}
