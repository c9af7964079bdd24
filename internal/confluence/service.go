// Package confluence guards REST calls against the Confluence content API,
// confining every call to one configured space.
package confluence

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

var tracer = otel.Tracer("github.com/Bullseye1979/ai-discord-bot-sub001/internal/confluence")

const (
	searchPath = "/rest/api/content/search"

	// The verification lookup runs on its own short timeout, independent
	// of the primary request's timeout.
	defaultLookupTimeout = 5 * time.Second
)

// Service executes guarded Confluence requests: credential resolution, shape
// classification, tenant enforcement, then the resilient primary call.
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
		rewriter:      query.Rewriter{Field: "space"},
	}
}

// Execute runs one guarded call and always returns an envelope; failures of
// any kind resolve to an error envelope, never a panic or a bare error.
func (s *Service) Execute(ctx context.Context, channelID string, d rest.Descriptor) *rest.Envelope {
	ctx, span := tracer.Start(ctx, "confluence.execute")
	defer span.End()
	start := time.Now()

	if err := d.Validate(); err != nil {
		return s.fail(ctx, channelID, "confluence_validate", err, start)
	}
	creds, err := s.resolver.Resolve(ctx, channelID, tenant.ServiceConfluence)
	if err != nil {
		return s.fail(ctx, channelID, "confluence_credentials", err, start)
	}

	d = d.Clone()
	shape, contentID := Classify(d)
	if d.Meta.AllowCrossTenant {
		log.Info().
			Str("channel", channelID).
			Str("shape", shape.String()).
			Func(otel.LogTraceFields(ctx)).
			Msg("confluence_cross_tenant_passthrough")
	} else {
		if shape == rest.ShapeOther {
			log.Warn().
				Str("channel", channelID).
				Str("method", d.Method).
				Str("path", d.Path).
				Func(otel.LogTraceFields(ctx)).
				Msg("confluence_unrestricted_shape")
		}
		d, err = s.enforce(ctx, creds, d, shape, contentID)
		if err != nil {
			return s.fail(ctx, channelID, "confluence_enforce", err, start)
		}
	}

	env, err := s.exec.Do(ctx, creds, d)
	if err != nil {
		return s.fail(ctx, channelID, "confluence_request", err, start)
	}
	return env
}

func (s *Service) fail(ctx context.Context, channelID, tag string, err error, start time.Time) *rest.Envelope {
	s.sink.Report(err, channelID, tag)
	log.Debug().Err(err).Str("tag", tag).Func(otel.LogTraceFields(ctx)).Msg("confluence_call_failed")
	return rest.ErrorEnvelope(err, time.Since(start).Milliseconds())
}
