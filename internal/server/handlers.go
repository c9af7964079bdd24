package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/requestctx"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleConfluenceExecute(w http.ResponseWriter, r *http.Request) {
	s.handleExecute(w, r, tenant.ServiceConfluence, s.confluence.Execute)
}

func (s *Server) handleJiraExecute(w http.ResponseWriter, r *http.Request) {
	s.handleExecute(w, r, tenant.ServiceJira, s.jira.Execute)
}

// handleExecute decodes the descriptor, gates the cross-tenant escape, and
// runs the service pipeline. Pipeline failures still answer 200: the caller
// consumes envelopes uniformly and the envelope carries ok/code/message.
func (s *Server) handleExecute(
	w http.ResponseWriter,
	r *http.Request,
	service tenant.Service,
	run func(ctx context.Context, channelID string, d rest.Descriptor) *rest.Envelope,
) {
	var d rest.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	ctx := r.Context()
	callerName := requestctx.CallerName(ctx)
	channelID := requestctx.ChannelID(ctx)

	if d.Meta.AllowCrossTenant {
		allowed, reasons, err := s.evaluateCrossTenant(ctx, callerName, service, d.Method)
		if err != nil {
			log.Error().Err(err).Str("caller", callerName).Msg("cross_tenant_policy_error")
			writeError(w, http.StatusInternalServerError, "internal", "cross-tenant policy evaluation failed")
			return
		}
		if !allowed {
			log.Warn().
				Str("caller", callerName).
				Str("service", string(service)).
				Strs("reasons", reasons).
				Msg("cross_tenant_denied")
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":   "cross_tenant_denied",
				"message": "cross-tenant access denied by policy",
				"reasons": reasons,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, run(ctx, channelID, d))
}

func (s *Server) evaluateCrossTenant(ctx context.Context, callerName string, service tenant.Service, method string) (bool, []string, error) {
	// No engine configured means the escape is closed for everyone.
	if s.policyEngine == nil {
		return false, []string{"cross-tenant policy engine not configured"}, nil
	}
	input := map[string]interface{}{
		"caller_name": callerName,
		"service":     string(service),
		"method":      strings.ToUpper(method),
	}
	if c := s.registry.CallerByName(callerName); c != nil {
		input["caller_cross_tenant"] = c.CrossTenant
		input["caller_cross_tenant_rw"] = c.CrossTenantWrite
	}
	return s.policyEngine.EvaluateCrossTenant(ctx, input)
}
