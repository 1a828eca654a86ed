package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/cache"
	"goa.design/flow/runtime/credentials"
	"goa.design/flow/runtime/hooks"
	"goa.design/flow/runtime/telemetry"
	"goa.design/flow/runtime/trigger"
	"goa.design/flow/runtime/workflow"
)

// defaultWaitTimeout bounds how long last-node responses block on the result
// cache.
const defaultWaitTimeout = 30 * time.Second

// Webhook URL prefixes. The testing namespace serves workflows being tested
// from the editor before activation.
const (
	pathPrefix    = "/webhook/"
	testingPrefix = "/webhook/testing/"
)

var methods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut,
	http.MethodDelete, http.MethodPatch,
}

type (
	// Server is the webhook HTTP ingress. It matches requests against the
	// registry, runs the access control chain and hands admitted requests
	// to the trigger manager.
	Server struct {
		registry    *Registry
		manager     trigger.Manager
		cache       cache.Cache
		creds       credentials.Store
		bus         hooks.Bus
		logger      telemetry.Logger
		waitTimeout time.Duration
	}

	// ServerOptions configures a webhook Server.
	ServerOptions struct {
		// Registry resolves request paths to webhook entries. Required.
		Registry *Registry
		// Manager admits trigger requests. Required.
		Manager trigger.Manager
		// Cache serves synchronous last-node replies. Required.
		Cache cache.Cache
		// Credentials resolves credential-backed webhook auth. Optional.
		Credentials credentials.Store
		// Bus receives webhook-test-triggered events. Optional.
		Bus hooks.Bus
		// Logger plugs in structured logging. Optional.
		Logger telemetry.Logger
		// WaitTimeout overrides the last-node cache wait.
		WaitTimeout time.Duration
	}
)

// NewServer constructs a webhook Server.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		registry:    opts.Registry,
		manager:     opts.Manager,
		cache:       opts.Cache,
		creds:       opts.Credentials,
		bus:         opts.Bus,
		logger:      opts.Logger,
		waitTimeout: opts.WaitTimeout,
	}
	if s.logger == nil {
		s.logger = telemetry.NoopLogger{}
	}
	if s.waitTimeout <= 0 {
		s.waitTimeout = defaultWaitTimeout
	}
	return s
}

// Mount registers the webhook routes on the muxer for every supported method
// in both the live and testing namespaces.
func (s *Server) Mount(mux goahttp.Muxer) {
	for _, m := range methods {
		mux.Handle(m, testingPrefix+"{*path}", s.handle)
		mux.Handle(m, pathPrefix+"{*path}", s.handle)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := r.URL.Path
	testing := false
	if len(path) >= len(testingPrefix) && path[:len(testingPrefix)] == testingPrefix {
		testing = true
		path = path[len(testingPrefix):]
	} else if len(path) >= len(pathPrefix) && path[:len(pathPrefix)] == pathPrefix {
		path = path[len(pathPrefix):]
	}

	m, err := s.registry.Match(path, testing)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no webhook registered for this path"})
		return
	}
	for _, sh := range m.Shadowed {
		s.logger.Info(ctx, "webhook pattern shadowed",
			"path", path, "workflow_id", sh.WorkflowID, "trigger_id", sh.TriggerID)
	}
	e := m.Entry

	if e.limiter != nil && !e.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": ErrRateLimited.Error()})
		return
	}

	ip := clientIP(r)
	if err := checkAccess(ctx, r, e, s.creds, ip); err != nil {
		s.writeAccessError(w, e, err)
		return
	}

	test := r.URL.Query().Get("test") == "true"
	data, err := captureRequest(r, e, m.Params, ip, test)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	req := &trigger.Request{
		Kind:       workflow.TriggerWebhook,
		WorkflowID: e.WorkflowID,
		NodeID:     e.NodeID,
		Data:       data,
	}
	adm, err := s.manager.ExecuteTrigger(ctx, req)
	if err != nil {
		s.writeTriggerError(w, err)
		return
	}
	if test && s.bus != nil {
		s.bus.Publish(hooks.Event{
			Type:        hooks.WebhookTestTriggered,
			ExecutionID: adm.ExecutionID,
			WorkflowID:  e.WorkflowID,
			Timestamp:   time.Now().UTC(),
		})
	}

	if e.Settings.ResponseMode == workflow.ResponseLastNode {
		s.respondLastNode(w, r, e, adm.ExecutionID)
		return
	}
	s.respondImmediate(w, e, adm)
}

func (s *Server) respondImmediate(w http.ResponseWriter, e *Entry, adm *trigger.Admission) {
	applyResponseOptions(w, e)
	if e.Settings.Options.NoResponseBody {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": adm.ExecutionID,
		"status":      adm.Status,
	})
}

// respondLastNode blocks on the result cache and replies with the item the
// workflow designated via the _httpResponse sentinel, falling back to the
// last executed node's first main item.
func (s *Server) respondLastNode(w http.ResponseWriter, r *http.Request, e *Entry, executionID string) {
	res, err := s.cache.WaitForResult(r.Context(), executionID, s.waitTimeout)
	if err != nil {
		if errors.Is(err, cache.ErrWaitTimeout) {
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{
				"error":       "timed out waiting for workflow completion",
				"executionId": executionID,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	applyResponseOptions(w, e)
	if resp := designatedResponse(res); resp != nil {
		for name, value := range resp.Headers {
			w.Header().Set(name, value)
		}
		for _, c := range resp.Cookies {
			w.Header().Add("Set-Cookie", c)
		}
		writeBody(w, resp.StatusCode, resp.Body, e)
		return
	}

	// Fall back to the last executed node's first main item.
	if n := len(res.ExecutedPath); n > 0 {
		if out := res.NodeOutputs[res.ExecutedPath[n-1]]; out != nil && len(out.Main) > 0 {
			writeBody(w, http.StatusOK, out.Main[0].JSON, e)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": res.ExecutionID,
		"status":      string(res.Status),
	})
}

// designatedResponse scans executed nodes in order and returns the last
// _httpResponse-flagged item.
func designatedResponse(res *api.ExecutionResult) *api.HTTPResponse {
	var resp *api.HTTPResponse
	for _, id := range res.ExecutedPath {
		out := res.NodeOutputs[id]
		if out == nil {
			continue
		}
		for _, item := range out.Main {
			if r, ok := api.HTTPResponseFromItem(item); ok {
				resp = r
			}
		}
	}
	return resp
}

func (s *Server) writeAccessError(w http.ResponseWriter, e *Entry, err error) {
	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		w.Header().Set("Allow", e.Settings.Method)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": err.Error(), "allowed": e.Settings.Method})
	case errors.Is(err, ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	}
}

func (s *Server) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trigger.ErrNotActive):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, trigger.ErrConcurrencyLimit), errors.Is(err, trigger.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

// applyResponseOptions sets the configured extra response headers.
func applyResponseOptions(w http.ResponseWriter, e *Entry) {
	for _, h := range e.Settings.Options.ResponseHeaders {
		w.Header().Set(h.Name, h.Value)
	}
}

// writeBody writes a reply body honoring the response content type options.
// String bodies are written verbatim, everything else is JSON-encoded.
func writeBody(w http.ResponseWriter, status int, body any, e *Entry) {
	ct := e.Settings.Options.ResponseContentType
	if ct == "custom" {
		ct = e.Settings.Options.CustomContentType
	}
	if e.Settings.Options.NoResponseBody {
		w.WriteHeader(status)
		return
	}
	if s, ok := body.(string); ok {
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(s))
		return
	}
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
