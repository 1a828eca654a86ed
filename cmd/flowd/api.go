package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"goa.design/flow/runtime/cache"
	"goa.design/flow/runtime/trigger"
	"goa.design/flow/runtime/workflow"
)

// api is the management surface: workflow CRUD, manual runs, execution
// status and admission stats. Webhook ingress lives in runtime/webhook; this
// mux only serves operators and the editor.
type api struct {
	svcs *Services
	mux  goahttp.Muxer
}

// Mount registers the management routes.
func (a *api) Mount(mux goahttp.Muxer) {
	a.mux = mux
	mux.Handle(http.MethodGet, "/api/workflows", a.listWorkflows)
	mux.Handle(http.MethodPost, "/api/workflows", a.saveWorkflow)
	mux.Handle(http.MethodGet, "/api/workflows/{id}", a.getWorkflow)
	mux.Handle(http.MethodDelete, "/api/workflows/{id}", a.deleteWorkflow)
	mux.Handle(http.MethodPost, "/api/workflows/{id}/run", a.runWorkflow)
	mux.Handle(http.MethodGet, "/api/executions/{id}", a.getExecution)
	mux.Handle(http.MethodPost, "/api/executions/{id}/cancel", a.cancelExecution)
	mux.Handle(http.MethodGet, "/api/stats", a.stats)
}

func (a *api) listWorkflows(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	wfs, err := a.svcs.Workflows.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (a *api) saveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.svcs.Workflows.Save(r.Context(), &wf); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, &wf)
}

func (a *api) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := a.mux.Vars(r)["id"]
	wf, err := a.svcs.Workflows.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *api) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := a.mux.Vars(r)["id"]
	if err := a.svcs.Workflows.Delete(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runWorkflow fires a manual trigger. With ?wait=true the handler blocks on
// the result cache and returns the full execution result.
func (a *api) runWorkflow(w http.ResponseWriter, r *http.Request) {
	id := a.mux.Vars(r)["id"]
	var data map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&data)
	}
	req := &trigger.Request{
		Kind:       workflow.TriggerManual,
		WorkflowID: id,
		Data:       data,
	}
	if r.URL.Query().Get("wait") == "true" {
		res, err := a.svcs.Triggers.ExecuteTriggerAndWait(r.Context(), req, trigger.DefaultManualTimeout)
		if err != nil {
			writeTriggerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	adm, err := a.svcs.Triggers.ExecuteTrigger(r.Context(), req)
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, adm)
}

// getExecution serves the live in-memory status when the execution is recent
// and falls back to the result cache.
func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	id := a.mux.Vars(r)["id"]
	if res, ok := a.svcs.Engine.Status(id); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	res, err := a.svcs.Cache.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := a.mux.Vars(r)["id"]
	if err := a.svcs.Triggers.Cancel(id); err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svcs.Triggers.Stats())
}

func writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trigger.ErrNotActive), errors.Is(err, trigger.ErrNoTriggerNode):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, trigger.ErrConcurrencyLimit), errors.Is(err, trigger.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, cache.ErrWaitTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"timestamp": time.Now().UTC(),
	})
}
