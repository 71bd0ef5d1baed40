package web

import (
	"net/http"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/go-chi/chi/v5"
)

// executionView is the API form of an execution. Inputs and outputs are
// exposed as stored; local file paths are not.
type executionView struct {
	*core.ExecutionRequest
	Resources []core.CreatedResource `json:"resources"`
}

func newExecutionView(exec *core.ExecutionRequest) executionView {
	refs := exec.Resources()
	if refs == nil {
		refs = []core.CreatedResource{}
	}
	return executionView{ExecutionRequest: exec, Resources: refs}
}

// ownExecution loads execution {id} and hides it from other users.
func (s *Server) ownExecution(w http.ResponseWriter, r *http.Request) (*core.ExecutionRequest, bool) {
	exec, err := s.service.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return nil, false
	}
	if exec.User != core.UserFromContext(r.Context()) {
		respondError(w, r, core.ErrExecutionNotFound)
		return nil, false
	}
	return exec, true
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.ownExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newExecutionView(exec))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.service.ListExecutions(r.Context(), core.UserFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]executionView, len(execs))
	for i := range execs {
		views[i] = newExecutionView(&execs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views, "total": len(views)})
}

// handleRollback reruns the rollback of a failed execution. Executions that
// are still pending, running or finished cannot be rolled back.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.ownExecution(w, r)
	if !ok {
		return
	}
	if exec.Status != core.StatusFailed {
		respondErrorStatus(w, r, core.Invalid(core.FamilyUpload, "execution is %s, only failed executions can be rolled back", exec.Status), http.StatusConflict)
		return
	}
	if err := s.service.Rollback(r.Context(), exec.ExecID); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": exec.ExecID, "status": string(exec.Status)})
}
