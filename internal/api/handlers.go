package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	Title     string   `json:"title"`
	Prompt    string   `json:"prompt"`
	Mode      string   `json:"mode,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	DependsOn []int64  `json:"depends_on,omitempty"`
	RepoPath  string   `json:"repo_path,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func (req createTaskRequest) toFields() store.CreateTaskFields {
	return store.CreateTaskFields{
		Title:     req.Title,
		Prompt:    req.Prompt,
		Mode:      store.Mode(req.Mode),
		Priority:  store.Priority(req.Priority),
		DependsOn: req.DependsOn,
		RepoPath:  req.RepoPath,
		Tags:      req.Tags,
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	task, err := s.store.CreateTask(r.Context(), req.toFields())
	if err != nil {
		writeErr(w, err)
		return
	}
	renderJSON(w, task, withStatus(http.StatusCreated))
}

// handleCreateTasksBatch persists all-or-fail-all, per spec §6.1. Since
// the Task Store has no multi-row transaction in its public API, this
// creates sequentially; on a mid-batch failure every task already
// created in this batch is rolled back via delete.
func (s *Server) handleCreateTasksBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}

	created := make([]*store.Task, 0, len(reqs))
	for _, req := range reqs {
		task, err := s.store.CreateTask(r.Context(), req.toFields())
		if err != nil {
			for _, t := range created {
				_ = s.store.DeleteTask(r.Context(), t.ID)
			}
			writeErr(w, err)
			return
		}
		created = append(created, task)
	}
	renderJSON(w, created, withStatus(http.StatusCreated))
}

// handleListTasks serves spec §6.1's list_tasks command. status=PENDING
// is ranked per spec §4.5 (priority desc, created_at asc, id asc); every
// other status (and no filter at all) keeps the Task Store's plain
// created_at order.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == string(store.StatusPending) {
		tasks, err := s.store.ListPendingTasksRanked(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		renderJSON(w, tasks)
		return
	}

	var statusFilter *store.Status
	if raw != "" {
		st := store.Status(raw)
		statusFilter = &st
	}
	tasks, err := s.store.ListTasks(r.Context(), statusFilter)
	if err != nil {
		writeErr(w, err)
		return
	}
	renderJSON(w, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	logs, err := s.store.GetTaskLogs(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	renderJSON(w, struct {
		*store.Task
		Logs []*store.LogEntry `json:"logs"`
	}{task, logs})
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	logs, err := s.store.GetTaskLogs(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	renderJSON(w, logs)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	task, err := s.store.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.canceller != nil {
		s.canceller.Cancel(id)
	}
	renderJSON(w, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	task, err := s.store.Retry(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	renderJSON(w, task)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	task, err := s.store.ApprovePlan(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	renderJSON(w, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	withStatus(http.StatusNoContent)(w)
}

func taskIDFromRequest(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &store.ValidationError{Message: "task id must be an integer"}
	}
	return id, nil
}
