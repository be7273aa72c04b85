package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marcus/sentinel/internal/audit"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/reporting"
	"github.com/marcus/sentinel/internal/scenarios"
	"github.com/marcus/sentinel/internal/state"
	"github.com/marcus/sentinel/internal/tasks"
)

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	Scenario  string  `json:"scenario"`
	Seed      uint64  `json:"seed,omitempty"`
	TimeScale float64 `json:"time_scale,omitempty"`
}

func (s *Server) HandlerHealth(w http.ResponseWriter, r *http.Request) {
	RenderJSON(w, r, map[string]any{
		"status": JsonResponseStatusSuccess,
		"active": s.launcher.Manager().Active(),
	})
}

func (s *Server) HandlerScenarios(w http.ResponseWriter, r *http.Request) {
	list := s.launcher.Registry().List()
	out := make([]ScenarioView, 0, len(list))
	for _, sc := range list {
		out = append(out, scenarioView(sc))
	}
	RenderJSON(w, r, out)
}

func (s *Server) HandlerCreateTask(w http.ResponseWriter, r *http.Request) {
	var request CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		RenderError(w, r, http.StatusBadRequest, JsonResponseErrorCodeInvalidJson, "Invalid JSON")
		return
	}
	request.Scenario = strings.TrimSpace(request.Scenario)
	if request.Scenario == "" {
		RenderError(w, r, http.StatusBadRequest, JsonResponseErrorCodeValidationFailed, "scenario is required")
		return
	}
	if request.TimeScale < 0 {
		RenderError(w, r, http.StatusBadRequest, JsonResponseErrorCodeValidationFailed, "time_scale must not be negative")
		return
	}

	task, err := s.launcher.Launch(tasks.Request{
		Scenario:  request.Scenario,
		Origin:    state.OriginAPI,
		Seed:      request.Seed,
		TimeScale: request.TimeScale,
		RequestID: RequestID(r.Context()),
	})
	switch {
	case errors.Is(err, scenarios.ErrUnknownScenario):
		RenderError(w, r, http.StatusNotFound, JsonResponseErrorCodeNotFound, err.Error())
		return
	case errors.Is(err, orchestrator.ErrInvalidConfiguration):
		RenderError(w, r, http.StatusUnprocessableEntity, JsonResponseErrorCodeValidationFailed, err.Error())
		return
	case err != nil:
		RenderError(w, r, http.StatusInternalServerError, JsonResponseErrorCodeInternal, "Failed to start task")
		return
	}

	w.Header().Set("Location", "/tasks/"+task.ID())
	RenderJSON(w, r, taskView(task.Snapshot(), false), WithStatus(http.StatusCreated))
}

func (s *Server) HandlerListTasks(w http.ResponseWriter, r *http.Request) {
	status := orchestrator.Status(r.URL.Query().Get("status"))
	list := s.launcher.Manager().List()
	out := make([]TaskView, 0, len(list))
	for _, snap := range list {
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, taskView(snap, false))
	}
	RenderJSON(w, r, out)
}

func (s *Server) HandlerTaskStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.task(w, r)
	if !ok {
		return
	}
	RenderJSON(w, r, taskView(c.Snapshot(), true))
}

func (s *Server) HandlerPauseTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, audit.ActionPause, (*orchestrator.Controller).Pause)
}

func (s *Server) HandlerResumeTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, audit.ActionResume, (*orchestrator.Controller).Resume)
}

func (s *Server) HandlerCancelTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, audit.ActionCancel, (*orchestrator.Controller).Cancel)
}

func (s *Server) HandlerTaskResult(w http.ResponseWriter, r *http.Request) {
	c, ok := s.task(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()
	if snap.Result == nil {
		if snap.Status.Terminal() {
			RenderError(w, r, http.StatusNotFound, JsonResponseErrorCodeNotFound, "task finished without a result")
			return
		}
		RenderError(w, r, http.StatusConflict, JsonResponseErrorCodeInvalidState, "task has not completed")
		return
	}
	s.renderResult(w, r, snap.Result)
}

func (s *Server) HandlerListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		RenderError(w, r, http.StatusServiceUnavailable, JsonResponseErrorCodeUnavailable, "run history is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			RenderError(w, r, http.StatusBadRequest, JsonResponseErrorCodeValidationFailed, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.history.RecentRuns(limit, r.URL.Query().Get("scenario"))
	if err != nil {
		RenderError(w, r, http.StatusInternalServerError, JsonResponseErrorCodeInternal, "Failed to read run history")
		return
	}
	out := make([]RunView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, runView(rec, false))
	}
	RenderJSON(w, r, out)
}

func (s *Server) HandlerGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		RenderError(w, r, http.StatusServiceUnavailable, JsonResponseErrorCodeUnavailable, "run history is disabled")
		return
	}
	rec, err := s.history.GetRun(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, state.ErrRunNotFound):
		RenderError(w, r, http.StatusNotFound, JsonResponseErrorCodeNotFound, "run not found")
		return
	case errors.Is(err, state.ErrAmbiguousID):
		RenderError(w, r, http.StatusBadRequest, JsonResponseErrorCodeValidationFailed, err.Error())
		return
	case err != nil:
		RenderError(w, r, http.StatusInternalServerError, JsonResponseErrorCodeInternal, "Failed to read run")
		return
	}

	if r.URL.Query().Get("format") != "" {
		if rec.Result == nil {
			RenderError(w, r, http.StatusNotFound, JsonResponseErrorCodeNotFound, "run has no result")
			return
		}
		s.renderResult(w, r, rec.Result)
		return
	}
	RenderJSON(w, r, runView(rec, true))
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) (*orchestrator.Controller, bool) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		RenderError(w, r, http.StatusBadRequest, JsonResponseErrorCodeValidationFailed, "task id is required")
		return nil, false
	}
	c, err := s.launcher.Manager().Get(taskID)
	if err != nil {
		RenderError(w, r, http.StatusNotFound, JsonResponseErrorCodeNotFound, "task not found")
		return nil, false
	}
	return c, true
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, action audit.Action, op func(*orchestrator.Controller) error) {
	c, ok := s.task(w, r)
	if !ok {
		return
	}
	err := op(c)
	entry := audit.Event{
		Action:    action,
		TaskID:    c.ID(),
		Scenario:  c.Scenario(),
		Origin:    state.OriginAPI,
		Status:    string(c.Status()),
		RequestID: RequestID(r.Context()),
	}
	if err != nil {
		entry.Action = audit.ActionRejected
		entry.Error = err.Error()
		entry.Metadata = map[string]string{"requested": string(action)}
	}
	s.launcher.Audit(entry)

	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidState) {
			RenderError(w, r, http.StatusConflict, JsonResponseErrorCodeInvalidState, err.Error())
			return
		}
		RenderError(w, r, http.StatusInternalServerError, JsonResponseErrorCodeInternal, err.Error())
		return
	}
	RenderJSON(w, r, taskView(c.Snapshot(), false))
}

// renderResult writes res in the ?format= encoding, JSON by default.
func (s *Server) renderResult(w http.ResponseWriter, r *http.Request, res *reporting.Result) {
	format := reporting.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := reporting.ParseFormat(v)
		if err != nil {
			RenderError(w, r, http.StatusBadRequest, JsonResponseErrorCodeValidationFailed, err.Error())
			return
		}
		format = f
	}

	body, err := reporting.Render(res, format)
	if err != nil {
		RenderError(w, r, http.StatusInternalServerError, JsonResponseErrorCodeInternal, "Failed to render result")
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	_, _ = w.Write(body)
}

func contentType(f reporting.Format) string {
	switch f {
	case reporting.FormatHTML:
		return "text/html; charset=utf-8"
	case reporting.FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case reporting.FormatYAML:
		return "application/yaml"
	}
	return "application/json"
}
