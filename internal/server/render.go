package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/reporting"
	"github.com/marcus/sentinel/internal/scenarios"
	"github.com/marcus/sentinel/internal/state"
)

type JsonResponseStatus string

const (
	JsonResponseStatusSuccess JsonResponseStatus = "success"
	JsonResponseStatusFailed  JsonResponseStatus = "failed"
)

type JsonResponseErrorCode string

const (
	JsonResponseErrorCodeInvalidJson      JsonResponseErrorCode = "invalid_json"
	JsonResponseErrorCodeValidationFailed JsonResponseErrorCode = "validation_failed"
	JsonResponseErrorCodeInternal         JsonResponseErrorCode = "internal"
	JsonResponseErrorCodeNotFound         JsonResponseErrorCode = "not_found"
	JsonResponseErrorCodeInvalidState     JsonResponseErrorCode = "invalid_state"
	JsonResponseErrorCodeUnavailable      JsonResponseErrorCode = "unavailable"
)

type ErrorResponse struct {
	Status  JsonResponseStatus    `json:"status"`
	Code    JsonResponseErrorCode `json:"code"`
	Message string                `json:"message"`
}

func JsonResponseError(code JsonResponseErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Status:  JsonResponseStatusFailed,
		Code:    code,
		Message: message,
	}
}

type RenderOption = func(w http.ResponseWriter, r *http.Request)

// WithStatus sets the response status code.
func WithStatus(status int) RenderOption {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

func RenderJSON(w http.ResponseWriter, r *http.Request, payload any, opts ...RenderOption) {
	w.Header().Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(w, r)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func RenderError(w http.ResponseWriter, r *http.Request, status int, code JsonResponseErrorCode, message string) {
	RenderJSON(w, r, JsonResponseError(code, message), WithStatus(status))
}

// PhaseView is the wire form of a phase.
type PhaseView struct {
	Name        string `json:"name"`
	DurationMS  int64  `json:"duration_ms"`
	Description string `json:"description,omitempty"`
}

// TaskView is the wire form of a task snapshot.
type TaskView struct {
	ID                string              `json:"id"`
	Scenario          string              `json:"scenario"`
	Status            orchestrator.Status `json:"status"`
	Progress          float64             `json:"progress"`
	CurrentPhaseIndex int                 `json:"current_phase_index"`
	CurrentPhase      string              `json:"current_phase,omitempty"`
	Phases            []PhaseView         `json:"phases"`
	EventCount        int                 `json:"event_count"`
	AlertCount        int                 `json:"alert_count"`
	StartedAt         time.Time           `json:"started_at"`
	EndedAt           *time.Time          `json:"ended_at,omitempty"`
	Error             string              `json:"error,omitempty"`
	HasResult         bool                `json:"has_result"`
	Events            []feed.Event        `json:"events,omitempty"`
	Alerts            []feed.Event        `json:"alerts,omitempty"`
}

func taskView(s orchestrator.Snapshot, detail bool) TaskView {
	v := TaskView{
		ID:                s.TaskID,
		Scenario:          s.Scenario,
		Status:            s.Status,
		Progress:          s.Progress,
		CurrentPhaseIndex: s.CurrentPhaseIndex,
		CurrentPhase:      s.CurrentPhase,
		EventCount:        s.EventCount,
		AlertCount:        len(s.Alerts),
		StartedAt:         s.StartedAt,
		HasResult:         s.Result != nil,
	}
	for _, p := range s.Phases {
		v.Phases = append(v.Phases, PhaseView{Name: p.Name, DurationMS: p.Duration.Milliseconds(), Description: p.Description})
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		v.EndedAt = &ended
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if detail {
		v.Events = s.Events
		v.Alerts = s.Alerts
	}
	return v
}

// ScenarioView is the wire form of a catalog entry.
type ScenarioView struct {
	Name        string        `json:"name"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Phases      []PhaseView   `json:"phases"`
	DurationMS  int64         `json:"duration_ms"`
	IntervalMS  int64         `json:"interval_ms"`
	Promote     feed.Severity `json:"promote,omitempty"`
}

func scenarioView(sc scenarios.Scenario) ScenarioView {
	v := ScenarioView{
		Name:        sc.Name,
		Title:       sc.Title,
		Description: sc.Description,
		DurationMS:  sc.Duration().Milliseconds(),
		IntervalMS:  sc.Interval.Milliseconds(),
		Promote:     sc.Promote,
	}
	for _, p := range sc.Phases {
		v.Phases = append(v.Phases, PhaseView{Name: p.Name, DurationMS: p.Duration.Milliseconds(), Description: p.Description})
	}
	return v
}

// RunView is the wire form of a recorded run.
type RunView struct {
	ID         string              `json:"id"`
	Scenario   string              `json:"scenario"`
	Status     orchestrator.Status `json:"status"`
	Progress   float64             `json:"progress"`
	StartedAt  time.Time           `json:"started_at"`
	DurationMS int64               `json:"duration_ms"`
	EventCount int                 `json:"event_count"`
	AlertCount int                 `json:"alert_count"`
	Error      string              `json:"error,omitempty"`
	Seed       uint64              `json:"seed"`
	Origin     string              `json:"origin"`
	Result     *reporting.Result   `json:"result,omitempty"`
	Alerts     []feed.Event        `json:"alerts,omitempty"`
}

func runView(rec state.RunRecord, detail bool) RunView {
	v := RunView{
		ID:         rec.ID,
		Scenario:   rec.Scenario,
		Status:     rec.Status,
		Progress:   rec.Progress,
		StartedAt:  rec.StartedAt,
		DurationMS: rec.Duration().Milliseconds(),
		EventCount: rec.EventCount,
		AlertCount: rec.AlertCount,
		Error:      rec.Error,
		Seed:       rec.Seed,
		Origin:     rec.Origin,
	}
	if detail {
		v.Result = rec.Result
		v.Alerts = rec.Alerts
	}
	return v
}
