// Package state records finished sentinel runs in the database so they can
// be listed and re-rendered later.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcus/sentinel/internal/db"
	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/reporting"
)

var (
	// ErrRunNotFound is returned when no run matches an id or prefix.
	ErrRunNotFound = errors.New("run not found")
	// ErrAmbiguousID is returned when a prefix matches more than one run.
	ErrAmbiguousID = errors.New("run id prefix is ambiguous")
)

// Where a run was started from.
const (
	OriginManual = "manual"
	OriginDaemon = "daemon"
	OriginAPI    = "api"
)

// State reads and writes run history.
type State struct {
	mu sync.Mutex
	db *db.DB
}

// RunRecord is one finished task.
type RunRecord struct {
	ID         string              `json:"id"`
	Scenario   string              `json:"scenario"`
	Status     orchestrator.Status `json:"status"`
	Progress   float64             `json:"progress"`
	StartedAt  time.Time           `json:"started_at"`
	EndedAt    time.Time           `json:"ended_at"`
	EventCount int                 `json:"event_count"`
	AlertCount int                 `json:"alert_count"`
	Error      string              `json:"error,omitempty"`
	Seed       uint64              `json:"seed"`
	Origin     string              `json:"origin"`
	Result     *reporting.Result   `json:"result,omitempty"`
	Alerts     []feed.Event        `json:"alerts,omitempty"`
}

// Duration is EndedAt - StartedAt, zero when either is unset.
func (r RunRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RecordFromSnapshot converts the terminal snapshot of a task.
func RecordFromSnapshot(s orchestrator.Snapshot, seed uint64, origin string) RunRecord {
	rec := RunRecord{
		ID:         s.TaskID,
		Scenario:   s.Scenario,
		Status:     s.Status,
		Progress:   s.Progress,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		EventCount: s.EventCount,
		AlertCount: len(s.Alerts),
		Seed:       seed,
		Origin:     origin,
		Result:     s.Result,
		Alerts:     s.Alerts,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	if rec.Origin == "" {
		rec.Origin = OriginManual
	}
	return rec
}

// New creates a state store on an open database.
func New(database *db.DB) (*State, error) {
	if database == nil || database.SQL() == nil {
		return nil, errors.New("state: db is nil")
	}
	return &State{db: database}, nil
}

// RecordRun inserts or replaces rec and its alerts.
func (s *State) RecordRun(rec RunRecord) error {
	if rec.ID == "" {
		return errors.New("state: run id is empty")
	}
	var result sql.NullString
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.InTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT OR REPLACE INTO runs
    (id, scenario, status, progress, started_at, ended_at, event_count, alert_count, error, result, seed, origin)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Scenario, string(rec.Status), rec.Progress,
			formatTime(rec.StartedAt), nullTime(rec.EndedAt),
			rec.EventCount, rec.AlertCount, nullString(rec.Error), result,
			int64(rec.Seed), rec.Origin,
		)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", rec.ID, err)
		}

		if _, err := tx.Exec(`DELETE FROM run_alerts WHERE run_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("clear alerts %s: %w", rec.ID, err)
		}
		for _, a := range rec.Alerts {
			_, err := tx.Exec(`
INSERT OR IGNORE INTO run_alerts (run_id, event_id, timestamp, severity, source, message)
VALUES (?, ?, ?, ?, ?, ?)`,
				rec.ID, a.ID, formatTime(a.Timestamp), string(a.Severity), a.Source, a.Message)
			if err != nil {
				return fmt.Errorf("insert alert for %s: %w", rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

const runColumns = `id, scenario, status, progress, started_at, ended_at, event_count, alert_count, error, result, seed, origin`

// GetRun returns the run whose id equals or starts with idOrPrefix,
// including its alerts.
func (s *State) GetRun(idOrPrefix string) (RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.SQL().Query(
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? ORDER BY (id = ?) DESC LIMIT 2`,
		idOrPrefix, escapeLike(idOrPrefix)+"%", idOrPrefix)
	if err != nil {
		return RunRecord{}, fmt.Errorf("query run: %w", err)
	}
	recs, err := scanRuns(rows)
	if err != nil {
		return RunRecord{}, err
	}

	switch {
	case len(recs) == 0:
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, idOrPrefix)
	case len(recs) > 1 && recs[0].ID != idOrPrefix:
		return RunRecord{}, fmt.Errorf("%w: %s", ErrAmbiguousID, idOrPrefix)
	}

	rec := recs[0]
	rec.Alerts, err = s.alerts(rec.ID)
	return rec, err
}

// RecentRuns returns up to n runs, newest first. An empty scenario matches
// every scenario. Alerts are not loaded.
func (s *State) RecentRuns(n int, scenario string) ([]RunRecord, error) {
	if n <= 0 {
		n = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.SQL().Query(
		`SELECT `+runColumns+` FROM runs WHERE (? = '' OR scenario = ?) ORDER BY started_at DESC LIMIT ?`,
		scenario, scenario, n)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return scanRuns(rows)
}

// LastRun returns the newest run of scenario.
func (s *State) LastRun(scenario string) (RunRecord, bool, error) {
	recs, err := s.RecentRuns(1, scenario)
	if err != nil || len(recs) == 0 {
		return RunRecord{}, false, err
	}
	return recs[0], true, nil
}

// Summary aggregates runs started at or after since.
type Summary struct {
	TotalRuns     int            `json:"total_runs"`
	Completed     int            `json:"completed"`
	Cancelled     int            `json:"cancelled"`
	Failed        int            `json:"failed"`
	Events        int            `json:"events"`
	Alerts        int            `json:"alerts"`
	ScenarioCount map[string]int `json:"scenarios"`
}

// SummarySince returns the aggregate of runs started at or after since.
func (s *State) SummarySince(since time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.SQL().Query(
		`SELECT `+runColumns+` FROM runs WHERE started_at >= ? ORDER BY started_at DESC`,
		formatTime(since))
	if err != nil {
		return Summary{}, fmt.Errorf("query summary: %w", err)
	}
	recs, err := scanRuns(rows)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{ScenarioCount: make(map[string]int)}
	for _, r := range recs {
		sum.TotalRuns++
		sum.Events += r.EventCount
		sum.Alerts += r.AlertCount
		sum.ScenarioCount[r.Scenario]++
		switch r.Status {
		case orchestrator.StatusCompleted:
			sum.Completed++
		case orchestrator.StatusCancelled:
			sum.Cancelled++
		case orchestrator.StatusFailed:
			sum.Failed++
		}
	}
	return sum, nil
}

// Prune deletes runs started before cutoff, with their alerts, and
// returns how many runs went.
func (s *State) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.InTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM run_alerts WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, formatTime(cutoff)); err != nil {
			return fmt.Errorf("prune alerts: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// Compact reclaims the space freed by Prune.
func (s *State) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Vacuum()
}

func (s *State) alerts(runID string) ([]feed.Event, error) {
	rows, err := s.db.SQL().Query(
		`SELECT event_id, timestamp, severity, source, message FROM run_alerts WHERE run_id = ? ORDER BY timestamp DESC, event_id DESC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []feed.Event
	for rows.Next() {
		var ev feed.Event
		var ts, sev string
		if err := rows.Scan(&ev.ID, &ts, &sev, &ev.Source, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		ev.Timestamp = parseTime(ts)
		ev.Severity = feed.Severity(sev)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var (
			rec       RunRecord
			status    string
			started   string
			ended     sql.NullString
			errText   sql.NullString
			result    sql.NullString
			seed      int64
			runOrigin string
		)
		if err := rows.Scan(&rec.ID, &rec.Scenario, &status, &rec.Progress, &started, &ended,
			&rec.EventCount, &rec.AlertCount, &errText, &result, &seed, &runOrigin); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Status = orchestrator.Status(status)
		rec.StartedAt = parseTime(started)
		if ended.Valid {
			rec.EndedAt = parseTime(ended.String)
		}
		rec.Error = errText.String
		rec.Seed = uint64(seed)
		rec.Origin = runOrigin
		if result.Valid && result.String != "" {
			var r reporting.Result
			if err := json.Unmarshal([]byte(result.String), &r); err != nil {
				return nil, fmt.Errorf("decode result of %s: %w", rec.ID, err)
			}
			rec.Result = &r
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`%`, ``, `_`, ``).Replace(s)
}
