// Package history persists processed triggers to the orchestration log.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchyard/internal/orchestrator"
)

// ErrNotFound is returned by Get for an unknown request id.
var ErrNotFound = errors.New("history entry not found")

// DefaultLimit caps Recent when no limit is given.
const DefaultLimit = 50

// Fixed-width UTC timestamps so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one row of the orchestration log.
type Entry struct {
	ID           string          `json:"id"`
	RequestID    string          `json:"request_id"`
	Kind         string          `json:"trigger_type"`
	Source       string          `json:"source"`
	Repository   string          `json:"repository,omitempty"`
	Stage        string          `json:"stage"`
	Success      bool            `json:"success"`
	FallbackUsed bool            `json:"fallback_used"`
	Selected     []string        `json:"selected"`
	Error        string          `json:"error,omitempty"`
	ElapsedMS    int64           `json:"elapsed_ms"`
	Result       json.RawMessage `json:"result"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Filter narrows Recent.
type Filter struct {
	Limit      int
	Kind       string
	FailedOnly bool
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record stores a finished result. It satisfies orchestrator.Recorder.
func (s *Store) Record(ctx context.Context, res *orchestrator.Result) error {
	if res == nil || res.RequestID == "" {
		return fmt.Errorf("result has no request id")
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	selected := []string{}
	fallback := false
	if res.Routing != nil {
		selected = res.Routing.Selected
		fallback = res.Routing.FallbackUsed
	}
	sel, err := json.Marshal(selected)
	if err != nil {
		return fmt.Errorf("marshal selected: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO orchestration_log(
  id, request_id, trigger_kind, source, repository, stage, success,
  fallback_used, selected, error, elapsed_ms, result, created_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		uuid.NewString(),
		res.RequestID,
		string(res.Trigger.Kind),
		res.Trigger.Source,
		nullIfEmpty(res.Trigger.Repository),
		string(res.Stage),
		boolInt(res.Success),
		boolInt(fallback),
		string(sel),
		nullIfEmpty(res.Error),
		res.Elapsed.Milliseconds(),
		string(raw),
		s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert orchestration log: %w", err)
	}
	return nil
}

const selectColumns = `id, request_id, trigger_kind, source, repository, stage, success,
  fallback_used, selected, error, elapsed_ms, result, created_at`

// Get returns the entry for requestID.
func (s *Store) Get(ctx context.Context, requestID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM orchestration_log WHERE request_id = ?;", requestID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "trigger_kind = ?")
		args = append(args, f.Kind)
	}
	if f.FailedOnly {
		where = append(where, "success = 0")
	}

	q := "SELECT " + selectColumns + " FROM orchestration_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query orchestration log: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orchestration log: %w", err)
	}
	return out, nil
}

// Prune deletes entries older than maxAge and returns how many went.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM orchestration_log WHERE created_at < ?;", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune orchestration log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                 Entry
		repo, errText     sql.NullString
		success, fallback int
		selected, result  string
		createdAt         string
	)
	err := sc.Scan(&e.ID, &e.RequestID, &e.Kind, &e.Source, &repo, &e.Stage, &success,
		&fallback, &selected, &errText, &e.ElapsedMS, &result, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Repository = repo.String
	e.Error = errText.String
	e.Success = success != 0
	e.FallbackUsed = fallback != 0
	e.Result = json.RawMessage(result)
	if err := json.Unmarshal([]byte(selected), &e.Selected); err != nil {
		return nil, fmt.Errorf("decode selected servers: %w", err)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	e.CreatedAt = t
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
