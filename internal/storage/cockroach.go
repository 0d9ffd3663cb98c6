package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// NewCockroachStoresFromDSN creates Cockroach-backed stores using a DSN.
func NewCockroachStoresFromDSN(dsn string, config *CockroachConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	stores := StoreSet{
		Sessions: &cockroachSessionStore{db: db},
		Turns:    &cockroachTurnStore{db: db},
		Dags:     &cockroachDagStore{db: db},
		closer:   db.Close,
	}
	return stores, nil
}

type cockroachSessionStore struct {
	db *sql.DB
}

func (s *cockroachSessionStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, cwd, sandbox_mode, model_id, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		session.ID,
		session.CWD,
		string(session.SandboxMode),
		session.ModelID,
		meta,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *cockroachSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cwd, sandbox_mode, model_id, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *cockroachSessionStore) List(ctx context.Context, limit, offset int) ([]*models.Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	args := []any{}
	limitClause := ""
	if limit > 0 {
		args = append(args, limit)
		limitClause = fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		limitClause += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := `SELECT id, cwd, sandbox_mode, model_id, metadata, created_at, updated_at
		FROM sessions ORDER BY created_at DESC` + limitClause
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, total, nil
}

// rowScanner abstracts over *sql.Row and *sql.Rows, both of which the
// Cockroach and Postgres drivers here expose a Scan method on.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var sandboxMode string
	var metaBytes []byte
	if err := row.Scan(
		&session.ID,
		&session.CWD,
		&sandboxMode,
		&session.ModelID,
		&metaBytes,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.SandboxMode = models.SandboxMode(sandboxMode)
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &session, nil
}

func (s *cockroachSessionStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET cwd = $1, sandbox_mode = $2, model_id = $3, metadata = $4, updated_at = $5
		 WHERE id = $6`,
		session.CWD,
		string(session.SandboxMode),
		session.ModelID,
		meta,
		session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *cockroachSessionStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type cockroachTurnStore struct {
	db *sql.DB
}

func (s *cockroachTurnStore) Create(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.ID == "" {
		return fmt.Errorf("turn is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, started_at, ended_at, status, max_tokens, max_tool_calls, deadline, wall_time_ms, tool_call_ids)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		turn.ID,
		turn.SessionID,
		turn.StartedAt,
		nullableTime(turn.EndedAt),
		string(turn.Status),
		turn.Budget.MaxTokens,
		turn.Budget.MaxToolCalls,
		nullableTime(turn.Budget.Deadline),
		turn.Budget.WallTime.Milliseconds(),
		pq.Array(turn.ToolCallIDs),
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (s *cockroachTurnStore) Get(ctx context.Context, id string) (*models.Turn, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, started_at, ended_at, status, max_tokens, max_tool_calls, deadline, wall_time_ms, tool_call_ids
		 FROM turns WHERE id = $1`, id)
	return scanTurn(row)
}

func (s *cockroachTurnStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Turn, int, error) {
	args := []any{}
	hasSessionFilter := sessionID != ""
	if hasSessionFilter {
		args = append(args, sessionID)
	}

	countQuery := "SELECT count(*) FROM turns"
	if hasSessionFilter {
		countQuery = "SELECT count(*) FROM turns WHERE session_id = $1"
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count turns: %w", err)
	}

	argsList := append([]any{}, args...)
	limitClause := ""
	if limit > 0 {
		argsList = append(argsList, limit)
		limitClause = fmt.Sprintf(" LIMIT $%d", len(argsList))
	}
	if offset > 0 {
		argsList = append(argsList, offset)
		limitClause += fmt.Sprintf(" OFFSET $%d", len(argsList))
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`SELECT id, session_id, started_at, ended_at, status, max_tokens, max_tool_calls, deadline, wall_time_ms, tool_call_ids
		FROM turns`)
	if hasSessionFilter {
		queryBuilder.WriteString(" WHERE session_id = $1")
	}
	queryBuilder.WriteString(" ORDER BY started_at DESC")
	queryBuilder.WriteString(limitClause)

	rows, err := s.db.QueryContext(ctx, queryBuilder.String(), argsList...)
	if err != nil {
		return nil, 0, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	turns := []*models.Turn{}
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, 0, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list turns: %w", err)
	}
	return turns, total, nil
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	var turn models.Turn
	var status string
	var endedAt, deadline sql.NullTime
	var wallTimeMS int64
	var toolCallIDs []string
	if err := row.Scan(
		&turn.ID,
		&turn.SessionID,
		&turn.StartedAt,
		&endedAt,
		&status,
		&turn.Budget.MaxTokens,
		&turn.Budget.MaxToolCalls,
		&deadline,
		&wallTimeMS,
		pq.Array(&toolCallIDs),
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	turn.Status = models.TurnStatus(status)
	if endedAt.Valid {
		turn.EndedAt = endedAt.Time
	}
	if deadline.Valid {
		turn.Budget.Deadline = deadline.Time
	}
	turn.Budget.WallTime = timeMillis(wallTimeMS)
	turn.ToolCallIDs = toolCallIDs
	return &turn, nil
}

func (s *cockroachTurnStore) Update(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.ID == "" {
		return fmt.Errorf("turn is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns
		 SET ended_at = $1, status = $2, tool_call_ids = $3
		 WHERE id = $4`,
		nullableTime(turn.EndedAt),
		string(turn.Status),
		pq.Array(turn.ToolCallIDs),
		turn.ID,
	)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update turn rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *cockroachTurnStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete turn: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete turn rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// cockroachDagStore persists DAG task graphs as one JSON document per
// session, the same shape FileDagStore uses on disk, traded here for a
// row keyed by session_id so a single CockroachDB connection can serve
// both session/turn history and in-flight DAG state.
type cockroachDagStore struct {
	db *sql.DB
}

func (s *cockroachDagStore) Save(ctx context.Context, sessionID string, tasks []*models.Task) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dag_runs (session_id, tasks) VALUES ($1,$2)
		 ON CONFLICT (session_id) DO UPDATE SET tasks = excluded.tasks`,
		sessionID, data,
	)
	if err != nil {
		return fmt.Errorf("save dag: %w", err)
	}
	return nil
}

func (s *cockroachDagStore) Load(ctx context.Context, sessionID string) ([]*models.Task, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT tasks FROM dag_runs WHERE session_id = $1`, sessionID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load dag: %w", err)
	}
	var tasks []*models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status == models.TaskRunning {
			t.Status = models.TaskPending
		}
	}
	return tasks, nil
}

func (s *cockroachDagStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dag_runs WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete dag: %w", err)
	}
	return nil
}
