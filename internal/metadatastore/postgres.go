package metadatastore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingestgraph/internal/domain"
)

type postgresStore struct{ pool *pgxpool.Pool }

// NewPostgres returns a Store backed by pool. Callers must invoke Init once
// before first use to create the schema.
func NewPostgres(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

func (p *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			source_type TEXT NOT NULL,
			source_uri TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL DEFAULT '',
			object_key TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL DEFAULT '',
			version INT NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			cancelled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS task_steps (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			detail JSONB NOT NULL DEFAULT '{}'::jsonb,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS task_steps_task_id ON task_steps(task_id)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgresStore) CreateDocument(ctx context.Context, d domain.Document) (domain.Document, error) {
	row := p.pool.QueryRow(ctx, `
INSERT INTO documents(id, title, source_type, source_uri, bucket, object_key, mime_type, language, hash, version, status)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING created_at, updated_at
`, d.ID, d.Title, d.SourceType, d.SourceURI, d.Bucket, d.ObjectKey, d.MimeType, d.Language, d.Hash, d.Version, d.Status)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

func (p *postgresStore) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, title, source_type, source_uri, bucket, object_key, mime_type, language, hash, version, status, created_at, updated_at, deleted_at
FROM documents WHERE id=$1
`, id)
	var d domain.Document
	if err := row.Scan(&d.ID, &d.Title, &d.SourceType, &d.SourceURI, &d.Bucket, &d.ObjectKey, &d.MimeType, &d.Language,
		&d.Hash, &d.Version, &d.Status, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, ErrNotFound
		}
		return domain.Document{}, err
	}
	return d, nil
}

func (p *postgresStore) UpdateDocument(ctx context.Context, d domain.Document) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE documents SET title=$2, source_uri=$3, bucket=$4, object_key=$5, mime_type=$6, language=$7,
  hash=$8, version=$9, status=$10, updated_at=now()
WHERE id=$1
`, d.ID, d.Title, d.SourceURI, d.Bucket, d.ObjectKey, d.MimeType, d.Language, d.Hash, d.Version, d.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgresStore) SoftDeleteDocument(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE documents SET deleted_at=now(), status=$2, updated_at=now() WHERE id=$1
`, id, domain.DocumentFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]domain.Document, error) {
	query := `SELECT id, title, source_type, source_uri, bucket, object_key, mime_type, language, hash, version, status, created_at, updated_at, deleted_at FROM documents WHERE 1=1`
	args := []any{}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status=$` + itoa(len(args))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.SourceType, &d.SourceURI, &d.Bucket, &d.ObjectKey, &d.MimeType,
			&d.Language, &d.Hash, &d.Version, &d.Status, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *postgresStore) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback(ctx)
	row := tx.QueryRow(ctx, `
INSERT INTO tasks(id, document_id, type, status, progress, error) VALUES($1,$2,$3,$4,$5,$6)
RETURNING created_at, updated_at
`, t.ID, t.DocumentID, t.Type, t.Status, t.Progress, t.Error)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	for i := range t.Steps {
		if err := insertStep(ctx, tx, t.Steps[i]); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// execer is the subset of pgx.Tx / pgxpool.Pool that insertStep needs, so it
// can run either inside a transaction (CreateTask) or standalone (CreateStep).
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertStep(ctx context.Context, tx execer, s domain.TaskStep) error {
	detail, err := json.Marshal(s.Detail)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO task_steps(id, task_id, name, weight, status, progress, detail, error, started_at, ended_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, s.ID, s.TaskID, s.Name, s.Weight, s.Status, s.Progress, detail, s.Error, s.StartedAt, s.EndedAt)
	return err
}

func (p *postgresStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, document_id, type, status, progress, error, created_at, updated_at, cancelled_at FROM tasks WHERE id=$1
`, id)
	var t domain.Task
	if err := row.Scan(&t.ID, &t.DocumentID, &t.Type, &t.Status, &t.Progress, &t.Error, &t.CreatedAt, &t.UpdatedAt, &t.CancelledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	steps, err := p.ListSteps(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.Steps = steps
	return t, nil
}

func (p *postgresStore) UpdateTask(ctx context.Context, t domain.Task) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET status=$2, progress=$3, error=$4, cancelled_at=$5, updated_at=now() WHERE id=$1
`, t.ID, t.Status, t.Progress, t.Error, t.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgresStore) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	query := `SELECT id, document_id, type, status, progress, error, created_at, updated_at, cancelled_at FROM tasks WHERE 1=1`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += ` AND status=$` + itoa(len(args))
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.DocumentID, &t.Type, &t.Status, &t.Progress, &t.Error, &t.CreatedAt, &t.UpdatedAt, &t.CancelledAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	for i := range out {
		steps, err := p.ListSteps(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Steps = steps
	}
	return out, nil
}

func (p *postgresStore) CreateStep(ctx context.Context, s domain.TaskStep) (domain.TaskStep, error) {
	if err := insertStep(ctx, p.pool, s); err != nil {
		return domain.TaskStep{}, err
	}
	return s, nil
}

func (p *postgresStore) UpdateStep(ctx context.Context, s domain.TaskStep) error {
	detail, err := json.Marshal(s.Detail)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
UPDATE task_steps SET status=$2, progress=$3, detail=$4, error=$5, started_at=$6, ended_at=$7 WHERE id=$1
`, s.ID, s.Status, s.Progress, detail, s.Error, s.StartedAt, s.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgresStore) ListSteps(ctx context.Context, taskID string) ([]domain.TaskStep, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, task_id, name, weight, status, progress, detail, error, started_at, ended_at
FROM task_steps WHERE task_id=$1 ORDER BY id ASC
`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskStep
	for rows.Next() {
		var s domain.TaskStep
		var detail []byte
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Name, &s.Weight, &s.Status, &s.Progress, &detail, &s.Error, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &s.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
