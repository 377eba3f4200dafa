package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store and PageRegistry over the tables created by InitSchema.
// Records live in a JSONB column and keep insertion order through their sequence.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p := Project{ID: id}
	var rolesJSON []byte
	err := s.db.QueryRow(ctx, `SELECT name, roles FROM projects WHERE id = $1`, id).Scan(&p.Name, &rolesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if err := json.Unmarshal(rolesJSON, &p.Roles); err != nil {
		return nil, fmt.Errorf("unmarshal roles: %w", err)
	}

	rows, err := s.db.Query(ctx, `SELECT id, name, primary_key FROM forms WHERE project_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f Form
		if err := rows.Scan(&f.ID, &f.Name, &f.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		p.Forms = append(p.Forms, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	p.Fields, err = s.ListFields(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListFields(ctx context.Context, projectID string) ([]Field, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, form_id FROM fields WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		if err := rows.Scan(&f.ID, &f.Name, &f.FormID); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func (s *PostgresStore) ListRecords(ctx context.Context, formID string) ([]Record, error) {
	rows, err := s.db.Query(ctx, `SELECT data FROM records WHERE form_id = $1 ORDER BY seq`, formID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRecord(ctx context.Context, formID string, data Record) (Record, error) {
	rec := cloneRecord(data)
	id := uuid.New()
	rec[KeyID] = id.String()
	if _, ok := rec[KeyCreateTime]; !ok {
		rec[KeyCreateTime] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.db.Exec(ctx, `INSERT INTO records (id, form_id, data) VALUES ($1, $2, $3)`, id, formID, raw); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, formID string, key any, data Record) error {
	pk, err := s.primaryKey(ctx, formID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE records SET data = data || $1::jsonb
		WHERE seq = (SELECT seq FROM records WHERE form_id = $2 AND data->>$3 = $4 ORDER BY seq LIMIT 1)
	`, raw, formID, pk, formatValue(key))
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %v not found in form %q", key, formID)
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, formID string, key any) error {
	pk, err := s.primaryKey(ctx, formID)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		DELETE FROM records
		WHERE seq = (SELECT seq FROM records WHERE form_id = $1 AND data->>$2 = $3 ORDER BY seq LIMIT 1)
	`, formID, pk, formatValue(key))
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %v not found in form %q", key, formID)
	}
	return nil
}

func (s *PostgresStore) ListPages(ctx context.Context, projectID, roleID string) ([]Page, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, role_id, category, name, path FROM pages
		WHERE project_id = $1 AND ($2 = '' OR role_id = '' OR role_id = $2)
		ORDER BY id
	`, projectID, roleID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.RoleID, &p.Category, &p.Name, &p.Path); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (s *PostgresStore) primaryKey(ctx context.Context, formID string) (string, error) {
	var pk string
	err := s.db.QueryRow(ctx, `SELECT primary_key FROM forms WHERE id = $1`, formID).Scan(&pk)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("get form: %w", err)
	}
	if pk == "" {
		pk = KeyID
	}
	return pk, nil
}
