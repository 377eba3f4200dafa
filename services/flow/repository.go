package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles flow persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the flow, project and record tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flows (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			design     JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS flows_project_idx ON flows (project_id);

		CREATE TABLE IF NOT EXISTS projects (
			id    TEXT PRIMARY KEY,
			name  TEXT NOT NULL DEFAULT '',
			roles JSONB NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS forms (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL REFERENCES projects (id),
			name        TEXT NOT NULL DEFAULT '',
			primary_key TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS fields (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects (id),
			form_id    TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS records (
			seq        BIGSERIAL PRIMARY KEY,
			id         UUID NOT NULL UNIQUE,
			form_id    TEXT NOT NULL,
			data       JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS records_form_idx ON records (form_id, seq);

		CREATE TABLE IF NOT EXISTS pages (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects (id),
			role_id    TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			path       TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample order project and its summary flow if they do not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	rolesJSON, err := json.Marshal(sampleProject.Roles)
	if err != nil {
		return fmt.Errorf("marshal seed roles: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO projects (id, name, roles) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		sampleProject.ID, sampleProject.Name, rolesJSON)
	for _, f := range sampleProject.Forms {
		batch.Queue(`INSERT INTO forms (id, project_id, name, primary_key) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			f.ID, sampleProject.ID, f.Name, f.PrimaryKey)
	}
	for _, f := range sampleProject.Fields {
		batch.Queue(`INSERT INTO fields (id, project_id, form_id, name) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			f.ID, sampleProject.ID, f.FormID, f.Name)
	}
	for _, p := range samplePages {
		batch.Queue(`INSERT INTO pages (id, project_id, role_id, category, name, path) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			p.ID, sampleProject.ID, p.RoleID, p.Category, p.Name, p.Path)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed project: %w", err)
	}

	designJSON, err := json.Marshal(sampleFlow.Design)
	if err != nil {
		return fmt.Errorf("marshal seed design: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO flows (id, project_id, name, design)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, sampleFlow.ID, sampleFlow.ProjectID, sampleFlow.Name, designJSON)
	if err != nil {
		return fmt.Errorf("seed flow: %w", err)
	}
	return nil
}

// Get retrieves a flow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Flow, error) {
	var f Flow
	var designJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, project_id, name, design, created_at, updated_at
		FROM flows WHERE id = $1
	`, id).Scan(&f.ID, &f.ProjectID, &f.Name, &designJSON, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}

	if err := json.Unmarshal(designJSON, &f.Design); err != nil {
		return nil, fmt.Errorf("unmarshal design: %w", err)
	}
	return &f, nil
}

// ListByProject returns every flow of a project.
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]Flow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, project_id, name, design, created_at, updated_at
		FROM flows WHERE project_id = $1 ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []Flow
	for rows.Next() {
		var f Flow
		var designJSON []byte
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &designJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		if err := json.Unmarshal(designJSON, &f.Design); err != nil {
			return nil, fmt.Errorf("unmarshal design of %s: %w", f.ID, err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// Save inserts or replaces a flow definition.
func (r *Repository) Save(ctx context.Context, f *Flow) error {
	designJSON, err := json.Marshal(f.Design)
	if err != nil {
		return fmt.Errorf("marshal design: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO flows (id, project_id, name, design)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET project_id = EXCLUDED.project_id, name = EXCLUDED.name,
		    design = EXCLUDED.design, updated_at = NOW()
	`, f.ID, f.ProjectID, f.Name, designJSON)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

const (
	sampleProjectID = "orders-demo"
	sampleFlowID    = "550e8400-e29b-41d4-a716-446655440000"
)

var sampleProject = Project{
	ID:   sampleProjectID,
	Name: "Orders",
	Forms: []Form{
		{ID: "orders", Name: "Orders", PrimaryKey: "f_no"},
	},
	Fields: []Field{
		{ID: "f_no", Name: "no", FormID: "orders"},
		{ID: "f_amount", Name: "amount", FormID: "orders"},
		{ID: "f_customer", Name: "customer", FormID: "orders"},
	},
	Roles: []Role{{ID: "staff", Name: "Staff"}},
}

var samplePages = []Page{
	{ID: "order-list", RoleID: "staff", Category: "orders", Name: "Order list"},
	{ID: "order-detail", RoleID: "staff", Category: "orders", Name: "Order detail"},
}

var sampleFlow = Flow{
	ID:        sampleFlowID,
	ProjectID: sampleProjectID,
	Name:      "Order total",
	Design: Design{
		Nodes: []Node{
			{ID: "start", Type: TypeStart, Name: "Summary button", Config: map[string]any{
				"triggerType": TriggerControl, "pageId": "order-list", "controlId": "btn-summary",
			}},
			{ID: "read", Type: TypeRead, Name: "Load orders", Config: map[string]any{
				"sourceType": SourceForm, "formId": "orders", "readMode": ReadBatch, "outputVariable": "orders",
			}},
			{ID: "sum", Type: TypeAggregate, Name: "Sum amounts", Config: map[string]any{
				"source": map[string]any{"variable": "orders"}, "field": "amount", "method": AggSum, "outputVariable": "total",
			}},
			{ID: "end", Type: TypeEnd, Name: "Show total", Config: map[string]any{
				"endType": EndAlert, "message": "Orders total: {total}",
			}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "read"},
			{ID: "e2", Source: "read", Target: "sum"},
			{ID: "e3", Source: "sum", Target: "end"},
		},
	},
}
