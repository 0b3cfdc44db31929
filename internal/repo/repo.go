package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

const projectCols = `id, name, approval_status, project_status, urgency_level, deadline, approved_at, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var deadline, approvedAt sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.ApprovalStatus, &p.ProjectStatus, &p.UrgencyLevel, &deadline, &approvedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Project{}, ErrNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}
	if deadline.Valid {
		p.Deadline = &deadline.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.String
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row)
}

type ProjectFilter struct {
	ApprovalStatus string
	ProjectStatus  string
	UrgencyLevel   string
	Limit          int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error) {
	q := `SELECT ` + projectCols + ` FROM projects`
	var conds []string
	var args []any
	if f.ApprovalStatus != "" {
		conds = append(conds, "approval_status=?")
		args = append(args, f.ApprovalStatus)
	}
	if f.ProjectStatus != "" {
		conds = append(conds, "project_status=?")
		args = append(args, f.ProjectStatus)
	}
	if f.UrgencyLevel != "" {
		conds = append(conds, "urgency_level=?")
		args = append(args, f.UrgencyLevel)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListOpenProjects returns projects the delay monitor and the pipeline
// views still care about. Completed projects stay open: their QC and
// registration gates keep running until the final verdict lands.
func (r Repo) ListOpenProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects
		WHERE project_status NOT IN (?,?,?)
		ORDER BY created_at`, domain.StatusCancelled, domain.StatusApprovedForDeployment, domain.StatusRegistrationRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	q := `SELECT id, ts, type, project_id, entity_kind, entity_id, actor_id, payload_json FROM events`
	var args []any
	if projectID != "" {
		q += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var pid, eid sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &pid, &e.EntityKind, &eid, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.ProjectID = pid.String
		e.EntityID = eid.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
