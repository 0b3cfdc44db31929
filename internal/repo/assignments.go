package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
)

const assignmentCols = `id, project_id, work_group_id, assigned_to, assignment_status, progress_percentage, assigned_at, actual_start_date, history_json, created_at, updated_at`

func scanAssignment(row interface{ Scan(...any) error }) (domain.Assignment, error) {
	var a domain.Assignment
	var workGroup, actualStart sql.NullString
	var history string
	err := row.Scan(&a.ID, &a.ProjectID, &workGroup, &a.AssignedTo, &a.AssignmentStatus, &a.ProgressPercentage, &a.AssignedAt, &actualStart, &history, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Assignment{}, ErrNotFound
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	if workGroup.Valid {
		a.WorkGroupID = &workGroup.String
	}
	if actualStart.Valid {
		a.ActualStartDate = &actualStart.String
	}
	if err := json.Unmarshal([]byte(history), &a.History); err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment %s history: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row)
}

func (r Repo) ListAssignments(ctx context.Context, projectID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (r Repo) ListAssignmentsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Assignment, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (r Repo) ListAssignmentsByAssignee(ctx context.Context, assigneeID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE assigned_to=? ORDER BY created_at`, assigneeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows *sql.Rows) ([]domain.Assignment, error) {
	var out []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AssignmentExistsTx reports whether an assignee already holds an assignment
// on the project.
func (r Repo) AssignmentExistsTx(ctx context.Context, tx *sql.Tx, projectID, assigneeID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM assignments WHERE project_id=? AND assigned_to=?`, projectID, assigneeID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateAssignmentTx writes back mutable assignment fields plus history.
func (r Repo) UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	history, err := json.Marshal(a.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE assignments
		SET assigned_to=?, assignment_status=?, progress_percentage=?, assigned_at=?, actual_start_date=?, history_json=?, updated_at=?
		WHERE id=?`,
		a.AssignedTo, a.AssignmentStatus, a.ProgressPercentage, a.AssignedAt, nullablePtr(a.ActualStartDate), string(history), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
