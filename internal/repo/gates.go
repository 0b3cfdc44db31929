package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
)

const qcCols = `id, project_id, completion_report_id, request_status, quality_score, assigned_qa, created_at, started_at, reviewed_at`

func scanQC(row interface{ Scan(...any) error }) (domain.QCRequest, error) {
	var q domain.QCRequest
	var report, qa, started, reviewed sql.NullString
	var score sql.NullInt64
	err := row.Scan(&q.ID, &q.ProjectID, &report, &q.RequestStatus, &score, &qa, &q.CreatedAt, &started, &reviewed)
	if err == sql.ErrNoRows {
		return domain.QCRequest{}, ErrNotFound
	}
	if err != nil {
		return domain.QCRequest{}, err
	}
	if report.Valid {
		q.CompletionReportID = &report.String
	}
	if qa.Valid {
		q.AssignedQA = &qa.String
	}
	if started.Valid {
		q.StartedAt = &started.String
	}
	if reviewed.Valid {
		q.ReviewedAt = &reviewed.String
	}
	if score.Valid {
		v := int(score.Int64)
		q.QualityScore = &v
	}
	return q, nil
}

func (r Repo) GetQCRequest(ctx context.Context, id string) (domain.QCRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+qcCols+` FROM qc_requests WHERE id=?`, id)
	return scanQC(row)
}

func (r Repo) GetQCRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.QCRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+qcCols+` FROM qc_requests WHERE id=?`, id)
	return scanQC(row)
}

func (r Repo) ListQCRequests(ctx context.Context, projectID string) ([]domain.QCRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+qcCols+` FROM qc_requests WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQC(rows)
}

func (r Repo) ListQCRequestsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.QCRequest, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+qcCols+` FROM qc_requests WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQC(rows)
}

func collectQC(rows *sql.Rows) ([]domain.QCRequest, error) {
	var out []domain.QCRequest
	for rows.Next() {
		q, err := scanQC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

const registrationCols = `id, project_id, qc_request_id, po_decision, po_decided_at, admin_decision, admin_decided_at, created_at`

func scanRegistration(row interface{ Scan(...any) error }) (domain.SystemRegistration, error) {
	var sr domain.SystemRegistration
	var poDec, poAt, adminDec, adminAt sql.NullString
	err := row.Scan(&sr.ID, &sr.ProjectID, &sr.QCRequestID, &poDec, &poAt, &adminDec, &adminAt, &sr.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.SystemRegistration{}, ErrNotFound
	}
	if err != nil {
		return domain.SystemRegistration{}, err
	}
	if poDec.Valid {
		sr.PODecision = &poDec.String
	}
	if poAt.Valid {
		sr.PODecidedAt = &poAt.String
	}
	if adminDec.Valid {
		sr.AdminDecision = &adminDec.String
	}
	if adminAt.Valid {
		sr.AdminDecidedAt = &adminAt.String
	}
	return sr, nil
}

func (r Repo) GetRegistration(ctx context.Context, id string) (domain.SystemRegistration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+registrationCols+` FROM system_registrations WHERE id=?`, id)
	return scanRegistration(row)
}

func (r Repo) GetRegistrationTx(ctx context.Context, tx *sql.Tx, id string) (domain.SystemRegistration, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+registrationCols+` FROM system_registrations WHERE id=?`, id)
	return scanRegistration(row)
}

// GetRegistrationByProjectTx fetches the latest registration for a project.
func (r Repo) GetRegistrationByProjectTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.SystemRegistration, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+registrationCols+` FROM system_registrations WHERE project_id=? ORDER BY created_at DESC LIMIT 1`, projectID)
	return scanRegistration(row)
}

// AppendApprovalRecordTx writes one audit row for a decision.
func (r Repo) AppendApprovalRecordTx(ctx context.Context, tx *sql.Tx, rec domain.ApprovalRecord) error {
	var mods any
	if rec.Modifications != nil {
		data, err := json.Marshal(rec.Modifications)
		if err != nil {
			return fmt.Errorf("marshal modifications: %w", err)
		}
		mods = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_records(project_id, approver_id, action, comment, modifications_json, created_at)
		VALUES (?,?,?,?,?,?)`,
		rec.ProjectID, rec.ApproverID, rec.Action, nullable(rec.Comment), mods, rec.CreatedAt)
	return err
}

func (r Repo) ListApprovalRecords(ctx context.Context, projectID string) ([]domain.ApprovalRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, project_id, approver_id, action, comment, modifications_json, created_at
		FROM approval_records WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ApprovalRecord
	for rows.Next() {
		var rec domain.ApprovalRecord
		var comment, mods sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.ApproverID, &rec.Action, &comment, &mods, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Comment = comment.String
		if mods.Valid {
			var m domain.Modifications
			if err := json.Unmarshal([]byte(mods.String), &m); err != nil {
				return nil, fmt.Errorf("approval record %d modifications: %w", rec.ID, err)
			}
			rec.Modifications = &m
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
