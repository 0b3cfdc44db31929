package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stagegate/internal/domain"
)

// InsertMessageTx stores a message and its recipient links in one shot.
// Returns the new message id.
func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(title, body, priority, project_id, stage, created_at)
		VALUES (?,?,?,?,?,?)`,
		m.Title, m.Body, m.Priority, nullable(m.ProjectID), nullable(m.Stage), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, recipient := range m.Recipients {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_recipients(message_id, recipient_id) VALUES (?,?)`, id, recipient); err != nil {
			return 0, fmt.Errorf("link recipient %s: %w", recipient, err)
		}
	}
	return id, nil
}

func (r Repo) ListMessagesForRecipient(ctx context.Context, recipientID string, limit int) ([]domain.Message, error) {
	q := `SELECT m.id, m.title, m.body, m.priority, m.project_id, m.stage, m.created_at
		FROM messages m JOIN message_recipients mr ON mr.message_id = m.id
		WHERE mr.recipient_id=? ORDER BY m.id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var pid, stg sql.NullString
		if err := rows.Scan(&m.ID, &m.Title, &m.Body, &m.Priority, &pid, &stg, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ProjectID = pid.String
		m.Stage = stg.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetWatermarkTx returns the last alert watermark for a (project, stage).
func (r Repo) GetWatermarkTx(ctx context.Context, tx *sql.Tx, projectID, stage string) (domain.AlertWatermark, error) {
	var w domain.AlertWatermark
	err := tx.QueryRowContext(ctx, `SELECT project_id, stage, severity, delay_hours, alerted_at
		FROM alert_watermarks WHERE project_id=? AND stage=?`, projectID, stage).
		Scan(&w.ProjectID, &w.Stage, &w.Severity, &w.DelayHours, &w.AlertedAt)
	if err == sql.ErrNoRows {
		return domain.AlertWatermark{}, ErrNotFound
	}
	if err != nil {
		return domain.AlertWatermark{}, err
	}
	return w, nil
}

// UpsertWatermarkTx records the alert just sent.
func (r Repo) UpsertWatermarkTx(ctx context.Context, tx *sql.Tx, w domain.AlertWatermark) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO alert_watermarks(project_id, stage, severity, delay_hours, alerted_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(project_id, stage) DO UPDATE SET severity=excluded.severity, delay_hours=excluded.delay_hours, alerted_at=excluded.alerted_at`,
		w.ProjectID, w.Stage, w.Severity, w.DelayHours, w.AlertedAt)
	return err
}

// ClearWatermarksBefore drops watermarks older than the cutoff so stale
// (project, stage) pairs do not accumulate forever.
func (r Repo) ClearWatermarksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM alert_watermarks WHERE alerted_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
