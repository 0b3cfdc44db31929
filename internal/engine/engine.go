// Package engine owns every lifecycle mutation. Each operation runs in one
// transaction: role check, legality check, compare-and-set row update, audit
// rows, event append. Stage change notifications go out only after commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/engine/auth"
	"stagegate/internal/events"
	"stagegate/internal/repo"
	"stagegate/internal/stage"
)

// Notifier receives stage changes after they are durably committed.
type Notifier interface {
	StageChanged(ctx context.Context, projectID string, from, to stage.Stage)
}

type Config struct {
	StoreTimeout time.Duration
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Notifier Notifier
	Config   Config
	Now      func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// storeCtx bounds every store round trip so a wedged database turns into a
// retryable error instead of a hung request.
func (e Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.Config.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func wrapTimeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StoreTimeoutError{Op: op, Err: err}
	}
	return err
}

func (e Engine) notifyStage(ctx context.Context, projectID string, from, to stage.Stage) {
	if e.Notifier == nil || from == to {
		return
	}
	e.Notifier.StageChanged(ctx, projectID, from, to)
}

var urgencyLevels = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

// CreateProject registers a new project in planning, pending approval.
func (e Engine) CreateProject(ctx context.Context, actorID, name, urgency string, deadline *string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if urgency == "" {
		urgency = "medium"
	}
	if !urgencyLevels[urgency] {
		return domain.Project{}, &ValidationError{Field: "urgency_level", Reason: "unknown level " + urgency}
	}
	if deadline != nil {
		if _, err := time.Parse(time.RFC3339, *deadline); err != nil {
			return domain.Project{}, &ValidationError{Field: "deadline", Reason: "must be RFC3339"}
		}
	}

	ts := e.ts()
	p := domain.Project{
		ID:             uuid.NewString(),
		Name:           name,
		ApprovalStatus: domain.ApprovalPending,
		ProjectStatus:  domain.StatusPlanning,
		UrgencyLevel:   urgency,
		Deadline:       deadline,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, wrapTimeout("create project", err)
	}
	defer tx.Rollback()

	var deadlineVal any
	if p.Deadline != nil {
		deadlineVal = *p.Deadline
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id, name, approval_status, project_status, urgency_level, deadline, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.ApprovalStatus, p.ProjectStatus, p.UrgencyLevel, deadlineVal, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return domain.Project{}, wrapTimeout("create project", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, wrapTimeout("create project", err)
	}
	return p, nil
}

// Approve moves a pending project to approved and stamps approved_at.
func (e Engine) Approve(ctx context.Context, actorID, projectID, comment string) (domain.Project, error) {
	if err := e.Auth.Require(ctx, projectID, actorID, "approve", domain.RoleExecutive, domain.RoleAdmin); err != nil {
		return domain.Project{}, err
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, wrapTimeout("approve project", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, wrapTimeout("approve project", err)
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.ApprovalStatus != domain.ApprovalPending {
		return domain.Project{}, &InvalidTransitionError{Entity: "approval", From: p.ApprovalStatus, To: domain.ApprovalApproved}
	}

	ts := e.ts()
	res, err := tx.ExecContext(ctx, `UPDATE projects SET approval_status=?, approved_at=?, updated_at=?
		WHERE id=? AND approval_status=?`,
		domain.ApprovalApproved, ts, ts, projectID, domain.ApprovalPending)
	if err != nil {
		return domain.Project{}, wrapTimeout("approve project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, ErrConflict
	}

	rec := domain.ApprovalRecord{
		ProjectID:  projectID,
		ApproverID: actorID,
		Action:     domain.ActionApproved,
		Comment:    comment,
		Modifications: &domain.Modifications{
			Version: 1,
			Kind:    domain.ModKindApproval,
		},
		CreatedAt: ts,
	}
	if err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.approved", projectID, "project", projectID, actorID, nil); err != nil {
		return domain.Project{}, err
	}

	p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, wrapTimeout("approve project", err)
	}
	e.notifyStage(ctx, projectID, stage.Current(before), stage.Current(after))
	return p, nil
}

// Reject moves a pending project to rejected. The project stays in planning
// and can be re-submitted out of band.
func (e Engine) Reject(ctx context.Context, actorID, projectID, comment string) (domain.Project, error) {
	if err := e.Auth.Require(ctx, projectID, actorID, "reject", domain.RoleExecutive, domain.RoleAdmin); err != nil {
		return domain.Project{}, err
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, wrapTimeout("reject project", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, wrapTimeout("reject project", err)
	}
	if p.ApprovalStatus != domain.ApprovalPending {
		return domain.Project{}, &InvalidTransitionError{Entity: "approval", From: p.ApprovalStatus, To: domain.ApprovalRejected}
	}

	ts := e.ts()
	res, err := tx.ExecContext(ctx, `UPDATE projects SET approval_status=?, updated_at=? WHERE id=? AND approval_status=?`,
		domain.ApprovalRejected, ts, projectID, domain.ApprovalPending)
	if err != nil {
		return domain.Project{}, wrapTimeout("reject project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, ErrConflict
	}

	rec := domain.ApprovalRecord{
		ProjectID:  projectID,
		ApproverID: actorID,
		Action:     domain.ActionRejected,
		Comment:    comment,
		CreatedAt:  ts,
	}
	if err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.rejected", projectID, "project", projectID, actorID, nil); err != nil {
		return domain.Project{}, err
	}

	p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, wrapTimeout("reject project", err)
	}
	return p, nil
}

// statusChanges is the legal project status graph for explicit changes.
// Terminal registration statuses are only reached through the gate flow.
var statusChanges = map[string][]string{
	domain.StatusPlanning:   {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusOnHold, domain.StatusCompleted, domain.StatusCancelled},
	domain.StatusOnHold:     {domain.StatusInProgress, domain.StatusCancelled},
}

func statusChangeAllowed(from, to string) bool {
	for _, next := range statusChanges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SetStatus performs an explicit project status change. A project may leave
// planning only after it has been approved.
func (e Engine) SetStatus(ctx context.Context, actorID, projectID, newStatus, comment string) (domain.Project, error) {
	if err := e.Auth.Require(ctx, projectID, actorID, "change status", domain.RolePO, domain.RoleAdmin); err != nil {
		return domain.Project{}, err
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, wrapTimeout("set status", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, wrapTimeout("set status", err)
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !statusChangeAllowed(p.ProjectStatus, newStatus) {
		return domain.Project{}, &InvalidTransitionError{Entity: "project status", From: p.ProjectStatus, To: newStatus}
	}
	if p.ProjectStatus == domain.StatusPlanning && newStatus != domain.StatusCancelled && p.ApprovalStatus != domain.ApprovalApproved {
		return domain.Project{}, &InvalidStateError{Entity: "project", State: "unapproved", Op: "leave planning"}
	}

	ts := e.ts()
	res, err := tx.ExecContext(ctx, `UPDATE projects SET project_status=?, updated_at=? WHERE id=? AND project_status=?`,
		newStatus, ts, projectID, p.ProjectStatus)
	if err != nil {
		return domain.Project{}, wrapTimeout("set status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, ErrConflict
	}

	rec := domain.ApprovalRecord{
		ProjectID:  projectID,
		ApproverID: actorID,
		Action:     domain.ActionStatusChange,
		Comment:    comment,
		Modifications: &domain.Modifications{
			Version:    1,
			Kind:       domain.ModKindStatusChange,
			PrevStatus: p.ProjectStatus,
			NewStatus:  newStatus,
		},
		CreatedAt: ts,
	}
	if err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.status_changed", projectID, "project", projectID, actorID,
		events.EventPayload{"from": p.ProjectStatus, "to": newStatus}); err != nil {
		return domain.Project{}, err
	}

	p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, wrapTimeout("set status", err)
	}
	e.notifyStage(ctx, projectID, stage.Current(before), stage.Current(after))
	return p, nil
}

// CancelApproval revokes a granted approval and rewinds the project to
// planning. Every assignment still occupying the project is voided in the
// same transaction so no orphaned work survives the rewind.
func (e Engine) CancelApproval(ctx context.Context, actorID, projectID, reason string) (domain.Project, error) {
	if err := e.Auth.Require(ctx, projectID, actorID, "cancel approval", domain.RoleExecutive, domain.RoleAdmin); err != nil {
		return domain.Project{}, err
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, wrapTimeout("cancel approval", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, wrapTimeout("cancel approval", err)
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.ApprovalStatus != domain.ApprovalApproved {
		return domain.Project{}, &InvalidStateError{Entity: "project", State: p.ApprovalStatus, Op: "cancel approval"}
	}

	ts := e.ts()
	res, err := tx.ExecContext(ctx, `UPDATE projects SET approval_status=?, project_status=?, approved_at=NULL, updated_at=?
		WHERE id=? AND approval_status=?`,
		domain.ApprovalPending, domain.StatusPlanning, ts, projectID, domain.ApprovalApproved)
	if err != nil {
		return domain.Project{}, wrapTimeout("cancel approval", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, ErrConflict
	}

	assignments, err := e.Repo.ListAssignmentsTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	voided := 0
	for _, a := range assignments {
		switch a.AssignmentStatus {
		case domain.AssignmentAssigned, domain.AssignmentInProgress, domain.AssignmentPaused:
		default:
			continue
		}
		prev := a.AssignmentStatus
		a.AssignmentStatus = domain.AssignmentRejected
		a.ProgressPercentage = 0
		a.UpdatedAt = ts
		a.History = append(a.History, domain.HistoryEntry{
			Version:   1,
			Action:    domain.HistoryVoided,
			Actor:     actorID,
			Timestamp: ts,
			Reason:    reason,
			PrevState: prev,
			NewState:  domain.AssignmentRejected,
		})
		if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
			return domain.Project{}, err
		}
		voided++
	}

	rec := domain.ApprovalRecord{
		ProjectID:  projectID,
		ApproverID: actorID,
		Action:     domain.ActionCancelApproval,
		Comment:    reason,
		Modifications: &domain.Modifications{
			Version:           1,
			Kind:              domain.ModKindCancel,
			PrevStatus:        p.ProjectStatus,
			NewStatus:         domain.StatusPlanning,
			AssignmentsVoided: voided,
		},
		CreatedAt: ts,
	}
	if err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.approval_cancelled", projectID, "project", projectID, actorID,
		events.EventPayload{"assignments_voided": voided}); err != nil {
		return domain.Project{}, err
	}

	p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, wrapTimeout("cancel approval", err)
	}
	e.notifyStage(ctx, projectID, stage.Current(before), stage.Current(after))
	return p, nil
}
