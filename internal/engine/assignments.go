package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/stage"
)

// Assign hands a project (or one work group of it) to an assignee. The
// insert is guarded so a second assignment for the same assignee on the
// same project can never appear, no matter how requests interleave.
func (e Engine) Assign(ctx context.Context, actorID, projectID, assigneeID string, workGroupID *string) (domain.Assignment, error) {
	if assigneeID == "" {
		return domain.Assignment{}, &ValidationError{Field: "assignee_id", Reason: "must not be empty"}
	}
	if err := e.Auth.Require(ctx, projectID, actorID, "assign", domain.RolePO, domain.RoleAdmin); err != nil {
		return domain.Assignment{}, err
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("assign", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("assign", err)
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if p.ApprovalStatus != domain.ApprovalApproved {
		return domain.Assignment{}, &InvalidStateError{Entity: "project", State: p.ApprovalStatus, Op: "assign"}
	}
	switch p.ProjectStatus {
	case domain.StatusCompleted, domain.StatusCancelled, domain.StatusApprovedForDeployment, domain.StatusRegistrationRejected:
		return domain.Assignment{}, &InvalidStateError{Entity: "project", State: p.ProjectStatus, Op: "assign"}
	}

	ts := e.ts()
	a := domain.Assignment{
		ID:                 uuid.NewString(),
		ProjectID:          projectID,
		WorkGroupID:        workGroupID,
		AssignedTo:         assigneeID,
		AssignmentStatus:   domain.AssignmentAssigned,
		ProgressPercentage: 0,
		AssignedAt:         ts,
		History: []domain.HistoryEntry{{
			Version:    1,
			Action:     domain.HistoryAssigned,
			Actor:      actorID,
			Timestamp:  ts,
			ToAssignee: assigneeID,
		}},
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	var workGroupVal any
	if workGroupID != nil {
		workGroupVal = *workGroupID
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO assignments(id, project_id, work_group_id, assigned_to, assignment_status, progress_percentage, assigned_at, history_json, created_at, updated_at)
		SELECT ?,?,?,?,?,?,?,?,?,?
		WHERE NOT EXISTS (SELECT 1 FROM assignments WHERE project_id=? AND assigned_to=?)`,
		a.ID, a.ProjectID, workGroupVal, a.AssignedTo, a.AssignmentStatus, a.ProgressPercentage, a.AssignedAt,
		historyJSON(a.History), a.CreatedAt, a.UpdatedAt,
		projectID, assigneeID)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("assign", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Assignment{}, ErrAlreadyAssigned
	}

	if err := e.Events.Append(ctx, tx, "assignment.created", projectID, "assignment", a.ID, actorID,
		events.EventPayload{"assignee": assigneeID}); err != nil {
		return domain.Assignment{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, wrapTimeout("assign", err)
	}
	e.notifyStage(ctx, projectID, stage.Current(before), stage.Current(after))
	return a, nil
}

// Reassign moves an active assignment to a new assignee. The same row is
// mutated in place; the switch is recorded in history with both parties.
func (e Engine) Reassign(ctx context.Context, actorID, assignmentID, newAssigneeID, reason string) (domain.Assignment, error) {
	if newAssigneeID == "" {
		return domain.Assignment{}, &ValidationError{Field: "assignee_id", Reason: "must not be empty"}
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("reassign", err)
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, assignmentID)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("reassign", err)
	}
	if err := e.Auth.Require(ctx, a.ProjectID, actorID, "reassign", domain.RolePO, domain.RoleAdmin); err != nil {
		return domain.Assignment{}, err
	}
	switch a.AssignmentStatus {
	case domain.AssignmentAssigned, domain.AssignmentInProgress, domain.AssignmentPaused:
	default:
		return domain.Assignment{}, &InvalidStateError{Entity: "assignment", State: a.AssignmentStatus, Op: "reassign"}
	}
	if a.AssignedTo == newAssigneeID {
		return domain.Assignment{}, &ValidationError{Field: "assignee_id", Reason: "already the current assignee"}
	}
	exists, err := e.Repo.AssignmentExistsTx(ctx, tx, a.ProjectID, newAssigneeID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if exists {
		return domain.Assignment{}, ErrAlreadyAssigned
	}

	ts := e.ts()
	from := a.AssignedTo
	a.AssignedTo = newAssigneeID
	a.AssignmentStatus = domain.AssignmentAssigned
	a.ProgressPercentage = 0
	a.AssignedAt = ts
	a.ActualStartDate = nil
	a.UpdatedAt = ts
	a.History = append(a.History, domain.HistoryEntry{
		Version:      1,
		Action:       domain.HistoryReassigned,
		Actor:        actorID,
		Timestamp:    ts,
		Reason:       reason,
		FromAssignee: from,
		ToAssignee:   newAssigneeID,
	})
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.reassigned", a.ProjectID, "assignment", a.ID, actorID,
		events.EventPayload{"from": from, "to": newAssigneeID}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, wrapTimeout("reassign", err)
	}
	return a, nil
}

// assignmentMoves is the legal assignment status graph for assignee-driven
// changes.
var assignmentMoves = map[string][]string{
	domain.AssignmentAssigned:   {domain.AssignmentInProgress},
	domain.AssignmentInProgress: {domain.AssignmentPaused, domain.AssignmentCompleted},
	domain.AssignmentPaused:     {domain.AssignmentInProgress},
}

func assignmentMoveAllowed(from, to string) bool {
	for _, next := range assignmentMoves[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Start begins work on an assignment and stamps the actual start date on
// first start.
func (e Engine) Start(ctx context.Context, actorID, assignmentID string) (domain.Assignment, error) {
	return e.moveAssignment(ctx, actorID, assignmentID, domain.AssignmentInProgress, domain.HistoryStarted, "")
}

// Pause suspends an in-progress assignment.
func (e Engine) Pause(ctx context.Context, actorID, assignmentID, reason string) (domain.Assignment, error) {
	return e.moveAssignment(ctx, actorID, assignmentID, domain.AssignmentPaused, domain.HistoryPaused, reason)
}

// Resume continues a paused assignment.
func (e Engine) Resume(ctx context.Context, actorID, assignmentID string) (domain.Assignment, error) {
	return e.moveAssignment(ctx, actorID, assignmentID, domain.AssignmentInProgress, domain.HistoryResumed, "")
}

// Complete finishes an in-progress assignment and pins progress at 100.
func (e Engine) Complete(ctx context.Context, actorID, assignmentID string) (domain.Assignment, error) {
	return e.moveAssignment(ctx, actorID, assignmentID, domain.AssignmentCompleted, domain.HistoryCompleted, "")
}

func (e Engine) moveAssignment(ctx context.Context, actorID, assignmentID, to, historyAction, reason string) (domain.Assignment, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("move assignment", err)
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, assignmentID)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("move assignment", err)
	}
	if a.AssignedTo != actorID {
		if err := e.Auth.Require(ctx, a.ProjectID, actorID, "move assignment", domain.RoleAdmin); err != nil {
			return domain.Assignment{}, err
		}
	}
	if !assignmentMoveAllowed(a.AssignmentStatus, to) {
		if historyAction == domain.HistoryResumed && a.AssignmentStatus != domain.AssignmentPaused {
			return domain.Assignment{}, &InvalidStateError{Entity: "assignment", State: a.AssignmentStatus, Op: "resume"}
		}
		return domain.Assignment{}, &InvalidTransitionError{Entity: "assignment", From: a.AssignmentStatus, To: to}
	}
	// Resume is only valid from paused; a plain start must come from
	// assigned.
	if historyAction == domain.HistoryStarted && a.AssignmentStatus != domain.AssignmentAssigned {
		return domain.Assignment{}, &InvalidStateError{Entity: "assignment", State: a.AssignmentStatus, Op: "start"}
	}

	ts := e.ts()
	prev := a.AssignmentStatus
	a.AssignmentStatus = to
	a.UpdatedAt = ts
	if to == domain.AssignmentInProgress && a.ActualStartDate == nil {
		a.ActualStartDate = &ts
	}
	if to == domain.AssignmentCompleted {
		a.ProgressPercentage = 100
	}
	a.History = append(a.History, domain.HistoryEntry{
		Version:   1,
		Action:    historyAction,
		Actor:     actorID,
		Timestamp: ts,
		Reason:    reason,
		PrevState: prev,
		NewState:  to,
	})
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment."+historyAction, a.ProjectID, "assignment", a.ID, actorID,
		events.EventPayload{"from": prev, "to": to}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, wrapTimeout("move assignment", err)
	}
	return a, nil
}

// UpdateProgress sets the completion percentage of an in-progress
// assignment.
func (e Engine) UpdateProgress(ctx context.Context, actorID, assignmentID string, progress int) (domain.Assignment, error) {
	if progress < 0 || progress > 100 {
		return domain.Assignment{}, &ValidationError{Field: "progress_percentage", Reason: "must be between 0 and 100"}
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("update progress", err)
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, assignmentID)
	if err != nil {
		return domain.Assignment{}, wrapTimeout("update progress", err)
	}
	if a.AssignedTo != actorID {
		if err := e.Auth.Require(ctx, a.ProjectID, actorID, "update progress", domain.RoleAdmin); err != nil {
			return domain.Assignment{}, err
		}
	}
	if a.AssignmentStatus != domain.AssignmentInProgress {
		return domain.Assignment{}, &InvalidStateError{Entity: "assignment", State: a.AssignmentStatus, Op: "update progress"}
	}

	ts := e.ts()
	prev := a.ProgressPercentage
	a.ProgressPercentage = progress
	a.UpdatedAt = ts
	a.History = append(a.History, domain.HistoryEntry{
		Version:      1,
		Action:       domain.HistoryProgress,
		Actor:        actorID,
		Timestamp:    ts,
		PrevProgress: &prev,
		NewProgress:  &progress,
	})
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.progress", a.ProjectID, "assignment", a.ID, actorID,
		events.EventPayload{"progress": progress}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, wrapTimeout("update progress", err)
	}
	return a, nil
}

func historyJSON(entries []domain.HistoryEntry) string {
	data, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(data)
}
