package engine

import (
	"context"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/stage"
)

// SubmitForQC opens a quality review request for the project. Only one
// review may be open at a time.
func (e Engine) SubmitForQC(ctx context.Context, actorID, projectID string, completionReportID *string) (domain.QCRequest, error) {
	if err := e.Auth.Require(ctx, projectID, actorID, "submit for qc", domain.RolePE, domain.RolePO, domain.RoleAdmin); err != nil {
		return domain.QCRequest{}, err
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("submit for qc", err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("submit for qc", err)
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	if p.ApprovalStatus != domain.ApprovalApproved {
		return domain.QCRequest{}, &InvalidStateError{Entity: "project", State: p.ApprovalStatus, Op: "submit for qc"}
	}
	for _, q := range before.QCRequests {
		if q.RequestStatus == domain.QCPending || q.RequestStatus == domain.QCInProgress {
			return domain.QCRequest{}, &InvalidStateError{Entity: "qc request", State: q.RequestStatus, Op: "open another review"}
		}
	}

	ts := e.ts()
	q := domain.QCRequest{
		ID:                 uuid.NewString(),
		ProjectID:          projectID,
		CompletionReportID: completionReportID,
		RequestStatus:      domain.QCPending,
		CreatedAt:          ts,
	}
	var reportVal any
	if completionReportID != nil {
		reportVal = *completionReportID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO qc_requests(id, project_id, completion_report_id, request_status, created_at)
		VALUES (?,?,?,?,?)`, q.ID, q.ProjectID, reportVal, q.RequestStatus, q.CreatedAt)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("submit for qc", err)
	}
	if err := e.Events.Append(ctx, tx, "qc.submitted", projectID, "qc_request", q.ID, actorID, nil); err != nil {
		return domain.QCRequest{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, projectID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QCRequest{}, wrapTimeout("submit for qc", err)
	}
	e.notifyStage(ctx, projectID, stage.Current(before), stage.Current(after))
	return q, nil
}

// StartQCReview claims a pending review for the calling QA.
func (e Engine) StartQCReview(ctx context.Context, actorID, qcRequestID string) (domain.QCRequest, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("start qc review", err)
	}
	defer tx.Rollback()

	q, err := e.Repo.GetQCRequestTx(ctx, tx, qcRequestID)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("start qc review", err)
	}
	if err := e.Auth.Require(ctx, q.ProjectID, actorID, "start qc review", domain.RoleQA, domain.RoleAdmin); err != nil {
		return domain.QCRequest{}, err
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, q.ProjectID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	if q.RequestStatus != domain.QCPending {
		return domain.QCRequest{}, &InvalidTransitionError{Entity: "qc request", From: q.RequestStatus, To: domain.QCInProgress}
	}

	ts := e.ts()
	res, err := tx.ExecContext(ctx, `UPDATE qc_requests SET request_status=?, assigned_qa=?, started_at=?
		WHERE id=? AND request_status=?`,
		domain.QCInProgress, actorID, ts, qcRequestID, domain.QCPending)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("start qc review", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.QCRequest{}, ErrConflict
	}
	if err := e.Events.Append(ctx, tx, "qc.started", q.ProjectID, "qc_request", q.ID, actorID, nil); err != nil {
		return domain.QCRequest{}, err
	}

	q, err = e.Repo.GetQCRequestTx(ctx, tx, qcRequestID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, q.ProjectID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QCRequest{}, wrapTimeout("start qc review", err)
	}
	e.notifyStage(ctx, q.ProjectID, stage.Current(before), stage.Current(after))
	return q, nil
}

// CompleteQCReview closes an in-progress review. A pass opens the
// registration gate; a fail reopens completed assignments so development
// can resume.
func (e Engine) CompleteQCReview(ctx context.Context, actorID, qcRequestID string, pass bool, qualityScore *int, comment string) (domain.QCRequest, error) {
	if qualityScore != nil && (*qualityScore < 0 || *qualityScore > 100) {
		return domain.QCRequest{}, &ValidationError{Field: "quality_score", Reason: "must be between 0 and 100"}
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("complete qc review", err)
	}
	defer tx.Rollback()

	q, err := e.Repo.GetQCRequestTx(ctx, tx, qcRequestID)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("complete qc review", err)
	}
	if q.AssignedQA == nil || *q.AssignedQA != actorID {
		if err := e.Auth.Require(ctx, q.ProjectID, actorID, "complete qc review", domain.RoleAdmin); err != nil {
			return domain.QCRequest{}, err
		}
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, q.ProjectID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	newStatus := domain.QCRejected
	if pass {
		newStatus = domain.QCApproved
	}
	if q.RequestStatus != domain.QCInProgress {
		return domain.QCRequest{}, &InvalidTransitionError{Entity: "qc request", From: q.RequestStatus, To: newStatus}
	}

	ts := e.ts()
	var scoreVal any
	if qualityScore != nil {
		scoreVal = *qualityScore
	}
	res, err := tx.ExecContext(ctx, `UPDATE qc_requests SET request_status=?, quality_score=?, reviewed_at=?
		WHERE id=? AND request_status=?`,
		newStatus, scoreVal, ts, qcRequestID, domain.QCInProgress)
	if err != nil {
		return domain.QCRequest{}, wrapTimeout("complete qc review", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.QCRequest{}, ErrConflict
	}

	if pass {
		reg := domain.SystemRegistration{
			ID:          uuid.NewString(),
			ProjectID:   q.ProjectID,
			QCRequestID: q.ID,
			CreatedAt:   ts,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO system_registrations(id, project_id, qc_request_id, created_at)
			VALUES (?,?,?,?)`, reg.ID, reg.ProjectID, reg.QCRequestID, reg.CreatedAt)
		if err != nil {
			return domain.QCRequest{}, wrapTimeout("complete qc review", err)
		}
	} else {
		// Reopen finished assignments so the failed work has an owner
		// again.
		assignments, err := e.Repo.ListAssignmentsTx(ctx, tx, q.ProjectID)
		if err != nil {
			return domain.QCRequest{}, err
		}
		for _, a := range assignments {
			if a.AssignmentStatus != domain.AssignmentCompleted {
				continue
			}
			a.AssignmentStatus = domain.AssignmentInProgress
			a.UpdatedAt = ts
			a.History = append(a.History, domain.HistoryEntry{
				Version:   1,
				Action:    domain.HistoryResumed,
				Actor:     actorID,
				Timestamp: ts,
				Reason:    "quality review failed",
				PrevState: domain.AssignmentCompleted,
				NewState:  domain.AssignmentInProgress,
			})
			if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
				return domain.QCRequest{}, err
			}
		}
	}

	rec := domain.ApprovalRecord{
		ProjectID:  q.ProjectID,
		ApproverID: actorID,
		Action:     domain.ActionStatusChange,
		Comment:    comment,
		Modifications: &domain.Modifications{
			Version:      1,
			Kind:         domain.ModKindQCDecision,
			Decision:     newStatus,
			QualityScore: qualityScore,
		},
		CreatedAt: ts,
	}
	if err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.QCRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "qc.reviewed", q.ProjectID, "qc_request", q.ID, actorID,
		events.EventPayload{"result": newStatus}); err != nil {
		return domain.QCRequest{}, err
	}

	q, err = e.Repo.GetQCRequestTx(ctx, tx, qcRequestID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, q.ProjectID)
	if err != nil {
		return domain.QCRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QCRequest{}, wrapTimeout("complete qc review", err)
	}
	e.notifyStage(ctx, q.ProjectID, stage.Current(before), stage.Current(after))
	return q, nil
}

// RecordPODecision records the product owner verdict on a registration.
// A rejection terminates the project in registration_rejected.
func (e Engine) RecordPODecision(ctx context.Context, actorID, registrationID, decision, comment string) (domain.SystemRegistration, error) {
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return domain.SystemRegistration{}, &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record po decision", err)
	}
	defer tx.Rollback()

	reg, err := e.Repo.GetRegistrationTx(ctx, tx, registrationID)
	if err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record po decision", err)
	}
	if err := e.Auth.Require(ctx, reg.ProjectID, actorID, "record po decision", domain.RolePO, domain.RoleAdmin); err != nil {
		return domain.SystemRegistration{}, err
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, reg.ProjectID)
	if err != nil {
		return domain.SystemRegistration{}, err
	}
	if reg.PODecision != nil {
		return domain.SystemRegistration{}, &InvalidStateError{Entity: "registration", State: "po decision recorded", Op: "record po decision"}
	}

	ts := e.ts()
	res, err := tx.ExecContext(ctx, `UPDATE system_registrations SET po_decision=?, po_decided_at=?
		WHERE id=? AND po_decision IS NULL`, decision, ts, registrationID)
	if err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record po decision", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.SystemRegistration{}, ErrConflict
	}
	if decision == domain.DecisionReject {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET project_status=?, updated_at=? WHERE id=?`,
			domain.StatusRegistrationRejected, ts, reg.ProjectID); err != nil {
			return domain.SystemRegistration{}, wrapTimeout("record po decision", err)
		}
	}

	rec := domain.ApprovalRecord{
		ProjectID:  reg.ProjectID,
		ApproverID: actorID,
		Action:     domain.ActionStatusChange,
		Comment:    comment,
		Modifications: &domain.Modifications{
			Version:  1,
			Kind:     domain.ModKindPODecision,
			Decision: decision,
		},
		CreatedAt: ts,
	}
	if err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.SystemRegistration{}, err
	}
	if err := e.Events.Append(ctx, tx, "registration.po_decision", reg.ProjectID, "registration", reg.ID, actorID,
		events.EventPayload{"decision": decision}); err != nil {
		return domain.SystemRegistration{}, err
	}

	reg, err = e.Repo.GetRegistrationTx(ctx, tx, registrationID)
	if err != nil {
		return domain.SystemRegistration{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, reg.ProjectID)
	if err != nil {
		return domain.SystemRegistration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record po decision", err)
	}
	e.notifyStage(ctx, reg.ProjectID, stage.Current(before), stage.Current(after))
	return reg, nil
}

// RecordAdminDecision records the final admin verdict. It requires a prior
// PO approval; approve deploys the project, reject terminates it.
func (e Engine) RecordAdminDecision(ctx context.Context, actorID, registrationID, decision, comment string) (domain.SystemRegistration, error) {
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return domain.SystemRegistration{}, &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record admin decision", err)
	}
	defer tx.Rollback()

	reg, err := e.Repo.GetRegistrationTx(ctx, tx, registrationID)
	if err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record admin decision", err)
	}
	if err := e.Auth.Require(ctx, reg.ProjectID, actorID, "record admin decision", domain.RoleAdmin); err != nil {
		return domain.SystemRegistration{}, err
	}
	before, err := e.Repo.SnapshotTx(ctx, tx, reg.ProjectID)
	if err != nil {
		return domain.SystemRegistration{}, err
	}
	if reg.PODecision == nil || *reg.PODecision != domain.DecisionApprove {
		return domain.SystemRegistration{}, &InvalidStateError{Entity: "registration", State: "awaiting po approval", Op: "record admin decision"}
	}
	if reg.AdminDecision != nil {
		return domain.SystemRegistration{}, &InvalidStateError{Entity: "registration", State: "admin decision recorded", Op: "record admin decision"}
	}

	ts := e.ts()
	res, err := tx.ExecContext(ctx, `UPDATE system_registrations SET admin_decision=?, admin_decided_at=?
		WHERE id=? AND admin_decision IS NULL`, decision, ts, registrationID)
	if err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record admin decision", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.SystemRegistration{}, ErrConflict
	}

	finalStatus := domain.StatusRegistrationRejected
	if decision == domain.DecisionApprove {
		finalStatus = domain.StatusApprovedForDeployment
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET project_status=?, updated_at=? WHERE id=?`,
		finalStatus, ts, reg.ProjectID); err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record admin decision", err)
	}

	rec := domain.ApprovalRecord{
		ProjectID:  reg.ProjectID,
		ApproverID: actorID,
		Action:     domain.ActionStatusChange,
		Comment:    comment,
		Modifications: &domain.Modifications{
			Version:   1,
			Kind:      domain.ModKindAdminDecision,
			Decision:  decision,
			NewStatus: finalStatus,
		},
		CreatedAt: ts,
	}
	if err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.SystemRegistration{}, err
	}
	if err := e.Events.Append(ctx, tx, "registration.admin_decision", reg.ProjectID, "registration", reg.ID, actorID,
		events.EventPayload{"decision": decision, "final_status": finalStatus}); err != nil {
		return domain.SystemRegistration{}, err
	}

	reg, err = e.Repo.GetRegistrationTx(ctx, tx, registrationID)
	if err != nil {
		return domain.SystemRegistration{}, err
	}
	after, err := e.Repo.SnapshotTx(ctx, tx, reg.ProjectID)
	if err != nil {
		return domain.SystemRegistration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SystemRegistration{}, wrapTimeout("record admin decision", err)
	}
	e.notifyStage(ctx, reg.ProjectID, stage.Current(before), stage.Current(after))
	return reg, nil
}
