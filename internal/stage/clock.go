// Package stage derives the lifecycle stage of a project from persisted
// state. The stage is never stored; it is recomputed on read so it can
// never drift from the rows it is derived from.
package stage

import (
	"time"

	"stagegate/internal/domain"
)

// Stage identifies where a project sits in the delivery pipeline.
type Stage string

const (
	ApprovalPending       Stage = "approval_pending"
	AssignmentPending     Stage = "assignment_pending"
	Development           Stage = "development"
	QCPending             Stage = "qc_pending"
	QCInProgress          Stage = "qc_in_progress"
	AdminApprovalPending  Stage = "admin_approval_pending"
	ApprovedForDeployment Stage = "approved_for_deployment"
	RegistrationRejected  Stage = "registration_rejected"
	Unknown               Stage = "unknown"
)

// Snapshot is everything the stage computation reads, fetched in a single
// transaction so all parts observe one consistent view.
type Snapshot struct {
	Project     domain.Project
	Assignments []domain.Assignment
	QCRequests  []domain.QCRequest

	// Parsed anchors for elapsed-time computation. Zero values mean the
	// corresponding timestamp is unset.
	CreatedAt   time.Time
	ApprovedAt  time.Time
	AssignedAt  time.Time
	QCCreatedAt time.Time
	QCStartedAt time.Time
	PODecidedAt time.Time
}

// Current derives the stage from a snapshot. Rules are checked in priority
// order; the first that matches wins.
func Current(s Snapshot) Stage {
	p := s.Project

	switch p.ProjectStatus {
	case domain.StatusApprovedForDeployment:
		return ApprovedForDeployment
	case domain.StatusRegistrationRejected:
		return RegistrationRejected
	}

	if p.ApprovalStatus != domain.ApprovalApproved {
		return ApprovalPending
	}

	qc := latestQC(s.QCRequests)
	if qc != nil {
		switch qc.RequestStatus {
		case domain.QCInProgress:
			return QCInProgress
		case domain.QCPending:
			return QCPending
		case domain.QCApproved:
			return AdminApprovalPending
		}
		// A rejected QC request sends the project back to development.
	}

	if hasActive(s.Assignments) {
		return Development
	}
	// No active assignment: the project needs an owner again, whether it
	// never had one or every earlier assignment finished or was voided.
	return AssignmentPending
}

// Anchor returns the timestamp the stage's elapsed clock runs from. A zero
// time means no clock applies.
func Anchor(s Snapshot) time.Time {
	switch Current(s) {
	case ApprovalPending:
		return s.CreatedAt
	case AssignmentPending:
		// When earlier assignments finished or were voided, the wait
		// starts at the moment the last one left the board.
		if t := latestAssignmentUpdate(s.Assignments); t.After(s.ApprovedAt) {
			return t
		}
		return s.ApprovedAt
	case Development:
		return s.AssignedAt
	case QCPending:
		return s.QCCreatedAt
	case QCInProgress:
		return s.QCStartedAt
	case AdminApprovalPending:
		if !s.PODecidedAt.IsZero() {
			return s.PODecidedAt
		}
		return s.QCCreatedAt
	}
	return time.Time{}
}

// latestQC picks the most recently created QC request. Created_at strings
// are RFC3339 so lexical order is chronological order.
func latestQC(reqs []domain.QCRequest) *domain.QCRequest {
	var latest *domain.QCRequest
	for i := range reqs {
		if latest == nil || reqs[i].CreatedAt > latest.CreatedAt {
			latest = &reqs[i]
		}
	}
	return latest
}

func latestAssignmentUpdate(assignments []domain.Assignment) time.Time {
	var latest time.Time
	for _, a := range assignments {
		if t, err := time.Parse(time.RFC3339, a.UpdatedAt); err == nil && t.After(latest) {
			latest = t
		}
	}
	return latest
}

// hasActive reports whether any assignment still occupies the project.
// Paused counts as active: the work is claimed even if not moving.
func hasActive(assignments []domain.Assignment) bool {
	for _, a := range assignments {
		switch a.AssignmentStatus {
		case domain.AssignmentAssigned, domain.AssignmentInProgress, domain.AssignmentPaused:
			return true
		}
	}
	return false
}
