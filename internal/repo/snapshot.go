package repo

import (
	"context"
	"database/sql"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/stage"
)

// SnapshotTx loads everything stage derivation needs in one transaction so
// the parts cannot disagree with each other.
func (r Repo) SnapshotTx(ctx context.Context, tx *sql.Tx, projectID string) (stage.Snapshot, error) {
	p, err := r.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return stage.Snapshot{}, err
	}
	assignments, err := r.ListAssignmentsTx(ctx, tx, projectID)
	if err != nil {
		return stage.Snapshot{}, err
	}
	qcRequests, err := r.ListQCRequestsTx(ctx, tx, projectID)
	if err != nil {
		return stage.Snapshot{}, err
	}
	s := stage.Snapshot{
		Project:     p,
		Assignments: assignments,
		QCRequests:  qcRequests,
	}
	fillAnchors(&s)

	reg, err := r.GetRegistrationByProjectTx(ctx, tx, projectID)
	if err == nil && reg.PODecidedAt != nil {
		s.PODecidedAt = parseTS(*reg.PODecidedAt)
	} else if err != nil && err != ErrNotFound {
		return stage.Snapshot{}, err
	}
	return s, nil
}

// Snapshot is the non-transactional variant used by read paths.
func (r Repo) Snapshot(ctx context.Context, projectID string) (stage.Snapshot, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return stage.Snapshot{}, err
	}
	defer tx.Rollback()
	return r.SnapshotTx(ctx, tx, projectID)
}

func fillAnchors(s *stage.Snapshot) {
	s.CreatedAt = parseTS(s.Project.CreatedAt)
	if s.Project.ApprovedAt != nil {
		s.ApprovedAt = parseTS(*s.Project.ApprovedAt)
	}
	// Latest active assignment anchors the development clock.
	for _, a := range s.Assignments {
		switch a.AssignmentStatus {
		case domain.AssignmentAssigned, domain.AssignmentInProgress, domain.AssignmentPaused:
			if t := parseTS(a.AssignedAt); t.After(s.AssignedAt) {
				s.AssignedAt = t
			}
		}
	}
	// Latest QC request anchors the review clocks.
	var latest *domain.QCRequest
	for i := range s.QCRequests {
		if latest == nil || s.QCRequests[i].CreatedAt > latest.CreatedAt {
			latest = &s.QCRequests[i]
		}
	}
	if latest != nil {
		s.QCCreatedAt = parseTS(latest.CreatedAt)
		if latest.StartedAt != nil {
			s.QCStartedAt = parseTS(*latest.StartedAt)
		}
	}
}

func parseTS(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
