package stage

import (
	"testing"
	"time"

	"stagegate/internal/domain"
)

func project(approval, status string) domain.Project {
	return domain.Project{ID: "p1", ApprovalStatus: approval, ProjectStatus: status}
}

func TestCurrentPriorityOrder(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want Stage
	}{
		{
			name: "pending approval",
			snap: Snapshot{Project: project(domain.ApprovalPending, domain.StatusPlanning)},
			want: ApprovalPending,
		},
		{
			name: "rejected approval still waits at the gate",
			snap: Snapshot{Project: project(domain.ApprovalRejected, domain.StatusPlanning)},
			want: ApprovalPending,
		},
		{
			name: "approved with no assignments",
			snap: Snapshot{Project: project(domain.ApprovalApproved, domain.StatusPlanning)},
			want: AssignmentPending,
		},
		{
			name: "active assignment",
			snap: Snapshot{
				Project:     project(domain.ApprovalApproved, domain.StatusInProgress),
				Assignments: []domain.Assignment{{AssignmentStatus: domain.AssignmentInProgress}},
			},
			want: Development,
		},
		{
			name: "paused assignment still occupies development",
			snap: Snapshot{
				Project:     project(domain.ApprovalApproved, domain.StatusInProgress),
				Assignments: []domain.Assignment{{AssignmentStatus: domain.AssignmentPaused}},
			},
			want: Development,
		},
		{
			name: "open qc request outranks active assignment",
			snap: Snapshot{
				Project:     project(domain.ApprovalApproved, domain.StatusInProgress),
				Assignments: []domain.Assignment{{AssignmentStatus: domain.AssignmentInProgress}},
				QCRequests:  []domain.QCRequest{{RequestStatus: domain.QCPending, CreatedAt: "2025-06-01T00:00:00Z"}},
			},
			want: QCPending,
		},
		{
			name: "claimed qc request",
			snap: Snapshot{
				Project:    project(domain.ApprovalApproved, domain.StatusInProgress),
				QCRequests: []domain.QCRequest{{RequestStatus: domain.QCInProgress, CreatedAt: "2025-06-01T00:00:00Z"}},
			},
			want: QCInProgress,
		},
		{
			name: "passed qc waits for the registration gate",
			snap: Snapshot{
				Project:    project(domain.ApprovalApproved, domain.StatusInProgress),
				QCRequests: []domain.QCRequest{{RequestStatus: domain.QCApproved, CreatedAt: "2025-06-01T00:00:00Z"}},
			},
			want: AdminApprovalPending,
		},
		{
			name: "failed qc falls back to development",
			snap: Snapshot{
				Project:     project(domain.ApprovalApproved, domain.StatusInProgress),
				Assignments: []domain.Assignment{{AssignmentStatus: domain.AssignmentInProgress}},
				QCRequests:  []domain.QCRequest{{RequestStatus: domain.QCRejected, CreatedAt: "2025-06-01T00:00:00Z"}},
			},
			want: Development,
		},
		{
			name: "latest qc request wins",
			snap: Snapshot{
				Project: project(domain.ApprovalApproved, domain.StatusInProgress),
				QCRequests: []domain.QCRequest{
					{RequestStatus: domain.QCRejected, CreatedAt: "2025-06-02T00:00:00Z"},
					{RequestStatus: domain.QCApproved, CreatedAt: "2025-06-01T00:00:00Z"},
				},
				Assignments: []domain.Assignment{{AssignmentStatus: domain.AssignmentInProgress}},
			},
			want: Development,
		},
		{
			name: "deployment status is terminal",
			snap: Snapshot{Project: project(domain.ApprovalApproved, domain.StatusApprovedForDeployment)},
			want: ApprovedForDeployment,
		},
		{
			name: "registration rejection is terminal",
			snap: Snapshot{Project: project(domain.ApprovalApproved, domain.StatusRegistrationRejected)},
			want: RegistrationRejected,
		},
		{
			name: "all assignments finished with no review open needs an owner again",
			snap: Snapshot{
				Project:     project(domain.ApprovalApproved, domain.StatusInProgress),
				Assignments: []domain.Assignment{{AssignmentStatus: domain.AssignmentCompleted}},
			},
			want: AssignmentPending,
		},
		{
			name: "completed project with open review still sits at qc",
			snap: Snapshot{
				Project:     project(domain.ApprovalApproved, domain.StatusCompleted),
				Assignments: []domain.Assignment{{AssignmentStatus: domain.AssignmentCompleted}},
				QCRequests:  []domain.QCRequest{{RequestStatus: domain.QCPending, CreatedAt: "2025-06-01T00:00:00Z"}},
			},
			want: QCPending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Current(tt.snap); got != tt.want {
				t.Fatalf("Current() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAnchorPerStage(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	approved := created.Add(24 * time.Hour)
	assigned := created.Add(48 * time.Hour)
	qcCreated := created.Add(72 * time.Hour)
	qcStarted := created.Add(96 * time.Hour)
	poDecided := created.Add(120 * time.Hour)

	base := Snapshot{
		CreatedAt:   created,
		ApprovedAt:  approved,
		AssignedAt:  assigned,
		QCCreatedAt: qcCreated,
		QCStartedAt: qcStarted,
		PODecidedAt: poDecided,
	}

	tests := []struct {
		name string
		mut  func(*Snapshot)
		want time.Time
	}{
		{
			name: "approval pending runs from creation",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalPending, domain.StatusPlanning)
			},
			want: created,
		},
		{
			name: "assignment pending runs from approval",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalApproved, domain.StatusPlanning)
			},
			want: approved,
		},
		{
			name: "assignment wait after finished work runs from the hand-back",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalApproved, domain.StatusInProgress)
				s.Assignments = []domain.Assignment{{
					AssignmentStatus: domain.AssignmentCompleted,
					UpdatedAt:        "2025-06-05T00:00:00Z",
				}}
			},
			want: created.Add(96 * time.Hour),
		},
		{
			name: "development runs from assignment",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalApproved, domain.StatusInProgress)
				s.Assignments = []domain.Assignment{{AssignmentStatus: domain.AssignmentInProgress}}
			},
			want: assigned,
		},
		{
			name: "qc pending runs from request creation",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalApproved, domain.StatusInProgress)
				s.QCRequests = []domain.QCRequest{{RequestStatus: domain.QCPending, CreatedAt: "2025-06-04T00:00:00Z"}}
			},
			want: qcCreated,
		},
		{
			name: "qc in progress runs from review start",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalApproved, domain.StatusInProgress)
				s.QCRequests = []domain.QCRequest{{RequestStatus: domain.QCInProgress, CreatedAt: "2025-06-04T00:00:00Z"}}
			},
			want: qcStarted,
		},
		{
			name: "admin gate runs from po decision when present",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalApproved, domain.StatusInProgress)
				s.QCRequests = []domain.QCRequest{{RequestStatus: domain.QCApproved, CreatedAt: "2025-06-04T00:00:00Z"}}
			},
			want: poDecided,
		},
		{
			name: "terminal stage has no clock",
			mut: func(s *Snapshot) {
				s.Project = project(domain.ApprovalApproved, domain.StatusApprovedForDeployment)
			},
			want: time.Time{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := base
			tt.mut(&snap)
			if got := Anchor(snap); !got.Equal(tt.want) {
				t.Fatalf("Anchor() = %v, want %v", got, tt.want)
			}
		})
	}
}
