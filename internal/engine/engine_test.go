package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine/auth"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

type testEnv struct {
	t      *testing.T
	eng    Engine
	repo   repo.Repo
	now    time.Time
	actors map[string]bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &testEnv{
		t:      t,
		repo:   repo.Repo{DB: conn},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		actors: map[string]bool{},
	}
	env.eng = Engine{
		DB:     conn,
		Repo:   env.repo,
		Events: events.Writer{DB: conn, Now: func() time.Time { return env.now }},
		Auth:   auth.Service{DB: conn},
		Now:    func() time.Time { return env.now },
	}
	return env
}

func (env *testEnv) grant(actorID, projectID, role string) {
	env.t.Helper()
	ctx := context.Background()
	if !env.actors[actorID] {
		if err := env.repo.EnsureActor(ctx, actorID, env.now); err != nil {
			env.t.Fatalf("ensure actor: %v", err)
		}
		env.actors[actorID] = true
	}
	if err := env.repo.GrantRole(ctx, projectID, actorID, role); err != nil {
		env.t.Fatalf("grant role: %v", err)
	}
}

func (env *testEnv) createProject(name string) domain.Project {
	env.t.Helper()
	p, err := env.eng.CreateProject(context.Background(), "creator", name, "medium", nil)
	if err != nil {
		env.t.Fatalf("create project: %v", err)
	}
	return p
}

func (env *testEnv) approvedProject(name string) domain.Project {
	env.t.Helper()
	p := env.createProject(name)
	env.grant("exec", p.ID, domain.RoleExecutive)
	p, err := env.eng.Approve(context.Background(), "exec", p.ID, "")
	if err != nil {
		env.t.Fatalf("approve: %v", err)
	}
	return p
}

func TestApproveStampsTimestampAndRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject("alpha")
	env.grant("exec", p.ID, domain.RoleExecutive)

	p, err := env.eng.Approve(ctx, "exec", p.ID, "looks good")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if p.ApprovalStatus != domain.ApprovalApproved {
		t.Fatalf("approval status = %s", p.ApprovalStatus)
	}
	if p.ApprovedAt == nil {
		t.Fatal("approved_at not set")
	}

	records, err := env.repo.ListApprovalRecords(ctx, p.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Action != domain.ActionApproved || records[0].ApproverID != "exec" {
		t.Fatalf("unexpected record %+v", records[0])
	}
	if records[0].Comment != "looks good" {
		t.Fatalf("comment = %q", records[0].Comment)
	}
}

func TestApproveRequiresRole(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject("alpha")

	_, err := env.eng.Approve(context.Background(), "nobody", p.ID, "")
	var forbidden *auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
}

func TestApproveOnlyFromPending(t *testing.T) {
	env := newTestEnv(t)
	p := env.approvedProject("alpha")

	_, err := env.eng.Approve(context.Background(), "exec", p.ID, "")
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestSetStatusLegality(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	// Cannot jump planning -> completed.
	if _, err := env.eng.SetStatus(ctx, "po1", p.ID, domain.StatusCompleted, ""); err == nil {
		t.Fatal("expected invalid transition")
	}

	// Cannot leave planning while unapproved.
	_, err := env.eng.SetStatus(ctx, "po1", p.ID, domain.StatusInProgress, "")
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}

	env.grant("exec", p.ID, domain.RoleExecutive)
	if _, err := env.eng.Approve(ctx, "exec", p.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	p2, err := env.eng.SetStatus(ctx, "po1", p.ID, domain.StatusInProgress, "kickoff")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if p2.ProjectStatus != domain.StatusInProgress {
		t.Fatalf("status = %s", p2.ProjectStatus)
	}

	if _, err := env.eng.SetStatus(ctx, "po1", p.ID, domain.StatusOnHold, ""); err != nil {
		t.Fatalf("on hold: %v", err)
	}
	// on_hold cannot complete directly.
	if _, err := env.eng.SetStatus(ctx, "po1", p.ID, domain.StatusCompleted, ""); err == nil {
		t.Fatal("expected invalid transition from on_hold to completed")
	}
}

func TestCancelApprovalVoidsAssignments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.approvedProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	a, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.eng.Start(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.eng.UpdateProgress(ctx, "eng1", a.ID, 40); err != nil {
		t.Fatalf("progress: %v", err)
	}

	p2, err := env.eng.CancelApproval(ctx, "exec", p.ID, "scope changed")
	if err != nil {
		t.Fatalf("cancel approval: %v", err)
	}
	if p2.ApprovalStatus != domain.ApprovalPending || p2.ProjectStatus != domain.StatusPlanning {
		t.Fatalf("project not rewound: %+v", p2)
	}
	if p2.ApprovedAt != nil {
		t.Fatal("approved_at should be cleared")
	}

	a2, err := env.repo.GetAssignment(ctx, a.ID)
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if a2.AssignmentStatus != domain.AssignmentRejected {
		t.Fatalf("assignment status = %s", a2.AssignmentStatus)
	}
	if a2.ProgressPercentage != 0 {
		t.Fatalf("progress = %d, want 0", a2.ProgressPercentage)
	}
	last := a2.History[len(a2.History)-1]
	if last.Action != domain.HistoryVoided || last.Reason != "scope changed" {
		t.Fatalf("unexpected history tail %+v", last)
	}

	records, err := env.repo.ListApprovalRecords(ctx, p.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	tail := records[len(records)-1]
	if tail.Action != domain.ActionCancelApproval {
		t.Fatalf("record action = %s", tail.Action)
	}
	if tail.Modifications == nil || tail.Modifications.AssignmentsVoided != 1 {
		t.Fatalf("modifications = %+v", tail.Modifications)
	}
}

func TestAssignRejectsDuplicateAssignee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.approvedProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	if _, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil)
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("err = %v, want ErrAlreadyAssigned", err)
	}
}

func TestAssignRequiresApprovedProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	_, err := env.eng.Assign(context.Background(), "po1", p.ID, "eng1", nil)
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}

func TestReassignResetsAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.approvedProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	a, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.eng.Start(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.eng.UpdateProgress(ctx, "eng1", a.ID, 60); err != nil {
		t.Fatalf("progress: %v", err)
	}

	env.now = env.now.Add(time.Hour)
	a2, err := env.eng.Reassign(ctx, "po1", a.ID, "eng2", "handover")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if a2.AssignedTo != "eng2" || a2.AssignmentStatus != domain.AssignmentAssigned {
		t.Fatalf("unexpected assignment %+v", a2)
	}
	if a2.ProgressPercentage != 0 || a2.ActualStartDate != nil {
		t.Fatal("progress and start date should be reset")
	}
	last := a2.History[len(a2.History)-1]
	if last.Action != domain.HistoryReassigned || last.FromAssignee != "eng1" || last.ToAssignee != "eng2" {
		t.Fatalf("unexpected history tail %+v", last)
	}

	// The vacated seat can be filled again; the old holder can return.
	if _, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil); err != nil {
		t.Fatalf("re-add old assignee: %v", err)
	}
	// But reassigning onto an occupied seat fails.
	_, err = env.eng.Reassign(ctx, "po1", a.ID, "eng1", "")
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("err = %v, want ErrAlreadyAssigned", err)
	}
}

func TestPauseResumeRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.approvedProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	a, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Pause before start is illegal.
	if _, err := env.eng.Pause(ctx, "eng1", a.ID, ""); err == nil {
		t.Fatal("expected pause of non-started assignment to fail")
	}
	if _, err := env.eng.Start(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Resume while running is illegal.
	_, err = env.eng.Resume(ctx, "eng1", a.ID)
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
	if _, err := env.eng.Pause(ctx, "eng1", a.ID, "blocked"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	a2, err := env.eng.Resume(ctx, "eng1", a.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if a2.AssignmentStatus != domain.AssignmentInProgress {
		t.Fatalf("status = %s", a2.AssignmentStatus)
	}
}

func TestOnlyAssigneeMovesAssignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.approvedProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	a, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err = env.eng.Start(ctx, "eng2", a.ID)
	var forbidden *auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}

	// Admin may override.
	env.grant("root", repo.GlobalScope, domain.RoleAdmin)
	if _, err := env.eng.Start(ctx, "root", a.ID); err != nil {
		t.Fatalf("admin start: %v", err)
	}
}

func TestUpdateProgressBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.approvedProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)

	a, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.eng.Start(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	var validation *ValidationError
	if _, err := env.eng.UpdateProgress(ctx, "eng1", a.ID, 101); !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, err := env.eng.UpdateProgress(ctx, "eng1", a.ID, -1); !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	a2, err := env.eng.UpdateProgress(ctx, "eng1", a.ID, 100)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if a2.ProgressPercentage != 100 {
		t.Fatalf("progress = %d", a2.ProgressPercentage)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var validation *ValidationError
	if _, err := env.eng.CreateProject(ctx, "creator", "", "medium", nil); !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, err := env.eng.CreateProject(ctx, "creator", "x", "urgent", nil); !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	bad := "tomorrow"
	if _, err := env.eng.CreateProject(ctx, "creator", "x", "high", &bad); !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
