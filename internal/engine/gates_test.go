package engine

import (
	"context"
	"errors"
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/repo"
	"stagegate/internal/stage"
)

// devProject builds an approved project with one in-progress assignment.
func devProject(t *testing.T, env *testEnv) (domain.Project, domain.Assignment) {
	t.Helper()
	ctx := context.Background()
	p := env.approvedProject("alpha")
	env.grant("po1", p.ID, domain.RolePO)
	env.grant("qa1", p.ID, domain.RoleQA)
	env.grant("eng1", p.ID, domain.RolePE)

	a, err := env.eng.Assign(ctx, "po1", p.ID, "eng1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.eng.Start(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	return p, a
}

func TestQCHappyPathToDeployment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, a := devProject(t, env)

	if _, err := env.eng.Complete(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	q, err := env.eng.SubmitForQC(ctx, "eng1", p.ID, nil)
	if err != nil {
		t.Fatalf("submit for qc: %v", err)
	}
	if q.RequestStatus != domain.QCPending {
		t.Fatalf("qc status = %s", q.RequestStatus)
	}

	q, err = env.eng.StartQCReview(ctx, "qa1", q.ID)
	if err != nil {
		t.Fatalf("start review: %v", err)
	}
	if q.AssignedQA == nil || *q.AssignedQA != "qa1" || q.StartedAt == nil {
		t.Fatalf("review not claimed: %+v", q)
	}

	score := 92
	q, err = env.eng.CompleteQCReview(ctx, "qa1", q.ID, true, &score, "solid")
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if q.RequestStatus != domain.QCApproved {
		t.Fatalf("qc status = %s", q.RequestStatus)
	}

	tx, err := env.eng.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	reg, err := env.repo.GetRegistrationByProjectTx(ctx, tx, p.ID)
	tx.Rollback()
	if err != nil {
		t.Fatalf("get registration: %v", err)
	}

	reg, err = env.eng.RecordPODecision(ctx, "po1", reg.ID, domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("po decision: %v", err)
	}
	if reg.PODecision == nil || *reg.PODecision != domain.DecisionApprove {
		t.Fatalf("po decision not recorded: %+v", reg)
	}

	env.grant("root", repo.GlobalScope, domain.RoleAdmin)
	reg, err = env.eng.RecordAdminDecision(ctx, "root", reg.ID, domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("admin decision: %v", err)
	}

	p2, err := env.repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p2.ProjectStatus != domain.StatusApprovedForDeployment {
		t.Fatalf("final status = %s", p2.ProjectStatus)
	}
	snap, err := env.repo.Snapshot(ctx, p.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if st := stage.Current(snap); st != stage.ApprovedForDeployment {
		t.Fatalf("stage = %s", st)
	}
}

func TestQCRejectReopensAssignments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, a := devProject(t, env)

	if _, err := env.eng.Complete(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	q, err := env.eng.SubmitForQC(ctx, "eng1", p.ID, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.eng.StartQCReview(ctx, "qa1", q.ID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := env.eng.CompleteQCReview(ctx, "qa1", q.ID, false, nil, "regressions"); err != nil {
		t.Fatalf("fail review: %v", err)
	}

	a2, err := env.repo.GetAssignment(ctx, a.ID)
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if a2.AssignmentStatus != domain.AssignmentInProgress {
		t.Fatalf("assignment status = %s, want reopened", a2.AssignmentStatus)
	}
	last := a2.History[len(a2.History)-1]
	if last.Action != domain.HistoryResumed || last.PrevState != domain.AssignmentCompleted {
		t.Fatalf("unexpected history tail %+v", last)
	}

	snap, err := env.repo.Snapshot(ctx, p.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if st := stage.Current(snap); st != stage.Development {
		t.Fatalf("stage = %s, want development", st)
	}
}

func TestSubmitForQCRejectsSecondOpenReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, _ := devProject(t, env)

	if _, err := env.eng.SubmitForQC(ctx, "eng1", p.ID, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := env.eng.SubmitForQC(ctx, "eng1", p.ID, nil)
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}

func TestAdminDecisionRequiresPOApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, a := devProject(t, env)
	env.grant("root", repo.GlobalScope, domain.RoleAdmin)

	if _, err := env.eng.Complete(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	q, err := env.eng.SubmitForQC(ctx, "eng1", p.ID, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.eng.StartQCReview(ctx, "qa1", q.ID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := env.eng.CompleteQCReview(ctx, "qa1", q.ID, true, nil, ""); err != nil {
		t.Fatalf("pass review: %v", err)
	}

	tx, err := env.eng.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	reg, err := env.repo.GetRegistrationByProjectTx(ctx, tx, p.ID)
	tx.Rollback()
	if err != nil {
		t.Fatalf("get registration: %v", err)
	}

	_, err = env.eng.RecordAdminDecision(ctx, "root", reg.ID, domain.DecisionApprove, "")
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}

func TestPORejectTerminatesProject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, a := devProject(t, env)

	if _, err := env.eng.Complete(ctx, "eng1", a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	q, err := env.eng.SubmitForQC(ctx, "eng1", p.ID, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.eng.StartQCReview(ctx, "qa1", q.ID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := env.eng.CompleteQCReview(ctx, "qa1", q.ID, true, nil, ""); err != nil {
		t.Fatalf("pass review: %v", err)
	}

	tx, err := env.eng.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	reg, err := env.repo.GetRegistrationByProjectTx(ctx, tx, p.ID)
	tx.Rollback()
	if err != nil {
		t.Fatalf("get registration: %v", err)
	}

	if _, err := env.eng.RecordPODecision(ctx, "po1", reg.ID, domain.DecisionReject, "not viable"); err != nil {
		t.Fatalf("po reject: %v", err)
	}
	p2, err := env.repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p2.ProjectStatus != domain.StatusRegistrationRejected {
		t.Fatalf("status = %s", p2.ProjectStatus)
	}

	// A second PO decision on the same registration is rejected.
	_, err = env.eng.RecordPODecision(ctx, "po1", reg.ID, domain.DecisionApprove, "")
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}
