package monitor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/stage"
)

type captureAlerter struct {
	alerts []domain.DelayFinding
}

func (c *captureAlerter) DelayAlert(_ context.Context, _ domain.Project, f domain.DelayFinding) {
	c.alerts = append(c.alerts, f)
}

func newMonitorEnv(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func insertProject(t *testing.T, conn *sql.DB, id, approval, status, urgency string, createdAt time.Time, deadline *time.Time) {
	t.Helper()
	var deadlineVal any
	if deadline != nil {
		deadlineVal = deadline.UTC().Format(time.RFC3339)
	}
	ts := createdAt.UTC().Format(time.RFC3339)
	_, err := conn.Exec(`INSERT INTO projects(id, name, approval_status, project_status, urgency_level, deadline, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`, id, "proj "+id, approval, status, urgency, deadlineVal, ts, ts)
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
}

func insertQCRequest(t *testing.T, conn *sql.DB, id, projectID, status string, createdAt time.Time) {
	t.Helper()
	ts := createdAt.UTC().Format(time.RFC3339)
	_, err := conn.Exec(`INSERT INTO qc_requests(id, project_id, request_status, created_at) VALUES (?,?,?,?)`,
		id, projectID, status, ts)
	if err != nil {
		t.Fatalf("insert qc request: %v", err)
	}
}

func TestSeverityLadder(t *testing.T) {
	tests := []struct {
		urgency string
		hours   float64
		want    string
	}{
		{"medium", 50, "low"},
		{"medium", 73, "medium"},
		{"medium", 169, "high"},
		{"low", 50, "low"},
		{"high", 25, "high"},
		{"high", 49, "critical"},
		{"high", 73, "critical"},
		{"critical", 30, "high"},
		{"critical", 100, "critical"},
	}
	for _, tt := range tests {
		got := Severity(tt.urgency, time.Duration(tt.hours*float64(time.Hour)))
		if got != tt.want {
			t.Errorf("Severity(%s, %.0fh) = %s, want %s", tt.urgency, tt.hours, got, tt.want)
		}
	}
}

func TestStageFindingThresholdIsStrict(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	snap := stage.Snapshot{
		Project:   domain.Project{ID: "p1", ApprovalStatus: domain.ApprovalPending, UrgencyLevel: "medium"},
		CreatedAt: now.Add(-72 * time.Hour),
	}
	if _, ok := StageFinding(snap, stage.ApprovalPending, now); ok {
		t.Fatal("dwell exactly at threshold must not fire")
	}
	snap.CreatedAt = now.Add(-72*time.Hour - time.Minute)
	f, ok := StageFinding(snap, stage.ApprovalPending, now)
	if !ok {
		t.Fatal("dwell past threshold must fire")
	}
	if f.Stage != string(stage.ApprovalPending) {
		t.Fatalf("stage = %s", f.Stage)
	}
}

func TestDeadlineFinding(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	past := now.Add(-10 * time.Hour).Format(time.RFC3339)
	future := now.Add(10 * time.Hour).Format(time.RFC3339)

	if _, ok := DeadlineFinding(domain.Project{ID: "p1", Deadline: &future}, now); ok {
		t.Fatal("future deadline must not fire")
	}
	f, ok := DeadlineFinding(domain.Project{ID: "p1", UrgencyLevel: "medium", Deadline: &past}, now)
	if !ok {
		t.Fatal("past deadline must fire")
	}
	if f.Stage != DeadlineStage {
		t.Fatalf("stage = %s", f.Stage)
	}
	if f.DelayHours < 9.9 || f.DelayHours > 10.1 {
		t.Fatalf("delay hours = %f", f.DelayHours)
	}

	garbage := "not a time"
	if _, ok := DeadlineFinding(domain.Project{ID: "p1", Deadline: &garbage}, now); ok {
		t.Fatal("unparsable deadline must be ignored")
	}

	completed := domain.Project{ID: "p1", ProjectStatus: domain.StatusCompleted, UrgencyLevel: "medium", Deadline: &past}
	if _, ok := DeadlineFinding(completed, now); ok {
		t.Fatal("completed project must not raise a deadline finding")
	}
}

func TestScanAlertsOncePerCooldown(t *testing.T) {
	r, conn := newMonitorEnv(t)
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	insertProject(t, conn, "p1", domain.ApprovalPending, domain.StatusPlanning, "high", now.Add(-100*time.Hour), nil)

	alerter := &captureAlerter{}
	clock := now
	m := Monitor{
		Repo:    r,
		Alerter: alerter,
		Config:  Config{Cooldown: 24 * time.Hour},
		Now:     func() time.Time { return clock },
	}

	findings, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	if findings[0].Severity != "critical" {
		t.Fatalf("severity = %s", findings[0].Severity)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerter.alerts))
	}

	// Same pass again: finding recomputed, alert suppressed.
	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts = %d, want still 1", len(alerter.alerts))
	}

	// Past the cooldown the alert repeats.
	clock = clock.Add(25 * time.Hour)
	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(alerter.alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerter.alerts))
	}
}

func TestScanAlertsOnSeverityEscalation(t *testing.T) {
	r, conn := newMonitorEnv(t)
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	// Medium urgency, 100h in approval_pending: severity medium.
	insertProject(t, conn, "p1", domain.ApprovalPending, domain.StatusPlanning, "medium", now.Add(-100*time.Hour), nil)

	alerter := &captureAlerter{}
	clock := now
	m := Monitor{
		Repo:    r,
		Alerter: alerter,
		Config:  Config{Cooldown: 1000 * time.Hour},
		Now:     func() time.Time { return clock },
	}

	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(alerter.alerts) != 1 || alerter.alerts[0].Severity != "medium" {
		t.Fatalf("alerts = %+v", alerter.alerts)
	}

	// Dwell grows to 169h: severity escalates to high, which beats the
	// cooldown.
	clock = clock.Add(69 * time.Hour)
	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(alerter.alerts) != 2 || alerter.alerts[1].Severity != "high" {
		t.Fatalf("alerts = %+v", alerter.alerts)
	}

	// No further escalation, no further alert.
	clock = clock.Add(time.Hour)
	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(alerter.alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerter.alerts))
	}
}

func TestScanSkipsTerminalProjects(t *testing.T) {
	r, conn := newMonitorEnv(t)
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	deadline := now.Add(-50 * time.Hour)
	insertProject(t, conn, "gone", domain.ApprovalApproved, domain.StatusCancelled, "high", now.Add(-500*time.Hour), &deadline)
	insertProject(t, conn, "shipped", domain.ApprovalApproved, domain.StatusApprovedForDeployment, "high", now.Add(-500*time.Hour), &deadline)
	insertProject(t, conn, "refused", domain.ApprovalApproved, domain.StatusRegistrationRejected, "high", now.Add(-500*time.Hour), &deadline)

	m := Monitor{Repo: r, Now: func() time.Time { return now }}
	findings, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("findings = %+v, want none", findings)
	}
}

func TestScanFindsStalledReviewOnCompletedProject(t *testing.T) {
	r, conn := newMonitorEnv(t)
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	insertProject(t, conn, "p1", domain.ApprovalApproved, domain.StatusCompleted, "medium", now.Add(-500*time.Hour), nil)
	insertQCRequest(t, conn, "qc1", "p1", domain.QCPending, now.Add(-100*time.Hour))

	m := Monitor{Repo: r, Now: func() time.Time { return now }}
	findings, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1 (review pending past threshold)", len(findings))
	}
	if findings[0].Stage != string(stage.QCPending) {
		t.Fatalf("stage = %s, want %s", findings[0].Stage, stage.QCPending)
	}
	if findings[0].DelayHours < 99.9 || findings[0].DelayHours > 100.1 {
		t.Fatalf("delay hours = %f, want ~100", findings[0].DelayHours)
	}
}

func TestStageFindingOutranksDeadline(t *testing.T) {
	r, conn := newMonitorEnv(t)
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	deadline := now.Add(-10 * time.Hour)
	insertProject(t, conn, "p1", domain.ApprovalPending, domain.StatusPlanning, "medium", now.Add(-100*time.Hour), &deadline)

	m := Monitor{Repo: r, Now: func() time.Time { return now }}
	findings, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	if findings[0].Stage != string(stage.ApprovalPending) {
		t.Fatalf("stage = %s, want the stalled stage, not the deadline", findings[0].Stage)
	}
}
