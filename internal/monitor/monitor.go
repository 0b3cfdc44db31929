// Package monitor watches open projects for stages that have been occupied
// too long and for blown deadlines. Findings are recomputed every pass; only
// the alert watermark is persisted.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/repo"
	"stagegate/internal/stage"
)

// DeadlineStage is the finding key used for blown project deadlines. It is
// not a lifecycle stage; it gets its own watermark slot.
const DeadlineStage = "deadline_delay"

// thresholds is the maximum tolerated dwell time per stage. A finding is
// raised only when the dwell time strictly exceeds the threshold.
var thresholds = map[stage.Stage]time.Duration{
	stage.ApprovalPending:      72 * time.Hour,
	stage.AssignmentPending:    24 * time.Hour,
	stage.Development:          336 * time.Hour,
	stage.QCPending:            48 * time.Hour,
	stage.QCInProgress:         168 * time.Hour,
	stage.AdminApprovalPending: 48 * time.Hour,
}

var severityRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

// Severity grades a delay. Urgent projects escalate faster than the rest.
func Severity(urgency string, delay time.Duration) string {
	h := delay.Hours()
	if urgency == "critical" || urgency == "high" {
		if h > 48 {
			return "critical"
		}
		if h > 24 {
			return "high"
		}
	}
	if h > 168 {
		return "high"
	}
	if h > 72 {
		return "medium"
	}
	return "low"
}

// Alerter receives findings that passed the watermark gate.
type Alerter interface {
	DelayAlert(ctx context.Context, p domain.Project, f domain.DelayFinding)
}

type Config struct {
	Interval time.Duration
	Workers  int
	Cooldown time.Duration
}

type Monitor struct {
	Repo    repo.Repo
	Alerter Alerter
	Logger  *slog.Logger
	Config  Config
	Now     func() time.Time
}

func (m Monitor) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Monitor) cooldown() time.Duration {
	if m.Config.Cooldown > 0 {
		return m.Config.Cooldown
	}
	return 24 * time.Hour
}

func (m Monitor) workers() int {
	if m.Config.Workers > 0 {
		return m.Config.Workers
	}
	return 4
}

// Scan examines every open project once and returns all findings, alerted
// or not. A broken project is logged and skipped; it never stops the pass.
func (m Monitor) Scan(ctx context.Context) ([]domain.DelayFinding, error) {
	projects, err := m.Repo.ListOpenProjects(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var findings []domain.DelayFinding

	sem := make(chan struct{}, m.workers())
	var wg sync.WaitGroup
	for _, p := range projects {
		wg.Add(1)
		sem <- struct{}{}
		go func(p domain.Project) {
			defer wg.Done()
			defer func() { <-sem }()
			fs, err := m.checkProject(ctx, p)
			if err != nil {
				m.logger().Error("monitor: check project", "project_id", p.ID, "error", err)
				return
			}
			if len(fs) > 0 {
				mu.Lock()
				findings = append(findings, fs...)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return findings, nil
}

// checkProject computes at most one finding per project per pass. A stalled
// stage takes precedence; the deadline check only fires when no stage
// finding did.
func (m Monitor) checkProject(ctx context.Context, p domain.Project) ([]domain.DelayFinding, error) {
	snap, err := m.Repo.Snapshot(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	st := stage.Current(snap)

	if f, ok := StageFinding(snap, st, now); ok {
		m.gate(ctx, p, f)
		return []domain.DelayFinding{f}, nil
	}
	if f, ok := DeadlineFinding(p, now); ok {
		m.gate(ctx, p, f)
		return []domain.DelayFinding{f}, nil
	}
	return nil, nil
}

// StageFinding reports whether the project has outstayed its current stage.
func StageFinding(snap stage.Snapshot, st stage.Stage, now time.Time) (domain.DelayFinding, bool) {
	limit, ok := thresholds[st]
	if !ok {
		return domain.DelayFinding{}, false
	}
	anchor := stage.Anchor(snap)
	if anchor.IsZero() {
		return domain.DelayFinding{}, false
	}
	dwell := now.Sub(anchor)
	if dwell <= limit {
		return domain.DelayFinding{}, false
	}
	return domain.DelayFinding{
		ProjectID:  snap.Project.ID,
		Stage:      string(st),
		DelayHours: dwell.Hours(),
		Severity:   Severity(snap.Project.UrgencyLevel, dwell),
		ComputedAt: now.UTC().Format(time.RFC3339),
	}, true
}

// DeadlineFinding reports whether an unfinished project's deadline has
// passed. A completed project has met its delivery; only the gates can
// still stall it. An unparsable deadline is treated as absent.
func DeadlineFinding(p domain.Project, now time.Time) (domain.DelayFinding, bool) {
	if p.ProjectStatus == domain.StatusCompleted || p.Deadline == nil {
		return domain.DelayFinding{}, false
	}
	deadline, err := time.Parse(time.RFC3339, *p.Deadline)
	if err != nil {
		return domain.DelayFinding{}, false
	}
	overdue := now.Sub(deadline)
	if overdue <= 0 {
		return domain.DelayFinding{}, false
	}
	return domain.DelayFinding{
		ProjectID:  p.ID,
		Stage:      DeadlineStage,
		DelayHours: overdue.Hours(),
		Severity:   Severity(p.UrgencyLevel, overdue),
		ComputedAt: now.UTC().Format(time.RFC3339),
	}, true
}

// gate decides whether the finding deserves an alert: first occurrence,
// severity escalation, or cooldown expiry. The watermark is advanced before
// delivery so a crashed delivery costs one alert, never a duplicate storm.
func (m Monitor) gate(ctx context.Context, p domain.Project, f domain.DelayFinding) {
	tx, err := m.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		m.logger().Error("monitor: begin tx", "project_id", p.ID, "error", err)
		return
	}
	defer tx.Rollback()

	now := m.now()
	alert := false
	w, err := m.Repo.GetWatermarkTx(ctx, tx, f.ProjectID, f.Stage)
	switch {
	case err == repo.ErrNotFound:
		alert = true
	case err != nil:
		m.logger().Error("monitor: read watermark", "project_id", p.ID, "error", err)
		return
	case severityRank[f.Severity] > severityRank[w.Severity]:
		alert = true
	default:
		last, perr := time.Parse(time.RFC3339, w.AlertedAt)
		if perr != nil || now.Sub(last) >= m.cooldown() {
			alert = true
		}
	}
	if !alert {
		return
	}

	err = m.Repo.UpsertWatermarkTx(ctx, tx, domain.AlertWatermark{
		ProjectID:  f.ProjectID,
		Stage:      f.Stage,
		Severity:   f.Severity,
		DelayHours: f.DelayHours,
		AlertedAt:  now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.logger().Error("monitor: write watermark", "project_id", p.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		m.logger().Error("monitor: commit watermark", "project_id", p.ID, "error", err)
		return
	}
	if m.Alerter != nil {
		m.Alerter.DelayAlert(ctx, p, f)
	}
}

// StartLoop runs Scan on a ticker until the context is cancelled.
func (m Monitor) StartLoop(ctx context.Context) {
	interval := m.Config.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger().Info("monitor: loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger().Info("monitor: loop stopped")
			return
		case <-ticker.C:
			findings, err := m.Scan(ctx)
			if err != nil {
				m.logger().Error("monitor: scan failed", "error", err)
				continue
			}
			if len(findings) > 0 {
				m.logger().Info("monitor: scan complete", "findings", len(findings))
			}
		}
	}
}
