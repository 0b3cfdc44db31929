// Package notify turns committed lifecycle changes into stored messages and
// outbound deliveries. A message with no recipients is dropped, not stored.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/repo"
	"stagegate/internal/stage"
)

// stageRoles maps the stage being entered to the roles that should hear
// about it. Assignees are added separately where the stage concerns them.
var stageRoles = map[stage.Stage][]string{
	stage.ApprovalPending:       {domain.RoleExecutive, domain.RoleAdmin, domain.RolePO},
	stage.AssignmentPending:     {domain.RolePO, domain.RoleAdmin},
	stage.Development:           {domain.RolePO, domain.RoleExecutive},
	stage.QCPending:             {domain.RoleQA, domain.RolePO, domain.RoleExecutive},
	stage.QCInProgress:          {domain.RolePO, domain.RoleExecutive},
	stage.AdminApprovalPending:  {domain.RoleAdmin, domain.RolePO},
	stage.ApprovedForDeployment: {domain.RolePO, domain.RoleExecutive},
	stage.RegistrationRejected:  {domain.RolePO, domain.RoleAdmin},
}

// stagesWithAssignees lists stages whose notification also goes to the
// current assignees.
var stagesWithAssignees = map[stage.Stage]bool{
	stage.Development:           true,
	stage.ApprovedForDeployment: true,
	stage.RegistrationRejected:  true,
}

type Dispatcher struct {
	Repo   repo.Repo
	Sink   Sink
	Logger *slog.Logger
	Now    func() time.Time
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// StageChanged stores and delivers a notification for a project that just
// entered a new stage. Errors are logged, never propagated: the lifecycle
// change is already committed and must not appear to fail.
func (d Dispatcher) StageChanged(ctx context.Context, projectID string, from, to stage.Stage) {
	p, err := d.Repo.GetProject(ctx, projectID)
	if err != nil {
		d.logger().Error("notify: load project", "project_id", projectID, "error", err)
		return
	}
	recipients, err := d.recipientsFor(ctx, projectID, to)
	if err != nil {
		d.logger().Error("notify: resolve recipients", "project_id", projectID, "error", err)
		return
	}
	if len(recipients) == 0 {
		d.logger().Debug("notify: no recipients", "project_id", projectID, "stage", string(to))
		return
	}

	title := fmt.Sprintf("%s entered %s", p.Name, to)
	body := fmt.Sprintf("Project %s moved from %s to %s.", p.Name, from, to)
	d.deliver(ctx, domain.Message{
		Title:      title,
		Body:       body,
		Priority:   "default",
		ProjectID:  projectID,
		Stage:      string(to),
		Recipients: recipients,
	})
}

// DelayAlert stores and delivers a stalled-stage alert. The caller has
// already decided the alert is due.
func (d Dispatcher) DelayAlert(ctx context.Context, p domain.Project, f domain.DelayFinding) {
	recipients, err := d.recipientsFor(ctx, p.ID, stage.Stage(f.Stage))
	if err != nil {
		d.logger().Error("notify: resolve recipients", "project_id", p.ID, "error", err)
		return
	}
	// Delay alerts always include the people who can unblock: po + admin.
	for _, role := range []string{domain.RolePO, domain.RoleAdmin} {
		more, err := d.Repo.ActorsWithRole(ctx, p.ID, role)
		if err != nil {
			d.logger().Error("notify: resolve recipients", "project_id", p.ID, "error", err)
			return
		}
		recipients = append(recipients, more...)
	}
	recipients = dedupe(recipients)
	if len(recipients) == 0 {
		d.logger().Debug("notify: no recipients for delay alert", "project_id", p.ID, "stage", f.Stage)
		return
	}

	title := fmt.Sprintf("%s stalled in %s", p.Name, f.Stage)
	body := fmt.Sprintf("Project %s has been in %s for %.0f hours (severity %s).", p.Name, f.Stage, f.DelayHours, f.Severity)
	d.deliver(ctx, domain.Message{
		Title:      title,
		Body:       body,
		Priority:   f.Severity,
		ProjectID:  p.ID,
		Stage:      f.Stage,
		Recipients: recipients,
	})
}

func (d Dispatcher) deliver(ctx context.Context, m domain.Message) {
	m.CreatedAt = d.now().UTC().Format(time.RFC3339)
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		d.logger().Error("notify: begin tx", "error", err)
		return
	}
	defer tx.Rollback()
	id, err := d.Repo.InsertMessageTx(ctx, tx, m)
	if err != nil {
		d.logger().Error("notify: store message", "project_id", m.ProjectID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		d.logger().Error("notify: commit message", "project_id", m.ProjectID, "error", err)
		return
	}

	sink := d.Sink
	if sink == nil {
		sink = NoopSink{}
	}
	n := Notification{
		Title:      m.Title,
		Body:       m.Body,
		Priority:   m.Priority,
		ProjectID:  m.ProjectID,
		Stage:      m.Stage,
		Recipients: m.Recipients,
		SentAt:     m.CreatedAt,
	}
	if err := sink.Send(ctx, n); err != nil {
		d.logger().Warn("notify: delivery failed", "message_id", id, "error", err)
		return
	}
	d.logger().Info("notify: delivered", "message_id", id, "project_id", m.ProjectID, "recipients", len(m.Recipients))
}

func (d Dispatcher) recipientsFor(ctx context.Context, projectID string, st stage.Stage) ([]string, error) {
	var recipients []string
	for _, role := range stageRoles[st] {
		actors, err := d.Repo.ActorsWithRole(ctx, projectID, role)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, actors...)
	}
	if stagesWithAssignees[st] {
		assignments, err := d.Repo.ListAssignments(ctx, projectID)
		if err != nil {
			return nil, err
		}
		for _, a := range assignments {
			switch a.AssignmentStatus {
			case domain.AssignmentAssigned, domain.AssignmentInProgress, domain.AssignmentPaused:
				recipients = append(recipients, a.AssignedTo)
			}
		}
	}
	return dedupe(recipients), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
