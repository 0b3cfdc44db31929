// Package query is the read side: derived stage, elapsed clocks, pipeline
// overview, and bottleneck listing. It never mutates state.
package query

import (
	"context"
	"sort"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/monitor"
	"stagegate/internal/repo"
	"stagegate/internal/stage"
)

type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ProjectDetail is everything a caller sees about one project, with the
// stage and elapsed clock derived at read time.
type ProjectDetail struct {
	Project         domain.Project          `json:"project"`
	Stage           string                  `json:"stage"`
	StageElapsedHrs float64                 `json:"stage_elapsed_hours"`
	Assignments     []domain.Assignment     `json:"assignments"`
	QCRequests      []domain.QCRequest      `json:"qc_requests"`
	ApprovalRecords []domain.ApprovalRecord `json:"approval_records"`
}

func (s Service) ProjectDetail(ctx context.Context, projectID string) (ProjectDetail, error) {
	snap, err := s.Repo.Snapshot(ctx, projectID)
	if err != nil {
		return ProjectDetail{}, err
	}
	records, err := s.Repo.ListApprovalRecords(ctx, projectID)
	if err != nil {
		return ProjectDetail{}, err
	}

	st := stage.Current(snap)
	var elapsed float64
	if anchor := stage.Anchor(snap); !anchor.IsZero() {
		elapsed = s.now().Sub(anchor).Hours()
	}
	return ProjectDetail{
		Project:         snap.Project,
		Stage:           string(st),
		StageElapsedHrs: elapsed,
		Assignments:     snap.Assignments,
		QCRequests:      snap.QCRequests,
		ApprovalRecords: records,
	}, nil
}

// Overview counts open projects per derived stage.
type Overview struct {
	Total    int            `json:"total"`
	ByStage  map[string]int `json:"by_stage"`
	ByStatus map[string]int `json:"by_status"`
}

func (s Service) Overview(ctx context.Context) (Overview, error) {
	projects, err := s.Repo.ListOpenProjects(ctx)
	if err != nil {
		return Overview{}, err
	}
	ov := Overview{
		ByStage:  map[string]int{},
		ByStatus: map[string]int{},
	}
	for _, p := range projects {
		snap, err := s.Repo.Snapshot(ctx, p.ID)
		if err != nil {
			return Overview{}, err
		}
		ov.Total++
		ov.ByStage[string(stage.Current(snap))]++
		ov.ByStatus[p.ProjectStatus]++
	}
	return ov, nil
}

// Bottleneck pairs a project with its current delay finding.
type Bottleneck struct {
	Project domain.Project      `json:"project"`
	Stage   string              `json:"stage"`
	Finding domain.DelayFinding `json:"finding"`
}

// Bottlenecks lists projects currently over threshold, worst first:
// severity, then hours stuck.
func (s Service) Bottlenecks(ctx context.Context) ([]Bottleneck, error) {
	projects, err := s.Repo.ListOpenProjects(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []Bottleneck
	for _, p := range projects {
		snap, err := s.Repo.Snapshot(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		st := stage.Current(snap)
		f, ok := monitor.StageFinding(snap, st, now)
		if !ok {
			f, ok = monitor.DeadlineFinding(p, now)
		}
		if !ok {
			continue
		}
		out = append(out, Bottleneck{Project: p, Stage: string(st), Finding: f})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Finding.Severity), severityRank(out[j].Finding.Severity)
		if ri != rj {
			return ri > rj
		}
		return out[i].Finding.DelayHours > out[j].Finding.DelayHours
	})
	return out, nil
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	}
	return 0
}

// Inbox returns the stored messages addressed to one recipient, newest
// first.
func (s Service) Inbox(ctx context.Context, recipientID string, limit int) ([]domain.Message, error) {
	return s.Repo.ListMessagesForRecipient(ctx, recipientID, limit)
}
