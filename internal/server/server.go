// Package server exposes the lifecycle engine over HTTP. Every route below
// /v0 requires a resolved actor; role enforcement happens in the engine.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"stagegate/internal/engine"
	"stagegate/internal/engine/auth"
	"stagegate/internal/identity"
	"stagegate/internal/monitor"
	"stagegate/internal/query"
	"stagegate/internal/repo"
)

// Deps carries everything the router needs.
type Deps struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Query    query.Service
	Monitor  monitor.Monitor
	Resolver identity.Resolver
}

// New builds the HTTP handler: chi router, auth middleware, huma API.
func New(d Deps) http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(authMiddleware(d.Resolver))

	cfg := huma.DefaultConfig("stagegate", "0.1.0")
	cfg.Info.Description = "Project lifecycle workflow engine"
	api := humachi.New(router, cfg)
	register(api, d)
	return router
}

func register(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "create-project",
		Method:      http.MethodPost,
		Path:        "/v0/projects",
		Summary:     "Create a project",
	}, func(ctx context.Context, in *createProjectInput) (*projectOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		p, err := d.Engine.CreateProject(ctx, actorID, in.Body.Name, in.Body.UrgencyLevel, in.Body.Deadline)
		if err != nil {
			return nil, mapError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/v0/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, in *listProjectsInput) (*listProjectsOutput, error) {
		projects, err := d.Repo.ListProjects(ctx, repo.ProjectFilter{
			ApprovalStatus: in.ApprovalStatus,
			ProjectStatus:  in.ProjectStatus,
			UrgencyLevel:   in.UrgencyLevel,
			Limit:          in.Limit,
		})
		if err != nil {
			return nil, mapError(err)
		}
		out := &listProjectsOutput{}
		out.Body.Projects = projects
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/v0/projects/{projectID}",
		Summary:     "Get project detail with derived stage",
	}, func(ctx context.Context, in *projectIDInput) (*projectDetailOutput, error) {
		detail, err := d.Query.ProjectDetail(ctx, in.ProjectID)
		if err != nil {
			return nil, mapError(err)
		}
		return &projectDetailOutput{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-project",
		Method:      http.MethodPost,
		Path:        "/v0/projects/{projectID}/approve",
		Summary:     "Approve a pending project",
	}, func(ctx context.Context, in *decisionInput) (*projectOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		p, err := d.Engine.Approve(ctx, actorID, in.ProjectID, in.Body.Comment)
		if err != nil {
			return nil, mapError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-project",
		Method:      http.MethodPost,
		Path:        "/v0/projects/{projectID}/reject",
		Summary:     "Reject a pending project",
	}, func(ctx context.Context, in *decisionInput) (*projectOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		p, err := d.Engine.Reject(ctx, actorID, in.ProjectID, in.Body.Comment)
		if err != nil {
			return nil, mapError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-approval",
		Method:      http.MethodPost,
		Path:        "/v0/projects/{projectID}/cancel-approval",
		Summary:     "Revoke approval and rewind to planning",
	}, func(ctx context.Context, in *decisionInput) (*projectOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		p, err := d.Engine.CancelApproval(ctx, actorID, in.ProjectID, in.Body.Comment)
		if err != nil {
			return nil, mapError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-status",
		Method:      http.MethodPost,
		Path:        "/v0/projects/{projectID}/status",
		Summary:     "Change project status",
	}, func(ctx context.Context, in *setStatusInput) (*projectOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		p, err := d.Engine.SetStatus(ctx, actorID, in.ProjectID, in.Body.Status, in.Body.Comment)
		if err != nil {
			return nil, mapError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-assignment",
		Method:      http.MethodPost,
		Path:        "/v0/projects/{projectID}/assignments",
		Summary:     "Assign a project to an engineer",
	}, func(ctx context.Context, in *assignInput) (*assignmentOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := d.Engine.Assign(ctx, actorID, in.ProjectID, in.Body.AssigneeID, in.Body.WorkGroupID)
		if err != nil {
			return nil, mapError(err)
		}
		return &assignmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/v0/projects/{projectID}/assignments",
		Summary:     "List assignments of a project",
	}, func(ctx context.Context, in *projectIDInput) (*listAssignmentsOutput, error) {
		assignments, err := d.Repo.ListAssignments(ctx, in.ProjectID)
		if err != nil {
			return nil, mapError(err)
		}
		out := &listAssignmentsOutput{}
		out.Body.Assignments = assignments
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-assignment",
		Method:      http.MethodPost,
		Path:        "/v0/assignments/{assignmentID}/reassign",
		Summary:     "Hand an assignment to a new assignee",
	}, func(ctx context.Context, in *reassignInput) (*assignmentOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := d.Engine.Reassign(ctx, actorID, in.AssignmentID, in.Body.AssigneeID, in.Body.Reason)
		if err != nil {
			return nil, mapError(err)
		}
		return &assignmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-assignment",
		Method:      http.MethodPost,
		Path:        "/v0/assignments/{assignmentID}/start",
		Summary:     "Start work on an assignment",
	}, func(ctx context.Context, in *assignmentIDInput) (*assignmentOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := d.Engine.Start(ctx, actorID, in.AssignmentID)
		if err != nil {
			return nil, mapError(err)
		}
		return &assignmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-assignment",
		Method:      http.MethodPost,
		Path:        "/v0/assignments/{assignmentID}/pause",
		Summary:     "Pause an in-progress assignment",
	}, func(ctx context.Context, in *pauseInput) (*assignmentOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := d.Engine.Pause(ctx, actorID, in.AssignmentID, in.Body.Reason)
		if err != nil {
			return nil, mapError(err)
		}
		return &assignmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-assignment",
		Method:      http.MethodPost,
		Path:        "/v0/assignments/{assignmentID}/resume",
		Summary:     "Resume a paused assignment",
	}, func(ctx context.Context, in *assignmentIDInput) (*assignmentOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := d.Engine.Resume(ctx, actorID, in.AssignmentID)
		if err != nil {
			return nil, mapError(err)
		}
		return &assignmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-assignment",
		Method:      http.MethodPost,
		Path:        "/v0/assignments/{assignmentID}/complete",
		Summary:     "Complete an in-progress assignment",
	}, func(ctx context.Context, in *assignmentIDInput) (*assignmentOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := d.Engine.Complete(ctx, actorID, in.AssignmentID)
		if err != nil {
			return nil, mapError(err)
		}
		return &assignmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-progress",
		Method:      http.MethodPost,
		Path:        "/v0/assignments/{assignmentID}/progress",
		Summary:     "Update assignment progress",
	}, func(ctx context.Context, in *progressInput) (*assignmentOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := d.Engine.UpdateProgress(ctx, actorID, in.AssignmentID, in.Body.ProgressPercentage)
		if err != nil {
			return nil, mapError(err)
		}
		return &assignmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-for-qc",
		Method:      http.MethodPost,
		Path:        "/v0/projects/{projectID}/qc",
		Summary:     "Open a quality review",
	}, func(ctx context.Context, in *submitQCInput) (*qcOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		q, err := d.Engine.SubmitForQC(ctx, actorID, in.ProjectID, in.Body.CompletionReportID)
		if err != nil {
			return nil, mapError(err)
		}
		return &qcOutput{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-qc-review",
		Method:      http.MethodPost,
		Path:        "/v0/qc/{qcRequestID}/start",
		Summary:     "Claim a pending quality review",
	}, func(ctx context.Context, in *qcIDInput) (*qcOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		q, err := d.Engine.StartQCReview(ctx, actorID, in.QCRequestID)
		if err != nil {
			return nil, mapError(err)
		}
		return &qcOutput{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-qc-review",
		Method:      http.MethodPost,
		Path:        "/v0/qc/{qcRequestID}/review",
		Summary:     "Complete a quality review",
	}, func(ctx context.Context, in *reviewQCInput) (*qcOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		q, err := d.Engine.CompleteQCReview(ctx, actorID, in.QCRequestID, in.Body.Pass, in.Body.QualityScore, in.Body.Comment)
		if err != nil {
			return nil, mapError(err)
		}
		return &qcOutput{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-po-decision",
		Method:      http.MethodPost,
		Path:        "/v0/registrations/{registrationID}/po-decision",
		Summary:     "Record the product owner verdict",
	}, func(ctx context.Context, in *gateDecisionInput) (*registrationOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		reg, err := d.Engine.RecordPODecision(ctx, actorID, in.RegistrationID, in.Body.Decision, in.Body.Comment)
		if err != nil {
			return nil, mapError(err)
		}
		return &registrationOutput{Body: reg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-admin-decision",
		Method:      http.MethodPost,
		Path:        "/v0/registrations/{registrationID}/admin-decision",
		Summary:     "Record the final admin verdict",
	}, func(ctx context.Context, in *gateDecisionInput) (*registrationOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		reg, err := d.Engine.RecordAdminDecision(ctx, actorID, in.RegistrationID, in.Body.Decision, in.Body.Comment)
		if err != nil {
			return nil, mapError(err)
		}
		return &registrationOutput{Body: reg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-monitor-scan",
		Method:      http.MethodPost,
		Path:        "/v0/monitor/scan",
		Summary:     "Run one delay monitoring pass now",
	}, func(ctx context.Context, _ *struct{}) (*scanOutput, error) {
		findings, err := d.Monitor.Scan(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		out := &scanOutput{}
		out.Body.Findings = findings
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-overview",
		Method:      http.MethodGet,
		Path:        "/v0/overview",
		Summary:     "Count open projects per stage",
	}, func(ctx context.Context, _ *struct{}) (*overviewOutput, error) {
		ov, err := d.Query.Overview(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		return &overviewOutput{Body: ov}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bottlenecks",
		Method:      http.MethodGet,
		Path:        "/v0/bottlenecks",
		Summary:     "List projects over threshold, worst first",
	}, func(ctx context.Context, _ *struct{}) (*bottlenecksOutput, error) {
		bs, err := d.Query.Bottlenecks(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		out := &bottlenecksOutput{}
		out.Body.Bottlenecks = bs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/v0/inbox",
		Summary:     "List messages addressed to the caller",
	}, func(ctx context.Context, in *inboxInput) (*inboxOutput, error) {
		actorID, err := actor(ctx)
		if err != nil {
			return nil, err
		}
		msgs, err := d.Query.Inbox(ctx, actorID, in.Limit)
		if err != nil {
			return nil, mapError(err)
		}
		out := &inboxOutput{}
		out.Body.Messages = msgs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/v0/projects/{projectID}/events",
		Summary:     "List the event log of a project",
	}, func(ctx context.Context, in *eventsInput) (*eventsOutput, error) {
		events, err := d.Repo.ListEvents(ctx, in.ProjectID, in.Limit)
		if err != nil {
			return nil, mapError(err)
		}
		out := &eventsOutput{}
		out.Body.Events = events
		return out, nil
	})
}

func mapError(err error) error {
	var (
		transition *engine.InvalidTransitionError
		state      *engine.InvalidStateError
		validation *engine.ValidationError
		forbidden  *auth.ForbiddenError
		timeout    *engine.StoreTimeoutError
	)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return huma.Error404NotFound("resource not found")
	case errors.Is(err, engine.ErrConflict):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, engine.ErrAlreadyAssigned):
		return huma.Error409Conflict(err.Error())
	case errors.As(err, &transition):
		return huma.Error422UnprocessableEntity(transition.Error())
	case errors.As(err, &state):
		return huma.Error422UnprocessableEntity(state.Error())
	case errors.As(err, &validation):
		return huma.Error400BadRequest(validation.Error())
	case errors.As(err, &forbidden):
		return huma.Error403Forbidden(forbidden.Error())
	case errors.As(err, &timeout):
		return huma.Error503ServiceUnavailable(timeout.Error())
	}
	return huma.Error500InternalServerError("internal error")
}

func actor(ctx context.Context) (string, error) {
	p, ok := principalFrom(ctx)
	if !ok {
		return "", huma.Error401Unauthorized("missing credentials")
	}
	return p.ActorID, nil
}
