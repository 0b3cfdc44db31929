package server

import (
	"stagegate/internal/domain"
	"stagegate/internal/query"
)

type projectOutput struct {
	Body domain.Project
}

type assignmentOutput struct {
	Body domain.Assignment
}

type qcOutput struct {
	Body domain.QCRequest
}

type registrationOutput struct {
	Body domain.SystemRegistration
}

type createProjectInput struct {
	Body struct {
		Name         string  `json:"name" minLength:"1"`
		UrgencyLevel string  `json:"urgency_level,omitempty" enum:"critical,high,medium,low"`
		Deadline     *string `json:"deadline,omitempty" format:"date-time"`
	}
}

type listProjectsInput struct {
	ApprovalStatus string `query:"approval_status"`
	ProjectStatus  string `query:"project_status"`
	UrgencyLevel   string `query:"urgency_level"`
	Limit          int    `query:"limit"`
}

type listProjectsOutput struct {
	Body struct {
		Projects []domain.Project `json:"projects"`
	}
}

type projectIDInput struct {
	ProjectID string `path:"projectID"`
}

type projectDetailOutput struct {
	Body query.ProjectDetail
}

type decisionInput struct {
	ProjectID string `path:"projectID"`
	Body      struct {
		Comment string `json:"comment,omitempty"`
	}
}

type setStatusInput struct {
	ProjectID string `path:"projectID"`
	Body      struct {
		Status  string `json:"status" enum:"planning,in_progress,on_hold,completed,cancelled"`
		Comment string `json:"comment,omitempty"`
	}
}

type assignInput struct {
	ProjectID string `path:"projectID"`
	Body      struct {
		AssigneeID  string  `json:"assignee_id" minLength:"1"`
		WorkGroupID *string `json:"work_group_id,omitempty"`
	}
}

type listAssignmentsOutput struct {
	Body struct {
		Assignments []domain.Assignment `json:"assignments"`
	}
}

type assignmentIDInput struct {
	AssignmentID string `path:"assignmentID"`
}

type reassignInput struct {
	AssignmentID string `path:"assignmentID"`
	Body         struct {
		AssigneeID string `json:"assignee_id" minLength:"1"`
		Reason     string `json:"reason,omitempty"`
	}
}

type pauseInput struct {
	AssignmentID string `path:"assignmentID"`
	Body         struct {
		Reason string `json:"reason,omitempty"`
	}
}

type progressInput struct {
	AssignmentID string `path:"assignmentID"`
	Body         struct {
		ProgressPercentage int `json:"progress_percentage" minimum:"0" maximum:"100"`
	}
}

type submitQCInput struct {
	ProjectID string `path:"projectID"`
	Body      struct {
		CompletionReportID *string `json:"completion_report_id,omitempty"`
	}
}

type qcIDInput struct {
	QCRequestID string `path:"qcRequestID"`
}

type reviewQCInput struct {
	QCRequestID string `path:"qcRequestID"`
	Body        struct {
		Pass         bool   `json:"pass"`
		QualityScore *int   `json:"quality_score,omitempty" minimum:"0" maximum:"100"`
		Comment      string `json:"comment,omitempty"`
	}
}

type gateDecisionInput struct {
	RegistrationID string `path:"registrationID"`
	Body           struct {
		Decision string `json:"decision" enum:"approve,reject"`
		Comment  string `json:"comment,omitempty"`
	}
}

type scanOutput struct {
	Body struct {
		Findings []domain.DelayFinding `json:"findings"`
	}
}

type overviewOutput struct {
	Body query.Overview
}

type bottlenecksOutput struct {
	Body struct {
		Bottlenecks []query.Bottleneck `json:"bottlenecks"`
	}
}

type inboxInput struct {
	Limit int `query:"limit"`
}

type inboxOutput struct {
	Body struct {
		Messages []domain.Message `json:"messages"`
	}
}

type eventsInput struct {
	ProjectID string `path:"projectID"`
	Limit     int    `query:"limit"`
}

type eventsOutput struct {
	Body struct {
		Events []domain.Event `json:"events"`
	}
}
