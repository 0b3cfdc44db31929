package domain

// Approval statuses for a project.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Project statuses.
const (
	StatusPlanning              = "planning"
	StatusInProgress            = "in_progress"
	StatusOnHold                = "on_hold"
	StatusCompleted             = "completed"
	StatusCancelled             = "cancelled"
	StatusApprovedForDeployment = "approved_for_deployment"
	StatusRegistrationRejected  = "registration_rejected"
)

// Assignment statuses.
const (
	AssignmentAssigned   = "assigned"
	AssignmentInProgress = "in_progress"
	AssignmentPaused     = "paused"
	AssignmentCompleted  = "completed"
	AssignmentRejected   = "rejected"
)

// Roles known to the platform.
const (
	RoleAdmin     = "admin"
	RoleExecutive = "executive"
	RolePO        = "po"
	RolePE        = "pe"
	RoleQA        = "qa"
)

type Project struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ApprovalStatus string  `json:"approval_status" enum:"pending,approved,rejected"`
	ProjectStatus  string  `json:"project_status" enum:"planning,in_progress,on_hold,completed,cancelled,approved_for_deployment,registration_rejected"`
	UrgencyLevel   string  `json:"urgency_level" enum:"critical,high,medium,low"`
	Deadline       *string `json:"deadline,omitempty" format:"date-time"`
	ApprovedAt     *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Assignment binds a project (optionally a work group within it) to an
// assignee. At most one row ever exists per (project_id, assigned_to);
// reassignment mutates the row and appends history.
type Assignment struct {
	ID                 string         `json:"id"`
	ProjectID          string         `json:"project_id"`
	WorkGroupID        *string        `json:"work_group_id,omitempty"`
	AssignedTo         string         `json:"assigned_to"`
	AssignmentStatus   string         `json:"assignment_status" enum:"assigned,in_progress,paused,completed,rejected"`
	ProgressPercentage int            `json:"progress_percentage"`
	AssignedAt         string         `json:"assigned_at" format:"date-time"`
	ActualStartDate    *string        `json:"actual_start_date,omitempty" format:"date-time"`
	History            []HistoryEntry `json:"history"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

// History actions.
const (
	HistoryAssigned   = "assigned"
	HistoryReassigned = "reassigned"
	HistoryStarted    = "started"
	HistoryPaused     = "paused"
	HistoryResumed    = "resumed"
	HistoryCompleted  = "completed"
	HistoryProgress   = "progress"
	HistoryVoided     = "voided"
)

// HistoryEntry is one append-only audit record on an assignment. Action tags
// the entry kind; the optional fields are populated per kind so entries stay
// matchable in audit tooling.
type HistoryEntry struct {
	Version      int    `json:"version"`
	Action       string `json:"action" enum:"assigned,reassigned,started,paused,resumed,completed,progress,voided"`
	Actor        string `json:"actor"`
	Timestamp    string `json:"timestamp" format:"date-time"`
	Reason       string `json:"reason,omitempty"`
	PrevState    string `json:"prev_state,omitempty"`
	NewState     string `json:"new_state,omitempty"`
	FromAssignee string `json:"from_assignee,omitempty"`
	ToAssignee   string `json:"to_assignee,omitempty"`
	PrevProgress *int   `json:"prev_progress,omitempty"`
	NewProgress  *int   `json:"new_progress,omitempty"`
}

// Approval record actions.
const (
	ActionApproved       = "approved"
	ActionRejected       = "rejected"
	ActionStatusChange   = "status_change"
	ActionCancelApproval = "cancel_approval"
)

// ApprovalRecord is one append-only row per decision taken on a project.
type ApprovalRecord struct {
	ID            int64          `json:"id"`
	ProjectID     string         `json:"project_id"`
	ApproverID    string         `json:"approver_id"`
	Action        string         `json:"action" enum:"approved,rejected,status_change,cancel_approval"`
	Comment       string         `json:"comment,omitempty"`
	Modifications *Modifications `json:"modifications,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

// Modification kinds.
const (
	ModKindApproval      = "approval"
	ModKindStatusChange  = "status_change"
	ModKindCancel        = "cancel_approval"
	ModKindQCDecision    = "qc_decision"
	ModKindPODecision    = "po_decision"
	ModKindAdminDecision = "admin_decision"
)

// Modifications is the typed snapshot attached to an approval record. Kind
// tags which fields are meaningful for the recorded decision.
type Modifications struct {
	Version           int     `json:"version"`
	Kind              string  `json:"kind" enum:"approval,status_change,cancel_approval,qc_decision,po_decision,admin_decision"`
	Name              *string `json:"name,omitempty"`
	UrgencyLevel      *string `json:"urgency_level,omitempty"`
	Deadline          *string `json:"deadline,omitempty"`
	PrevStatus        string  `json:"prev_status,omitempty"`
	NewStatus         string  `json:"new_status,omitempty"`
	AssigneeID        string  `json:"assignee_id,omitempty"`
	AssignmentsVoided int     `json:"assignments_voided,omitempty"`
	QualityScore      *int    `json:"quality_score,omitempty"`
	Decision          string  `json:"decision,omitempty"`
}

// QC request statuses.
const (
	QCPending    = "pending"
	QCInProgress = "in_progress"
	QCApproved   = "approved"
	QCRejected   = "rejected"
)

// Gate decisions recorded by PO and admin.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

type QCRequest struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	CompletionReportID *string `json:"completion_report_id,omitempty"`
	RequestStatus      string  `json:"request_status" enum:"pending,in_progress,approved,rejected"`
	QualityScore       *int    `json:"quality_score,omitempty"`
	AssignedQA         *string `json:"assigned_qa,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	ReviewedAt         *string `json:"reviewed_at,omitempty" format:"date-time"`
}

type SystemRegistration struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	QCRequestID    string  `json:"qc_request_id"`
	PODecision     *string `json:"po_decision,omitempty" enum:"approve,reject"`
	PODecidedAt    *string `json:"po_decided_at,omitempty" format:"date-time"`
	AdminDecision  *string `json:"admin_decision,omitempty" enum:"approve,reject"`
	AdminDecidedAt *string `json:"admin_decided_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// DelayFinding is derived per monitor pass; it is never stored as primary
// state. The dedup watermark is persisted separately.
type DelayFinding struct {
	ProjectID  string  `json:"project_id"`
	Stage      string  `json:"stage"`
	DelayHours float64 `json:"delay_hours"`
	Severity   string  `json:"severity" enum:"low,medium,high,critical"`
	ComputedAt string  `json:"computed_at" format:"date-time"`
}

// AlertWatermark records the last alert sent for a (project, stage) pair.
type AlertWatermark struct {
	ProjectID  string  `json:"project_id"`
	Stage      string  `json:"stage"`
	Severity   string  `json:"severity"`
	DelayHours float64 `json:"delay_hours"`
	AlertedAt  string  `json:"alerted_at" format:"date-time"`
}

type Message struct {
	ID         int64    `json:"id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Priority   string   `json:"priority"`
	ProjectID  string   `json:"project_id,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Recipients []string `json:"recipients"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
