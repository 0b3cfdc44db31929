// Package stagegate is a small HTTP client for the stagegate API.
package stagegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

type Project struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ApprovalStatus string  `json:"approval_status"`
	ProjectStatus  string  `json:"project_status"`
	UrgencyLevel   string  `json:"urgency_level"`
	Deadline       *string `json:"deadline,omitempty"`
	ApprovedAt     *string `json:"approved_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type Assignment struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	WorkGroupID        *string `json:"work_group_id,omitempty"`
	AssignedTo         string  `json:"assigned_to"`
	AssignmentStatus   string  `json:"assignment_status"`
	ProgressPercentage int     `json:"progress_percentage"`
	AssignedAt         string  `json:"assigned_at"`
	ActualStartDate    *string `json:"actual_start_date,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

type QCRequest struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	RequestStatus string  `json:"request_status"`
	QualityScore  *int    `json:"quality_score,omitempty"`
	AssignedQA    *string `json:"assigned_qa,omitempty"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	ReviewedAt    *string `json:"reviewed_at,omitempty"`
}

type Registration struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	QCRequestID    string  `json:"qc_request_id"`
	PODecision     *string `json:"po_decision,omitempty"`
	PODecidedAt    *string `json:"po_decided_at,omitempty"`
	AdminDecision  *string `json:"admin_decision,omitempty"`
	AdminDecidedAt *string `json:"admin_decided_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type ProjectDetail struct {
	Project         Project      `json:"project"`
	Stage           string       `json:"stage"`
	StageElapsedHrs float64      `json:"stage_elapsed_hours"`
	Assignments     []Assignment `json:"assignments"`
	QCRequests      []QCRequest  `json:"qc_requests"`
}

func (c *Client) CreateProject(ctx context.Context, name, urgency string, deadline *string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/v0/projects", map[string]any{
		"name":          name,
		"urgency_level": urgency,
		"deadline":      deadline,
	}, &out)
	return out, err
}

func (c *Client) GetProject(ctx context.Context, projectID string) (ProjectDetail, error) {
	var out ProjectDetail
	err := c.do(ctx, http.MethodGet, "/v0/projects/"+projectID, nil, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, projectID, comment string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/approve", map[string]any{"comment": comment}, &out)
	return out, err
}

func (c *Client) Reject(ctx context.Context, projectID, comment string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/reject", map[string]any{"comment": comment}, &out)
	return out, err
}

func (c *Client) CancelApproval(ctx context.Context, projectID, reason string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/cancel-approval", map[string]any{"comment": reason}, &out)
	return out, err
}

func (c *Client) SetStatus(ctx context.Context, projectID, status, comment string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/status", map[string]any{
		"status":  status,
		"comment": comment,
	}, &out)
	return out, err
}

func (c *Client) Assign(ctx context.Context, projectID, assigneeID string, workGroupID *string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/assignments", map[string]any{
		"assignee_id":   assigneeID,
		"work_group_id": workGroupID,
	}, &out)
	return out, err
}

func (c *Client) Reassign(ctx context.Context, assignmentID, assigneeID, reason string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/v0/assignments/"+assignmentID+"/reassign", map[string]any{
		"assignee_id": assigneeID,
		"reason":      reason,
	}, &out)
	return out, err
}

func (c *Client) StartAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/v0/assignments/"+assignmentID+"/start", struct{}{}, &out)
	return out, err
}

func (c *Client) PauseAssignment(ctx context.Context, assignmentID, reason string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/v0/assignments/"+assignmentID+"/pause", map[string]any{"reason": reason}, &out)
	return out, err
}

func (c *Client) ResumeAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/v0/assignments/"+assignmentID+"/resume", struct{}{}, &out)
	return out, err
}

func (c *Client) CompleteAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/v0/assignments/"+assignmentID+"/complete", struct{}{}, &out)
	return out, err
}

func (c *Client) UpdateProgress(ctx context.Context, assignmentID string, progress int) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/v0/assignments/"+assignmentID+"/progress", map[string]any{
		"progress_percentage": progress,
	}, &out)
	return out, err
}

func (c *Client) SubmitForQC(ctx context.Context, projectID string, completionReportID *string) (QCRequest, error) {
	var out QCRequest
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/qc", map[string]any{
		"completion_report_id": completionReportID,
	}, &out)
	return out, err
}

func (c *Client) StartQCReview(ctx context.Context, qcRequestID string) (QCRequest, error) {
	var out QCRequest
	err := c.do(ctx, http.MethodPost, "/v0/qc/"+qcRequestID+"/start", struct{}{}, &out)
	return out, err
}

func (c *Client) CompleteQCReview(ctx context.Context, qcRequestID string, pass bool, qualityScore *int, comment string) (QCRequest, error) {
	var out QCRequest
	err := c.do(ctx, http.MethodPost, "/v0/qc/"+qcRequestID+"/review", map[string]any{
		"pass":          pass,
		"quality_score": qualityScore,
		"comment":       comment,
	}, &out)
	return out, err
}

func (c *Client) RecordPODecision(ctx context.Context, registrationID, decision, comment string) (Registration, error) {
	var out Registration
	err := c.do(ctx, http.MethodPost, "/v0/registrations/"+registrationID+"/po-decision", map[string]any{
		"decision": decision,
		"comment":  comment,
	}, &out)
	return out, err
}

func (c *Client) RecordAdminDecision(ctx context.Context, registrationID, decision, comment string) (Registration, error) {
	var out Registration
	err := c.do(ctx, http.MethodPost, "/v0/registrations/"+registrationID+"/admin-decision", map[string]any{
		"decision": decision,
		"comment":  comment,
	}, &out)
	return out, err
}
