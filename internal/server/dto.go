package server

import (
	"time"

	"civicflow/internal/domain"
	"civicflow/internal/engine/sla"
)

// Request payloads

type RegisterComplaintRequest struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type" example:"WATER_SUPPLY"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	WardID      string `json:"ward_id,omitempty"`
}

type TransitionRequest struct {
	ToStatus       string `json:"to_status" enum:"REGISTERED,ASSIGNED,IN_PROGRESS,RESOLVED,CLOSED,REOPENED"`
	Comment        string `json:"comment,omitempty"`
	AssigneeID     string `json:"assignee_id,omitempty"`
	ExpectedStatus string `json:"expected_status,omitempty" doc:"Status the caller last observed; the transition fails with 409 if it moved on."`
}

// Response payloads

type ComplaintResponse struct {
	ID                 string            `json:"id"`
	Type               string            `json:"type"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Priority           string            `json:"priority"`
	Status             string            `json:"status"`
	WardID             string            `json:"ward_id"`
	SubmittedByID      string            `json:"submitted_by_id"`
	AssignedToID       string            `json:"assigned_to_id,omitempty"`
	CreatedAt          string            `json:"created_at" format:"date-time"`
	UpdatedAt          string            `json:"updated_at" format:"date-time"`
	Deadline           string            `json:"deadline" format:"date-time"`
	ResolvedAt         string            `json:"resolved_at,omitempty" format:"date-time"`
	ClosedAt           string            `json:"closed_at,omitempty" format:"date-time"`
	SLA                *StandingResponse `json:"sla,omitempty"`
	AllowedTransitions []string          `json:"allowed_transitions,omitempty"`
}

type StandingResponse struct {
	Status           string `json:"status"`
	SLAStatus        string `json:"sla_status" enum:"ON_TIME,WARNING,OVERDUE,COMPLETED"`
	Deadline         string `json:"deadline" format:"date-time"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	WindowSeconds    int64  `json:"window_seconds"`
	At               string `json:"at" format:"date-time"`
}

type ComplaintListResponse struct {
	Items      []ComplaintResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type StatusLogEntryResponse struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Comment    string `json:"comment,omitempty"`
	Timestamp  string `json:"timestamp" format:"date-time"`
}

type HistoryResponse struct {
	ComplaintID string                   `json:"complaint_id"`
	Items       []StatusLogEntryResponse `json:"items"`
}

type TransitionResponse struct {
	Complaint ComplaintResponse      `json:"complaint"`
	Entry     StatusLogEntryResponse `json:"entry"`
}

type MeResponse struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	WardID      string   `json:"ward_id,omitempty"`
	Source      string   `json:"source"`
	Permissions []string `json:"permissions"`
}

type StatusSummaryResponse struct {
	WardID string         `json:"ward_id,omitempty"`
	Counts map[string]int `json:"counts"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func complaintResponse(c domain.Complaint) ComplaintResponse {
	res := ComplaintResponse{
		ID:            c.ID,
		Type:          c.Type,
		Title:         c.Title,
		Description:   c.Description,
		Priority:      string(c.Priority),
		Status:        string(c.Status),
		WardID:        c.WardID,
		SubmittedByID: c.SubmittedByID,
		CreatedAt:     formatTime(c.CreatedAt),
		UpdatedAt:     formatTime(c.UpdatedAt),
		Deadline:      formatTime(c.Deadline),
		ResolvedAt:    formatTimePtr(c.ResolvedAt),
		ClosedAt:      formatTimePtr(c.ClosedAt),
	}
	if c.AssignedToID != nil {
		res.AssignedToID = *c.AssignedToID
	}
	return res
}

func standingResponse(s sla.Standing) *StandingResponse {
	return &StandingResponse{
		Status:           string(s.Status),
		SLAStatus:        string(s.SLAStatus),
		Deadline:         formatTime(s.Deadline),
		RemainingSeconds: int64(s.Remaining / time.Second),
		WindowSeconds:    int64(s.Window / time.Second),
		At:               formatTime(s.At),
	}
}

func entryResponse(e domain.StatusLogEntry) StatusLogEntryResponse {
	res := StatusLogEntryResponse{
		ID:        e.ID,
		ActorID:   e.ActorID,
		ToStatus:  string(e.ToStatus),
		Comment:   e.Comment,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.FromStatus != nil {
		res.FromStatus = string(*e.FromStatus)
	}
	return res
}

func statusStrings(in []domain.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
