package domain

import "time"

type Role string

const (
	RoleCitizen         Role = "CITIZEN"
	RoleWardOfficer     Role = "WARD_OFFICER"
	RoleMaintenanceTeam Role = "MAINTENANCE_TEAM"
	RoleAdministrator   Role = "ADMINISTRATOR"
	RoleGuest           Role = "GUEST"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleCitizen, RoleWardOfficer, RoleMaintenanceTeam, RoleAdministrator, RoleGuest}

func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Permission is an opaque capability tag. Scope (own/ward/all) is part of the name.
type Permission string

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) Valid() bool {
	for _, known := range Priorities {
		if p == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusClosed     Status = "CLOSED"
	StatusReopened   Status = "REOPENED"
)

var Statuses = []Status{StatusRegistered, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed, StatusReopened}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Completed reports whether work on a complaint in this status is finished.
func (s Status) Completed() bool {
	return s == StatusResolved || s == StatusClosed
}

type SlaStatus string

const (
	SlaOnTime    SlaStatus = "ON_TIME"
	SlaWarning   SlaStatus = "WARNING"
	SlaOverdue   SlaStatus = "OVERDUE"
	SlaCompleted SlaStatus = "COMPLETED"
)

// Actor is an already-authenticated caller.
type Actor struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	WardID string `json:"ward_id,omitempty"`
}

type Complaint struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Priority      Priority      `json:"priority"`
	Status        Status        `json:"status"`
	WardID        string        `json:"ward_id"`
	SubmittedByID string        `json:"submitted_by_id"`
	AssignedToID  *string       `json:"assigned_to_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Deadline      time.Time     `json:"deadline"`
	SLAWindow     time.Duration `json:"sla_window"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
	// Version counts applied transitions; writes are conditioned on it.
	Version int64 `json:"version"`
}

// ViewContext projects the fields permission checks need.
func (c Complaint) ViewContext() ComplaintViewContext {
	ctx := ComplaintViewContext{
		Status:        c.Status,
		WardID:        c.WardID,
		SubmittedByID: c.SubmittedByID,
	}
	if c.AssignedToID != nil {
		ctx.AssignedToID = *c.AssignedToID
	}
	return ctx
}

// ComplaintViewContext is the subset of a complaint visible to authorization.
type ComplaintViewContext struct {
	Status        Status
	WardID        string
	SubmittedByID string
	AssignedToID  string
}

// StatusLogEntry is one immutable transition record. FromStatus is nil for the
// registration entry.
type StatusLogEntry struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	ComplaintID string    `json:"complaint_id"`
	ActorID     string    `json:"actor_id"`
	FromStatus  *Status   `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Comment     string    `json:"comment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type NotificationKind string

const (
	NotifyRegistered NotificationKind = "complaint.registered"
	NotifyAssigned   NotificationKind = "complaint.assigned"
	NotifyInProgress NotificationKind = "complaint.in_progress"
	NotifyResolved   NotificationKind = "complaint.resolved"
	NotifyClosed     NotificationKind = "complaint.closed"
	NotifyReopened   NotificationKind = "complaint.reopened"
)

type Notification struct {
	ID          int64            `json:"id"`
	UserID      string           `json:"user_id"`
	ComplaintID string           `json:"complaint_id"`
	Kind        NotificationKind `json:"kind"`
	CreatedAt   time.Time        `json:"created_at"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
