package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"civicflow/internal/audit"
	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/engine/sla"
	"civicflow/internal/metrics"
	"civicflow/internal/notify"
	"civicflow/internal/repo"
)

// Engine applies complaint operations. Every mutation runs in one transaction
// that also carries its status log entry and notifications.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Trail
	Outbox  notify.Outbox
	Policy  sla.Policy
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(db *sql.DB, policy sla.Policy) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Trail{DB: db},
		Outbox: notify.Outbox{DB: db},
		Policy: policy,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

var validate = validator.New()

// RegisterInput is the citizen-facing registration payload.
type RegisterInput struct {
	ID          string          `json:"id,omitempty" validate:"omitempty,max=64"`
	Type        string          `json:"type" validate:"required,max=64"`
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description,omitempty" validate:"max=4000"`
	Priority    domain.Priority `json:"priority,omitempty" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	WardID      string          `json:"ward_id,omitempty" validate:"omitempty,max=64"`
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return ValidationError{Fields: fields}
}

// RegisterComplaint creates a complaint in REGISTERED with its deadline fixed
// from the SLA table.
func (e Engine) RegisterComplaint(ctx context.Context, actor domain.Actor, in RegisterInput) (domain.Complaint, error) {
	if !auth.HasPermission(actor.Role, auth.PermComplaintCreate) {
		return domain.Complaint{}, auth.ForbiddenError{Permission: auth.PermComplaintCreate}
	}
	in.Type = strings.ToUpper(strings.TrimSpace(in.Type))
	in.Title = strings.TrimSpace(in.Title)
	in.Priority = domain.Priority(strings.ToUpper(strings.TrimSpace(string(in.Priority))))
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if err := validate.Struct(in); err != nil {
		return domain.Complaint{}, validationError(err)
	}
	ward := strings.TrimSpace(in.WardID)
	if ward == "" {
		ward = actor.WardID
	}
	if ward == "" {
		return domain.Complaint{}, ValidationError{Fields: map[string]string{"ward_id": "required"}}
	}
	if actor.Role == domain.RoleCitizen && actor.WardID != "" && ward != actor.WardID {
		return domain.Complaint{}, auth.ForbiddenError{Permission: auth.PermComplaintCreate}
	}

	now := e.now()
	window := e.Policy.Window(in.Type, in.Priority)
	c := domain.Complaint{
		ID:            in.ID,
		Type:          in.Type,
		Title:         in.Title,
		Description:   in.Description,
		Priority:      in.Priority,
		Status:        domain.StatusRegistered,
		WardID:        ward,
		SubmittedByID: actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Deadline:      now.Add(window),
		SLAWindow:     window,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertComplaint(ctx, tx, c); err != nil {
		return domain.Complaint{}, fmt.Errorf("insert complaint: %w", err)
	}
	if _, err := e.Audit.Append(ctx, tx, domain.StatusLogEntry{
		ComplaintID: c.ID,
		ActorID:     actor.ID,
		ToStatus:    domain.StatusRegistered,
		Timestamp:   now,
	}); err != nil {
		return domain.Complaint{}, fmt.Errorf("append status log: %w", err)
	}
	if err := e.Outbox.Enqueue(ctx, tx, domain.Notification{
		UserID: c.SubmittedByID, ComplaintID: c.ID, Kind: domain.NotifyRegistered, CreatedAt: now,
	}); err != nil {
		return domain.Complaint{}, fmt.Errorf("enqueue notification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Complaint{}, err
	}
	return c, nil
}

// TransitionRequest asks for one status change. AssigneeID only applies to
// edges into ASSIGNED; when empty the current assignee is kept.
type TransitionRequest struct {
	ToStatus   domain.Status
	Comment    string
	AssigneeID string
}

type TransitionResult struct {
	Complaint domain.Complaint      `json:"complaint"`
	Entry     domain.StatusLogEntry `json:"entry"`
	Standing  sla.Standing          `json:"standing"`
}

// Transition moves c, as observed by the caller, to req.ToStatus. The write
// only lands if the stored row is still at c.Status and c.Version; otherwise
// the caller gets a ConflictError and nothing is written.
func (e Engine) Transition(ctx context.Context, actor domain.Actor, c domain.Complaint, req TransitionRequest) (TransitionResult, error) {
	to := domain.Status(strings.ToUpper(strings.TrimSpace(string(req.ToStatus))))
	res, err := e.transition(ctx, actor, c, to, req)
	e.Metrics.ObserveTransition(c.Status, to, resultLabel(err))
	return res, err
}

func (e Engine) transition(ctx context.Context, actor domain.Actor, c domain.Complaint, to domain.Status, req TransitionRequest) (TransitionResult, error) {
	if err := CheckTransition(actor, c.ViewContext(), to); err != nil {
		return TransitionResult{}, err
	}
	assignee := strings.TrimSpace(req.AssigneeID)
	if assignee != "" && to != domain.StatusAssigned {
		return TransitionResult{}, ValidationError{Fields: map[string]string{"assignee_id": "only allowed when assigning"}}
	}

	now := e.now()
	updated := c
	updated.Status = to
	updated.UpdatedAt = now
	switch to {
	case domain.StatusAssigned:
		if assignee == "" && c.AssignedToID != nil {
			assignee = *c.AssignedToID
		}
		if assignee == "" {
			return TransitionResult{}, ValidationError{Fields: map[string]string{"assignee_id": "required"}}
		}
		updated.AssignedToID = &assignee
	case domain.StatusResolved:
		updated.ResolvedAt = &now
	case domain.StatusClosed:
		updated.ClosedAt = &now
	case domain.StatusReopened:
		updated.ResolvedAt = nil
		updated.ClosedAt = nil
		if e.Policy.ResetOnReopen {
			window := c.SLAWindow
			if window <= 0 {
				window = e.Policy.Window(c.Type, c.Priority)
			}
			updated.SLAWindow = window
			updated.Deadline = now.Add(window)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateComplaintIfStatus(ctx, tx, updated, c.Status); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return TransitionResult{}, ConflictError{ComplaintID: c.ID, Expected: c.Status}
		}
		return TransitionResult{}, err
	}
	from := c.Status
	entry, err := e.Audit.Append(ctx, tx, domain.StatusLogEntry{
		ComplaintID: c.ID,
		ActorID:     actor.ID,
		FromStatus:  &from,
		ToStatus:    to,
		Comment:     strings.TrimSpace(req.Comment),
		Timestamp:   now,
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return TransitionResult{}, ConflictError{ComplaintID: c.ID, Expected: c.Status}
		}
		return TransitionResult{}, fmt.Errorf("append status log: %w", err)
	}
	if n, ok := notificationFor(updated, now); ok {
		if err := e.Outbox.Enqueue(ctx, tx, n); err != nil {
			return TransitionResult{}, fmt.Errorf("enqueue notification: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	updated.Version++
	return TransitionResult{Complaint: updated, Entry: entry, Standing: e.Policy.Standing(updated, now)}, nil
}

// notificationFor picks the recipient for the status c just entered.
func notificationFor(c domain.Complaint, now time.Time) (domain.Notification, bool) {
	n := domain.Notification{ComplaintID: c.ID, CreatedAt: now}
	assignee := ""
	if c.AssignedToID != nil {
		assignee = *c.AssignedToID
	}
	switch c.Status {
	case domain.StatusAssigned:
		n.Kind, n.UserID = domain.NotifyAssigned, assignee
	case domain.StatusInProgress:
		n.Kind, n.UserID = domain.NotifyInProgress, c.SubmittedByID
	case domain.StatusResolved:
		n.Kind, n.UserID = domain.NotifyResolved, c.SubmittedByID
	case domain.StatusClosed:
		n.Kind, n.UserID = domain.NotifyClosed, c.SubmittedByID
	case domain.StatusReopened:
		n.Kind, n.UserID = domain.NotifyReopened, assignee
	default:
		return n, false
	}
	return n, n.UserID != ""
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// TransitionByID loads the complaint and transitions it once.
func (e Engine) TransitionByID(ctx context.Context, actor domain.Actor, id string, req TransitionRequest) (TransitionResult, error) {
	c, err := e.Repo.GetComplaint(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	return e.Transition(ctx, actor, c, req)
}

// TransitionWithRetry re-reads and re-validates on every conflict.
func (e Engine) TransitionWithRetry(ctx context.Context, actor domain.Actor, id string, req TransitionRequest, attempts int) (TransitionResult, error) {
	var res TransitionResult
	err := RetryOnConflict(ctx, attempts, func(ctx context.Context) error {
		var err error
		res, err = e.TransitionByID(ctx, actor, id, req)
		return err
	})
	return res, err
}

// Get returns a complaint the actor may view.
func (e Engine) Get(ctx context.Context, actor domain.Actor, id string) (domain.Complaint, error) {
	c, err := e.Repo.GetComplaint(ctx, id)
	if err != nil {
		return domain.Complaint{}, err
	}
	if !auth.CanView(actor, c.ViewContext()) {
		return domain.Complaint{}, auth.ForbiddenError{Permission: auth.PermComplaintViewOwn}
	}
	return c, nil
}

// History returns the status log of a complaint the actor may view.
func (e Engine) History(ctx context.Context, actor domain.Actor, id string) ([]domain.StatusLogEntry, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.Audit.History(ctx, id)
}

// Standing classifies c at the engine clock.
func (e Engine) Standing(c domain.Complaint) sla.Standing {
	st := e.Policy.Standing(c, e.now())
	e.Metrics.ObserveStanding(st.SLAStatus)
	return st
}

func (e Engine) StandingByID(ctx context.Context, actor domain.Actor, id string) (sla.Standing, error) {
	c, err := e.Get(ctx, actor, id)
	if err != nil {
		return sla.Standing{}, err
	}
	return e.Standing(c), nil
}

// ListVisible lists complaints matching f that the actor may view. The
// actor's scope is part of the query so Limit holds per page.
func (e Engine) ListVisible(ctx context.Context, actor domain.Actor, f repo.ComplaintFilters) ([]domain.Complaint, error) {
	if !auth.HasAnyPermission(actor.Role, auth.PermComplaintViewAll, auth.PermComplaintViewWard, auth.PermComplaintViewOwn) {
		return []domain.Complaint{}, nil
	}
	f.Scope = nil
	if !auth.HasPermission(actor.Role, auth.PermComplaintViewAll) {
		f.Scope = &repo.VisibilityScope{
			ActorID: actor.ID,
			WardID:  actor.WardID,
			Own:     auth.HasPermission(actor.Role, auth.PermComplaintViewOwn),
			Ward:    auth.HasPermission(actor.Role, auth.PermComplaintViewWard),
		}
	}
	rows, err := e.Repo.ListComplaints(ctx, f)
	if err != nil {
		return nil, err
	}
	return auth.FilterCollection(actor, rows), nil
}

// Verify checks the stored status log against the complaint row.
func (e Engine) Verify(ctx context.Context, actor domain.Actor, id string) error {
	if !auth.HasPermission(actor.Role, auth.PermAuditView) {
		return auth.ForbiddenError{Permission: auth.PermAuditView}
	}
	c, err := e.Repo.GetComplaint(ctx, id)
	if err != nil {
		return err
	}
	entries, err := e.Audit.History(ctx, id)
	if err != nil {
		return err
	}
	return audit.Verify(entries, c.Status)
}

// StatusSummary counts complaints per status. An empty wardID asks for the
// city-wide report, which public report access covers; a ward report needs
// ward access to that same ward.
func (e Engine) StatusSummary(ctx context.Context, actor domain.Actor, wardID string) (map[domain.Status]int, error) {
	switch {
	case auth.HasPermission(actor.Role, auth.PermReportViewAll):
	case wardID == "" && auth.HasPermission(actor.Role, auth.PermReportViewPublic):
	case wardID != "" && wardID == actor.WardID && auth.HasPermission(actor.Role, auth.PermReportViewWard):
	default:
		return nil, auth.ForbiddenError{Permission: auth.PermReportViewWard}
	}
	counts, err := e.Repo.CountByStatus(ctx, wardID)
	if err != nil {
		return nil, err
	}
	for _, s := range domain.Statuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}
