package auth

import "civicflow/internal/domain"

// Scope is the breadth through which an actor reaches a complaint.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeOwn
	ScopeWard
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeOwn:
		return "own"
	case ScopeWard:
		return "ward"
	case ScopeAll:
		return "all"
	default:
		return "none"
	}
}

func isSubmitter(a domain.Actor, c domain.ComplaintViewContext) bool {
	return a.ID != "" && a.ID == c.SubmittedByID
}

func isAssignee(a domain.Actor, c domain.ComplaintViewContext) bool {
	return a.ID != "" && c.AssignedToID != "" && a.ID == c.AssignedToID
}

func sameWard(a domain.Actor, c domain.ComplaintViewContext) bool {
	return a.WardID != "" && a.WardID == c.WardID
}

// ViewScope returns the widest scope through which the actor may view c.
func ViewScope(a domain.Actor, c domain.ComplaintViewContext) Scope {
	if HasPermission(a.Role, PermComplaintViewAll) {
		return ScopeAll
	}
	if HasPermission(a.Role, PermComplaintViewWard) && sameWard(a, c) {
		return ScopeWard
	}
	if HasPermission(a.Role, PermComplaintViewOwn) && (isSubmitter(a, c) || isAssignee(a, c)) {
		return ScopeOwn
	}
	return ScopeNone
}

// ModifyScope returns the widest scope through which the actor may modify c.
// Citizens keep own-scope modify rights on their submission only while it is
// still REGISTERED.
func ModifyScope(a domain.Actor, c domain.ComplaintViewContext) Scope {
	if HasPermission(a.Role, PermComplaintUpdateAll) {
		return ScopeAll
	}
	if HasPermission(a.Role, PermComplaintUpdateWard) && sameWard(a, c) {
		return ScopeWard
	}
	if a.Role == domain.RoleCitizen && HasPermission(a.Role, PermComplaintUpdateOwn) &&
		isSubmitter(a, c) && c.Status == domain.StatusRegistered {
		return ScopeOwn
	}
	if HasPermission(a.Role, PermComplaintUpdateOwn) && isAssignee(a, c) {
		return ScopeOwn
	}
	return ScopeNone
}

func CanView(a domain.Actor, c domain.ComplaintViewContext) bool {
	return ViewScope(a, c) != ScopeNone
}

func CanModify(a domain.Actor, c domain.ComplaintViewContext) bool {
	return ModifyScope(a, c) != ScopeNone
}

// FilterCollection keeps the complaints a can view, preserving order. It
// never returns nil.
func FilterCollection(a domain.Actor, complaints []domain.Complaint) []domain.Complaint {
	out := make([]domain.Complaint, 0, len(complaints))
	if a.Role == "" {
		return out
	}
	for _, c := range complaints {
		if CanView(a, c.ViewContext()) {
			out = append(out, c)
		}
	}
	return out
}
