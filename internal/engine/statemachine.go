package engine

import (
	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
)

type edge struct {
	From domain.Status
	To   domain.Status
}

// gate decides whether an actor may take an edge on a complaint. It returns
// the permission that was missing when access is refused.
type gate func(a domain.Actor, c domain.ComplaintViewContext) (domain.Permission, bool)

var transitions = map[edge]gate{
	{domain.StatusRegistered, domain.StatusAssigned}: assignGate,
	{domain.StatusAssigned, domain.StatusInProgress}: startGate,
	{domain.StatusInProgress, domain.StatusResolved}: resolveGate,
	{domain.StatusResolved, domain.StatusClosed}:     closeGate,
	{domain.StatusClosed, domain.StatusReopened}:     reopenGate,
	{domain.StatusResolved, domain.StatusReopened}:   reopenGate,
	{domain.StatusReopened, domain.StatusAssigned}:   assignGate,
}

func assignGate(a domain.Actor, c domain.ComplaintViewContext) (domain.Permission, bool) {
	if !auth.HasPermission(a.Role, auth.PermComplaintAssign) {
		return auth.PermComplaintAssign, false
	}
	if !auth.CanModify(a, c) {
		return auth.PermComplaintUpdateWard, false
	}
	return "", true
}

func startGate(a domain.Actor, c domain.ComplaintViewContext) (domain.Permission, bool) {
	switch auth.ModifyScope(a, c) {
	case auth.ScopeAll, auth.ScopeWard:
		return "", true
	case auth.ScopeOwn:
		if c.AssignedToID != "" && a.ID == c.AssignedToID {
			return "", true
		}
	}
	return auth.PermComplaintUpdateWard, false
}

func resolveGate(a domain.Actor, c domain.ComplaintViewContext) (domain.Permission, bool) {
	if !auth.HasPermission(a.Role, auth.PermComplaintResolve) {
		return auth.PermComplaintResolve, false
	}
	if !auth.CanModify(a, c) {
		return auth.PermComplaintUpdateOwn, false
	}
	return "", true
}

func closeGate(a domain.Actor, c domain.ComplaintViewContext) (domain.Permission, bool) {
	switch auth.ModifyScope(a, c) {
	case auth.ScopeAll, auth.ScopeWard:
		return "", true
	}
	return auth.PermComplaintUpdateWard, false
}

func reopenGate(a domain.Actor, c domain.ComplaintViewContext) (domain.Permission, bool) {
	if !auth.HasPermission(a.Role, auth.PermComplaintReopen) {
		return auth.PermComplaintReopen, false
	}
	if !auth.CanView(a, c) {
		return auth.PermComplaintViewOwn, false
	}
	return "", true
}

// EdgeExists reports whether from -> to is in the transition table.
func EdgeExists(from, to domain.Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// NextStatuses lists the statuses reachable from s in table order.
func NextStatuses(s domain.Status) []domain.Status {
	var out []domain.Status
	for _, to := range domain.Statuses {
		if EdgeExists(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// CheckTransition validates one edge for one actor without touching state.
func CheckTransition(a domain.Actor, c domain.ComplaintViewContext, to domain.Status) error {
	from := c.Status
	if !to.Valid() {
		return InvalidTransitionError{From: from, To: to, Reason: "unknown status"}
	}
	if from == to {
		return InvalidTransitionError{From: from, To: to, Reason: "complaint already in this status"}
	}
	if !auth.CanView(a, c) {
		return auth.ForbiddenError{Permission: auth.PermComplaintViewOwn}
	}
	g, ok := transitions[edge{from, to}]
	if !ok {
		if auth.CanModify(a, c) {
			return InvalidTransitionError{From: from, To: to, Reason: "edge not allowed"}
		}
		return auth.ForbiddenError{Permission: auth.PermComplaintUpdateOwn}
	}
	if perm, allowed := g(a, c); !allowed {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

// AllowedTransitions lists the statuses the actor may move c to right now.
func AllowedTransitions(a domain.Actor, c domain.ComplaintViewContext) []domain.Status {
	var out []domain.Status
	for _, to := range NextStatuses(c.Status) {
		if CheckTransition(a, c, to) == nil {
			out = append(out, to)
		}
	}
	return out
}
