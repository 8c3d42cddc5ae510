package auth

import (
	"errors"

	"civicflow/internal/domain"
)

const (
	PermComplaintCreate     domain.Permission = "complaint:create"
	PermComplaintViewOwn    domain.Permission = "complaint:view:own"
	PermComplaintViewWard   domain.Permission = "complaint:view:ward"
	PermComplaintViewAll    domain.Permission = "complaint:view:all"
	PermComplaintUpdateOwn  domain.Permission = "complaint:update:own"
	PermComplaintUpdateWard domain.Permission = "complaint:update:ward"
	PermComplaintUpdateAll  domain.Permission = "complaint:update:all"
	PermComplaintAssign     domain.Permission = "complaint:assign"
	PermComplaintResolve    domain.Permission = "complaint:resolve"
	PermComplaintReopen     domain.Permission = "complaint:reopen"
	PermCommentCreate       domain.Permission = "comment:create"
	PermAuditView           domain.Permission = "audit:view"
	PermReportViewPublic    domain.Permission = "report:view:public"
	PermReportViewWard      domain.Permission = "report:view:ward"
	PermReportViewAll       domain.Permission = "report:view:all"
	PermUserManage          domain.Permission = "user:manage"
	PermSystemAdmin         domain.Permission = "system:admin"
)

// Vocabulary is the closed set of permission tags.
var Vocabulary = []domain.Permission{
	PermComplaintCreate,
	PermComplaintViewOwn,
	PermComplaintViewWard,
	PermComplaintViewAll,
	PermComplaintUpdateOwn,
	PermComplaintUpdateWard,
	PermComplaintUpdateAll,
	PermComplaintAssign,
	PermComplaintResolve,
	PermComplaintReopen,
	PermCommentCreate,
	PermAuditView,
	PermReportViewPublic,
	PermReportViewWard,
	PermReportViewAll,
	PermUserManage,
	PermSystemAdmin,
}

type permissionSet map[domain.Permission]struct{}

func newSet(perms ...domain.Permission) permissionSet {
	s := make(permissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// rolePermissions is built once and never written after package init.
var rolePermissions = map[domain.Role]permissionSet{
	domain.RoleCitizen: newSet(
		PermComplaintCreate,
		PermComplaintViewOwn,
		PermComplaintUpdateOwn,
		PermComplaintReopen,
		PermCommentCreate,
		PermReportViewPublic,
	),
	domain.RoleWardOfficer: newSet(
		PermComplaintViewOwn,
		PermComplaintViewWard,
		PermComplaintUpdateWard,
		PermComplaintAssign,
		PermComplaintResolve,
		PermComplaintReopen,
		PermCommentCreate,
		PermReportViewPublic,
		PermReportViewWard,
	),
	domain.RoleMaintenanceTeam: newSet(
		PermComplaintViewOwn,
		PermComplaintUpdateOwn,
		PermComplaintResolve,
		PermCommentCreate,
		PermReportViewPublic,
	),
	domain.RoleAdministrator: newSet(
		PermComplaintCreate,
		PermComplaintViewAll,
		PermComplaintUpdateAll,
		PermComplaintAssign,
		PermComplaintResolve,
		PermComplaintReopen,
		PermCommentCreate,
		PermAuditView,
		PermReportViewPublic,
		PermReportViewAll,
		PermUserManage,
		PermSystemAdmin,
	),
	domain.RoleGuest: newSet(
		PermReportViewPublic,
	),
}

// HasPermission reports whether role holds perm. Unknown roles hold nothing.
func HasPermission(role domain.Role, perm domain.Permission) bool {
	set, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// HasAnyPermission is true when role holds at least one of perms.
func HasAnyPermission(role domain.Role, perms ...domain.Permission) bool {
	for _, p := range perms {
		if HasPermission(role, p) {
			return true
		}
	}
	return false
}

// HasAllPermissions is true when role holds every one of perms. An empty
// list is vacuously held, but only by a known role.
func HasAllPermissions(role domain.Role, perms ...domain.Permission) bool {
	if _, ok := rolePermissions[role]; !ok {
		return false
	}
	for _, p := range perms {
		if !HasPermission(role, p) {
			return false
		}
	}
	return true
}

// Permissions returns the role's permissions in vocabulary order.
func Permissions(role domain.Role) []domain.Permission {
	set := rolePermissions[role]
	out := make([]domain.Permission, 0, len(set))
	for _, p := range Vocabulary {
		if _, ok := set[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ErrPermissionDenied matches any ForbiddenError via errors.Is.
var ErrPermissionDenied = errors.New("permission denied")

// ForbiddenError indicates missing permission. The message never names the
// permission so it is safe to return to callers as-is.
type ForbiddenError struct {
	Permission domain.Permission
}

func (e ForbiddenError) Error() string {
	return ErrPermissionDenied.Error()
}

func (e ForbiddenError) Is(target error) bool {
	return target == ErrPermissionDenied
}
