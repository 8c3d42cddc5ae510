package engine

import (
	"errors"
	"testing"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
)

var (
	admin   = domain.Actor{ID: "adm-1", Role: domain.RoleAdministrator}
	officer = domain.Actor{ID: "wo-1", Role: domain.RoleWardOfficer, WardID: "w-1"}
	crew    = domain.Actor{ID: "crew-1", Role: domain.RoleMaintenanceTeam, WardID: "w-1"}
	citizen = domain.Actor{ID: "cit-1", Role: domain.RoleCitizen, WardID: "w-1"}
)

func viewCtx(s domain.Status) domain.ComplaintViewContext {
	return domain.ComplaintViewContext{Status: s, WardID: "w-1", SubmittedByID: "cit-1", AssignedToID: "crew-1"}
}

func TestNextStatuses(t *testing.T) {
	want := map[domain.Status][]domain.Status{
		domain.StatusRegistered: {domain.StatusAssigned},
		domain.StatusAssigned:   {domain.StatusInProgress},
		domain.StatusInProgress: {domain.StatusResolved},
		domain.StatusResolved:   {domain.StatusClosed, domain.StatusReopened},
		domain.StatusClosed:     {domain.StatusReopened},
		domain.StatusReopened:   {domain.StatusAssigned},
	}
	for from, tos := range want {
		got := NextStatuses(from)
		if len(got) != len(tos) {
			t.Fatalf("%s: got %v want %v", from, got, tos)
		}
		for i := range tos {
			if got[i] != tos[i] {
				t.Fatalf("%s: got %v want %v", from, got, tos)
			}
		}
	}
}

func TestSameStatusIsInvalidForEveryone(t *testing.T) {
	for _, s := range domain.Statuses {
		for _, a := range []domain.Actor{admin, officer, crew, citizen, {}} {
			err := CheckTransition(a, viewCtx(s), s)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s by %s: expected invalid transition, got %v", s, a.Role, err)
			}
		}
	}
}

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		name  string
		actor domain.Actor
		from  domain.Status
		to    domain.Status
		want  error
	}{
		{"officer assigns", officer, domain.StatusRegistered, domain.StatusAssigned, nil},
		{"officer other ward", domain.Actor{ID: "wo-2", Role: domain.RoleWardOfficer, WardID: "w-2"}, domain.StatusRegistered, domain.StatusAssigned, ErrPermissionDenied},
		{"citizen cannot assign", citizen, domain.StatusRegistered, domain.StatusAssigned, ErrPermissionDenied},
		{"crew starts own work", crew, domain.StatusAssigned, domain.StatusInProgress, nil},
		{"other crew cannot start", domain.Actor{ID: "crew-2", Role: domain.RoleMaintenanceTeam, WardID: "w-1"}, domain.StatusAssigned, domain.StatusInProgress, ErrPermissionDenied},
		{"crew resolves", crew, domain.StatusInProgress, domain.StatusResolved, nil},
		{"citizen cannot resolve", citizen, domain.StatusInProgress, domain.StatusResolved, ErrPermissionDenied},
		{"crew cannot close", crew, domain.StatusResolved, domain.StatusClosed, ErrPermissionDenied},
		{"officer closes", officer, domain.StatusResolved, domain.StatusClosed, nil},
		{"admin closes", admin, domain.StatusResolved, domain.StatusClosed, nil},
		{"citizen closes in progress", citizen, domain.StatusInProgress, domain.StatusClosed, ErrPermissionDenied},
		{"citizen reopens resolved", citizen, domain.StatusResolved, domain.StatusReopened, nil},
		{"citizen reopens closed", citizen, domain.StatusClosed, domain.StatusReopened, nil},
		{"crew cannot reopen", crew, domain.StatusClosed, domain.StatusReopened, ErrPermissionDenied},
		{"officer reassigns", officer, domain.StatusReopened, domain.StatusAssigned, nil},
		{"admin skips a step", admin, domain.StatusRegistered, domain.StatusResolved, ErrInvalidTransition},
		{"officer reopens in progress", officer, domain.StatusInProgress, domain.StatusReopened, ErrInvalidTransition},
		{"unknown status", admin, domain.StatusRegistered, "ARCHIVED", ErrInvalidTransition},
		{"guest", domain.Actor{ID: "g", Role: domain.RoleGuest, WardID: "w-1"}, domain.StatusRegistered, domain.StatusAssigned, ErrPermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTransition(tc.actor, viewCtx(tc.from), tc.to)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCitizenCloseMatchesModifyRights(t *testing.T) {
	c := viewCtx(domain.StatusInProgress)
	if auth.CanModify(citizen, c) {
		t.Fatal("citizen should not be able to modify once work started")
	}
	var forbidden auth.ForbiddenError
	if err := CheckTransition(citizen, c, domain.StatusClosed); !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestAllowedTransitions(t *testing.T) {
	got := AllowedTransitions(citizen, viewCtx(domain.StatusResolved))
	if len(got) != 1 || got[0] != domain.StatusReopened {
		t.Fatalf("citizen on resolved: %v", got)
	}
	got = AllowedTransitions(officer, viewCtx(domain.StatusResolved))
	if len(got) != 2 {
		t.Fatalf("officer on resolved: %v", got)
	}
}
