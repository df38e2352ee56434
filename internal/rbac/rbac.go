// Package rbac maps engagement roles to the actions they may perform on
// procedures. Roles gate routes only; document status transitions are not
// policed here.
package rbac

type Role string
type Action string

const (
	RolePreparer Role = "preparer"
	RoleReviewer Role = "reviewer"
	RolePartner  Role = "partner"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionEdit     Action = "edit"
	ActionGenerate Action = "generate"
	ActionReview   Action = "review"
	ActionSignOff  Action = "signoff"
	ActionLock     Action = "lock"
	ActionAdmin    Action = "admin"
)

// Can reports whether role may perform action. Each role includes the
// actions of the roles below it.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePartner:
		return action != ActionAdmin
	case RoleReviewer:
		return action == ActionRead || action == ActionEdit || action == ActionGenerate || action == ActionReview
	case RolePreparer:
		return action == ActionRead || action == ActionEdit || action == ActionGenerate
	default:
		return false
	}
}

// Normalize maps unknown roles to preparer, the least privileged role that
// can still work on a procedure.
func Normalize(role string) Role {
	switch Role(role) {
	case RolePreparer, RoleReviewer, RolePartner, RoleAdmin:
		return Role(role)
	default:
		return RolePreparer
	}
}
