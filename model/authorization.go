package model

// AuthorizationRule decides whether an actor may act on a step. The set of
// implementations is closed: RoleSet, SpecificUser and Either.
type AuthorizationRule interface {
	allows(actor Actor) bool
}

// RoleSet admits actors holding one of the roles.
type RoleSet struct {
	Roles []string
}

func (r RoleSet) allows(actor Actor) bool {
	return containsRole(r.Roles, actor.Role)
}

// SpecificUser admits a single user id.
type SpecificUser struct {
	UserID string
}

func (r SpecificUser) allows(actor Actor) bool {
	return r.UserID != "" && actor.ID == r.UserID
}

// Either admits actors matching the role set or the user id.
type Either struct {
	Roles  []string
	UserID string
}

func (r Either) allows(actor Actor) bool {
	return RoleSet{Roles: r.Roles}.allows(actor) || SpecificUser{UserID: r.UserID}.allows(actor)
}

// RuleFor builds the rule for a step's requirement fields. It returns nil
// when neither roles nor a user id are set.
func RuleFor(roles []string, userID string) AuthorizationRule {
	switch {
	case len(roles) > 0 && userID != "":
		return Either{Roles: roles, UserID: userID}
	case len(roles) > 0:
		return RoleSet{Roles: roles}
	case userID != "":
		return SpecificUser{UserID: userID}
	default:
		return nil
	}
}

// Authorize reports whether actor satisfies rule. A nil rule admits nobody.
func Authorize(rule AuthorizationRule, actor Actor) bool {
	if rule == nil {
		return false
	}
	return rule.allows(actor)
}

func containsRole(roles []string, role string) bool {
	if role == "" {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
