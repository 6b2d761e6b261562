package dictionary

import "strings"

// Operation is a dictionary operation subject to authorization.
type Operation int

const (
	OpReadDictionary Operation = iota
	OpReadDescriptions
	OpSetDescription
	OpDeleteDescription
)

func (o Operation) String() string {
	switch o {
	case OpReadDictionary:
		return "read-dictionary"
	case OpReadDescriptions:
		return "read-descriptions"
	case OpSetDescription:
		return "set-description"
	case OpDeleteDescription:
		return "delete-description"
	}
	return "unknown"
}

// IsWrite reports whether o mutates the dictionary.
func (o Operation) IsWrite() bool {
	return o == OpSetDescription || o == OpDeleteDescription
}

// AccessPolicy decides which operations a caller may perform.
type AccessPolicy interface {
	Authorize(caller *Caller, op Operation) AccessDecision
}

// DefaultAdminRole is the role allowed to change descriptions when no other
// administrative roles are configured.
const DefaultAdminRole = "Administrator"

// RolePolicy allows reads for any authenticated caller and writes for callers
// holding at least one administrative role. It keeps no state.
type RolePolicy struct {
	adminRoles []string
}

// NewRolePolicy creates a policy with the given administrative roles.
func NewRolePolicy(adminRoles ...string) *RolePolicy {
	var roles []string
	for _, r := range adminRoles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		roles = []string{DefaultAdminRole}
	}
	return &RolePolicy{adminRoles: roles}
}

// AdminRoles returns the administrative roles of p.
func (p *RolePolicy) AdminRoles() []string {
	return append([]string(nil), p.adminRoles...)
}

// Authorize implements AccessPolicy.
func (p *RolePolicy) Authorize(caller *Caller, op Operation) AccessDecision {
	if !caller.Authenticated() {
		return AccessDecision{Allowed: false, Reason: "caller is not authenticated"}
	}

	switch op {
	case OpReadDictionary, OpReadDescriptions:
		return AccessDecision{Allowed: true}
	case OpSetDescription, OpDeleteDescription:
		for _, role := range p.adminRoles {
			if caller.HasRole(role) {
				return AccessDecision{Allowed: true}
			}
		}
		return AccessDecision{
			Allowed: false,
			Reason:  op.String() + " requires one of roles " + strings.Join(p.adminRoles, ", "),
		}
	}
	return AccessDecision{Allowed: false, Reason: "unknown operation"}
}
