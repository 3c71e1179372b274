package domain

import "strings"

// Capability - атомарное право мессенджера, выводимое из роли сотрудника.
// Проверки в сервисах идут через capability, а не через сравнение ролей,
// чтобы новые роли CRM подключались настройкой, без правок кода.
type Capability string

const (
	CapabilityDeleteAnyMessage Capability = "delete_any_message"
	CapabilityManageGroup      Capability = "manage_group"
)

type RolePolicy struct {
	grants map[Capability]map[string]struct{}
}

func NewRolePolicy(deleteAnyRoles, manageGroupRoles []string) *RolePolicy {
	p := &RolePolicy{
		grants: map[Capability]map[string]struct{}{
			CapabilityDeleteAnyMessage: {},
			CapabilityManageGroup:      {},
		},
	}
	for _, role := range deleteAnyRoles {
		p.grant(CapabilityDeleteAnyMessage, role)
	}
	for _, role := range manageGroupRoles {
		p.grant(CapabilityManageGroup, role)
	}
	return p
}

func (p *RolePolicy) grant(c Capability, role string) {
	role = normalizeRole(role)
	if role == "" {
		return
	}
	p.grants[c][role] = struct{}{}
}

func (p *RolePolicy) Allows(role string, c Capability) bool {
	roles, ok := p.grants[c]
	if !ok {
		return false
	}
	_, ok = roles[normalizeRole(role)]
	return ok
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
