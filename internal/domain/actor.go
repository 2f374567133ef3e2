package domain

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleViewer  Role = "viewer"
	RoleSystem  Role = "system"
)

// Actor is the authenticated caller, passed explicitly into every service call.
type Actor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

func (a Actor) Authenticated() bool {
	return a.ID != "" && a.TenantID != ""
}

func (a Actor) CanManageInventory() bool {
	switch a.Role {
	case RoleAdmin, RoleManager, RoleStaff, RoleSystem:
		return true
	}
	return false
}

func (a Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// SystemActor is used for mutations driven by upstream events such as order fulfillment.
func SystemActor(tenantID, name string) Actor {
	return Actor{ID: "system", Name: name, TenantID: tenantID, Role: RoleSystem}
}
