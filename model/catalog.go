package model

// Catalog is the provisioning configuration loaded at startup
type Catalog struct {
	Systems            []*System            `json:"systems"`
	SystemMappings     []*SystemMapping     `json:"system_mappings"`
	Roles              []*Role              `json:"roles"`
	RoleSystemMappings []*RoleSystemMapping `json:"role_system_mappings"`
}
