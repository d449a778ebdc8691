package model

const RoleSystemMappingType = "role_system_mapping" // also, memdb schema name

// RoleSystemMapping binds a role to a target system
type RoleSystemMapping struct {
	UUID       string `json:"uuid"`
	RoleUUID   string `json:"role_uuid"`
	SystemUUID string `json:"system_uuid"`
	// ForwardAccountManagement provisions accounts ahead of assignment validFrom
	ForwardAccountManagement  bool                        `json:"forward_account_management,omitempty"`
	CanBeAccountCreatedScript string                      `json:"can_be_account_created_script,omitempty"`
	Overrides                 []*AttributeMappingOverride `json:"overrides,omitempty"`
}

func (r *RoleSystemMapping) ObjType() string {
	return RoleSystemMappingType
}

func (r *RoleSystemMapping) ObjId() string {
	return r.UUID
}

func (r *RoleSystemMapping) Override(attribute string) *AttributeMappingOverride {
	for _, o := range r.Overrides {
		if o.Attribute == attribute {
			return o
		}
	}
	return nil
}

// AttributeMappingOverride replaces the value source of one attribute for accounts owned through the role.
// Empty source fields are inherited from the base attribute mapping.
type AttributeMappingOverride struct {
	Attribute         string `json:"attribute"`
	EntityProperty    string `json:"entity_property,omitempty"`
	ExtendedAttribute string `json:"extended_attribute,omitempty"`
	Script            string `json:"script,omitempty"`
	Disabled          bool   `json:"disabled,omitempty"`
	Confidential      bool   `json:"confidential,omitempty"`
	// Precedence orders competing overrides, the highest wins
	Precedence int `json:"precedence,omitempty"`
}
