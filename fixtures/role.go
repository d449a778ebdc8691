package fixtures

import "github.com/flant/negentropy/provisioning/model"

const (
	RoleUUID1 = "00000000-0000-4000-b000-000000000001"
	RoleUUID2 = "00000000-0000-4000-b000-000000000002"
	RoleUUID3 = "00000000-0000-4000-b000-000000000003" // includes RoleUUID1

	RoleSystemMappingUUID1 = "00000000-0000-4000-b000-000000000011" // RoleUUID1 -> SystemUUID1
	RoleSystemMappingUUID2 = "00000000-0000-4000-b000-000000000012" // RoleUUID1 -> SystemUUID2
	RoleSystemMappingUUID3 = "00000000-0000-4000-b000-000000000013" // RoleUUID2 -> SystemUUID1, admin uid
)

func Roles() []*model.Role {
	return []*model.Role{
		{UUID: RoleUUID1, Name: "developer"},
		{UUID: RoleUUID2, Name: "admin"},
		{UUID: RoleUUID3, Name: "team-lead", SubRoles: []string{RoleUUID1}},
	}
}

func RoleSystemMappings() []*model.RoleSystemMapping {
	return []*model.RoleSystemMapping{
		{UUID: RoleSystemMappingUUID1, RoleUUID: RoleUUID1, SystemUUID: SystemUUID1},
		{UUID: RoleSystemMappingUUID2, RoleUUID: RoleUUID1, SystemUUID: SystemUUID2},
		{
			UUID:       RoleSystemMappingUUID3,
			RoleUUID:   RoleUUID2,
			SystemUUID: SystemUUID1,
			Overrides: []*model.AttributeMappingOverride{
				{Attribute: "uid", Script: `return "adm-" .. value`},
			},
		},
	}
}
