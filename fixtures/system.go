package fixtures

import "github.com/flant/negentropy/provisioning/model"

const (
	SystemUUID1 = "00000000-0000-4000-a000-000000000001"
	SystemUUID2 = "00000000-0000-4000-a000-000000000002"
	SystemUUID3 = "00000000-0000-4000-a000-000000000003" // read-only

	SystemMappingUUID1 = "00000000-0000-4000-a000-000000000011"
	SystemMappingUUID2 = "00000000-0000-4000-a000-000000000012"
	SystemMappingUUID3 = "00000000-0000-4000-a000-000000000013"
)

func Systems() []*model.System {
	return []*model.System{
		{UUID: SystemUUID1, Name: "ldap"},
		{UUID: SystemUUID2, Name: "gitlab"},
		{UUID: SystemUUID3, Name: "hr-report", ReadOnly: true},
	}
}

// IdentityMapping maps identity login to uid, name to cn, emails to mail and generates initial password
func IdentityMapping(uuid, systemUUID string) *model.SystemMapping {
	return &model.SystemMapping{
		UUID:       uuid,
		SystemUUID: systemUUID,
		EntityKind: model.EntityKindIdentity,
		Attributes: []*model.AttributeMapping{
			{Name: "uid", EntityProperty: "login", UID: true},
			{Name: "cn", EntityProperty: "name"},
			{Name: "mail", EntityProperty: "emails", Multivalued: true},
			{Name: "password", Password: true, GenerateOnCreate: true},
		},
	}
}

func SystemMappings() []*model.SystemMapping {
	return []*model.SystemMapping{
		IdentityMapping(SystemMappingUUID1, SystemUUID1),
		IdentityMapping(SystemMappingUUID2, SystemUUID2),
		IdentityMapping(SystemMappingUUID3, SystemUUID3),
	}
}
