package fixtures

import "github.com/flant/negentropy/provisioning/model"

func Catalog() *model.Catalog {
	return &model.Catalog{
		Systems:            Systems(),
		SystemMappings:     SystemMappings(),
		Roles:              Roles(),
		RoleSystemMappings: RoleSystemMappings(),
	}
}
