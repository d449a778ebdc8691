package usecase

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/script"
)

type CatalogService struct {
	db *io.MemoryStoreTxn
}

func Catalog(db *io.MemoryStoreTxn) *CatalogService {
	return &CatalogService{db: db}
}

func (s *CatalogService) SaveSystem(system *model.System) error {
	if system.UUID == "" || system.Name == "" {
		return model.NewValidationError("", "", "system must have uuid and name")
	}
	return repo.NewSystemRepository(s.db).Save(system)
}

func (s *CatalogService) SaveSystemMapping(mapping *model.SystemMapping) error {
	if err := validateMapping(mapping); err != nil {
		return err
	}
	return repo.NewSystemMappingRepository(s.db).Save(mapping)
}

func (s *CatalogService) SaveRole(role *model.Role) error {
	return repo.NewRoleRepository(s.db).Save(role)
}

// SaveRoleSystemMapping changes only the catalog, linked accounts follow on the next repair
func (s *CatalogService) SaveRoleSystemMapping(rsm *model.RoleSystemMapping) error {
	if _, err := repo.NewRoleRepository(s.db).GetByID(rsm.RoleUUID); err != nil {
		return fmt.Errorf("role %s: %w", rsm.RoleUUID, err)
	}
	if _, err := repo.NewSystemRepository(s.db).GetByID(rsm.SystemUUID); err != nil {
		return fmt.Errorf("system %s: %w", rsm.SystemUUID, err)
	}
	return repo.NewRoleSystemMappingRepository(s.db).Save(rsm)
}

func (s *CatalogService) DeleteRoleSystemMapping(rsmUUID string) error {
	return repo.NewRoleSystemMappingRepository(s.db).Delete(rsmUUID)
}

// Apply saves catalog items in dependency order
func (s *CatalogService) Apply(catalog *model.Catalog) error {
	for _, system := range catalog.Systems {
		if err := s.SaveSystem(system); err != nil {
			return fmt.Errorf("system %s: %w", system.Name, err)
		}
	}
	for _, mapping := range catalog.SystemMappings {
		if err := s.SaveSystemMapping(mapping); err != nil {
			return fmt.Errorf("system mapping %s: %w", mapping.UUID, err)
		}
	}
	for _, role := range catalog.Roles {
		if err := s.SaveRole(role); err != nil {
			return fmt.Errorf("role %s: %w", role.Name, err)
		}
	}
	for _, rsm := range catalog.RoleSystemMappings {
		if err := s.SaveRoleSystemMapping(rsm); err != nil {
			return fmt.Errorf("role system mapping %s: %w", rsm.UUID, err)
		}
	}
	return nil
}

func validateMapping(mapping *model.SystemMapping) error {
	if _, err := mapping.UIDAttribute(); err != nil {
		return err
	}
	passwords := 0
	for _, attr := range mapping.Attributes {
		if attr.Password {
			passwords++
		}
		if attr.UID && attr.Multivalued {
			return model.NewValidationError(attr.Name, "", "uid attribute can't be multivalued")
		}
	}
	if passwords > 1 {
		return model.NewValidationError("", "", "mapping %s has more than one password attribute", mapping.UUID)
	}
	return nil
}

// ValidateCatalog checks mappings and compiles every script of the catalog
func ValidateCatalog(scripts *script.Engine, catalog *model.Catalog) error {
	var result error
	compile := func(owner, attribute, src string) {
		if src == "" {
			return
		}
		if err := scripts.Compile(src); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s, attribute %q: %w", owner, attribute, err))
		}
	}
	systems := map[string]struct{}{}
	for _, system := range catalog.Systems {
		systems[system.UUID] = struct{}{}
	}
	for _, mapping := range catalog.SystemMappings {
		owner := "system mapping " + mapping.UUID
		if _, ok := systems[mapping.SystemUUID]; !ok {
			result = multierror.Append(result, fmt.Errorf("%s: unknown system %s", owner, mapping.SystemUUID))
		}
		if err := validateMapping(mapping); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", owner, err))
		}
		compile(owner, "", mapping.ContextScript)
		for _, attr := range mapping.Attributes {
			compile(owner, attr.Name, attr.Script)
		}
	}
	roles := map[string]struct{}{}
	for _, role := range catalog.Roles {
		roles[role.UUID] = struct{}{}
	}
	for _, rsm := range catalog.RoleSystemMappings {
		owner := "role system mapping " + rsm.UUID
		if _, ok := roles[rsm.RoleUUID]; !ok {
			result = multierror.Append(result, fmt.Errorf("%s: unknown role %s", owner, rsm.RoleUUID))
		}
		if _, ok := systems[rsm.SystemUUID]; !ok {
			result = multierror.Append(result, fmt.Errorf("%s: unknown system %s", owner, rsm.SystemUUID))
		}
		compile(owner, "", rsm.CanBeAccountCreatedScript)
		for _, o := range rsm.Overrides {
			compile(owner, o.Attribute, o.Script)
		}
	}
	return result
}
