package repo

import (
	"fmt"

	hcmemdb "github.com/hashicorp/go-memdb"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/memdb"
	"github.com/flant/negentropy/provisioning/model"
)

const (
	SystemNameIndex       = "system_name"
	SystemEntityKindIndex = "system_entity_kind"
)

// CatalogSchema contains systems, their mappings and roles
func CatalogSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			model.SystemType: {
				Name: model.SystemType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK: pkIndex(),
					SystemNameIndex: {
						Name:    SystemNameIndex,
						Unique:  true,
						Indexer: &hcmemdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			model.SystemMappingType: {
				Name: model.SystemMappingType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK:                    pkIndex(),
					SystemForeignPK:       stringIndex(SystemForeignPK, "SystemUUID"),
					SystemEntityKindIndex: compoundIndex(SystemEntityKindIndex, true, "SystemUUID", "EntityKind"),
				},
			},
			model.RoleType: {
				Name:    model.RoleType,
				Indexes: map[string]*hcmemdb.IndexSchema{PK: pkIndex()},
			},
			model.RoleSystemMappingType: {
				Name: model.RoleSystemMappingType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK:              pkIndex(),
					RoleForeignPK:   stringIndex(RoleForeignPK, "RoleUUID"),
					SystemForeignPK: stringIndex(SystemForeignPK, "SystemUUID"),
				},
			},
		},
		MandatoryForeignKeys: map[string][]memdb.Relation{
			model.SystemMappingType:     {fk("SystemUUID", model.SystemType)},
			model.RoleSystemMappingType: {fk("SystemUUID", model.SystemType), fk("RoleUUID", model.RoleType)},
		},
		CheckingRelations: map[string][]memdb.Relation{
			model.SystemType: {
				checking(model.SystemMappingType, SystemForeignPK),
				checking(model.RoleSystemMappingType, SystemForeignPK),
				checking(model.AccountType, SystemForeignPK),
			},
			model.RoleType: {checking(model.RoleSystemMappingType, RoleForeignPK)},
		},
	}
}

type SystemRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewSystemRepository(tx *io.MemoryStoreTxn) *SystemRepository {
	return &SystemRepository{db: tx}
}

func (r *SystemRepository) Save(system *model.System) error {
	return r.db.Insert(model.SystemType, system)
}

func (r *SystemRepository) GetByID(id string) (*model.System, error) {
	raw, err := r.db.First(model.SystemType, PK, id)
	return first[*model.System](raw, err, model.ErrNotFound)
}

func (r *SystemRepository) GetByName(name string) (*model.System, error) {
	raw, err := r.db.First(model.SystemType, SystemNameIndex, name)
	return first[*model.System](raw, err, model.ErrNotFound)
}

func (r *SystemRepository) List() ([]*model.System, error) {
	return collect[*model.System](r.db.Get(model.SystemType, PK))
}

func (r *SystemRepository) Delete(id string) error {
	system, err := r.GetByID(id)
	if err != nil {
		return err
	}
	return r.db.Delete(model.SystemType, system)
}

type SystemMappingRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewSystemMappingRepository(tx *io.MemoryStoreTxn) *SystemMappingRepository {
	return &SystemMappingRepository{db: tx}
}

func (r *SystemMappingRepository) Save(mapping *model.SystemMapping) error {
	if _, err := mapping.UIDAttribute(); err != nil {
		return err
	}
	return r.db.Insert(model.SystemMappingType, mapping)
}

func (r *SystemMappingRepository) GetByID(id string) (*model.SystemMapping, error) {
	raw, err := r.db.First(model.SystemMappingType, PK, id)
	return first[*model.SystemMapping](raw, err, model.ErrNotFound)
}

// GetBySystemAndKind returns provisioning mapping of entity kind for the system
func (r *SystemMappingRepository) GetBySystemAndKind(systemUUID string, kind model.EntityKind) (*model.SystemMapping, error) {
	raw, err := r.db.First(model.SystemMappingType, SystemEntityKindIndex, systemUUID, string(kind))
	mapping, err := first[*model.SystemMapping](raw, err, model.ErrNotFound)
	if err != nil {
		return nil, fmt.Errorf("mapping for system %s and %s:%w", systemUUID, kind, err)
	}
	return mapping, nil
}

func (r *SystemMappingRepository) Delete(id string) error {
	mapping, err := r.GetByID(id)
	if err != nil {
		return err
	}
	return r.db.Delete(model.SystemMappingType, mapping)
}

type RoleRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewRoleRepository(tx *io.MemoryStoreTxn) *RoleRepository {
	return &RoleRepository{db: tx}
}

func (r *RoleRepository) Save(role *model.Role) error {
	return r.db.Insert(model.RoleType, role)
}

func (r *RoleRepository) GetByID(id string) (*model.Role, error) {
	raw, err := r.db.First(model.RoleType, PK, id)
	return first[*model.Role](raw, err, model.ErrNotFound)
}

func (r *RoleRepository) Delete(id string) error {
	role, err := r.GetByID(id)
	if err != nil {
		return err
	}
	return r.db.Delete(model.RoleType, role)
}

// FindAllSubRoles returns the role itself and all roles included into it transitively, unknown sub-roles are skipped
func (r *RoleRepository) FindAllSubRoles(roleID string) (map[string]struct{}, error) {
	if _, err := r.GetByID(roleID); err != nil {
		return nil, err
	}
	result := map[string]struct{}{roleID: {}}
	currentSet := map[string]struct{}{roleID: {}}
	for len(currentSet) != 0 {
		nextSet := map[string]struct{}{}
		for currentRole := range currentSet {
			role, err := r.GetByID(currentRole)
			if err != nil {
				continue
			}
			for _, candidate := range role.SubRoles {
				if _, found := result[candidate]; !found {
					result[candidate] = struct{}{}
					nextSet[candidate] = struct{}{}
				}
			}
		}
		currentSet = nextSet
	}
	return result, nil
}

type RoleSystemMappingRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewRoleSystemMappingRepository(tx *io.MemoryStoreTxn) *RoleSystemMappingRepository {
	return &RoleSystemMappingRepository{db: tx}
}

func (r *RoleSystemMappingRepository) Save(rsm *model.RoleSystemMapping) error {
	return r.db.Insert(model.RoleSystemMappingType, rsm)
}

func (r *RoleSystemMappingRepository) GetByID(id string) (*model.RoleSystemMapping, error) {
	raw, err := r.db.First(model.RoleSystemMappingType, PK, id)
	return first[*model.RoleSystemMapping](raw, err, model.ErrNotFound)
}

func (r *RoleSystemMappingRepository) ListByRole(roleID string) ([]*model.RoleSystemMapping, error) {
	return collect[*model.RoleSystemMapping](r.db.Get(model.RoleSystemMappingType, RoleForeignPK, roleID))
}

func (r *RoleSystemMappingRepository) ListBySystem(systemID string) ([]*model.RoleSystemMapping, error) {
	return collect[*model.RoleSystemMapping](r.db.Get(model.RoleSystemMappingType, SystemForeignPK, systemID))
}

func (r *RoleSystemMappingRepository) Delete(id string) error {
	rsm, err := r.GetByID(id)
	if err != nil {
		return err
	}
	return r.db.Delete(model.RoleSystemMappingType, rsm)
}
