package repo

import (
	hcmemdb "github.com/hashicorp/go-memdb"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/memdb"
	"github.com/flant/negentropy/provisioning/model"
)

func EntitlementAssignmentSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			model.EntitlementAssignmentType: {
				Name: model.EntitlementAssignmentType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK:              pkIndex(),
					EntityForeignPK: stringIndex(EntityForeignPK, "EntityUUID"),
					RoleForeignPK: {
						Name:         RoleForeignPK,
						AllowMissing: true,
						Indexer:      &memdb.MethodIndexer{Method: "RoleUUID"},
					},
					RoleSystemMappingForeignPK: {
						Name:         RoleSystemMappingForeignPK,
						AllowMissing: true,
						Indexer:      &memdb.MethodIndexer{Method: "RoleSystemMappingUUID"},
					},
				},
			},
		},
		MandatoryForeignKeys: map[string][]memdb.Relation{
			model.EntitlementAssignmentType: {fk("EntityUUID", model.EntityType)},
		},
	}
}

type EntitlementAssignmentRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewEntitlementAssignmentRepository(tx *io.MemoryStoreTxn) *EntitlementAssignmentRepository {
	return &EntitlementAssignmentRepository{db: tx}
}

func (r *EntitlementAssignmentRepository) Save(assignment *model.EntitlementAssignment) error {
	return r.db.Insert(model.EntitlementAssignmentType, assignment)
}

func (r *EntitlementAssignmentRepository) GetByID(id string) (*model.EntitlementAssignment, error) {
	raw, err := r.db.First(model.EntitlementAssignmentType, PK, id)
	return first[*model.EntitlementAssignment](raw, err, model.ErrNotFound)
}

func (r *EntitlementAssignmentRepository) Delete(id string) error {
	assignment, err := r.GetByID(id)
	if err != nil {
		return err
	}
	return r.db.Delete(model.EntitlementAssignmentType, assignment)
}

func (r *EntitlementAssignmentRepository) ListByEntity(entityID string) ([]*model.EntitlementAssignment, error) {
	return collect[*model.EntitlementAssignment](r.db.Get(model.EntitlementAssignmentType, EntityForeignPK, entityID))
}

func (r *EntitlementAssignmentRepository) ListByRole(roleID string) ([]*model.EntitlementAssignment, error) {
	return collect[*model.EntitlementAssignment](r.db.Get(model.EntitlementAssignmentType, RoleForeignPK, roleID))
}

func (r *EntitlementAssignmentRepository) ListByRoleSystemMapping(rsmID string) ([]*model.EntitlementAssignment, error) {
	return collect[*model.EntitlementAssignment](r.db.Get(model.EntitlementAssignmentType, RoleSystemMappingForeignPK, rsmID))
}

func (r *EntitlementAssignmentRepository) List() ([]*model.EntitlementAssignment, error) {
	return collect[*model.EntitlementAssignment](r.db.Get(model.EntitlementAssignmentType, PK))
}
