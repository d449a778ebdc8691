package repo

import (
	hcmemdb "github.com/hashicorp/go-memdb"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/memdb"
	"github.com/flant/negentropy/provisioning/model"
)

func EntitySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			model.EntityType: {
				Name:    model.EntityType,
				Indexes: map[string]*hcmemdb.IndexSchema{PK: pkIndex()},
			},
		},
		CheckingRelations: map[string][]memdb.Relation{
			model.EntityType: {checking(model.EntitlementAssignmentType, EntityForeignPK)},
		},
	}
}

type EntityRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewEntityRepository(tx *io.MemoryStoreTxn) *EntityRepository {
	return &EntityRepository{db: tx}
}

func (r *EntityRepository) Save(entity *model.Entity) error {
	return r.db.Insert(model.EntityType, entity)
}

func (r *EntityRepository) GetByID(id string) (*model.Entity, error) {
	raw, err := r.db.First(model.EntityType, PK, id)
	return first[*model.Entity](raw, err, model.ErrNotFound)
}

func (r *EntityRepository) Delete(id string) error {
	entity, err := r.GetByID(id)
	if err != nil {
		return err
	}
	return r.db.Delete(model.EntityType, entity)
}

func (r *EntityRepository) List() ([]*model.Entity, error) {
	return collect[*model.Entity](r.db.Get(model.EntityType, PK))
}
