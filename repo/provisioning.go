package repo

import (
	"sort"

	hcmemdb "github.com/hashicorp/go-memdb"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/memdb"
	"github.com/flant/negentropy/provisioning/model"
)

const OperationStateIndex = "state"

func ProvisioningSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			model.ProvisioningBatchType: {
				Name: model.ProvisioningBatchType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK:             pkIndex(),
					SystemUIDIndex: compoundIndex(SystemUIDIndex, true, "SystemUUID", "UID"),
				},
			},
			model.ProvisioningOperationType: {
				Name: model.ProvisioningOperationType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK:                  pkIndex(),
					BatchForeignPK:      stringIndex(BatchForeignPK, "BatchUUID"),
					OperationStateIndex: stringIndex(OperationStateIndex, "State"),
				},
			},
		},
		MandatoryForeignKeys: map[string][]memdb.Relation{
			model.ProvisioningOperationType: {fk("BatchUUID", model.ProvisioningBatchType)},
		},
		CheckingRelations: map[string][]memdb.Relation{
			model.ProvisioningBatchType: {checking(model.ProvisioningOperationType, BatchForeignPK)},
		},
	}
}

type ProvisioningBatchRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewProvisioningBatchRepository(tx *io.MemoryStoreTxn) *ProvisioningBatchRepository {
	return &ProvisioningBatchRepository{db: tx}
}

func (r *ProvisioningBatchRepository) Save(batch *model.ProvisioningBatch) error {
	return r.db.Insert(model.ProvisioningBatchType, batch)
}

func (r *ProvisioningBatchRepository) GetByID(id string) (*model.ProvisioningBatch, error) {
	raw, err := r.db.First(model.ProvisioningBatchType, PK, id)
	return first[*model.ProvisioningBatch](raw, err, model.ErrNotFound)
}

func (r *ProvisioningBatchRepository) GetBySystemUID(systemUUID, uid string) (*model.ProvisioningBatch, error) {
	raw, err := r.db.First(model.ProvisioningBatchType, SystemUIDIndex, systemUUID, uid)
	return first[*model.ProvisioningBatch](raw, err, model.ErrNotFound)
}

func (r *ProvisioningBatchRepository) List() ([]*model.ProvisioningBatch, error) {
	return collect[*model.ProvisioningBatch](r.db.Get(model.ProvisioningBatchType, PK))
}

type ProvisioningOperationRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewProvisioningOperationRepository(tx *io.MemoryStoreTxn) *ProvisioningOperationRepository {
	return &ProvisioningOperationRepository{db: tx}
}

func (r *ProvisioningOperationRepository) Save(op *model.ProvisioningOperation) error {
	return r.db.Insert(model.ProvisioningOperationType, op)
}

func (r *ProvisioningOperationRepository) GetByID(id string) (*model.ProvisioningOperation, error) {
	raw, err := r.db.First(model.ProvisioningOperationType, PK, id)
	return first[*model.ProvisioningOperation](raw, err, model.ErrNotFound)
}

func (r *ProvisioningOperationRepository) Delete(op *model.ProvisioningOperation) error {
	return r.db.Delete(model.ProvisioningOperationType, op)
}

// ListByBatch returns queued operations in enqueue order
func (r *ProvisioningOperationRepository) ListByBatch(batchUUID string) ([]*model.ProvisioningOperation, error) {
	ops, err := collect[*model.ProvisioningOperation](r.db.Get(model.ProvisioningOperationType, BatchForeignPK, batchUUID))
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].Seq < ops[j].Seq
	})
	return ops, nil
}

func (r *ProvisioningOperationRepository) ListByState(state model.OperationState) ([]*model.ProvisioningOperation, error) {
	return collect[*model.ProvisioningOperation](r.db.Get(model.ProvisioningOperationType, OperationStateIndex, string(state)))
}
