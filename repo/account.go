package repo

import (
	hcmemdb "github.com/hashicorp/go-memdb"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/memdb"
	"github.com/flant/negentropy/provisioning/model"
)

const SystemUIDIndex = "system_uid"

func AccountSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			model.AccountType: {
				Name: model.AccountType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK:              pkIndex(),
					SystemForeignPK: stringIndex(SystemForeignPK, "SystemUUID"),
					EntityForeignPK: optionalStringIndex(EntityForeignPK, "EntityUUID"),
					SystemUIDIndex:  compoundIndex(SystemUIDIndex, true, "SystemUUID", "UID"),
				},
			},
			model.EntityAccountLinkType: {
				Name: model.EntityAccountLinkType,
				Indexes: map[string]*hcmemdb.IndexSchema{
					PK:                  pkIndex(),
					EntityForeignPK:     stringIndex(EntityForeignPK, "EntityUUID"),
					AccountForeignPK:    stringIndex(AccountForeignPK, "AccountUUID"),
					AssignmentForeignPK: optionalStringIndex(AssignmentForeignPK, "SourceAssignmentUUID"),
				},
			},
		},
		MandatoryForeignKeys: map[string][]memdb.Relation{
			model.AccountType:           {fk("SystemUUID", model.SystemType)},
			model.EntityAccountLinkType: {fk("AccountUUID", model.AccountType), fk("EntityUUID", model.EntityType)},
		},
		CheckingRelations: map[string][]memdb.Relation{
			model.AccountType: {checking(model.EntityAccountLinkType, AccountForeignPK)},
		},
	}
}

type AccountRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewAccountRepository(tx *io.MemoryStoreTxn) *AccountRepository {
	return &AccountRepository{db: tx}
}

func (r *AccountRepository) Save(account *model.Account) error {
	return r.db.Insert(model.AccountType, account)
}

func (r *AccountRepository) GetByID(id string) (*model.Account, error) {
	raw, err := r.db.First(model.AccountType, PK, id)
	return first[*model.Account](raw, err, model.ErrNotFound)
}

func (r *AccountRepository) GetBySystemUID(systemUUID, uid string) (*model.Account, error) {
	raw, err := r.db.First(model.AccountType, SystemUIDIndex, systemUUID, uid)
	return first[*model.Account](raw, err, model.ErrNotFound)
}

func (r *AccountRepository) ListBySystem(systemUUID string) ([]*model.Account, error) {
	return collect[*model.Account](r.db.Get(model.AccountType, SystemForeignPK, systemUUID))
}

func (r *AccountRepository) ListByEntity(entityUUID string) ([]*model.Account, error) {
	return collect[*model.Account](r.db.Get(model.AccountType, EntityForeignPK, entityUUID))
}

func (r *AccountRepository) List() ([]*model.Account, error) {
	return collect[*model.Account](r.db.Get(model.AccountType, PK))
}

// Delete fails while any link references the account
func (r *AccountRepository) Delete(account *model.Account) error {
	return r.db.Delete(model.AccountType, account)
}

type EntityAccountLinkRepository struct {
	db *io.MemoryStoreTxn // called "db" not to provoke transaction semantics
}

func NewEntityAccountLinkRepository(tx *io.MemoryStoreTxn) *EntityAccountLinkRepository {
	return &EntityAccountLinkRepository{db: tx}
}

func (r *EntityAccountLinkRepository) Save(link *model.EntityAccountLink) error {
	return r.db.Insert(model.EntityAccountLinkType, link)
}

func (r *EntityAccountLinkRepository) Delete(link *model.EntityAccountLink) error {
	return r.db.Delete(model.EntityAccountLinkType, link)
}

func (r *EntityAccountLinkRepository) ListByEntity(entityUUID string) ([]*model.EntityAccountLink, error) {
	return collect[*model.EntityAccountLink](r.db.Get(model.EntityAccountLinkType, EntityForeignPK, entityUUID))
}

func (r *EntityAccountLinkRepository) ListByAccount(accountUUID string) ([]*model.EntityAccountLink, error) {
	return collect[*model.EntityAccountLink](r.db.Get(model.EntityAccountLinkType, AccountForeignPK, accountUUID))
}

func (r *EntityAccountLinkRepository) ListByAssignment(assignmentUUID string) ([]*model.EntityAccountLink, error) {
	return collect[*model.EntityAccountLink](r.db.Get(model.EntityAccountLinkType, AssignmentForeignPK, assignmentUUID))
}

// CountOwnership counts links which keep the account alive
func (r *EntityAccountLinkRepository) CountOwnership(accountUUID string) (int, error) {
	links, err := r.ListByAccount(accountUUID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, l := range links {
		if l.Ownership {
			count++
		}
	}
	return count, nil
}
