package repo

import (
	"fmt"

	hcmemdb "github.com/hashicorp/go-memdb"

	"github.com/flant/negentropy/provisioning/memdb"
)

const (
	// PK is the alias for "id. Index "id" is required by all tables.
	PK = memdb.PK

	SystemForeignPK            = "system_uuid"
	EntityForeignPK            = "entity_uuid"
	RoleForeignPK              = "role_uuid"
	AccountForeignPK           = "account_uuid"
	AssignmentForeignPK        = "assignment_uuid"
	RoleSystemMappingForeignPK = "role_system_mapping_uuid"
	BatchForeignPK             = "batch_uuid"
)

func GetSchema() (*memdb.DBSchema, error) {
	schema, err := memdb.MergeDBSchemas(
		EntitySchema(),
		CatalogSchema(),
		EntitlementAssignmentSchema(),
		AccountSchema(),
		ProvisioningSchema(),
	)
	if err != nil {
		return nil, fmt.Errorf("repo.GetSchema:%w", err)
	}
	return schema, nil
}

func pkIndex() *hcmemdb.IndexSchema {
	return &hcmemdb.IndexSchema{
		Name:    PK,
		Unique:  true,
		Indexer: &hcmemdb.StringFieldIndex{Field: "UUID"},
	}
}

func stringIndex(name, field string) *hcmemdb.IndexSchema {
	return &hcmemdb.IndexSchema{
		Name:    name,
		Indexer: &hcmemdb.StringFieldIndex{Field: field},
	}
}

// optionalStringIndex skips objects with empty field
func optionalStringIndex(name, field string) *hcmemdb.IndexSchema {
	idx := stringIndex(name, field)
	idx.AllowMissing = true
	return idx
}

func compoundIndex(name string, unique bool, fields ...string) *hcmemdb.IndexSchema {
	indexes := make([]hcmemdb.Indexer, 0, len(fields))
	for _, f := range fields {
		indexes = append(indexes, &hcmemdb.StringFieldIndex{Field: f})
	}
	return &hcmemdb.IndexSchema{
		Name:    name,
		Unique:  unique,
		Indexer: &hcmemdb.CompoundIndex{Indexes: indexes},
	}
}

func fk(field, table string) memdb.Relation {
	return memdb.Relation{OriginalDataTypeFieldName: field, RelatedDataType: table, RelatedDataTypeFieldIndexName: PK}
}

func checking(table, index string) memdb.Relation {
	return memdb.Relation{OriginalDataTypeFieldName: "UUID", RelatedDataType: table, RelatedDataTypeFieldIndexName: index}
}

// collect reads all objects from iterator
func collect[T any](iter hcmemdb.ResultIterator, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	var list []T
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		list = append(list, raw.(T))
	}
	return list, nil
}

// first returns model.ErrNotFound for absent object
func first[T any](raw interface{}, err error, notFound error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if raw == nil {
		return zero, notFound
	}
	return raw.(T), nil
}
