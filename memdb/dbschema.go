package memdb

import (
	"fmt"

	hcmemdb "github.com/hashicorp/go-memdb"
)

// PK is a mandatory index for all tables at hc/go-memdb
const PK = "id"

// TableSchema synonym for replacing original type at code
type TableSchema = hcmemdb.TableSchema

type (
	dataType  = string
	fieldName = string
	indexName = string
)

// Relation links a string field of one table with an index of another
type Relation struct {
	OriginalDataTypeFieldName fieldName
	RelatedDataType           dataType
	// Only StringFieldIndex or a method indexer
	RelatedDataTypeFieldIndexName indexName
}

type DBSchema struct {
	Tables map[string]*TableSchema
	// checked at Insert, related record should exist
	MandatoryForeignKeys map[dataType][]Relation
	// checked at Delete, deleting fails if any of relations is not empty
	CheckingRelations map[dataType][]Relation
}

func (s *DBSchema) Validate() error {
	if err := (&hcmemdb.DBSchema{Tables: s.Tables}).Validate(); err != nil {
		return fmt.Errorf("%w:%s", ErrInvalidSchema, err)
	}
	for _, rels := range []map[dataType][]Relation{s.MandatoryForeignKeys, s.CheckingRelations} {
		if err := s.validateRelations(rels); err != nil {
			return fmt.Errorf("%w:%s", ErrInvalidSchema, err)
		}
	}
	for table, keys := range s.MandatoryForeignKeys {
		for _, key := range keys {
			if key.RelatedDataTypeFieldIndexName != PK {
				return fmt.Errorf("%w:invalid RelatedDataTypeFieldIndexName:%s in FK:%#v of table %s",
					ErrInvalidSchema, key.RelatedDataTypeFieldIndexName, key, table)
			}
		}
	}
	return nil
}

func (s *DBSchema) validateRelations(rels map[dataType][]Relation) error {
	for table, rs := range rels {
		if _, ok := s.Tables[table]; !ok {
			return fmt.Errorf("table %q is absent in DBSchema", table)
		}
		for _, r := range rs {
			ts, ok := s.Tables[r.RelatedDataType]
			if !ok {
				return fmt.Errorf("table %q, passed as relation of %q, is absent in DBSchema", r.RelatedDataType, table)
			}
			index, ok := ts.Indexes[r.RelatedDataTypeFieldIndexName]
			if !ok {
				return fmt.Errorf("index named %q not found at table %q, passed as relation to field %q of table %q",
					r.RelatedDataTypeFieldIndexName, r.RelatedDataType, r.OriginalDataTypeFieldName, table)
			}
			switch index.Indexer.(type) {
			case *hcmemdb.StringFieldIndex, *hcmemdb.UUIDFieldIndex, *MethodIndexer:
			default:
				return fmt.Errorf("index named %q at table %q has inappropriate type (allowed: StringFieldIndex, "+
					"UUIDFieldIndex, MethodIndexer)", r.RelatedDataTypeFieldIndexName, r.RelatedDataType)
			}
		}
	}
	return nil
}

func MergeDBSchemas(schemas ...*DBSchema) (*DBSchema, error) {
	result := DBSchema{
		Tables:               map[string]*TableSchema{},
		MandatoryForeignKeys: map[dataType][]Relation{},
		CheckingRelations:    map[dataType][]Relation{},
	}
	for _, schema := range schemas {
		for name, table := range schema.Tables {
			if _, found := result.Tables[name]; found {
				return nil, fmt.Errorf("%w:table %q already there", ErrMergeSchema, name)
			}
			result.Tables[name] = table
		}
		for name, rels := range schema.MandatoryForeignKeys {
			result.MandatoryForeignKeys[name] = append(result.MandatoryForeignKeys[name], rels...)
		}
		for name, rels := range schema.CheckingRelations {
			result.CheckingRelations[name] = append(result.CheckingRelations[name], rels...)
		}
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w:%s", ErrMergeSchema, err.Error())
	}
	return &result, nil
}
