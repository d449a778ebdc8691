package memdb

import (
	"fmt"
	"reflect"

	hcmemdb "github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrForeignKey       = fmt.Errorf("foreign key error")
	ErrNotEmptyRelation = fmt.Errorf("not empty relation error")
	ErrInvalidSchema    = fmt.Errorf("invalid DBSchema")
	ErrMergeSchema      = fmt.Errorf("merging DBSchema")
	ErrUniqueConstraint = fmt.Errorf("fail unique constraint")
)

type MemDB struct {
	*hcmemdb.MemDB

	schema *DBSchema
}

type Txn struct {
	*hcmemdb.Txn

	schema *DBSchema
}

func NewMemDB(schema *DBSchema) (*MemDB, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	db, err := hcmemdb.NewMemDB(&hcmemdb.DBSchema{Tables: schema.Tables})
	if err != nil {
		return nil, err
	}
	return &MemDB{
		MemDB:  db,
		schema: schema,
	}, nil
}

func (m *MemDB) Txn(write bool) *Txn {
	mTxn := m.MemDB.Txn(write)
	if write {
		mTxn.TrackChanges()
	}
	return &Txn{Txn: mTxn, schema: m.schema}
}

// Insert checks unique indexes and MandatoryForeignKeys before insertion
func (t *Txn) Insert(table string, objPtr interface{}) error {
	err := t.checkUniqueConstraints(table, objPtr)
	if err != nil {
		return fmt.Errorf("insert %T: %w", objPtr, err)
	}
	err = t.processRelations(t.schema.MandatoryForeignKeys[table], objPtr, t.checkForeignKey, ErrForeignKey)
	if err != nil {
		return fmt.Errorf("insert %T: %w", objPtr, err)
	}
	return t.Txn.Insert(table, objPtr)
}

// Delete checks CheckingRelations are empty before deletion
func (t *Txn) Delete(table string, objPtr interface{}) error {
	err := t.processRelations(t.schema.CheckingRelations[table], objPtr, t.checkRelationShouldBeEmpty, ErrNotEmptyRelation)
	if err != nil {
		return fmt.Errorf("delete:%w", err)
	}
	err = t.Txn.Delete(table, objPtr)
	if err != nil {
		return fmt.Errorf("delete:%w", err)
	}
	return nil
}

// processRelations runs relationHandler for each relation, empty field values are skipped
func (t *Txn) processRelations(relations []Relation, objPtr interface{},
	relationHandler func(fieldValue string, key Relation) error, relationHandlerError error) error {
	valueIface := reflect.ValueOf(objPtr)
	if valueIface.Type().Kind() != reflect.Ptr {
		return fmt.Errorf("obj `%s` is not ptr", valueIface.Type())
	}
	var errs *multierror.Error
	for _, key := range relations {
		field := valueIface.Elem().FieldByName(key.OriginalDataTypeFieldName)
		if !field.IsValid() || field.Kind() != reflect.String {
			return fmt.Errorf("obj `%s` does not have the string field `%s`", valueIface.Type(), key.OriginalDataTypeFieldName)
		}
		if field.String() == "" {
			continue
		}
		if err := relationHandler(field.String(), key); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("%w:%s", relationHandlerError, errs.Error())
	}
	return nil
}

func (t *Txn) checkForeignKey(fieldValue string, key Relation) error {
	relatedRecord, err := t.First(key.RelatedDataType, key.RelatedDataTypeFieldIndexName, fieldValue)
	if err != nil {
		return fmt.Errorf("getting related record:%w", err)
	}
	if relatedRecord == nil {
		return fmt.Errorf("FK violation: %q not found at table %q at index %q",
			fieldValue, key.RelatedDataType, key.RelatedDataTypeFieldIndexName)
	}
	return nil
}

func (t *Txn) checkRelationShouldBeEmpty(fieldValue string, key Relation) error {
	relatedRecord, err := t.First(key.RelatedDataType, key.RelatedDataTypeFieldIndexName, fieldValue)
	if err != nil {
		return fmt.Errorf("getting related record:%w", err)
	}
	if relatedRecord != nil {
		return fmt.Errorf("relation should be empty: %q found at table %q by index %q",
			fieldValue, key.RelatedDataType, key.RelatedDataTypeFieldIndexName)
	}
	return nil
}

// checkUniqueConstraints checks all unique indexes except PK, hcmemdb silently overwrites them
func (t *Txn) checkUniqueConstraints(table string, objPtr interface{}) error {
	ts, ok := t.schema.Tables[table]
	if !ok {
		return nil
	}
	pkIdx, ok := ts.Indexes[PK]
	if !ok {
		return nil
	}
	var objPK []interface{}
	for name, idx := range ts.Indexes {
		if name == PK || !idx.Unique {
			continue
		}
		vals, err := collectValsForIndexes(objPtr, idx.Indexer)
		if err != nil {
			return fmt.Errorf("collecting vals for index %s at table %s: %w", name, table, err)
		}
		raw, err := t.First(table, name, vals...)
		if err != nil {
			return fmt.Errorf("checking index %q at table %q: %w", name, table, err)
		}
		if raw == nil {
			continue
		}
		if objPK == nil {
			if objPK, err = collectValsForIndexes(objPtr, pkIdx.Indexer); err != nil {
				return fmt.Errorf("collecting vals for index %s at table %s: %w", PK, table, err)
			}
		}
		rawPK, err := collectValsForIndexes(raw, pkIdx.Indexer)
		if err != nil {
			return fmt.Errorf("collecting vals for index %s at table %s: %w", PK, table, err)
		}
		if reflect.DeepEqual(rawPK, objPK) {
			continue // it is replaced obj
		}
		return fmt.Errorf("%w: %q at table %q", ErrUniqueConstraint, name, table)
	}
	return nil
}

func collectValsForIndexes(objPtr interface{}, indexes ...hcmemdb.Indexer) ([]interface{}, error) {
	var vals []interface{}
	for _, idx := range indexes {
		switch typed := idx.(type) {
		case *hcmemdb.StringFieldIndex:
			field := reflect.Indirect(reflect.ValueOf(objPtr)).FieldByName(typed.Field)
			if !field.IsValid() || field.Kind() != reflect.String {
				return nil, fmt.Errorf("field %q is not a string", typed.Field)
			}
			// named string types are not accepted by FromArgs
			vals = append(vals, field.String())
		case *hcmemdb.CompoundIndex:
			extraVals, err := collectValsForIndexes(objPtr, typed.Indexes...)
			if err != nil {
				return nil, err
			}
			vals = append(vals, extraVals...)
		default:
			return nil, fmt.Errorf("index type %T is not supported for unique constraint", idx)
		}
	}
	return vals, nil
}
