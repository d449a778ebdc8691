package archive

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flant/negentropy/provisioning/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

const insertStatement = `
INSERT INTO archive (uuid, operation_uuid, batch_uuid, system_uuid, uid, entity_type, entity_uuid, account_uuid,
                     operation_type, state, attributes, result, attempts, created_at, archived_at)
VALUES (:uuid, :operation_uuid, :batch_uuid, :system_uuid, :uid, :entity_type, :entity_uuid, :account_uuid,
        :operation_type, :state, :attributes, :result, :attempts, :created_at, :archived_at)`

type row struct {
	Seq           int64  `db:"seq"`
	UUID          string `db:"uuid"`
	OperationUUID string `db:"operation_uuid"`
	BatchUUID     string `db:"batch_uuid"`
	SystemUUID    string `db:"system_uuid"`
	UID           string `db:"uid"`
	EntityKind    string `db:"entity_type"`
	EntityUUID    string `db:"entity_uuid"`
	AccountUUID   string `db:"account_uuid"`
	OperationType string `db:"operation_type"`
	State         string `db:"state"`
	Attributes    string `db:"attributes"`
	Result        string `db:"result"`
	Attempts      int    `db:"attempts"`
	CreatedAt     int64  `db:"created_at"`
	ArchivedAt    int64  `db:"archived_at"`
}

func toRow(rec *model.ArchiveRecord) (*row, error) {
	attributes, err := json.Marshal(rec.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &row{
		UUID:          rec.UUID,
		OperationUUID: rec.OperationUUID,
		BatchUUID:     rec.BatchUUID,
		SystemUUID:    rec.SystemUUID,
		UID:           rec.UID,
		EntityKind:    string(rec.EntityKind),
		EntityUUID:    rec.EntityUUID,
		AccountUUID:   rec.AccountUUID,
		OperationType: string(rec.OperationType),
		State:         string(rec.State),
		Attributes:    string(attributes),
		Result:        string(result),
		Attempts:      rec.Attempts,
		CreatedAt:     rec.CreatedAt.UnixNano(),
		ArchivedAt:    rec.ArchivedAt.UnixNano(),
	}, nil
}

func (r *row) record() (*model.ArchiveRecord, error) {
	rec := &model.ArchiveRecord{
		Seq:           r.Seq,
		UUID:          r.UUID,
		OperationUUID: r.OperationUUID,
		BatchUUID:     r.BatchUUID,
		SystemUUID:    r.SystemUUID,
		UID:           r.UID,
		EntityKind:    model.EntityKind(r.EntityKind),
		EntityUUID:    r.EntityUUID,
		AccountUUID:   r.AccountUUID,
		OperationType: model.OperationType(r.OperationType),
		State:         model.OperationState(r.State),
		Attempts:      r.Attempts,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
		ArchivedAt:    time.Unix(0, r.ArchivedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Attributes), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal attributes of %s: %w", r.UUID, err)
	}
	if err := json.Unmarshal([]byte(r.Result), &rec.Result); err != nil {
		return nil, fmt.Errorf("unmarshal result of %s: %w", r.UUID, err)
	}
	return rec, nil
}

type SQLiteStore struct {
	db     *sqlx.DB
	logger log.Logger
}

// NewSQLiteStore opens database at path and applies migrations
func NewSQLiteStore(path string, logger log.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows only one writer
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, logger: logger.Named("ArchiveSQLite")}
	if err = store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "archive", dbDriver)
	if err != nil {
		return err
	}
	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, rec *model.ArchiveRecord) error {
	r, err := toRow(rec)
	if err != nil {
		return fmt.Errorf("SQLiteStore.Save:%w", err)
	}
	res, err := s.db.NamedExecContext(ctx, insertStatement, r)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: archive record %s", model.ErrAlreadyExists, rec.UUID)
		}
		return fmt.Errorf("SQLiteStore.Save:%w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("SQLiteStore.Save:%w", err)
	}
	rec.Seq = seq
	s.logger.Debug("archived", "seq", seq, "operation", rec.OperationUUID, "state", rec.State)
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*model.ArchiveRecord, error) {
	query, args, err := buildQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("SQLiteStore.Query:%w", err)
	}
	var rows []row
	if err = s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("SQLiteStore.Query:%w", err)
	}
	res := make([]*model.ArchiveRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, fmt.Errorf("SQLiteStore.Query:%w", err)
		}
		res = append(res, rec)
	}
	return res, nil
}

func buildQuery(filter Filter) (string, []interface{}, error) {
	var conditions []string
	var args []interface{}
	add := func(condition string, arg interface{}) {
		conditions = append(conditions, condition)
		args = append(args, arg)
	}
	if filter.EntityUUID != "" {
		add("entity_uuid = ?", filter.EntityUUID)
	}
	if filter.SystemUUID != "" {
		add("system_uuid = ?", filter.SystemUUID)
	}
	if filter.UID != "" {
		add("uid = ?", filter.UID)
	}
	if filter.BatchUUID != "" {
		add("batch_uuid = ?", filter.BatchUUID)
	}
	if filter.OperationType != "" {
		add("operation_type = ?", string(filter.OperationType))
	}
	if !filter.From.IsZero() {
		add("archived_at >= ?", filter.From.UnixNano())
	}
	if !filter.Till.IsZero() {
		add("archived_at <= ?", filter.Till.UnixNano())
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		add("state IN (?)", states)
	}

	query := "SELECT * FROM archive"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if len(filter.States) == 0 {
		return query, args, nil
	}
	return sqlx.In(query, args...)
}
