package archive

import (
	"context"
	"time"

	"github.com/flant/negentropy/provisioning/model"
)

// Filter selects archive records, zero fields don't filter
type Filter struct {
	EntityUUID    string                 `json:"entity_uuid,omitempty"`
	SystemUUID    string                 `json:"system_uuid,omitempty"`
	UID           string                 `json:"uid,omitempty"`
	BatchUUID     string                 `json:"batch_uuid,omitempty"`
	OperationType model.OperationType    `json:"operation_type,omitempty"`
	States        []model.OperationState `json:"states,omitempty"`
	// From and Till bound ArchivedAt, both inclusive
	From  time.Time `json:"from,omitempty"`
	Till  time.Time `json:"till,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

func (f Filter) Match(rec *model.ArchiveRecord) bool {
	switch {
	case f.EntityUUID != "" && rec.EntityUUID != f.EntityUUID:
		return false
	case f.SystemUUID != "" && rec.SystemUUID != f.SystemUUID:
		return false
	case f.UID != "" && rec.UID != f.UID:
		return false
	case f.BatchUUID != "" && rec.BatchUUID != f.BatchUUID:
		return false
	case f.OperationType != "" && rec.OperationType != f.OperationType:
		return false
	case !f.From.IsZero() && rec.ArchivedAt.Before(f.From):
		return false
	case !f.Till.IsZero() && rec.ArchivedAt.After(f.Till):
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if rec.State == s {
			return true
		}
	}
	return false
}

// Sink receives every archived record
type Sink interface {
	Save(ctx context.Context, rec *model.ArchiveRecord) error
}

// Store persists records, assigns Seq and queries them in Seq order
type Store interface {
	Sink
	Query(ctx context.Context, filter Filter) ([]*model.ArchiveRecord, error)
}
