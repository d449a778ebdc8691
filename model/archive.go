package model

import "time"

// ArchiveRecord is the immutable terminal snapshot of an operation
type ArchiveRecord struct {
	// Seq is assigned by archive storage and defines archive order
	Seq           int64                  `json:"seq"`
	UUID          string                 `json:"uuid"`
	OperationUUID string                 `json:"operation_uuid"`
	BatchUUID     string                 `json:"batch_uuid"`
	SystemUUID    string                 `json:"system_uuid"`
	UID           string                 `json:"uid"`
	EntityKind    EntityKind             `json:"entity_type"`
	EntityUUID    string                 `json:"entity_uuid"`
	AccountUUID   string                 `json:"account_uuid"`
	OperationType OperationType          `json:"operation_type"`
	State         OperationState         `json:"state"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	Result        *OperationResult       `json:"result,omitempty"`
	Attempts      int                    `json:"attempts"`
	CreatedAt     time.Time              `json:"created_at"`
	ArchivedAt    time.Time              `json:"archived_at"`
}

// NewArchiveRecord snapshots operation with a terminal state
func NewArchiveRecord(uuid string, op *ProvisioningOperation, state OperationState, archivedAt time.Time) *ArchiveRecord {
	rec := &ArchiveRecord{
		UUID:          uuid,
		OperationUUID: op.UUID,
		BatchUUID:     op.BatchUUID,
		SystemUUID:    op.SystemUUID,
		UID:           op.UID,
		EntityKind:    op.EntityKind,
		EntityUUID:    op.EntityUUID,
		AccountUUID:   op.AccountUUID,
		OperationType: op.Type,
		State:         state,
		Attempts:      op.Attempts,
		CreatedAt:     op.CreatedAt,
		ArchivedAt:    archivedAt,
	}
	if len(op.Attributes) > 0 {
		rec.Attributes = make(map[string]interface{}, len(op.Attributes))
		for k, v := range op.Attributes {
			rec.Attributes[k] = v
		}
	}
	if op.Result != nil {
		r := *op.Result
		rec.Result = &r
	}
	return rec
}
