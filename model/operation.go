package model

import "time"

const (
	ProvisioningOperationType = "provisioning_operation" // also, memdb schema name
	ProvisioningBatchType     = "provisioning_batch"     // also, memdb schema name
)

type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

var OperationTypes = []OperationType{OperationCreate, OperationUpdate, OperationDelete}

type OperationState string

const (
	// queued states
	StateCreated OperationState = "CREATED"
	StateRunning OperationState = "RUNNING"
	StateBlocked OperationState = "BLOCKED"
	// terminal states
	StateExecuted    OperationState = "EXECUTED"
	StateCanceled    OperationState = "CANCELED"
	StateException   OperationState = "EXCEPTION"
	StateNotExecuted OperationState = "NOT_EXECUTED"
)

func (s OperationState) Terminal() bool {
	switch s {
	case StateExecuted, StateCanceled, StateException, StateNotExecuted:
		return true
	}
	return false
}

// ProvisioningOperation is a pending unit of work against one system entity
type ProvisioningOperation struct {
	UUID       string        `json:"uuid"`
	BatchUUID  string        `json:"batch_uuid"`
	SystemUUID string        `json:"system_uuid"`
	UID        string        `json:"uid"`
	EntityKind EntityKind    `json:"entity_type"`
	EntityUUID string        `json:"entity_uuid"`
	Type       OperationType `json:"operation_type"`
	// AccountUUID is informational, the account may be already deleted
	AccountUUID string `json:"account_uuid"`
	// Attributes holds plain values and SecretRef for confidential ones
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	Seq           uint64                 `json:"seq"`
	State         OperationState         `json:"state"`
	Attempts      int                    `json:"attempts"`
	NextAttemptAt time.Time              `json:"next_attempt_at,omitempty"`
	Result        *OperationResult       `json:"result,omitempty"`
}

func (o *ProvisioningOperation) ObjType() string {
	return ProvisioningOperationType
}

func (o *ProvisioningOperation) ObjId() string {
	return o.UUID
}

// Copy is used before modifications, stored objects are immutable
func (o *ProvisioningOperation) Copy() *ProvisioningOperation {
	res := *o
	if o.Attributes != nil {
		res.Attributes = make(map[string]interface{}, len(o.Attributes))
		for k, v := range o.Attributes {
			res.Attributes[k] = v
		}
	}
	if o.Result != nil {
		r := *o.Result
		res.Result = &r
	}
	return &res
}

// SecretRefs returns all confidential attribute handles
func (o *ProvisioningOperation) SecretRefs() []SecretRef {
	var refs []SecretRef
	for _, v := range o.Attributes {
		if ref, ok := v.(SecretRef); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ProvisioningBatch groups operations of one system entity
type ProvisioningBatch struct {
	UUID       string `json:"uuid"`
	SystemUUID string `json:"system_uuid"`
	UID        string `json:"uid"`
	// NextSeq orders operations created at the same instant
	NextSeq uint64 `json:"next_seq"`
	// LastCreatedAt keeps createdAt of operations non-decreasing within the batch
	LastCreatedAt time.Time `json:"last_created_at"`
}

func (b *ProvisioningBatch) ObjType() string {
	return ProvisioningBatchType
}

func (b *ProvisioningBatch) ObjId() string {
	return b.UUID
}
