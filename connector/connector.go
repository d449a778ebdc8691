package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/flant/negentropy/provisioning/model"
)

// ErrObjectNotFound is returned by ReadCurrentValue for absent system entity
var ErrObjectNotFound = fmt.Errorf("object not found on target system")

// Connector executes operations against a target system. Confidential values are passed as model.GuardedString.
type Connector interface {
	Execute(ctx context.Context, opType model.OperationType, uid string, attributes map[string]interface{}) error
	ReadCurrentValue(ctx context.Context, uid string, attribute string) (interface{}, error)
}

// UnavailableError is a transient failure: target is unreachable or overloaded
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "connector unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// RejectedError is a business error of the target system, e.g. duplicate uid
type RejectedError struct {
	Reason    string
	Attribute string
	// Retryable marks rejections which may succeed later
	Retryable bool
}

func (e *RejectedError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("connector rejected: attribute %q: %s", e.Attribute, e.Reason)
	}
	return "connector rejected: " + e.Reason
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	}
	return "permanent"
}

// Classify maps execution result into success, transient or permanent failure
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var unavailable *UnavailableError
	var rejected *RejectedError
	var netErr net.Error
	switch {
	case errors.As(err, &rejected):
		if rejected.Retryable {
			return OutcomeTransient
		}
		return OutcomePermanent
	case errors.As(err, &unavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return OutcomeTransient
	}
	return OutcomePermanent
}

// ErrorKind is the archive classification of a failed execution
func ErrorKind(err error) model.ErrorKind {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return model.ErrorKindConnectorRejected
	}
	if Classify(err) == OutcomeTransient {
		return model.ErrorKindConnectorUnavailable
	}
	if kind := model.KindOf(err); kind != model.ErrorKindInternal {
		return kind
	}
	return model.ErrorKindConnectorRejected
}

// Result builds archive result of a failed execution
func Result(err error) *model.OperationResult {
	res := model.ResultFromError(ErrorKind(err), err)
	var rejected *RejectedError
	if errors.As(err, &rejected) && res.Attribute == "" {
		res.Attribute = rejected.Attribute
	}
	return res
}

type Registry interface {
	Connector(systemUUID string) (Connector, error)
}

type StaticRegistry struct {
	mutex      sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *StaticRegistry {
	return &StaticRegistry{connectors: map[string]Connector{}}
}

func (r *StaticRegistry) Register(systemUUID string, c Connector) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.connectors[systemUUID] = c
}

func (r *StaticRegistry) Connector(systemUUID string) (Connector, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, ok := r.connectors[systemUUID]
	if !ok {
		return nil, fmt.Errorf("connector of system %s:%w", systemUUID, model.ErrNotConfigured)
	}
	return c, nil
}
