package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flant/negentropy/provisioning/model"
)

type Call struct {
	Operation  model.OperationType
	UID        string
	Attributes map[string]interface{}
}

// MockConnector keeps target state in memory and records calls, used at tests
type MockConnector struct {
	mutex sync.Mutex
	// by uid
	objects map[string]map[string]interface{}
	calls   []Call
	// FailFn returns error for the call, nil means success
	FailFn func(call Call) error
	// Delay holds each Execute call, used to provoke concurrency
	Delay time.Duration

	inFlight    map[string]int
	maxInFlight int
}

func NewMockConnector() *MockConnector {
	return &MockConnector{objects: map[string]map[string]interface{}{}, inFlight: map[string]int{}}
}

func (m *MockConnector) Execute(_ context.Context, opType model.OperationType, uid string, attributes map[string]interface{}) error {
	call := Call{Operation: opType, UID: uid, Attributes: copyMap(attributes)}
	m.mutex.Lock()
	m.inFlight[uid]++
	if m.inFlight[uid] > m.maxInFlight {
		m.maxInFlight = m.inFlight[uid]
	}
	failFn := m.FailFn
	delay := m.Delay
	m.mutex.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	var err error
	if failFn != nil {
		err = failFn(call)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.inFlight[uid]--
	m.calls = append(m.calls, call)
	if err != nil {
		return err
	}
	switch opType {
	case model.OperationCreate:
		if _, exists := m.objects[uid]; exists {
			return &RejectedError{Reason: fmt.Sprintf("uid %q already exists", uid)}
		}
		m.objects[uid] = copyMap(attributes)
	case model.OperationUpdate:
		obj, exists := m.objects[uid]
		if !exists {
			return &RejectedError{Reason: fmt.Sprintf("uid %q not found", uid)}
		}
		for k, v := range attributes {
			obj[k] = v
		}
	case model.OperationDelete:
		delete(m.objects, uid)
	}
	return nil
}

func (m *MockConnector) ReadCurrentValue(_ context.Context, uid string, attribute string) (interface{}, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	obj, ok := m.objects[uid]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj[attribute], nil
}

// SetObject replaces target state of uid
func (m *MockConnector) SetObject(uid string, attributes map[string]interface{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.objects[uid] = copyMap(attributes)
}

func (m *MockConnector) Object(uid string) (map[string]interface{}, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	obj, ok := m.objects[uid]
	return copyMap(obj), ok
}

func (m *MockConnector) SetFailFn(fn func(call Call) error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.FailFn = fn
}

func (m *MockConnector) Calls() []Call {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	res := make([]Call, len(m.calls))
	copy(res, m.calls)
	return res
}

// CallsOf filters calls by operation type
func (m *MockConnector) CallsOf(opType model.OperationType) []Call {
	var res []Call
	for _, c := range m.Calls() {
		if c.Operation == opType {
			res = append(res, c)
		}
	}
	return res
}

// MaxInFlight is the maximum of concurrent Execute calls for one uid
func (m *MockConnector) MaxInFlight() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.maxInFlight
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	res := make(map[string]interface{}, len(src))
	for k, v := range src {
		res[k] = v
	}
	return res
}
