package secret

import (
	"context"
	"fmt"
	"sync"

	"github.com/flant/negentropy/provisioning/model"
)

var ErrSecretNotFound = fmt.Errorf("secret not found")

// Store keeps confidential attribute values out of operations and archive
type Store interface {
	Put(ctx context.Context, key string, value model.GuardedString) error
	Get(ctx context.Context, key string) (model.GuardedString, error)
	Purge(ctx context.Context, key string) error
}

// Key builds store key for attribute of an operation
func Key(operationUUID string, attribute string) string {
	return operationUUID + "/" + attribute
}

type MemoryStore struct {
	mutex  sync.RWMutex
	values map[string]model.GuardedString
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]model.GuardedString{}}
}

func (s *MemoryStore) Put(_ context.Context, key string, value model.GuardedString) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (model.GuardedString, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return model.GuardedString{}, fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (s *MemoryStore) Purge(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.values)
}
