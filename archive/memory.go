package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/flant/negentropy/provisioning/model"
)

type MemoryStore struct {
	mutex   sync.RWMutex
	records []*model.ArchiveRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, rec *model.ArchiveRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, r := range s.records {
		if r.UUID == rec.UUID {
			return fmt.Errorf("%w: archive record %s", model.ErrAlreadyExists, rec.UUID)
		}
	}
	rec.Seq = int64(len(s.records) + 1)
	stored := *rec
	s.records = append(s.records, &stored)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*model.ArchiveRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var res []*model.ArchiveRecord
	for _, r := range s.records {
		if !filter.Match(r) {
			continue
		}
		rec := *r
		res = append(res, &rec)
		if filter.Limit > 0 && len(res) == filter.Limit {
			break
		}
	}
	return res, nil
}
