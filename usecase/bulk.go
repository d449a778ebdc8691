package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/flant/negentropy/provisioning/repo"
)

// BulkAction is an asynchronous set of tasks run by a bounded worker pool.
// Cancel stops dispatching, running tasks complete.
type BulkAction struct {
	Name  string
	Total int

	done   int64
	failed int64

	cancel   context.CancelFunc
	finished chan struct{}

	mutex sync.Mutex
	err   error
}

func (a *BulkAction) Done() int {
	return int(atomic.LoadInt64(&a.done))
}

func (a *BulkAction) Failed() int {
	return int(atomic.LoadInt64(&a.failed))
}

func (a *BulkAction) Cancel() {
	a.cancel()
}

// Wait blocks until all dispatched tasks finish and returns their errors
func (a *BulkAction) Wait() error {
	<-a.finished
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.err
}

func (a *BulkAction) fail(item string, err error) {
	atomic.AddInt64(&a.failed, 1)
	a.mutex.Lock()
	a.err = multierror.Append(a.err, fmt.Errorf("%s %s: %w", a.Name, item, err))
	a.mutex.Unlock()
}

func (c *Core) startBulk(ctx context.Context, name string, items []string, task func(ctx context.Context, item string) error) *BulkAction {
	ctx, cancel := context.WithCancel(ctx)
	action := &BulkAction{Name: name, Total: len(items), cancel: cancel, finished: make(chan struct{})}
	c.logger.Info("bulk action started", "action", name, "total", len(items))
	go func() {
		defer close(action.finished)
		defer cancel()
		g := errgroup.Group{}
		g.SetLimit(c.bulkWorkers)
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			item := item
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				if err := task(ctx, item); err != nil {
					action.fail(item, err)
				}
				atomic.AddInt64(&action.done, 1)
				return nil
			})
		}
		_ = g.Wait()
		c.logger.Info("bulk action finished", "action", name, "done", action.Done(), "failed", action.Failed(),
			"total", action.Total)
	}()
	return action
}

// StartBulkRepair recomputes accounts of given entities, all entities when the list is empty.
// It is required after catalog changes: mapping changes are not applied incrementally.
func (c *Core) StartBulkRepair(ctx context.Context, entityUUIDs []string) (*BulkAction, error) {
	if len(entityUUIDs) == 0 {
		txn := c.store.Txn(false)
		entities, err := repo.NewEntityRepository(txn).List()
		txn.Abort()
		if err != nil {
			return nil, fmt.Errorf("Core.StartBulkRepair:%w", err)
		}
		for _, e := range entities {
			entityUUIDs = append(entityUUIDs, e.UUID)
		}
	}
	return c.startBulk(ctx, "repair", entityUUIDs, func(ctx context.Context, entityUUID string) error {
		_, err := c.RepairEntity(ctx, entityUUID)
		return err
	}), nil
}

// StartRetryAll resubmits every active batch
func (c *Core) StartRetryAll(ctx context.Context) (*BulkAction, error) {
	batches, err := c.pipeline.Batches()
	if err != nil {
		return nil, fmt.Errorf("Core.StartRetryAll:%w", err)
	}
	uuids := make([]string, 0, len(batches))
	for _, b := range batches {
		uuids = append(uuids, b.UUID)
	}
	return c.startBulk(ctx, "retry", uuids, c.RetryBatch), nil
}
