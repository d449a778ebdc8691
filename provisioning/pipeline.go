package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/flant/negentropy/provisioning/archive"
	"github.com/flant/negentropy/provisioning/breaker"
	"github.com/flant/negentropy/provisioning/clock"
	"github.com/flant/negentropy/provisioning/connector"
	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/secret"
	"github.com/flant/negentropy/provisioning/uuid"
)

const defaultWorkers = 8

// Pipeline keeps operations in per system entity batches and executes them in enqueue order
type Pipeline struct {
	store      *io.MemoryStore
	builder    *Builder
	connectors connector.Registry
	secrets    secret.Store
	breaker    *breaker.Breaker
	archive    archive.Sink
	retry      RetryPolicy
	clock      clock.Clock
	workers    int

	locksMutex sync.Mutex
	// entries live while the batch is executed or awaited
	locks map[string]*batchLock

	logger log.Logger
}

func NewPipeline(store *io.MemoryStore, builder *Builder, connectors connector.Registry, secrets secret.Store,
	brk *breaker.Breaker, sink archive.Sink, retry RetryPolicy, clk clock.Clock, logger log.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		builder:    builder,
		connectors: connectors,
		secrets:    secrets,
		breaker:    brk,
		archive:    sink,
		retry:      retry,
		clock:      clk,
		workers:    defaultWorkers,
		locks:      map[string]*batchLock{},
		logger:     logger.Named("Pipeline"),
	}
}

// SetWorkers limits concurrently executed batches
func (p *Pipeline) SetWorkers(n int) {
	if n > 0 {
		p.workers = n
	}
}

func (p *Pipeline) Builder() *Builder {
	return p.builder
}

type batchLock struct {
	sync.Mutex
	refs int
}

// lock serializes executions of the batch, the returned func unlocks it
func (p *Pipeline) lock(batchUUID string) func() {
	p.locksMutex.Lock()
	l, ok := p.locks[batchUUID]
	if !ok {
		l = &batchLock{}
		p.locks[batchUUID] = l
	}
	l.refs++
	p.locksMutex.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.locksMutex.Lock()
		defer p.locksMutex.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, batchUUID)
		}
	}
}

// Provision builds the operation and enqueues it in txn, secrets of the operation are stored on commit.
// Build failures and operations of read-only systems are archived after commit and never reach a batch;
// the returned operation has the archived state then.
func (p *Pipeline) Provision(ctx context.Context, txn *io.MemoryStoreTxn, req BuildRequest) (*model.ProvisioningOperation, error) {
	op, staged, err := p.builder.build(ctx, req)
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		p.archiveAfterCommit(txn, buildErr.Operation, model.StateException)
		return buildErr.Operation, nil
	}
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, nil
	}
	if req.System.ReadOnly {
		op.State = model.StateNotExecuted
		p.archiveAfterCommit(txn, op, model.StateNotExecuted)
		return op, nil
	}
	if err = p.Enqueue(txn, op); err != nil {
		return nil, err
	}
	if len(staged) > 0 {
		// batches are executed after commit, their secrets must be there
		txn.OnCommit(func() {
			if err := p.builder.storeSecrets(context.Background(), staged); err != nil {
				p.logger.Error("store secrets", "operation", op.UUID, "err", err)
			}
		})
	}
	return op, nil
}

// Enqueue appends op to the batch of its system entity, creating the batch if needed
func (p *Pipeline) Enqueue(txn *io.MemoryStoreTxn, op *model.ProvisioningOperation) error {
	batchRepo := repo.NewProvisioningBatchRepository(txn)
	batch, err := batchRepo.GetBySystemUID(op.SystemUUID, op.UID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		batch = &model.ProvisioningBatch{UUID: uuid.New(), SystemUUID: op.SystemUUID, UID: op.UID}
	case err != nil:
		return fmt.Errorf("Pipeline.Enqueue:%w", err)
	default:
		b := *batch
		batch = &b
	}
	if op.CreatedAt.Before(batch.LastCreatedAt) {
		op.CreatedAt = batch.LastCreatedAt
	}
	batch.LastCreatedAt = op.CreatedAt
	op.Seq = batch.NextSeq
	batch.NextSeq++
	op.BatchUUID = batch.UUID
	op.State = model.StateCreated

	if err = batchRepo.Save(batch); err != nil {
		return fmt.Errorf("Pipeline.Enqueue:%w", err)
	}
	if err = repo.NewProvisioningOperationRepository(txn).Save(op); err != nil {
		return fmt.Errorf("Pipeline.Enqueue:%w", err)
	}
	p.logger.Debug("enqueued", "batch", batch.UUID, "operation", op.Type, "uid", op.UID, "seq", op.Seq)
	return nil
}

func (p *Pipeline) archiveAfterCommit(txn *io.MemoryStoreTxn, op *model.ProvisioningOperation, state model.OperationState) {
	txn.AfterCommit(func() {
		ctx := context.Background()
		if err := p.archiveOperation(ctx, op, state); err != nil {
			p.logger.Error("archive", "operation", op.UUID, "err", err)
		}
		p.purge(ctx, op)
	})
}

func (p *Pipeline) archiveOperation(ctx context.Context, op *model.ProvisioningOperation, state model.OperationState) error {
	rec := model.NewArchiveRecord(uuid.New(), op, state, p.clock.Now())
	if err := p.archive.Save(ctx, rec); err != nil {
		return fmt.Errorf("archive operation %s: %w", op.UUID, err)
	}
	p.logger.Info("archived", "operation", op.Type, "uid", op.UID, "system", op.SystemUUID, "state", state)
	return nil
}

func (p *Pipeline) purge(ctx context.Context, op *model.ProvisioningOperation) {
	for _, ref := range op.SecretRefs() {
		if err := p.secrets.Purge(ctx, ref.Key); err != nil {
			p.logger.Warn("purge secret", "operation", op.UUID, "err", err)
		}
	}
}

// Operations returns queued operations of the batch in execution order
func (p *Pipeline) Operations(batchUUID string) ([]*model.ProvisioningOperation, error) {
	txn := p.store.Txn(false)
	defer txn.Abort()
	return repo.NewProvisioningOperationRepository(txn).ListByBatch(batchUUID)
}

// Batches returns batches having queued operations
func (p *Pipeline) Batches() ([]*model.ProvisioningBatch, error) {
	txn := p.store.Txn(false)
	defer txn.Abort()
	batches, err := repo.NewProvisioningBatchRepository(txn).List()
	if err != nil {
		return nil, err
	}
	opRepo := repo.NewProvisioningOperationRepository(txn)
	var res []*model.ProvisioningBatch
	for _, b := range batches {
		ops, err := opRepo.ListByBatch(b.UUID)
		if err != nil {
			return nil, err
		}
		if len(ops) > 0 {
			res = append(res, b)
		}
	}
	return res, nil
}

// ExecuteBatches runs batches concurrently, each batch sequentially
func (p *Pipeline) ExecuteBatches(ctx context.Context, batchUUIDs []string) error {
	var mutex sync.Mutex
	var result error
	g := errgroup.Group{}
	g.SetLimit(p.workers)
	for _, batchUUID := range unique(batchUUIDs) {
		batchUUID := batchUUID
		g.Go(func() error {
			if err := p.ExecuteBatch(ctx, batchUUID); err != nil {
				mutex.Lock()
				result = multierror.Append(result, err)
				mutex.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// ExecuteBatch executes queued operations in order until the batch is empty,
// the head operation waits for its next attempt, or it is stopped by a transient failure or the breaker
func (p *Pipeline) ExecuteBatch(ctx context.Context, batchUUID string) error {
	defer p.lock(batchUUID)()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ops, err := p.Operations(batchUUID)
		if err != nil {
			return fmt.Errorf("Pipeline.ExecuteBatch:%w", err)
		}
		if len(ops) == 0 {
			return nil
		}
		head := ops[0]
		if head.NextAttemptAt.After(p.clock.Now()) {
			return nil
		}
		proceed, err := p.execute(ctx, head)
		if err != nil {
			return fmt.Errorf("Pipeline.ExecuteBatch:%w", err)
		}
		if !proceed {
			return nil
		}
	}
}

// execute runs one operation, false stops the batch
func (p *Pipeline) execute(ctx context.Context, op *model.ProvisioningOperation) (bool, error) {
	now := p.clock.Now()
	system, err := p.system(op.SystemUUID)
	if err != nil {
		return true, p.finish(ctx, op, model.StateException, model.ResultFromError(model.ErrorKindValidation, err))
	}
	if system.ReadOnly {
		return true, p.finish(ctx, op, model.StateNotExecuted, nil)
	}

	key := breaker.Key{SystemUUID: op.SystemUUID, Operation: op.Type}
	if !p.breaker.Allow(key, now) {
		p.breaker.Record(key, now)
		blocked := op.Copy()
		blocked.State = model.StateBlocked
		blocked.Attempts++
		blocked.NextAttemptAt = p.retry.NextAttempt(now, blocked.Attempts)
		blocked.Result = model.ResultFromError(model.ErrorKindBreakerOpen, model.ErrBreakerOpen)
		p.logger.Warn("breaker open", "system", op.SystemUUID, "operation", op.Type, "uid", op.UID)
		return false, p.update(blocked)
	}

	running, err := p.markRunning(op)
	if err != nil {
		return false, err
	}
	if running == nil {
		// canceled meanwhile
		return true, nil
	}
	attributes, err := p.resolveSecrets(ctx, running)
	if err != nil {
		return true, p.finish(ctx, running, model.StateException, model.ResultFromError(model.ErrorKindInternal, err))
	}
	conn, err := p.connectors.Connector(running.SystemUUID)
	if err != nil {
		return true, p.finish(ctx, running, model.StateException, model.ResultFromError(model.ErrorKindValidation, err))
	}

	execErr := conn.Execute(ctx, running.Type, running.UID, attributes)
	switch connector.Classify(execErr) {
	case connector.OutcomeSuccess:
		running.Result = nil
		return true, p.finish(ctx, running, model.StateExecuted, nil)
	case connector.OutcomeTransient:
		p.breaker.Record(key, now)
		running.State = model.StateCreated
		running.Attempts++
		running.NextAttemptAt = p.retry.NextAttempt(now, running.Attempts)
		running.Result = connector.Result(execErr)
		p.logger.Warn("transient failure", "uid", running.UID, "operation", running.Type,
			"attempts", running.Attempts, "next", running.NextAttemptAt, "err", execErr)
		return false, p.update(running)
	default:
		p.breaker.Record(key, now)
		p.logger.Error("permanent failure", "uid", running.UID, "operation", running.Type, "err", execErr)
		return true, p.finish(ctx, running, model.StateException, connector.Result(execErr))
	}
}

func (p *Pipeline) system(systemUUID string) (*model.System, error) {
	txn := p.store.Txn(false)
	defer txn.Abort()
	return repo.NewSystemRepository(txn).GetByID(systemUUID)
}

// markRunning returns nil if operation is not queued anymore
func (p *Pipeline) markRunning(op *model.ProvisioningOperation) (*model.ProvisioningOperation, error) {
	txn := p.store.Txn(true)
	defer txn.Abort()
	opRepo := repo.NewProvisioningOperationRepository(txn)
	stored, err := opRepo.GetByID(op.UUID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	running := stored.Copy()
	running.State = model.StateRunning
	if err = opRepo.Save(running); err != nil {
		return nil, err
	}
	return running.Copy(), txn.Commit()
}

// update stores changed operation if it is still queued
func (p *Pipeline) update(op *model.ProvisioningOperation) error {
	txn := p.store.Txn(true)
	defer txn.Abort()
	opRepo := repo.NewProvisioningOperationRepository(txn)
	if _, err := opRepo.GetByID(op.UUID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := opRepo.Save(op); err != nil {
		return err
	}
	return txn.Commit()
}

// finish removes operation from the batch, archives it and purges its secrets
func (p *Pipeline) finish(ctx context.Context, op *model.ProvisioningOperation, state model.OperationState,
	result *model.OperationResult) error {
	txn := p.store.Txn(true)
	defer txn.Abort()
	opRepo := repo.NewProvisioningOperationRepository(txn)
	stored, err := opRepo.GetByID(op.UUID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if err = opRepo.Delete(stored); err != nil {
		return err
	}
	if err = txn.Commit(); err != nil {
		return err
	}

	done := op.Copy()
	done.State = state
	if result != nil {
		done.Result = result
	}
	defer p.purge(ctx, done)
	return p.archiveOperation(ctx, done, state)
}

func (p *Pipeline) resolveSecrets(ctx context.Context, op *model.ProvisioningOperation) (map[string]interface{}, error) {
	if len(op.Attributes) == 0 {
		return nil, nil
	}
	res := make(map[string]interface{}, len(op.Attributes))
	for name, v := range op.Attributes {
		ref, ok := v.(model.SecretRef)
		if !ok {
			res[name] = v
			continue
		}
		value, err := p.secrets.Get(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("resolve secret of %s: %w", name, err)
		}
		res[name] = value
	}
	return res, nil
}

// Retry resubmits queued operations of the batch through the breaker gate, in order
func (p *Pipeline) Retry(ctx context.Context, batchUUID string) error {
	txn := p.store.Txn(true)
	defer txn.Abort()
	if _, err := repo.NewProvisioningBatchRepository(txn).GetByID(batchUUID); err != nil {
		return fmt.Errorf("Pipeline.Retry:%w", err)
	}
	opRepo := repo.NewProvisioningOperationRepository(txn)
	ops, err := opRepo.ListByBatch(batchUUID)
	if err != nil {
		return fmt.Errorf("Pipeline.Retry:%w", err)
	}
	for _, op := range ops {
		if op.State == model.StateRunning {
			continue
		}
		reset := op.Copy()
		reset.State = model.StateCreated
		reset.NextAttemptAt = time.Time{}
		if err = opRepo.Save(reset); err != nil {
			return fmt.Errorf("Pipeline.Retry:%w", err)
		}
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("Pipeline.Retry:%w", err)
	}
	return p.ExecuteBatch(ctx, batchUUID)
}

// Cancel archives every not dispatched operation of the batch as CANCELED, a running one completes
func (p *Pipeline) Cancel(ctx context.Context, batchUUID string) (int, error) {
	txn := p.store.Txn(true)
	defer txn.Abort()
	if _, err := repo.NewProvisioningBatchRepository(txn).GetByID(batchUUID); err != nil {
		return 0, fmt.Errorf("Pipeline.Cancel:%w", err)
	}
	opRepo := repo.NewProvisioningOperationRepository(txn)
	ops, err := opRepo.ListByBatch(batchUUID)
	if err != nil {
		return 0, fmt.Errorf("Pipeline.Cancel:%w", err)
	}
	var canceled []*model.ProvisioningOperation
	for _, op := range ops {
		if op.State == model.StateRunning {
			continue
		}
		if err = opRepo.Delete(op); err != nil {
			return 0, fmt.Errorf("Pipeline.Cancel:%w", err)
		}
		canceled = append(canceled, op)
	}
	if err = txn.Commit(); err != nil {
		return 0, fmt.Errorf("Pipeline.Cancel:%w", err)
	}

	var result error
	for _, op := range canceled {
		done := op.Copy()
		done.State = model.StateCanceled
		if err := p.archiveOperation(ctx, done, model.StateCanceled); err != nil {
			result = multierror.Append(result, err)
		}
		p.purge(ctx, done)
	}
	return len(canceled), result
}

// RetryDue executes batches whose head operation reached its next attempt time
func (p *Pipeline) RetryDue(ctx context.Context) error {
	batches, err := p.Batches()
	if err != nil {
		return fmt.Errorf("Pipeline.RetryDue:%w", err)
	}
	now := p.clock.Now()
	var due []string
	for _, b := range batches {
		ops, err := p.Operations(b.UUID)
		if err != nil {
			return fmt.Errorf("Pipeline.RetryDue:%w", err)
		}
		if len(ops) == 0 {
			continue
		}
		head := ops[0]
		if head.State != model.StateCreated && head.State != model.StateBlocked {
			continue
		}
		if head.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, b.UUID)
	}
	if len(due) > 0 {
		p.logger.Debug("retry due batches", "count", len(due))
	}
	return p.ExecuteBatches(ctx, due)
}

func unique(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	res := make([]string, 0, len(list))
	for _, s := range list {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		res = append(res, s)
	}
	return res
}
