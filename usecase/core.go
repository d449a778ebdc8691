package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/flant/negentropy/provisioning/acm"
	"github.com/flant/negentropy/provisioning/archive"
	"github.com/flant/negentropy/provisioning/breaker"
	"github.com/flant/negentropy/provisioning/clock"
	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/provisioning"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/script"
)

const defaultBulkWorkers = 4

type Components struct {
	Store    *io.MemoryStore
	Resolver *acm.Resolver
	Hooker   *acm.Hooker
	Pipeline *provisioning.Pipeline
	Breaker  *breaker.Breaker
	Archive  archive.Store
	Scripts  *script.Engine
	// Clock drives validity passes, default is the system clock
	Clock clock.Clock
	// BulkWorkers bounds bulk actions, default is 4
	BulkWorkers int
}

// Core is the entry point of the provisioning core: inbound changes, administration and bulk actions
type Core struct {
	store       *io.MemoryStore
	resolver    *acm.Resolver
	hooker      *acm.Hooker
	pipeline    *provisioning.Pipeline
	breaker     *breaker.Breaker
	archive     archive.Store
	scripts     *script.Engine
	clock       clock.Clock
	bulkWorkers int
	logger      log.Logger

	validityMutex sync.Mutex
	// validityPassAt is now of the last committed validity pass
	validityPassAt time.Time
}

// NewCore registers incremental reconciliation hooks on the store
func NewCore(c Components, logger log.Logger) *Core {
	workers := c.BulkWorkers
	if workers <= 0 {
		workers = defaultBulkWorkers
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	c.Hooker.RegisterHooks(c.Store)
	return &Core{
		store:       c.Store,
		resolver:    c.Resolver,
		hooker:      c.Hooker,
		pipeline:    c.Pipeline,
		breaker:     c.Breaker,
		archive:     c.Archive,
		scripts:     c.Scripts,
		clock:       clk,
		bulkWorkers: workers,
		logger:      logger.Named("Core"),
	}
}

// prefetch reads target values of entity accounts outside of the write transaction
func (c *Core) prefetch(ctx context.Context, entityUUID string) (provisioning.Baselines, error) {
	txn := c.store.Txn(false)
	defer txn.Abort()
	return c.resolver.Prefetch(ctx, txn, entityUUID)
}

func (c *Core) abort(txn *io.MemoryStoreTxn) {
	_, _ = c.hooker.Take(txn)
	txn.Abort()
}

// commit executes batches produced in txn after the commit, reconciliation errors of isolated systems are returned
func (c *Core) commit(ctx context.Context, txn *io.MemoryStoreTxn, res *acm.Result) error {
	hooked, hookErr := c.hooker.Take(txn)
	if err := txn.Commit(); err != nil {
		return err
	}
	batches := hooked.Batches
	if res != nil {
		batches = append(batches, res.Batches...)
	}
	var result error
	if hookErr != nil {
		result = multierror.Append(result, hookErr)
	}
	if err := c.pipeline.ExecuteBatches(ctx, batches); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// EntitlementChanged applies an assignment change and provisions affected accounts synchronously
func (c *Core) EntitlementChanged(ctx context.Context, event *model.EntitlementEvent) error {
	baselines, err := c.prefetch(ctx, event.EntityUUID)
	if err != nil {
		return fmt.Errorf("Core.EntitlementChanged:%w", err)
	}
	txn := c.store.Txn(true)
	defer c.abort(txn)
	c.hooker.WithBaselines(txn, baselines)
	assignments := repo.NewEntitlementAssignmentRepository(txn)
	switch event.Action {
	case model.ActionDelete:
		err := assignments.Delete(event.AssignmentUUID)
		if errors.Is(err, model.ErrNotFound) {
			c.logger.Debug("assignment already deleted", "assignment", event.AssignmentUUID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("Core.EntitlementChanged:%w", err)
		}
	case model.ActionUpsert, "":
		assignment, err := event.Assignment()
		if err != nil {
			return fmt.Errorf("Core.EntitlementChanged:%w", err)
		}
		if err = assignments.Save(assignment); err != nil {
			return fmt.Errorf("Core.EntitlementChanged:%w", err)
		}
	default:
		return fmt.Errorf("Core.EntitlementChanged:%w", model.NewValidationError("", "", "unknown action %q", event.Action))
	}
	if err = c.commit(ctx, txn, nil); err != nil {
		return fmt.Errorf("Core.EntitlementChanged:%w", err)
	}
	return nil
}

// EntityChanged stores the entity, accounts of a changed entity are recomputed
func (c *Core) EntityChanged(ctx context.Context, entity *model.Entity) error {
	baselines, err := c.prefetch(ctx, entity.UUID)
	if err != nil {
		return fmt.Errorf("Core.EntityChanged:%w", err)
	}
	txn := c.store.Txn(true)
	defer c.abort(txn)
	c.hooker.WithBaselines(txn, baselines)
	if err := repo.NewEntityRepository(txn).Save(entity); err != nil {
		return fmt.Errorf("Core.EntityChanged:%w", err)
	}
	if err := c.commit(ctx, txn, nil); err != nil {
		return fmt.Errorf("Core.EntityChanged:%w", err)
	}
	return nil
}

// EntityDeleted revokes all assignments of the entity and removes it
func (c *Core) EntityDeleted(ctx context.Context, entityUUID string) error {
	txn := c.store.Txn(true)
	defer c.abort(txn)
	assignmentRepo := repo.NewEntitlementAssignmentRepository(txn)
	assignments, err := assignmentRepo.ListByEntity(entityUUID)
	if err != nil {
		return fmt.Errorf("Core.EntityDeleted:%w", err)
	}
	for _, a := range assignments {
		if err = assignmentRepo.Delete(a.UUID); err != nil {
			return fmt.Errorf("Core.EntityDeleted:%w", err)
		}
	}
	err = repo.NewEntityRepository(txn).Delete(entityUUID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("Core.EntityDeleted:%w", err)
	}
	if err = c.commit(ctx, txn, nil); err != nil {
		return fmt.Errorf("Core.EntityDeleted:%w", err)
	}
	return nil
}

// RepairEntity is the full recompute of one entity
func (c *Core) RepairEntity(ctx context.Context, entityUUID string) (*acm.Result, error) {
	baselines, err := c.prefetch(ctx, entityUUID)
	if err != nil {
		return nil, fmt.Errorf("Core.RepairEntity:%w", err)
	}
	txn := c.store.Txn(true)
	defer c.abort(txn)
	res, repairErr := c.resolver.RepairEntity(ctx, txn, entityUUID, baselines)
	if res == nil {
		return nil, fmt.Errorf("Core.RepairEntity:%w", repairErr)
	}
	err = c.commit(ctx, txn, res)
	if repairErr != nil {
		err = multierror.Append(repairErr, err)
	}
	if err != nil {
		return res, fmt.Errorf("Core.RepairEntity:%w", err)
	}
	return res, nil
}

// ChangePassword provisions the password to accounts of the entity, all its systems when systemUUIDs is empty.
// Protected accounts are skipped.
func (c *Core) ChangePassword(ctx context.Context, entityUUID string, systemUUIDs []string,
	password model.GuardedString) ([]*model.ProvisioningOperation, error) {
	if password.IsEmpty() {
		return nil, model.NewValidationError("password", "", "empty password")
	}
	txn := c.store.Txn(true)
	defer c.abort(txn)
	entity, err := repo.NewEntityRepository(txn).GetByID(entityUUID)
	if err != nil {
		return nil, fmt.Errorf("Core.ChangePassword:%w", err)
	}
	accounts, err := repo.NewAccountRepository(txn).ListByEntity(entityUUID)
	if err != nil {
		return nil, fmt.Errorf("Core.ChangePassword:%w", err)
	}
	systems := map[string]struct{}{}
	for _, s := range systemUUIDs {
		systems[s] = struct{}{}
	}
	res := &acm.Result{}
	var ops []*model.ProvisioningOperation
	for _, account := range accounts {
		if _, ok := systems[account.SystemUUID]; len(systems) > 0 && !ok {
			continue
		}
		system, err := repo.NewSystemRepository(txn).GetByID(account.SystemUUID)
		if err != nil {
			return nil, fmt.Errorf("Core.ChangePassword:%w", err)
		}
		mapping, err := repo.NewSystemMappingRepository(txn).GetBySystemAndKind(system.UUID, entity.Kind)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("Core.ChangePassword:%w", err)
		}
		pwd := password
		op, err := c.pipeline.Provision(ctx, txn, provisioning.BuildRequest{
			Type:           model.OperationUpdate,
			System:         system,
			Account:        account,
			Entity:         entity,
			Mapping:        mapping,
			PasswordChange: &pwd,
			PasswordOnly:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("Core.ChangePassword:%w", err)
		}
		if op == nil {
			continue
		}
		ops = append(ops, op)
		if op.BatchUUID != "" {
			res.Batches = append(res.Batches, op.BatchUUID)
		}
	}
	if err = c.commit(ctx, txn, res); err != nil {
		return ops, fmt.Errorf("Core.ChangePassword:%w", err)
	}
	return ops, nil
}

func (c *Core) RetryBatch(ctx context.Context, batchUUID string) error {
	if err := c.pipeline.Retry(ctx, batchUUID); err != nil {
		return fmt.Errorf("Core.RetryBatch:%w", err)
	}
	return nil
}

// CancelBatch returns the number of canceled operations
func (c *Core) CancelBatch(ctx context.Context, batchUUID string) (int, error) {
	n, err := c.pipeline.Cancel(ctx, batchUUID)
	if err != nil {
		return n, fmt.Errorf("Core.CancelBatch:%w", err)
	}
	return n, nil
}

func (c *Core) RetryDue(ctx context.Context) error {
	return c.pipeline.RetryDue(ctx)
}

// ReconcileValidity reconciles assignments whose validity bound was crossed since the previous pass:
// expired ones lose their accounts, started ones without forward management get them
func (c *Core) ReconcileValidity(ctx context.Context) error {
	c.validityMutex.Lock()
	defer c.validityMutex.Unlock()
	now := c.clock.Now()

	crossed, baselines, err := c.crossedAssignments(ctx, now)
	if err != nil {
		return fmt.Errorf("Core.ReconcileValidity:%w", err)
	}
	txn := c.store.Txn(true)
	defer c.abort(txn)
	assignmentRepo := repo.NewEntitlementAssignmentRepository(txn)
	res := &acm.Result{}
	var errs error
	for _, id := range crossed {
		a, err := assignmentRepo.GetByID(id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("assignment %s: %w", id, err))
			continue
		}
		systems, err := c.resolver.AssignmentSystems(txn, a)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("assignment %s: %w", a.UUID, err))
			continue
		}
		c.logger.Debug("validity bound crossed", "assignment", a.UUID, "entity", a.EntityUUID)
		reconciled, err := c.resolver.Reconcile(ctx, txn, a.EntityUUID, systems,
			acm.Options{Baselines: baselines[a.EntityUUID]})
		if reconciled != nil {
			res.Batches = append(res.Batches, reconciled.Batches...)
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("assignment %s: %w", a.UUID, err))
		}
	}
	// failed operations are retried by the pipeline, not by the next pass
	err = c.commit(ctx, txn, res)
	c.validityPassAt = now
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("Core.ReconcileValidity:%w", errs)
	}
	return nil
}

// crossedAssignments lists assignments with a bound crossed since the previous pass
// and prefetches target values of their entities
func (c *Core) crossedAssignments(ctx context.Context, now time.Time) ([]string, map[string]provisioning.Baselines, error) {
	txn := c.store.Txn(false)
	defer txn.Abort()
	assignments, err := repo.NewEntitlementAssignmentRepository(txn).List()
	if err != nil {
		return nil, nil, err
	}
	var crossed []string
	baselines := map[string]provisioning.Baselines{}
	for _, a := range assignments {
		if a.Source == nil || !a.Source.Validity().Crossed(c.validityPassAt, now) {
			continue
		}
		crossed = append(crossed, a.UUID)
		if _, ok := baselines[a.EntityUUID]; ok {
			continue
		}
		if baselines[a.EntityUUID], err = c.resolver.Prefetch(ctx, txn, a.EntityUUID); err != nil {
			return nil, nil, err
		}
	}
	return crossed, baselines, nil
}

// ResetBreaker closes breakers of the system, of all operation types when opType is empty
func (c *Core) ResetBreaker(systemUUID string, opType model.OperationType) {
	types := model.OperationTypes
	if opType != "" {
		types = []model.OperationType{opType}
	}
	for _, t := range types {
		c.breaker.Reset(breaker.Key{SystemUUID: systemUUID, Operation: t})
	}
}

func (c *Core) BreakerState(systemUUID string, opType model.OperationType) breaker.State {
	return c.breaker.State(breaker.Key{SystemUUID: systemUUID, Operation: opType})
}

func (c *Core) QueryArchive(ctx context.Context, filter archive.Filter) ([]*model.ArchiveRecord, error) {
	recs, err := c.archive.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("Core.QueryArchive:%w", err)
	}
	return recs, nil
}

type BatchView struct {
	Batch      *model.ProvisioningBatch
	Operations []*model.ProvisioningOperation
}

// Batches returns active batches with their queued operations
func (c *Core) Batches() ([]BatchView, error) {
	batches, err := c.pipeline.Batches()
	if err != nil {
		return nil, fmt.Errorf("Core.Batches:%w", err)
	}
	res := make([]BatchView, 0, len(batches))
	for _, b := range batches {
		ops, err := c.pipeline.Operations(b.UUID)
		if err != nil {
			return nil, fmt.Errorf("Core.Batches:%w", err)
		}
		res = append(res, BatchView{Batch: b, Operations: ops})
	}
	return res, nil
}

// Accounts returns accounts of the entity
func (c *Core) Accounts(entityUUID string) ([]*model.Account, error) {
	txn := c.store.Txn(false)
	defer txn.Abort()
	return repo.NewAccountRepository(txn).ListByEntity(entityUUID)
}

// SaveCatalog validates and stores the catalog, breaker overrides of systems are applied
func (c *Core) SaveCatalog(ctx context.Context, catalog *model.Catalog) error {
	if err := ValidateCatalog(c.scripts, catalog); err != nil {
		return fmt.Errorf("Core.SaveCatalog:%w", err)
	}
	txn := c.store.Txn(true)
	defer c.abort(txn)
	if err := Catalog(txn).Apply(catalog); err != nil {
		return fmt.Errorf("Core.SaveCatalog:%w", err)
	}
	if err := c.commit(ctx, txn, nil); err != nil {
		return fmt.Errorf("Core.SaveCatalog:%w", err)
	}
	for _, system := range catalog.Systems {
		c.breaker.Configure(system.UUID, system.Breaker)
	}
	c.logger.Info("catalog saved", "systems", len(catalog.Systems), "mappings", len(catalog.SystemMappings),
		"roles", len(catalog.Roles), "role_system_mappings", len(catalog.RoleSystemMappings))
	return nil
}

// DeleteRoleSystemMapping changes only the catalog, run a bulk repair to apply it to accounts
func (c *Core) DeleteRoleSystemMapping(ctx context.Context, rsmUUID string) error {
	txn := c.store.Txn(true)
	defer c.abort(txn)
	if err := Catalog(txn).DeleteRoleSystemMapping(rsmUUID); err != nil {
		return fmt.Errorf("Core.DeleteRoleSystemMapping:%w", err)
	}
	return c.commit(ctx, txn, nil)
}
