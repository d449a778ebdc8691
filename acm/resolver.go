package acm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/flant/negentropy/provisioning/clock"
	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/mapping"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/provisioning"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/script"
)

// Result collects changes made by reconciliation, batches should be executed after commit
type Result struct {
	Batches    []string
	Created    []*model.Account
	Deleted    []*model.Account
	Operations []*model.ProvisioningOperation
}

func (r *Result) merge(o *Result) {
	if o == nil {
		return
	}
	r.Batches = append(r.Batches, o.Batches...)
	r.Created = append(r.Created, o.Created...)
	r.Deleted = append(r.Deleted, o.Deleted...)
	r.Operations = append(r.Operations, o.Operations...)
}

func (r *Result) addOperation(op *model.ProvisioningOperation) {
	if op == nil {
		return
	}
	r.Operations = append(r.Operations, op)
	if op.BatchUUID != "" {
		r.Batches = append(r.Batches, op.BatchUUID)
	}
}

type Options struct {
	// Refresh recomputes attributes of all kept accounts, not only of accounts with changed links
	Refresh bool
	// Baselines are target values of accounts read before the transaction
	Baselines provisioning.Baselines
}

// Resolver decides which accounts an entity should own on target systems
type Resolver struct {
	engine   *mapping.Engine
	scripts  *script.Engine
	pipeline *provisioning.Pipeline
	clock    clock.Clock
	logger   log.Logger
}

func NewResolver(engine *mapping.Engine, scripts *script.Engine, pipeline *provisioning.Pipeline,
	clk clock.Clock, logger log.Logger) *Resolver {
	return &Resolver{
		engine:   engine,
		scripts:  scripts,
		pipeline: pipeline,
		clock:    clk,
		logger:   logger.Named("AccountLinkResolver"),
	}
}

// contribution is an active assignment reaching a system through a role system mapping
type contribution struct {
	assignment *model.EntitlementAssignment
	rsm        *model.RoleSystemMapping
}

func (c contribution) key() model.ContributionKey {
	return model.ContributionKey{AssignmentUUID: c.assignment.UUID, RoleSystemMappingUUID: c.rsm.UUID}
}

// Reconcile brings links and accounts of the entity on given systems to the desired state.
// Systems are isolated: a failed system is reported in the returned error, the others are applied.
func (r *Resolver) Reconcile(ctx context.Context, txn *io.MemoryStoreTxn, entityUUID string,
	systemUUIDs []string, opts Options) (*Result, error) {
	entity, err := repo.NewEntityRepository(txn).GetByID(entityUUID)
	if errors.Is(err, model.ErrNotFound) {
		r.logger.Debug("entity not found", "entity", entityUUID)
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Resolver.Reconcile:%w", err)
	}
	res := &Result{}
	var errs error
	for _, systemUUID := range uniqueSorted(systemUUIDs) {
		sysRes, err := r.reconcileSystem(ctx, txn, entity, systemUUID, opts)
		if err != nil {
			r.logger.Error("reconcile", "entity", entity.UUID, "system", systemUUID, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("system %s: %w", systemUUID, err))
			continue
		}
		res.merge(sysRes)
	}
	return res, errs
}

// Prefetch reads target values of all accounts of the entity, txn is used for reading only.
// Connectors are not called inside a write transaction when the result is passed to RepairEntity.
func (r *Resolver) Prefetch(ctx context.Context, txn *io.MemoryStoreTxn, entityUUID string) (provisioning.Baselines, error) {
	accounts, err := repo.NewAccountRepository(txn).ListByEntity(entityUUID)
	if err != nil {
		return nil, fmt.Errorf("Resolver.Prefetch:%w", err)
	}
	mappingRepo := repo.NewSystemMappingRepository(txn)
	res := provisioning.Baselines{}
	for _, a := range accounts {
		m, err := mappingRepo.GetBySystemAndKind(a.SystemUUID, a.EntityKind)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("Resolver.Prefetch:%w", err)
		}
		res[a.UUID] = r.pipeline.Builder().ReadBaseline(ctx, m, a)
	}
	return res, nil
}

// RepairEntity is the full recompute of the entity against all systems it is linked to or reaches.
// Accounts missing in baselines are diffed with live reads.
func (r *Resolver) RepairEntity(ctx context.Context, txn *io.MemoryStoreTxn, entityUUID string,
	baselines provisioning.Baselines) (*Result, error) {
	systems, err := r.linkedSystems(txn, entityUUID)
	if err != nil {
		return nil, fmt.Errorf("Resolver.RepairEntity:%w", err)
	}
	assignments, err := repo.NewEntitlementAssignmentRepository(txn).ListByEntity(entityUUID)
	if err != nil {
		return nil, fmt.Errorf("Resolver.RepairEntity:%w", err)
	}
	for _, a := range assignments {
		reached, err := r.AssignmentSystems(txn, a)
		if err != nil {
			return nil, fmt.Errorf("Resolver.RepairEntity:%w", err)
		}
		systems = append(systems, reached...)
	}
	return r.Reconcile(ctx, txn, entityUUID, systems, Options{Refresh: true, Baselines: baselines})
}

// AssignmentSystems returns systems reached by the assignment and systems linked through it
func (r *Resolver) AssignmentSystems(txn *io.MemoryStoreTxn, assignment *model.EntitlementAssignment) ([]string, error) {
	rsms, err := reachable(txn, assignment.Source.Target())
	if err != nil {
		return nil, err
	}
	var systems []string
	for _, rsm := range rsms {
		systems = append(systems, rsm.SystemUUID)
	}
	links, err := repo.NewEntityAccountLinkRepository(txn).ListByAssignment(assignment.UUID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		systems = append(systems, l.SystemUUID)
	}
	return uniqueSorted(systems), nil
}

func (r *Resolver) linkedSystems(txn *io.MemoryStoreTxn, entityUUID string) ([]string, error) {
	links, err := repo.NewEntityAccountLinkRepository(txn).ListByEntity(entityUUID)
	if err != nil {
		return nil, err
	}
	var systems []string
	for _, l := range links {
		systems = append(systems, l.SystemUUID)
	}
	return systems, nil
}

// reachable returns role system mappings of the target, a role reaches mappings of its sub-roles too
func reachable(txn *io.MemoryStoreTxn, target model.Target) ([]*model.RoleSystemMapping, error) {
	rsmRepo := repo.NewRoleSystemMappingRepository(txn)
	if target.RoleSystemMappingUUID != "" {
		rsm, err := rsmRepo.GetByID(target.RoleSystemMappingUUID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*model.RoleSystemMapping{rsm}, nil
	}
	roles, err := repo.NewRoleRepository(txn).FindAllSubRoles(target.RoleUUID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res []*model.RoleSystemMapping
	for roleUUID := range roles {
		rsms, err := rsmRepo.ListByRole(roleUUID)
		if err != nil {
			return nil, err
		}
		res = append(res, rsms...)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UUID < res[j].UUID })
	return res, nil
}

func (r *Resolver) activeContributions(txn *io.MemoryStoreTxn, entity *model.Entity, systemUUID string) ([]contribution, error) {
	assignments, err := repo.NewEntitlementAssignmentRepository(txn).ListByEntity(entity.UUID)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var res []contribution
	for _, a := range assignments {
		rsms, err := reachable(txn, a.Source.Target())
		if err != nil {
			return nil, err
		}
		for _, rsm := range rsms {
			if rsm.SystemUUID != systemUUID {
				continue
			}
			if !a.Source.Validity().Active(now, rsm.ForwardAccountManagement) {
				continue
			}
			res = append(res, contribution{assignment: a, rsm: rsm})
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].assignment.UUID != res[j].assignment.UUID {
			return res[i].assignment.UUID < res[j].assignment.UUID
		}
		return res[i].rsm.UUID < res[j].rsm.UUID
	})
	return res, nil
}

// canCreate evaluates creation gates, any contribution allowing creation is enough
func (r *Resolver) canCreate(ctx context.Context, entity *model.Entity, contributions []contribution) (bool, error) {
	for _, c := range contributions {
		src := c.rsm.CanBeAccountCreatedScript
		if src == "" {
			return true, nil
		}
		allowed, err := r.scripts.EvalPredicate(ctx, src, entity)
		if err != nil {
			return false, fmt.Errorf("creation gate of %s: %w", c.rsm.UUID, err)
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}
