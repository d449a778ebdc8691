package acm

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/provisioning"
)

// Hooker runs incremental reconciliation inline, in the transaction changing assignments or entities
type Hooker struct {
	resolver *Resolver
	logger   hclog.Logger

	// *io.MemoryStoreTxn -> *pending
	pending sync.Map
	// *io.MemoryStoreTxn -> provisioning.Baselines
	baselines sync.Map
}

type pending struct {
	result *Result
	err    error
}

func NewHooker(resolver *Resolver, logger hclog.Logger) *Hooker {
	return &Hooker{resolver: resolver, logger: logger.Named("Hooker")}
}

func (h *Hooker) RegisterHooks(memstorage *io.MemoryStore) {
	memstorage.RegisterHook(io.ObjectHook{
		Events:     []io.HookEvent{io.HookEventInsert, io.HookEventDelete},
		ObjType:    model.EntitlementAssignmentType,
		CallbackFn: h.processAssignment,
	})
	memstorage.RegisterHook(io.ObjectHook{
		Events:     []io.HookEvent{io.HookEventInsert},
		ObjType:    model.EntityType,
		CallbackFn: h.processEntity,
	})
}

func (h *Hooker) processAssignment(txn *io.MemoryStoreTxn, _ io.HookEvent, before, after interface{}) error {
	var entityUUID string
	var systems []string
	for _, obj := range []interface{}{before, after} {
		assignment, ok := obj.(*model.EntitlementAssignment)
		if !ok {
			continue
		}
		entityUUID = assignment.EntityUUID
		reached, err := h.resolver.AssignmentSystems(txn, assignment)
		if err != nil {
			return fmt.Errorf("Hooker.processAssignment:%w", err)
		}
		systems = append(systems, reached...)
	}
	if entityUUID == "" {
		return fmt.Errorf("Hooker.processAssignment: expected *model.EntitlementAssignment, got: %T", after)
	}
	h.logger.Debug("assignment changed", "entity", entityUUID, "systems", len(systems))
	res, err := h.resolver.Reconcile(context.Background(), txn, entityUUID, systems, Options{Baselines: h.loadBaselines(txn)})
	h.collect(txn, res, err)
	return nil
}

// processEntity recomputes accounts of a changed entity, a new entity has no accounts yet
func (h *Hooker) processEntity(txn *io.MemoryStoreTxn, _ io.HookEvent, before, after interface{}) error {
	entity, ok := after.(*model.Entity)
	if !ok {
		return fmt.Errorf("Hooker.processEntity: expected *model.Entity, got: %T", after)
	}
	if before == nil {
		return nil
	}
	res, err := h.resolver.RepairEntity(context.Background(), txn, entity.UUID, h.loadBaselines(txn))
	h.collect(txn, res, err)
	return nil
}

func (h *Hooker) collect(txn *io.MemoryStoreTxn, res *Result, err error) {
	st := &pending{result: &Result{}}
	raw, loaded := h.pending.LoadOrStore(txn, st)
	st = raw.(*pending)
	st.result.merge(res)
	if err != nil {
		st.err = multierror.Append(st.err, err)
	}
	if loaded {
		return
	}
	// results not taken by the writer are executed here
	txn.AfterCommit(func() {
		raw, ok := h.pending.LoadAndDelete(txn)
		if !ok {
			return
		}
		st := raw.(*pending)
		if st.err != nil {
			h.logger.Error("incremental reconciliation", "err", st.err)
		}
		if err := h.resolver.pipeline.ExecuteBatches(context.Background(), st.result.Batches); err != nil {
			h.logger.Error("execute batches", "err", err)
		}
	})
}

// WithBaselines makes hooks of txn diff accounts with prefetched target values, until Take
func (h *Hooker) WithBaselines(txn *io.MemoryStoreTxn, baselines provisioning.Baselines) {
	h.baselines.Store(txn, baselines)
}

func (h *Hooker) loadBaselines(txn *io.MemoryStoreTxn) provisioning.Baselines {
	raw, ok := h.baselines.Load(txn)
	if !ok {
		return nil
	}
	return raw.(provisioning.Baselines)
}

// Take returns and forgets changes made by hooks in txn
func (h *Hooker) Take(txn *io.MemoryStoreTxn) (*Result, error) {
	h.baselines.Delete(txn)
	raw, ok := h.pending.LoadAndDelete(txn)
	if !ok {
		return &Result{}, nil
	}
	st := raw.(*pending)
	return st.result, st.err
}
