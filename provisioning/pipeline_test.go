package provisioning

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/archive"
	"github.com/flant/negentropy/provisioning/breaker"
	"github.com/flant/negentropy/provisioning/clock"
	"github.com/flant/negentropy/provisioning/connector"
	"github.com/flant/negentropy/provisioning/fixtures"
	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/mapping"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/script"
	"github.com/flant/negentropy/provisioning/secret"
	"github.com/flant/negentropy/provisioning/uuid"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *io.MemoryStore
	clock    *clock.MockClock
	conn     *connector.MockConnector
	secrets  *secret.MemoryStore
	archive  *archive.MemoryStore
	breaker  *breaker.Breaker
	pipeline *Pipeline
}

func newTestEnv(t *testing.T, settings breaker.Settings) *testEnv {
	logger := log.NewNullLogger()
	schema, err := repo.GetSchema()
	require.NoError(t, err)
	store, err := io.NewMemoryStore(schema, logger)
	require.NoError(t, err)

	txn := store.Txn(true)
	for _, s := range fixtures.Systems() {
		require.NoError(t, repo.NewSystemRepository(txn).Save(s))
	}
	for _, m := range fixtures.SystemMappings() {
		require.NoError(t, repo.NewSystemMappingRepository(txn).Save(m))
	}
	require.NoError(t, txn.Commit())

	clk, mockClock := clock.NewMockedClock(baseTime)
	conn := connector.NewMockConnector()
	registry := connector.NewRegistry()
	registry.Register(fixtures.SystemUUID1, conn)
	registry.Register(fixtures.SystemUUID3, conn)
	secrets := secret.NewMemoryStore()
	engine := mapping.NewEngine(script.NewEngine(0, logger), nil, logger)
	builder := NewBuilder(engine, registry, secrets, clk, logger).
		WithPasswordGenerator(func() (string, error) { return "generated", nil })
	brk := breaker.NewBreaker(settings, logger)
	arch := archive.NewMemoryStore()
	pipeline := NewPipeline(store, builder, registry, secrets, brk, arch,
		RetryPolicy{InitialInterval: time.Second}, clk, logger)

	return &testEnv{
		store:    store,
		clock:    mockClock,
		conn:     conn,
		secrets:  secrets,
		archive:  arch,
		breaker:  brk,
		pipeline: pipeline,
	}
}

func (e *testEnv) enqueue(t *testing.T, uid string, types ...model.OperationType) []*model.ProvisioningOperation {
	txn := e.store.Txn(true)
	defer txn.Abort()
	var ops []*model.ProvisioningOperation
	for _, typ := range types {
		op := &model.ProvisioningOperation{
			UUID:       uuid.New(),
			SystemUUID: fixtures.SystemUUID1,
			UID:        uid,
			Type:       typ,
			CreatedAt:  e.clock.Now(),
			Attributes: map[string]interface{}{"cn": uid},
		}
		require.NoError(t, e.pipeline.Enqueue(txn, op))
		ops = append(ops, op)
	}
	require.NoError(t, txn.Commit())
	return ops
}

func (e *testEnv) archived(t *testing.T, uid string) []*model.ArchiveRecord {
	recs, err := e.archive.Query(context.Background(), archive.Filter{UID: uid})
	require.NoError(t, err)
	return recs
}

func operationUUIDs(ops []*model.ProvisioningOperation) []string {
	var res []string
	for _, op := range ops {
		res = append(res, op.UUID)
	}
	return res
}

func archivedUUIDs(recs []*model.ArchiveRecord) []string {
	var res []string
	for _, r := range recs {
		res = append(res, r.OperationUUID)
	}
	return res
}

func failFirst(err error) func(connector.Call) error {
	var calls int32
	return func(connector.Call) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return err
		}
		return nil
	}
}

func Test_EnqueueKeepsCreatedAtNonDecreasing(t *testing.T) {
	env := newTestEnv(t, breaker.Settings{})
	env.clock.SetNowTime(baseTime.Add(time.Minute))
	first := env.enqueue(t, "jdoe", model.OperationCreate)[0]
	env.clock.SetNowTime(baseTime)
	second := env.enqueue(t, "jdoe", model.OperationUpdate)[0]

	require.Equal(t, first.BatchUUID, second.BatchUUID)
	require.True(t, second.CreatedAt.Equal(first.CreatedAt))
	require.Equal(t, first.Seq+1, second.Seq)

	queued, err := env.pipeline.Operations(first.BatchUUID)
	require.NoError(t, err)
	require.Equal(t, []string{first.UUID, second.UUID}, operationUUIDs(queued))
}

func Test_BatchOrderSurvivesRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{Threshold: 10, Window: time.Minute})
	ops := env.enqueue(t, "jdoe", model.OperationCreate, model.OperationUpdate, model.OperationDelete)
	batch := ops[0].BatchUUID
	env.conn.SetFailFn(failFirst(&connector.UnavailableError{Err: fmt.Errorf("timeout")}))

	require.NoError(t, env.pipeline.ExecuteBatch(ctx, batch))
	require.Empty(t, env.archived(t, "jdoe"))
	queued, err := env.pipeline.Operations(batch)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	require.Equal(t, 1, queued[0].Attempts)
	require.Equal(t, model.StateCreated, queued[0].State)
	require.Equal(t, model.ErrorKindConnectorUnavailable, queued[0].Result.Kind)
	require.True(t, queued[0].NextAttemptAt.Equal(baseTime.Add(time.Second)))

	// the head waits for its next attempt, nothing overtakes it
	require.NoError(t, env.pipeline.ExecuteBatch(ctx, batch))
	require.Len(t, env.conn.Calls(), 1)

	require.NoError(t, env.pipeline.Retry(ctx, batch))

	recs := env.archived(t, "jdoe")
	require.Equal(t, operationUUIDs(ops), archivedUUIDs(recs))
	for _, r := range recs {
		require.Equal(t, model.StateExecuted, r.State)
	}
	require.Equal(t, 1, recs[0].Attempts)
	_, exists := env.conn.Object("jdoe")
	require.False(t, exists)
}

func Test_RetryDue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{Threshold: 10, Window: time.Minute})
	ops := env.enqueue(t, "jdoe", model.OperationCreate)
	env.conn.SetFailFn(failFirst(&connector.UnavailableError{Err: fmt.Errorf("timeout")}))

	require.NoError(t, env.pipeline.ExecuteBatch(ctx, ops[0].BatchUUID))
	require.NoError(t, env.pipeline.RetryDue(ctx))
	require.Empty(t, env.archived(t, "jdoe"))

	env.clock.Advance(2 * time.Second)
	require.NoError(t, env.pipeline.RetryDue(ctx))
	recs := env.archived(t, "jdoe")
	require.Len(t, recs, 1)
	require.Equal(t, model.StateExecuted, recs[0].State)
}

func Test_PermanentFailureDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{Threshold: 10, Window: time.Minute})
	ops := env.enqueue(t, "jdoe", model.OperationCreate, model.OperationUpdate, model.OperationDelete)
	env.conn.SetFailFn(func(call connector.Call) error {
		if call.Operation == model.OperationUpdate {
			return &connector.RejectedError{Reason: "schema violation", Attribute: "cn"}
		}
		return nil
	})

	require.NoError(t, env.pipeline.ExecuteBatch(ctx, ops[0].BatchUUID))

	recs := env.archived(t, "jdoe")
	require.Equal(t, operationUUIDs(ops), archivedUUIDs(recs))
	require.Equal(t, model.StateExecuted, recs[0].State)
	require.Equal(t, model.StateException, recs[1].State)
	require.Equal(t, model.ErrorKindConnectorRejected, recs[1].Result.Kind)
	require.Equal(t, "cn", recs[1].Result.Attribute)
	require.Equal(t, model.StateExecuted, recs[2].State)
	require.Len(t, env.conn.CallsOf(model.OperationUpdate), 1, "no automatic retry")
	require.Equal(t, 1, env.breaker.Count(breaker.Key{SystemUUID: fixtures.SystemUUID1, Operation: model.OperationUpdate}))
}

func Test_BreakerOpenBlocksExecution(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{Threshold: 1, Window: time.Minute})
	ops := env.enqueue(t, "jdoe", model.OperationCreate)
	batch := ops[0].BatchUUID
	key := breaker.Key{SystemUUID: fixtures.SystemUUID1, Operation: model.OperationCreate}
	env.conn.SetFailFn(failFirst(&connector.UnavailableError{Err: fmt.Errorf("timeout")}))

	require.NoError(t, env.pipeline.ExecuteBatch(ctx, batch))
	require.True(t, env.breaker.Tripped(key))

	require.NoError(t, env.pipeline.Retry(ctx, batch))
	require.Len(t, env.conn.Calls(), 1, "connector is not called while breaker is open")
	queued, err := env.pipeline.Operations(batch)
	require.NoError(t, err)
	require.Equal(t, model.StateBlocked, queued[0].State)
	require.Equal(t, model.ErrorKindBreakerOpen, queued[0].Result.Kind)
	require.Equal(t, 2, env.breaker.Count(key), "blocked attempt is recorded")

	env.breaker.Reset(key)
	require.NoError(t, env.pipeline.Retry(ctx, batch))
	recs := env.archived(t, "jdoe")
	require.Len(t, recs, 1)
	require.Equal(t, model.StateExecuted, recs[0].State)
}

func Test_BreakerCoolDown(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{Threshold: 1, Window: time.Minute})
	ops := env.enqueue(t, "jdoe", model.OperationCreate)
	env.conn.SetFailFn(failFirst(&connector.UnavailableError{Err: fmt.Errorf("timeout")}))

	require.NoError(t, env.pipeline.ExecuteBatch(ctx, ops[0].BatchUUID))
	env.clock.Advance(2 * time.Minute)
	require.NoError(t, env.pipeline.RetryDue(ctx))

	recs := env.archived(t, "jdoe")
	require.Len(t, recs, 1)
	require.Equal(t, model.StateExecuted, recs[0].State)
}

func Test_ReadOnlySystemAtExecution(t *testing.T) {
	env := newTestEnv(t, breaker.Settings{})
	ops := env.enqueue(t, "jdoe", model.OperationCreate)

	txn := env.store.Txn(true)
	system, err := repo.NewSystemRepository(txn).GetByID(fixtures.SystemUUID1)
	require.NoError(t, err)
	readOnly := *system
	readOnly.ReadOnly = true
	require.NoError(t, repo.NewSystemRepository(txn).Save(&readOnly))
	require.NoError(t, txn.Commit())

	require.NoError(t, env.pipeline.ExecuteBatch(context.Background(), ops[0].BatchUUID))
	recs := env.archived(t, "jdoe")
	require.Len(t, recs, 1)
	require.Equal(t, model.StateNotExecuted, recs[0].State)
	require.Empty(t, env.conn.Calls())
}

func Test_CancelBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{})
	ops := env.enqueue(t, "jdoe", model.OperationCreate, model.OperationUpdate)
	require.NoError(t, env.secrets.Put(ctx, "k", model.NewGuardedString("s3cr3t")))
	withSecret := env.enqueue(t, "jdoe", model.OperationUpdate)[0]
	// stored objects are immutable, the secret ref is added through a new copy
	txn := env.store.Txn(true)
	updated := withSecret.Copy()
	updated.Attributes["password"] = model.SecretRef{Key: "k"}
	require.NoError(t, repo.NewProvisioningOperationRepository(txn).Save(updated))
	require.NoError(t, txn.Commit())

	n, err := env.pipeline.Cancel(ctx, ops[0].BatchUUID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	recs := env.archived(t, "jdoe")
	require.Equal(t, append(operationUUIDs(ops), withSecret.UUID), archivedUUIDs(recs))
	for _, r := range recs {
		require.Equal(t, model.StateCanceled, r.State)
	}
	require.Empty(t, env.conn.Calls())
	require.Equal(t, 0, env.secrets.Len())

	_, err = env.pipeline.Cancel(ctx, "unknown")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func Test_SameSystemEntityNeverConcurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{})
	env.conn.Delay = 2 * time.Millisecond
	env.pipeline.SetWorkers(4)
	sequence := []model.OperationType{
		model.OperationCreate, model.OperationDelete,
		model.OperationCreate, model.OperationDelete,
		model.OperationCreate, model.OperationDelete,
	}
	opsA := env.enqueue(t, "jdoe", sequence...)
	opsB := env.enqueue(t, "vbee", sequence...)
	batchA, batchB := opsA[0].BatchUUID, opsB[0].BatchUUID

	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, env.pipeline.ExecuteBatch(ctx, batchA))
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, env.pipeline.ExecuteBatch(ctx, batchB))
		}()
	}
	require.NoError(t, env.pipeline.ExecuteBatches(ctx, []string{batchA, batchB, batchA}))
	wg.Wait()

	require.Equal(t, 1, env.conn.MaxInFlight())
	for uid, ops := range map[string][]*model.ProvisioningOperation{"jdoe": opsA, "vbee": opsB} {
		recs := env.archived(t, uid)
		require.Equal(t, operationUUIDs(ops), archivedUUIDs(recs))
		for _, r := range recs {
			require.Equal(t, model.StateExecuted, r.State, "reordering would be rejected by the target")
		}
	}
}

func Test_BatchLocksAreReleased(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker.Settings{})
	env.conn.Delay = time.Millisecond
	ops := env.enqueue(t, "jdoe", model.OperationCreate, model.OperationDelete)

	wg := sync.WaitGroup{}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, env.pipeline.ExecuteBatch(ctx, ops[0].BatchUUID))
		}()
	}
	wg.Wait()
	require.NoError(t, env.pipeline.ExecuteBatches(ctx, []string{"unknown", ops[0].BatchUUID}))

	env.pipeline.locksMutex.Lock()
	defer env.pipeline.locksMutex.Unlock()
	require.Empty(t, env.pipeline.locks)
}

func breaker0() breaker.Settings {
	return breaker.Settings{Threshold: 10, Window: time.Minute}
}
