package usecase

import (
	"context"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/flant/negentropy/provisioning/acm"
	"github.com/flant/negentropy/provisioning/archive"
	"github.com/flant/negentropy/provisioning/breaker"
	"github.com/flant/negentropy/provisioning/clock"
	"github.com/flant/negentropy/provisioning/connector"
	"github.com/flant/negentropy/provisioning/fixtures"
	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/mapping"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/provisioning"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/script"
	"github.com/flant/negentropy/provisioning/secret"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const assignmentUUID1 = "00000000-0000-4000-d000-000000000001"

type testEnv struct {
	core    *Core
	store   *io.MemoryStore
	clock   *clock.MockClock
	conns   map[string]*connector.MockConnector
	archive *archive.MemoryStore
	breaker *breaker.Breaker
}

func newTestEnv(catalog *model.Catalog) (*testEnv, error) {
	logger := log.NewNullLogger()
	schema, err := repo.GetSchema()
	if err != nil {
		return nil, err
	}
	store, err := io.NewMemoryStore(schema, logger)
	if err != nil {
		return nil, err
	}
	clk, mockClock := clock.NewMockedClock(baseTime)
	registry := connector.NewRegistry()
	conns := map[string]*connector.MockConnector{}
	for _, s := range catalog.Systems {
		conns[s.UUID] = connector.NewMockConnector()
		registry.Register(s.UUID, conns[s.UUID])
	}
	scripts := script.NewEngine(0, logger)
	engine := mapping.NewEngine(scripts, nil, logger)
	secrets := secret.NewMemoryStore()
	builder := provisioning.NewBuilder(engine, registry, secrets, clk, logger).
		WithPasswordGenerator(func() (string, error) { return "generated", nil })
	brk := breaker.NewBreaker(breaker.Settings{Threshold: 10, Window: time.Minute}, logger)
	arch := archive.NewMemoryStore()
	pipeline := provisioning.NewPipeline(store, builder, registry, secrets, brk, arch,
		provisioning.RetryPolicy{InitialInterval: time.Second}, clk, logger)
	resolver := acm.NewResolver(engine, scripts, pipeline, clk, logger)

	core := NewCore(Components{
		Store:    store,
		Resolver: resolver,
		Hooker:   acm.NewHooker(resolver, logger),
		Pipeline: pipeline,
		Breaker:  brk,
		Archive:  arch,
		Scripts:  scripts,
		Clock:    clk,
	}, logger)
	ctx := context.Background()
	if err = core.SaveCatalog(ctx, catalog); err != nil {
		return nil, err
	}
	for _, e := range fixtures.Identities() {
		if err = core.EntityChanged(ctx, e); err != nil {
			return nil, err
		}
	}
	return &testEnv{
		core:    core,
		store:   store,
		clock:   mockClock,
		conns:   conns,
		archive: arch,
		breaker: brk,
	}, nil
}

func grant(assignmentUUID, roleUUID string) *model.EntitlementEvent {
	return &model.EntitlementEvent{
		Action:         model.ActionUpsert,
		EntityKind:     model.EntityKindIdentity,
		EntityUUID:     fixtures.IdentityUUID1,
		AssignmentUUID: assignmentUUID,
		RoleUUID:       roleUUID,
	}
}

func revoke(assignmentUUID string) *model.EntitlementEvent {
	return &model.EntitlementEvent{
		Action:         model.ActionDelete,
		EntityKind:     model.EntityKindIdentity,
		EntityUUID:     fixtures.IdentityUUID1,
		AssignmentUUID: assignmentUUID,
	}
}

func (e *testEnv) archived(filter archive.Filter) ([]*model.ArchiveRecord, error) {
	return e.archive.Query(context.Background(), filter)
}

func (e *testEnv) accountUIDs(systemUUID string) []string {
	txn := e.store.Txn(false)
	defer txn.Abort()
	accounts, _ := repo.NewAccountRepository(txn).ListBySystem(systemUUID)
	res := []string{}
	for _, a := range accounts {
		res = append(res, a.UID)
	}
	return res
}

func operationTypes(recs []*model.ArchiveRecord) []model.OperationType {
	res := []model.OperationType{}
	for _, r := range recs {
		res = append(res, r.OperationType)
	}
	return res
}
