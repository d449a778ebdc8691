package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/fixtures"
	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/secret"
)

func testAccount(systemUUID string) *model.Account {
	return &model.Account{
		UUID:       "account-1",
		SystemUUID: systemUUID,
		EntityKind: model.EntityKindIdentity,
		EntityUUID: fixtures.IdentityUUID1,
		UID:        fixtures.Login1,
	}
}

func createRequest(systemUUID, mappingUUID string) BuildRequest {
	system := &model.System{UUID: systemUUID}
	for _, s := range fixtures.Systems() {
		if s.UUID == systemUUID {
			system = s
		}
	}
	return BuildRequest{
		Type:    model.OperationCreate,
		System:  system,
		Account: testAccount(systemUUID),
		Entity:  fixtures.Identity(fixtures.IdentityUUID1, fixtures.Login1, "John Doe"),
		Mapping: fixtures.IdentityMapping(mappingUUID, systemUUID),
	}
}

func Test_ProvisionCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker0())
	req := createRequest(fixtures.SystemUUID1, fixtures.SystemMappingUUID1)

	txn := env.store.Txn(true)
	op, err := env.pipeline.Provision(ctx, txn, req)
	require.NoError(t, err)
	require.Equal(t, 0, env.secrets.Len(), "secrets are stored on commit")
	require.NoError(t, txn.Commit())

	require.Equal(t, model.StateCreated, op.State)
	require.Equal(t, fixtures.Login1, op.UID)
	require.Equal(t, fixtures.Login1, op.Attributes["uid"])
	require.Equal(t, "John Doe", op.Attributes["cn"])
	require.Equal(t, []interface{}{"jdoe@example.com"}, op.Attributes["mail"])
	require.Equal(t, model.SecretRef{Key: secret.Key(op.UUID, "password")}, op.Attributes["password"])
	require.Equal(t, 1, env.secrets.Len())

	require.NoError(t, env.pipeline.ExecuteBatch(ctx, op.BatchUUID))
	obj, ok := env.conn.Object(fixtures.Login1)
	require.True(t, ok)
	require.Equal(t, "generated", obj["password"].(model.GuardedString).Reveal(), "secret resolved at execution")
	require.Equal(t, 0, env.secrets.Len(), "secret purged at terminal state")

	recs := env.archived(t, fixtures.Login1)
	require.Len(t, recs, 1)
	require.Equal(t, model.SecretRef{Key: secret.Key(op.UUID, "password")}, recs[0].Attributes["password"])
}

func Test_BuildUpdateDiffsWithTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker0())
	req := createRequest(fixtures.SystemUUID1, fixtures.SystemMappingUUID1)
	req.Type = model.OperationUpdate
	env.conn.SetObject(fixtures.Login1, map[string]interface{}{
		"uid":  fixtures.Login1,
		"cn":   "John Doe",
		"mail": []interface{}{"old@example.com"},
	})

	op, err := env.pipeline.Builder().Build(ctx, req)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"mail": []interface{}{"jdoe@example.com"}}, op.Attributes)

	env.conn.SetObject(fixtures.Login1, map[string]interface{}{
		"uid":  fixtures.Login1,
		"cn":   "John Doe",
		"mail": []interface{}{"jdoe@example.com"},
	})
	op, err = env.pipeline.Builder().Build(ctx, req)
	require.NoError(t, err)
	require.Nil(t, op, "nothing to change")
}

func Test_ProvisionAbortedStoresNoSecrets(t *testing.T) {
	env := newTestEnv(t, breaker0())
	req := createRequest(fixtures.SystemUUID1, fixtures.SystemMappingUUID1)

	txn := env.store.Txn(true)
	_, err := env.pipeline.Provision(context.Background(), txn, req)
	require.NoError(t, err)
	txn.Abort()

	require.Equal(t, 0, env.secrets.Len())
}

func Test_BuildUpdateUsesBaseline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker0())
	env.conn.SetObject(fixtures.Login1, map[string]interface{}{
		"uid":      fixtures.Login1,
		"cn":       "John Doe",
		"mail":     []interface{}{"jdoe@example.com"},
		"password": "secret",
	})
	req := createRequest(fixtures.SystemUUID1, fixtures.SystemMappingUUID1)
	req.Type = model.OperationUpdate

	baseline := env.pipeline.Builder().ReadBaseline(ctx, req.Mapping, req.Account)
	require.Equal(t, map[string]interface{}{
		"cn":   "John Doe",
		"mail": []interface{}{"jdoe@example.com"},
	}, baseline)

	env.conn.SetObject(fixtures.Login1, map[string]interface{}{"uid": fixtures.Login1})
	req.Baseline = baseline
	op, err := env.pipeline.Builder().Build(ctx, req)
	require.NoError(t, err)
	require.Nil(t, op, "baseline is used instead of the target")

	req.Baseline = map[string]interface{}{"cn": "John Doe"}
	op, err = env.pipeline.Builder().Build(ctx, req)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"mail": []interface{}{"jdoe@example.com"}}, op.Attributes)
}

func Test_BuildUpdateOfUnknownTargetObject(t *testing.T) {
	env := newTestEnv(t, breaker0())
	req := createRequest(fixtures.SystemUUID1, fixtures.SystemMappingUUID1)
	req.Type = model.OperationUpdate

	op, err := env.pipeline.Builder().Build(context.Background(), req)
	require.NoError(t, err)
	require.Contains(t, op.Attributes, "cn")
	require.Contains(t, op.Attributes, "mail")
	require.NotContains(t, op.Attributes, "password", "password goes only with explicit change")
}

func Test_BuildPasswordChange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker0())
	pwd := model.NewGuardedString("n3w")
	req := createRequest(fixtures.SystemUUID1, fixtures.SystemMappingUUID1)
	req.Type = model.OperationUpdate
	req.PasswordChange = &pwd
	req.PasswordOnly = true

	op, err := env.pipeline.Builder().Build(ctx, req)
	require.NoError(t, err)
	require.Len(t, op.Attributes, 1)
	ref := op.Attributes["password"].(model.SecretRef)
	stored, err := env.secrets.Get(ctx, ref.Key)
	require.NoError(t, err)
	require.Equal(t, "n3w", stored.Reveal())

	req.Account.InProtection = true
	op, err = env.pipeline.Builder().Build(ctx, req)
	require.NoError(t, err)
	require.Nil(t, op, "protected account keeps its password")
}

func Test_BuildDelete(t *testing.T) {
	env := newTestEnv(t, breaker0())
	req := BuildRequest{
		Type:    model.OperationDelete,
		System:  fixtures.Systems()[0],
		Account: testAccount(fixtures.SystemUUID1),
	}
	op, err := env.pipeline.Builder().Build(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.OperationDelete, op.Type)
	require.Empty(t, op.Attributes)
}

// password script returns plain string, whole operation is rejected
func Test_ProvisionPlainPasswordIsAtomicFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker0())
	req := createRequest(fixtures.SystemUUID1, fixtures.SystemMappingUUID1)
	req.Mapping.Attributes[3] = &model.AttributeMapping{Name: "password", Password: true, Script: `return "plain"`}

	op, err := env.pipeline.Builder().Build(ctx, req)
	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	require.Nil(t, op)
	var tErr *model.TransformationError
	require.ErrorAs(t, err, &tErr)

	txn := env.store.Txn(true)
	op, err = env.pipeline.Provision(ctx, txn, req)
	require.NoError(t, err)
	require.Equal(t, model.StateException, op.State)
	require.Empty(t, env.archived(t, fixtures.Login1), "archived only after commit")
	require.NoError(t, txn.Commit())

	recs := env.archived(t, fixtures.Login1)
	require.Len(t, recs, 1)
	require.Equal(t, model.StateException, recs[0].State)
	require.Equal(t, model.ErrorKindTransformation, recs[0].Result.Kind)
	require.Equal(t, "password", recs[0].Result.Attribute)
	require.Empty(t, recs[0].Attributes, "no partial attribute application")

	read := env.store.Txn(false)
	defer read.Abort()
	_, err = repo.NewProvisioningBatchRepository(read).GetBySystemUID(fixtures.SystemUUID1, fixtures.Login1)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.Empty(t, env.conn.Calls())
	require.Equal(t, 0, env.secrets.Len())
}

func Test_ProvisionReadOnlySystem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, breaker0())
	req := createRequest(fixtures.SystemUUID3, fixtures.SystemMappingUUID3)

	txn := env.store.Txn(true)
	op, err := env.pipeline.Provision(ctx, txn, req)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.Equal(t, model.StateNotExecuted, op.State)
	recs := env.archived(t, fixtures.Login1)
	require.Len(t, recs, 1)
	require.Equal(t, model.StateNotExecuted, recs[0].State)
	require.Equal(t, model.OperationCreate, recs[0].OperationType)
	require.Empty(t, env.conn.Calls())
	require.Equal(t, 0, env.secrets.Len())
}
