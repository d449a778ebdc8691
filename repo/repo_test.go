package repo

import (
	"testing"

	log "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/model"
)

func testStore(t *testing.T) *io.MemoryStore {
	schema, err := GetSchema()
	require.NoError(t, err)
	store, err := io.NewMemoryStore(schema, log.NewNullLogger())
	require.NoError(t, err)
	return store
}

func Test_AccountUIDIsUniquePerSystem(t *testing.T) {
	txn := testStore(t).Txn(true)
	require.NoError(t, NewSystemRepository(txn).Save(&model.System{UUID: "s1", Name: "ldap"}))
	accounts := NewAccountRepository(txn)
	require.NoError(t, accounts.Save(&model.Account{UUID: "a1", SystemUUID: "s1", UID: "jdoe"}))

	err := accounts.Save(&model.Account{UUID: "a2", SystemUUID: "s1", UID: "jdoe"})
	require.Error(t, err)

	found, err := accounts.GetBySystemUID("s1", "jdoe")
	require.NoError(t, err)
	require.Equal(t, "a1", found.UUID)

	_, err = accounts.GetBySystemUID("s1", "nobody")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func Test_AccountWithLinksCantBeDeleted(t *testing.T) {
	txn := testStore(t).Txn(true)
	require.NoError(t, NewSystemRepository(txn).Save(&model.System{UUID: "s1", Name: "ldap"}))
	require.NoError(t, NewEntityRepository(txn).Save(&model.Entity{UUID: "e1", Kind: model.EntityKindIdentity}))
	account := &model.Account{UUID: "a1", SystemUUID: "s1", UID: "jdoe"}
	require.NoError(t, NewAccountRepository(txn).Save(account))
	link := &model.EntityAccountLink{UUID: "l1", EntityUUID: "e1", AccountUUID: "a1", SystemUUID: "s1", Ownership: true}
	links := NewEntityAccountLinkRepository(txn)
	require.NoError(t, links.Save(link))

	require.Error(t, NewAccountRepository(txn).Delete(account))

	count, err := links.CountOwnership("a1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, links.Delete(link))
	require.NoError(t, NewAccountRepository(txn).Delete(account))
}

func Test_LinkWithoutSourceAssignment(t *testing.T) {
	txn := testStore(t).Txn(true)
	require.NoError(t, NewSystemRepository(txn).Save(&model.System{UUID: "s1", Name: "ldap"}))
	require.NoError(t, NewEntityRepository(txn).Save(&model.Entity{UUID: "e1", Kind: model.EntityKindIdentity}))
	require.NoError(t, NewAccountRepository(txn).Save(&model.Account{UUID: "a1", SystemUUID: "s1", UID: "jdoe"}))
	links := NewEntityAccountLinkRepository(txn)
	require.NoError(t, links.Save(&model.EntityAccountLink{UUID: "l1", EntityUUID: "e1", AccountUUID: "a1", SystemUUID: "s1"}))
	require.NoError(t, links.Save(&model.EntityAccountLink{
		UUID: "l2", EntityUUID: "e1", AccountUUID: "a1", SystemUUID: "s1", SourceAssignmentUUID: "as1",
	}))

	byEntity, err := links.ListByEntity("e1")
	require.NoError(t, err)
	require.Len(t, byEntity, 2)
	byAssignment, err := links.ListByAssignment("as1")
	require.NoError(t, err)
	require.Len(t, byAssignment, 1)
	require.Equal(t, "l2", byAssignment[0].UUID)
}

func Test_FindAllSubRolesWithCycle(t *testing.T) {
	txn := testStore(t).Txn(true)
	roles := NewRoleRepository(txn)
	require.NoError(t, roles.Save(&model.Role{UUID: "r1", SubRoles: []string{"r2"}}))
	require.NoError(t, roles.Save(&model.Role{UUID: "r2", SubRoles: []string{"r3", "absent"}}))
	require.NoError(t, roles.Save(&model.Role{UUID: "r3", SubRoles: []string{"r1"}}))

	all, err := roles.FindAllSubRoles("r1")

	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"r1": {}, "r2": {}, "r3": {}, "absent": {}}, all)
}

func Test_AssignmentsIndexedBySourceTarget(t *testing.T) {
	txn := testStore(t).Txn(true)
	require.NoError(t, NewEntityRepository(txn).Save(&model.Entity{UUID: "e1"}))
	assignments := NewEntitlementAssignmentRepository(txn)
	require.NoError(t, assignments.Save(&model.EntitlementAssignment{
		UUID: "as1", EntityUUID: "e1",
		Source: &model.IdentityRole{Grant: model.Target{RoleUUID: "r1"}},
	}))
	require.NoError(t, assignments.Save(&model.EntitlementAssignment{
		UUID: "as2", EntityUUID: "e1",
		Source: &model.ContractRole{Grant: model.Target{RoleSystemMappingUUID: "rsm1"}},
	}))

	byRole, err := assignments.ListByRole("r1")
	require.NoError(t, err)
	require.Len(t, byRole, 1)
	byRSM, err := assignments.ListByRoleSystemMapping("rsm1")
	require.NoError(t, err)
	require.Len(t, byRSM, 1)
	require.Equal(t, "as2", byRSM[0].UUID)
	all, err := assignments.ListByEntity("e1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func Test_SystemMappingPerKind(t *testing.T) {
	txn := testStore(t).Txn(true)
	require.NoError(t, NewSystemRepository(txn).Save(&model.System{UUID: "s1", Name: "ldap"}))
	mappings := NewSystemMappingRepository(txn)
	uid := []*model.AttributeMapping{{Name: "uid", EntityProperty: "login", UID: true}}
	require.NoError(t, mappings.Save(&model.SystemMapping{UUID: "m1", SystemUUID: "s1", EntityKind: model.EntityKindIdentity, Attributes: uid}))

	err := mappings.Save(&model.SystemMapping{UUID: "m2", SystemUUID: "s1", EntityKind: model.EntityKindIdentity, Attributes: uid})
	require.Error(t, err)
	err = mappings.Save(&model.SystemMapping{UUID: "m3", SystemUUID: "s1", EntityKind: model.EntityKindRole})
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)

	found, err := mappings.GetBySystemAndKind("s1", model.EntityKindIdentity)
	require.NoError(t, err)
	require.Equal(t, "m1", found.UUID)
}
