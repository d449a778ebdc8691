package mapping

import (
	"context"
	"testing"

	log "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/model"
	"github.com/flant/negentropy/provisioning/script"
)

func testEngine() *Engine {
	return NewEngine(script.NewEngine(0, log.NewNullLogger()), nil, log.NewNullLogger())
}

func testEntity() *model.Entity {
	return &model.Entity{
		UUID: "e1",
		Kind: model.EntityKindIdentity,
		Properties: map[string]interface{}{
			"login":   "jdoe",
			"name":    map[string]interface{}{"first": "John", "last": "Doe"},
			"emails":  []interface{}{"j@example.com", "jd@example.com"},
			"manager": nil,
		},
		ExtendedAttributes: map[string]interface{}{"employee_number": float64(100)},
	}
}

func testMapping() *model.SystemMapping {
	return &model.SystemMapping{
		UUID:       "m1",
		SystemUUID: "s1",
		EntityKind: model.EntityKindIdentity,
		Attributes: []*model.AttributeMapping{
			{Name: "uid", EntityProperty: "login", UID: true},
			{Name: "cn", EntityProperty: "name", Script: `return value.first .. " " .. value.last`},
			{Name: "mail", EntityProperty: "emails", Multivalued: true},
			{Name: "employeeNumber", ExtendedAttribute: "employee_number"},
			{Name: "manager", EntityProperty: "manager"},
			{Name: "title", EntityProperty: "login", Disabled: true},
		},
	}
}

func Test_Compute(t *testing.T) {
	res, err := testEngine().Compute(context.Background(), testEntity(), testMapping(), nil)

	require.NoError(t, err)
	require.Equal(t, "jdoe", res.UID)
	require.Equal(t, "jdoe", res.Attributes["uid"].Value)
	require.Equal(t, "John Doe", res.Attributes["cn"].Value)
	require.Equal(t, []interface{}{"j@example.com", "jd@example.com"}, res.Attributes["mail"].Value)
	require.Equal(t, float64(100), res.Attributes["employeeNumber"].Value)
	require.NotContains(t, res.Attributes, "manager", "null value is omitted")
	require.NotContains(t, res.Attributes, "title", "disabled attribute is omitted")
	require.Contains(t, res.Omitted, "title")
}

func Test_ComputeNestedPath(t *testing.T) {
	m := testMapping()
	m.Attributes = append(m.Attributes, &model.AttributeMapping{Name: "sn", EntityProperty: "name.last"})

	res, err := testEngine().Compute(context.Background(), testEntity(), m, nil)

	require.NoError(t, err)
	require.Equal(t, "Doe", res.Attributes["sn"].Value)
}

func Test_PrecedenceWinnerTakesAll(t *testing.T) {
	low := &model.RoleSystemMapping{UUID: "rsm-a", Overrides: []*model.AttributeMappingOverride{
		{Attribute: "cn", Script: `return "low"`, Precedence: 1},
		{Attribute: "employeeNumber", Disabled: true, Precedence: 1},
	}}
	high := &model.RoleSystemMapping{UUID: "rsm-b", Overrides: []*model.AttributeMappingOverride{
		{Attribute: "cn", EntityProperty: "login", Script: `return "high:" .. value`, Precedence: 10},
	}}

	for _, order := range [][]*model.RoleSystemMapping{{low, high}, {high, low}} {
		res, err := testEngine().Compute(context.Background(), testEntity(), testMapping(), order)

		require.NoError(t, err)
		require.Equal(t, "high:jdoe", res.Attributes["cn"].Value)
		require.Equal(t, "rsm-b", res.Attributes["cn"].Source)
		require.NotContains(t, res.Attributes, "employeeNumber")
	}
}

func Test_PolicyTieBreak(t *testing.T) {
	attr := &model.AttributeMapping{Name: "cn"}
	a := Candidate{Mapping: attr, Override: &model.AttributeMappingOverride{Precedence: 5}, RoleSystemMappingUUID: "b"}
	b := Candidate{Mapping: attr, Override: &model.AttributeMappingOverride{Precedence: 5}, RoleSystemMappingUUID: "a"}
	base := Candidate{Mapping: attr}

	require.Equal(t, "a", ByPrecedence{}.Winner([]Candidate{base, a, b}).RoleSystemMappingUUID)
	require.Equal(t, "a", ByPrecedence{}.Winner([]Candidate{b, a, base}).RoleSystemMappingUUID)
	require.Equal(t, "mapping", ByPrecedence{}.Winner([]Candidate{base}).Source())
}

func Test_OverrideEnablesDisabledAttribute(t *testing.T) {
	rsm := &model.RoleSystemMapping{UUID: "rsm", Overrides: []*model.AttributeMappingOverride{{Attribute: "title", Script: `return "admin"`}}}

	res, err := testEngine().Compute(context.Background(), testEntity(), testMapping(), []*model.RoleSystemMapping{rsm})

	require.NoError(t, err)
	require.Equal(t, "admin", res.Attributes["title"].Value)
}

func Test_PasswordMustBeGuarded(t *testing.T) {
	m := testMapping()
	m.Attributes = append(m.Attributes, &model.AttributeMapping{Name: "password", Password: true, Script: `return "plain"`})

	_, err := testEngine().Compute(context.Background(), testEntity(), m, nil)

	var tErr *model.TransformationError
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, "password", tErr.Attribute)
	require.Equal(t, `return "plain"`, tErr.Script)

	m.Attributes[len(m.Attributes)-1].Script = `return guarded("s3cr3t")`
	res, err := testEngine().Compute(context.Background(), testEntity(), m, nil)
	require.NoError(t, err)
	require.Equal(t, model.NewGuardedString("s3cr3t"), res.Attributes["password"].Value)
	require.True(t, res.Attributes["password"].Confidential)
}

func Test_ConfidentialOverride(t *testing.T) {
	rsm := &model.RoleSystemMapping{UUID: "rsm", Overrides: []*model.AttributeMappingOverride{{Attribute: "employeeNumber", Confidential: true}}}

	res, err := testEngine().Compute(context.Background(), testEntity(), testMapping(), []*model.RoleSystemMapping{rsm})

	require.NoError(t, err)
	require.True(t, res.Attributes["employeeNumber"].Confidential)
	require.Equal(t, float64(100), res.Attributes["employeeNumber"].Value, "inherits base source")
}

func Test_MappingContext(t *testing.T) {
	m := testMapping()
	m.ContextScript = `local c = newContext(); c.domain = "example.com"; return c`
	m.Attributes = append(m.Attributes, &model.AttributeMapping{Name: "upn", EntityProperty: "login", Script: `return value .. "@" .. context.domain`})

	res, err := testEngine().Compute(context.Background(), testEntity(), m, nil)

	require.NoError(t, err)
	require.Equal(t, "jdoe@example.com", res.Attributes["upn"].Value)

	m.ContextScript = `return {domain = "example.com"}`
	_, err = testEngine().Compute(context.Background(), testEntity(), m, nil)
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func Test_ComputeUIDPerRole(t *testing.T) {
	admin := &model.RoleSystemMapping{UUID: "rsm-admin", Overrides: []*model.AttributeMappingOverride{
		{Attribute: "uid", Script: `return "adm_" .. value`},
	}}

	base, err := testEngine().ComputeUID(context.Background(), testEntity(), testMapping(), nil)
	require.NoError(t, err)
	adm, err := testEngine().ComputeUID(context.Background(), testEntity(), testMapping(), admin)
	require.NoError(t, err)

	require.Equal(t, "jdoe", base)
	require.Equal(t, "adm_jdoe", adm)
}

func Test_UIDValidation(t *testing.T) {
	m := testMapping()
	m.Attributes[0].EntityProperty = "absent"
	_, err := testEngine().Compute(context.Background(), testEntity(), m, nil)
	var tErr *model.TransformationError
	require.ErrorAs(t, err, &tErr)

	m.Attributes[0].UID = false
	_, err = testEngine().ComputeUID(context.Background(), testEntity(), m, nil)
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)
}
