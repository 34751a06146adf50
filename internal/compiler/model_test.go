package compiler

import (
	"context"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/data"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
)

const shopModel = `
set: People: { type: "Person" }
set: Orders: { key: "OrderId", controller: "orders" }

type: Person: {
	fields: {
		Id:    string
		Name:  string
		Age?:  int
		Score: number | null
		Tags:  [...string]
		Meta:  {...}
		Any:   _
	}
	ignore: ["Meta"]
	actions: ["promote"]
	relation: Orders: { kind: "many", set: "Orders", foreign_key: "PersonId" }
	relation: Friends: { kind: "remote", set: "People" }
}

type: Orders: {
	relation: Person: { kind: "one", set: "People", foreign_key: "PersonId", remote: true }
}
`

func compileString(t *testing.T, src string) *Model {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	m, err := CompileModel(v)
	require.NoError(t, err)
	return m
}

func TestCompileModelBasic(t *testing.T) {
	m := compileString(t, shopModel)

	assert.Equal(t, []string{"Orders", "People"}, m.SetNames())
	people, ok := m.Set("People")
	require.True(t, ok)
	assert.Equal(t, "Person", people.DefaultType)
	assert.Empty(t, people.KeyField)

	orders, ok := m.Set("Orders")
	require.True(t, ok)
	assert.Equal(t, "OrderId", orders.KeyField)
	assert.Equal(t, "orders", orders.Controller)

	person, ok := m.Type("Person")
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"Id": "string", "Name": "string", "Age": "int", "Score": "number",
		"Tags": "array", "Meta": "object", "Any": "any",
	}, person.Fields)
	assert.Equal(t, []string{"Meta"}, person.Ignore)
	assert.Equal(t, []string{"promote"}, person.Actions)
	require.Len(t, person.Relations, 2)
	assert.Equal(t, "Orders", person.Relations[0].Property)
	assert.Equal(t, "many", person.Relations[0].Kind)
	assert.Equal(t, "PersonId", person.Relations[0].ForeignKey)

	ord, ok := m.Type("Orders")
	require.True(t, ok)
	assert.True(t, ord.Relations[0].EnsureRemote)
	assert.Empty(t, Validate(m))
}

func TestCompileModelEmpty(t *testing.T) {
	v := cuecontext.New().CompileString(`other: 1`)
	_, err := CompileModel(v)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "set", ce.Field)
}

func TestCompileModelMissingRelationKind(t *testing.T) {
	v := cuecontext.New().CompileString(`
		set: People: {}
		type: People: relation: Friends: { set: "People" }
	`)
	_, err := CompileModel(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation.Friends.kind")
	assert.Contains(t, err.Error(), "required")
}

func TestCompileModelWrongShape(t *testing.T) {
	v := cuecontext.New().CompileString(`
		set: People: { key: 42 }
	`)
	_, err := CompileModel(v)
	assert.Error(t, err)
}

func TestCompileModelRejectsNullOnlyField(t *testing.T) {
	v := cuecontext.New().CompileString(`
		set: People: {}
		type: People: fields: { Gone: null }
	`)
	_, err := CompileModel(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported field kind")
}

func TestTypeConfiguration(t *testing.T) {
	m := compileString(t, shopModel)
	person, _ := m.Type("Person")

	cfg, err := person.Configuration()
	require.NoError(t, err)
	assert.Equal(t, "Person", cfg.Type)
	rel, ok := cfg.Relation("Orders")
	require.True(t, ok)
	assert.Equal(t, mapping.Many, rel.Kind)
	assert.Equal(t, "Orders", rel.Controller)
	assert.True(t, cfg.HasAction("promote"))
	assert.False(t, cfg.Mapped("Meta", "Id"))
	require.NotNil(t, cfg.Factory)

	bad := TypeSpec{Name: "X", Relations: []RelationSpec{{Property: "Y", Kind: "some"}}}
	_, err = bad.Configuration()
	assert.Error(t, err)
}

func TestInstallIntoContext(t *testing.T) {
	m := compileString(t, shopModel)
	dc := data.NewContext(nil, nil, data.WithBuffered(true))
	defer dc.Close()
	require.NoError(t, m.Install(dc))

	assert.Equal(t, []string{"Orders", "Person"}, dc.Registry().Types())
	people, err := dc.Set("People")
	require.NoError(t, err)
	assert.Equal(t, "Person", people.DefaultType())
	orders, err := dc.Set("Orders")
	require.NoError(t, err)
	assert.Equal(t, "OrderId", orders.KeyField())
	assert.Equal(t, "orders", orders.Controller())

	ctx := context.Background()
	_, err = people.AttachOrUpdate(ctx, payload.Object{"Id": "p1", "Age": "old"}, false)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Age", fe.Field)

	e, err := people.AttachOrUpdate(ctx, payload.Object{"Id": "p1", "Name": "Ann", "Age": 30}, false)
	require.NoError(t, err)
	assert.Equal(t, "Ann", e.Get("Name"))

	assert.Error(t, m.Install(dc), "installing twice is a duplicate")
}
