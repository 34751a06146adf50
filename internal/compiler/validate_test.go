package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codes(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func TestValidateEmptyModel(t *testing.T) {
	errs := Validate(&Model{})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrEmptyModel, errs[0].Code)
	assert.Equal(t, ErrEmptyModel, Validate(nil)[0].Code)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	m := compileString(t, `
		set: People: { type: "Person", key: "PersonId" }
		set: Orders: { type: "Order" }
		type: Person: {
			fields: { Id: string, Name: string, Orders: [...] }
			copy: ["Name", "Nickname"]
			actions: ["promote", "promote"]
			relation: Orders: { kind: "many", set: "Orders" }
			relation: Boss: { kind: "parent", set: "Managers", foreign_key: "BossId" }
		}
	`)

	errs := Validate(m)
	assert.ElementsMatch(t, []string{
		ErrUnknownCopyField,    // Nickname
		ErrDuplicateName,       // promote
		ErrMissingForeignKey,   // Orders
		ErrRelationIsField,     // Orders
		ErrUnknownRelationKind, // parent
		ErrUnknownRelationSet,  // Managers
		ErrKeyNotDeclared,      // PersonId
		ErrUnknownDefaultType,  // Order
	}, codes(errs))

	for _, e := range errs {
		assert.Positive(t, e.Line, "%s carries a line", e.Field)
	}
}

func TestValidateDuplicateSets(t *testing.T) {
	m := &Model{Sets: []SetSpec{{}, {}}}
	m.Sets[0].Name = "People"
	m.Sets[1].Name = "People"
	m.Types = []TypeSpec{{Name: "X"}, {Name: "X"}}

	assert.Equal(t, []string{ErrDuplicateName, ErrDuplicateName}, codes(Validate(m)))
}

func TestValidateInvalidFieldKind(t *testing.T) {
	m := &Model{
		Sets:  []SetSpec{{}},
		Types: []TypeSpec{{Name: "People", Fields: map[string]string{"Id": "string", "At": "date"}}},
	}
	m.Sets[0].Name = "People"

	errs := Validate(m)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrInvalidFieldType, errs[0].Code)
	assert.Equal(t, "type.People.fields.At", errs[0].Field)
	assert.Equal(t, `[E104] type.People.fields.At: invalid type "date" for field "At"`, errs[0].Error())
}
