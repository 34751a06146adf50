package query

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/errs"
)

type namedQuery struct {
	name  string
	query *Query
}

func wireCases() []namedQuery {
	return []namedQuery{
		{"full", New().
			Where("Name", OpEq, "O'Brien").
			OrWhere("Age", OpGt, 30).
			AndWhere("Active", OpEq, true).
			Select("Id", "Name").
			Expand("Orders").
			OrderBy("Name").
			OrderByDesc("Age").
			Page(3, 10).
			WithTotal()},
		{"typed", New().
			Where("Id", OpEq, "6ba7b810-9dad-11d1-80b4-00c04fd430c8").
			AndWhere("Created", OpGe, "2024-01-02T03:04:05").
			AndWhere("Parent", OpEq, nil).
			And().WhereTrue("IsActive")},
		{"functions", New().
			WhereFunc("substringof", "Name", OpNone, nil, "bo").
			WhereFunc("tolower", "City", OpEq, "paris").
			Or().WhereFunc("year", "Born", OpEq, 1990).
			Or().WhereFunc("startswith", "Code", OpNone, nil, "A")},
		{"group", New().
			Where("A", OpEq, 1).
			WhereGroup(New().Where("B", OpEq, 2).OrWhere("C", OpEq, 3))},
		{"time", New().
			Where("At", OpLt, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))},
		{"first_page", New().OrderBy("Id").Page(0, 5)},
	}
}

func TestToQueryStringSimpleFilter(t *testing.T) {
	s, err := New().Where("f", OpEq, 1).ToQueryString()
	require.NoError(t, err)
	assert.Equal(t, "$filter=f eq 1", s)
}

func TestToQueryStringEmpty(t *testing.T) {
	s, err := New().ToQueryString()
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestToQueryStringGolden(t *testing.T) {
	var b strings.Builder
	for _, c := range wireCases() {
		s, err := c.query.ToQueryString()
		require.NoError(t, err, c.name)
		fmt.Fprintf(&b, "%s: %s\n", c.name, s)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "query_strings", []byte(b.String()))
}

func TestToQueryStringPagingInvariants(t *testing.T) {
	_, err := New().Page(1, 10).ToQueryString()
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodePagingWithoutOrder))

	_, err = New().OrderBy("Id").Page(2, 0).ToQueryString()
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodePageWithoutSize))
}

func TestParseRoundTrip(t *testing.T) {
	for _, c := range wireCases() {
		t.Run(c.name, func(t *testing.T) {
			want, err := c.query.ToQueryString()
			require.NoError(t, err)

			values, err := c.query.Values()
			require.NoError(t, err)
			parsed, err := Parse(values)
			require.NoError(t, err)
			got, err := parsed.ToQueryString()
			require.NoError(t, err)
			assert.Equal(t, want, got)

			fromString, err := ParseString(want)
			require.NoError(t, err)
			got, err = fromString.ToQueryString()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseEncodedValues(t *testing.T) {
	q := New().Where("Name", OpEq, "a & b").OrderBy("Name").Page(2, 5)
	values, err := q.Values()
	require.NoError(t, err)

	parsed, err := ParseString(values.Encode())
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.PageNum)
	assert.Equal(t, 5, parsed.PageSize)
	require.Len(t, parsed.Clauses, 1)
	assert.Equal(t, "a & b", parsed.Clauses[0].(*Filter).Value)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unterminated string", "$filter=Name eq 'abc"},
		{"unknown function", "$filter=frobnicate(Name)"},
		{"missing paren", "$filter=(A eq 1"},
		{"dangling operator", "$filter=A eq"},
		{"skip without top", "$skip=10"},
		{"skip not multiple", "$skip=3&$top=2&$orderby=Id"},
		{"paging without order", "$top=2"},
		{"bad orderby", "$orderby=Name sideways"},
		{"bad inlinecount", "$inlinecount=some"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.input)
			require.Error(t, err)
			assert.True(t, errs.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", FormatValue(nil))
	assert.Equal(t, "true", FormatValue(true))
	assert.Equal(t, "2.5", FormatValue(2.5))
	assert.Equal(t, "-3", FormatValue(-3))
	assert.Equal(t, "'it''s'", FormatValue("it's"))
	assert.Equal(t, "'12'", FormatValue("12"), "numeric-looking strings stay strings")
	assert.Equal(t, "datetime'2024-01-01'", FormatValue("2024-01-01"))
}
