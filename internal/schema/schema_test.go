package schema

import (
	"testing"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	required = parquet.FieldRepetitionType_REQUIRED
	optional = parquet.FieldRepetitionType_OPTIONAL
	repeated = parquet.FieldRepetitionType_REPEATED
)

func documentSchema(t *testing.T) *Schema {
	t.Helper()

	s, err := New(
		Definition{Name: "id", Type: "INT64", Repetition: required},
		Definition{Name: "links", Repetition: optional, Fields: []Definition{
			{Name: "backward", Type: "INT64", Repetition: repeated},
			{Name: "forward", Type: "INT64", Repetition: repeated},
		}},
		Definition{Name: "name", Repetition: repeated, Fields: []Definition{
			{Name: "language", Repetition: repeated, Fields: []Definition{
				{Name: "code", Type: "UTF8", Repetition: required},
				{Name: "country", Type: "UTF8", Repetition: optional},
			}},
			{Name: "url", Type: "UTF8", Repetition: optional},
		}},
	)
	require.NoError(t, err)
	return s
}

func TestLevels(t *testing.T) {
	s := documentSchema(t)

	cases := map[string][2]int{
		"id":                    {0, 0},
		"links":                 {0, 1},
		"links.backward":        {1, 2},
		"links.forward":         {1, 2},
		"name":                  {1, 1},
		"name.language":         {2, 2},
		"name.language.code":    {2, 2},
		"name.language.country": {2, 3},
		"name.url":              {1, 2},
	}

	for key, want := range cases {
		f := s.Find(key)
		require.NotNil(t, f, key)
		assert.Equal(t, want[0], f.RLevelMax, "rLevelMax of %s", key)
		assert.Equal(t, want[1], f.DLevelMax, "dLevelMax of %s", key)
	}
}

func TestLeavesInColumnOrder(t *testing.T) {
	s := documentSchema(t)

	var keys []string
	for _, f := range s.Leaves() {
		keys = append(keys, f.Key())
	}

	assert.Equal(t, []string{
		"id",
		"links.backward",
		"links.forward",
		"name.language.code",
		"name.language.country",
		"name.url",
	}, keys)
}

func TestBranch(t *testing.T) {
	s := documentSchema(t)

	var names []string
	for _, f := range s.Branch(s.Find("name.language.country")) {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"name", "language", "country"}, names)
}

func TestElementsRoundTrip(t *testing.T) {
	s := documentSchema(t)

	elements := s.Elements()
	require.Len(t, elements, 10)
	assert.Equal(t, int32(3), elements[0].GetNumChildren())

	again, err := FromElements(elements)
	require.NoError(t, err)
	assert.Equal(t, s.Fields, again.Fields)
}

func TestFromElementsErrors(t *testing.T) {
	int64Type := parquet.Type_INT64
	two := int32(2)
	one := int32(1)

	leaf := func(name string) *parquet.SchemaElement {
		el := parquet.NewSchemaElement()
		el.Name = name
		el.Type = &int64Type
		return el
	}
	root := func(n *int32) *parquet.SchemaElement {
		el := parquet.NewSchemaElement()
		el.Name = "root"
		el.NumChildren = n
		return el
	}

	_, err := FromElements(nil)
	assert.Error(t, err)

	// 宣言より子が少ない
	_, err = FromElements([]*parquet.SchemaElement{root(&two), leaf("a")})
	assert.Error(t, err)

	// 宣言より子が多い
	_, err = FromElements([]*parquet.SchemaElement{root(&one), leaf("a"), leaf("b")})
	assert.Error(t, err)

	// 型を持たない葉
	untyped := parquet.NewSchemaElement()
	untyped.Name = "x"
	_, err = FromElements([]*parquet.SchemaElement{root(&one), untyped})
	assert.Error(t, err)
}

func TestMissingRepetitionIsRequired(t *testing.T) {
	int32Type := parquet.Type_INT32
	one := int32(1)

	root := parquet.NewSchemaElement()
	root.Name = "root"
	root.NumChildren = &one

	el := parquet.NewSchemaElement()
	el.Name = "n"
	el.Type = &int32Type

	s, err := FromElements([]*parquet.SchemaElement{root, el})
	require.NoError(t, err)
	assert.True(t, s.Find("n").IsRequired())
	assert.Equal(t, 0, s.Find("n").DLevelMax)
}

func TestNewRejectsBadDefinitions(t *testing.T) {
	_, err := New(Definition{Name: "g", Repetition: optional})
	assert.Error(t, err)

	_, err = New(Definition{Name: "x", Type: "NOPE"})
	assert.Error(t, err)
}
