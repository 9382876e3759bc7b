package schema

import (
	"testing"

	"github.com/kestrel-db/kestrel/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func osFS() vfs.FS { return vfs.OS{} }

func emailType() TypeConfig {
	return TypeConfig{
		Name: "Email",
		Properties: []PropertyConfig{
			{Name: "subject", DataType: DataTypeString, Cardinality: CardinalityOptional, TermMatch: TermMatchPrefix, Tokenizer: TokenizerPlain},
			{Name: "body", DataType: DataTypeString, Cardinality: CardinalityOptional, TermMatch: TermMatchExact, Tokenizer: TokenizerPlain},
			{Name: "sentMs", DataType: DataTypeInt64, Cardinality: CardinalityRequired},
		},
	}
}

func TestValidateRejectsDuplicateTypeNames(t *testing.T) {
	s := Schema{Types: []TypeConfig{emailType(), emailType()}}
	assert.Error(t, Validate(s))
}

func TestValidateRejectsDuplicateProperties(t *testing.T) {
	t1 := emailType()
	t1.Properties = append(t1.Properties, PropertyConfig{Name: "subject", DataType: DataTypeString})
	assert.Error(t, Validate(Schema{Types: []TypeConfig{t1}}))
}

func TestValidateRejectsCyclicNestedIndexing(t *testing.T) {
	a := TypeConfig{
		Name: "A",
		Properties: []PropertyConfig{
			{Name: "b", DataType: DataTypeDocument, NestedType: "B", IndexNestedProperties: true},
		},
	}
	b := TypeConfig{
		Name: "B",
		Properties: []PropertyConfig{
			{Name: "a", DataType: DataTypeDocument, NestedType: "A", IndexNestedProperties: true},
		},
	}
	assert.Error(t, Validate(Schema{Types: []TypeConfig{a, b}}))
}

func TestValidateAcceptsNonIndexingCycleCandidate(t *testing.T) {
	a := TypeConfig{
		Name: "A",
		Properties: []PropertyConfig{
			{Name: "b", DataType: DataTypeDocument, NestedType: "B", IndexNestedProperties: false},
		},
	}
	b := TypeConfig{
		Name: "B",
		Properties: []PropertyConfig{
			{Name: "a", DataType: DataTypeDocument, NestedType: "A", IndexNestedProperties: true},
		},
	}
	assert.NoError(t, Validate(Schema{Types: []TypeConfig{a, b}}))
}

func TestDiffDetectsDeletedType(t *testing.T) {
	old := Schema{Types: []TypeConfig{emailType()}}
	new := Schema{}
	delta := Diff(old, new)
	assert.Equal(t, []string{"Email"}, delta.DeletedTypeNames)
}

func TestDiffReportsTightenedPropertyAsCandidate(t *testing.T) {
	old := emailType()
	new := emailType()
	for i := range new.Properties {
		if new.Properties[i].Name == "subject" {
			new.Properties[i].Cardinality = CardinalityRequired
		}
	}
	delta := Diff(Schema{Types: []TypeConfig{old}}, Schema{Types: []TypeConfig{new}})
	assert.Equal(t, []string{"subject"}, delta.TightenedProperties["Email"])
}

func TestDiffDetectsIndexIncompatibleTermMatchChange(t *testing.T) {
	old := emailType()
	new := emailType()
	for i := range new.Properties {
		if new.Properties[i].Name == "body" {
			new.Properties[i].TermMatch = TermMatchPrefix
		}
	}
	delta := Diff(Schema{Types: []TypeConfig{old}}, Schema{Types: []TypeConfig{new}})
	assert.Contains(t, delta.IndexIncompatibleTypeNames, "Email")
}

func TestDiffNoChangesIsEmpty(t *testing.T) {
	s := Schema{Types: []TypeConfig{emailType()}}
	delta := Diff(s, s)
	assert.Empty(t, delta.DeletedTypeNames)
	assert.Empty(t, delta.ContentIncompatibleTypeNames)
	assert.Empty(t, delta.IndexIncompatibleTypeNames)
}

func TestStoreSectionIdAssignmentOrderedByPropertyName(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, osFS())
	_, err := store.Set(Schema{Types: []TypeConfig{emailType()}})
	require.NoError(t, err)

	bodyID, ok := store.SectionId("Email", "body")
	require.True(t, ok)
	subjectID, ok := store.SectionId("Email", "subject")
	require.True(t, ok)
	assert.Less(t, bodyID, subjectID, "body < subject alphabetically")
}

func TestStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	fsys := osFS()
	store := New(dir, fsys)
	_, err := store.Set(Schema{Types: []TypeConfig{emailType()}})
	require.NoError(t, err)

	reloaded, err := Load(dir, fsys)
	require.NoError(t, err)
	typ, ok := reloaded.GetType("Email")
	require.True(t, ok)
	assert.Len(t, typ.Properties, 3)
}

func TestLoadEmptyDirReturnsEmptySchema(t *testing.T) {
	dir := t.TempDir()
	store, err := Load(dir, osFS())
	require.NoError(t, err)
	assert.Empty(t, store.Schema().Types)
}
