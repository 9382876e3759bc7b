package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/schema"
	"github.com/kestrel-db/kestrel/internal/scoring"
	"github.com/kestrel-db/kestrel/pkg/clock"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
	"github.com/kestrel-db/kestrel/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageType() schema.TypeConfig {
	return schema.TypeConfig{
		Name: "Message",
		Properties: []schema.PropertyConfig{
			{Name: "body", DataType: schema.DataTypeString, Cardinality: schema.CardinalityOptional, TermMatch: schema.TermMatchPrefix, Tokenizer: schema.TokenizerPlain},
		},
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(1000)
	opts := Options{
		BaseDir: t.TempDir(),
		Clock:   fc,
		FS:      vfs.OS{},
	}
	c := New(opts)
	res := c.Initialize(context.Background())
	require.True(t, res.Status.Ok(), res.Status.Error())
	return c, fc
}

func mustSetSchema(t *testing.T, c *Coordinator, types ...schema.TypeConfig) {
	t.Helper()
	res := c.SetSchema(schema.Schema{Types: types}, false)
	require.True(t, res.Status.Ok(), res.Status.Error())
}

func stringDoc(ns, uri, schemaType, body string) docstore.Document {
	return docstore.Document{
		Namespace:  ns,
		Uri:        uri,
		SchemaType: schemaType,
		Properties: map[string]docstore.PropertyValue{
			"body": {Strings: []string{body}},
		},
	}
}

// Scenario 1: PREFIX match on an indexed string property.
func TestSearchPrefixMatchesOneDocument(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())

	put := c.Put(stringDoc("ns", "u1", "Message", "message body"))
	require.True(t, put.Status.Ok(), put.Status.Error())

	res := c.Search(context.Background(),
		SearchSpec{Query: "mess", TermMatchType: Prefix},
		ScoringSpec{},
		ResultSpec{NumPerPage: 10},
	)
	require.True(t, res.Status.Ok())
	require.Len(t, res.Results, 1)
	assert.Equal(t, "u1", res.Results[0].Document.Uri)
}

// Scenario 2: rank by DOCUMENT_SCORE descending.
func TestSearchRanksByDocumentScoreDescending(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())

	doc2 := stringDoc("ns", "doc2", "Message", "message two")
	doc2.Score = 2
	doc3 := stringDoc("ns", "doc3", "Message", "message three")
	doc3.Score = 3
	doc1 := stringDoc("ns", "doc1", "Message", "message one")
	doc1.Score = 1

	for _, d := range []docstore.Document{doc2, doc3, doc1} {
		require.True(t, c.Put(d).Status.Ok())
	}

	res := c.Search(context.Background(),
		SearchSpec{Query: "m", TermMatchType: Prefix},
		ScoringSpec{RankingStrategy: scoring.DocumentScore, Order: scoring.Descending},
		ResultSpec{NumPerPage: 10},
	)
	require.True(t, res.Status.Ok())
	require.Len(t, res.Results, 3)
	assert.Equal(t, []string{"doc3", "doc2", "doc1"}, []string{
		res.Results[0].Document.Uri, res.Results[1].Document.Uri, res.Results[2].Document.Uri,
	})
}

// Scenario 3: ttl expiry removes a document from search (and Get).
func TestTtlExpiryRemovesDocumentFromSearchAndGet(t *testing.T) {
	c, fc := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())

	doc := stringDoc("ns", "u1", "Message", "message body")
	doc.CreationTimestampMs = 100
	doc.TtlMs = 500
	fc.Set(100)
	require.True(t, c.Put(doc).Status.Ok())

	fc.Set(700)

	res := c.Search(context.Background(), SearchSpec{Query: "message", TermMatchType: Prefix}, ScoringSpec{}, ResultSpec{NumPerPage: 10})
	require.True(t, res.Status.Ok())
	assert.Empty(t, res.Results)

	get := c.Get("ns", "u1")
	assert.Equal(t, kerrors.NotFound, get.Status.Code)
}

// Scenario 4: Put, Delete, Get NOT_FOUND; Optimize; reopen; still gone.
func TestDeleteThenOptimizeThenReopenStaysDeleted(t *testing.T) {
	base := t.TempDir()
	fc := clock.NewFake(1000)
	opts := Options{BaseDir: base, Clock: fc, FS: vfs.OS{}}

	c := New(opts)
	require.True(t, c.Initialize(context.Background()).Status.Ok())
	mustSetSchema(t, c, messageType())

	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "message body")).Status.Ok())
	require.True(t, c.Put(stringDoc("ns", "u2", "Message", "message body two")).Status.Ok())
	require.True(t, c.Delete("ns", "u1").Ok())

	get := c.Get("ns", "u1")
	assert.Equal(t, kerrors.NotFound, get.Status.Code)

	optRes := c.Optimize()
	require.True(t, optRes.Status.Ok(), optRes.Status.Error())

	require.NoError(t, c.Close())

	c2 := New(opts)
	initRes := c2.Initialize(context.Background())
	require.True(t, initRes.Status.Ok(), initRes.Status.Error())

	get2 := c2.Get("ns", "u1")
	assert.Equal(t, kerrors.NotFound, get2.Status.Code)
	get3 := c2.Get("ns", "u2")
	assert.True(t, get3.Status.Ok())
}

// Scenario 5: paging through 5 documents at page size 2.
func TestSearchPaging(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	for i := 0; i < 5; i++ {
		uri := string(rune('a' + i))
		require.True(t, c.Put(stringDoc("ns", uri, "Message", "message body")).Status.Ok())
	}

	page1 := c.Search(context.Background(), SearchSpec{Query: "message", TermMatchType: Prefix}, ScoringSpec{}, ResultSpec{NumPerPage: 2})
	require.True(t, page1.Status.Ok())
	require.Len(t, page1.Results, 2)
	require.NotZero(t, page1.NextPageToken)

	page2 := c.GetNextPage(page1.NextPageToken, 2)
	require.Len(t, page2.Results, 2)
	require.NotZero(t, page2.NextPageToken)

	page3 := c.GetNextPage(page2.NextPageToken, 2)
	require.Len(t, page3.Results, 1)
	assert.Zero(t, page3.NextPageToken)

	page4 := c.GetNextPage(page3.NextPageToken, 2)
	assert.Empty(t, page4.Results)
}

// Scenario 6: cyclic nested document types are rejected without state change.
func TestSetSchemaRejectsCyclicNestedTypes(t *testing.T) {
	c, _ := newTestCoordinator(t)

	a := schema.TypeConfig{
		Name: "A",
		Properties: []schema.PropertyConfig{
			{Name: "b", DataType: schema.DataTypeDocument, NestedType: "B", IndexNestedProperties: true},
		},
	}
	b := schema.TypeConfig{
		Name: "B",
		Properties: []schema.PropertyConfig{
			{Name: "a", DataType: schema.DataTypeDocument, NestedType: "A", IndexNestedProperties: true},
		},
	}
	res := c.SetSchema(schema.Schema{Types: []schema.TypeConfig{a, b}}, false)
	assert.Equal(t, kerrors.InvalidArgument, res.Status.Code)

	got, status := c.GetSchema()
	require.True(t, status.Ok())
	assert.Empty(t, got.Types)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())

	doc := stringDoc("ns", "u1", "Message", "hello world")
	put := c.Put(doc)
	require.True(t, put.Status.Ok())

	got := c.Get("ns", "u1")
	require.True(t, got.Status.Ok())
	assert.Equal(t, "hello world", got.Document.Properties["body"].Strings[0])
}

func TestPutWithUnknownSchemaTypeIsNotFoundAndNoStateChange(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())

	res := c.Put(stringDoc("ns", "u1", "Unknown", "hi"))
	assert.Equal(t, kerrors.NotFound, res.Status.Code)

	ns, status := c.GetAllNamespaces()
	require.True(t, status.Ok())
	assert.Empty(t, ns)
}

func TestPutMissingRequiredPropertyIsInvalidArgument(t *testing.T) {
	c, _ := newTestCoordinator(t)
	typ := schema.TypeConfig{
		Name: "Message",
		Properties: []schema.PropertyConfig{
			{Name: "body", DataType: schema.DataTypeString, Cardinality: schema.CardinalityRequired, TermMatch: schema.TermMatchPrefix, Tokenizer: schema.TokenizerPlain},
		},
	}
	mustSetSchema(t, c, typ)

	res := c.Put(docstore.Document{Namespace: "ns", Uri: "u1", SchemaType: "Message"})
	assert.Equal(t, kerrors.InvalidArgument, res.Status.Code)
}

func TestDeleteRemovesDocumentFromSearch(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "message body")).Status.Ok())

	require.True(t, c.Delete("ns", "u1").Ok())

	get := c.Get("ns", "u1")
	assert.Equal(t, kerrors.NotFound, get.Status.Code)

	res := c.Search(context.Background(), SearchSpec{Query: "message", TermMatchType: Prefix}, ScoringSpec{}, ResultSpec{NumPerPage: 10})
	require.True(t, res.Status.Ok())
	assert.Empty(t, res.Results)
}

func TestGetAllNamespacesReflectsOnlyLiveDocuments(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("a", "u1", "Message", "x")).Status.Ok())
	require.True(t, c.Put(stringDoc("b", "u2", "Message", "y")).Status.Ok())
	require.True(t, c.Delete("a", "u1").Ok())

	ns, status := c.GetAllNamespaces()
	require.True(t, status.Ok())
	assert.Equal(t, []string{"b"}, ns)
}

// After Optimize, a previously issued page token returns empty.
func TestOptimizeInvalidatesPriorPageTokens(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	for i := 0; i < 3; i++ {
		uri := string(rune('a' + i))
		require.True(t, c.Put(stringDoc("ns", uri, "Message", "message body")).Status.Ok())
	}

	page1 := c.Search(context.Background(), SearchSpec{Query: "message", TermMatchType: Prefix}, ScoringSpec{}, ResultSpec{NumPerPage: 1})
	require.True(t, page1.Status.Ok())
	require.NotZero(t, page1.NextPageToken)

	require.True(t, c.Optimize().Status.Ok())

	page2 := c.GetNextPage(page1.NextPageToken, 1)
	assert.Empty(t, page2.Results)

	for i := 0; i < 3; i++ {
		uri := string(rune('a' + i))
		got := c.Get("ns", uri)
		assert.True(t, got.Status.Ok())
	}
}

// A swap failure that leaves the original documents directory in place is
// ABORTED, not quarantined, and every pre-Optimize document is still
// reachable afterward.
func TestOptimizeSwapFailureAbortsWithStateIntact(t *testing.T) {
	base := t.TempDir()
	fault := vfs.NewFaultFS(vfs.OS{})
	fc := clock.NewFake(1000)
	c := New(Options{BaseDir: base, Clock: fc, FS: fault})
	require.True(t, c.Initialize(context.Background()).Status.Ok())
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "hello world")).Status.Ok())
	require.True(t, c.Put(stringDoc("ns", "u2", "Message", "another message")).Status.Ok())

	fault.FailNext("swap", documentsDirOf(base), errors.New("injected swap failure"))
	res := c.Optimize()
	assert.Equal(t, kerrors.Aborted, res.Status.Code)
	assert.Equal(t, StateReady, c.state)

	got := c.Get("ns", "u1")
	assert.True(t, got.Status.Ok())
	got2 := c.Get("ns", "u2")
	assert.True(t, got2.Status.Ok())

	// The engine is still usable: a retried Optimize with no fault pending
	// succeeds normally.
	res2 := c.Optimize()
	assert.True(t, res2.Status.Ok(), res2.Status.Error())
}

// A failure swapping the compacted term index into place after the
// document store swap already succeeded never quarantines: the document
// swap is ground truth and already safe, and the term index is always
// rebuildable by replay.
func TestOptimizeIndexSwapFailureAfterDocumentSwapDoesNotQuarantine(t *testing.T) {
	base := t.TempDir()
	fault := vfs.NewFaultFS(vfs.OS{})
	fc := clock.NewFake(1000)
	c := New(Options{BaseDir: base, Clock: fc, FS: fault})
	require.True(t, c.Initialize(context.Background()).Status.Ok())
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "hello world")).Status.Ok())

	fault.FailNext("swap", indexDirOf(base), errors.New("injected index swap failure"))
	res := c.Optimize()
	assert.NotEqual(t, kerrors.Internal, res.Status.Code)
	assert.Equal(t, StateReady, c.state)

	got := c.Get("ns", "u1")
	assert.True(t, got.Status.Ok())
}

func TestSetSchemaForceDeletesIncompatibleDocuments(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "hello")).Status.Ok())

	// Removing the type entirely is content-incompatible with live docs.
	res := c.SetSchema(schema.Schema{}, true)
	require.True(t, res.Status.Ok(), res.Status.Error())

	got := c.Get("ns", "u1")
	assert.Equal(t, kerrors.NotFound, got.Status.Code)
}

func TestSetSchemaWithoutForceRejectsWhenLiveDocumentsAffected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "hello")).Status.Ok())

	res := c.SetSchema(schema.Schema{}, false)
	assert.Equal(t, kerrors.FailedPrecondition, res.Status.Code)

	got := c.Get("ns", "u1")
	assert.True(t, got.Status.Ok())
}

// Tightening "body" from optional to required is accepted without force
// when every live Message document already has a body.
func TestSetSchemaAcceptsTighteningWhenLiveDocumentsAlreadySatisfyIt(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "hello")).Status.Ok())

	required := messageType()
	required.Properties[0].Cardinality = schema.CardinalityRequired
	res := c.SetSchema(schema.Schema{Types: []schema.TypeConfig{required}}, false)
	assert.True(t, res.Status.Ok(), res.Status.Error())
	assert.Empty(t, res.IncompatibleTypes)

	got := c.Get("ns", "u1")
	assert.True(t, got.Status.Ok())
}

// Tightening "body" from optional to required is rejected without force
// when a live Message document has no body to begin with.
func TestSetSchemaRejectsTighteningWhenALiveDocumentLacksTheField(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	bodyless := docstore.Document{Namespace: "ns", Uri: "u1", SchemaType: "Message"}
	require.True(t, c.Put(bodyless).Status.Ok())

	required := messageType()
	required.Properties[0].Cardinality = schema.CardinalityRequired
	res := c.SetSchema(schema.Schema{Types: []schema.TypeConfig{required}}, false)
	assert.Equal(t, kerrors.FailedPrecondition, res.Status.Code)
	assert.Contains(t, res.IncompatibleTypes, "Message")

	// Retrying with force deletes the offending document.
	res = c.SetSchema(schema.Schema{Types: []schema.TypeConfig{required}}, true)
	assert.True(t, res.Status.Ok(), res.Status.Error())
	got := c.Get("ns", "u1")
	assert.Equal(t, kerrors.NotFound, got.Status.Code)
}

func TestInitializeTwiceWithoutResetFails(t *testing.T) {
	c, _ := newTestCoordinator(t)
	res := c.Initialize(context.Background())
	assert.Equal(t, kerrors.FailedPrecondition, res.Status.Code)
}

func TestOperationsBeforeInitializeFailPrecondition(t *testing.T) {
	c := New(Options{BaseDir: t.TempDir(), FS: vfs.OS{}})
	res := c.Put(stringDoc("ns", "u1", "Message", "hi"))
	assert.Equal(t, kerrors.FailedPrecondition, res.Status.Code)
}

func TestResetReturnsToUninitialized(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "hi")).Status.Ok())

	require.True(t, c.Reset().Ok())
	assert.Equal(t, StateUninitialized, c.State())

	res := c.Initialize(context.Background())
	require.True(t, res.Status.Ok())
	assert.Equal(t, 0, res.DocumentCount)
}

// Term-length truncation is symmetric between index and query.
func TestOverlongTermTruncatesSymmetrically(t *testing.T) {
	opts := Options{BaseDir: t.TempDir(), FS: vfs.OS{}, MaxTokenLength: 8}
	c := New(opts)
	require.True(t, c.Initialize(context.Background()).Status.Ok())
	mustSetSchema(t, c, messageType())

	long := "abcdefghijklmnop"
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", long)).Status.Ok())

	res := c.Search(context.Background(), SearchSpec{Query: long, TermMatchType: Prefix}, ScoringSpec{}, ResultSpec{NumPerPage: 10})
	require.True(t, res.Status.Ok())
	require.Len(t, res.Results, 1)
}

// Recovery: reopening after a simulated index-directory loss still
// reaches READY with every document retrievable, by rebuilding the index
// from the Document Store's live documents.
func TestInitializeRebuildsMissingTermIndex(t *testing.T) {
	base := t.TempDir()
	opts := Options{BaseDir: base, FS: vfs.OS{}}

	c := New(opts)
	require.True(t, c.Initialize(context.Background()).Status.Ok())
	mustSetSchema(t, c, messageType())
	require.True(t, c.Put(stringDoc("ns", "u1", "Message", "message body")).Status.Ok())
	require.True(t, c.PersistToDisk().Ok())
	require.NoError(t, c.Close())

	require.NoError(t, vfs.OS{}.RemoveAll(indexDirOf(base)))

	c2 := New(opts)
	res := c2.Initialize(context.Background())
	require.True(t, res.Status.Ok(), res.Status.Error())
	assert.Equal(t, RecoveryInconsistentWithGroundTruth, res.RecoveryCauses["term_index"])

	search := c2.Search(context.Background(), SearchSpec{Query: "message", TermMatchType: Prefix}, ScoringSpec{}, ResultSpec{NumPerPage: 10})
	require.True(t, search.Status.Ok())
	assert.Len(t, search.Results, 1)
}
