package txn

import (
	"context"
	"testing"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/document"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/cuemby/nimbusdb/pkg/schema"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, configureSchema func(*schema.Schema)) (*Engine, kv.Engine) {
	t.Helper()
	s := schema.New()
	require.NoError(t, s.AddCollection(schema.CollectionSpec{Name: "c"}))
	if configureSchema != nil {
		configureSchema(s)
	}
	kvEngine := kv.NewMem()
	v := vault.NewLocalKeyring()
	return New(kvEngine, s, v, nil, "testdb", nil, nil), kvEngine
}

func TestExecuteEmptyIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	result, err := e.Execute(context.Background(), "testdb", nil)
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
}

// Scenario 1: open empty DB, insert, get by id 1 -> revision generation 1.
func TestInsertAssignsIDAndRevision(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	result, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte(`{"name":"a"}`)},
	})
	require.NoError(t, err)
	require.Len(t, result.Changes, 1)
	require.Equal(t, uint64(1), result.Changes[0].ID)
	require.Equal(t, uint32(1), result.Changes[0].Header.Revision.Generation)
}

// Scenario 2: update with identical contents keeps the same revision.
func TestUpdateWithUnchangedContentsKeepsRevision(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	insertResult, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("v1")},
	})
	require.NoError(t, err)
	header := insertResult.Changes[0].Header

	updateResult, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpUpdate, Collection: "c", Contents: []byte("v1"), Header: header},
	})
	require.NoError(t, err)
	require.Equal(t, header.Revision, updateResult.Changes[0].Header.Revision)
}

func TestUpdateWithChangedContentsAdvancesRevision(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	insertResult, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("v1")},
	})
	require.NoError(t, err)
	header := insertResult.Changes[0].Header

	updateResult, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpUpdate, Collection: "c", Contents: []byte("v2"), Header: header},
	})
	require.NoError(t, err)
	require.Equal(t, header.Revision.Generation+1, updateResult.Changes[0].Header.Revision.Generation)
}

func TestUpdateConflictOnStaleRevision(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	insertResult, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("v1")},
	})
	require.NoError(t, err)
	stale := insertResult.Changes[0].Header

	_, err = e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpUpdate, Collection: "c", Contents: []byte("v2"), Header: stale},
	})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpUpdate, Collection: "c", Contents: []byte("v3"), Header: stale},
	})
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindDocumentConflict, kind)
}

func TestUpdateNotFound(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpUpdate, Collection: "c", Contents: []byte("v1"), Header: document.Header{ID: 99}},
	})
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindDocumentNotFound, kind)
}

func TestUnknownCollectionRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "missing", Contents: []byte("x")},
	})
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindCollectionNotFound, kind)
}

func uniqueByContentsSchema(s *schema.Schema) {
	if err := schema.AddView(s, schema.ViewSpec[string, uint64]{
		Name:       "c.by-contents",
		Collection: "c",
		KeyCodec:   schema.StringKeyCodec{},
		Map: func(doc document.Document) ([]schema.Emit[string, uint64], error) {
			return []schema.Emit[string, uint64]{{Key: string(doc.Contents), Value: doc.Header.ID}}, nil
		},
		Unique: true,
	}); err != nil {
		panic(err)
	}
}

// Scenario 3: two docs with distinct keys in a unique view.
func TestUniqueViewDistinctKeys(t *testing.T) {
	e, kvEngine := newTestEngine(t, uniqueByContentsSchema)
	result, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("x")},
		{Kind: OpInsert, Collection: "c", Contents: []byte("y")},
	})
	require.NoError(t, err)
	require.Len(t, result.Changes, 2)

	err = kvEngine.View(context.Background(), []string{kv.ViewEntriesTree("testdb", "c.by-contents")}, func(ktxn kv.Txn) error {
		entries, err := ktxn.Tree(kv.ViewEntriesTree("testdb", "c.by-contents"))
		require.NoError(t, err)
		val, ok, err := entries.Get([]byte("x"))
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEmpty(t, val)
		return nil
	})
	require.NoError(t, err)
}

// Scenario 4: two docs mapping to the same key in a unique view abort the
// whole transaction with UniqueKeyViolation; neither doc exists afterwards.
func TestUniqueViewViolationAbortsWholeTransaction(t *testing.T) {
	e, kvEngine := newTestEngine(t, uniqueByContentsSchema)
	_, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("z")},
		{Kind: OpInsert, Collection: "c", Contents: []byte("z")},
	})
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindUniqueKeyViolation, kind)

	err = kvEngine.View(context.Background(), []string{kv.CollectionTree("testdb", "c"), kv.TransactionsTree("testdb")}, func(ktxn kv.Txn) error {
		collTree, err := ktxn.Tree(kv.CollectionTree("testdb", "c"))
		require.NoError(t, err)
		count := 0
		require.NoError(t, collTree.ForEach(func(k, v []byte) error { count++; return nil }))
		require.Equal(t, 0, count)

		logTree, err := ktxn.Tree(kv.TransactionsTree("testdb"))
		require.NoError(t, err)
		count = 0
		require.NoError(t, logTree.ForEach(func(k, v []byte) error { count++; return nil }))
		require.Equal(t, 0, count)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteRemovesDocumentAndMapping(t *testing.T) {
	e, kvEngine := newTestEngine(t, uniqueByContentsSchema)
	insertResult, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("gone")},
	})
	require.NoError(t, err)
	header := insertResult.Changes[0].Header

	_, err = e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpDelete, Collection: "c", Header: header},
	})
	require.NoError(t, err)

	err = kvEngine.View(context.Background(), []string{kv.CollectionTree("testdb", "c"), kv.ViewEntriesTree("testdb", "c.by-contents")}, func(ktxn kv.Txn) error {
		collTree, err := ktxn.Tree(kv.CollectionTree("testdb", "c"))
		require.NoError(t, err)
		_, ok, err := collTree.Get(document.IDKey(header.ID))
		require.NoError(t, err)
		require.False(t, ok)

		entries, err := ktxn.Tree(kv.ViewEntriesTree("testdb", "c.by-contents"))
		require.NoError(t, err)
		_, ok, err = entries.Get([]byte("gone"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestNonUniqueViewSeedsInvalidated(t *testing.T) {
	e, kvEngine := newTestEngine(t, func(s *schema.Schema) {
		require.NoError(t, schema.AddView(s, schema.ViewSpec[string, uint64]{
			Name:       "c.lazy",
			Collection: "c",
			KeyCodec:   schema.StringKeyCodec{},
			Map: func(doc document.Document) ([]schema.Emit[string, uint64], error) {
				return []schema.Emit[string, uint64]{{Key: string(doc.Contents), Value: doc.Header.ID}}, nil
			},
			Unique: false,
		}))
	})

	result, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("p")},
	})
	require.NoError(t, err)
	id := result.Changes[0].ID

	err = kvEngine.View(context.Background(), []string{kv.ViewInvalidatedTree("testdb", "c.lazy")}, func(ktxn kv.Txn) error {
		invalidated, err := ktxn.Tree(kv.ViewInvalidatedTree("testdb", "c.lazy"))
		require.NoError(t, err)
		_, ok, err := invalidated.Get(document.IDKey(id))
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

type recordingNotifier struct {
	notified []string
}

func (r *recordingNotifier) NotifyViewInvalidated(database, view string) {
	r.notified = append(r.notified, database+"/"+view)
}

func TestViewNotifierCalledAfterCommit(t *testing.T) {
	s := schema.New()
	require.NoError(t, s.AddCollection(schema.CollectionSpec{Name: "c"}))
	require.NoError(t, schema.AddView(s, schema.ViewSpec[string, uint64]{
		Name:       "c.lazy",
		Collection: "c",
		KeyCodec:   schema.StringKeyCodec{},
		Map: func(doc document.Document) ([]schema.Emit[string, uint64], error) {
			return []schema.Emit[string, uint64]{{Key: string(doc.Contents), Value: doc.Header.ID}}, nil
		},
		Unique: false,
	}))

	notifier := &recordingNotifier{}
	e := New(kv.NewMem(), s, vault.NewLocalKeyring(), nil, "testdb", notifier, nil)

	_, err := e.Execute(context.Background(), "testdb", []Operation{
		{Kind: OpInsert, Collection: "c", Contents: []byte("p")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"testdb/c.lazy"}, notifier.notified)
}
