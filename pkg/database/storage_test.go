package database

import (
	"context"
	"testing"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/document"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/cuemby/nimbusdb/pkg/schema"
	"github.com/cuemby/nimbusdb/pkg/txn"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New()
	require.NoError(t, s.AddCollection(schema.CollectionSpec{Name: "widgets"}))
	require.NoError(t, schema.AddView(s, schema.ViewSpec[string, uint64]{
		Name:       "widgets.by-name",
		Collection: "widgets",
		KeyCodec:   schema.StringKeyCodec{},
		Map: func(doc document.Document) ([]schema.Emit[string, uint64], error) {
			return []schema.Emit[string, uint64]{{Key: string(doc.Contents), Value: doc.Header.ID}}, nil
		},
		Unique: false,
	}))
	return s
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := Open(Options{
		KV:      kv.NewMem(),
		Schemas: map[string]*schema.Schema{"widgets-v1": testSchema(t)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateDatabaseRejectsInvalidName(t *testing.T) {
	st := newTestStorage(t)
	_, err := st.CreateDatabase(context.Background(), "_bad", "widgets-v1")
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindInvalidDatabaseName, kind)
}

func TestCreateDatabaseUnregisteredSchema(t *testing.T) {
	st := newTestStorage(t)
	_, err := st.CreateDatabase(context.Background(), "shop", "missing-schema")
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindSchemaNotRegistered, kind)
}

func TestCreateDatabaseThenListAndOpen(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	db, err := st.CreateDatabase(ctx, "shop", "widgets-v1")
	require.NoError(t, err)
	require.Equal(t, "shop", db.Name())

	names, err := st.ListDatabases(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"shop"}, names)

	_, err = st.CreateDatabase(ctx, "SHOP", "widgets-v1")
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindDatabaseNameTaken, kind)

	reopened, err := st.OpenDatabase(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, db, reopened)
}

func TestDeleteDatabaseRemovesFromCatalog(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()
	_, err := st.CreateDatabase(ctx, "shop", "widgets-v1")
	require.NoError(t, err)

	require.NoError(t, st.DeleteDatabase(ctx, "shop"))
	names, err := st.ListDatabases(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	err = st.DeleteDatabase(ctx, "shop")
	kind, ok := dberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindDatabaseNotFound, kind)
}

func TestListAvailableSchemas(t *testing.T) {
	st := newTestStorage(t)
	require.Equal(t, []string{"widgets-v1"}, st.ListAvailableSchemas())
}

func TestApplyTransactionAndGet(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()
	db, err := st.CreateDatabase(ctx, "shop", "widgets-v1")
	require.NoError(t, err)

	result, err := db.ApplyTransaction(ctx, []txn.Operation{
		{Kind: txn.OpInsert, Collection: "widgets", Contents: []byte("gear")},
	})
	require.NoError(t, err)
	require.Len(t, result.Changes, 1)
	id := result.Changes[0].ID

	doc, err := db.Get(ctx, "widgets", id)
	require.NoError(t, err)
	require.Equal(t, []byte("gear"), doc.Contents)

	last, ok, err := db.LastTransactionID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result.TransactionID, last)
}
