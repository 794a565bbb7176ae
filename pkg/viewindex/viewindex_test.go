package viewindex

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

func byNameView(t *testing.T, unique bool) schema.ViewDescriptor {
	t.Helper()
	s := schema.New()
	require.NoError(t, s.AddCollection(schema.CollectionSpec{Name: "people"}))
	require.NoError(t, schema.AddView(s, schema.ViewSpec[string, uint64]{
		Name:       "people.by-name",
		Collection: "people",
		KeyCodec:   schema.StringKeyCodec{},
		Map: func(doc document.Document) ([]schema.Emit[string, uint64], error) {
			return []schema.Emit[string, uint64]{{Key: string(doc.Contents), Value: doc.Header.ID}}, nil
		},
		Unique: unique,
	}))
	view, _ := s.View("people.by-name")
	return view
}

func withTrees(t *testing.T, fn func(entries, docMap, omitted kv.TreeTxn)) {
	t.Helper()
	engine := kv.NewMem()
	defer engine.Close()

	names := []string{"entries", "docmap", "omitted"}
	err := engine.Update(context.Background(), names, func(ktxn kv.Txn) error {
		entries, err := ktxn.Tree("entries")
		require.NoError(t, err)
		docMap, err := ktxn.Tree("docmap")
		require.NoError(t, err)
		omitted, err := ktxn.Tree("omitted")
		require.NoError(t, err)
		fn(entries, docMap, omitted)
		return nil
	})
	require.NoError(t, err)
}

func TestMapInsertCreatesEntry(t *testing.T) {
	view := byNameView(t, true)
	v := vault.NewLocalKeyring()
	withTrees(t, func(entries, docMap, omitted kv.TreeTxn) {
		doc := document.Document{Header: document.Header{ID: 1}, Contents: []byte("alice")}
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &doc))

		entry, ok, err := LoadEntry(entries, []byte("alice"), v, vault.AllowAll{})
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, entry.Mappings, 1)
		require.Equal(t, uint64(1), entry.Mappings[0].Source)
	})
}

func TestMapUniqueViolation(t *testing.T) {
	view := byNameView(t, true)
	v := vault.NewLocalKeyring()
	withTrees(t, func(entries, docMap, omitted kv.TreeTxn) {
		doc1 := document.Document{Header: document.Header{ID: 1}, Contents: []byte("alice")}
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &doc1))

		doc2 := document.Document{Header: document.Header{ID: 2}, Contents: []byte("alice")}
		err := Map(entries, docMap, omitted, v, "", view, 2, &doc2)
		kind, ok := dberr.KindOf(err)
		require.True(t, ok)
		require.Equal(t, dberr.KindUniqueKeyViolation, kind)
	})
}

func TestMapKeyChangeMovesMapping(t *testing.T) {
	view := byNameView(t, true)
	v := vault.NewLocalKeyring()
	withTrees(t, func(entries, docMap, omitted kv.TreeTxn) {
		doc := document.Document{Header: document.Header{ID: 1}, Contents: []byte("alice")}
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &doc))

		renamed := document.Document{Header: document.Header{ID: 1}, Contents: []byte("alicia")}
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &renamed))

		_, ok, err := LoadEntry(entries, []byte("alice"), v, vault.AllowAll{})
		require.NoError(t, err)
		require.False(t, ok)

		entry, ok, err := LoadEntry(entries, []byte("alicia"), v, vault.AllowAll{})
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, entry.Mappings, 1)
	})
}

func TestMapDeleteRemovesLastMapping(t *testing.T) {
	view := byNameView(t, true)
	v := vault.NewLocalKeyring()
	withTrees(t, func(entries, docMap, omitted kv.TreeTxn) {
		doc := document.Document{Header: document.Header{ID: 1}, Contents: []byte("alice")}
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &doc))

		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, nil))

		_, ok, err := LoadEntry(entries, []byte("alice"), v, vault.AllowAll{})
		require.NoError(t, err)
		require.False(t, ok)

		idKey := document.IDKey(1)
		_, ok, err = omitted.Get(idKey)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestMapIsIdempotent(t *testing.T) {
	view := byNameView(t, false)
	v := vault.NewLocalKeyring()
	withTrees(t, func(entries, docMap, omitted kv.TreeTxn) {
		doc := document.Document{Header: document.Header{ID: 1}, Contents: []byte("alice")}
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &doc))
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &doc))

		entry, ok, err := LoadEntry(entries, []byte("alice"), v, vault.AllowAll{})
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, entry.Mappings, 1)
	})
}

func TestMapWithReduceRecomputesReducedValue(t *testing.T) {
	s := schema.New()
	require.NoError(t, s.AddCollection(schema.CollectionSpec{Name: "events"}))
	require.NoError(t, schema.AddView(s, schema.ViewSpec[string, uint64]{
		Name:       "events.count-by-type",
		Collection: "events",
		KeyCodec:   schema.StringKeyCodec{},
		Map: func(doc document.Document) ([]schema.Emit[string, uint64], error) {
			return []schema.Emit[string, uint64]{{Key: string(doc.Contents), Value: 1}}, nil
		},
		Reduce: func(values []uint64, rereduce bool) (uint64, error) {
			var sum uint64
			for _, v := range values {
				sum += v
			}
			return sum, nil
		},
	}))
	view, _ := s.View("events.count-by-type")
	v := vault.NewLocalKeyring()

	withTrees(t, func(entries, docMap, omitted kv.TreeTxn) {
		d1 := document.Document{Header: document.Header{ID: 1}, Contents: []byte("click")}
		d2 := document.Document{Header: document.Header{ID: 2}, Contents: []byte("click")}
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 1, &d1))
		require.NoError(t, Map(entries, docMap, omitted, v, "", view, 2, &d2))

		entry, ok, err := LoadEntry(entries, []byte("click"), v, vault.AllowAll{})
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEmpty(t, entry.ReducedValue)
	})
}
