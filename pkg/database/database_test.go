package database

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/nimbusdb/pkg/txn"
	"github.com/cuemby/nimbusdb/pkg/view"
	"github.com/stretchr/testify/require"
)

func TestQueryWithDocsJoinsEntriesAndDocuments(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()
	db, err := st.CreateDatabase(ctx, "shop", "widgets-v1")
	require.NoError(t, err)

	_, err = db.ApplyTransaction(ctx, []txn.Operation{
		{Kind: txn.OpInsert, Collection: "widgets", Contents: []byte("cog")},
		{Kind: txn.OpInsert, Collection: "widgets", Contents: []byte("bolt")},
	})
	require.NoError(t, err)

	joined, err := db.QueryWithDocs(ctx, "widgets.by-name", view.None(), view.UpdateBefore)
	require.NoError(t, err)
	require.Len(t, joined, 2)
	names := map[string]bool{}
	for _, j := range joined {
		names[string(j.Document.Contents)] = true
	}
	require.True(t, names["cog"])
	require.True(t, names["bolt"])
}

func TestQueryWithDocsDropsDeletedDocument(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()
	db, err := st.CreateDatabase(ctx, "shop", "widgets-v1")
	require.NoError(t, err)

	result, err := db.ApplyTransaction(ctx, []txn.Operation{
		{Kind: txn.OpInsert, Collection: "widgets", Contents: []byte("cog")},
	})
	require.NoError(t, err)
	require.NoError(t, db.view.UpdateIfNeeded(ctx, db.name, "widgets.by-name"))

	header := result.Changes[0].Header
	_, err = db.ApplyTransaction(ctx, []txn.Operation{
		{Kind: txn.OpDelete, Collection: "widgets", Header: header},
	})
	require.NoError(t, err)

	joined, err := db.QueryWithDocs(ctx, "widgets.by-name", view.None(), view.UpdateBefore)
	require.NoError(t, err)
	require.Empty(t, joined)
}

func TestPubSubChangeNotificationsPublishOnWrite(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()
	db, err := st.CreateDatabase(ctx, "shop", "widgets-v1")
	require.NoError(t, err)

	sub := db.CreateSubscriber()
	require.NoError(t, db.SubscribeTo(sub, []byte("_changes")))

	_, err = db.ApplyTransaction(ctx, []txn.Operation{
		{Kind: txn.OpInsert, Collection: "widgets", Contents: []byte("cog")},
	})
	require.NoError(t, err)

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := db.Receive(recvCtx, sub)
	require.NoError(t, err)
	require.NotEmpty(t, msg.Payload)
}

func TestDatabaseWithPermissionsCopiesHandle(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()
	db, err := st.CreateDatabase(ctx, "shop", "widgets-v1")
	require.NoError(t, err)

	restricted := db.WithPermissions(denyAll{})
	require.NotSame(t, db, restricted)
	require.Equal(t, db.name, restricted.name)
}

type denyAll struct{}

func (denyAll) CanDecrypt(string) bool { return false }
