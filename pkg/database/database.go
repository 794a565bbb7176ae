package database

import (
	"context"
	"fmt"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/document"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/cuemby/nimbusdb/pkg/pubsub"
	"github.com/cuemby/nimbusdb/pkg/schema"
	"github.com/cuemby/nimbusdb/pkg/txn"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/cuemby/nimbusdb/pkg/view"
	"github.com/cuemby/nimbusdb/pkg/viewindex"
	"github.com/fxamacker/cbor/v2"
)

// changesTopic is the reserved user topic every database publishes its
// committed changes to, before database namespacing is applied. Clients
// subscribe to it the same way they subscribe to any other topic.
const changesTopic = "_changes"

// Database is a handle to one created database: its name, schema, and the
// storage resources it borrows from its owning Storage. Handles are cheap
// to copy and share the underlying Storage; WithPermissions returns a copy
// with different effective permissions attached.
type Database struct {
	name    string
	schema  *schema.Schema
	storage *Storage
	perms   vault.Permissions

	txn  *txn.Engine
	view *view.Indexer
}

func (st *Storage) newDatabaseHandle(name string, sch *schema.Schema) *Database {
	db := &Database{
		name:    name,
		schema:  sch,
		storage: st,
		perms:   vault.AllowAll{},
	}
	db.view = view.New(st.kv, sch, st.vault, st.defaultEncryptionKeyID, st.dispatcher, name)
	db.txn = txn.New(st.kv, sch, st.vault, st.defaultEncryptionKeyID, name, db.view, changeNotifier{db})
	return db
}

// WithPermissions returns a copy of db whose decrypt calls are gated by
// perms instead of db's current permissions, for the remainder of that
// copy's lifetime.
func (db *Database) WithPermissions(perms vault.Permissions) *Database {
	cp := *db
	cp.perms = perms
	return &cp
}

// Name returns the database's name.
func (db *Database) Name() string { return db.name }

// Get fetches one document by id from collection.
func (db *Database) Get(ctx context.Context, collection string, id uint64) (document.Document, error) {
	if _, ok := db.schema.Collection(collection); !ok {
		return document.Document{}, dberr.New("database.Get", dberr.KindCollectionNotFound, fmt.Errorf("collection %q not registered", collection))
	}

	var doc document.Document
	var found bool
	err := db.storage.kv.View(ctx, []string{kv.CollectionTree(db.name, collection)}, func(ktxn kv.Txn) error {
		tree, err := ktxn.Tree(kv.CollectionTree(db.name, collection))
		if err != nil {
			return err
		}
		raw, ok, err := tree.Get(document.IDKey(id))
		if err != nil {
			return dberr.New("database.Get", dberr.KindStorage, err)
		}
		if !ok {
			return nil
		}
		decoded, err := document.Deserialize(db.storage.vault, db.perms, raw)
		if err != nil {
			return err
		}
		doc, found = decoded, true
		return nil
	})
	if err != nil {
		return document.Document{}, err
	}
	if !found {
		return document.Document{}, dberr.New("database.Get", dberr.KindDocumentNotFound, fmt.Errorf("document %d not found in %q", id, collection))
	}
	return doc, nil
}

// GetMultiple fetches the documents at ids from collection, in the given
// order; ids with no matching document are omitted from the result.
func (db *Database) GetMultiple(ctx context.Context, collection string, ids []uint64) ([]document.Document, error) {
	if _, ok := db.schema.Collection(collection); !ok {
		return nil, dberr.New("database.GetMultiple", dberr.KindCollectionNotFound, fmt.Errorf("collection %q not registered", collection))
	}

	out := make([]document.Document, 0, len(ids))
	err := db.storage.kv.View(ctx, []string{kv.CollectionTree(db.name, collection)}, func(ktxn kv.Txn) error {
		tree, err := ktxn.Tree(kv.CollectionTree(db.name, collection))
		if err != nil {
			return err
		}
		for _, id := range ids {
			raw, ok, err := tree.Get(document.IDKey(id))
			if err != nil {
				return dberr.New("database.GetMultiple", dberr.KindStorage, err)
			}
			if !ok {
				continue
			}
			doc, err := document.Deserialize(db.storage.vault, db.perms, raw)
			if err != nil {
				return err
			}
			out = append(out, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyTransaction runs ops atomically against db.
func (db *Database) ApplyTransaction(ctx context.Context, ops []txn.Operation) (txn.Result, error) {
	return db.txn.Execute(ctx, db.name, ops)
}

// ListExecutedTransactions reads db's transaction log starting at
// startingID, up to resultLimit entries (clamped to [1, MaxResultLimit]; 0
// selects DefaultResultLimit).
func (db *Database) ListExecutedTransactions(ctx context.Context, startingID uint64, resultLimit int) ([]txn.ExecutedTransaction, error) {
	switch {
	case resultLimit <= 0:
		resultLimit = DefaultResultLimit
	case resultLimit > MaxResultLimit:
		resultLimit = MaxResultLimit
	}
	return txn.ListExecutedTransactions(ctx, db.storage.kv, db.name, startingID, resultLimit)
}

// LastTransactionID returns db's most recently committed transaction id.
func (db *Database) LastTransactionID(ctx context.Context) (uint64, bool, error) {
	return txn.LastTransactionID(ctx, db.storage.kv, db.name)
}

// Query returns the entries of viewName selected by sel.
func (db *Database) Query(ctx context.Context, viewName string, sel view.KeySelector, policy view.AccessPolicy) ([]viewindex.Entry, error) {
	return db.view.Query(ctx, db.name, viewName, sel, policy, db.perms)
}

// Reduce folds viewName's reduce function over the entries selected by sel.
func (db *Database) Reduce(ctx context.Context, viewName string, sel view.KeySelector, policy view.AccessPolicy, grouped bool) ([]viewindex.Entry, error) {
	return db.view.Reduce(ctx, db.name, viewName, sel, policy, grouped, db.perms)
}

// DocumentEntry pairs one view entry with its source document, as returned
// by QueryWithDocs.
type DocumentEntry struct {
	Entry    viewindex.Entry
	Document document.Document
}

// QueryWithDocs combines Query with GetMultiple: it looks up viewName's
// entries and fetches the source document of every mapping of each entry,
// returning one DocumentEntry per mapping in entry and mapping order and
// dropping mappings whose source document was deleted between the view
// scan and the document fetch.
func (db *Database) QueryWithDocs(ctx context.Context, viewName string, sel view.KeySelector, policy view.AccessPolicy) ([]DocumentEntry, error) {
	v, ok := db.schema.View(viewName)
	if !ok {
		return nil, dberr.New("database.QueryWithDocs", dberr.KindViewNotFound, fmt.Errorf("view %q not registered", viewName))
	}

	entries, err := db.Query(ctx, viewName, sel, policy)
	if err != nil {
		return nil, err
	}

	out := make([]DocumentEntry, 0, len(entries))
	err = db.storage.kv.View(ctx, []string{kv.CollectionTree(db.name, v.Collection)}, func(ktxn kv.Txn) error {
		tree, err := ktxn.Tree(kv.CollectionTree(db.name, v.Collection))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			for _, mapping := range entry.Mappings {
				raw, ok, err := tree.Get(document.IDKey(mapping.Source))
				if err != nil {
					return dberr.New("database.QueryWithDocs", dberr.KindStorage, err)
				}
				if !ok {
					continue
				}
				doc, err := document.Deserialize(db.storage.vault, db.perms, raw)
				if err != nil {
					return err
				}
				out = append(out, DocumentEntry{Entry: entry, Document: doc})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// namespacedTopic prefixes topic with db's name the way spec §4.G's
// database-namespaced topics require: `database || 0x00 || user_topic`.
func (db *Database) namespacedTopic(topic []byte) []byte {
	out := make([]byte, 0, len(db.name)+1+len(topic))
	out = append(out, db.name...)
	out = append(out, 0)
	out = append(out, topic...)
	return out
}

// CreateSubscriber registers a new pub/sub subscriber for db's process and
// returns its id.
func (db *Database) CreateSubscriber() uint64 {
	return db.storage.relay.CreateSubscriber()
}

// SubscribeTo subscribes id to topic, namespaced to db.
func (db *Database) SubscribeTo(id uint64, topic []byte) error {
	return db.storage.relay.Subscribe(id, db.namespacedTopic(topic))
}

// UnsubscribeFrom removes id's subscription to topic.
func (db *Database) UnsubscribeFrom(id uint64, topic []byte) error {
	return db.storage.relay.Unsubscribe(id, db.namespacedTopic(topic))
}

// Publish delivers payload to every subscriber of topic within db.
func (db *Database) Publish(topic, payload []byte) {
	db.storage.relay.Publish(db.namespacedTopic(topic), payload)
}

// Receive blocks until id receives a message, ctx is done, or id is
// unregistered.
func (db *Database) Receive(ctx context.Context, id uint64) (pubsub.Message, error) {
	return db.storage.relay.Receive(ctx, id)
}

// UnregisterSubscriber drops id and its queue.
func (db *Database) UnregisterSubscriber(id uint64) {
	db.storage.relay.Unregister(id)
}

// changeNotifier adapts a *Database to txn.ChangeNotifier, publishing every
// committed change on db's reserved "_changes" topic so subscribers can
// observe writes without polling a view.
type changeNotifier struct {
	db *Database
}

func (c changeNotifier) PublishChanges(database string, changes []txn.Change) {
	for _, change := range changes {
		payload, err := cbor.Marshal(change)
		if err != nil {
			continue
		}
		c.db.Publish([]byte(changesTopic), payload)
	}
}
