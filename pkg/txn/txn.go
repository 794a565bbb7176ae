package txn

import (
	"context"
	"fmt"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/document"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/cuemby/nimbusdb/pkg/log"
	"github.com/cuemby/nimbusdb/pkg/metrics"
	"github.com/cuemby/nimbusdb/pkg/schema"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/cuemby/nimbusdb/pkg/viewindex"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

// OpKind identifies which of the three document operations an Operation
// performs.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// Operation is one step of a transaction batch.
type Operation struct {
	Kind       OpKind
	Collection string

	// Contents is the new document body. Ignored for OpDelete.
	Contents []byte

	// EncryptionKeyID overrides the collection/database default for an
	// OpInsert. Ignored for OpUpdate and OpDelete, which reuse the
	// encryption key already recorded on the document's header.
	EncryptionKeyID *string

	// Header identifies the document an OpUpdate or OpDelete targets
	// (ID and the revision the caller last observed). Ignored for OpInsert.
	Header document.Header
}

// Change describes one document's outcome within a committed transaction.
type Change struct {
	Collection string
	ID         uint64
	Header     document.Header
	Deleted    bool
}

// Result is the outcome of a successful Execute call.
type Result struct {
	TransactionID uint64
	Changes       []Change
}

// logRecord is the transaction log's on-disk shape.
type logRecord struct {
	ID      uint64   `cbor:"id"`
	Changes []Change `cbor:"changed_documents"`
}

// ViewNotifier is notified of views whose invalidated set grew, so a
// background dispatcher can wake the corresponding update job. Satisfied by
// pkg/view.Indexer, which submits the job to pkg/dispatcher.
type ViewNotifier interface {
	NotifyViewInvalidated(database, view string)
}

// ChangeNotifier is notified of a transaction's committed changes, so a
// database façade can publish pub/sub change notifications. Satisfied by a
// thin adapter over pkg/pubsub.Relay.
type ChangeNotifier interface {
	PublishChanges(database string, changes []Change)
}

// Engine executes transaction batches against one database's trees.
type Engine struct {
	kv             kv.Engine
	schema         *schema.Schema
	vault          vault.Vault
	databaseKeyID  *string
	viewNotifier   ViewNotifier
	changeNotifier ChangeNotifier
	log            zerolog.Logger
}

// New constructs a transaction Engine. notifier and changeNotifier may be
// nil, in which case post-commit notification is skipped (useful for tests
// exercising the engine in isolation).
func New(kvEngine kv.Engine, sch *schema.Schema, v vault.Vault, databaseKeyID *string, database string, notifier ViewNotifier, changeNotifier ChangeNotifier) *Engine {
	return &Engine{
		kv:             kvEngine,
		schema:         sch,
		vault:          v,
		databaseKeyID:  databaseKeyID,
		viewNotifier:   notifier,
		changeNotifier: changeNotifier,
		log:            log.WithDatabase(database),
	}
}

// Execute applies ops atomically: either every operation commits or none
// does. An empty ops slice is valid and produces an empty Result without
// touching storage.
func (e *Engine) Execute(ctx context.Context, database string, ops []Operation) (Result, error) {
	if len(ops) == 0 {
		return Result{}, nil
	}

	timer := metrics.NewTimer()
	collections := make(map[string]struct{})
	for _, op := range ops {
		if _, ok := e.schema.Collection(op.Collection); !ok {
			metrics.TransactionsTotal.WithLabelValues(database, "error").Inc()
			return Result{}, dberr.New("txn.Execute", dberr.KindCollectionNotFound, fmt.Errorf("collection %q not registered", op.Collection))
		}
		collections[op.Collection] = struct{}{}
	}

	trees := []string{kv.TransactionsTree(database)}
	invalidatedViews := make(map[string]schema.ViewDescriptor)
	for collection := range collections {
		trees = append(trees, kv.CollectionTree(database, collection))
		for _, view := range e.schema.ViewsOf(collection) {
			if view.Unique {
				trees = append(trees,
					kv.ViewEntriesTree(database, view.Name),
					kv.ViewDocumentMapTree(database, view.Name),
					kv.ViewOmittedTree(database, view.Name))
			} else {
				trees = append(trees, kv.ViewInvalidatedTree(database, view.Name))
				invalidatedViews[view.Name] = view
			}
		}
	}

	var result Result
	err := e.kv.Update(ctx, trees, func(ktxn kv.Txn) error {
		changes := make([]Change, 0, len(ops))
		for _, op := range ops {
			change, err := e.applyOp(ktxn, database, op)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}

		for viewName, view := range invalidatedViews {
			touchesCollection := false
			for _, c := range changes {
				if c.Collection == view.Collection {
					touchesCollection = true
					break
				}
			}
			if !touchesCollection {
				continue
			}
			invalidated, err := ktxn.Tree(kv.ViewInvalidatedTree(database, viewName))
			if err != nil {
				return err
			}
			for _, c := range changes {
				if c.Collection != view.Collection {
					continue
				}
				if err := invalidated.Put(document.IDKey(c.ID), []byte{}); err != nil {
					return dberr.New("txn.Execute", dberr.KindStorage, err)
				}
			}
		}

		logTree, err := ktxn.Tree(kv.TransactionsTree(database))
		if err != nil {
			return err
		}
		txID, err := logTree.NextID()
		if err != nil {
			return dberr.New("txn.Execute", dberr.KindStorage, err)
		}
		rec := logRecord{ID: txID, Changes: changes}
		raw, err := cbor.Marshal(rec)
		if err != nil {
			return dberr.New("txn.Execute", dberr.KindSerialization, err)
		}
		if err := logTree.Put(document.IDKey(txID), raw); err != nil {
			return dberr.New("txn.Execute", dberr.KindStorage, err)
		}

		result = Result{TransactionID: txID, Changes: changes}
		return nil
	})

	timer.ObserveDurationVec(metrics.TransactionDuration, database)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues(database, "error").Inc()
		return Result{}, err
	}
	metrics.TransactionsTotal.WithLabelValues(database, "ok").Inc()

	for viewName := range invalidatedViews {
		if e.viewNotifier != nil {
			e.viewNotifier.NotifyViewInvalidated(database, viewName)
		}
	}
	if e.changeNotifier != nil {
		e.changeNotifier.PublishChanges(database, result.Changes)
	}
	return result, nil
}

func (e *Engine) applyOp(ktxn kv.Txn, database string, op Operation) (Change, error) {
	metrics.TransactionOpsTotal.WithLabelValues(database, op.Collection, opKindLabel(op.Kind)).Inc()

	collTree, err := ktxn.Tree(kv.CollectionTree(database, op.Collection))
	if err != nil {
		return Change{}, err
	}
	collDescriptor, _ := e.schema.Collection(op.Collection)

	switch op.Kind {
	case OpInsert:
		return e.applyInsert(ktxn, database, op, collTree, collDescriptor)
	case OpUpdate:
		return e.applyUpdate(ktxn, database, op, collTree)
	case OpDelete:
		return e.applyDelete(ktxn, database, op, collTree)
	default:
		return Change{}, dberr.New("txn.Execute", dberr.KindInvalidArgument, fmt.Errorf("unknown operation kind %d", op.Kind))
	}
}

func (e *Engine) applyInsert(ktxn kv.Txn, database string, op Operation, collTree kv.TreeTxn, coll schema.CollectionDescriptor) (Change, error) {
	id, err := collTree.NextID()
	if err != nil {
		return Change{}, dberr.New("txn.Execute", dberr.KindStorage, err)
	}

	keyID := vault.Resolve(op.EncryptionKeyID, coll.EncryptionKeyID, e.databaseKeyID)
	header := document.Header{ID: id, Revision: document.NewRevision(op.Contents)}
	if keyID != "" {
		header.EncryptionKeyID = &keyID
	}
	doc := document.Document{Header: header, Contents: op.Contents}

	raw, err := document.Serialize(e.vault, keyID, doc)
	if err != nil {
		return Change{}, err
	}
	if err := collTree.Put(document.IDKey(id), raw); err != nil {
		return Change{}, dberr.New("txn.Execute", dberr.KindStorage, err)
	}

	if err := e.runUniquePipeline(ktxn, database, op.Collection, id, &doc); err != nil {
		return Change{}, err
	}
	return Change{Collection: op.Collection, ID: id, Header: header}, nil
}

func (e *Engine) applyUpdate(ktxn kv.Txn, database string, op Operation, collTree kv.TreeTxn) (Change, error) {
	idKey := document.IDKey(op.Header.ID)
	raw, ok, err := collTree.Get(idKey)
	if err != nil {
		return Change{}, dberr.New("txn.Execute", dberr.KindStorage, err)
	}
	if !ok {
		return Change{}, dberr.New("txn.Execute", dberr.KindDocumentNotFound, fmt.Errorf("document %d not found in %q", op.Header.ID, op.Collection))
	}
	existing, err := document.Deserialize(e.vault, vault.AllowAll{}, raw)
	if err != nil {
		return Change{}, err
	}
	if existing.Header.Revision != op.Header.Revision {
		return Change{}, dberr.New("txn.Execute", dberr.KindDocumentConflict, fmt.Errorf("document %d: revision mismatch", op.Header.ID))
	}

	newRevision, changed := document.NextRevision(existing.Header.Revision, op.Contents)
	header := existing.Header
	header.Revision = newRevision
	if !changed {
		return Change{Collection: op.Collection, ID: op.Header.ID, Header: header}, nil
	}

	keyID := ""
	if header.EncryptionKeyID != nil {
		keyID = *header.EncryptionKeyID
	}
	doc := document.Document{Header: header, Contents: op.Contents}
	out, err := document.Serialize(e.vault, keyID, doc)
	if err != nil {
		return Change{}, err
	}
	if err := collTree.Put(idKey, out); err != nil {
		return Change{}, dberr.New("txn.Execute", dberr.KindStorage, err)
	}

	if err := e.runUniquePipeline(ktxn, database, op.Collection, op.Header.ID, &doc); err != nil {
		return Change{}, err
	}
	return Change{Collection: op.Collection, ID: op.Header.ID, Header: header}, nil
}

func (e *Engine) applyDelete(ktxn kv.Txn, database string, op Operation, collTree kv.TreeTxn) (Change, error) {
	idKey := document.IDKey(op.Header.ID)
	raw, ok, err := collTree.Get(idKey)
	if err != nil {
		return Change{}, dberr.New("txn.Execute", dberr.KindStorage, err)
	}
	if !ok {
		return Change{}, dberr.New("txn.Execute", dberr.KindDocumentNotFound, fmt.Errorf("document %d not found in %q", op.Header.ID, op.Collection))
	}
	existing, err := document.Deserialize(e.vault, vault.AllowAll{}, raw)
	if err != nil {
		return Change{}, err
	}
	if existing.Header.Revision != op.Header.Revision {
		return Change{}, dberr.New("txn.Execute", dberr.KindDocumentConflict, fmt.Errorf("document %d: revision mismatch", op.Header.ID))
	}

	if err := collTree.Delete(idKey); err != nil {
		return Change{}, dberr.New("txn.Execute", dberr.KindStorage, err)
	}
	if err := e.runUniquePipeline(ktxn, database, op.Collection, op.Header.ID, nil); err != nil {
		return Change{}, err
	}
	return Change{Collection: op.Collection, ID: op.Header.ID, Header: existing.Header, Deleted: true}, nil
}

// runUniquePipeline applies viewindex.Map synchronously for every unique
// view declared on collection, inside the caller's transaction. doc is nil
// for a delete.
func (e *Engine) runUniquePipeline(ktxn kv.Txn, database, collection string, docID uint64, doc *document.Document) error {
	coll, _ := e.schema.Collection(collection)
	for _, view := range e.schema.ViewsOf(collection) {
		if !view.Unique {
			continue
		}
		entries, err := ktxn.Tree(kv.ViewEntriesTree(database, view.Name))
		if err != nil {
			return err
		}
		docMap, err := ktxn.Tree(kv.ViewDocumentMapTree(database, view.Name))
		if err != nil {
			return err
		}
		omitted, err := ktxn.Tree(kv.ViewOmittedTree(database, view.Name))
		if err != nil {
			return err
		}
		keyID := vault.Resolve(view.EncryptionKeyID, coll.EncryptionKeyID, e.databaseKeyID)
		if err := viewindex.Map(entries, docMap, omitted, e.vault, keyID, view, docID, doc); err != nil {
			if kind, ok := dberr.KindOf(err); ok && kind == dberr.KindUniqueKeyViolation {
				log.WithCollection(database, collection).Warn().Err(err).Uint64("doc_id", docID).Msg("unique view rejected document")
			}
			return err
		}
	}
	return nil
}

func opKindLabel(k OpKind) string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}
