package view

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/dispatcher"
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

// versionMarkerKey is a reserved key in a view's document-map tree holding
// that view's last-applied schema version. Its length (9 bytes) can never
// collide with an 8-byte big-endian document id, so it safely shares the
// tree spec §3 assigns to doc_id -> key-set rows without a seventh tree
// name outside the exact list spec §6 specifies.
var versionMarkerKey = []byte("\x00_version")

// Indexer runs the map/reduce machinery of one or more views sharing a
// kv.Engine: the background Update-if-needed job, the open-time integrity
// check, and read-side Query/Reduce.
type Indexer struct {
	kv            kv.Engine
	schema        *schema.Schema
	vault         vault.Vault
	databaseKeyID *string
	dispatcher    *dispatcher.Dispatcher
	log           zerolog.Logger
}

// New constructs an Indexer. dispatcher may be nil, in which case
// NotifyViewInvalidated is a no-op and callers must drive UpdateIfNeeded
// themselves (as tests do). databaseKeyID is the database-default
// encryption key tier a view falls back to when it declares none of its
// own and its collection declares none either.
func New(kvEngine kv.Engine, sch *schema.Schema, v vault.Vault, databaseKeyID *string, d *dispatcher.Dispatcher, database string) *Indexer {
	return &Indexer{
		kv:            kvEngine,
		schema:        sch,
		vault:         v,
		databaseKeyID: databaseKeyID,
		dispatcher:    d,
		log:           log.WithDatabase(database),
	}
}

// resolveKeyID picks the encryption key a view's stored entries are sealed
// under, following the same header/collection/database priority document
// bodies use (vault.Resolve), with the view's own EncryptionKeyID standing
// in for the header tier since a view entry has no header of its own.
func (ix *Indexer) resolveKeyID(v schema.ViewDescriptor) string {
	coll, _ := ix.schema.Collection(v.Collection)
	return vault.Resolve(v.EncryptionKeyID, coll.EncryptionKeyID, ix.databaseKeyID)
}

// NotifyViewInvalidated implements pkg/txn.ViewNotifier: it wakes the
// dispatcher to run Update-if-needed for (database, view), coalescing with
// any already in-flight run for that same view.
func (ix *Indexer) NotifyViewInvalidated(database, viewName string) {
	if ix.dispatcher == nil {
		return
	}
	ix.dispatcher.Submit(dispatcher.JobKey{Database: database, View: viewName, Kind: dispatcher.JobUpdate}, func(ctx context.Context) error {
		return ix.UpdateIfNeeded(ctx, database, viewName)
	})
}

// PoisonedDocument reports one document that UpdateIfNeeded could not map,
// so the caller's error channel (spec's poison-pill path) can surface it
// without aborting the rest of the batch.
type PoisonedDocument struct {
	Database string
	View     string
	DocID    uint64
	Err      error
}

// UpdateIfNeeded drains viewName's invalidated set: every pending doc_id is
// (re)mapped against its current document (or, if deleted, mapped with no
// document so its stale mappings are subtracted) and removed from
// invalidated. A document whose map function fails (a poison pill) is left
// in invalidated and logged rather than aborting the other documents in the
// batch; use UpdateIfNeededWithPoisonHandler to also receive each poisoned
// doc_id through a callback. Each document's
// mapping commits independently so one poisoned document cannot roll back
// another's progress.
func (ix *Indexer) UpdateIfNeeded(ctx context.Context, database, viewName string) error {
	return ix.updateIfNeeded(ctx, database, viewName, nil)
}

// UpdateIfNeededWithPoisonHandler is UpdateIfNeeded with an explicit
// poison-pill callback, invoked once per document that fails to map.
func (ix *Indexer) UpdateIfNeededWithPoisonHandler(ctx context.Context, database, viewName string, onPoison func(PoisonedDocument)) error {
	return ix.updateIfNeeded(ctx, database, viewName, onPoison)
}

func (ix *Indexer) updateIfNeeded(ctx context.Context, database, viewName string, onPoison func(PoisonedDocument)) error {
	v, ok := ix.schema.View(viewName)
	if !ok {
		return dberr.New("view.UpdateIfNeeded", dberr.KindViewNotFound, fmt.Errorf("view %q not registered", viewName))
	}

	timer := metrics.NewTimer()
	trees := []string{
		kv.CollectionTree(database, v.Collection),
		kv.ViewEntriesTree(database, viewName),
		kv.ViewDocumentMapTree(database, viewName),
		kv.ViewInvalidatedTree(database, viewName),
		kv.ViewOmittedTree(database, viewName),
	}
	keyID := ix.resolveKeyID(v)
	vlog := log.WithView(database, viewName)

	var pending [][]byte
	err := ix.kv.View(ctx, []string{kv.ViewInvalidatedTree(database, viewName)}, func(ktxn kv.Txn) error {
		invalidated, err := ktxn.Tree(kv.ViewInvalidatedTree(database, viewName))
		if err != nil {
			return err
		}
		return invalidated.ForEach(func(key, _ []byte) error {
			cp := make([]byte, len(key))
			copy(cp, key)
			pending = append(pending, cp)
			return nil
		})
	})
	if err != nil {
		return err
	}

	// Each pending document is mapped in its own transaction so a poison
	// pill (a document whose map function errors) aborts only its own
	// update: it stays in invalidated for a future retry and is reported
	// through onPoison, instead of rolling back every other document
	// already reconciled in this pass.
	for _, idKey := range pending {
		docID, err := document.DecodeIDKey(idKey)
		if err != nil {
			return err
		}

		mapErr := ix.kv.Update(ctx, trees, func(ktxn kv.Txn) error {
			collTree, err := ktxn.Tree(kv.CollectionTree(database, v.Collection))
			if err != nil {
				return err
			}
			entries, err := ktxn.Tree(kv.ViewEntriesTree(database, viewName))
			if err != nil {
				return err
			}
			docMap, err := ktxn.Tree(kv.ViewDocumentMapTree(database, viewName))
			if err != nil {
				return err
			}
			invalidated, err := ktxn.Tree(kv.ViewInvalidatedTree(database, viewName))
			if err != nil {
				return err
			}
			omitted, err := ktxn.Tree(kv.ViewOmittedTree(database, viewName))
			if err != nil {
				return err
			}

			raw, exists, err := collTree.Get(idKey)
			if err != nil {
				return dberr.New("view.UpdateIfNeeded", dberr.KindStorage, err)
			}

			var doc *document.Document
			if exists {
				decoded, err := document.Deserialize(ix.vault, vault.AllowAll{}, raw)
				if err != nil {
					return err
				}
				doc = &decoded
			}

			if err := viewindex.Map(entries, docMap, omitted, ix.vault, keyID, v, docID, doc); err != nil {
				return err
			}
			return invalidated.Delete(idKey)
		})
		if mapErr != nil {
			vlog.Error().Err(mapErr).Uint64("doc_id", docID).Msg("poison pill: document left invalidated")
			if onPoison != nil {
				onPoison(PoisonedDocument{Database: database, View: viewName, DocID: docID, Err: mapErr})
			}
			continue
		}
	}
	timer.ObserveDurationVec(metrics.ViewMapDuration, database, viewName)
	metrics.ViewUpdateCyclesTotal.WithLabelValues(database, viewName).Inc()
	return nil
}

// IntegrityCheck runs once per database open: for every registered view
// whose persisted version marker does not match the schema's declared
// version (including a view opened for the first time, which has no
// marker yet), it clears that view's entries, document-map, and omitted
// trees, marks every document in the collection as invalidated, and writes
// the new marker.
func (ix *Indexer) IntegrityCheck(ctx context.Context, database string) error {
	for _, v := range allViews(ix.schema) {
		if err := ix.integrityCheckView(ctx, database, v); err != nil {
			return err
		}
	}
	return nil
}

func allViews(sch *schema.Schema) []schema.ViewDescriptor {
	seen := make(map[string]struct{})
	var out []schema.ViewDescriptor
	for _, coll := range sch.CollectionNames() {
		for _, v := range sch.ViewsOf(coll) {
			if _, ok := seen[v.Name]; ok {
				continue
			}
			seen[v.Name] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func (ix *Indexer) integrityCheckView(ctx context.Context, database string, v schema.ViewDescriptor) error {
	timer := metrics.NewTimer()
	defer func() {
		metrics.ViewIntegrityChecksTotal.WithLabelValues(database, v.Name).Inc()
		_ = timer
	}()

	trees := []string{
		kv.CollectionTree(database, v.Collection),
		kv.ViewEntriesTree(database, v.Name),
		kv.ViewDocumentMapTree(database, v.Name),
		kv.ViewInvalidatedTree(database, v.Name),
		kv.ViewOmittedTree(database, v.Name),
	}

	return ix.kv.Update(ctx, trees, func(ktxn kv.Txn) error {
		docMap, err := ktxn.Tree(kv.ViewDocumentMapTree(database, v.Name))
		if err != nil {
			return err
		}

		storedVersion, hasMarker, err := readVersionMarker(docMap)
		if err != nil {
			return err
		}
		if hasMarker && storedVersion == v.Version {
			return nil
		}

		entries, err := ktxn.Tree(kv.ViewEntriesTree(database, v.Name))
		if err != nil {
			return err
		}
		omitted, err := ktxn.Tree(kv.ViewOmittedTree(database, v.Name))
		if err != nil {
			return err
		}
		invalidated, err := ktxn.Tree(kv.ViewInvalidatedTree(database, v.Name))
		if err != nil {
			return err
		}
		collTree, err := ktxn.Tree(kv.CollectionTree(database, v.Collection))
		if err != nil {
			return err
		}

		if err := clearAll(entries); err != nil {
			return err
		}
		if err := clearAllExcept(docMap, versionMarkerKey); err != nil {
			return err
		}
		if err := clearAll(omitted); err != nil {
			return err
		}

		if err := collTree.ForEach(func(key, _ []byte) error {
			return invalidated.Put(key, []byte{})
		}); err != nil {
			return dberr.New("view.IntegrityCheck", dberr.KindStorage, err)
		}

		return writeVersionMarker(docMap, v.Version)
	})
}

func clearAll(tree kv.TreeTxn) error {
	return clearAllExcept(tree, nil)
}

func clearAllExcept(tree kv.TreeTxn, keep []byte) error {
	var keys [][]byte
	if err := tree.ForEach(func(key, _ []byte) error {
		if keep != nil && bytes.Equal(key, keep) {
			return nil
		}
		cp := make([]byte, len(key))
		copy(cp, key)
		keys = append(keys, cp)
		return nil
	}); err != nil {
		return dberr.New("view.IntegrityCheck", dberr.KindStorage, err)
	}
	for _, k := range keys {
		if err := tree.Delete(k); err != nil {
			return dberr.New("view.IntegrityCheck", dberr.KindStorage, err)
		}
	}
	return nil
}

func readVersionMarker(docMap kv.TreeTxn) (int, bool, error) {
	raw, ok, err := docMap.Get(versionMarkerKey)
	if err != nil {
		return 0, false, dberr.New("view.IntegrityCheck", dberr.KindStorage, err)
	}
	if !ok {
		return 0, false, nil
	}
	var version int
	if err := cbor.Unmarshal(raw, &version); err != nil {
		return 0, false, dberr.New("view.IntegrityCheck", dberr.KindSerialization, err)
	}
	return version, true, nil
}

func writeVersionMarker(docMap kv.TreeTxn, version int) error {
	raw, err := cbor.Marshal(version)
	if err != nil {
		return dberr.New("view.IntegrityCheck", dberr.KindSerialization, err)
	}
	if err := docMap.Put(versionMarkerKey, raw); err != nil {
		return dberr.New("view.IntegrityCheck", dberr.KindStorage, err)
	}
	return nil
}
