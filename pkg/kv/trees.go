package kv

// Tree naming follows the exact on-disk layout contract: one tree per
// collection, four auxiliary trees per view, and one transaction log tree
// per database, all namespaced under the database name.

// TransactionsTree names a database's transaction log tree.
func TransactionsTree(db string) string {
	return db + "::transactions"
}

// CollectionTree names the tree backing a collection, keyed "namespace.name".
func CollectionTree(db, collection string) string {
	return db + "::collection::" + collection
}

// ViewEntriesTree names a view's entries tree: per-key mappings plus the
// reduced value.
func ViewEntriesTree(db, view string) string {
	return db + "::view::" + view + "::entries"
}

// ViewDocumentMapTree names a view's document-map tree: doc_id -> the set
// of keys that document currently contributes.
func ViewDocumentMapTree(db, view string) string {
	return db + "::view::" + view + "::document-map"
}

// ViewInvalidatedTree names a view's invalidated tree: doc_ids awaiting
// (re)mapping.
func ViewInvalidatedTree(db, view string) string {
	return db + "::view::" + view + "::invalidated"
}

// ViewOmittedTree names a view's omitted tree: doc_ids that mapped to zero
// keys, distinct from "not yet processed".
func ViewOmittedTree(db, view string) string {
	return db + "::view::" + view + "::omitted"
}
