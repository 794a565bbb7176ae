/*
Package txn implements the transaction engine (spec component 4.D): atomic
multi-op batches across a database's collection trees, the unique-view
synchronous indexing pipeline, non-unique invalidation seeding, and the
transaction log.

Grounded on cuemby-warren/pkg/storage/boltdb.go's db.Update closures,
generalized from a single bucket per call to the engine's named-tree-union
contract, and on viewindex.Map for the actual entry bookkeeping shared with
pkg/view.
*/
package txn
