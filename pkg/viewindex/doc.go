/*
Package viewindex implements the map(view, doc_id) primitive shared by the
transaction engine's synchronous unique-view pipeline and the view indexer's
background Update-if-needed job: the two code paths differ only in when they
run, not in how they mutate a view's trees. (The open-time integrity check
does not map documents itself; it clears a stale view and queues every
document for the background job.)

Grounded on the entry/document-map bookkeeping in
cuemby-warren/pkg/storage/boltdb.go's bucket read-modify-write pattern,
generalized from a single JSON value per key to the {mappings, reduced
value} aggregate a view entry carries.
*/
package viewindex
