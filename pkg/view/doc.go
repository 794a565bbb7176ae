/*
Package view implements the view indexer (spec component 4.E): the
Update-if-needed background job, the open-time integrity check, and the
Query/Reduce API with all four key selectors and the grouped/rereduce
distinction.

The actual entry mutation is shared with pkg/txn's synchronous unique-view
pipeline through pkg/viewindex.Map; this package adds the "when" around
that primitive — draining a view's invalidated set, detecting a schema
version bump, and serving reads — grounded on
cuemby-warren/pkg/reconciler.go's ticking background-job shape.
*/
package view
