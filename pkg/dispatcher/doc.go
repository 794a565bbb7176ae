/*
Package dispatcher implements the task dispatcher (spec component 4.H): a
bounded worker pool whose jobs are keyed by (database, view, kind) so that
duplicate submissions coalesce into whichever job of that key is already
queued or running.

Grounded on cuemby-warren/pkg/reconciler.go's ticking-goroutine-plus-mutex
shape, generalized from a single reconcile loop to N workers pulling from
one job queue, and on pkg/worker.go's stopCh-based shutdown convention.
*/
package dispatcher
