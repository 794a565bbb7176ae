/*
Package kv defines the ordered key-value abstraction the rest of the
database core is built on (spec component 4.A): named trees offering point
get/put/delete, forward iteration, forward bounded-range iteration, a
monotonic per-tree id generator, and participation in an atomic multi-tree
transaction.

	┌──────────────────────── kv.Engine ────────────────────────┐
	│                                                             │
	│   Update(ctx, []string{"db::collection::a.b", ...}, fn)    │
	│   View  (ctx, []string{...}, fn)                            │
	│                     │                                        │
	│                     ▼                                        │
	│   ┌─────────────────────────────────────────────┐          │
	│   │  kv.Txn  -- one per Update/View call          │          │
	│   │    .Tree("db::collection::a.b") -> TreeTxn    │          │
	│   └─────────────────────────────────────────────┘          │
	│                     │                                        │
	│                     ▼                                        │
	│   ┌─────────────────────────────────────────────┐          │
	│   │  kv.TreeTxn                                    │          │
	│   │    Get / Put / Delete (point)                  │          │
	│   │    ForEach            (full forward scan)      │          │
	│   │    Range(start, end)  (bounded forward scan)   │          │
	│   │    NextID()           (monotonic per-tree)     │          │
	│   └─────────────────────────────────────────────┘          │
	└─────────────────────────────────────────────────────────────┘

Two implementations ship here: boltEngine, backed by go.etcd.io/bbolt (one
bucket per named tree, lazily created), for real persistence, and memEngine,
an in-process sorted-map engine used by this module's own tests and by the
transaction engine, view indexer, and database façade tests so the suite
does not need a file-backed database to exercise transaction semantics.

Every write-visible side effect outside the engine (publishing a pub/sub
notification, waking a background job) must happen only after Update
returns successfully — conflicts inside fn can cause bbolt to retry or
abort the whole transaction, and a caller must never observe a retried
attempt's partial effects.
*/
package kv
