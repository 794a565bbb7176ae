/*
Package database implements the database façade (spec component 4.F): the
process-wide Storage handle and the per-database Database handle clients
actually call.

Storage owns the shared kv.Engine, vault.Vault, dispatcher.Dispatcher, and
pubsub.Relay the way cuemby-warren/pkg/manager.Manager owns its store,
secrets manager, and event broker behind one Config-constructed struct;
Database borrows from it the way a per-node client borrows the cluster
store.
*/
package database
