/*
Package pubsub implements the pub/sub relay (spec component 4.G):
subscriber registry, topic routing, and database-namespaced topics.

It generalizes cuemby-warren/pkg/events.Broker's subscriber map plus
per-subscriber channel from one implicit global topic to an arbitrary set
of byte-string topics, and replaces its bounded, drop-on-full subscriber
channel with an unbounded in-memory queue, since spec §9 calls a
subscriber's queue durable rather than best-effort.
*/
package pubsub
