/*
Package wire defines the request/response envelope types (spec §6): a
correlation id plus a union tag of Server or Database requests, and the
mirrored response shape. No transport is implemented here — framing,
connection handling, and auth are out of scope, the same way
cuemby-warren/pkg/client.Client's generated proto request/response types
carry no socket code of their own.

Go has no sum types, so each union is modeled as a Kind enum plus a set of
typed, individually-optional payload fields, following the same
byte-oriented/type-erased-by-kind shape pkg/schema.ViewDescriptor uses for
its own internal dispatch.
*/
package wire
