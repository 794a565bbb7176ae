/*
Package schema models the compile-time declaration spec §3 calls a
"Schema": a named set of collections and the views that index them.

Following the cross-language re-architecture guidance in spec §9, views
and collections are exposed as capability interfaces rather than as
type-parameterized traits resolved at compile time: AddView is a generic
function that closes a user's typed Key/Value codecs and map/reduce
functions over into a byte-oriented ViewDescriptor, and every runtime
package (pkg/txn, pkg/view, pkg/database) dispatches through descriptors
looked up by name. Go forbids type parameters on methods, so registration
is a package-level generic function operating on a *Schema rather than a
generic method on it — the idiomatic shape for this pattern in Go.
*/
package schema
