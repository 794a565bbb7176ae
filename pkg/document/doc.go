/*
Package document implements the document record (spec §3 "Document") and
its codec (spec component 4.C): header/contents serialization, revision
hashing, and at-rest encryption of the contents via pkg/vault.

A Document's on-disk form is CBOR-encoded (self-delimiting, so no separate
length prefix is needed) and carries either the plaintext contents or a
vault envelope, mirroring the teacher's JSON-envelope-per-value pattern in
the storage package generalized from JSON to CBOR with an encrypted
variant.
*/
package document
