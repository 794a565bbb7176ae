/*
Package vault implements envelope encryption for document bodies and view
entries (spec component 4.B). It is grounded on the AES-256-GCM sealing in
the teacher's pkg/security/secrets.go, generalized from a single global
cluster key to a named keyring so a document header key, a collection
default key, and a database default key can all be resolved independently.

	Resolve(headerKeyID, collectionKeyID, databaseKeyID) -> keyID or ""
	               │
	               ▼ (if non-empty)
	     Encrypt(keyID, plaintext) -> Envelope{KeyID, Nonce, Ciphertext}
	     Decrypt(Envelope, Permissions) -> plaintext, or a KindUnauthorized error

An Envelope records which key id sealed it, so a key can be rotated without
losing the ability to decrypt data sealed under an older key (as long as
the older key stays in the keyring). Permissions gate Decrypt per spec:
a caller lacking rights to a key id gets KindUnauthorized, not plaintext.
*/
package vault
