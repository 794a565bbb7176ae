package document

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/fxamacker/cbor/v2"
)

// IDKey encodes a document or transaction log id as the 8-byte big-endian
// tree key spec §6 requires.
func IDKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// DecodeIDKey reverses IDKey.
func DecodeIDKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, dberr.New("document.DecodeIDKey", dberr.KindKeySerialization, fmt.Errorf("want 8 bytes, got %d", len(key)))
	}
	return binary.BigEndian.Uint64(key), nil
}

// Revision identifies one version of a document's contents.
type Revision struct {
	Generation uint32   `cbor:"generation"`
	SHA256     [32]byte `cbor:"sha256"`
}

// Header is the identity and revision metadata of a document, independent
// of whether its contents are encrypted.
type Header struct {
	ID              uint64   `cbor:"id"`
	Revision        Revision `cbor:"revision"`
	EncryptionKeyID *string  `cbor:"encryption_key_id,omitempty"`
}

// Document is a single record within a collection.
type Document struct {
	Header   Header
	Contents []byte
}

// NewRevision computes the first revision of a freshly inserted document.
func NewRevision(contents []byte) Revision {
	return Revision{Generation: 1, SHA256: sha256.Sum256(contents)}
}

// NextRevision computes the revision that results from writing newContents
// over a document currently at current. changed is false when newContents
// is byte-identical to the current contents, in which case rev equals
// current and generation does not advance, per spec §3: "A new revision is
// produced only if the new contents differ from the current".
func NextRevision(current Revision, newContents []byte) (rev Revision, changed bool) {
	hash := sha256.Sum256(newContents)
	if current.Generation != 0 && current.SHA256 == hash {
		return current, false
	}
	return Revision{Generation: current.Generation + 1, SHA256: hash}, true
}

// record is the on-disk shape of a Document: header plus either the
// plaintext contents or a vault envelope.
type record struct {
	Header   Header        `cbor:"header"`
	Sealed   bool          `cbor:"sealed"`
	Envelope vault.Envelope `cbor:"envelope,omitempty"`
	Plain    []byte        `cbor:"plain,omitempty"`
}

// Serialize encodes doc for storage. When keyID is non-empty, contents are
// sealed through v and doc.Header.EncryptionKeyID is set to keyID in the
// returned bytes (the caller's in-memory Header is not mutated); an empty
// keyID stores contents in plaintext.
func Serialize(v vault.Vault, keyID string, doc Document) ([]byte, error) {
	header := doc.Header
	rec := record{Header: header}

	if keyID != "" {
		env, err := v.Encrypt(keyID, doc.Contents)
		if err != nil {
			return nil, err
		}
		rec.Header.EncryptionKeyID = &keyID
		rec.Sealed = true
		rec.Envelope = env
	} else {
		rec.Plain = doc.Contents
	}

	out, err := cbor.Marshal(rec)
	if err != nil {
		return nil, dberr.New("document.Serialize", dberr.KindSerialization, err)
	}
	return out, nil
}

// Deserialize reverses Serialize, decrypting sealed contents through v.
// Decryption failures (including Unauthorized) propagate to the caller
// rather than returning a zero-value document, per invariant I1.
func Deserialize(v vault.Vault, perms vault.Permissions, data []byte) (Document, error) {
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Document{}, dberr.New("document.Deserialize", dberr.KindSerialization, fmt.Errorf("decode record: %w", err))
	}

	contents := rec.Plain
	if rec.Sealed {
		plaintext, err := v.Decrypt(rec.Envelope, perms)
		if err != nil {
			return Document{}, err
		}
		contents = plaintext
	}

	return Document{Header: rec.Header, Contents: contents}, nil
}
